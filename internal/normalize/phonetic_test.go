package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhoneticCodeCollapsesVariants(t *testing.T) {
	t.Parallel()

	pairs := [][2]string{
		{"GONZALEZ", "GONZALES"},
		{"HERNANDEZ", "ERNANDEZ"},
		{"LLANOS", "YANOS"},
		{"QUEVEDO", "KEVEDO"},
		{"GUERRERO", "GERRERO"},
		{"CISNEROS", "SISNEROS"},
		{"VARGAS", "BARGAS"},
		{"MUÑOZ", "MUNOZ"},
		{"ZEPEDA", "SEPEDA"},
	}

	for _, p := range pairs {
		t.Run(p[0]+"_"+p[1], func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, PhoneticCode(p[0]), PhoneticCode(p[1]),
				"%s and %s should share a code", p[0], p[1])
		})
	}
}

func TestPhoneticCodeKeepsDistinctNamesApart(t *testing.T) {
	t.Parallel()

	pairs := [][2]string{
		{"HERNANDEZ", "MARTINEZ"},
		{"XIMENA", "JIMENA"}, // leading X keeps its own class
		{"GONZALEZ", "GOMEZ"},
		{"CONSTRUCTORA", "COMERCIALIZADORA"},
	}

	for _, p := range pairs {
		t.Run(p[0]+"_"+p[1], func(t *testing.T) {
			t.Parallel()
			assert.NotEqual(t, PhoneticCode(p[0]), PhoneticCode(p[1]))
		})
	}
}

func TestPhoneticCodeKnownValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		word string
		want string
	}{
		{"GONZALEZ", "G524"},
		{"GOMEZ", "G520"},
		{"LLANOS", "Y520"},
		{"VARGAS", "B622"},
		{"HERNANDEZ", "E655"},
	}
	for _, tt := range tests {
		t.Run(tt.word, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, PhoneticCode(tt.word))
		})
	}
}

func TestPhoneticCodeShape(t *testing.T) {
	t.Parallel()

	for _, w := range []string{"A", "LI", "GONZALEZ", "TELECOMUNICACIONES"} {
		code := PhoneticCode(w)
		assert.Len(t, code, 4, "word %q", w)
	}

	assert.Empty(t, PhoneticCode(""))
	assert.Empty(t, PhoneticCode("1234"))
	assert.Empty(t, PhoneticCode("---"))
}
