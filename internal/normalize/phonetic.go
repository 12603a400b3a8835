package normalize

import "strings"

// PhoneticCode computes a 4-character Soundex-style code adapted to
// Mexican Spanish orthography. Spelling variants that sound identical
// collapse to the same code before the classic digit walk:
//
//	silent initial H dropped     HERNANDEZ / ERNANDEZ
//	LL -> Y                      LLANOS / YANOS
//	QU -> K                      QUEVEDO / KEVEDO
//	GUE, GUI lose the silent U   GUERRERO -> GERRERO
//	CE, CI -> SE, SI             CISNEROS / SISNEROS
//	Z -> S                       GONZALEZ / GONZALES
//	V -> B                       VARGAS / BARGAS
//
// A leading X keeps its own consonant class so XIMENA and JIMENA stay
// distinct. Empty or letter-free input yields "".
func PhoneticCode(word string) string {
	letters := keyLetters(word)
	if len(letters) == 0 {
		return ""
	}
	t := pretransform(letters)
	if len(t) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteRune(t[0])
	last := soundexDigit(t[0])
	for _, r := range t[1:] {
		if b.Len() == 4 {
			break
		}
		d := soundexDigit(r)
		switch {
		case d == 0 && (r == 'H' || r == 'W'):
			// H and W are transparent: they do not break a run.
		case d == 0:
			last = 0
		case d != last:
			b.WriteByte('0' + byte(d))
			last = d
		}
	}
	for b.Len() < 4 {
		b.WriteByte('0')
	}
	return b.String()
}

// keyLetters uppercases, folds accents, and keeps A-Z only.
func keyLetters(s string) []rune {
	folded := FoldAccents(strings.ToUpper(strings.TrimSpace(s)))
	out := make([]rune, 0, len(folded))
	for _, r := range folded {
		if r >= 'A' && r <= 'Z' {
			out = append(out, r)
		}
	}
	return out
}

func pretransform(rs []rune) []rune {
	if rs[0] == 'H' && len(rs) > 1 {
		rs = rs[1:]
	}
	out := make([]rune, 0, len(rs))
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		var next rune
		if i+1 < len(rs) {
			next = rs[i+1]
		}
		switch {
		case r == 'L' && next == 'L':
			out = append(out, 'Y')
			i++
		case r == 'Q' && next == 'U':
			out = append(out, 'K')
			i++
		case r == 'G' && next == 'U' && i+2 < len(rs) && (rs[i+2] == 'E' || rs[i+2] == 'I'):
			out = append(out, 'G')
			i++
		case r == 'C' && (next == 'E' || next == 'I'):
			out = append(out, 'S')
		case r == 'Z':
			out = append(out, 'S')
		case r == 'V':
			out = append(out, 'B')
		default:
			out = append(out, r)
		}
	}
	return out
}

func soundexDigit(r rune) int {
	switch r {
	case 'B', 'F', 'P', 'V':
		return 1
	case 'C', 'G', 'J', 'K', 'Q', 'S', 'X', 'Z':
		return 2
	case 'D', 'T':
		return 3
	case 'L':
		return 4
	case 'M', 'N':
		return 5
	case 'R':
		return 6
	default:
		return 0
	}
}
