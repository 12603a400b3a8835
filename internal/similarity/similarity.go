// Package similarity implements the string-similarity metrics used by
// vendor entity resolution: Jaro-Winkler, Levenshtein ratio, token-set,
// token-sort, partial ratio, and the weighted hybrid of all five.
//
// Every metric is symmetric, returns 1.0 for identical non-empty
// inputs, 0.0 when either input is empty, and stays within [0,1].
// Inputs are expected to be normalized names (uppercase, suffix-free);
// the metrics do no normalization of their own beyond whitespace
// tokenization.
package similarity

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/antzucaro/matchr"
	"github.com/rotisserie/eris"
)

// Weights controls the hybrid score mix. The components must be
// non-negative and sum to 1.
type Weights struct {
	JaroWinkler float64 `json:"jaro_winkler" yaml:"jaro_winkler" mapstructure:"jaro_winkler"`
	TokenSet    float64 `json:"token_set" yaml:"token_set" mapstructure:"token_set"`
	TokenSort   float64 `json:"token_sort" yaml:"token_sort" mapstructure:"token_sort"`
	Partial     float64 `json:"partial" yaml:"partial" mapstructure:"partial"`
	Levenshtein float64 `json:"levenshtein" yaml:"levenshtein" mapstructure:"levenshtein"`
}

// DefaultWeights returns the production mix.
func DefaultWeights() Weights {
	return Weights{
		JaroWinkler: 0.25,
		TokenSet:    0.25,
		TokenSort:   0.15,
		Partial:     0.15,
		Levenshtein: 0.20,
	}
}

// Sum returns the total of all components.
func (w Weights) Sum() float64 {
	return w.JaroWinkler + w.TokenSet + w.TokenSort + w.Partial + w.Levenshtein
}

// Validate checks that the weights are non-negative and sum to 1.
func (w Weights) Validate() error {
	for _, v := range []float64{w.JaroWinkler, w.TokenSet, w.TokenSort, w.Partial, w.Levenshtein} {
		if v < 0 {
			return eris.New("similarity: weights must be non-negative")
		}
	}
	if s := w.Sum(); s < 0.999 || s > 1.001 {
		return eris.Errorf("similarity: weights must sum to 1.0, got %.4f", s)
	}
	return nil
}

// Score computes the weighted hybrid similarity of a and b.
func (w Weights) Score(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	s := w.JaroWinkler*JaroWinkler(a, b) +
		w.TokenSet*TokenSet(a, b) +
		w.TokenSort*TokenSort(a, b) +
		w.Partial*PartialRatio(a, b) +
		w.Levenshtein*LevenshteinRatio(a, b)
	return clamp01(s)
}

// Hybrid is Weights.Score with the default mix.
func Hybrid(a, b string) float64 {
	return DefaultWeights().Score(a, b)
}

// JaroWinkler returns the Jaro-Winkler similarity of a and b.
func JaroWinkler(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	return clamp01(matchr.JaroWinkler(a, b, false))
}

// LevenshteinRatio returns 1 - dist/maxLen over runes.
func LevenshteinRatio(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	la, lb := len([]rune(a)), len([]rune(b))
	maxLen := la
	if lb > maxLen {
		maxLen = lb
	}
	d := levenshtein.ComputeDistance(a, b)
	return clamp01(1 - float64(d)/float64(maxLen))
}

// TokenSort compares the two strings with their tokens sorted, which
// makes the metric order-insensitive: "CONSTRUCTORA MAYA" and
// "MAYA CONSTRUCTORA" score 1.0.
func TokenSort(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	return LevenshteinRatio(sortedJoin(tokens(a)), sortedJoin(tokens(b)))
}

// TokenSet compares the token sets of a and b: the shared tokens are
// factored out and the best of the intersection-vs-full comparisons is
// returned. Names that are pure reorderings or subset/superset pairs
// score at or near 1.0.
func TokenSet(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	var inter, diffA, diffB []string
	for tok := range ta {
		if tb[tok] {
			inter = append(inter, tok)
		} else {
			diffA = append(diffA, tok)
		}
	}
	for tok := range tb {
		if !ta[tok] {
			diffB = append(diffB, tok)
		}
	}
	if len(diffA) == 0 && len(diffB) == 0 {
		return 1
	}

	base := sortedJoin(inter)
	sa := joinNonEmpty(base, sortedJoin(diffA))
	sb := joinNonEmpty(base, sortedJoin(diffB))

	best := LevenshteinRatio(sa, sb)
	if base != "" {
		if r := LevenshteinRatio(base, sa); r > best {
			best = r
		}
		if r := LevenshteinRatio(base, sb); r > best {
			best = r
		}
	}
	return best
}

// PartialRatio slides the shorter string across the longer and returns
// the best window ratio, so "FARMACIAS GUADALAJARA" vs "GUADALAJARA"
// scores 1.0.
func PartialRatio(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	short, long := ra, rb
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) == len(long) {
		return LevenshteinRatio(string(short), string(long))
	}

	s := string(short)
	best := 0.0
	for i := 0; i+len(short) <= len(long); i++ {
		r := LevenshteinRatio(s, string(long[i:i+len(short)]))
		if r > best {
			best = r
		}
		if best == 1 {
			break
		}
	}
	return best
}

func tokens(s string) []string {
	return strings.Fields(s)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range tokens(s) {
		set[tok] = true
	}
	return set
}

func sortedJoin(toks []string) string {
	sorted := make([]string, len(toks))
	copy(sorted, toks)
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
