// Package blocking generates bounded candidate pairs for vendor
// matching. Records sharing a block key are compared; everything else
// is never considered, which turns the O(n²) cross-product into a
// tractable candidate stream.
package blocking

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/padron-mx/riesgo-cli/internal/model"
)

// Built-in strategy names.
const (
	StrategyRFC        = "rfc"
	StrategyPhonetic   = "phonetic"
	StrategyFirstToken = "first_token"
	StrategyPrefix     = "prefix4"
)

// Strategy derives a block key from a normalized vendor. An empty key
// excludes the record from this strategy's blocks; an error skips the
// record with a warning.
type Strategy struct {
	Name   string
	Weight float64
	Key    func(model.NormalizedVendor) (string, error)
}

var builtins = map[string]Strategy{
	StrategyRFC: {
		Name:   StrategyRFC,
		Weight: 1.0,
		Key: func(v model.NormalizedVendor) (string, error) {
			return v.RFCNorm, nil
		},
	},
	StrategyPhonetic: {
		Name:   StrategyPhonetic,
		Weight: 0.8,
		Key: func(v model.NormalizedVendor) (string, error) {
			if v.PhoneticFirst == "" {
				return "", nil
			}
			return v.PhoneticFirst + ":" + v.PhoneticLast, nil
		},
	},
	StrategyFirstToken: {
		Name:   StrategyFirstToken,
		Weight: 0.6,
		Key: func(v model.NormalizedVendor) (string, error) {
			if len(v.SearchTokens) == 0 {
				return "", nil
			}
			return v.SearchTokens[0], nil
		},
	},
	StrategyPrefix: {
		Name:   StrategyPrefix,
		Weight: 0.5,
		Key: func(v model.NormalizedVendor) (string, error) {
			return namePrefix(v.BaseName, 4), nil
		},
	},
}

// Builtin returns a built-in strategy by name.
func Builtin(name string) (Strategy, bool) {
	s, ok := builtins[name]
	return s, ok
}

// namePrefix returns the first n runes of the name with spaces removed,
// or the whole collapsed name when shorter.
func namePrefix(name string, n int) string {
	collapsed := strings.ReplaceAll(name, " ", "")
	rs := []rune(collapsed)
	if len(rs) <= n {
		return collapsed
	}
	return string(rs[:n])
}

// Config controls candidate generation.
type Config struct {
	MaxBlockSize int      `json:"max_block_size" yaml:"max_block_size" mapstructure:"max_block_size"`
	Strategies   []string `json:"strategies" yaml:"strategies" mapstructure:"strategies"`
}

// DefaultConfig returns the production blocking setup.
func DefaultConfig() Config {
	return Config{
		MaxBlockSize: 200,
		Strategies:   []string{StrategyRFC, StrategyPhonetic, StrategyFirstToken, StrategyPrefix},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxBlockSize <= 1 {
		return eris.Errorf("blocking: max_block_size must be > 1, got %d", c.MaxBlockSize)
	}
	if len(c.Strategies) == 0 {
		return eris.New("blocking: at least one strategy is required")
	}
	for _, name := range c.Strategies {
		if _, ok := builtins[name]; !ok {
			return eris.Errorf("blocking: unknown strategy %q", name)
		}
	}
	return nil
}

// Stats describes one generation run.
type Stats struct {
	Records         int   `json:"records"`
	Blocks          int   `json:"blocks"`
	OversizedBlocks int   `json:"oversized_blocks"`
	DroppedMembers  int   `json:"dropped_members"`
	SkippedRecords  int   `json:"skipped_records"`
	Pairs           int64 `json:"pairs"`
}

// ReductionRatio reports how much of the cross-product was avoided:
// 1 means no comparisons, 0 means all n*(n-1)/2.
func (s Stats) ReductionRatio() float64 {
	if s.Records < 2 {
		return 1
	}
	possible := float64(s.Records) * float64(s.Records-1) / 2
	r := 1 - float64(s.Pairs)/possible
	if r < 0 {
		return 0
	}
	return r
}

// Blocks groups records by one strategy's key. Blocks exceeding maxSize
// are dropped whole and counted; truncating them would keep an
// arbitrary subset and bias the comparisons.
func Blocks(records []model.NormalizedVendor, strat Strategy, maxSize int) (map[string][]int32, Stats) {
	stats := Stats{Records: len(records)}
	blocks := make(map[string][]int32)

	for i, rec := range records {
		key, err := strat.Key(rec)
		if err != nil {
			zap.L().Warn("blocking: strategy failed for record",
				zap.String("strategy", strat.Name),
				zap.Int64("vendor_id", rec.ID),
				zap.Error(err))
			stats.SkippedRecords++
			continue
		}
		if key == "" {
			stats.SkippedRecords++
			continue
		}
		blocks[key] = append(blocks[key], int32(i))
	}

	for key, members := range blocks {
		if maxSize > 0 && len(members) > maxSize {
			zap.L().Debug("blocking: dropping oversized block",
				zap.String("strategy", strat.Name),
				zap.String("key", key),
				zap.Int("size", len(members)))
			stats.OversizedBlocks++
			stats.DroppedMembers += len(members)
			delete(blocks, key)
			continue
		}
		stats.Blocks++
	}
	return blocks, stats
}

// Pair is one candidate comparison, with the strategies that proposed it.
type Pair struct {
	A, B       int32
	Strategies []string
}

// Pairs streams deduplicated candidate pairs across all configured
// strategies in deterministic order. Each pair is emitted exactly once
// even when several strategies propose it.
func Pairs(records []model.NormalizedVendor, cfg Config, fn func(Pair) error) (Stats, error) {
	if err := cfg.Validate(); err != nil {
		return Stats{}, err
	}

	total := Stats{Records: len(records)}
	proposed := make(map[int64][]string)

	for _, name := range cfg.Strategies {
		strat := builtins[name]
		blocks, stats := Blocks(records, strat, cfg.MaxBlockSize)
		total.Blocks += stats.Blocks
		total.OversizedBlocks += stats.OversizedBlocks
		total.DroppedMembers += stats.DroppedMembers
		total.SkippedRecords += stats.SkippedRecords

		for _, members := range blocks {
			for i := 0; i < len(members); i++ {
				for j := i + 1; j < len(members); j++ {
					k := packPair(members[i], members[j])
					strategies := proposed[k]
					if len(strategies) == 0 || strategies[len(strategies)-1] != name {
						proposed[k] = append(strategies, name)
					}
				}
			}
		}
	}

	keys := make([]int64, 0, len(proposed))
	for k := range proposed {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	total.Pairs = int64(len(keys))
	for _, k := range keys {
		a, b := unpackPair(k)
		if err := fn(Pair{A: a, B: b, Strategies: proposed[k]}); err != nil {
			return total, err
		}
	}
	return total, nil
}

func packPair(a, b int32) int64 {
	if a > b {
		a, b = b, a
	}
	return int64(a)<<32 | int64(b)
}

func unpackPair(k int64) (int32, int32) {
	return int32(k >> 32), int32(k & 0xffffffff)
}
