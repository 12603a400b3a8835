// Package baseline computes per-factor reference distributions used to
// z-normalize raw contract signals. Each observation feeds three scopes
// at once: (sector, year), sector, and global. Narrow scopes are only
// published when they carry enough samples; the global scope has no
// minimum and is the universal fallback.
package baseline

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/padron-mx/riesgo-cli/internal/model"
)

// Config tunes baseline publication.
type Config struct {
	// StdFloor replaces any smaller standard deviation so downstream
	// division can never blow up on a near-constant factor.
	StdFloor float64 `json:"std_floor" yaml:"std_floor" mapstructure:"std_floor"`
	// MinSectorYearN is the sample count a (sector, year) cell needs
	// before its baseline is published.
	MinSectorYearN int `json:"min_sector_year_n" yaml:"min_sector_year_n" mapstructure:"min_sector_year_n"`
	// MinSectorN is the sample count a sector needs before its
	// year-independent baseline is published.
	MinSectorN int `json:"min_sector_n" yaml:"min_sector_n" mapstructure:"min_sector_n"`
}

// DefaultConfig returns the production baseline setup.
func DefaultConfig() Config {
	return Config{
		StdFloor:       0.001,
		MinSectorYearN: 30,
		MinSectorN:     100,
	}
}

// Validate checks the floor and the scope minimums.
func (c Config) Validate() error {
	var errs []string
	if c.StdFloor <= 0 {
		errs = append(errs, fmt.Sprintf("std_floor must be positive, got %g", c.StdFloor))
	}
	if c.MinSectorYearN < 1 {
		errs = append(errs, fmt.Sprintf("min_sector_year_n must be at least 1, got %d", c.MinSectorYearN))
	}
	if c.MinSectorN < c.MinSectorYearN {
		errs = append(errs, fmt.Sprintf("min_sector_n (%d) must not be below min_sector_year_n (%d)", c.MinSectorN, c.MinSectorYearN))
	}
	if len(errs) > 0 {
		return eris.New("baseline: invalid config: " + strings.Join(errs, "; "))
	}
	return nil
}

// accumulator is a Welford running-moment cell. The M2 term gives the
// Bessel-corrected variance for continuous factors; binary factors
// derive their spread from the mean instead.
type accumulator struct {
	n    int64
	mean float64
	m2   float64
	min  float64
	max  float64
}

func (a *accumulator) add(v float64) {
	if a.n == 0 {
		a.min, a.max = v, v
	} else {
		if v < a.min {
			a.min = v
		}
		if v > a.max {
			a.max = v
		}
	}
	a.n++
	delta := v - a.mean
	a.mean += delta / float64(a.n)
	a.m2 += delta * (v - a.mean)
}

type cellKey struct {
	factor string
	sector string
	year   int
}

// Computer accumulates factor observations for one baseline run.
type Computer struct {
	cfg Config

	sectorYear map[cellKey]*accumulator
	sector     map[cellKey]*accumulator // year = 0
	global     map[string]*accumulator

	observed int64
	skipped  int64 // non-finite values, excluded as data-quality noise
}

// NewComputer validates the config and returns an empty computer.
func NewComputer(cfg Config) (*Computer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Computer{
		cfg:        cfg,
		sectorYear: make(map[cellKey]*accumulator),
		sector:     make(map[cellKey]*accumulator),
		global:     make(map[string]*accumulator),
	}, nil
}

// Add records one observation of a factor. Non-finite values are
// counted and dropped; they must not poison the moments.
func (c *Computer) Add(factor, sectorID string, year int, value float64) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		c.skipped++
		return
	}
	c.observed++

	if sectorID != "" && year > 0 {
		c.cell(c.sectorYear, cellKey{factor, sectorID, year}).add(value)
	}
	if sectorID != "" {
		c.cell(c.sector, cellKey{factor: factor, sector: sectorID}).add(value)
	}
	g := c.global[factor]
	if g == nil {
		g = &accumulator{}
		c.global[factor] = g
	}
	g.add(value)
}

// AddSignals records every finite signal of one contract row.
func (c *Computer) AddSignals(sectorID string, year int, raw model.RawSignals) {
	for i, f := range model.Factors {
		c.Add(f.Name, sectorID, year, raw[i])
	}
}

func (c *Computer) cell(m map[cellKey]*accumulator, key cellKey) *accumulator {
	acc := m[key]
	if acc == nil {
		acc = &accumulator{}
		m[key] = acc
	}
	return acc
}

// Observed returns accepted and dropped observation counts.
func (c *Computer) Observed() (accepted, skipped int64) {
	return c.observed, c.skipped
}

// Baselines publishes every scope that meets its sample minimum, sorted
// by (factor, scope, sector, year). Global rows are always published
// for any factor that saw at least one observation.
func (c *Computer) Baselines() []model.FactorBaseline {
	rows := make([]model.FactorBaseline, 0, len(c.sectorYear)+len(c.sector)+len(c.global))

	for key, acc := range c.sectorYear {
		if acc.n < int64(c.cfg.MinSectorYearN) {
			continue
		}
		rows = append(rows, c.row(key.factor, model.ScopeSectorYear, key.sector, key.year, acc))
	}
	for key, acc := range c.sector {
		if acc.n < int64(c.cfg.MinSectorN) {
			continue
		}
		rows = append(rows, c.row(key.factor, model.ScopeSector, key.sector, 0, acc))
	}
	for factor, acc := range c.global {
		rows = append(rows, c.row(factor, model.ScopeGlobal, "", 0, acc))
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Factor != b.Factor {
			return a.Factor < b.Factor
		}
		if a.Scope != b.Scope {
			return scopeRank(a.Scope) < scopeRank(b.Scope)
		}
		if a.SectorID != b.SectorID {
			return a.SectorID < b.SectorID
		}
		return a.Year < b.Year
	})

	zap.L().Info("baseline: computed",
		zap.Int("rows", len(rows)),
		zap.Int64("observations", c.observed),
		zap.Int64("skipped_nonfinite", c.skipped))
	return rows
}

func (c *Computer) row(factor string, scope model.BaselineScope, sectorID string, year int, acc *accumulator) model.FactorBaseline {
	return model.FactorBaseline{
		Factor:   factor,
		Scope:    scope,
		SectorID: sectorID,
		Year:     year,
		Mean:     acc.mean,
		StdDev:   c.stdDev(factor, acc),
		Min:      acc.min,
		Max:      acc.max,
		N:        acc.n,
	}
}

// stdDev picks the spread estimator by factor kind: Bernoulli factors
// use sqrt(p(1-p)), continuous factors the Bessel-corrected sample
// standard deviation. Either way the result never drops below the
// configured floor.
func (c *Computer) stdDev(factor string, acc *accumulator) float64 {
	var sd float64
	if idx := model.FactorIndex(factor); idx >= 0 && model.Factors[idx].Kind == model.FactorBinary {
		p := acc.mean
		sd = math.Sqrt(p * (1 - p))
	} else if acc.n > 1 {
		sd = math.Sqrt(acc.m2 / float64(acc.n-1))
	}
	if sd < c.cfg.StdFloor || math.IsNaN(sd) {
		sd = c.cfg.StdFloor
	}
	return sd
}

func scopeRank(s model.BaselineScope) int {
	switch s {
	case model.ScopeSectorYear:
		return 0
	case model.ScopeSector:
		return 1
	default:
		return 2
	}
}
