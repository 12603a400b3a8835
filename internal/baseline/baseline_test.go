package baseline

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/padron-mx/riesgo-cli/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newComputer(t *testing.T, cfg Config) *Computer {
	t.Helper()
	c, err := NewComputer(cfg)
	require.NoError(t, err)
	return c
}

func findRow(rows []model.FactorBaseline, factor string, scope model.BaselineScope, sector string, year int) *model.FactorBaseline {
	for i := range rows {
		r := &rows[i]
		if r.Factor == factor && r.Scope == scope && r.SectorID == sector && r.Year == year {
			return r
		}
	}
	return nil
}

func TestComputerContinuousMoments(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MinSectorYearN = 1
	cfg.MinSectorN = 1
	c := newComputer(t, cfg)

	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		c.Add(model.FactorPriceRatio, "S1", 2020, v)
	}
	rows := c.Baselines()

	row := findRow(rows, model.FactorPriceRatio, model.ScopeSectorYear, "S1", 2020)
	require.NotNil(t, row)
	assert.InDelta(t, 5.0, row.Mean, 1e-12)
	// Bessel-corrected: variance 32/7.
	assert.InDelta(t, math.Sqrt(32.0/7.0), row.StdDev, 1e-12)
	assert.Equal(t, 2.0, row.Min)
	assert.Equal(t, 9.0, row.Max)
	assert.Equal(t, int64(8), row.N)
}

func TestComputerBinarySpread(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MinSectorYearN = 1
	cfg.MinSectorN = 1
	c := newComputer(t, cfg)

	// 3 of 10 direct awards: p = 0.3, std = sqrt(0.21).
	for i := 0; i < 10; i++ {
		v := 0.0
		if i < 3 {
			v = 1.0
		}
		c.Add(model.FactorDirectAward, "S1", 2020, v)
	}
	rows := c.Baselines()

	row := findRow(rows, model.FactorDirectAward, model.ScopeGlobal, "", 0)
	require.NotNil(t, row)
	assert.InDelta(t, 0.3, row.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(0.3*0.7), row.StdDev, 1e-12)
}

func TestComputerStdFloor(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MinSectorYearN = 1
	cfg.MinSectorN = 1
	c := newComputer(t, cfg)

	// Constant continuous factor and an all-ones binary factor both
	// collapse to zero spread; the floor keeps division alive.
	for i := 0; i < 5; i++ {
		c.Add(model.FactorPriceRatio, "S1", 2020, 1.25)
		c.Add(model.FactorSingleBid, "S1", 2020, 1.0)
	}
	rows := c.Baselines()

	for _, factor := range []string{model.FactorPriceRatio, model.FactorSingleBid} {
		row := findRow(rows, factor, model.ScopeGlobal, "", 0)
		require.NotNil(t, row, factor)
		assert.Equal(t, cfg.StdFloor, row.StdDev, factor)
	}
}

func TestComputerScopeGates(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig() // sector_year >= 30, sector >= 100
	c := newComputer(t, cfg)

	// Sector S1: 40 observations in 2020 (publishes sector_year) but
	// only 40 total (sector gate of 100 holds it back).
	for i := 0; i < 40; i++ {
		c.Add(model.FactorPriceRatio, "S1", 2020, float64(i))
	}
	// Sector S2: 20 per year across 6 years; no single year qualifies
	// but the sector does.
	for year := 2018; year < 2024; year++ {
		for i := 0; i < 20; i++ {
			c.Add(model.FactorPriceRatio, "S2", year, float64(i))
		}
	}
	rows := c.Baselines()

	assert.NotNil(t, findRow(rows, model.FactorPriceRatio, model.ScopeSectorYear, "S1", 2020))
	assert.Nil(t, findRow(rows, model.FactorPriceRatio, model.ScopeSector, "S1", 0))
	assert.Nil(t, findRow(rows, model.FactorPriceRatio, model.ScopeSectorYear, "S2", 2018))
	assert.NotNil(t, findRow(rows, model.FactorPriceRatio, model.ScopeSector, "S2", 0))

	global := findRow(rows, model.FactorPriceRatio, model.ScopeGlobal, "", 0)
	require.NotNil(t, global, "global row is unconditional")
	assert.Equal(t, int64(160), global.N)
}

func TestComputerSkipsNonFinite(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MinSectorYearN = 1
	cfg.MinSectorN = 1
	c := newComputer(t, cfg)

	c.Add(model.FactorPriceRatio, "S1", 2020, 1.0)
	c.Add(model.FactorPriceRatio, "S1", 2020, math.NaN())
	c.Add(model.FactorPriceRatio, "S1", 2020, math.Inf(1))
	c.Add(model.FactorPriceRatio, "S1", 2020, 3.0)

	accepted, skipped := c.Observed()
	assert.Equal(t, int64(2), accepted)
	assert.Equal(t, int64(2), skipped)

	row := findRow(c.Baselines(), model.FactorPriceRatio, model.ScopeGlobal, "", 0)
	require.NotNil(t, row)
	assert.InDelta(t, 2.0, row.Mean, 1e-12)
	assert.Equal(t, int64(2), row.N)
}

func TestComputerMissingSectorOrYear(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MinSectorYearN = 1
	cfg.MinSectorN = 1
	c := newComputer(t, cfg)

	// No sector: contributes to global only. No year: sector + global.
	c.Add(model.FactorPriceRatio, "", 2020, 1.0)
	c.Add(model.FactorPriceRatio, "S1", 0, 2.0)
	rows := c.Baselines()

	assert.Len(t, rows, 2)
	assert.NotNil(t, findRow(rows, model.FactorPriceRatio, model.ScopeSector, "S1", 0))
	global := findRow(rows, model.FactorPriceRatio, model.ScopeGlobal, "", 0)
	require.NotNil(t, global)
	assert.Equal(t, int64(2), global.N)
}

func TestComputerAddSignals(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MinSectorYearN = 1
	cfg.MinSectorN = 1
	c := newComputer(t, cfg)

	var raw model.RawSignals
	for i := range raw {
		raw[i] = float64(i)
	}
	raw[3] = math.NaN()
	c.AddSignals("S1", 2020, raw)

	accepted, skipped := c.Observed()
	assert.Equal(t, int64(model.NumFactors-1), accepted)
	assert.Equal(t, int64(1), skipped)

	rows := c.Baselines()
	assert.Nil(t, findRow(rows, model.Factors[3].Name, model.ScopeGlobal, "", 0))
	assert.NotNil(t, findRow(rows, model.Factors[4].Name, model.ScopeGlobal, "", 0))
}

func TestBaselinesDeterministicOrder(t *testing.T) {
	t.Parallel()

	build := func() []model.FactorBaseline {
		cfg := DefaultConfig()
		cfg.MinSectorYearN = 1
		cfg.MinSectorN = 1
		c := newComputer(t, cfg)
		for _, sector := range []string{"S3", "S1", "S2"} {
			for year := 2019; year <= 2021; year++ {
				c.Add(model.FactorPriceRatio, sector, year, 1.0)
				c.Add(model.FactorSingleBid, sector, year, 0.0)
			}
		}
		return c.Baselines()
	}

	first := build()
	for i := 0; i < 3; i++ {
		assert.Equal(t, first, build())
	}
}

func TestSetFallback(t *testing.T) {
	t.Parallel()

	rows := []model.FactorBaseline{
		{Factor: model.FactorPriceRatio, Scope: model.ScopeSectorYear, SectorID: "S1", Year: 2020, Mean: 10, StdDev: 1, N: 50},
		{Factor: model.FactorPriceRatio, Scope: model.ScopeSector, SectorID: "S1", Mean: 20, StdDev: 2, N: 200},
		{Factor: model.FactorPriceRatio, Scope: model.ScopeGlobal, Mean: 30, StdDev: 3, N: 1000},
	}
	s := NewSet(rows)

	b, ok := s.Lookup(model.FactorPriceRatio, "S1", 2020)
	require.True(t, ok)
	assert.Equal(t, model.ScopeSectorYear, b.Scope)
	assert.Equal(t, 10.0, b.Mean)

	// Unpublished year falls to sector scope.
	b, ok = s.Lookup(model.FactorPriceRatio, "S1", 2013)
	require.True(t, ok)
	assert.Equal(t, model.ScopeSector, b.Scope)

	// Unknown sector falls to global.
	b, ok = s.Lookup(model.FactorPriceRatio, "S9", 2020)
	require.True(t, ok)
	assert.Equal(t, model.ScopeGlobal, b.Scope)

	// Missing sector ID skips straight past sector scope.
	b, ok = s.Lookup(model.FactorPriceRatio, "", 2020)
	require.True(t, ok)
	assert.Equal(t, model.ScopeGlobal, b.Scope)

	_, ok = s.Lookup(model.FactorWinRate, "S1", 2020)
	assert.False(t, ok, "factor with no rows at all")
}

func TestSetFallbackFromComputer(t *testing.T) {
	t.Parallel()

	// A sector-year with 5 observations is below the minimum; the
	// sector holds 200 and must serve the lookup instead.
	c := newComputer(t, DefaultConfig())
	for i := 0; i < 5; i++ {
		c.Add(model.FactorPriceRatio, "S1", 2024, 100.0)
	}
	for year := 2014; year < 2024; year++ {
		for i := 0; i < 20; i++ {
			c.Add(model.FactorPriceRatio, "S1", year, 1.0)
		}
	}
	s := NewSet(c.Baselines())

	b, ok := s.Lookup(model.FactorPriceRatio, "S1", 2024)
	require.True(t, ok)
	assert.Equal(t, model.ScopeSector, b.Scope)
	assert.Equal(t, int64(205), b.N)
}

func TestSetValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MinSectorYearN = 1
	cfg.MinSectorN = 1
	c := newComputer(t, cfg)
	var raw model.RawSignals
	c.AddSignals("S1", 2020, raw)

	s := NewSet(c.Baselines())
	assert.NoError(t, s.Validate())
	assert.Equal(t, 3*model.NumFactors, s.Len())

	assert.Error(t, NewSet(nil).Validate())
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.StdFloor = 0
	assert.Error(t, bad.Validate())

	inverted := DefaultConfig()
	inverted.MinSectorN = 10 // below sector-year minimum
	assert.Error(t, inverted.Validate())
}
