package scorer

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/padron-mx/riesgo-cli/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func mkModel(sector *string, intercept, pu float64) model.CalibratedModel {
	return model.CalibratedModel{
		Version:   "run-1",
		SectorID:  sector,
		Intercept: intercept,
		Coefs:     make([]float64, model.NumFactors),
		CoefNames: model.FactorNames(),
		PUFactor:  pu,
		FittedAt:  time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func mkScorer(t *testing.T, cfg Config, models ...model.CalibratedModel) *Scorer {
	t.Helper()
	set, err := NewModelSet(models)
	require.NoError(t, err)
	s, err := NewScorer(cfg, set)
	require.NoError(t, err)
	return s
}

func sigmoidRef(v float64) float64 { return 1 / (1 + math.Exp(-v)) }

func TestScoreZeroVectorBoundary(t *testing.T) {
	t.Parallel()

	// With an all-zero z-vector the score must collapse to the
	// PU-corrected intercept sigmoid.
	s := mkScorer(t, DefaultConfig(), mkModel(nil, -2, 0.5))

	scores, err := s.Score(context.Background(), []model.FeatureVector{{ContractID: 7, GroupID: 3}})
	require.NoError(t, err)
	require.Len(t, scores, 1)

	want := sigmoidRef(-2) / 0.5
	assert.InDelta(t, want, scores[0].Score, 1e-12)
	assert.InDelta(t, math.Max(0, want-0.10), scores[0].CILower, 1e-12)
	assert.InDelta(t, math.Min(1, want+0.10), scores[0].CIUpper, 1e-12)
	assert.Equal(t, model.RiskLow, scores[0].Level)
	assert.Equal(t, int64(7), scores[0].ContractID)
	assert.Equal(t, int64(3), scores[0].GroupID)
	assert.Equal(t, "run-1", scores[0].ModelVersion)
}

func TestScoreSectorRouting(t *testing.T) {
	t.Parallel()

	sector := "S1"
	sub := mkModel(&sector, 2, 1)
	s := mkScorer(t, DefaultConfig(), mkModel(nil, -2, 1), sub)

	vectors := []model.FeatureVector{
		{ContractID: 1, SectorID: "S1"},
		{ContractID: 2, SectorID: "S2"}, // no sub-model, global applies
	}
	scores, err := s.Score(context.Background(), vectors)
	require.NoError(t, err)

	assert.InDelta(t, sigmoidRef(2), scores[0].Score, 1e-12)
	assert.Equal(t, model.RiskCritical, scores[0].Level)
	assert.InDelta(t, sigmoidRef(-2), scores[1].Score, 1e-12)
	assert.Equal(t, model.RiskLow, scores[1].Level)
	assert.Equal(t, scores[0].ModelVersion, scores[1].ModelVersion)
}

func TestScoreDeltaMethodInterval(t *testing.T) {
	t.Parallel()

	m := mkModel(nil, 0, 1)
	m.Coefs[0] = 1
	m.CoefCILower = make([]float64, model.NumFactors)
	m.CoefCIUpper = make([]float64, model.NumFactors)
	m.CoefCILower[0] = 0.5
	m.CoefCIUpper[0] = 1.5 // half-width 0.5
	m.BootstrapKept = 200

	s := mkScorer(t, DefaultConfig(), m)

	var fv model.FeatureVector
	fv.Z[0] = 2 // logit 2, se = sqrt((2*0.5)^2) = 1

	scores, err := s.Score(context.Background(), []model.FeatureVector{fv})
	require.NoError(t, err)

	assert.InDelta(t, sigmoidRef(2), scores[0].Score, 1e-12)
	assert.InDelta(t, sigmoidRef(2-1.96), scores[0].CILower, 1e-12)
	assert.InDelta(t, sigmoidRef(2+1.96), scores[0].CIUpper, 1e-12)
	assert.LessOrEqual(t, scores[0].CILower, scores[0].Score)
	assert.LessOrEqual(t, scores[0].Score, scores[0].CIUpper)
}

func TestScoreDeltaIntervalMultiFactor(t *testing.T) {
	t.Parallel()

	m := mkModel(nil, 0, 1)
	m.Coefs[0], m.Coefs[1] = 1, 1
	m.CoefCILower = make([]float64, model.NumFactors)
	m.CoefCIUpper = make([]float64, model.NumFactors)
	m.CoefCILower[0], m.CoefCIUpper[0] = 0.8, 1.2 // half-width 0.2
	m.CoefCILower[1], m.CoefCIUpper[1] = 0.4, 1.6 // half-width 0.6
	m.BootstrapKept = 200

	s := mkScorer(t, DefaultConfig(), m)

	var fv model.FeatureVector
	fv.Z[0], fv.Z[1] = 3, -1

	scores, err := s.Score(context.Background(), []model.FeatureVector{fv})
	require.NoError(t, err)

	logit := 3.0 - 1.0
	se := math.Sqrt((3*0.2)*(3*0.2) + (-1*0.6)*(-1*0.6))
	assert.InDelta(t, sigmoidRef(logit-1.96*se), scores[0].CILower, 1e-12)
	assert.InDelta(t, sigmoidRef(logit+1.96*se), scores[0].CIUpper, 1e-12)
}

func TestScoreFallbackBandClips(t *testing.T) {
	t.Parallel()

	s := mkScorer(t, DefaultConfig(), mkModel(nil, 10, 1))

	scores, err := s.Score(context.Background(), []model.FeatureVector{{ContractID: 1}})
	require.NoError(t, err)

	assert.Greater(t, scores[0].Score, 0.999)
	assert.Equal(t, 1.0, scores[0].CIUpper, "upper edge clips at one")
	assert.InDelta(t, scores[0].Score-0.10, scores[0].CILower, 1e-12)
}

func TestScorePUClipping(t *testing.T) {
	t.Parallel()

	// sigmoid(0) = 0.5 divided by a 0.2 label frequency exceeds one
	// and must clip.
	s := mkScorer(t, DefaultConfig(), mkModel(nil, 0, 0.2))

	scores, err := s.Score(context.Background(), []model.FeatureVector{{ContractID: 1}})
	require.NoError(t, err)
	assert.Equal(t, 1.0, scores[0].Score)
	assert.Equal(t, model.RiskCritical, scores[0].Level)
}

func TestLevelBuckets(t *testing.T) {
	t.Parallel()

	s := mkScorer(t, DefaultConfig(), mkModel(nil, 0, 1))

	cases := []struct {
		p    float64
		want model.RiskLevel
	}{
		{0, model.RiskLow},
		{0.2499, model.RiskLow},
		{0.25, model.RiskMedium},
		{0.4999, model.RiskMedium},
		{0.50, model.RiskHigh},
		{0.7499, model.RiskHigh},
		{0.75, model.RiskCritical},
		{1.0, model.RiskCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, s.level(tc.p), "p=%v", tc.p)
	}
}

func TestScoreBatchingPreservesOrder(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.BatchSize = 5
	sector := "S1"
	s := mkScorer(t, cfg, mkModel(nil, -1, 1), mkModel(&sector, 1, 1))

	vectors := make([]model.FeatureVector, 12)
	for i := range vectors {
		vectors[i].ContractID = int64(i + 1)
		if i%2 == 0 {
			vectors[i].SectorID = "S1"
		}
	}

	scores, err := s.Score(context.Background(), vectors)
	require.NoError(t, err)
	require.Len(t, scores, 12)
	for i := range scores {
		assert.Equal(t, int64(i+1), scores[i].ContractID)
		assert.Equal(t, scores[0].ScoredAt, scores[i].ScoredAt, "one timestamp per run")
		want := sigmoidRef(-1)
		if i%2 == 0 {
			want = sigmoidRef(1)
		}
		assert.InDelta(t, want, scores[i].Score, 1e-12)
	}
}

func TestScoreIdempotent(t *testing.T) {
	t.Parallel()

	s := mkScorer(t, DefaultConfig(), mkModel(nil, -0.5, 0.8))
	vectors := make([]model.FeatureVector, 40)
	for i := range vectors {
		vectors[i].ContractID = int64(i + 1)
		vectors[i].Z[i%model.NumFactors] = float64(i) / 10
	}

	first, err := s.Score(context.Background(), vectors)
	require.NoError(t, err)
	second, err := s.Score(context.Background(), vectors)
	require.NoError(t, err)

	for i := range first {
		first[i].ScoredAt = time.Time{}
		second[i].ScoredAt = time.Time{}
	}
	assert.Equal(t, first, second)
}

func TestScoreCarriesAnomalyFields(t *testing.T) {
	t.Parallel()

	s := mkScorer(t, DefaultConfig(), mkModel(nil, 0, 1))
	fv := model.FeatureVector{ContractID: 1, MahalanobisD2: 42.5, MahalanobisP: 0.0003}

	scores, err := s.Score(context.Background(), []model.FeatureVector{fv})
	require.NoError(t, err)
	assert.Equal(t, 42.5, scores[0].D2)
	assert.Equal(t, 0.0003, scores[0].PValue)
}

func TestScoreCanceled(t *testing.T) {
	t.Parallel()

	s := mkScorer(t, DefaultConfig(), mkModel(nil, 0, 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Score(ctx, make([]model.FeatureVector, 3))
	assert.Error(t, err)
}

func TestNewModelSetValidation(t *testing.T) {
	t.Parallel()

	sector := "S1"

	_, err := NewModelSet(nil)
	assert.Error(t, err, "no global model")

	_, err = NewModelSet([]model.CalibratedModel{mkModel(&sector, 0, 1)})
	assert.Error(t, err, "sector model without a global")

	_, err = NewModelSet([]model.CalibratedModel{mkModel(nil, 0, 1), mkModel(nil, 1, 1)})
	assert.Error(t, err, "two global models")

	_, err = NewModelSet([]model.CalibratedModel{mkModel(nil, 0, 1), mkModel(&sector, 0, 1), mkModel(&sector, 1, 1)})
	assert.Error(t, err, "duplicate sector")

	stale := mkModel(&sector, 0, 1)
	stale.Version = "run-0"
	_, err = NewModelSet([]model.CalibratedModel{mkModel(nil, 0, 1), stale})
	assert.Error(t, err, "version mismatch across the set")

	short := mkModel(nil, 0, 1)
	short.Coefs = short.Coefs[:4]
	_, err = NewModelSet([]model.CalibratedModel{short})
	assert.Error(t, err, "wrong coefficient count")

	set, err := NewModelSet([]model.CalibratedModel{mkModel(nil, 0, 1), mkModel(&sector, 1, 1)})
	require.NoError(t, err)
	assert.Equal(t, set.Global, set.modelFor("S2"), "unknown sector falls back")
	assert.Equal(t, set.Sectors["S1"], set.modelFor("S1"))
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	assert.NoError(t, DefaultConfig().Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"cuts not increasing", func(c *Config) { c.HighCut = 0.2 }},
		{"critical at one", func(c *Config) { c.CriticalCut = 1.0 }},
		{"medium at zero", func(c *Config) { c.MediumCut = 0 }},
		{"band too wide", func(c *Config) { c.FallbackBand = 0.6 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
