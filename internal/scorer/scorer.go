// Package scorer applies calibrated risk models to contract feature
// vectors in bulk. Each contract is scored with its sector's sub-model
// when one exists, falling back to the global model, and carries a
// delta-method confidence interval plus a discrete risk level.
package scorer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/padron-mx/riesgo-cli/internal/model"
)

// Config controls batch scoring.
type Config struct {
	// BatchSize bounds how many vectors are scored per linear-algebra
	// pass; runs are abortable between batches.
	BatchSize int `json:"batch_size" yaml:"batch_size" mapstructure:"batch_size"`

	// MediumCut, HighCut and CriticalCut discretize probabilities into
	// risk levels. They must be strictly increasing within (0, 1).
	MediumCut   float64 `json:"medium_cut" yaml:"medium_cut" mapstructure:"medium_cut"`
	HighCut     float64 `json:"high_cut" yaml:"high_cut" mapstructure:"high_cut"`
	CriticalCut float64 `json:"critical_cut" yaml:"critical_cut" mapstructure:"critical_cut"`

	// FallbackBand is the half-width of the interval reported when a
	// model carries no bootstrap CIs.
	FallbackBand float64 `json:"fallback_band" yaml:"fallback_band" mapstructure:"fallback_band"`
}

// DefaultConfig returns production scoring defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:    5000,
		MediumCut:    0.25,
		HighCut:      0.50,
		CriticalCut:  0.75,
		FallbackBand: 0.10,
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	var errs []string
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Sprintf("batch_size must be positive, got %d", c.BatchSize))
	}
	if !(c.MediumCut > 0 && c.MediumCut < c.HighCut && c.HighCut < c.CriticalCut && c.CriticalCut < 1) {
		errs = append(errs, fmt.Sprintf("risk cuts must be strictly increasing within (0,1), got %.3f/%.3f/%.3f",
			c.MediumCut, c.HighCut, c.CriticalCut))
	}
	if c.FallbackBand < 0 || c.FallbackBand > 0.5 {
		errs = append(errs, fmt.Sprintf("fallback_band must be in [0, 0.5], got %.3f", c.FallbackBand))
	}
	if len(errs) > 0 {
		return eris.New("invalid scorer config: " + strings.Join(errs, "; "))
	}
	return nil
}

// ModelSet bundles the global model with its per-sector sub-models.
// All models in a set come from the same calibration run.
type ModelSet struct {
	Global  *model.CalibratedModel
	Sectors map[string]*model.CalibratedModel
}

// NewModelSet assembles a set from persisted models. Exactly one model
// must be global (nil sector); sector models must share its version.
func NewModelSet(models []model.CalibratedModel) (*ModelSet, error) {
	set := &ModelSet{Sectors: make(map[string]*model.CalibratedModel)}
	for i := range models {
		m := &models[i]
		if len(m.Coefs) != model.NumFactors {
			return nil, eris.Errorf("scorer: model %s has %d coefficients, want %d", m.Version, len(m.Coefs), model.NumFactors)
		}
		if m.SectorID == nil {
			if set.Global != nil {
				return nil, eris.New("scorer: more than one global model in set")
			}
			set.Global = m
			continue
		}
		if _, dup := set.Sectors[*m.SectorID]; dup {
			return nil, eris.Errorf("scorer: duplicate sub-model for sector %s", *m.SectorID)
		}
		set.Sectors[*m.SectorID] = m
	}
	if set.Global == nil {
		return nil, eris.New("scorer: model set has no global model")
	}
	for sector, m := range set.Sectors {
		if m.Version != set.Global.Version {
			return nil, eris.Errorf("scorer: sector %s model version %s does not match global %s",
				sector, m.Version, set.Global.Version)
		}
	}
	return set, nil
}

// modelFor returns the sector sub-model when one exists, else global.
func (s *ModelSet) modelFor(sectorID string) *model.CalibratedModel {
	if m, ok := s.Sectors[sectorID]; ok {
		return m
	}
	return s.Global
}

// Scorer scores feature vectors against a model set.
type Scorer struct {
	cfg Config
	set *ModelSet
}

// NewScorer validates the configuration and returns a Scorer.
func NewScorer(cfg Config, set *ModelSet) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if set == nil || set.Global == nil {
		return nil, eris.New("scorer: nil model set")
	}
	return &Scorer{cfg: cfg, set: set}, nil
}

// Score produces one risk score per input vector, in input order.
// Re-scoring the same vectors with the same models yields identical
// rows apart from the timestamp, so runs can be safely repeated.
func (s *Scorer) Score(ctx context.Context, vectors []model.FeatureVector) ([]model.RiskScore, error) {
	out := make([]model.RiskScore, len(vectors))
	scoredAt := time.Now().UTC()
	levels := make(map[model.RiskLevel]int, 4)

	for start := 0; start < len(vectors); start += s.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "scorer: run canceled")
		}
		end := start + s.cfg.BatchSize
		if end > len(vectors) {
			end = len(vectors)
		}
		s.scoreBatch(vectors, start, end, scoredAt, out)
	}

	for i := range out {
		levels[out[i].Level]++
	}
	zap.L().Info("scorer: scoring complete",
		zap.Int("contracts", len(out)),
		zap.String("model_version", s.set.Global.Version),
		zap.Int("low", levels[model.RiskLow]),
		zap.Int("medium", levels[model.RiskMedium]),
		zap.Int("high", levels[model.RiskHigh]),
		zap.Int("critical", levels[model.RiskCritical]),
	)
	return out, nil
}

// scoreBatch scores vectors[start:end] into out, grouping rows by the
// model that applies so each group runs as one matrix product.
func (s *Scorer) scoreBatch(vectors []model.FeatureVector, start, end int, scoredAt time.Time, out []model.RiskScore) {
	byModel := make(map[string][]int)
	for i := start; i < end; i++ {
		key := ""
		if _, ok := s.set.Sectors[vectors[i].SectorID]; ok {
			key = vectors[i].SectorID
		}
		byModel[key] = append(byModel[key], i)
	}

	keys := make([]string, 0, len(byModel))
	for k := range byModel {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		m := s.set.Global
		if key != "" {
			m = s.set.Sectors[key]
		}
		s.scoreGroup(m, vectors, byModel[key], scoredAt, out)
	}
}

// scoreGroup runs the vectorized linear pass for one model.
func (s *Scorer) scoreGroup(m *model.CalibratedModel, vectors []model.FeatureVector, idx []int, scoredAt time.Time, out []model.RiskScore) {
	n := len(idx)
	x := mat.NewDense(n, model.NumFactors, nil)
	for r, i := range idx {
		x.SetRow(r, vectors[i].Z[:])
	}
	beta := mat.NewVecDense(model.NumFactors, m.Coefs)

	var logits mat.VecDense
	logits.MulVec(x, beta)

	// Delta-method standard errors: se_i = sqrt(sum_j (z_ij * hw_j)^2),
	// computed as one matrix product of squares.
	var se *mat.VecDense
	if m.HasBootstrap() {
		hw2 := mat.NewVecDense(model.NumFactors, nil)
		for j := 0; j < model.NumFactors; j++ {
			hw := (m.CoefCIUpper[j] - m.CoefCILower[j]) / 2
			hw2.SetVec(j, hw*hw)
		}
		x2 := mat.NewDense(n, model.NumFactors, nil)
		x2.MulElem(x, x)
		se = mat.NewVecDense(n, nil)
		se.MulVec(x2, hw2)
	}

	for r, i := range idx {
		logit := logits.AtVec(r) + m.Intercept
		score := puCorrect(sigmoid(logit), m.PUFactor)

		var lo, hi float64
		if se != nil {
			width := 1.96 * math.Sqrt(se.AtVec(r))
			lo = puCorrect(sigmoid(logit-width), m.PUFactor)
			hi = puCorrect(sigmoid(logit+width), m.PUFactor)
		} else {
			lo = math.Max(0, score-s.cfg.FallbackBand)
			hi = math.Min(1, score+s.cfg.FallbackBand)
		}

		out[i] = model.RiskScore{
			ContractID:   vectors[i].ContractID,
			GroupID:      vectors[i].GroupID,
			ModelVersion: m.Version,
			Score:        score,
			CILower:      lo,
			CIUpper:      hi,
			Level:        s.level(score),
			D2:           vectors[i].MahalanobisD2,
			PValue:       vectors[i].MahalanobisP,
			ScoredAt:     scoredAt,
		}
	}
}

// level buckets a probability; every value in [0, 1] maps to exactly
// one bucket.
func (s *Scorer) level(p float64) model.RiskLevel {
	switch {
	case p < s.cfg.MediumCut:
		return model.RiskLow
	case p < s.cfg.HighCut:
		return model.RiskMedium
	case p < s.cfg.CriticalCut:
		return model.RiskHigh
	default:
		return model.RiskCritical
	}
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}

// puCorrect divides by the estimated label frequency and clips to [0, 1].
func puCorrect(raw, pu float64) float64 {
	p := raw / pu
	if p > 1 {
		return 1
	}
	if p < 0 || math.IsNaN(p) {
		return 0
	}
	return p
}
