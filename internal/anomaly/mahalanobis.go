// Package anomaly flags contracts whose z-feature vectors are
// multivariate outliers within their sector. Distances use a shrinkage
// covariance estimate because several sectors have fewer contracts than
// the feature space has dimensions, where the sample covariance is
// singular.
package anomaly

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/padron-mx/riesgo-cli/internal/model"
)

// Config tunes covariance estimation.
type Config struct {
	// Alpha is the shrinkage intensity toward the scaled identity.
	// Negative means estimate it per sector (Ledoit-Wolf) and clamp to
	// [AlphaFloor, 1].
	Alpha float64 `json:"alpha" yaml:"alpha" mapstructure:"alpha"`
	// AlphaFloor keeps an estimated intensity from collapsing to zero;
	// some regularization is always wanted at these sample sizes.
	AlphaFloor float64 `json:"alpha_floor" yaml:"alpha_floor" mapstructure:"alpha_floor"`
	// VarFloor replaces smaller per-dimension variances in the
	// diagonal fallback.
	VarFloor float64 `json:"var_floor" yaml:"var_floor" mapstructure:"var_floor"`
}

// DefaultConfig returns the production detector setup.
func DefaultConfig() Config {
	return Config{
		Alpha:      -1, // estimate per sector
		AlphaFloor: 0.01,
		VarFloor:   1e-6,
	}
}

// Validate checks the shrinkage knobs.
func (c Config) Validate() error {
	var errs []string
	if c.Alpha > 1 {
		errs = append(errs, fmt.Sprintf("alpha must be at most 1, got %g", c.Alpha))
	}
	if c.AlphaFloor <= 0 || c.AlphaFloor > 1 {
		errs = append(errs, fmt.Sprintf("alpha_floor must be in (0, 1], got %g", c.AlphaFloor))
	}
	if c.VarFloor <= 0 {
		errs = append(errs, fmt.Sprintf("var_floor must be positive, got %g", c.VarFloor))
	}
	if len(errs) > 0 {
		return eris.New("anomaly: invalid config: " + strings.Join(errs, "; "))
	}
	return nil
}

// SectorModel is a fitted per-sector distance model.
type SectorModel struct {
	SectorID string
	N        int
	Alpha    float64
	Diagonal bool // true when the fit fell back to independent factors

	mean    []float64
	chol    *mat.Cholesky
	invDiag []float64
	chi     distuv.ChiSquared
}

// Detector fits sector models and annotates feature vectors.
type Detector struct {
	cfg Config
}

// NewDetector validates the config.
func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg}, nil
}

// Fit estimates a distance model from one sector's z-vectors. Sectors
// with fewer rows than dimensions, or with a covariance that will not
// factor, fall back to a diagonal model instead of failing.
func (d *Detector) Fit(sectorID string, vectors []model.FeatureVector) (*SectorModel, error) {
	n, k := len(vectors), model.NumFactors
	if n < 2 {
		return nil, eris.Errorf("anomaly: sector %s has %d rows, need at least 2", sectorID, n)
	}

	sm := &SectorModel{
		SectorID: sectorID,
		N:        n,
		mean:     make([]float64, k),
		chi:      distuv.ChiSquared{K: float64(k)},
	}
	for _, fv := range vectors {
		for j, v := range fv.Z {
			sm.mean[j] += v
		}
	}
	for j := range sm.mean {
		sm.mean[j] /= float64(n)
	}

	if n <= k {
		d.fitDiagonal(sm, vectors)
		return sm, nil
	}

	cov, alpha := d.shrunkCovariance(sm.mean, vectors)
	sm.Alpha = alpha

	var chol mat.Cholesky
	if !chol.Factorize(cov) {
		zap.L().Warn("anomaly: covariance not positive definite, using diagonal",
			zap.String("sector", sectorID), zap.Int("rows", n))
		d.fitDiagonal(sm, vectors)
		return sm, nil
	}
	sm.chol = &chol
	return sm, nil
}

// shrunkCovariance builds S_reg = (1-a)*S + a*(trace(S)/k)*I from the
// centered rows, estimating a by the Ledoit-Wolf ratio unless the
// config pins it.
func (d *Detector) shrunkCovariance(mean []float64, vectors []model.FeatureVector) (*mat.SymDense, float64) {
	n, k := len(vectors), model.NumFactors
	fn := float64(n)

	// Sample covariance with 1/n scaling, as the shrinkage estimate
	// expects.
	s := mat.NewSymDense(k, nil)
	for _, fv := range vectors {
		for i := 0; i < k; i++ {
			xi := fv.Z[i] - mean[i]
			for j := i; j < k; j++ {
				s.SetSym(i, j, s.At(i, j)+xi*(fv.Z[j]-mean[j]))
			}
		}
	}
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			s.SetSym(i, j, s.At(i, j)/fn)
		}
	}

	mu := mat.Trace(s) / float64(k)

	alpha := d.cfg.Alpha
	if alpha < 0 {
		alpha = ledoitWolfAlpha(s, mu, mean, vectors)
		if alpha < d.cfg.AlphaFloor {
			alpha = d.cfg.AlphaFloor
		}
		if alpha > 1 {
			alpha = 1
		}
	}

	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			v := (1 - alpha) * s.At(i, j)
			if i == j {
				v += alpha * mu
			}
			s.SetSym(i, j, v)
		}
	}
	return s, alpha
}

// ledoitWolfAlpha is the standard shrinkage-intensity estimate: the
// ratio of the covariance estimate's own sampling variance to its
// squared distance from the scaled-identity target.
func ledoitWolfAlpha(s *mat.SymDense, mu float64, mean []float64, vectors []model.FeatureVector) float64 {
	k := model.NumFactors
	n := float64(len(vectors))

	var dist2 float64 // ||S - mu*I||_F^2
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			v := s.At(i, j)
			if i == j {
				v -= mu
			}
			dist2 += v * v
		}
	}
	if dist2 == 0 {
		return 1
	}

	var beta2 float64 // mean ||x_t x_t' - S||_F^2 / n
	for _, fv := range vectors {
		var rowSum float64
		for i := 0; i < k; i++ {
			xi := fv.Z[i] - mean[i]
			for j := 0; j < k; j++ {
				v := xi*(fv.Z[j]-mean[j]) - s.At(i, j)
				rowSum += v * v
			}
		}
		beta2 += rowSum
	}
	beta2 /= n * n

	if beta2 > dist2 {
		beta2 = dist2
	}
	return beta2 / dist2
}

func (d *Detector) fitDiagonal(sm *SectorModel, vectors []model.FeatureVector) {
	k := model.NumFactors
	sm.Diagonal = true
	sm.invDiag = make([]float64, k)

	vars := make([]float64, k)
	for _, fv := range vectors {
		for j, v := range fv.Z {
			dv := v - sm.mean[j]
			vars[j] += dv * dv
		}
	}
	denom := float64(len(vectors) - 1)
	for j := range vars {
		v := vars[j] / denom
		if v < d.cfg.VarFloor {
			v = d.cfg.VarFloor
		}
		sm.invDiag[j] = 1 / v
	}
}

// Distance returns the squared Mahalanobis distance of one z-vector
// and its chi-square upper-tail p-value. Numerical artifacts below
// zero clamp to zero, which maps to p = 1.
func (m *SectorModel) Distance(z [model.NumFactors]float64) (d2, p float64) {
	centered := make([]float64, model.NumFactors)
	for j, v := range z {
		centered[j] = v - m.mean[j]
	}

	if m.Diagonal {
		for j, v := range centered {
			d2 += v * v * m.invDiag[j]
		}
	} else {
		vec := mat.NewVecDense(model.NumFactors, centered)
		var solved mat.VecDense
		if err := m.chol.SolveVecTo(&solved, vec); err != nil {
			// Factorization succeeded earlier; a solve failure means
			// the model is unusable, not the row.
			return 0, 1
		}
		d2 = mat.Dot(vec, &solved)
	}

	if d2 < 0 || math.IsNaN(d2) {
		d2 = 0
	}
	return d2, m.chi.Survival(d2)
}

// Apply fits one model per sector and annotates every vector with its
// distance and p-value. Sectors too small to fit are left unannotated.
func (d *Detector) Apply(vectors []model.FeatureVector) ([]model.FeatureVector, error) {
	bySector := make(map[string][]int)
	for i, fv := range vectors {
		bySector[fv.SectorID] = append(bySector[fv.SectorID], i)
	}

	sectors := make([]string, 0, len(bySector))
	for s := range bySector {
		sectors = append(sectors, s)
	}
	sort.Strings(sectors)

	out := make([]model.FeatureVector, len(vectors))
	copy(out, vectors)

	for _, sector := range sectors {
		idx := bySector[sector]
		if len(idx) < 2 {
			zap.L().Warn("anomaly: sector too small, skipped",
				zap.String("sector", sector), zap.Int("rows", len(idx)))
			continue
		}
		rows := make([]model.FeatureVector, len(idx))
		for i, j := range idx {
			rows[i] = vectors[j]
		}
		sm, err := d.Fit(sector, rows)
		if err != nil {
			return nil, eris.Wrapf(err, "anomaly: fit sector %s", sector)
		}
		for _, j := range idx {
			out[j].MahalanobisD2, out[j].MahalanobisP = sm.Distance(out[j].Z)
		}
		zap.L().Info("anomaly: sector scored",
			zap.String("sector", sector),
			zap.Int("rows", len(idx)),
			zap.Float64("alpha", sm.Alpha),
			zap.Bool("diagonal", sm.Diagonal))
	}
	return out, nil
}
