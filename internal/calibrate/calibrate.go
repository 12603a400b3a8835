// Package calibrate fits the positive-unlabeled logistic model that
// converts z-feature vectors into corruption-risk probabilities.
// Known-bad vendors supply the positive rows; a random draw from the
// population serves as the unlabeled contrast. The fitted probability
// is divided by an estimated label frequency so the output approximates
// P(corrupt), not P(labeled).
package calibrate

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/padron-mx/riesgo-cli/internal/model"
)

// Config tunes the calibration run.
type Config struct {
	// Lambda is the L2 penalty. Fits that fail to converge are retried
	// at 10x and 100x before the run is declared failed.
	Lambda  float64 `json:"lambda" yaml:"lambda" mapstructure:"lambda"`
	MaxIter int     `json:"max_iter" yaml:"max_iter" mapstructure:"max_iter"`
	Tol     float64 `json:"tol" yaml:"tol" mapstructure:"tol"`

	// PUFloor bounds the estimated label frequency away from zero so
	// the correction can never blow a probability up by more than 10x.
	PUFloor float64 `json:"pu_floor" yaml:"pu_floor" mapstructure:"pu_floor"`

	// Bootstrap is the number of resample refits for coefficient CIs;
	// zero disables the bootstrap entirely.
	Bootstrap int `json:"bootstrap" yaml:"bootstrap" mapstructure:"bootstrap"`
	// MinBootstrapPositives discards resamples holding fewer positives.
	MinBootstrapPositives int `json:"min_bootstrap_positives" yaml:"min_bootstrap_positives" mapstructure:"min_bootstrap_positives"`
	// Workers caps concurrent bootstrap refits.
	Workers int `json:"workers" yaml:"workers" mapstructure:"workers"`
	// Seed makes bootstrap resampling reproducible.
	Seed int64 `json:"seed" yaml:"seed" mapstructure:"seed"`

	// MinPositives and MinRows gate per-sector sub-models; sectors
	// below either threshold fall back to the global model.
	MinPositives int `json:"min_positives" yaml:"min_positives" mapstructure:"min_positives"`
	MinRows      int `json:"min_rows" yaml:"min_rows" mapstructure:"min_rows"`

	// Sectors restricts which sector sub-models are fitted; empty means
	// every sector passing the data gates. The global model always fits
	// on the full sample.
	Sectors []string `json:"sectors,omitempty" yaml:"sectors,omitempty" mapstructure:"sectors"`

	// Bins is the resolution of the reliability table.
	Bins int `json:"bins" yaml:"bins" mapstructure:"bins"`
}

// DefaultConfig returns the production calibration setup.
func DefaultConfig() Config {
	return Config{
		Lambda:                1.0,
		MaxIter:               100,
		Tol:                   1e-8,
		PUFloor:               0.1,
		Bootstrap:             200,
		MinBootstrapPositives: 2,
		Workers:               4,
		Seed:                  1,
		MinPositives:          10,
		MinRows:               500,
		Bins:                  10,
	}
}

// Validate checks every knob.
func (c Config) Validate() error {
	var errs []string
	if c.Lambda <= 0 {
		errs = append(errs, fmt.Sprintf("lambda must be positive, got %g", c.Lambda))
	}
	if c.MaxIter < 1 {
		errs = append(errs, fmt.Sprintf("max_iter must be at least 1, got %d", c.MaxIter))
	}
	if c.Tol <= 0 {
		errs = append(errs, fmt.Sprintf("tol must be positive, got %g", c.Tol))
	}
	if c.PUFloor <= 0 || c.PUFloor > 1 {
		errs = append(errs, fmt.Sprintf("pu_floor must be in (0, 1], got %g", c.PUFloor))
	}
	if c.Bootstrap < 0 {
		errs = append(errs, fmt.Sprintf("bootstrap must not be negative, got %d", c.Bootstrap))
	}
	if c.Bootstrap > 0 && c.MinBootstrapPositives < 1 {
		errs = append(errs, fmt.Sprintf("min_bootstrap_positives must be at least 1, got %d", c.MinBootstrapPositives))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Sprintf("workers must be at least 1, got %d", c.Workers))
	}
	if c.MinPositives < 2 {
		errs = append(errs, fmt.Sprintf("min_positives must be at least 2, got %d", c.MinPositives))
	}
	if c.MinRows < c.MinPositives {
		errs = append(errs, fmt.Sprintf("min_rows (%d) must not be below min_positives (%d)", c.MinRows, c.MinPositives))
	}
	if c.Bins < 2 {
		errs = append(errs, fmt.Sprintf("bins must be at least 2, got %d", c.Bins))
	}
	if len(errs) > 0 {
		return eris.New("calibrate: invalid config: " + strings.Join(errs, "; "))
	}
	return nil
}

// Result is the output of one calibration run: the global model plus
// any sector sub-models that met the data gates.
type Result struct {
	Global  model.CalibratedModel
	Sectors []model.CalibratedModel
}

// Calibrator runs positive-unlabeled calibration.
type Calibrator struct {
	cfg Config
}

// NewCalibrator validates the config.
func NewCalibrator(cfg Config) (*Calibrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Calibrator{cfg: cfg}, nil
}

// Fit trains the global model and eligible sector sub-models. All
// models in one run share a version string.
func (c *Calibrator) Fit(ctx context.Context, positives, unlabeled []model.FeatureVector) (*Result, error) {
	if len(positives) < c.cfg.MinPositives {
		return nil, eris.Errorf("calibrate: %d positive rows, need at least %d", len(positives), c.cfg.MinPositives)
	}
	if len(unlabeled) == 0 {
		return nil, eris.New("calibrate: unlabeled sample is empty")
	}

	version := uuid.NewString()
	start := time.Now()

	global, err := c.fitOne(ctx, version, nil, positives, unlabeled)
	if err != nil {
		return nil, err
	}
	res := &Result{Global: *global}

	for _, sector := range c.eligibleSectors(positives, unlabeled) {
		sp := filterSector(positives, sector)
		su := filterSector(unlabeled, sector)
		sm, err := c.fitOne(ctx, version, &sector, sp, su)
		if err != nil {
			return nil, eris.Wrapf(err, "calibrate: sector %s", sector)
		}
		res.Sectors = append(res.Sectors, *sm)
	}

	zap.L().Info("calibrate: run complete",
		zap.String("version", version),
		zap.Int("sector_models", len(res.Sectors)),
		zap.Float64("auc", res.Global.Diagnostics.AUC),
		zap.Float64("pu_factor", res.Global.PUFactor),
		zap.Duration("took", time.Since(start)))
	return res, nil
}

// fitOne trains a single model: converge the logistic fit (retrying
// with stiffer penalties), estimate the PU factor, bootstrap the CIs,
// and attach diagnostics.
func (c *Calibrator) fitOne(ctx context.Context, version string, sectorID *string, positives, unlabeled []model.FeatureVector) (*model.CalibratedModel, error) {
	d := design{
		rows:   make([]model.FeatureVector, 0, len(positives)+len(unlabeled)),
		labels: make([]float64, 0, len(positives)+len(unlabeled)),
	}
	d.rows = append(d.rows, positives...)
	d.rows = append(d.rows, unlabeled...)
	for range positives {
		d.labels = append(d.labels, 1)
	}
	for range unlabeled {
		d.labels = append(d.labels, 0)
	}
	d.weights = balancedWeights(d.labels)

	beta, lambda, err := c.fitWithRetry(d)
	if err != nil {
		return nil, err
	}

	// Label frequency c = E[p-hat | positive], floored. Dividing by it
	// recovers P(corrupt) from P(labeled) under the PU assumption.
	var puSum float64
	for _, fv := range positives {
		puSum += sigmoid(beta.logit(fv.Z))
	}
	pu := puSum / float64(len(positives))
	if pu < c.cfg.PUFloor {
		pu = c.cfg.PUFloor
	}

	m := &model.CalibratedModel{
		Version:      version,
		SectorID:     sectorID,
		Intercept:    beta.intercept,
		Coefs:        append([]float64(nil), beta.coefs[:]...),
		CoefNames:    model.FactorNames(),
		PUFactor:     pu,
		TrainedRows:  d.n(),
		PositiveRows: len(positives),
		FittedAt:     time.Now().UTC(),
	}

	if c.cfg.Bootstrap > 0 {
		if err := c.bootstrapCIs(ctx, d, lambda, m); err != nil {
			return nil, err
		}
	}

	m.Diagnostics = c.diagnostics(d, beta, pu)

	sector := "global"
	if sectorID != nil {
		sector = *sectorID
	}
	zap.L().Info("calibrate: model fitted",
		zap.String("sector", sector),
		zap.Int("rows", m.TrainedRows),
		zap.Int("positives", m.PositiveRows),
		zap.Float64("lambda", lambda),
		zap.Float64("pu_factor", pu),
		zap.Int("bootstrap_kept", m.BootstrapKept),
		zap.Float64("auc", m.Diagnostics.AUC))
	return m, nil
}

// fitWithRetry converges the logistic fit, stiffening the penalty
// tenfold on each failure. Giving up is a calibration-run failure, not
// something to paper over.
func (c *Calibrator) fitWithRetry(d design) (coefficients, float64, error) {
	lambda := c.cfg.Lambda
	for attempt := 0; attempt < 3; attempt++ {
		beta, ok := fitLogistic(d, lambda, c.cfg.MaxIter, c.cfg.Tol)
		if ok {
			return beta, lambda, nil
		}
		zap.L().Warn("calibrate: fit did not converge, raising penalty",
			zap.Float64("lambda", lambda), zap.Int("attempt", attempt+1))
		lambda *= 10
	}
	return coefficients{}, 0, eris.Errorf("calibrate: logistic fit failed to converge up to lambda=%g", lambda)
}

// eligibleSectors lists sectors with enough positive and total rows
// for their own sub-model, in stable order. A non-empty Sectors config
// further restricts the list.
func (c *Calibrator) eligibleSectors(positives, unlabeled []model.FeatureVector) []string {
	pos := make(map[string]int)
	total := make(map[string]int)
	for _, fv := range positives {
		pos[fv.SectorID]++
		total[fv.SectorID]++
	}
	for _, fv := range unlabeled {
		total[fv.SectorID]++
	}

	allow := make(map[string]bool, len(c.cfg.Sectors))
	for _, s := range c.cfg.Sectors {
		allow[s] = true
	}

	var sectors []string
	for s, n := range pos {
		if s == "" {
			continue
		}
		if len(allow) > 0 && !allow[s] {
			continue
		}
		if n >= c.cfg.MinPositives && total[s] >= c.cfg.MinRows {
			sectors = append(sectors, s)
		}
	}
	sort.Strings(sectors)
	return sectors
}

func filterSector(rows []model.FeatureVector, sector string) []model.FeatureVector {
	var out []model.FeatureVector
	for _, fv := range rows {
		if fv.SectorID == sector {
			out = append(out, fv)
		}
	}
	return out
}

// correct applies the PU division and clips to [0, 1].
func correct(raw, pu float64) float64 {
	p := raw / pu
	if p > 1 {
		return 1
	}
	if p < 0 || math.IsNaN(p) {
		return 0
	}
	return p
}
