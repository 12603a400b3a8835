package calibrate

import (
	"context"
	"math/rand"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/padron-mx/riesgo-cli/internal/model"
)

// bootstrapCIs refits the model on resampled training sets and fills
// the 2.5/97.5 percentile band per coefficient. Resamples with too few
// positives are dropped, as are refits that fail to converge; the kept
// and dropped counts land on the model so reviewers can judge how much
// the band is worth. Each iteration seeds its own generator, so the
// draw set is identical regardless of worker scheduling.
func (c *Calibrator) bootstrapCIs(ctx context.Context, d design, lambda float64, m *model.CalibratedModel) error {
	draws := make([][]float64, 0, c.cfg.Bootstrap)
	var mu sync.Mutex
	var dropped int

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)

	for iter := 0; iter < c.cfg.Bootstrap; iter++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(c.cfg.Seed + int64(iter)))

			resample := design{
				rows:    make([]model.FeatureVector, d.n()),
				labels:  make([]float64, d.n()),
				weights: nil,
			}
			for i := range resample.rows {
				j := rng.Intn(d.n())
				resample.rows[i] = d.rows[j]
				resample.labels[i] = d.labels[j]
			}

			if resample.positives() < c.cfg.MinBootstrapPositives {
				mu.Lock()
				dropped++
				mu.Unlock()
				return nil
			}
			resample.weights = balancedWeights(resample.labels)

			beta, ok := fitLogistic(resample, lambda, c.cfg.MaxIter, c.cfg.Tol)
			mu.Lock()
			defer mu.Unlock()
			if !ok {
				dropped++
				return nil
			}
			draws = append(draws, append([]float64(nil), beta.coefs[:]...))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.BootstrapKept = len(draws)
	m.BootstrapDropped = dropped
	if len(draws) == 0 {
		zap.L().Warn("calibrate: every bootstrap resample was dropped",
			zap.Int("attempted", c.cfg.Bootstrap))
		return nil
	}

	m.CoefCILower = make([]float64, model.NumFactors)
	m.CoefCIUpper = make([]float64, model.NumFactors)
	column := make([]float64, len(draws))
	for j := 0; j < model.NumFactors; j++ {
		for i, draw := range draws {
			column[i] = draw[j]
		}
		sort.Float64s(column)
		m.CoefCILower[j] = percentile(column, 0.025)
		m.CoefCIUpper[j] = percentile(column, 0.975)
	}
	return nil
}

// percentile reads a quantile from an already-sorted slice using the
// nearest-rank rule.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
