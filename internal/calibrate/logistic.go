package calibrate

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/padron-mx/riesgo-cli/internal/model"
)

const (
	probEps = 1e-9 // keeps weights and log terms finite
)

// design is one training matrix: z rows, 0/1 labels, per-row weights.
type design struct {
	rows    []model.FeatureVector
	labels  []float64
	weights []float64
}

func (d design) n() int { return len(d.rows) }

func (d design) positives() int {
	var n int
	for _, y := range d.labels {
		if y > 0.5 {
			n++
		}
	}
	return n
}

// balancedWeights gives both classes equal total mass, countering the
// heavy positive/unlabeled imbalance.
func balancedWeights(labels []float64) []float64 {
	var pos float64
	for _, y := range labels {
		pos += y
	}
	n := float64(len(labels))
	neg := n - pos
	w := make([]float64, len(labels))
	for i, y := range labels {
		if y > 0.5 {
			w[i] = n / (2 * pos)
		} else {
			w[i] = n / (2 * neg)
		}
	}
	return w
}

// coefficients is a fitted parameter vector.
type coefficients struct {
	intercept float64
	coefs     [model.NumFactors]float64
}

func (c coefficients) logit(z [model.NumFactors]float64) float64 {
	v := c.intercept
	for i, b := range c.coefs {
		v += b * z[i]
	}
	return v
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}

// fitLogistic runs iteratively reweighted least squares for a weighted
// L2-penalized logistic regression. The intercept is unpenalized. It
// reports false when the Newton iteration fails to settle within
// maxIter steps, leaving the caller to retry with a stiffer penalty.
func fitLogistic(d design, lambda float64, maxIter int, tol float64) (coefficients, bool) {
	const p = model.NumFactors + 1 // intercept column first

	var beta coefficients
	x := make([]float64, p) // one row's expanded features, reused

	hess := mat.NewSymDense(p, nil)
	grad := mat.NewVecDense(p, nil)
	var step mat.VecDense

	for iter := 0; iter < maxIter; iter++ {
		hess.Zero()
		grad.Zero()

		for r := 0; r < d.n(); r++ {
			x[0] = 1
			for j, v := range d.rows[r].Z {
				x[j+1] = v
			}
			mu := sigmoid(beta.logit(d.rows[r].Z))
			mu = math.Min(math.Max(mu, probEps), 1-probEps)

			w := d.weights[r] * mu * (1 - mu)
			resid := d.weights[r] * (d.labels[r] - mu)
			for i := 0; i < p; i++ {
				grad.SetVec(i, grad.AtVec(i)+x[i]*resid)
				for j := i; j < p; j++ {
					hess.SetSym(i, j, hess.At(i, j)+w*x[i]*x[j])
				}
			}
		}

		// L2 term: lambda on every coefficient except the intercept.
		for j := 1; j < p; j++ {
			hess.SetSym(j, j, hess.At(j, j)+lambda)
			grad.SetVec(j, grad.AtVec(j)-lambda*betaAt(beta, j))
		}

		var chol mat.Cholesky
		if !chol.Factorize(hess) {
			return beta, false
		}
		if err := chol.SolveVecTo(&step, grad); err != nil {
			return beta, false
		}

		var maxDelta float64
		beta.intercept += step.AtVec(0)
		if v := math.Abs(step.AtVec(0)); v > maxDelta {
			maxDelta = v
		}
		for j := 0; j < model.NumFactors; j++ {
			beta.coefs[j] += step.AtVec(j + 1)
			if v := math.Abs(step.AtVec(j + 1)); v > maxDelta {
				maxDelta = v
			}
		}

		if math.IsNaN(maxDelta) || math.IsInf(maxDelta, 0) {
			return beta, false
		}
		if maxDelta < tol {
			return beta, true
		}
	}
	return beta, false
}

func betaAt(b coefficients, j int) float64 {
	if j == 0 {
		return b.intercept
	}
	return b.coefs[j-1]
}
