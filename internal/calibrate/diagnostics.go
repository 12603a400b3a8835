package calibrate

import (
	"math"
	"sort"

	"github.com/padron-mx/riesgo-cli/internal/model"
)

// diagnostics evaluates the fitted model on its own training rows,
// using the PU-corrected probabilities a consumer would see. These are
// the numbers a reviewer checks before promoting the calibration.
func (c *Calibrator) diagnostics(d design, beta coefficients, pu float64) model.ModelDiagnostics {
	n := d.n()
	probs := make([]float64, n)
	for i, fv := range d.rows {
		probs[i] = correct(sigmoid(beta.logit(fv.Z)), pu)
	}

	var brier, logLoss, pos float64
	for i, y := range d.labels {
		p := probs[i]
		diff := p - y
		brier += diff * diff
		clamped := math.Min(math.Max(p, probEps), 1-probEps)
		if y > 0.5 {
			logLoss -= math.Log(clamped)
			pos++
		} else {
			logLoss -= math.Log(1 - clamped)
		}
	}

	return model.ModelDiagnostics{
		AUC:          aucROC(probs, d.labels),
		Brier:        brier / float64(n),
		LogLoss:      logLoss / float64(n),
		AvgPrecision: averagePrecision(probs, d.labels),
		PosRate:      pos / float64(n),
		Bins:         reliabilityBins(probs, d.labels, c.cfg.Bins),
	}
}

// aucROC is the Mann-Whitney estimate: the probability a random
// positive outranks a random negative, with ties counted half.
func aucROC(probs, labels []float64) float64 {
	type scored struct {
		p float64
		y float64
	}
	rows := make([]scored, len(probs))
	for i := range probs {
		rows[i] = scored{probs[i], labels[i]}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].p < rows[j].p })

	// Average ranks across tie groups.
	ranks := make([]float64, len(rows))
	for i := 0; i < len(rows); {
		j := i
		for j < len(rows) && rows[j].p == rows[i].p {
			j++
		}
		avg := float64(i+j+1) / 2 // 1-based ranks i+1 .. j
		for k := i; k < j; k++ {
			ranks[k] = avg
		}
		i = j
	}

	var rankSum, nPos float64
	for i, r := range rows {
		if r.y > 0.5 {
			rankSum += ranks[i]
			nPos++
		}
	}
	nNeg := float64(len(rows)) - nPos
	if nPos == 0 || nNeg == 0 {
		return 0.5
	}
	return (rankSum - nPos*(nPos+1)/2) / (nPos * nNeg)
}

// averagePrecision is the area under the precision-recall curve by the
// step rule: the mean of the precision at each positive, walking the
// rows in descending probability order. Equal probabilities keep input
// order so the value is deterministic.
func averagePrecision(probs, labels []float64) float64 {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		if probs[idx[a]] != probs[idx[b]] {
			return probs[idx[a]] > probs[idx[b]]
		}
		return idx[a] < idx[b]
	})

	var tp, seen, sum float64
	for _, i := range idx {
		seen++
		if labels[i] > 0.5 {
			tp++
			sum += tp / seen
		}
	}
	if tp == 0 {
		return 0
	}
	return sum / tp
}

// reliabilityBins builds the calibration curve: per probability bin,
// the mean prediction against the observed positive fraction.
func reliabilityBins(probs, labels []float64, bins int) []model.CalibrationBin {
	out := make([]model.CalibrationBin, bins)
	width := 1.0 / float64(bins)
	for b := range out {
		out[b].Lo = float64(b) * width
		out[b].Hi = float64(b+1) * width
	}

	sums := make([]float64, bins)
	poss := make([]float64, bins)
	for i, p := range probs {
		b := int(p / width)
		if b >= bins {
			b = bins - 1
		}
		out[b].N++
		sums[b] += p
		poss[b] += labels[i]
	}
	for b := range out {
		if out[b].N > 0 {
			out[b].MeanPred = sums[b] / float64(out[b].N)
			out[b].PosRate = poss[b] / float64(out[b].N)
		}
	}
	return out
}
