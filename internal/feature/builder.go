package feature

import (
	"math"

	"github.com/padron-mx/riesgo-cli/internal/baseline"
	"github.com/padron-mx/riesgo-cli/internal/model"
)

// Builder z-normalizes raw signals against the published baselines.
type Builder struct {
	cfg Config
	set *baseline.Set
}

// NewBuilder wires a builder to a baseline set.
func NewBuilder(cfg Config, set *baseline.Set) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Builder{cfg: cfg, set: set}, nil
}

// Vector z-scores one contract's raw signals. Every component is
// finite and inside [-MaxZ, MaxZ]: a signal with no data, no baseline,
// or a non-finite value lands on the neutral 0.
func (b *Builder) Vector(ct model.ContractRecord, raw model.RawSignals) model.FeatureVector {
	fv := model.FeatureVector{
		ContractID: ct.ID,
		GroupID:    ct.GroupID,
		SectorID:   ct.SectorID,
		Year:       ct.Year,
	}
	for i, f := range model.Factors {
		bl, ok := b.set.Lookup(f.Name, ct.SectorID, ct.Year)
		if !ok {
			continue
		}
		fv.Scopes[i] = bl.Scope
		fv.Z[i] = b.z(raw[i], bl)
	}
	return fv
}

func (b *Builder) z(v float64, bl model.FactorBaseline) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	sd := bl.StdDev
	if sd <= 0 {
		return 0
	}
	z := (v - bl.Mean) / sd
	if math.IsNaN(z) || math.IsInf(z, 0) {
		return 0
	}
	if z > b.cfg.MaxZ {
		return b.cfg.MaxZ
	}
	if z < -b.cfg.MaxZ {
		return -b.cfg.MaxZ
	}
	return z
}
