package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/padron-mx/riesgo-cli/internal/baseline"
	"github.com/padron-mx/riesgo-cli/internal/feature"
	"github.com/padron-mx/riesgo-cli/internal/model"
	"github.com/padron-mx/riesgo-cli/internal/store"
)

// groupIndex maps raw vendors to their resolved groups.
type groupIndex struct {
	vendorGroup map[int64]int64
	memberCount map[int64]int
}

func loadGroupIndex(ctx context.Context, st store.Store) (*groupIndex, error) {
	aliases, err := st.LoadAliases(ctx)
	if err != nil {
		return nil, err
	}
	return newGroupIndex(aliases), nil
}

func newGroupIndex(aliases []model.VendorAlias) *groupIndex {
	gi := &groupIndex{
		vendorGroup: make(map[int64]int64, len(aliases)),
		memberCount: make(map[int64]int),
	}
	for _, a := range aliases {
		gi.vendorGroup[a.VendorID] = a.GroupID
		gi.memberCount[a.GroupID]++
	}
	return gi
}

// attach fills resolved group IDs in place. Vendors outside any
// multi-member cluster keep GroupID 0 and aggregate as themselves.
func (g *groupIndex) attach(contracts []model.ContractRecord) {
	for i := range contracts {
		if gid, ok := g.vendorGroup[contracts[i].VendorID]; ok {
			contracts[i].GroupID = gid
		}
	}
}

// seed pushes cluster sizes into the aggregator for the
// network_member_count signal.
func (g *groupIndex) seed(agg *feature.Aggregator) {
	for gid, n := range g.memberCount {
		agg.SetGroupSize(gid, n)
	}
}

// vectorStats counts what a history walk saw.
type vectorStats struct {
	Years     []int
	Contracts int64
	Emitted   int64
}

// walkVectors replays contract history in award-year order and hands
// each year's z-scored vectors to fn, starting at sinceYear. Earlier
// years still feed the cumulative aggregates; they just emit nothing,
// so a partial scoring window sees the same history a full run would.
func walkVectors(ctx context.Context, st store.Store, sinceYear int, fn func(year int, vectors []model.FeatureVector) error) (*vectorStats, error) {
	blRows, err := st.LoadBaselines(ctx)
	if err != nil {
		return nil, err
	}
	if len(blRows) == 0 {
		return nil, eris.New("no factor baselines; run 'riesgo baseline' first")
	}
	builder, err := feature.NewBuilder(cfg.Feature, baseline.NewSet(blRows))
	if err != nil {
		return nil, err
	}

	gi, err := loadGroupIndex(ctx, st)
	if err != nil {
		return nil, err
	}
	agg, err := feature.NewAggregator(cfg.Feature)
	if err != nil {
		return nil, err
	}
	gi.seed(agg)

	years, err := st.ContractYears(ctx)
	if err != nil {
		return nil, err
	}
	if len(years) == 0 {
		return nil, eris.New("no contract records; load the warehouse tables first")
	}

	stats := &vectorStats{}
	for _, year := range years {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "vector walk canceled")
		}
		contracts, err := st.LoadContracts(ctx, year)
		if err != nil {
			return nil, err
		}
		gi.attach(contracts)
		if err := agg.ObserveYear(year, contracts); err != nil {
			return nil, err
		}
		stats.Contracts += int64(len(contracts))
		if year < sinceYear {
			continue
		}

		vectors := make([]model.FeatureVector, len(contracts))
		for i, ct := range contracts {
			vectors[i] = builder.Vector(ct, agg.Raw(ct))
		}
		stats.Years = append(stats.Years, year)
		stats.Emitted += int64(len(vectors))
		if err := fn(year, vectors); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// buildVectors collects the whole walk into one slice, for stages that
// need the full training matrix at once.
func buildVectors(ctx context.Context, st store.Store, sinceYear int) ([]model.FeatureVector, *vectorStats, error) {
	var all []model.FeatureVector
	stats, err := walkVectors(ctx, st, sinceYear, func(_ int, vectors []model.FeatureVector) error {
		all = append(all, vectors...)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return all, stats, nil
}
