// Package feature turns contract rows into the raw risk signals and
// z-scored feature vectors the anomaly and calibration stages consume.
// The aggregator is cumulative by award year: signals for a year-Y
// contract see history through year Y and nothing later.
package feature

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/padron-mx/riesgo-cli/internal/model"
)

// Config bounds the aggregator's data-quality checks.
type Config struct {
	// MaxAmount is the plausibility ceiling; amounts above it are
	// treated as decimal-placement errors and excluded from value
	// aggregates (the contract itself still flows through).
	MaxAmount float64 `json:"max_amount" yaml:"max_amount" mapstructure:"max_amount"`
	// MaxZ clips every z-score to [-MaxZ, MaxZ].
	MaxZ float64 `json:"max_z" yaml:"max_z" mapstructure:"max_z"`
}

// DefaultConfig returns the production feature setup.
func DefaultConfig() Config {
	return Config{
		MaxAmount: 1e11, // 100 billion MXN; nothing legitimate is bigger
		MaxZ:      10,
	}
}

// Validate checks the ceiling and clip range.
func (c Config) Validate() error {
	var errs []string
	if c.MaxAmount <= 0 {
		errs = append(errs, fmt.Sprintf("max_amount must be positive, got %g", c.MaxAmount))
	}
	if c.MaxZ <= 0 {
		errs = append(errs, fmt.Sprintf("max_z must be positive, got %g", c.MaxZ))
	}
	if len(errs) > 0 {
		return eris.New("feature: invalid config: " + strings.Join(errs, "; "))
	}
	return nil
}

// groupStats is the cumulative history of one resolved vendor group.
type groupStats struct {
	contracts     int64
	valued        int64 // rows whose amount passed the ceiling check
	amountSum     float64
	amountSumSq   float64
	valueBySector map[string]float64
	countBySector map[string]int64
	countByInst   map[string]int64
	countByDay    map[string]int64
	procedures    int64
	coBids        map[int64]int64 // partner group -> shared procedures
	members       int
}

// sectorStats is the cumulative history of one sector.
type sectorStats struct {
	contracts int64
	valued    int64
	valueSum  float64
}

// instStats is the cumulative history of one buying institution.
type instStats struct {
	contracts int64
	direct    int64
}

// Aggregator accumulates cumulative vendor, sector, and institution
// history. Feed it one award year at a time, ascending; it refuses to
// move backwards so a future year can never leak into a past signal.
type Aggregator struct {
	cfg Config

	groups  map[int64]*groupStats
	sectors map[string]*sectorStats
	insts   map[string]*instStats

	year           int
	observed       int64
	excludedAmount int64 // rows outside the plausibility ceiling
}

// NewAggregator validates the config and returns an empty aggregator.
func NewAggregator(cfg Config) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{
		cfg:     cfg,
		groups:  make(map[int64]*groupStats),
		sectors: make(map[string]*sectorStats),
		insts:   make(map[string]*instStats),
	}, nil
}

// ObserveYear folds one award year of contracts into the cumulative
// state. Years must arrive in ascending order. Co-bidding links are
// derived from rows sharing a procedure ID within the batch.
func (a *Aggregator) ObserveYear(year int, contracts []model.ContractRecord) error {
	if year < a.year {
		return eris.Errorf("feature: year %d after %d already observed", year, a.year)
	}
	a.year = year

	bidders := make(map[string][]int64)
	for _, ct := range contracts {
		if ct.Year != year {
			return eris.Errorf("feature: contract %d is year %d, batch is %d", ct.ID, ct.Year, year)
		}
		a.observe(ct)
		if ct.ProcedureID != "" {
			bidders[ct.ProcedureID] = append(bidders[ct.ProcedureID], a.entityID(ct))
		}
	}
	a.observeCoBids(bidders)

	zap.L().Debug("feature: year observed",
		zap.Int("year", year),
		zap.Int("contracts", len(contracts)),
		zap.Int("groups", len(a.groups)))
	return nil
}

// entityID is the aggregation key: the resolved group when present,
// otherwise the raw vendor.
func (a *Aggregator) entityID(ct model.ContractRecord) int64 {
	if ct.GroupID != 0 {
		return ct.GroupID
	}
	return ct.VendorID
}

func (a *Aggregator) observe(ct model.ContractRecord) {
	a.observed++

	g := a.groups[a.entityID(ct)]
	if g == nil {
		g = &groupStats{
			valueBySector: make(map[string]float64),
			countBySector: make(map[string]int64),
			countByInst:   make(map[string]int64),
			countByDay:    make(map[string]int64),
			coBids:        make(map[int64]int64),
		}
		a.groups[a.entityID(ct)] = g
	}
	g.contracts++
	g.countBySector[ct.SectorID]++
	g.countByInst[ct.InstitutionID]++
	if !ct.AwardedAt.IsZero() {
		g.countByDay[ct.AwardedAt.Format(time.DateOnly)]++
	}

	sec := a.sectors[ct.SectorID]
	if sec == nil {
		sec = &sectorStats{}
		a.sectors[ct.SectorID] = sec
	}
	sec.contracts++

	inst := a.insts[ct.InstitutionID]
	if inst == nil {
		inst = &instStats{}
		a.insts[ct.InstitutionID] = inst
	}
	inst.contracts++
	if ct.ProcedureType == model.ProcedureDirectAward {
		inst.direct++
	}

	if a.amountOK(ct.Amount) {
		g.valued++
		g.amountSum += ct.Amount
		g.amountSumSq += ct.Amount * ct.Amount
		g.valueBySector[ct.SectorID] += ct.Amount
		sec.valued++
		sec.valueSum += ct.Amount
	} else {
		a.excludedAmount++
	}
}

func (a *Aggregator) observeCoBids(bidders map[string][]int64) {
	for _, ids := range bidders {
		seen := make(map[int64]bool, len(ids))
		distinct := ids[:0:0]
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				distinct = append(distinct, id)
			}
		}
		for _, id := range distinct {
			a.groups[id].procedures++
		}
		if len(distinct) < 2 {
			continue
		}
		for i := 0; i < len(distinct); i++ {
			for j := i + 1; j < len(distinct); j++ {
				a.groups[distinct[i]].coBids[distinct[j]]++
				a.groups[distinct[j]].coBids[distinct[i]]++
			}
		}
	}
}

// SetGroupSize records the member count of a resolved group, used by
// the network_member_count signal.
func (a *Aggregator) SetGroupSize(groupID int64, members int) {
	g := a.groups[groupID]
	if g == nil {
		g = &groupStats{
			valueBySector: make(map[string]float64),
			countBySector: make(map[string]int64),
			countByInst:   make(map[string]int64),
			countByDay:    make(map[string]int64),
			coBids:        make(map[int64]int64),
		}
		a.groups[groupID] = g
	}
	g.members = members
}

// Stats reports rows observed and rows excluded by the amount ceiling.
func (a *Aggregator) Stats() (observed, excludedAmount int64) {
	return a.observed, a.excludedAmount
}

func (a *Aggregator) amountOK(v float64) bool {
	return v > 0 && v <= a.cfg.MaxAmount && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Raw computes the sixteen raw signals for one contract against the
// state observed so far. Call it only after the contract's own year has
// been observed. Signals the history cannot support come back NaN; the
// z-step turns those into neutral zeros.
func (a *Aggregator) Raw(ct model.ContractRecord) model.RawSignals {
	var raw model.RawSignals
	for i := range raw {
		raw[i] = math.NaN()
	}

	g := a.groups[a.entityID(ct)]
	sec := a.sectors[ct.SectorID]
	inst := a.insts[ct.InstitutionID]

	// single_bid: unknown bidder counts stay NaN rather than faking 0.
	if ct.BidderCount > 0 {
		raw[iSingleBid] = boolSignal(ct.BidderCount == 1)
	}
	raw[iDirectAward] = boolSignal(ct.ProcedureType == model.ProcedureDirectAward)

	if a.amountOK(ct.Amount) && sec != nil && sec.valued > 0 {
		mean := sec.valueSum / float64(sec.valued)
		if mean > 0 {
			raw[iPriceRatio] = ct.Amount / mean
		}
	}
	if g != nil && sec != nil && sec.valueSum > 0 {
		raw[iVendorConcentration] = g.valueBySector[ct.SectorID] / sec.valueSum
	}
	if !ct.PublishedAt.IsZero() && !ct.AwardedAt.IsZero() && !ct.AwardedAt.Before(ct.PublishedAt) {
		raw[iAdPeriodDays] = ct.AwardedAt.Sub(ct.PublishedAt).Hours() / 24
	}
	if !ct.AwardedAt.IsZero() {
		raw[iYearEnd] = boolSignal(ct.AwardedAt.Month() == time.December)
		if g != nil {
			raw[iSameDayCount] = float64(g.countByDay[ct.AwardedAt.Format(time.DateOnly)])
		}
	}
	if g != nil {
		if g.members > 0 {
			raw[iNetworkMemberCount] = float64(g.members)
		} else {
			raw[iNetworkMemberCount] = 1
		}
		if g.procedures > 0 {
			var maxShared int64
			for _, n := range g.coBids {
				if n > maxShared {
					maxShared = n
				}
			}
			raw[iCoBidRate] = float64(maxShared) / float64(g.procedures)
		}
	}
	if !math.IsNaN(ct.PriceHypScore) {
		raw[iPriceHypConfidence] = ct.PriceHypScore
	}
	if g != nil {
		raw[iIndustryMismatch] = boolSignal(modalSector(g.countBySector) != ct.SectorID)
	}
	if inst != nil && inst.contracts > 0 {
		raw[iInstitutionRisk] = float64(inst.direct) / float64(inst.contracts)
	}
	if g != nil && g.valued > 1 && g.amountSum > 0 {
		n := float64(g.valued)
		mean := g.amountSum / n
		variance := (g.amountSumSq - g.amountSum*g.amountSum/n) / (n - 1)
		if variance > 0 && mean > 0 {
			raw[iPriceVolatility] = math.Sqrt(variance) / mean
		} else {
			raw[iPriceVolatility] = 0
		}
	}
	if g != nil {
		raw[iSectorSpread] = float64(len(g.countBySector))
	}
	if !math.IsNaN(ct.WinRate) {
		raw[iWinRate] = ct.WinRate
	}
	if g != nil && g.contracts > 0 {
		raw[iInstitutionDiversity] = hhi(g.countByInst, g.contracts)
	}
	return raw
}

// modalSector returns the sector holding most of a vendor's contracts;
// ties break toward the lexicographically smaller ID so the signal is
// stable run to run.
func modalSector(counts map[string]int64) string {
	var best string
	var bestN int64 = -1
	for s, n := range counts {
		if n > bestN || (n == bestN && s < best) {
			best, bestN = s, n
		}
	}
	return best
}

// hhi is the Herfindahl-Hirschman concentration of a count
// distribution: 1.0 = everything with one institution.
func hhi(counts map[string]int64, total int64) float64 {
	var sum float64
	for _, n := range counts {
		share := float64(n) / float64(total)
		sum += share * share
	}
	return sum
}

func boolSignal(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Vector positions, fixed by the model registry order.
const (
	iSingleBid = iota
	iDirectAward
	iPriceRatio
	iVendorConcentration
	iAdPeriodDays
	iYearEnd
	iSameDayCount
	iNetworkMemberCount
	iCoBidRate
	iPriceHypConfidence
	iIndustryMismatch
	iInstitutionRisk
	iPriceVolatility
	iSectorSpread
	iWinRate
	iInstitutionDiversity
)
