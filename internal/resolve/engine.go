// Package resolve clusters normalized vendor records into real-world
// supplier entities. A union-find forest accumulates merges across six
// ordered phases, from exact tax-ID evidence down to phonetic name
// similarity; a single gate enforces the rules no phase may break.
package resolve

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/padron-mx/riesgo-cli/internal/blocking"
	"github.com/padron-mx/riesgo-cli/internal/model"
	"github.com/padron-mx/riesgo-cli/internal/normalize"
)

// VetoReason classifies why the union gate rejected a merge.
type VetoReason string

const (
	VetoRFCConflict VetoReason = "rfc_conflict"
	VetoIndividual  VetoReason = "individual"
	VetoClusterCap  VetoReason = "cluster_cap"
)

// FlaggedMerge records a merge rejected only by the cluster-size cap,
// for manual review.
type FlaggedMerge struct {
	VendorA int64             `json:"vendor_a"`
	VendorB int64             `json:"vendor_b"`
	SizeA   int32             `json:"size_a"`
	SizeB   int32             `json:"size_b"`
	Method  model.MatchMethod `json:"method"`
	Score   float64           `json:"score"`
}

// RunStats summarizes one clustering run.
type RunStats struct {
	Vendors          int                         `json:"vendors"`
	EmptyNames       int                         `json:"empty_names"`
	Comparisons      int64                       `json:"comparisons"`
	Unions           int64                       `json:"unions"`
	UnionsByPhase    map[model.MatchMethod]int64 `json:"unions_by_phase"`
	Vetoes           map[VetoReason]int64        `json:"vetoes"`
	Clusters         int                         `json:"clusters"`
	ClusteredVendors int                         `json:"clustered_vendors"`
	LargestCluster   int                         `json:"largest_cluster"`
	Duration         time.Duration               `json:"duration"`
}

// Result is the output of one clustering run. Groups and Aliases cover
// multi-member clusters only; a vendor absent from Aliases is its own
// entity.
type Result struct {
	Groups  []model.VendorGroup
	Aliases []model.VendorAlias
	Flagged []FlaggedMerge
	Stats   RunStats
}

type evidenceEdge struct {
	method     model.MatchMethod
	confidence float64
}

// Engine runs the multi-phase clustering over a fixed record slice.
type Engine struct {
	cfg     Config
	records []model.NormalizedVendor

	uf        *UnionFind
	rootRFC   []string // resolved RFC per root index, "" = none yet
	indiv     []bool   // per record; uniform within a set by the gate
	generic   []bool   // per record: base name contains a generic token
	evidence  map[int32]evidenceEdge
	flagged   []FlaggedMerge
	stats     RunStats
	prefixSet map[string]bool
	labelSkip map[string]bool
}

// NewEngine validates the config and precomputes per-record state.
func NewEngine(cfg Config, records []model.NormalizedVendor) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := len(records)
	e := &Engine{
		cfg:       cfg,
		records:   records,
		uf:        NewUnionFind(n),
		rootRFC:   make([]string, n),
		indiv:     make([]bool, n),
		generic:   make([]bool, n),
		evidence:  make(map[int32]evidenceEdge),
		prefixSet: make(map[string]bool, len(cfg.BusinessPrefixes)),
		labelSkip: make(map[string]bool, len(cfg.GenericGroupLabels)+1),
		stats: RunStats{
			Vendors:       n,
			UnionsByPhase: make(map[model.MatchMethod]int64),
			Vetoes:        make(map[VetoReason]int64),
		},
	}

	genericSet := make(map[string]bool, len(cfg.GenericTokens))
	for _, tok := range cfg.GenericTokens {
		genericSet[strings.ToUpper(tok)] = true
	}
	for _, p := range cfg.BusinessPrefixes {
		e.prefixSet[strings.ToUpper(p)] = true
	}
	e.labelSkip[""] = true
	for _, l := range cfg.GenericGroupLabels {
		e.labelSkip[normalize.Name(l).BaseName] = true
	}

	for i, rec := range records {
		e.rootRFC[i] = rec.RFCNorm
		e.indiv[i] = rec.Individual
		if rec.BaseName == "" {
			e.stats.EmptyNames++
		}
		for _, tok := range rec.SearchTokens {
			if genericSet[tok] {
				e.generic[i] = true
				break
			}
		}
	}
	return e, nil
}

type phaseSpec struct {
	method model.MatchMethod
	run    func(context.Context) error
}

// Run executes the six phases in order and assembles the result.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	phases := []phaseSpec{
		{model.MatchRFCExact, e.phaseRFCExact},
		{model.MatchCorporateGroup, e.phaseCorporateGroup},
		{model.MatchExactName, e.phaseExactName},
		{model.MatchBusinessPrefix, e.phaseBusinessPrefix},
		{model.MatchPhonetic, e.phasePhonetic},
		{model.MatchTransitive, e.phaseTransitive},
	}

	for i, p := range phases {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "resolve: run canceled")
		}
		before := e.stats.Unions
		phaseStart := time.Now()
		if err := p.run(ctx); err != nil {
			return nil, eris.Wrapf(err, "resolve: phase %s", p.method)
		}
		zap.L().Info("resolve: phase complete",
			zap.Int("phase", i+1),
			zap.Int("phases", len(phases)),
			zap.String("method", string(p.method)),
			zap.Int64("unions", e.stats.Unions-before),
			zap.Duration("took", time.Since(phaseStart)))
	}

	res := e.buildResult()
	res.Stats.Duration = time.Since(start)
	zap.L().Info("resolve: run complete",
		zap.Int("vendors", res.Stats.Vendors),
		zap.Int64("unions", res.Stats.Unions),
		zap.Int("clusters", res.Stats.Clusters),
		zap.Int("largest", res.Stats.LargestCluster),
		zap.Duration("took", res.Stats.Duration))
	return res, nil
}

// tryUnion is the single merge gate. Every phase goes through it; the
// invariants it enforces hold no matter which phase proposes a merge.
func (e *Engine) tryUnion(a, b int32, method model.MatchMethod, confidence float64) bool {
	ra, rb := e.uf.Find(a), e.uf.Find(b)
	if ra == rb {
		return false
	}

	// A cluster never spans an individual and a company.
	if e.indiv[ra] != e.indiv[rb] {
		e.stats.Vetoes[VetoIndividual]++
		return false
	}
	// Individuals merge only on exact tax-ID evidence.
	if e.indiv[ra] && method != model.MatchRFCExact {
		e.stats.Vetoes[VetoIndividual]++
		return false
	}
	// Distinct resolved RFCs are distinct entities, whatever the names
	// look like.
	rfcA, rfcB := e.rootRFC[ra], e.rootRFC[rb]
	if rfcA != "" && rfcB != "" && rfcA != rfcB {
		e.stats.Vetoes[VetoRFCConflict]++
		return false
	}
	if int(e.uf.size[ra])+int(e.uf.size[rb]) > e.cfg.MaxClusterSize {
		e.stats.Vetoes[VetoClusterCap]++
		e.flagged = append(e.flagged, FlaggedMerge{
			VendorA: e.records[a].ID,
			VendorB: e.records[b].ID,
			SizeA:   e.uf.size[ra],
			SizeB:   e.uf.size[rb],
			Method:  method,
			Score:   confidence,
		})
		return false
	}

	root, _ := e.uf.Union(ra, rb)
	if e.rootRFC[root] == "" {
		if rfcA != "" {
			e.rootRFC[root] = rfcA
		} else {
			e.rootRFC[root] = rfcB
		}
	}
	e.attachEvidence(a, method, confidence)
	e.attachEvidence(b, method, confidence)
	e.stats.Unions++
	e.stats.UnionsByPhase[method]++
	return true
}

// attachEvidence records the edge that first attached a record. Earlier
// phases carry stronger evidence, so the first write wins.
func (e *Engine) attachEvidence(idx int32, method model.MatchMethod, confidence float64) {
	if _, ok := e.evidence[idx]; !ok {
		e.evidence[idx] = evidenceEdge{method: method, confidence: confidence}
	}
}

// sortedKeys fixes the iteration order of a grouping map so runs over
// the same input produce the same partition.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// phaseRFCExact unions every record sharing a validated RFC. Name
// content is irrelevant here; the tax ID is authoritative.
func (e *Engine) phaseRFCExact(context.Context) error {
	groups := make(map[string][]int32)
	for i, rec := range e.records {
		if rec.RFCNorm != "" {
			groups[rec.RFCNorm] = append(groups[rec.RFCNorm], int32(i))
		}
	}
	for _, key := range sortedKeys(groups) {
		members := groups[key]
		for _, m := range members[1:] {
			e.tryUnion(members[0], m, model.MatchRFCExact, 1.0)
		}
	}
	return nil
}

// phaseCorporateGroup unions companies that declare the same
// corporate-group label, skipping placeholder labels.
func (e *Engine) phaseCorporateGroup(context.Context) error {
	groups := make(map[string][]int32)
	for i, rec := range e.records {
		if rec.Individual || rec.CorporateGroup == "" {
			continue
		}
		label := normalize.Name(rec.CorporateGroup).BaseName
		if e.labelSkip[label] {
			continue
		}
		groups[label] = append(groups[label], int32(i))
	}
	for _, key := range sortedKeys(groups) {
		members := groups[key]
		for _, m := range members[1:] {
			e.tryUnion(members[0], m, model.MatchCorporateGroup, e.cfg.CorporateGroupConfidence)
		}
	}
	return nil
}

// phaseExactName unions companies whose base name and legal form match
// exactly, unless the group carries more than one distinct RFC, in
// which case the whole group is left alone: an exact-name collision
// across tax IDs is two entities sharing a trade name.
func (e *Engine) phaseExactName(context.Context) error {
	groups := make(map[string][]int32)
	for i, rec := range e.records {
		if rec.Individual || rec.BaseName == "" {
			continue
		}
		key := rec.BaseName + "|" + rec.LegalSuffix
		groups[key] = append(groups[key], int32(i))
	}

	for _, key := range sortedKeys(groups) {
		members := groups[key]
		if len(members) < 2 {
			continue
		}
		distinct := ""
		conflict := false
		for _, m := range members {
			rfc := e.records[m].RFCNorm
			if rfc == "" {
				continue
			}
			if distinct == "" {
				distinct = rfc
			} else if distinct != rfc {
				conflict = true
				break
			}
		}
		if conflict {
			e.stats.Vetoes[VetoRFCConflict]++
			continue
		}
		for _, m := range members[1:] {
			e.tryUnion(members[0], m, model.MatchExactName, e.cfg.ExactNameConfidence)
		}
	}
	return nil
}

// phaseBusinessPrefix compares names sharing a holding-style first
// token (GRUPO, CORPORATIVO, ...) on the remainder after that token.
// "GRUPO" alone says nothing; "MODELO" does.
func (e *Engine) phaseBusinessPrefix(ctx context.Context) error {
	type entry struct {
		idx       int32
		remainder string
	}
	blocks := make(map[string][]entry)
	for i, rec := range e.records {
		if rec.Individual || len(rec.SearchTokens) < 2 {
			continue
		}
		first := rec.SearchTokens[0]
		if !e.prefixSet[first] {
			continue
		}
		rem := strings.Join(rec.SearchTokens[1:], " ")
		blocks[first] = append(blocks[first], entry{idx: int32(i), remainder: rem})
	}

	for _, key := range sortedKeys(blocks) {
		members := blocks[key]
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(members) > e.cfg.Blocking.MaxBlockSize {
			continue
		}
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				if e.uf.Same(members[i].idx, members[j].idx) {
					continue
				}
				e.stats.Comparisons++
				score := e.cfg.Weights.Score(members[i].remainder, members[j].remainder)
				if score >= e.cfg.BusinessPrefixThreshold {
					e.tryUnion(members[i].idx, members[j].idx, model.MatchBusinessPrefix, score)
				}
			}
		}
	}
	return nil
}

// phasePhonetic compares names sharing a phonetic block. Names holding
// a generic trade token need a higher score: COMERCIALIZADORA DEL
// NORTE and COMERCIALIZADORA DEL PUERTO sound alike and are unrelated.
func (e *Engine) phasePhonetic(ctx context.Context) error {
	strat, _ := blocking.Builtin(blocking.StrategyPhonetic)
	blocks, _ := blocking.Blocks(e.records, strat, e.cfg.Blocking.MaxBlockSize)

	for _, key := range sortedKeys(blocks) {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.comparePairs(blocks[key], model.MatchPhonetic, func(a, b int32) float64 {
			if e.generic[a] || e.generic[b] {
				return e.cfg.GenericTokenThreshold
			}
			return e.cfg.PhoneticThreshold
		})
	}
	return nil
}

// phaseTransitive is the completeness pass: name-prefix blocks catch
// high-similarity pairs whose phase-specific blocks never coincided,
// closing chains like A~B (one block) and B~C (another). The generic
// raise applies here as well: a loose pass must not undercut the
// phonetic phase's bar.
func (e *Engine) phaseTransitive(ctx context.Context) error {
	strat, _ := blocking.Builtin(blocking.StrategyPrefix)
	blocks, _ := blocking.Blocks(e.records, strat, e.cfg.Blocking.MaxBlockSize)

	for _, key := range sortedKeys(blocks) {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.comparePairs(blocks[key], model.MatchTransitive, func(a, b int32) float64 {
			if e.generic[a] || e.generic[b] {
				return e.cfg.GenericTokenThreshold
			}
			return e.cfg.TransitiveThreshold
		})
	}
	return nil
}

// comparePairs scores every cross-set company pair in a block and
// unions those at or above the pair's threshold.
func (e *Engine) comparePairs(members []int32, method model.MatchMethod, threshold func(a, b int32) float64) {
	for i := 0; i < len(members); i++ {
		a := members[i]
		if e.indiv[a] || e.records[a].BaseName == "" {
			continue
		}
		for j := i + 1; j < len(members); j++ {
			b := members[j]
			if e.indiv[b] || e.records[b].BaseName == "" {
				continue
			}
			if e.uf.Same(a, b) {
				continue
			}
			e.stats.Comparisons++
			score := e.cfg.Weights.Score(e.records[a].BaseName, e.records[b].BaseName)
			if score >= threshold(a, b) {
				e.tryUnion(a, b, method, score)
			}
		}
	}
}
