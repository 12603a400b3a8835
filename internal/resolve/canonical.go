package resolve

import (
	"sort"
	"time"

	"github.com/padron-mx/riesgo-cli/internal/model"
)

// buildResult converts the final partition into group and alias rows.
// Singleton sets are left out: a vendor with no aliases is its own
// entity.
func (e *Engine) buildResult() *Result {
	res := &Result{Flagged: e.flagged, Stats: e.stats}
	now := time.Now().UTC()

	for _, members := range e.uf.Components() {
		if len(members) < 2 {
			continue
		}

		canonIdx := members[0]
		for _, m := range members[1:] {
			if e.betterCanonical(m, canonIdx) {
				canonIdx = m
			}
		}
		canon := e.records[canonIdx]

		group := model.VendorGroup{
			GroupID:       canon.ID,
			CanonicalName: canon.Name,
			RFC:           e.rootRFC[e.uf.Find(canonIdx)],
			Individual:    e.indiv[canonIdx],
			MemberCount:   len(members),
			ResolvedAt:    now,
		}
		for _, m := range members {
			rec := e.records[m]
			group.ContractCount += rec.ContractCount
			group.TotalAmount += rec.TotalAmount

			alias := model.VendorAlias{VendorID: rec.ID, GroupID: canon.ID, Name: rec.Name}
			switch ev, ok := e.evidence[m]; {
			case m == canonIdx:
				alias.Method, alias.Confidence = model.MatchCanonical, 1.0
			case ok:
				alias.Method, alias.Confidence = ev.method, ev.confidence
			default:
				alias.Method, alias.Confidence = model.MatchTransitive, e.cfg.TransitiveThreshold
			}
			res.Aliases = append(res.Aliases, alias)
		}

		res.Groups = append(res.Groups, group)
		res.Stats.ClusteredVendors += len(members)
		if len(members) > res.Stats.LargestCluster {
			res.Stats.LargestCluster = len(members)
		}
	}

	res.Stats.Clusters = len(res.Groups)
	sort.Slice(res.Groups, func(i, j int) bool { return res.Groups[i].GroupID < res.Groups[j].GroupID })
	sort.Slice(res.Aliases, func(i, j int) bool {
		if res.Aliases[i].GroupID != res.Aliases[j].GroupID {
			return res.Aliases[i].GroupID < res.Aliases[j].GroupID
		}
		return res.Aliases[i].VendorID < res.Aliases[j].VendorID
	})
	return res
}

// betterCanonical reports whether a outranks b as the cluster
// representative: has an RFC, then more contracts, then more recent
// activity, then the longer raw name, then the lower vendor ID. The
// final criterion makes the choice total, so member order never
// changes the canonical.
func (e *Engine) betterCanonical(a, b int32) bool {
	ra, rb := e.records[a], e.records[b]

	aRFC, bRFC := ra.RFCNorm != "", rb.RFCNorm != ""
	if aRFC != bRFC {
		return aRFC
	}
	if ra.ContractCount != rb.ContractCount {
		return ra.ContractCount > rb.ContractCount
	}
	if !ra.LastContract.Equal(rb.LastContract) {
		return ra.LastContract.After(rb.LastContract)
	}
	if len(ra.Name) != len(rb.Name) {
		return len(ra.Name) > len(rb.Name)
	}
	return ra.ID < rb.ID
}
