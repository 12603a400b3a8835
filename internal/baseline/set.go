package baseline

import (
	"github.com/rotisserie/eris"

	"github.com/padron-mx/riesgo-cli/internal/model"
)

// Set is an in-memory baseline lookup. Lookup prefers the most specific
// published scope and falls through sector_year -> sector -> global; it
// only misses when a factor has no global row, which a well-formed
// baseline run never produces.
type Set struct {
	sectorYear map[cellKey]model.FactorBaseline
	sector     map[cellKey]model.FactorBaseline
	global     map[string]model.FactorBaseline
}

// NewSet indexes published baseline rows.
func NewSet(rows []model.FactorBaseline) *Set {
	s := &Set{
		sectorYear: make(map[cellKey]model.FactorBaseline),
		sector:     make(map[cellKey]model.FactorBaseline),
		global:     make(map[string]model.FactorBaseline),
	}
	for _, r := range rows {
		switch r.Scope {
		case model.ScopeSectorYear:
			s.sectorYear[cellKey{r.Factor, r.SectorID, r.Year}] = r
		case model.ScopeSector:
			s.sector[cellKey{factor: r.Factor, sector: r.SectorID}] = r
		case model.ScopeGlobal:
			s.global[r.Factor] = r
		}
	}
	return s
}

// Lookup resolves the baseline for (factor, sector, year) at the most
// specific scope available.
func (s *Set) Lookup(factor, sectorID string, year int) (model.FactorBaseline, bool) {
	if sectorID != "" && year > 0 {
		if b, ok := s.sectorYear[cellKey{factor, sectorID, year}]; ok {
			return b, true
		}
	}
	if sectorID != "" {
		if b, ok := s.sector[cellKey{factor: factor, sector: sectorID}]; ok {
			return b, true
		}
	}
	b, ok := s.global[factor]
	return b, ok
}

// Validate confirms every registry factor has a global fallback row.
func (s *Set) Validate() error {
	for _, f := range model.Factors {
		if _, ok := s.global[f.Name]; !ok {
			return eris.Errorf("baseline: factor %s has no global baseline", f.Name)
		}
	}
	return nil
}

// Len returns the number of indexed rows across all scopes.
func (s *Set) Len() int {
	return len(s.sectorYear) + len(s.sector) + len(s.global)
}
