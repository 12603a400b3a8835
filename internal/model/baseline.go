package model

// BaselineScope is the specificity level of a factor baseline.
type BaselineScope string

const (
	ScopeSectorYear BaselineScope = "sector_year"
	ScopeSector     BaselineScope = "sector"
	ScopeGlobal     BaselineScope = "global"
)

// FactorBaseline is the reference distribution for one factor at one
// scope. SectorID is empty for global rows; Year is zero except at
// sector_year scope.
type FactorBaseline struct {
	Factor   string        `json:"factor"`
	Scope    BaselineScope `json:"scope"`
	SectorID string        `json:"sector_id,omitempty"`
	Year     int           `json:"year,omitempty"`
	Mean     float64       `json:"mean"`
	StdDev   float64       `json:"std_dev"`
	Min      float64       `json:"min"`
	Max      float64       `json:"max"`
	N        int64         `json:"n"`
}
