package model

import "time"

// Procedure types as published by the warehouse ETL.
const (
	ProcedureDirectAward = "direct_award"
	ProcedureInvitation  = "invitation"
	ProcedureOpenTender  = "open_tender"
)

// ContractRecord is one awarded contract row. PriceHypScore and WinRate
// are upstream-computed signals; NaN means the source did not provide them.
type ContractRecord struct {
	ID            int64     `json:"id"`
	ProcedureID   string    `json:"procedure_id"` // shared by all bidders on one tender
	VendorID      int64     `json:"vendor_id"`
	GroupID       int64     `json:"group_id,omitempty"` // resolved group, 0 before resolution
	InstitutionID string    `json:"institution_id"`
	SectorID      string    `json:"sector_id"`
	ProcedureType string    `json:"procedure_type"`
	BidderCount   int       `json:"bidder_count"` // 0 = unknown
	Amount        float64   `json:"amount"`
	PublishedAt   time.Time `json:"published_at,omitempty"` // zero when unknown
	AwardedAt     time.Time `json:"awarded_at"`
	Year          int       `json:"year"`
	PriceHypScore float64   `json:"price_hyp_score,omitempty"`
	WinRate       float64   `json:"win_rate,omitempty"`
}

// FactorKind distinguishes how a factor's baseline statistics are computed.
type FactorKind string

const (
	FactorBinary     FactorKind = "binary"     // std = sqrt(p*(1-p))
	FactorContinuous FactorKind = "continuous" // Bessel-corrected sample std
)

// Factor is one entry in the risk-factor registry.
type Factor struct {
	Name string     `json:"name"`
	Kind FactorKind `json:"kind"`
}

// Factor names. Vector positions follow the order of Factors everywhere:
// raw signals, baselines, z-vectors, and model coefficients.
const (
	FactorSingleBid            = "single_bid"
	FactorDirectAward          = "direct_award"
	FactorPriceRatio           = "price_ratio"
	FactorVendorConcentration  = "vendor_concentration"
	FactorAdPeriodDays         = "ad_period_days"
	FactorYearEnd              = "year_end"
	FactorSameDayCount         = "same_day_count"
	FactorNetworkMemberCount   = "network_member_count"
	FactorCoBidRate            = "co_bid_rate"
	FactorPriceHypConfidence   = "price_hyp_confidence"
	FactorIndustryMismatch     = "industry_mismatch"
	FactorInstitutionRisk      = "institution_risk"
	FactorPriceVolatility      = "price_volatility"
	FactorSectorSpread         = "sector_spread"
	FactorWinRate              = "win_rate"
	FactorInstitutionDiversity = "institution_diversity"
)

// NumFactors is the width of every feature vector and coefficient slice.
const NumFactors = 16

// Factors is the canonical registry, in vector order.
var Factors = [NumFactors]Factor{
	{FactorSingleBid, FactorBinary},
	{FactorDirectAward, FactorBinary},
	{FactorPriceRatio, FactorContinuous},
	{FactorVendorConcentration, FactorContinuous},
	{FactorAdPeriodDays, FactorContinuous},
	{FactorYearEnd, FactorBinary},
	{FactorSameDayCount, FactorContinuous},
	{FactorNetworkMemberCount, FactorContinuous},
	{FactorCoBidRate, FactorContinuous},
	{FactorPriceHypConfidence, FactorContinuous},
	{FactorIndustryMismatch, FactorBinary},
	{FactorInstitutionRisk, FactorContinuous},
	{FactorPriceVolatility, FactorContinuous},
	{FactorSectorSpread, FactorContinuous},
	{FactorWinRate, FactorContinuous},
	{FactorInstitutionDiversity, FactorContinuous},
}

var factorIndex = func() map[string]int {
	m := make(map[string]int, NumFactors)
	for i, f := range Factors {
		m[f.Name] = i
	}
	return m
}()

// FactorIndex returns the vector position of a factor name, or -1.
func FactorIndex(name string) int {
	if i, ok := factorIndex[name]; ok {
		return i
	}
	return -1
}

// FactorNames returns the registry names in vector order.
func FactorNames() []string {
	names := make([]string, NumFactors)
	for i, f := range Factors {
		names[i] = f.Name
	}
	return names
}

// RawSignals holds the unscaled factor values for one contract, in
// registry order. NaN marks a signal the source data could not support.
type RawSignals [NumFactors]float64

// FeatureVector is the z-scored feature row for one contract.
type FeatureVector struct {
	ContractID    int64                     `json:"contract_id"`
	GroupID       int64                     `json:"group_id"`
	SectorID      string                    `json:"sector_id"`
	Year          int                       `json:"year"`
	Z             [NumFactors]float64       `json:"z"`
	Scopes        [NumFactors]BaselineScope `json:"scopes"` // baseline scope used per factor
	MahalanobisD2 float64                   `json:"mahalanobis_d2,omitempty"`
	MahalanobisP  float64                   `json:"mahalanobis_p,omitempty"`
}
