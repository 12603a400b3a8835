// Package model holds the shared domain types for the procurement
// risk pipeline: vendors, contracts, factor baselines, calibrated
// models, and risk scores.
package model

import "time"

// MatchMethod identifies the resolution phase that linked a vendor
// to its group.
type MatchMethod string

const (
	MatchRFCExact       MatchMethod = "rfc_exact"
	MatchCorporateGroup MatchMethod = "corporate_group"
	MatchExactName      MatchMethod = "exact_name"
	MatchBusinessPrefix MatchMethod = "business_prefix"
	MatchPhonetic       MatchMethod = "phonetic_similarity"
	MatchTransitive     MatchMethod = "transitive"
	// MatchCanonical marks the representative member of a group.
	MatchCanonical MatchMethod = "canonical"
)

// VendorRecord is one raw supplier row from the procurement warehouse,
// exactly as the source published it.
type VendorRecord struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	RFC            string    `json:"rfc,omitempty"`             // tax ID as published, may be empty or malformed
	CorporateGroup string    `json:"corporate_group,omitempty"` // declared group label, usually empty
	SectorID       string    `json:"sector_id,omitempty"`
	StateCode      string    `json:"state_code,omitempty"`
	ContractCount  int       `json:"contract_count"`
	TotalAmount    float64   `json:"total_amount"`
	LastContract   time.Time `json:"last_contract,omitempty"` // zero when unknown
}

// NormalizedVendor pairs a raw record with its normalization products.
// All derived fields are pure functions of the raw row.
type NormalizedVendor struct {
	VendorRecord

	BaseName      string   `json:"base_name"`              // suffix-free normalized name
	LegalSuffix   string   `json:"legal_suffix,omitempty"` // canonical token, e.g. "SA_DE_CV"
	RFCNorm       string   `json:"rfc_norm,omitempty"`     // validated RFC, empty if absent or generic
	Individual    bool     `json:"individual"`             // persona física
	SearchTokens  []string `json:"search_tokens,omitempty"`
	PhoneticFirst string   `json:"phonetic_first,omitempty"` // code of first search token
	PhoneticLast  string   `json:"phonetic_last,omitempty"`  // code of last search token
}

// VendorGroup is one resolved entity: a cluster of vendor records that
// the resolution engine concluded are the same real-world supplier.
type VendorGroup struct {
	GroupID       int64     `json:"group_id"` // canonical member's vendor ID
	CanonicalName string    `json:"canonical_name"`
	RFC           string    `json:"rfc,omitempty"` // resolved RFC, empty when no member carries one
	Individual    bool      `json:"individual"`
	MemberCount   int       `json:"member_count"`
	ContractCount int       `json:"contract_count"` // summed over members
	TotalAmount   float64   `json:"total_amount"`
	ResolvedAt    time.Time `json:"resolved_at"`
}

// VendorAlias maps one member vendor record to its group, with the
// evidence that attached it.
type VendorAlias struct {
	VendorID   int64       `json:"vendor_id"`
	GroupID    int64       `json:"group_id"`
	Name       string      `json:"name"`
	Method     MatchMethod `json:"method"`
	Confidence float64     `json:"confidence"`
}

// GroundTruthVendor labels a vendor group with a confirmed outcome from
// an external list (SFP sanctions, SAT article 69-B, court records).
type GroundTruthVendor struct {
	GroupID int64  `json:"group_id"`
	Source  string `json:"source"`
	Label   bool   `json:"label"` // true = confirmed sanction or conviction
	Year    int    `json:"year,omitempty"`
}
