package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InternalRecord is a cost/stock snapshot for a product on a given day,
// supplied by the internal-data loader. Read-only input.
type InternalRecord struct {
	Key       CanonicalKey        `json:"sku_key"`
	Date      string              `json:"date"`
	CostPrice decimal.NullDecimal `json:"cost_price"`
	SalePrice decimal.NullDecimal `json:"sale_price"`
	Stock     int                 `json:"stock"`
}

// PriceRule carries the business constraints for one canonical product.
// At most one active rule per key.
type PriceRule struct {
	Key       CanonicalKey        `json:"sku_key" yaml:"sku_key"`
	MAPPrice  decimal.NullDecimal `json:"map_price" yaml:"map_price"`
	MinMargin decimal.NullDecimal `json:"min_margin" yaml:"min_margin"`
	MinPrice  decimal.NullDecimal `json:"min_price" yaml:"min_price"`
	MaxPrice  decimal.NullDecimal `json:"max_price" yaml:"max_price"`
}

// DemandEstimate is produced by the external demand/elasticity estimator.
type DemandEstimate struct {
	Key            CanonicalKey `json:"sku_key"`
	Date           string       `json:"date"`
	ExpectedDemand float64      `json:"expected_demand"`
	Elasticity     float64      `json:"elasticity"`
	Confidence     float64      `json:"confidence"`
}

// Rationale flags: which bounding steps actually moved the candidate.
const (
	ReasonElasticityAdjusted = "elasticity-adjusted"
	ReasonClampedByRule      = "clamped-by-rule"
	ReasonFlooredByMAP       = "floored-by-map"
	ReasonFlooredByMargin    = "floored-by-margin"
	ReasonStockBiasApplied   = "stock-bias-applied"
	ReasonCharmRounded       = "charm-rounded"
	ReasonMarginUnverified   = "margin-unverified"
	ReasonNoMarketEvidence   = "no-market-evidence"
	ReasonLowEvidence        = "low-evidence-discount"
)

// Suggestion is the engine's output for one (key, date). Append-only: every
// run writes a fresh row under its own RunID.
type Suggestion struct {
	RunID          string          `json:"run_id"`
	Key            CanonicalKey    `json:"canonical_key"`
	Date           string          `json:"date"`
	SuggestedPrice decimal.Decimal `json:"suggested_price"`
	Confidence     float64         `json:"confidence"`
	Reasons        []string        `json:"reasons"`
	Rationale      string          `json:"rationale"`

	// Evidence links back to the rows the suggestion was computed from.
	Evidence  SuggestionEvidence `json:"evidence"`
	CreatedAt time.Time          `json:"created_at"`
}

// SuggestionEvidence snapshots the inputs that produced a suggestion.
type SuggestionEvidence struct {
	NListings     int                 `json:"n_listings"`
	MediaCorreta  decimal.NullDecimal `json:"media_correta"`
	DailyDate     string              `json:"daily_date,omitempty"`
	CostPrice     decimal.NullDecimal `json:"cost_price"`
	Stock         int                 `json:"stock"`
	EvidenceFiles []string            `json:"evidence_files"`
}

// Bounded reports whether any hard constraint (rule clamp, MAP or margin
// floor) moved the price.
func (s *Suggestion) Bounded() bool {
	for _, r := range s.Reasons {
		switch r {
		case ReasonClampedByRule, ReasonFlooredByMAP, ReasonFlooredByMargin:
			return true
		}
	}
	return false
}

// HasReason reports whether the given rationale flag was recorded.
func (s *Suggestion) HasReason(reason string) bool {
	for _, r := range s.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}
