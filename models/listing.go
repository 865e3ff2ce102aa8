package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawListing is a competitor offer exactly as captured by a scrape run.
// Immutable once read from an artifact; SourceFile points back to it.
type RawListing struct {
	Marketplace  string              `json:"marketplace"`
	Title        string              `json:"title"`
	URL          string              `json:"url"`
	Seller       string              `json:"seller"`
	RawPrice     string              `json:"raw_price"`
	CollectedAt  time.Time           `json:"collected_at"`
	Availability string              `json:"availability"`
	Freight      decimal.NullDecimal `json:"freight"`
	DeliveryDays int                 `json:"delivery_days"`
	SourceFile   string              `json:"source_file"`
}

// NormalizedListing is a RawListing plus the attributes extracted from its
// title and a cleaned price. It is derived state: reprocessing a RawListing
// always rebuilds it from scratch.
type NormalizedListing struct {
	RawListing

	Brand        string              `json:"brand"`
	Model        string              `json:"model"`
	Size         string              `json:"size"`
	CleanedPrice decimal.NullDecimal `json:"cleaned_price"`
	Key          CanonicalKey        `json:"canonical_key"`
}

// HasPrice reports whether price cleaning produced a usable value.
func (n *NormalizedListing) HasPrice() bool {
	return n.CleanedPrice.Valid
}

// NormalizationFailure records a raw listing that could not be admitted into
// the pipeline because a field required for identity or time is missing.
// Failures travel alongside successful output, never abort a batch.
type NormalizationFailure struct {
	Raw    RawListing `json:"raw"`
	Field  string     `json:"field"`
	Reason string     `json:"reason"`
}

func (f *NormalizationFailure) Error() string {
	return "normalization failed: " + f.Reason
}

// PriceParseFailure records a listing whose price field could not be cleaned.
// The listing itself is retained (without a price) for audit.
type PriceParseFailure struct {
	Marketplace string `json:"marketplace"`
	URL         string `json:"url"`
	RawPrice    string `json:"raw_price"`
	SourceFile  string `json:"source_file"`
}

// RawBatch groups raw listings parsed from a single scrape artifact.
type RawBatch struct {
	SourceFile string       `json:"source_file"`
	Listings   []RawListing `json:"listings"`
	ReadAt     time.Time    `json:"read_at"`
}

// NormBatch carries the output of the normalizer stage for one artifact.
type NormBatch struct {
	SourceFile    string                 `json:"source_file"`
	Listings      []NormalizedListing    `json:"listings"`
	Failures      []NormalizationFailure `json:"failures"`
	PriceFailures []PriceParseFailure    `json:"price_failures"`
	ProcessedAt   time.Time              `json:"processed_at"`
}
