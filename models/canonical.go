package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SentinelAttr stands in for a brand, model or size that could not be
// extracted. Keys containing it are degraded identities: queryable, but
// excluded from aggregates unless explicitly configured in.
const SentinelAttr = "na"

// Triplet is the normalized (brand, model, size) identity of a product.
type Triplet struct {
	Brand string `json:"brand"`
	Model string `json:"model"`
	Size  string `json:"size"`
}

// Complete reports whether all three attributes were extracted.
func (t Triplet) Complete() bool {
	return t.Brand != "" && t.Brand != SentinelAttr &&
		t.Model != "" && t.Model != SentinelAttr &&
		t.Size != "" && t.Size != SentinelAttr
}

// CanonicalKey is the stable identifier a triplet resolves to. The same
// triplet must always produce the same key across runs and restarts.
type CanonicalKey string

func (k CanonicalKey) String() string { return string(k) }

// CanonicalSummary is one row per canonical product, rebuilt deterministically
// from the current normalized listing set. Price statistics cover priced
// listings only; NListings counts every member for provenance.
type CanonicalSummary struct {
	Key          CanonicalKey `json:"canonical_key"`
	Brand        string       `json:"brand"`
	Model        string       `json:"model"`
	Size         string       `json:"size"`
	NListings    int          `json:"n_listings"`
	NPriced      int          `json:"n_priced"`
	Marketplaces []string     `json:"marketplaces"`

	MinPrice    decimal.Decimal `json:"min_price"`
	MaxPrice    decimal.Decimal `json:"max_price"`
	MeanPrice   decimal.Decimal `json:"mean_price"`
	MedianPrice decimal.Decimal `json:"median_price"`
	P10         decimal.Decimal `json:"p10"`
	P90         decimal.Decimal `json:"p90"`

	// MediaCorreta is the certified representative price: the median, or the
	// p10-p90 trimmed mean when outlier trimming is configured.
	MediaCorreta decimal.Decimal `json:"media_correta"`
	// Trimmed is the number of priced listings excluded by trimming; zero
	// when trimming is off.
	Trimmed int `json:"trimmed"`

	EvidenceFiles   []string `json:"evidence_files"`
	EvidenceOmitted int      `json:"evidence_omitted"`
}

// DailyAggregate is one row per (canonical key, calendar day).
type DailyAggregate struct {
	Key     CanonicalKey    `json:"canonical_key"`
	Date    string          `json:"date"` // YYYY-MM-DD (UTC)
	CompP10 decimal.Decimal `json:"comp_p10"`
	CompP50 decimal.Decimal `json:"comp_p50"`
	CompP90 decimal.Decimal `json:"comp_p90"`
	CompMin decimal.Decimal `json:"comp_min"`
	CompMax decimal.Decimal `json:"comp_max"`
	// NPriced is the number of priced listings behind the row; Filtered is
	// how many were dropped by the configured price sanity band.
	NPriced  int `json:"n_priced"`
	Filtered int `json:"filtered"`
}

// IdentityConflict reports a violation of the key<->triplet bijection.
// Direction KeyToTriplets: one key observed with more than one triplet.
// Direction TripletToKeys: one triplet observed under more than one key.
// The engine never guesses which identity is correct; conflicted keys are
// excluded from aggregation and handed to operators for repair.
type IdentityConflict struct {
	Direction string       `json:"direction"`
	Key       CanonicalKey `json:"canonical_key"`
	Triplet   Triplet      `json:"triplet"`
	Variants  []string     `json:"variants"`
	Listings  int          `json:"listings"`
}

const (
	ConflictKeyToTriplets = "key_to_triplets"
	ConflictTripletToKeys = "triplet_to_keys"
)

// ConflictReport is the result of the full-set bijection scan.
type ConflictReport struct {
	Conflicts []IdentityConflict `json:"conflicts"`
	CheckedAt time.Time          `json:"checked_at"`
	Scanned   int                `json:"scanned"`
}

// Clean reports whether the scan found no violations.
func (r *ConflictReport) Clean() bool { return len(r.Conflicts) == 0 }

// ConflictedKeys returns every key touched by any conflict. For a
// triplet_to_keys conflict all the competing keys are included, since none
// of them can be trusted until the identity is repaired.
func (r *ConflictReport) ConflictedKeys() map[CanonicalKey]struct{} {
	keys := make(map[CanonicalKey]struct{}, len(r.Conflicts))
	for _, c := range r.Conflicts {
		keys[c.Key] = struct{}{}
		if c.Direction == ConflictTripletToKeys {
			for _, v := range c.Variants {
				keys[CanonicalKey(v)] = struct{}{}
			}
		}
	}
	return keys
}
