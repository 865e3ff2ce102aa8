package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestTripletComplete(t *testing.T) {
	full := Triplet{Brand: "goodyear", Model: "kelly edge", Size: "175/70R13"}
	if !full.Complete() {
		t.Fatalf("expected complete triplet")
	}
	for _, tr := range []Triplet{
		{Brand: SentinelAttr, Model: "kelly edge", Size: "175/70R13"},
		{Brand: "goodyear", Model: "", Size: "175/70R13"},
		{Brand: "goodyear", Model: "kelly edge", Size: SentinelAttr},
	} {
		if tr.Complete() {
			t.Errorf("triplet %+v should not be complete", tr)
		}
	}
}

func TestConflictReportKeys(t *testing.T) {
	r := ConflictReport{Conflicts: []IdentityConflict{
		{Direction: ConflictKeyToTriplets, Key: "k1"},
		{Direction: ConflictTripletToKeys, Key: "k2", Variants: []string{"k2", "k3"}},
		{Direction: ConflictKeyToTriplets, Key: "k1"},
	}}
	keys := r.ConflictedKeys()
	if len(keys) != 3 {
		t.Fatalf("unexpected conflicted keys: %v", keys)
	}
	for _, want := range []CanonicalKey{"k1", "k2", "k3"} {
		if _, ok := keys[want]; !ok {
			t.Fatalf("missing conflicted key %s in %v", want, keys)
		}
	}
	if r.Clean() {
		t.Fatalf("report with conflicts must not be clean")
	}
}

func TestSuggestionBounded(t *testing.T) {
	s := Suggestion{
		SuggestedPrice: decimal.RequireFromString("108.90"),
		Reasons:        []string{ReasonElasticityAdjusted, ReasonFlooredByMargin},
	}
	if !s.Bounded() {
		t.Fatalf("margin floor should count as bounded")
	}
	if !s.HasReason(ReasonFlooredByMargin) || s.HasReason(ReasonFlooredByMAP) {
		t.Fatalf("unexpected reasons: %v", s.Reasons)
	}

	free := Suggestion{Reasons: []string{ReasonElasticityAdjusted, ReasonCharmRounded}}
	if free.Bounded() {
		t.Fatalf("elasticity adjustment alone is not a bound")
	}
}
