package pricing

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	appconfig "priceflow/config"
	"priceflow/models"
)

func testConfig() *appconfig.Config {
	return &appconfig.Config{
		Suggestion: appconfig.SuggestionConfig{
			DefaultMargin:        0.35,
			LowStockThreshold:    5,
			StockBiasPct:         0.05,
			AdjustGain:           0.10,
			MaxAdjustPct:         0.10,
			SignificanceDiscount: 0.5,
			NoEvidenceConfidence: 0.2,
		},
	}
}

func mustStore(t *testing.T, rules []models.PriceRule) *RuleStore {
	t.Helper()
	s, err := NewRuleStore(rules)
	if err != nil {
		t.Fatalf("rule store: %v", err)
	}
	return s
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ndec(s string) decimal.NullDecimal { return decimal.NewNullDecimal(dec(s)) }

func TestSuggestElasticityAdjustedAndCharmRounded(t *testing.T) {
	engine := NewEngine(testConfig(), mustStore(t, nil))

	in := Inputs{
		Summary: models.CanonicalSummary{
			Key:           "goodyear-kelly-edge-175-70r13",
			NListings:     2,
			NPriced:       2,
			Marketplaces:  []string{"amazon", "mercadolivre"},
			MediaCorreta:  dec("117.65"),
			EvidenceFiles: []string{"amazon/2026-08-20.csv", "mercadolivre/2026-08-20.csv"},
		},
		Internal: &models.InternalRecord{Key: "goodyear-kelly-edge-175-70r13", CostPrice: ndec("98.50"), Stock: 42},
		Demand:   &models.DemandEstimate{Key: "goodyear-kelly-edge-175-70r13", ExpectedDemand: 37, Elasticity: -1.23, Confidence: 0.82},
	}

	s, err := engine.Suggest("run-1", "2026-08-20", in)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if !s.SuggestedPrice.Equal(dec("124.90")) {
		t.Fatalf("price = %s, want 124.90", s.SuggestedPrice)
	}
	if s.Confidence != 0.82 {
		t.Fatalf("confidence = %v", s.Confidence)
	}
	if !s.HasReason(models.ReasonElasticityAdjusted) || !s.HasReason(models.ReasonCharmRounded) {
		t.Fatalf("reasons = %v", s.Reasons)
	}
	if s.Bounded() {
		t.Fatalf("no rule is active, price must not be bounded: %v", s.Reasons)
	}
	for _, f := range in.Summary.EvidenceFiles {
		if !strings.Contains(s.Rationale, f) {
			t.Fatalf("rationale does not reference %s: %s", f, s.Rationale)
		}
	}
}

func TestSuggestFloorsAlwaysWin(t *testing.T) {
	rules := []models.PriceRule{{
		Key:       "goodyear-eagle-185-65r15",
		MAPPrice:  ndec("100.00"),
		MinMargin: ndec("0.10"),
	}}
	engine := NewEngine(testConfig(), mustStore(t, rules))

	in := Inputs{
		Summary: models.CanonicalSummary{
			Key:          "goodyear-eagle-185-65r15",
			NListings:    3,
			NPriced:      3,
			Marketplaces: []string{"magalu"},
			MediaCorreta: dec("90.00"),
		},
		Internal: &models.InternalRecord{Key: "goodyear-eagle-185-65r15", CostPrice: ndec("98.50"), Stock: 42},
	}

	s, err := engine.Suggest("run-1", "2026-08-20", in)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	// charm rounding must step up, never under the 108.35 margin floor
	if !s.SuggestedPrice.Equal(dec("108.90")) {
		t.Fatalf("price = %s, want 108.90", s.SuggestedPrice)
	}
	if s.SuggestedPrice.Cmp(dec("108.35")) < 0 {
		t.Fatalf("price %s below margin floor", s.SuggestedPrice)
	}
	if !s.HasReason(models.ReasonFlooredByMAP) || !s.HasReason(models.ReasonFlooredByMargin) {
		t.Fatalf("both floors must be recorded: %v", s.Reasons)
	}
	if !s.Bounded() {
		t.Fatal("floored suggestion must report as bounded")
	}
	for _, frag := range []string{"MAP", "margin"} {
		if !strings.Contains(s.Rationale, frag) {
			t.Fatalf("rationale missing %q: %s", frag, s.Rationale)
		}
	}
}

func TestSuggestCharmDisabled(t *testing.T) {
	cfg := testConfig()
	off := false
	cfg.Suggestion.CharmPrices = &off
	engine := NewEngine(cfg, mustStore(t, nil))

	in := Inputs{
		Summary: models.CanonicalSummary{Key: "k", NPriced: 2, MediaCorreta: dec("117.65")},
		Internal: &models.InternalRecord{Key: "k", CostPrice: ndec("98.50"), Stock: 42},
		Demand:   &models.DemandEstimate{Key: "k", Elasticity: -1.23, Confidence: 0.82},
	}
	s, err := engine.Suggest("run-1", "2026-08-20", in)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if !s.SuggestedPrice.Equal(dec("125.30")) {
		t.Fatalf("price = %s, want 125.30", s.SuggestedPrice)
	}
	if s.HasReason(models.ReasonCharmRounded) {
		t.Fatalf("charm reason recorded while disabled: %v", s.Reasons)
	}
}

func TestSuggestRuleBandClamp(t *testing.T) {
	rules := []models.PriceRule{{
		Key:      "k",
		MinPrice: ndec("120.00"),
		MaxPrice: ndec("130.00"),
	}}
	engine := NewEngine(testConfig(), mustStore(t, rules))

	in := Inputs{Summary: models.CanonicalSummary{Key: "k", NPriced: 4, MediaCorreta: dec("150.00")}}
	s, err := engine.Suggest("run-1", "2026-08-20", in)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if s.SuggestedPrice.Cmp(dec("130.00")) > 0 {
		t.Fatalf("price %s above rule max", s.SuggestedPrice)
	}
	if !s.HasReason(models.ReasonClampedByRule) {
		t.Fatalf("reasons = %v", s.Reasons)
	}
	// no cost data: margin floor could not be verified
	if !s.HasReason(models.ReasonMarginUnverified) {
		t.Fatalf("reasons = %v", s.Reasons)
	}
}

func TestSuggestNoMarketEvidenceCostPlus(t *testing.T) {
	engine := NewEngine(testConfig(), mustStore(t, nil))

	in := Inputs{
		Summary:  models.CanonicalSummary{Key: "k", NListings: 1},
		Internal: &models.InternalRecord{Key: "k", CostPrice: ndec("100.00"), Stock: 42},
	}
	s, err := engine.Suggest("run-1", "2026-08-20", in)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	// 100 * 1.35 = 135.00, charm-rounded down to 134.90
	if !s.SuggestedPrice.Equal(dec("134.90")) {
		t.Fatalf("price = %s", s.SuggestedPrice)
	}
	if !s.HasReason(models.ReasonNoMarketEvidence) {
		t.Fatalf("reasons = %v", s.Reasons)
	}
	if s.Confidence != 0.2 {
		t.Fatalf("confidence = %v", s.Confidence)
	}
}

func TestSuggestNothingToPriceFrom(t *testing.T) {
	engine := NewEngine(testConfig(), mustStore(t, nil))
	if _, err := engine.Suggest("run-1", "2026-08-20", Inputs{Summary: models.CanonicalSummary{Key: "k"}}); err == nil {
		t.Fatal("expected error with no evidence and no cost")
	}
}

func TestSuggestLowStockBias(t *testing.T) {
	engine := NewEngine(testConfig(), mustStore(t, nil))

	in := Inputs{
		Summary:  models.CanonicalSummary{Key: "k", NPriced: 3, MediaCorreta: dec("100.00")},
		Internal: &models.InternalRecord{Key: "k", CostPrice: ndec("60.00"), Stock: 2},
	}
	s, err := engine.Suggest("run-1", "2026-08-20", in)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	// 100 * 1.05 = 105.00, charm-rounded to 104.90
	if !s.SuggestedPrice.Equal(dec("104.90")) {
		t.Fatalf("price = %s", s.SuggestedPrice)
	}
	if !s.HasReason(models.ReasonStockBiasApplied) {
		t.Fatalf("reasons = %v", s.Reasons)
	}
}

func TestSuggestLowStockBiasAtThreshold(t *testing.T) {
	engine := NewEngine(testConfig(), mustStore(t, nil))

	// stock exactly at the threshold still counts as low
	in := Inputs{
		Summary:  models.CanonicalSummary{Key: "k", NPriced: 3, MediaCorreta: dec("100.00")},
		Internal: &models.InternalRecord{Key: "k", CostPrice: ndec("60.00"), Stock: 5},
	}
	s, err := engine.Suggest("run-1", "2026-08-20", in)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if !s.HasReason(models.ReasonStockBiasApplied) {
		t.Fatalf("reasons = %v", s.Reasons)
	}
	if !s.SuggestedPrice.Equal(dec("104.90")) {
		t.Fatalf("price = %s", s.SuggestedPrice)
	}

	// one above the threshold is not low stock
	in.Internal = &models.InternalRecord{Key: "k", CostPrice: ndec("60.00"), Stock: 6}
	s, err = engine.Suggest("run-1", "2026-08-20", in)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if s.HasReason(models.ReasonStockBiasApplied) {
		t.Fatalf("reasons = %v", s.Reasons)
	}
}

func TestSuggestSignificanceDiscount(t *testing.T) {
	cfg := testConfig()
	cfg.Suggestion.SignificanceMinListings = 3
	engine := NewEngine(cfg, mustStore(t, nil))

	in := Inputs{
		Summary: models.CanonicalSummary{Key: "k", NPriced: 1, MediaCorreta: dec("100.00")},
		Demand:  &models.DemandEstimate{Key: "k", Elasticity: -1.5, Confidence: 0.8},
	}
	s, err := engine.Suggest("run-1", "2026-08-20", in)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if s.Confidence != 0.4 {
		t.Fatalf("confidence = %v, want 0.4", s.Confidence)
	}
	if !s.HasReason(models.ReasonLowEvidence) {
		t.Fatalf("reasons = %v", s.Reasons)
	}
}

func TestRuleStoreValidation(t *testing.T) {
	if _, err := NewRuleStore([]models.PriceRule{{Key: "k"}, {Key: "k"}}); err == nil {
		t.Fatal("expected duplicate key error")
	}
	if _, err := NewRuleStore([]models.PriceRule{{Key: "k", MinMargin: ndec("1.5")}}); err == nil {
		t.Fatal("expected margin range error")
	}
	if _, err := NewRuleStore([]models.PriceRule{{Key: "k", MinPrice: ndec("10"), MaxPrice: ndec("5")}}); err == nil {
		t.Fatal("expected inverted band error")
	}
	if _, err := NewRuleStore([]models.PriceRule{{Key: ""}}); err == nil {
		t.Fatal("expected empty key error")
	}
}

func TestIndexInternalLatestWins(t *testing.T) {
	idx := IndexInternal([]models.InternalRecord{
		{Key: "k", Date: "2026-08-19", Stock: 1},
		{Key: "k", Date: "2026-08-20", Stock: 7},
	})
	if idx["k"].Stock != 7 {
		t.Fatalf("latest record not kept: %+v", idx["k"])
	}
}
