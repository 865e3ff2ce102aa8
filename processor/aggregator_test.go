package processor

import (
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"priceflow/models"
)

func pricedListing(key models.CanonicalKey, market, file, url, price string, at time.Time) models.NormalizedListing {
	l := models.NormalizedListing{
		Brand: "goodyear",
		Model: "eagle",
		Size:  "185/65R15",
		Key:   key,
	}
	l.Marketplace = market
	l.SourceFile = file
	l.URL = url
	l.CollectedAt = at
	if price != "" {
		l.CleanedPrice = decimal.NewNullDecimal(decimal.RequireFromString(price))
	}
	return l
}

func TestAggregateStats(t *testing.T) {
	day := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	key := models.CanonicalKey("goodyear-eagle-185-65r15")
	listings := []models.NormalizedListing{
		pricedListing(key, "amazon", "a.csv", "u1", "500", day),
		pricedListing(key, "mercadolivre", "a.csv", "u2", "100", day),
		pricedListing(key, "mercadolivre", "b.csv", "u3", "90", day),
		pricedListing(key, "magalu", "b.csv", "u4", "110", day),
		pricedListing(key, "magalu", "c.csv", "u5", "100", day),
		pricedListing(key, "magalu", "c.csv", "u6", "", day), // unpriced
	}

	summaries, dailies := Aggregate(listings, AggregateOptions{})
	if len(summaries) != 1 {
		t.Fatalf("summaries = %d", len(summaries))
	}
	s := summaries[0]

	if s.NListings != 6 || s.NPriced != 5 {
		t.Fatalf("counts = %d/%d", s.NListings, s.NPriced)
	}
	assertDecimal(t, "min", s.MinPrice, "90")
	assertDecimal(t, "max", s.MaxPrice, "500")
	assertDecimal(t, "mean", s.MeanPrice, "180")
	assertDecimal(t, "median", s.MedianPrice, "100")
	assertDecimal(t, "p10", s.P10, "94")
	assertDecimal(t, "p90", s.P90, "344")
	assertDecimal(t, "media_correta", s.MediaCorreta, "100")

	wantMarkets := []string{"amazon", "magalu", "mercadolivre"}
	if !reflect.DeepEqual(s.Marketplaces, wantMarkets) {
		t.Fatalf("marketplaces = %v", s.Marketplaces)
	}
	if !reflect.DeepEqual(s.EvidenceFiles, []string{"a.csv", "b.csv", "c.csv"}) {
		t.Fatalf("evidence = %v", s.EvidenceFiles)
	}

	if len(dailies) != 1 {
		t.Fatalf("dailies = %d", len(dailies))
	}
	d := dailies[0]
	if d.Date != "2026-08-20" || d.NPriced != 5 {
		t.Fatalf("daily = %+v", d)
	}
	assertDecimal(t, "comp_p50", d.CompP50, "100")
	assertDecimal(t, "comp_min", d.CompMin, "90")
	assertDecimal(t, "comp_max", d.CompMax, "500")

	if err := VerifyMarketplaces(summaries, listings); err != nil {
		t.Fatalf("marketplace verification: %v", err)
	}
}

func TestAggregateTrimmedMean(t *testing.T) {
	day := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	key := models.CanonicalKey("goodyear-eagle-185-65r15")
	listings := []models.NormalizedListing{
		pricedListing(key, "amazon", "a.csv", "u1", "500", day),
		pricedListing(key, "mercadolivre", "a.csv", "u2", "100", day),
		pricedListing(key, "mercadolivre", "b.csv", "u3", "90", day),
		pricedListing(key, "magalu", "b.csv", "u4", "110", day),
		pricedListing(key, "magalu", "c.csv", "u5", "100", day),
	}

	summaries, _ := Aggregate(listings, AggregateOptions{TrimOutliers: true})
	s := summaries[0]
	// 90 and 500 fall outside [p10, p90]
	if s.Trimmed != 2 {
		t.Fatalf("trimmed = %d", s.Trimmed)
	}
	assertDecimal(t, "media_correta", s.MediaCorreta, "103.33")
}

func TestAggregateTwoListingMedian(t *testing.T) {
	day := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	key := models.CanonicalKey("goodyear-eagle-185-65r15")
	listings := []models.NormalizedListing{
		pricedListing(key, "amazon", "a.csv", "u1", "115.40", day),
		pricedListing(key, "magalu", "a.csv", "u2", "119.90", day),
	}
	summaries, _ := Aggregate(listings, AggregateOptions{})
	assertDecimal(t, "median", summaries[0].MedianPrice, "117.65")
	assertDecimal(t, "media_correta", summaries[0].MediaCorreta, "117.65")
}

func TestAggregateIdempotent(t *testing.T) {
	day := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	key := models.CanonicalKey("goodyear-eagle-185-65r15")
	listings := []models.NormalizedListing{
		pricedListing(key, "amazon", "a.csv", "u1", "500", day),
		pricedListing(key, "mercadolivre", "b.csv", "u2", "100", day),
		pricedListing(key, "magalu", "c.csv", "u3", "90", day.Add(time.Hour)),
	}
	shuffled := []models.NormalizedListing{listings[2], listings[0], listings[1]}

	s1, d1 := Aggregate(listings, AggregateOptions{})
	s2, d2 := Aggregate(shuffled, AggregateOptions{})
	if !reflect.DeepEqual(s1, s2) {
		t.Fatalf("summaries differ across input orderings:\n%+v\n%+v", s1, s2)
	}
	if !reflect.DeepEqual(d1, d2) {
		t.Fatalf("dailies differ across input orderings")
	}
}

func TestAggregateExcludesDegradedAndConflicted(t *testing.T) {
	day := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	degraded := pricedListing("goodyear-na-185-65r15", "amazon", "a.csv", "u1", "100", day)
	degraded.Model = ""
	conflicted := pricedListing("pirelli-p7-205-55r16", "amazon", "a.csv", "u2", "100", day)
	conflicted.Brand, conflicted.Model, conflicted.Size = "pirelli", "p7", "205/55R16"
	clean := pricedListing("goodyear-eagle-185-65r15", "amazon", "a.csv", "u3", "100", day)

	opts := AggregateOptions{
		ExcludeKeys: map[models.CanonicalKey]struct{}{"pirelli-p7-205-55r16": {}},
	}
	summaries, _ := Aggregate([]models.NormalizedListing{degraded, conflicted, clean}, opts)
	if len(summaries) != 1 || summaries[0].Key != "goodyear-eagle-185-65r15" {
		t.Fatalf("summaries = %+v", summaries)
	}

	opts.IncludeDegraded = true
	summaries, _ = Aggregate([]models.NormalizedListing{degraded, conflicted, clean}, opts)
	if len(summaries) != 2 {
		t.Fatalf("expected degraded key included, got %+v", summaries)
	}
}

func TestAggregateDailyPriceBand(t *testing.T) {
	day := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	key := models.CanonicalKey("goodyear-eagle-185-65r15")
	listings := []models.NormalizedListing{
		pricedListing(key, "amazon", "a.csv", "u1", "1", day),
		pricedListing(key, "amazon", "a.csv", "u2", "100", day),
		pricedListing(key, "amazon", "a.csv", "u3", "99999", day),
	}
	opts := AggregateOptions{
		DailyPriceMin: decimal.NewNullDecimal(decimal.RequireFromString("10")),
		DailyPriceMax: decimal.NewNullDecimal(decimal.RequireFromString("10000")),
	}
	summaries, dailies := Aggregate(listings, opts)
	if len(dailies) != 1 {
		t.Fatalf("dailies = %d", len(dailies))
	}
	d := dailies[0]
	if d.NPriced != 1 || d.Filtered != 2 {
		t.Fatalf("daily band = %+v", d)
	}
	assertDecimal(t, "comp_min", d.CompMin, "100")
	// summaries keep the full distribution; the band is daily-only
	if summaries[0].NPriced != 3 {
		t.Fatalf("summary n_priced = %d", summaries[0].NPriced)
	}
}

func TestAggregateEvidenceCap(t *testing.T) {
	day := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	key := models.CanonicalKey("goodyear-eagle-185-65r15")
	listings := []models.NormalizedListing{
		pricedListing(key, "amazon", "a.csv", "u1", "100", day),
		pricedListing(key, "amazon", "b.csv", "u2", "100", day),
		pricedListing(key, "amazon", "c.csv", "u3", "100", day),
		pricedListing(key, "amazon", "c.csv", "u4", "100", day),
	}
	summaries, _ := Aggregate(listings, AggregateOptions{EvidenceMaxFiles: 2})
	s := summaries[0]
	if len(s.EvidenceFiles) != 2 || s.EvidenceOmitted != 1 {
		t.Fatalf("evidence = %v omitted %d", s.EvidenceFiles, s.EvidenceOmitted)
	}
}

func assertDecimal(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("%s = %s, want %s", name, got, want)
	}
}
