package processor

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"priceflow/logger"
	"priceflow/models"
)

// AggregateOptions tunes one aggregation run. The zero value gives the
// default behavior: median media_correta, evidence capped at 32 files,
// degraded identities excluded, no daily price band.
type AggregateOptions struct {
	TrimOutliers     bool
	EvidenceMaxFiles int
	IncludeDegraded  bool
	DailyPriceMin    decimal.NullDecimal
	DailyPriceMax    decimal.NullDecimal
	// ExcludeKeys drops keys whose identity is in conflict; their listings
	// stay in the store but produce no aggregates this run.
	ExcludeKeys map[models.CanonicalKey]struct{}
}

// Aggregate partitions the listing set by canonical key and by (key, day)
// and computes the distributional statistics for each group. The listing
// slice is not mutated. Re-running over the same set yields byte-identical
// rows: groups are sorted by the (collected_at, source_file, url) total
// order before reduction, so arrival order never matters.
func Aggregate(listings []models.NormalizedListing, opts AggregateOptions) ([]models.CanonicalSummary, []models.DailyAggregate) {
	if opts.EvidenceMaxFiles <= 0 {
		opts.EvidenceMaxFiles = 32
	}

	sorted := make([]models.NormalizedListing, len(listings))
	copy(sorted, listings)
	sortListings(sorted)

	byKey := make(map[models.CanonicalKey][]models.NormalizedListing)
	var keyOrder []models.CanonicalKey
	for _, l := range sorted {
		if _, excluded := opts.ExcludeKeys[l.Key]; excluded {
			continue
		}
		triplet := NormalizeTriplet(models.Triplet{Brand: l.Brand, Model: l.Model, Size: l.Size})
		if !triplet.Complete() && !opts.IncludeDegraded {
			continue
		}
		if _, seen := byKey[l.Key]; !seen {
			keyOrder = append(keyOrder, l.Key)
		}
		byKey[l.Key] = append(byKey[l.Key], l)
	}
	sort.Slice(keyOrder, func(i, j int) bool { return keyOrder[i] < keyOrder[j] })

	summaries := make([]models.CanonicalSummary, 0, len(keyOrder))
	var dailies []models.DailyAggregate

	for _, key := range keyOrder {
		group := byKey[key]
		summaries = append(summaries, summarize(key, group, opts))
		dailies = append(dailies, aggregateDaily(key, group, opts)...)
	}

	sort.Slice(dailies, func(i, j int) bool {
		if dailies[i].Key != dailies[j].Key {
			return dailies[i].Key < dailies[j].Key
		}
		return dailies[i].Date < dailies[j].Date
	})

	logger.GetLogger().WithComponent("aggregator").WithFields(logger.Fields{
		"listings":  len(listings),
		"summaries": len(summaries),
		"dailies":   len(dailies),
	}).Info("aggregation complete")

	return summaries, dailies
}

// sortListings applies the total order (collected_at, source_file, url) that
// every provenance tie-break in this package relies on.
func sortListings(listings []models.NormalizedListing) {
	sort.SliceStable(listings, func(i, j int) bool {
		a, b := listings[i], listings[j]
		if !a.CollectedAt.Equal(b.CollectedAt) {
			return a.CollectedAt.Before(b.CollectedAt)
		}
		if a.SourceFile != b.SourceFile {
			return a.SourceFile < b.SourceFile
		}
		return a.URL < b.URL
	})
}

func summarize(key models.CanonicalKey, group []models.NormalizedListing, opts AggregateOptions) models.CanonicalSummary {
	first := group[0]
	triplet := NormalizeTriplet(models.Triplet{Brand: first.Brand, Model: first.Model, Size: first.Size})

	s := models.CanonicalSummary{
		Key:       key,
		Brand:     triplet.Brand,
		Model:     triplet.Model,
		Size:      triplet.Size,
		NListings: len(group),
	}

	marketSet := make(map[string]struct{})
	evidenceSeen := make(map[string]struct{})
	var prices []decimal.Decimal

	for _, l := range group {
		marketSet[l.Marketplace] = struct{}{}

		if _, seen := evidenceSeen[l.SourceFile]; !seen {
			evidenceSeen[l.SourceFile] = struct{}{}
			if len(s.EvidenceFiles) < opts.EvidenceMaxFiles {
				s.EvidenceFiles = append(s.EvidenceFiles, l.SourceFile)
			} else {
				s.EvidenceOmitted++
			}
		}

		if l.HasPrice() {
			prices = append(prices, l.CleanedPrice.Decimal)
		}
	}

	s.Marketplaces = make([]string, 0, len(marketSet))
	for m := range marketSet {
		s.Marketplaces = append(s.Marketplaces, m)
	}
	sort.Strings(s.Marketplaces)

	s.NPriced = len(prices)
	if len(prices) == 0 {
		return s
	}

	sortPrices(prices)
	s.MinPrice = prices[0]
	s.MaxPrice = prices[len(prices)-1]
	s.MeanPrice = meanPrice(prices)
	s.MedianPrice = percentile(prices, 0.50)
	s.P10 = percentile(prices, 0.10)
	s.P90 = percentile(prices, 0.90)

	if opts.TrimOutliers {
		trimmed := make([]decimal.Decimal, 0, len(prices))
		for _, p := range prices {
			if p.Cmp(s.P10) >= 0 && p.Cmp(s.P90) <= 0 {
				trimmed = append(trimmed, p)
			}
		}
		s.Trimmed = len(prices) - len(trimmed)
		if len(trimmed) > 0 {
			s.MediaCorreta = meanPrice(trimmed)
		} else {
			s.MediaCorreta = s.MedianPrice
		}
	} else {
		s.MediaCorreta = s.MedianPrice
	}

	return s
}

func aggregateDaily(key models.CanonicalKey, group []models.NormalizedListing, opts AggregateOptions) []models.DailyAggregate {
	byDate := make(map[string][]decimal.Decimal)
	filtered := make(map[string]int)
	var dates []string

	for _, l := range group {
		if !l.HasPrice() {
			continue
		}
		date := l.CollectedAt.UTC().Format("2006-01-02")
		if _, seen := byDate[date]; !seen {
			byDate[date] = nil
			dates = append(dates, date)
		}
		price := l.CleanedPrice.Decimal
		if opts.DailyPriceMin.Valid && price.Cmp(opts.DailyPriceMin.Decimal) < 0 ||
			opts.DailyPriceMax.Valid && price.Cmp(opts.DailyPriceMax.Decimal) > 0 {
			filtered[date]++
			continue
		}
		byDate[date] = append(byDate[date], price)
	}
	sort.Strings(dates)

	out := make([]models.DailyAggregate, 0, len(dates))
	for _, date := range dates {
		prices := byDate[date]
		if len(prices) == 0 {
			continue
		}
		sortPrices(prices)
		out = append(out, models.DailyAggregate{
			Key:      key,
			Date:     date,
			CompP10:  percentile(prices, 0.10),
			CompP50:  percentile(prices, 0.50),
			CompP90:  percentile(prices, 0.90),
			CompMin:  prices[0],
			CompMax:  prices[len(prices)-1],
			NPriced:  len(prices),
			Filtered: filtered[date],
		})
	}
	return out
}

func sortPrices(prices []decimal.Decimal) {
	sort.Slice(prices, func(i, j int) bool { return prices[i].Cmp(prices[j]) < 0 })
}

func meanPrice(prices []decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, p := range prices {
		sum = sum.Add(p)
	}
	return sum.DivRound(decimal.NewFromInt(int64(len(prices))), 2)
}

// percentile computes the q-quantile of an ascending price vector by linear
// interpolation between the two nearest ranks. The same rule is applied to
// summaries and daily aggregates so the two stay comparable.
func percentile(sorted []decimal.Decimal, q float64) decimal.Decimal {
	n := len(sorted)
	if n == 0 {
		return decimal.Decimal{}
	}
	if n == 1 {
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := decimal.NewFromFloat(pos - float64(lo))
	return sorted[lo].Add(sorted[hi].Sub(sorted[lo]).Mul(frac)).Round(2)
}

// VerifyMarketplaces asserts that each summary's marketplace set equals the
// set observed across its member listings. A divergence is a correctness
// bug in aggregation, never a warning to suppress.
func VerifyMarketplaces(summaries []models.CanonicalSummary, listings []models.NormalizedListing) error {
	observed := make(map[models.CanonicalKey]map[string]struct{})
	for _, l := range listings {
		set, ok := observed[l.Key]
		if !ok {
			set = make(map[string]struct{})
			observed[l.Key] = set
		}
		set[l.Marketplace] = struct{}{}
	}

	for _, s := range summaries {
		set := observed[s.Key]
		if len(set) != len(s.Marketplaces) {
			return fmt.Errorf("marketplace divergence for %s: summary has %d, listings have %d",
				s.Key, len(s.Marketplaces), len(set))
		}
		for _, m := range s.Marketplaces {
			if _, ok := set[m]; !ok {
				return fmt.Errorf("marketplace divergence for %s: %q not observed in listings", s.Key, m)
			}
		}
	}
	return nil
}
