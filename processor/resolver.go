package processor

import (
	"sort"
	"strings"
	"time"

	"priceflow/logger"
	"priceflow/models"
)

// ResolveKey derives the canonical key for a normalized triplet. The mapping
// is a pure function of the lower-cased, whitespace-normalized attributes:
// the same triplet observed on different days, runs or hosts always lands on
// the same key. Missing attributes are replaced with a sentinel so the
// listing stays queryable under a degraded identity.
func ResolveKey(t models.Triplet) models.CanonicalKey {
	parts := make([]string, 0, 3)
	for _, attr := range []string{t.Brand, t.Model, t.Size} {
		slug := Slug(NormText(attr))
		if slug == "" {
			slug = models.SentinelAttr
		}
		parts = append(parts, slug)
	}
	return models.CanonicalKey(strings.Join(parts, "-"))
}

// NormalizeTriplet returns the triplet in the canonical form keys are
// resolved from.
func NormalizeTriplet(t models.Triplet) models.Triplet {
	return models.Triplet{
		Brand: NormText(t.Brand),
		Model: NormText(t.Model),
		Size:  NormText(t.Size),
	}
}

// CheckConflicts scans the complete listing set for violations of the
// key<->triplet bijection: one key carrying more than one distinct triplet,
// or one triplet appearing under more than one key. The scan runs over the
// whole set before reporting anything, because a conflict may only become
// visible with the last listing. It never picks a winner; conflicted keys
// are reported with the offending variants and affected listing counts.
func CheckConflicts(listings []models.NormalizedListing) models.ConflictReport {
	report := models.ConflictReport{
		CheckedAt: time.Now().UTC(),
		Scanned:   len(listings),
	}

	type tripletSeen struct {
		triplet models.Triplet
		count   int
	}

	keyToTriplets := make(map[models.CanonicalKey]map[models.Triplet]int)
	tripletToKeys := make(map[models.Triplet]map[models.CanonicalKey]int)

	for _, l := range listings {
		triplet := NormalizeTriplet(models.Triplet{Brand: l.Brand, Model: l.Model, Size: l.Size})

		byTriplet, ok := keyToTriplets[l.Key]
		if !ok {
			byTriplet = make(map[models.Triplet]int)
			keyToTriplets[l.Key] = byTriplet
		}
		byTriplet[triplet]++

		byKey, ok := tripletToKeys[triplet]
		if !ok {
			byKey = make(map[models.CanonicalKey]int)
			tripletToKeys[triplet] = byKey
		}
		byKey[l.Key]++
	}

	for key, triplets := range keyToTriplets {
		if len(triplets) < 2 {
			continue
		}
		variants := make([]tripletSeen, 0, len(triplets))
		total := 0
		for t, n := range triplets {
			variants = append(variants, tripletSeen{triplet: t, count: n})
			total += n
		}
		sort.Slice(variants, func(i, j int) bool {
			a, b := variants[i].triplet, variants[j].triplet
			if a.Brand != b.Brand {
				return a.Brand < b.Brand
			}
			if a.Model != b.Model {
				return a.Model < b.Model
			}
			return a.Size < b.Size
		})
		names := make([]string, 0, len(variants))
		for _, v := range variants {
			names = append(names, v.triplet.Brand+"|"+v.triplet.Model+"|"+v.triplet.Size)
		}
		report.Conflicts = append(report.Conflicts, models.IdentityConflict{
			Direction: models.ConflictKeyToTriplets,
			Key:       key,
			Triplet:   variants[0].triplet,
			Variants:  names,
			Listings:  total,
		})
	}

	for triplet, keys := range tripletToKeys {
		if len(keys) < 2 {
			continue
		}
		names := make([]string, 0, len(keys))
		total := 0
		for k, n := range keys {
			names = append(names, k.String())
			total += n
		}
		sort.Strings(names)
		report.Conflicts = append(report.Conflicts, models.IdentityConflict{
			Direction: models.ConflictTripletToKeys,
			Key:       models.CanonicalKey(names[0]),
			Triplet:   triplet,
			Variants:  names,
			Listings:  total,
		})
	}

	// deterministic report order
	sort.Slice(report.Conflicts, func(i, j int) bool {
		a, b := report.Conflicts[i], report.Conflicts[j]
		if a.Direction != b.Direction {
			return a.Direction < b.Direction
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return a.Triplet.Brand+a.Triplet.Model+a.Triplet.Size < b.Triplet.Brand+b.Triplet.Model+b.Triplet.Size
	})

	if len(report.Conflicts) > 0 {
		logger.IncrementConflicts(len(report.Conflicts))
		logger.GetLogger().WithComponent("resolver").WithFields(logger.Fields{
			"conflicts": len(report.Conflicts),
			"scanned":   report.Scanned,
		}).Warn("canonical identity conflicts detected")
	}

	return report
}
