package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExtractionRules drives the title extraction strategies: a brand dictionary
// with aliases, known model phrases, and the size patterns for the locales a
// marketplace writes tire dimensions in. New marketplaces are supported by
// editing the rules file, not the extraction code.
type ExtractionRules struct {
	KnownBrands       []string          `yaml:"known_brands"`
	BrandAliases      map[string]string `yaml:"brand_aliases"`
	KnownModelPhrases []string          `yaml:"known_model_phrases"`
	ModelAliases      map[string]string `yaml:"model_aliases"`
	SizePatterns      []string          `yaml:"size_patterns"`
}

var defaultKnownBrands = []string{
	"goodyear", "pirelli", "michelin", "dunlop", "bridgestone", "continental",
	"hankook", "bfgoodrich", "firestone", "kumho", "maxxis", "yokohama",
	"toyo", "nitto", "general", "cooper", "falken", "nexen", "sumitomo",
}

var defaultKnownModelPhrases = []string{
	"kelly edge", "formula evo", "sp touring", "assurance maxlife",
	"assurance", "efficientgrip", "wrangler", "eagle sport", "eagle",
	"energy xm2", "energy", "direction", "kelly", "primacy 4", "sp sport",
	"cinturato p7", "powercontact",
}

// Size tokens like "175/70R13", tolerating "-" separators, spaces and a
// missing or lower-case R, as seen across the supported marketplaces.
var defaultSizePatterns = []string{
	`(\d{3})\s*[/\-]\s*(\d{2,3})\s*[rR]?\s*[- ]?\s*(\d{2})`,
}

// DefaultExtractionRules returns the built-in dictionary set.
func DefaultExtractionRules() *ExtractionRules {
	r := &ExtractionRules{
		KnownBrands:       append([]string(nil), defaultKnownBrands...),
		BrandAliases:      map[string]string{"kelly": "goodyear"},
		KnownModelPhrases: append([]string(nil), defaultKnownModelPhrases...),
		ModelAliases:      map[string]string{"power contact": "powercontact", "cint p7": "cinturato p7"},
		SizePatterns:      append([]string(nil), defaultSizePatterns...),
	}
	r.normalize()
	return r
}

// LoadExtractionRules loads rules from the given path, merging over the
// defaults. An empty path returns the defaults unchanged.
func LoadExtractionRules(path string) (*ExtractionRules, error) {
	rules := DefaultExtractionRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var loaded ExtractionRules
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	if len(loaded.KnownBrands) > 0 {
		rules.KnownBrands = loaded.KnownBrands
	}
	if len(loaded.BrandAliases) > 0 {
		rules.BrandAliases = loaded.BrandAliases
	}
	if len(loaded.KnownModelPhrases) > 0 {
		rules.KnownModelPhrases = loaded.KnownModelPhrases
	}
	if len(loaded.ModelAliases) > 0 {
		rules.ModelAliases = loaded.ModelAliases
	}
	if len(loaded.SizePatterns) > 0 {
		rules.SizePatterns = loaded.SizePatterns
	}

	rules.normalize()
	return rules, nil
}

// normalize lower-cases and deduplicates every dictionary so lookups can
// assume canonical form. Longer model phrases sort first so the most specific
// phrase wins during extraction.
func (r *ExtractionRules) normalize() {
	r.KnownBrands = dedupLower(r.KnownBrands)

	aliases := make(map[string]string, len(r.BrandAliases))
	for k, v := range r.BrandAliases {
		aliases[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(v))
	}
	r.BrandAliases = aliases

	r.KnownModelPhrases = dedupLower(r.KnownModelPhrases)
	sort.SliceStable(r.KnownModelPhrases, func(i, j int) bool {
		if len(r.KnownModelPhrases[i]) != len(r.KnownModelPhrases[j]) {
			return len(r.KnownModelPhrases[i]) > len(r.KnownModelPhrases[j])
		}
		return r.KnownModelPhrases[i] < r.KnownModelPhrases[j]
	})

	maliases := make(map[string]string, len(r.ModelAliases))
	for k, v := range r.ModelAliases {
		maliases[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(v))
	}
	r.ModelAliases = maliases
}

func dedupLower(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
