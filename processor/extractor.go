package processor

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	appconfig "priceflow/config"
)

var (
	nonTextRe    = regexp.MustCompile(`[^a-z0-9 /\-]`)
	multiSpaceRe = regexp.MustCompile(`\s+`)
	slugRe       = regexp.MustCompile(`[^a-z0-9]+`)
)

var accentFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormText lower-cases, folds accents and collapses a free-text field into
// the alphabet the dictionaries are written in.
func NormText(s string) string {
	s = strings.ToLower(s)
	if folded, _, err := transform.String(accentFolder, s); err == nil {
		s = folded
	}
	s = nonTextRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(multiSpaceRe.ReplaceAllString(s, " "))
}

// Slug reduces a normalized attribute to the canonical key alphabet.
func Slug(s string) string {
	return strings.Trim(slugRe.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// TitleExtractor extracts brand, model and size attributes from listing
// titles using the ordered dictionary rules loaded from configuration.
// Extraction is best effort: a miss yields an empty attribute, never an
// error, and downstream stages carry empties through.
type TitleExtractor struct {
	rules        *appconfig.ExtractionRules
	sizeRes      []*regexp.Regexp
	brandAliases []string
	stopToks     map[string]struct{}
}

// NewTitleExtractor compiles the size patterns and prepares lookups.
func NewTitleExtractor(rules *appconfig.ExtractionRules) (*TitleExtractor, error) {
	e := &TitleExtractor{
		rules: rules,
		stopToks: map[string]struct{}{
			"pneu": {}, "aro": {}, "tire": {}, "t": {}, "p": {}, "h": {}, "v": {},
			"82": {}, "82t": {}, "86": {}, "88": {},
		},
	}
	for _, pat := range rules.SizePatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("invalid size pattern %q: %w", pat, err)
		}
		if re.NumSubexp() != 3 {
			return nil, fmt.Errorf("size pattern %q must capture width/aspect/rim", pat)
		}
		e.sizeRes = append(e.sizeRes, re)
	}
	// Alias lookup order must not depend on map iteration: a title matching
	// two aliases has to resolve to the same brand on every run.
	for alias := range rules.BrandAliases {
		e.brandAliases = append(e.brandAliases, alias)
	}
	sort.Strings(e.brandAliases)
	return e, nil
}

// ExtractSize returns the dimension code in canonical WWW/AARDD form, or "".
func (e *TitleExtractor) ExtractSize(title string) string {
	t := NormText(title)
	for _, re := range e.sizeRes {
		if m := re.FindStringSubmatch(t); m != nil {
			return fmt.Sprintf("%s/%sR%s", m[1], m[2], m[3])
		}
	}
	return ""
}

// ExtractBrand looks for a known brand token, then an alias, in the title.
func (e *TitleExtractor) ExtractBrand(title string) string {
	t := " " + NormText(title) + " "
	for _, kb := range e.rules.KnownBrands {
		if strings.Contains(t, " "+kb+" ") {
			return kb
		}
	}
	for _, alias := range e.brandAliases {
		if strings.Contains(t, " "+alias+" ") {
			return e.rules.BrandAliases[alias]
		}
	}
	return ""
}

// ExtractModel tries the known phrase table first (most specific phrase
// wins), then falls back to the tokens following the brand in the title.
func (e *TitleExtractor) ExtractModel(title, brand string) string {
	t := NormText(title)
	for _, phrase := range e.rules.KnownModelPhrases {
		if phrase != "" && strings.Contains(t, phrase) {
			return e.canonModel(phrase)
		}
	}
	if brand != "" {
		if _, after, found := strings.Cut(t, brand); found {
			var toks []string
			for _, w := range strings.Fields(after) {
				if _, stop := e.stopToks[w]; stop {
					continue
				}
				if e.looksLikeSize(w) {
					continue
				}
				toks = append(toks, w)
				if len(toks) == 2 {
					break
				}
			}
			if len(toks) > 0 {
				return e.canonModel(strings.Join(toks, " "))
			}
		}
	}
	return ""
}

func (e *TitleExtractor) canonModel(model string) string {
	if target, ok := e.rules.ModelAliases[model]; ok {
		return target
	}
	return model
}

func (e *TitleExtractor) looksLikeSize(tok string) bool {
	for _, re := range e.sizeRes {
		if re.MatchString(tok) {
			return true
		}
	}
	// rim shorthand like r13
	if len(tok) == 3 && tok[0] == 'r' && tok[1] >= '0' && tok[1] <= '9' {
		return true
	}
	return false
}
