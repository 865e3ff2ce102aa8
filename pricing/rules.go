package pricing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"priceflow/logger"
	"priceflow/models"
)

// RuleStore holds the active business constraints, at most one rule per
// canonical key. Rules are read-only for the lifetime of a run.
type RuleStore struct {
	rules map[models.CanonicalKey]models.PriceRule
}

// NewRuleStore validates and indexes the given rules. A duplicate key or an
// internally inconsistent rule is a hard error: a silently dropped
// constraint could publish a price below contract.
func NewRuleStore(rules []models.PriceRule) (*RuleStore, error) {
	s := &RuleStore{rules: make(map[models.CanonicalKey]models.PriceRule, len(rules))}
	for _, r := range rules {
		if r.Key == "" {
			return nil, fmt.Errorf("price rule with empty sku_key")
		}
		if _, dup := s.rules[r.Key]; dup {
			return nil, fmt.Errorf("duplicate price rule for key %s", r.Key)
		}
		if r.MinMargin.Valid {
			m := r.MinMargin.Decimal
			if m.IsNegative() || m.InexactFloat64() >= 1 {
				return nil, fmt.Errorf("rule %s: min_margin %s out of [0, 1)", r.Key, m)
			}
		}
		if r.MinPrice.Valid && r.MaxPrice.Valid && r.MinPrice.Decimal.Cmp(r.MaxPrice.Decimal) > 0 {
			return nil, fmt.Errorf("rule %s: min_price %s above max_price %s",
				r.Key, r.MinPrice.Decimal, r.MaxPrice.Decimal)
		}
		s.rules[r.Key] = r
	}
	return s, nil
}

// LoadRuleStore reads a YAML rule file. An empty path yields an empty store:
// running without rules is valid, suggestions just go unbounded by contract.
func LoadRuleStore(path string) (*RuleStore, error) {
	if path == "" {
		return NewRuleStore(nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var doc struct {
		Rules []models.PriceRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	store, err := NewRuleStore(doc.Rules)
	if err != nil {
		return nil, err
	}

	logger.GetLogger().WithComponent("rules").WithFields(logger.Fields{
		"file":  path,
		"rules": len(doc.Rules),
	}).Info("price rules loaded")
	return store, nil
}

// Get returns the active rule for a key, if any.
func (s *RuleStore) Get(key models.CanonicalKey) (models.PriceRule, bool) {
	r, ok := s.rules[key]
	return r, ok
}

func (s *RuleStore) Len() int { return len(s.rules) }

// IndexInternal keeps the latest snapshot per key; records are dated
// YYYY-MM-DD so the lexicographic comparison is chronological.
func IndexInternal(records []models.InternalRecord) map[models.CanonicalKey]models.InternalRecord {
	out := make(map[models.CanonicalKey]models.InternalRecord, len(records))
	for _, r := range records {
		if prev, ok := out[r.Key]; ok && prev.Date > r.Date {
			continue
		}
		out[r.Key] = r
	}
	return out
}

// IndexDemand keeps the latest estimate per key.
func IndexDemand(estimates []models.DemandEstimate) map[models.CanonicalKey]models.DemandEstimate {
	out := make(map[models.CanonicalKey]models.DemandEstimate, len(estimates))
	for _, d := range estimates {
		if prev, ok := out[d.Key]; ok && prev.Date > d.Date {
			continue
		}
		out[d.Key] = d
	}
	return out
}
