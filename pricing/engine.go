package pricing

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	appconfig "priceflow/config"
	"priceflow/logger"
	"priceflow/models"
)

// baselineConfidence is used when market evidence exists but no demand
// estimate was supplied for the key.
const baselineConfidence = 0.5

// Engine computes one price suggestion per (key, date) from the join of
// market aggregates, internal cost/stock data, demand estimates and the
// rule store. The precedence is fixed: the elasticity-adjusted candidate is
// clamped by the rule band, then floored by MAP and by the margin floor,
// biased for low stock, and charm-rounded last. Floors always win; no step
// after a floor may move the price back under it.
type Engine struct {
	cfg   appconfig.SuggestionConfig
	charm bool
	rules *RuleStore
	log   *logger.Log
}

func NewEngine(cfg *appconfig.Config, rules *RuleStore) *Engine {
	return &Engine{
		cfg:   cfg.Suggestion,
		charm: cfg.Suggestion.CharmEnabled(),
		rules: rules,
		log:   logger.GetLogger(),
	}
}

// Inputs is the joined row the engine prices from. Summary is required;
// the rest is optional and its absence degrades the suggestion instead of
// failing it.
type Inputs struct {
	Summary  models.CanonicalSummary
	Daily    *models.DailyAggregate
	Internal *models.InternalRecord
	Demand   *models.DemandEstimate
}

// Suggest prices one key. It returns an error only when there is nothing to
// price from: no market evidence and no cost to fall back on.
func (e *Engine) Suggest(runID, date string, in Inputs) (models.Suggestion, error) {
	s := models.Suggestion{
		RunID:     runID,
		Key:       in.Summary.Key,
		Date:      date,
		CreatedAt: time.Now().UTC(),
		Evidence: models.SuggestionEvidence{
			NListings:     in.Summary.NListings,
			EvidenceFiles: in.Summary.EvidenceFiles,
		},
	}

	var cost decimal.Decimal
	hasCost := false
	if in.Internal != nil {
		s.Evidence.Stock = in.Internal.Stock
		if in.Internal.CostPrice.Valid && in.Internal.CostPrice.Decimal.IsPositive() {
			cost = in.Internal.CostPrice.Decimal
			hasCost = true
			s.Evidence.CostPrice = in.Internal.CostPrice
		}
	}

	rule, hasRule := e.rules.Get(in.Summary.Key)

	var rationale []string

	hasMarket := in.Summary.NPriced > 0 && in.Summary.MediaCorreta.IsPositive()
	var base decimal.Decimal
	switch {
	case hasMarket:
		base = in.Summary.MediaCorreta
		s.Evidence.MediaCorreta = decimal.NewNullDecimal(base)
		if in.Daily != nil {
			s.Evidence.DailyDate = in.Daily.Date
		}
		s.Confidence = baselineConfidence
		if in.Demand != nil {
			s.Confidence = in.Demand.Confidence
		}
		rationale = append(rationale, fmt.Sprintf("media_correta %s from %d priced listings across %s",
			base, in.Summary.NPriced, strings.Join(in.Summary.Marketplaces, ", ")))
	case hasCost:
		// cost-plus fallback when the market shows nothing for this key
		margin := decimal.NewFromFloat(e.cfg.DefaultMargin)
		if rule.MinMargin.Valid {
			margin = rule.MinMargin.Decimal
		}
		base = cost.Mul(decimal.NewFromInt(1).Add(margin)).Round(2)
		s.Reasons = append(s.Reasons, models.ReasonNoMarketEvidence)
		s.Confidence = e.cfg.NoEvidenceConfidence
		rationale = append(rationale, fmt.Sprintf("no market evidence, cost-plus %s at margin %s", base, margin))
	default:
		return models.Suggestion{}, fmt.Errorf("key %s: no market evidence and no cost price", in.Summary.Key)
	}

	price := base

	if hasMarket && hasCost && in.Demand != nil && in.Demand.Elasticity < 0 {
		adj := e.elasticityAdjustment(base, cost, in.Demand.Elasticity)
		if adj != 0 {
			price = base.Mul(decimal.NewFromFloat(1 + adj)).Round(2)
			s.Reasons = append(s.Reasons, models.ReasonElasticityAdjusted)
			rationale = append(rationale, fmt.Sprintf("elasticity %.2f moved price by %+.1f%%",
				in.Demand.Elasticity, adj*100))
		}
	}
	if !hasCost {
		s.Reasons = append(s.Reasons, models.ReasonMarginUnverified)
		rationale = append(rationale, "no cost price, margin floor unverified")
	}

	if hasRule {
		if rule.MinPrice.Valid && price.Cmp(rule.MinPrice.Decimal) < 0 {
			price = rule.MinPrice.Decimal
			s.Reasons = append(s.Reasons, models.ReasonClampedByRule)
			rationale = append(rationale, fmt.Sprintf("raised to rule min_price %s", price))
		}
		if rule.MaxPrice.Valid && price.Cmp(rule.MaxPrice.Decimal) > 0 {
			price = rule.MaxPrice.Decimal
			s.Reasons = append(s.Reasons, models.ReasonClampedByRule)
			rationale = append(rationale, fmt.Sprintf("capped at rule max_price %s", price))
		}
	}

	// hard floors, in ascending authority: the highest one is what charm
	// rounding must never cross
	activeFloor := decimal.Zero
	if hasRule && rule.MinPrice.Valid {
		activeFloor = decimal.Max(activeFloor, rule.MinPrice.Decimal)
	}
	if hasRule && rule.MAPPrice.Valid {
		activeFloor = decimal.Max(activeFloor, rule.MAPPrice.Decimal)
		if price.Cmp(rule.MAPPrice.Decimal) < 0 {
			price = rule.MAPPrice.Decimal
			s.Reasons = append(s.Reasons, models.ReasonFlooredByMAP)
			rationale = append(rationale, fmt.Sprintf("floored at MAP %s", price))
		}
	}
	if hasRule && rule.MinMargin.Valid && hasCost {
		marginFloor := cost.Mul(decimal.NewFromInt(1).Add(rule.MinMargin.Decimal)).Round(2)
		activeFloor = decimal.Max(activeFloor, marginFloor)
		if price.Cmp(marginFloor) < 0 {
			price = marginFloor
			s.Reasons = append(s.Reasons, models.ReasonFlooredByMargin)
			rationale = append(rationale, fmt.Sprintf("floored at margin %s over cost %s", rule.MinMargin.Decimal, cost))
		}
	}

	if in.Internal != nil && e.cfg.StockBiasPct > 0 &&
		in.Internal.Stock >= 0 && in.Internal.Stock <= e.cfg.LowStockThreshold {
		price = price.Mul(decimal.NewFromFloat(1 + e.cfg.StockBiasPct)).Round(2)
		s.Reasons = append(s.Reasons, models.ReasonStockBiasApplied)
		rationale = append(rationale, fmt.Sprintf("low stock %d, biased up %.0f%%",
			in.Internal.Stock, e.cfg.StockBiasPct*100))
		if hasRule && rule.MaxPrice.Valid && price.Cmp(rule.MaxPrice.Decimal) > 0 &&
			rule.MaxPrice.Decimal.Cmp(activeFloor) >= 0 {
			price = rule.MaxPrice.Decimal
			s.Reasons = append(s.Reasons, models.ReasonClampedByRule)
		}
	}

	if e.charm {
		if charmed, ok := charmRound(price, activeFloor); ok && !charmed.Equal(price) {
			if !hasRule || !rule.MaxPrice.Valid || charmed.Cmp(rule.MaxPrice.Decimal) <= 0 {
				price = charmed
				s.Reasons = append(s.Reasons, models.ReasonCharmRounded)
				rationale = append(rationale, fmt.Sprintf("charm-rounded to %s", price))
			}
		}
	}

	if e.cfg.SignificanceMinListings > 0 && hasMarket && in.Summary.NPriced < e.cfg.SignificanceMinListings {
		s.Confidence *= e.cfg.SignificanceDiscount
		s.Reasons = append(s.Reasons, models.ReasonLowEvidence)
		rationale = append(rationale, fmt.Sprintf("only %d priced listings, confidence discounted", in.Summary.NPriced))
	}

	if len(s.Evidence.EvidenceFiles) > 0 {
		rationale = append(rationale, "evidence: "+strings.Join(s.Evidence.EvidenceFiles, ", "))
	}

	s.SuggestedPrice = price
	s.Rationale = strings.Join(rationale, "; ")

	e.log.WithComponent("engine").WithFields(logger.Fields{
		"key":        s.Key,
		"price":      s.SuggestedPrice,
		"confidence": s.Confidence,
		"reasons":    s.Reasons,
	}).Debug("suggestion computed")

	return s, nil
}

// elasticityAdjustment nudges the market price toward the margin the demand
// curve supports (Lerner index -1/elasticity), moving only a gain-scaled
// fraction of the gap per run and never more than MaxAdjustPct either way.
func (e *Engine) elasticityAdjustment(base, cost decimal.Decimal, elasticity float64) float64 {
	current := 1 - cost.InexactFloat64()/base.InexactFloat64()
	target := -1 / elasticity
	adj := e.cfg.AdjustGain * (target - current)
	if adj > e.cfg.MaxAdjustPct {
		adj = e.cfg.MaxAdjustPct
	}
	if adj < -e.cfg.MaxAdjustPct {
		adj = -e.cfg.MaxAdjustPct
	}
	return adj
}

// charmRound moves a price to the nearest .90 ending at or below it. When
// that lands under the active floor the next .90 above is used instead, so
// a floored price keeps its guarantee.
func charmRound(price, floor decimal.Decimal) (decimal.Decimal, bool) {
	tenCents := decimal.New(1, -1)
	charmed := price.Add(tenCents).Floor().Sub(tenCents)
	if charmed.Cmp(floor) < 0 {
		charmed = charmed.Add(decimal.NewFromInt(1))
	}
	if !charmed.IsPositive() {
		return decimal.Decimal{}, false
	}
	return charmed, true
}
