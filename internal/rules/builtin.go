package rules

import "github.com/opensource-finance/kestrel/internal/domain"

func f(v float64) *float64 { return &v }

// BuiltinRules returns the default alert rules loaded when a tenant has no
// configured rule set.
func BuiltinRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:          "builtin-high-risk",
			Name:        "High composite risk",
			Description: "Alerts when the composite risk score crosses the review and fail bands",
			Version:     "1",
			Expression:  "risk_score",
			Weight:      1.0,
			Enabled:     true,
			Bands: []domain.RuleBand{
				{UpperLimit: f(0.7), SubRuleRef: domain.RuleOutcomePass, Reason: "risk within tolerance"},
				{LowerLimit: f(0.7), UpperLimit: f(0.9), SubRuleRef: domain.RuleOutcomeReview, Reason: "elevated composite risk"},
				{LowerLimit: f(0.9), SubRuleRef: domain.RuleOutcomeFail, Reason: "critical composite risk"},
			},
		},
		{
			ID:          "builtin-high-fraud",
			Name:        "High fraud score",
			Description: "Alerts when fraud indicators concentrate on one entity",
			Version:     "1",
			Expression:  "fraud_score",
			Weight:      1.0,
			Enabled:     true,
			Bands: []domain.RuleBand{
				{UpperLimit: f(0.8), SubRuleRef: domain.RuleOutcomePass, Reason: "fraud score within tolerance"},
				{LowerLimit: f(0.8), SubRuleRef: domain.RuleOutcomeFail, Reason: "fraud score exceeds threshold"},
			},
		},
		{
			ID:          "builtin-low-retention",
			Name:        "Degraded batch quality",
			Description: "Flags runs whose cleaning stage dropped too many rows for scores to be trusted",
			Version:     "1",
			Expression:  "retention_rate < 0.95",
			Weight:      0.5,
			Enabled:     true,
			Bands: []domain.RuleBand{
				{UpperLimit: f(1.0), SubRuleRef: domain.RuleOutcomePass, Reason: "batch quality acceptable"},
				{LowerLimit: f(1.0), SubRuleRef: domain.RuleOutcomeReview, Reason: "low batch retention"},
			},
		},
	}
}
