package domain

import (
	"fmt"
	"math"
)

// FeatureConfig holds the tunables for the cleaning and feature-engineering
// stages. Every threshold the pipeline consults lives here with a documented
// default; Validate rejects nonsensical settings at construction time.
type FeatureConfig struct {
	// IQRMultiplier scales the interquartile range when computing outlier
	// fences (default 1.5).
	IQRMultiplier float64 `json:"iqrMultiplier"`

	// MaxOutlierPct is the per-column outlier share (percent) above which a
	// data-quality warning is emitted. Capping still proceeds. Default 5.
	MaxOutlierPct float64 `json:"maxOutlierPct"`

	// MinSampleSize is the batch size below which builders warn that
	// batch-relative statistics are unreliable. Default 100.
	MinSampleSize int `json:"minSampleSize"`

	// CardinalityCap truncates learned categorical vocabularies to the most
	// frequent categories. Default 50.
	CardinalityCap int `json:"cardinalityCap"`

	// Epsilon guards zero denominators. Default 1e-8.
	Epsilon float64 `json:"epsilon"`

	// NightStartHour/NightEndHour bound the night-transaction window
	// (default 22:00-06:00, end exclusive).
	NightStartHour int `json:"nightStartHour"`
	NightEndHour   int `json:"nightEndHour"`

	// DefaultGapHours is the inter-transaction gap assumed for entities with
	// a single observation when computing velocity. Default 24.
	DefaultGapHours float64 `json:"defaultGapHours"`
}

// DefaultFeatureConfig returns the documented defaults.
func DefaultFeatureConfig() FeatureConfig {
	return FeatureConfig{
		IQRMultiplier:   1.5,
		MaxOutlierPct:   5,
		MinSampleSize:   100,
		CardinalityCap:  50,
		Epsilon:         1e-8,
		NightStartHour:  22,
		NightEndHour:    6,
		DefaultGapHours: 24,
	}
}

// Validate checks the configuration for invalid settings.
func (c FeatureConfig) Validate() error {
	if c.IQRMultiplier <= 0 {
		return fmt.Errorf("iqrMultiplier must be positive, got %v", c.IQRMultiplier)
	}
	if c.MaxOutlierPct < 0 || c.MaxOutlierPct > 100 {
		return fmt.Errorf("maxOutlierPct must be in [0,100], got %v", c.MaxOutlierPct)
	}
	if c.MinSampleSize < 1 {
		return fmt.Errorf("minSampleSize must be at least 1, got %d", c.MinSampleSize)
	}
	if c.CardinalityCap < 2 {
		return fmt.Errorf("cardinalityCap must be at least 2, got %d", c.CardinalityCap)
	}
	if c.Epsilon <= 0 {
		return fmt.Errorf("epsilon must be positive, got %v", c.Epsilon)
	}
	if c.NightStartHour < 0 || c.NightStartHour > 23 || c.NightEndHour < 0 || c.NightEndHour > 23 {
		return fmt.Errorf("night hours must be in [0,23]")
	}
	if c.DefaultGapHours <= 0 {
		return fmt.Errorf("defaultGapHours must be positive, got %v", c.DefaultGapHours)
	}
	return nil
}

// RiskWeights are the sub-feature weights of risk_composite_score.
type RiskWeights struct {
	DemographicRisk  float64 `json:"demographicRisk"`
	FinancialStress  float64 `json:"financialStress"`
	AccountMaturity  float64 `json:"accountMaturity"`
	PaymentBehavior  float64 `json:"paymentBehavior"` // inverted contribution
	VelocityRisk     float64 `json:"velocityRisk"`
	DiversityPenalty float64 `json:"diversityPenalty"` // inverted contribution
}

// DefaultRiskWeights returns the production weight set.
func DefaultRiskWeights() RiskWeights {
	return RiskWeights{
		DemographicRisk:  0.20,
		FinancialStress:  0.25,
		AccountMaturity:  0.15,
		PaymentBehavior:  0.20,
		VelocityRisk:     0.10,
		DiversityPenalty: 0.10,
	}
}

// Sum returns the total weight mass.
func (w RiskWeights) Sum() float64 {
	return w.DemographicRisk + w.FinancialStress + w.AccountMaturity +
		w.PaymentBehavior + w.VelocityRisk + w.DiversityPenalty
}

// FraudWeights are the sub-feature weights of fraud_composite_score.
type FraudWeights struct {
	UnusualTime     float64 `json:"unusualTime"`
	UnusualLocation float64 `json:"unusualLocation"`
	AmountAnomaly   float64 `json:"amountAnomaly"`
	LargeAmount     float64 `json:"largeAmount"`
	RapidSuccession float64 `json:"rapidSuccession"`
	VelocityAnomaly float64 `json:"velocityAnomaly"`
	MerchantRisk    float64 `json:"merchantRisk"`
}

// DefaultFraudWeights returns the production weight set.
func DefaultFraudWeights() FraudWeights {
	return FraudWeights{
		UnusualTime:     0.15,
		UnusualLocation: 0.20,
		AmountAnomaly:   0.20,
		LargeAmount:     0.15,
		RapidSuccession: 0.10,
		VelocityAnomaly: 0.10,
		MerchantRisk:    0.10,
	}
}

// Sum returns the total weight mass.
func (w FraudWeights) Sum() float64 {
	return w.UnusualTime + w.UnusualLocation + w.AmountAnomaly +
		w.LargeAmount + w.RapidSuccession + w.VelocityAnomaly + w.MerchantRisk
}

// WellnessWeights are the sub-feature weights of financial_wellness_score.
type WellnessWeights struct {
	SavingsRate        float64 `json:"savingsRate"`
	DebtRatio          float64 `json:"debtRatio"` // inverted contribution
	EmergencyFund      float64 `json:"emergencyFund"`
	BudgetAdherence    float64 `json:"budgetAdherence"`
	InvestmentRatio    float64 `json:"investmentRatio"`
	DiscretionaryRatio float64 `json:"discretionaryRatio"` // inverted contribution
}

// DefaultWellnessWeights returns the production weight set.
func DefaultWellnessWeights() WellnessWeights {
	return WellnessWeights{
		SavingsRate:        0.25,
		DebtRatio:          0.20,
		EmergencyFund:      0.20,
		BudgetAdherence:    0.15,
		InvestmentRatio:    0.10,
		DiscretionaryRatio: 0.10,
	}
}

// Sum returns the total weight mass.
func (w WellnessWeights) Sum() float64 {
	return w.SavingsRate + w.DebtRatio + w.EmergencyFund +
		w.BudgetAdherence + w.InvestmentRatio + w.DiscretionaryRatio
}

// ValidateWeightSum warns callers about weight sets that stray from unit
// mass. The invariant is soft: all shipped weight sets sum to 1.0, but
// tenant-supplied overrides are only required to be close.
func ValidateWeightSum(name string, sum float64) error {
	if math.Abs(sum-1.0) > 0.05 {
		return fmt.Errorf("%s weights sum to %.3f, expected ~1.0", name, sum)
	}
	return nil
}
