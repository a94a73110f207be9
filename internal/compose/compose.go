// Package compose fuses per-entity customer and transaction feature tables
// into cross-domain interaction features and the composite risk score.
package compose

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/stats"
)

// derivedColumns are the columns this stage adds on top of the joined base
// features, in output order.
var derivedColumns = []string{
	"transaction_to_income_ratio",
	"high_value_freq_income_adj",
	"diversity_score",
	"consistency_score",
	"velocity_risk",
	"spending_stability",
	"account_maturity_risk",
	"financial_stress_indicator",
	"payment_behavior_score",
	"risk_composite_score",
}

// riskCompositeColumn is excluded from robust scaling; it is min-max
// normalized to [0,1] against the fitted range instead.
const riskCompositeColumn = "risk_composite_score"

// rightJoinPrefix disambiguates transaction-side columns that collide with
// customer-side names after the join.
const rightJoinPrefix = "tx_"

// RiskComposer inner-joins the customer and transaction feature tables on
// entity id and derives interaction risk features. Entities present in only
// one input table are dropped by the join; callers needing to audit the
// filtering should compare row counts against their inputs.
type RiskComposer struct {
	cfg     domain.FeatureConfig
	weights domain.RiskWeights
	scaler  *features.Scaler
}

// New creates a composer with the given composite weights.
func New(cfg domain.FeatureConfig, weights domain.RiskWeights) (*RiskComposer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid feature config: %w", err)
	}
	if err := domain.ValidateWeightSum("risk", weights.Sum()); err != nil {
		return nil, err
	}
	return &RiskComposer{
		cfg:     cfg,
		weights: weights,
		scaler:  features.NewScaler(features.ScalerRobust, cfg.Epsilon),
	}, nil
}

// DerivedColumns returns the columns this stage adds, in output order.
func (c *RiskComposer) DerivedColumns() []string {
	return append([]string(nil), derivedColumns...)
}

// Fit learns robust scaling statistics for the derived columns and the
// composite score range from a reference pair of feature tables. Base
// pass-through columns are never rescaled here; the builders already scaled
// them.
func (c *RiskComposer) Fit(customers, transactions *domain.FeatureTable) error {
	joined, err := c.buildRaw(customers, transactions)
	if err != nil {
		return err
	}
	c.scaler.Fit(derivedOnly(joined), map[string]bool{riskCompositeColumn: true})
	if vals, ok := joined.Column(riskCompositeColumn); ok {
		c.scaler.FitRange(riskCompositeColumn, vals)
	}
	return nil
}

// Transform joins and derives features, applying previously fitted scaling
// to the derived columns. The composite score is normalized against the
// fitted range rather than the transform batch.
func (c *RiskComposer) Transform(customers, transactions *domain.FeatureTable) (*domain.FeatureTable, error) {
	if !c.scaler.Fitted() {
		return nil, domain.ErrNotFitted
	}
	joined, err := c.buildRaw(customers, transactions)
	if err != nil {
		return nil, err
	}
	if err := c.scaler.Transform(joined); err != nil {
		return nil, err
	}
	if vals, ok := joined.Column(riskCompositeColumn); ok {
		c.scaler.TransformRange(riskCompositeColumn, vals)
	}
	return joined, nil
}

// Compose fits on the batch and transforms it, the legacy batch-relative
// mode.
func (c *RiskComposer) Compose(customers, transactions *domain.FeatureTable) (*domain.FeatureTable, error) {
	if err := c.Fit(customers, transactions); err != nil {
		return nil, err
	}
	return c.Transform(customers, transactions)
}

// ScalerState exposes the fitted statistics for persistence.
func (c *RiskComposer) ScalerState() ([]byte, error) { return c.scaler.MarshalState() }

// RestoreScalerState restores persisted statistics.
func (c *RiskComposer) RestoreScalerState(data []byte) error {
	return c.scaler.UnmarshalState(data)
}

func (c *RiskComposer) buildRaw(customers, transactions *domain.FeatureTable) (*domain.FeatureTable, error) {
	if customers == nil || transactions == nil || customers.NumRows() == 0 || transactions.NumRows() == 0 {
		return nil, domain.ErrEmptyInput
	}

	joined, err := customers.InnerJoin(transactions, rightJoinPrefix)
	if err != nil {
		return nil, fmt.Errorf("join feature tables: %w", err)
	}
	if dropped := customers.NumRows() + transactions.NumRows() - 2*joined.NumRows(); dropped > 0 {
		slog.Warn("risk composition dropped unmatched entities",
			"customers", customers.NumRows(),
			"transactions", transactions.NumRows(),
			"joined", joined.NumRows(),
			"dropped", dropped,
		)
	}
	if joined.NumRows() == 0 {
		return nil, fmt.Errorf("%w: no entities shared between customer and transaction tables", domain.ErrEmptyInput)
	}

	n := joined.NumRows()
	eps := c.cfg.Epsilon
	w := c.weights

	amountSum := c.column(joined, "amount_sum")
	amountStd := c.column(joined, "amount_std")
	amountTrend := c.column(joined, "amount_trend")
	highAmountRatio := c.column(joined, "high_amount_ratio")
	freqMonthly := c.column(joined, "frequency_monthly")
	freqDaily := c.column(joined, "frequency_daily")
	freqTrend := c.column(joined, "frequency_trend")
	recency := c.column(joined, "recency_days")
	velocity := c.column(joined, "transaction_velocity")
	merchants := c.column(joined, "unique_merchants")
	locations := c.column(joined, "unique_locations")
	channels := c.column(joined, "unique_channels")
	logIncome := c.column(joined, "log_income")
	creditNorm := c.column(joined, "credit_score_norm")
	verification := c.column(joined, "verification_score")
	stability := c.column(joined, "income_stability_indicator")
	demographic := c.column(joined, "demographic_risk_indicator")
	tenureYears := c.column(joined, "tenure_years")

	cols := make(map[string][]float64, len(derivedColumns))
	for _, name := range derivedColumns {
		cols[name] = make([]float64, n)
	}

	diversity := cols["diversity_score"]
	payment := cols["payment_behavior_score"]
	for i := 0; i < n; i++ {
		txToIncome := amountSum[i] / (logIncome[i] + eps)
		cols["transaction_to_income_ratio"][i] = txToIncome
		cols["high_value_freq_income_adj"][i] = highAmountRatio[i] * freqMonthly[i] / (logIncome[i] + eps)

		diversity[i] = 0.4*merchants[i] + 0.3*locations[i] + 0.3*channels[i]
		consistency := 1 / (1 + math.Abs(amountStd[i]))
		cols["consistency_score"][i] = consistency
		cols["velocity_risk"][i] = 0.6*sigmoid(velocity[i]) + 0.4*sigmoid(freqDaily[i])
		cols["spending_stability"][i] = 1 / (1 + math.Abs(amountTrend[i]))
		cols["account_maturity_risk"][i] = sigmoid(-tenureYears[i]) * sigmoid(freqMonthly[i])

		rising, recent := 0.0, 0.0
		if freqTrend[i] > 0 {
			rising = 1
		}
		if recency[i] <= 1 {
			recent = 1
		}
		cols["financial_stress_indicator"][i] = 0.5*sigmoid(txToIncome) + 0.3*rising + 0.2*recent

		payment[i] = 0.4*creditNorm[i] + 0.3*verification[i] + 0.15*stability[i] + 0.15*consistency
	}

	// Protective sub-scores contribute inverted: high payment behavior and
	// high diversity lower the composite.
	paymentInv := invertNormalized(payment, eps)
	diversityInv := invertNormalized(diversity, eps)

	composite := cols[riskCompositeColumn]
	for i := 0; i < n; i++ {
		composite[i] = stats.Sanitize(
			w.DemographicRisk*demographic[i] +
				w.FinancialStress*cols["financial_stress_indicator"][i] +
				w.AccountMaturity*cols["account_maturity_risk"][i] +
				w.PaymentBehavior*paymentInv[i] +
				w.VelocityRisk*cols["velocity_risk"][i] +
				w.DiversityPenalty*diversityInv[i],
		)
	}

	for _, name := range derivedColumns {
		if err := joined.SetColumn(name, stats.SanitizeSlice(cols[name])); err != nil {
			return nil, err
		}
	}
	return joined, nil
}

// column fetches a base feature column, trying the transaction-side prefix
// before defaulting to zeros with a warning. Builders guarantee their schema,
// so a miss here means the caller wired tables from the wrong builders.
func (c *RiskComposer) column(t *domain.FeatureTable, name string) []float64 {
	if v, ok := t.Column(name); ok {
		return v
	}
	if v, ok := t.Column(rightJoinPrefix + name); ok {
		return v
	}
	slog.Warn("base feature column absent, derived features default to zero", "column", name)
	return make([]float64, t.NumRows())
}

// derivedOnly projects the derived columns into their own table so scaler
// fitting never touches pass-through base features.
func derivedOnly(t *domain.FeatureTable) *domain.FeatureTable {
	out, _ := domain.NewFeatureTable(t.IDName(), t.IDs())
	for _, name := range derivedColumns {
		if v, ok := t.Column(name); ok {
			_ = out.SetColumn(name, v)
		}
	}
	return out
}

// invertNormalized min-max normalizes a copy of vals and returns 1-x.
func invertNormalized(vals []float64, eps float64) []float64 {
	out := append([]float64(nil), vals...)
	features.MinMaxNormalize(out, eps)
	for i, v := range out {
		out[i] = 1 - v
	}
	return out
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
