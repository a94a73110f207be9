package features

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/frame"
	"github.com/opensource-finance/kestrel/internal/stats"
)

var wellnessFeatureColumns = []string{
	"monthly_income",
	"monthly_expenses",
	"cashflow_volatility",
	"savings_rate",
	"debt_to_income_ratio",
	"essential_spend_ratio",
	"discretionary_spend_ratio",
	"investment_spend_ratio",
	"emergency_fund_months",
	"emergency_fund_indicator",
	"budget_adherence",
	"financial_goal_progress",
	"financial_wellness_score",
}

// wellnessScoreColumn is excluded from standardization; it is min-max
// normalized to [0,1] against the fitted range instead.
const wellnessScoreColumn = "financial_wellness_score"

// emergencyFundTarget is the months of expenses granting full emergency
// fund credit; below it the indicator is linear.
const emergencyFundTarget = 3.0

// WellnessBuilder derives financial-wellness features from a transaction
// log plus the customer table supplying income. Non-score outputs are
// standardized.
type WellnessBuilder struct {
	cfg     domain.FeatureConfig
	weights domain.WellnessWeights
	scaler  *Scaler
}

// NewWellnessBuilder creates a builder with the given composite weights.
func NewWellnessBuilder(cfg domain.FeatureConfig, weights domain.WellnessWeights) (*WellnessBuilder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid feature config: %w", err)
	}
	if err := domain.ValidateWeightSum("wellness", weights.Sum()); err != nil {
		return nil, err
	}
	return &WellnessBuilder{
		cfg:     cfg,
		weights: weights,
		scaler:  NewScaler(ScalerStandard, cfg.Epsilon),
	}, nil
}

// Columns returns the builder's declared output schema.
func (b *WellnessBuilder) Columns() []string {
	return append([]string(nil), wellnessFeatureColumns...)
}

// Fit learns standardization statistics and the wellness score range from
// reference batches.
func (b *WellnessBuilder) Fit(tx, customers *frame.Table) error {
	raw, err := b.buildRaw(tx, customers)
	if err != nil {
		return err
	}
	b.scaler.Fit(raw, map[string]bool{wellnessScoreColumn: true})
	if vals, ok := raw.Column(wellnessScoreColumn); ok {
		b.scaler.FitRange(wellnessScoreColumn, vals)
	}
	return nil
}

// Transform computes features and applies previously fitted scaling. The
// wellness score is normalized against the fitted range rather than the
// transform batch.
func (b *WellnessBuilder) Transform(tx, customers *frame.Table) (*domain.FeatureTable, error) {
	if !b.scaler.Fitted() {
		return nil, domain.ErrNotFitted
	}
	raw, err := b.buildRaw(tx, customers)
	if err != nil {
		return nil, err
	}
	if err := b.scaler.Transform(raw); err != nil {
		return nil, err
	}
	if vals, ok := raw.Column(wellnessScoreColumn); ok {
		b.scaler.TransformRange(wellnessScoreColumn, vals)
	}
	return raw, nil
}

// Build fits on the batch and transforms it, the legacy batch-relative mode.
func (b *WellnessBuilder) Build(tx, customers *frame.Table) (*domain.FeatureTable, error) {
	if err := b.Fit(tx, customers); err != nil {
		return nil, err
	}
	return b.Transform(tx, customers)
}

// ScalerState exposes the fitted statistics for persistence.
func (b *WellnessBuilder) ScalerState() ([]byte, error) { return b.scaler.MarshalState() }

// RestoreScalerState restores persisted statistics.
func (b *WellnessBuilder) RestoreScalerState(data []byte) error {
	return b.scaler.UnmarshalState(data)
}

func (b *WellnessBuilder) buildRaw(tx, customers *frame.Table) (*domain.FeatureTable, error) {
	groups, ids, err := groupTransactions(tx)
	if err != nil {
		return nil, err
	}
	incomeByID := annualIncomeIndex(customers)
	eps := b.cfg.Epsilon
	w := b.weights

	out, err := domain.NewFeatureTable(domain.ColCustomerID, ids)
	if err != nil {
		return nil, err
	}

	cols := make(map[string][]float64, len(wellnessFeatureColumns))
	for _, name := range wellnessFeatureColumns {
		cols[name] = make([]float64, len(ids))
	}

	for row, id := range ids {
		obs := groups[id]
		monthlyIncome := incomeByID[id] / 12

		monthTotals := make(map[int]float64)
		var spendTotal, essential, discretionary, investment, debt float64
		var spendAmounts []float64
		months := make(map[int]bool)
		for _, o := range obs {
			mkey := o.ts.Year()*12 + int(o.ts.Month())
			months[mkey] = true
			bucket := domain.CategoryBucket(o.category)
			if o.txType == "credit" || bucket == domain.BucketIncome {
				continue
			}
			spendTotal += o.amount
			spendAmounts = append(spendAmounts, o.amount)
			monthTotals[mkey] += o.amount
			switch bucket {
			case domain.BucketEssential:
				essential += o.amount
			case domain.BucketDiscretionary:
				discretionary += o.amount
			case domain.BucketInvestment:
				investment += o.amount
			case domain.BucketDebt:
				debt += o.amount
			}
		}

		numMonths := float64(len(months))
		if numMonths == 0 {
			numMonths = 1
		}
		sums := make([]float64, 0, len(monthTotals))
		for _, s := range monthTotals {
			sums = append(sums, s)
		}
		monthlyExpenses := stats.Mean(sums)
		volatility := stats.StdDev(sums)

		savingsRate := clip((monthlyIncome-monthlyExpenses)/(monthlyIncome+eps), -1, 1)
		debtToIncome := clip((debt/numMonths)/(monthlyIncome+eps), 0, 2)
		essentialRatio := clip(essential/(spendTotal+eps), 0, 1)
		discretionaryRatio := clip(discretionary/(spendTotal+eps), 0, 1)
		investmentRatio := clip(investment/(spendTotal+eps), 0, 1)

		cumulativeNet := math.Max(0, monthlyIncome*numMonths-spendTotal)
		fundMonths := clip(cumulativeNet/(monthlyExpenses+eps), 0, 12)
		fundIndicator := clip(fundMonths/emergencyFundTarget, 0, 1)

		avgTxn := stats.Mean(spendAmounts)
		budgetAdherence := 1 / (1 + volatility/(avgTxn+eps))

		savingsComponent := clip((savingsRate+1)/2, 0, 1)
		goalProgress := clip((savingsComponent+investmentRatio+fundIndicator)/3, 0, 1)

		cols["monthly_income"][row] = monthlyIncome
		cols["monthly_expenses"][row] = monthlyExpenses
		cols["cashflow_volatility"][row] = volatility
		cols["savings_rate"][row] = savingsRate
		cols["debt_to_income_ratio"][row] = debtToIncome
		cols["essential_spend_ratio"][row] = essentialRatio
		cols["discretionary_spend_ratio"][row] = discretionaryRatio
		cols["investment_spend_ratio"][row] = investmentRatio
		cols["emergency_fund_months"][row] = fundMonths
		cols["emergency_fund_indicator"][row] = fundIndicator
		cols["budget_adherence"][row] = budgetAdherence
		cols["financial_goal_progress"][row] = goalProgress

		cols[wellnessScoreColumn][row] = stats.Sanitize(
			w.SavingsRate*savingsComponent +
				w.DebtRatio*(1-debtToIncome/2) +
				w.EmergencyFund*fundIndicator +
				w.BudgetAdherence*budgetAdherence +
				w.InvestmentRatio*investmentRatio +
				w.DiscretionaryRatio*(1-discretionaryRatio),
		)
	}

	for _, name := range wellnessFeatureColumns {
		if err := out.SetColumn(name, stats.SanitizeSlice(cols[name])); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// annualIncomeIndex maps customer id to annual income from the customer
// table. A nil or incomplete table yields zero incomes with a warning.
func annualIncomeIndex(customers *frame.Table) map[string]float64 {
	out := make(map[string]float64)
	if customers == nil || customers.IsEmpty() {
		slog.Warn("wellness builder has no customer table, incomes default to zero")
		return out
	}
	idCol, ok := customers.Column(domain.ColCustomerID)
	if !ok {
		slog.Warn("customer table missing identifier column, incomes default to zero",
			"column", domain.ColCustomerID,
		)
		return out
	}
	incomeCol, ok := customers.Column(domain.ColAnnualIncome)
	if !ok || incomeCol.Kind() != frame.Numeric {
		slog.Warn("customer table missing income column, incomes default to zero",
			"column", domain.ColAnnualIncome,
		)
		return out
	}
	for i := 0; i < customers.NumRows(); i++ {
		if v := incomeCol.Float(i); !math.IsNaN(v) {
			out[idCol.String(i)] = v
		}
	}
	return out
}
