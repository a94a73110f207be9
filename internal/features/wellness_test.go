package features

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/frame"
)

func TestWellnessSavingsAndRatios(t *testing.T) {
	b, err := NewWellnessBuilder(domain.DefaultFeatureConfig(), domain.DefaultWellnessWeights())
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	jan := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	tx := txTable(t,
		[]string{"c1", "c1"},
		[]float64{2000, 2000},
		[]time.Time{jan, jan.Add(15 * 24 * time.Hour)},
		frame.NewCategorical(domain.ColCategory, []string{"groceries", "restaurants"}),
	)
	customers := customerTable(t,
		frame.NewCategorical(domain.ColCustomerID, []string{"c1"}),
		frame.NewNumeric(domain.ColAnnualIncome, []float64{120000}),
	)

	raw, err := b.buildRaw(tx, customers)
	if err != nil {
		t.Fatalf("buildRaw: %v", err)
	}

	if v, _ := raw.Value("c1", "monthly_income"); math.Abs(v-10000) > 1e-9 {
		t.Errorf("monthly_income = %v, want 10000", v)
	}
	if v, _ := raw.Value("c1", "monthly_expenses"); math.Abs(v-4000) > 1e-9 {
		t.Errorf("monthly_expenses = %v, want 4000", v)
	}
	// (10000-4000)/10000
	if v, _ := raw.Value("c1", "savings_rate"); math.Abs(v-0.6) > 1e-6 {
		t.Errorf("savings_rate = %v, want 0.6", v)
	}
	if v, _ := raw.Value("c1", "essential_spend_ratio"); math.Abs(v-0.5) > 1e-6 {
		t.Errorf("essential_spend_ratio = %v, want 0.5", v)
	}
	if v, _ := raw.Value("c1", "discretionary_spend_ratio"); math.Abs(v-0.5) > 1e-6 {
		t.Errorf("discretionary_spend_ratio = %v, want 0.5", v)
	}
	// One month of net 6000 against 4000/month expenses.
	if v, _ := raw.Value("c1", "emergency_fund_months"); math.Abs(v-1.5) > 1e-6 {
		t.Errorf("emergency_fund_months = %v, want 1.5", v)
	}
	if v, _ := raw.Value("c1", "emergency_fund_indicator"); math.Abs(v-0.5) > 1e-6 {
		t.Errorf("emergency_fund_indicator = %v, want 0.5", v)
	}
}

func TestWellnessDebtRatioClipped(t *testing.T) {
	b, _ := NewWellnessBuilder(domain.DefaultFeatureConfig(), domain.DefaultWellnessWeights())
	jan := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	tx := txTable(t,
		[]string{"c1"},
		[]float64{50000},
		[]time.Time{jan},
		frame.NewCategorical(domain.ColCategory, []string{"loan_payment"}),
	)
	customers := customerTable(t,
		frame.NewCategorical(domain.ColCustomerID, []string{"c1"}),
		frame.NewNumeric(domain.ColAnnualIncome, []float64{12000}),
	)
	raw, err := b.buildRaw(tx, customers)
	if err != nil {
		t.Fatalf("buildRaw: %v", err)
	}
	if v, _ := raw.Value("c1", "debt_to_income_ratio"); v != 2 {
		t.Errorf("debt_to_income_ratio = %v, want clipped 2", v)
	}
}

func TestWellnessWithoutCustomerTable(t *testing.T) {
	b, _ := NewWellnessBuilder(domain.DefaultFeatureConfig(), domain.DefaultWellnessWeights())
	jan := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	tx := txTable(t,
		[]string{"c1"},
		[]float64{4000},
		[]time.Time{jan},
		frame.NewCategorical(domain.ColCategory, []string{"groceries"}),
	)
	raw, err := b.buildRaw(tx, nil)
	if err != nil {
		t.Fatalf("buildRaw: %v", err)
	}
	// Zero income makes the rate collapse to the lower clip bound.
	if v, _ := raw.Value("c1", "savings_rate"); v != -1 {
		t.Errorf("savings_rate = %v, want -1", v)
	}
}

func TestWellnessIncomeTransactionsExcludedFromSpend(t *testing.T) {
	b, _ := NewWellnessBuilder(domain.DefaultFeatureConfig(), domain.DefaultWellnessWeights())
	jan := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	tx := txTable(t,
		[]string{"c1", "c1"},
		[]float64{5000, 1000},
		[]time.Time{jan, jan.Add(24 * time.Hour)},
		frame.NewCategorical(domain.ColCategory, []string{"salary", "groceries"}),
	)
	raw, err := b.buildRaw(tx, nil)
	if err != nil {
		t.Fatalf("buildRaw: %v", err)
	}
	if v, _ := raw.Value("c1", "monthly_expenses"); math.Abs(v-1000) > 1e-9 {
		t.Errorf("monthly_expenses = %v, want 1000 (salary excluded)", v)
	}
}

func TestWellnessCompositeRange(t *testing.T) {
	b, _ := NewWellnessBuilder(domain.DefaultFeatureConfig(), domain.DefaultWellnessWeights())
	jan := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	ids := []string{"c1", "c1", "c2", "c2", "c3"}
	amts := []float64{1000, 500, 8000, 9000, 200}
	cats := []string{"groceries", "entertainment", "loan_payment", "shopping", "investment"}
	times := make([]time.Time, len(ids))
	for i := range times {
		times[i] = jan.Add(time.Duration(i*10) * 24 * time.Hour)
	}
	tx := txTable(t, ids, amts, times, frame.NewCategorical(domain.ColCategory, cats))
	customers := customerTable(t,
		frame.NewCategorical(domain.ColCustomerID, []string{"c1", "c2", "c3"}),
		frame.NewNumeric(domain.ColAnnualIncome, []float64{60000, 48000, 90000}),
	)

	out, err := b.Build(tx, customers)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	vals, ok := out.Column("financial_wellness_score")
	if !ok {
		t.Fatal("missing financial_wellness_score column")
	}
	for i, v := range vals {
		if v < 0 || v > 1 {
			t.Errorf("wellness score row %d = %v, outside [0,1]", i, v)
		}
	}
}

func TestWellnessTransformBeforeFit(t *testing.T) {
	b, _ := NewWellnessBuilder(domain.DefaultFeatureConfig(), domain.DefaultWellnessWeights())
	jan := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	tx := txTable(t, []string{"c1"}, []float64{100}, []time.Time{jan})
	if _, err := b.Transform(tx, nil); !errors.Is(err, domain.ErrNotFitted) {
		t.Fatalf("Transform error = %v, want ErrNotFitted", err)
	}
}
