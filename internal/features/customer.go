package features

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/frame"
	"github.com/opensource-finance/kestrel/internal/stats"
)

var customerFeatureColumns = []string{
	"age_years",
	"tenure_days",
	"tenure_years",
	"employment_encoded",
	"education_encoded",
	"marital_encoded",
	"income_decile",
	"log_income",
	"credit_score_norm",
	"age_income_ratio",
	"tenure_income_ratio",
	"verification_score",
	"demographic_risk_indicator",
	"income_stability_indicator",
}

// creditScoreMin/Max bound the linear credit-score normalization.
const (
	creditScoreMin = 300.0
	creditScoreMax = 850.0
)

// CustomerBuilder derives demographic and account features per customer.
// Outputs are standardized (zero mean, unit variance).
type CustomerBuilder struct {
	cfg    domain.FeatureConfig
	now    time.Time
	scaler *Scaler
}

// NewCustomerBuilder creates a builder anchored at now.
func NewCustomerBuilder(cfg domain.FeatureConfig, now time.Time) (*CustomerBuilder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid feature config: %w", err)
	}
	return &CustomerBuilder{
		cfg:    cfg,
		now:    now,
		scaler: NewScaler(ScalerStandard, cfg.Epsilon),
	}, nil
}

// Columns returns the builder's declared output schema.
func (b *CustomerBuilder) Columns() []string {
	return append([]string(nil), customerFeatureColumns...)
}

// Fit learns standardization statistics from a reference batch.
func (b *CustomerBuilder) Fit(tbl *frame.Table) error {
	raw, err := b.buildRaw(tbl)
	if err != nil {
		return err
	}
	b.scaler.Fit(raw, nil)
	return nil
}

// Transform computes features and applies previously fitted scaling.
func (b *CustomerBuilder) Transform(tbl *frame.Table) (*domain.FeatureTable, error) {
	if !b.scaler.Fitted() {
		return nil, domain.ErrNotFitted
	}
	raw, err := b.buildRaw(tbl)
	if err != nil {
		return nil, err
	}
	if err := b.scaler.Transform(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Build fits on the batch and transforms it, the legacy batch-relative mode.
func (b *CustomerBuilder) Build(tbl *frame.Table) (*domain.FeatureTable, error) {
	if err := b.Fit(tbl); err != nil {
		return nil, err
	}
	return b.Transform(tbl)
}

// ScalerState exposes the fitted statistics for persistence.
func (b *CustomerBuilder) ScalerState() ([]byte, error) { return b.scaler.MarshalState() }

// RestoreScalerState restores persisted statistics.
func (b *CustomerBuilder) RestoreScalerState(data []byte) error {
	return b.scaler.UnmarshalState(data)
}

func (b *CustomerBuilder) buildRaw(tbl *frame.Table) (*domain.FeatureTable, error) {
	if tbl == nil || tbl.IsEmpty() {
		return nil, domain.ErrEmptyInput
	}
	if missing := tbl.MissingColumns(domain.CustomerRequiredColumns()); len(missing) > 0 {
		return nil, domain.NewMissingColumnsError(missing)
	}

	idCol, _ := tbl.Column(domain.ColCustomerID)
	n := tbl.NumRows()

	numeric := func(name string) []float64 {
		if c, ok := tbl.Column(name); ok && c.Kind() == frame.Numeric {
			return c.Floats()
		}
		slog.Warn("customer column absent, defaulting to zero", "column", name)
		return make([]float64, n)
	}
	categorical := func(name string) []string {
		if c, ok := tbl.Column(name); ok && c.Kind() == frame.Categorical {
			return c.Strings()
		}
		slog.Warn("customer column absent, defaulting to Unknown", "column", name)
		return make([]string, n)
	}
	datetime := func(name string) []time.Time {
		if c, ok := tbl.Column(name); ok && c.Kind() == frame.Datetime {
			return c.Times()
		}
		slog.Warn("customer column absent, features default to zero", "column", name)
		return make([]time.Time, n)
	}

	income := numeric(domain.ColAnnualIncome)
	creditScore := numeric(domain.ColCreditScore)
	emailV := numeric(domain.ColEmailVerified)
	phoneV := numeric(domain.ColPhoneVerified)
	identityV := numeric(domain.ColIdentityVerified)
	birth := datetime(domain.ColBirthDate)
	opened := datetime(domain.ColAccountOpenDate)

	employment := labelEncode(categorical(domain.ColEmploymentStatus))
	education := labelEncode(categorical(domain.ColEducationLevel))
	marital := labelEncode(categorical(domain.ColMaritalStatus))

	deciles := incomeDeciles(income)

	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = idCol.String(i)
	}
	out, err := domain.NewFeatureTable(domain.ColCustomerID, ids)
	if err != nil {
		return nil, err
	}

	eps := b.cfg.Epsilon
	_, maxEmp := stats.MinMax(employment)
	_, maxEdu := stats.MinMax(education)

	cols := make(map[string][]float64, len(customerFeatureColumns))
	for _, name := range customerFeatureColumns {
		cols[name] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		age := 0.0
		if !birth[i].IsZero() {
			age = b.now.Sub(birth[i]).Hours() / 24 / 365.25
		}
		tenureDays := 0.0
		if !opened[i].IsZero() {
			tenureDays = b.now.Sub(opened[i]).Hours() / 24
		}
		tenureYears := tenureDays / 365.25

		cols["age_years"][i] = age
		cols["tenure_days"][i] = tenureDays
		cols["tenure_years"][i] = tenureYears
		cols["employment_encoded"][i] = employment[i]
		cols["education_encoded"][i] = education[i]
		cols["marital_encoded"][i] = marital[i]
		cols["income_decile"][i] = deciles[i]
		cols["log_income"][i] = math.Log1p(math.Max(income[i], 0))

		norm := 0.5 // default when score absent
		if creditScore[i] > 0 {
			norm = clip((creditScore[i]-creditScoreMin)/(creditScoreMax-creditScoreMin), 0, 1)
		}
		cols["credit_score_norm"][i] = norm

		cols["age_income_ratio"][i] = age / (income[i]/1000 + eps)
		cols["tenure_income_ratio"][i] = tenureYears / (income[i]/10000 + eps)

		verification := (boolVal(emailV[i]) + boolVal(phoneV[i]) + boolVal(identityV[i])) / 3
		cols["verification_score"][i] = verification

		risk := 0.0
		if age < 25 {
			risk += 0.3
		}
		if tenureYears < 1 {
			risk += 0.3
		}
		if deciles[i] <= 3 {
			risk += 0.2
		}
		if verification < 0.5 {
			risk += 0.2
		}
		cols["demographic_risk_indicator"][i] = risk

		stability := (employment[i]/(maxEmp+eps) + education[i]/(maxEdu+eps)) / 2
		cols["income_stability_indicator"][i] = stability
	}

	for _, name := range customerFeatureColumns {
		if err := out.SetColumn(name, stats.SanitizeSlice(cols[name])); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// labelEncode assigns a stable integer per distinct value, sorted
// lexically. Missing values become "Unknown" before encoding so the
// sentinel earns its own label.
func labelEncode(values []string) []float64 {
	distinct := make(map[string]bool, len(values))
	for _, v := range values {
		if v == "" {
			v = "Unknown"
		}
		distinct[v] = true
	}
	keys := make([]string, 0, len(distinct))
	for k := range distinct {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	codes := make(map[string]float64, len(keys))
	for i, k := range keys {
		codes[k] = float64(i)
	}
	out := make([]float64, len(values))
	for i, v := range values {
		if v == "" {
			v = "Unknown"
		}
		out[i] = codes[v]
	}
	return out
}

// incomeDeciles buckets each value into its population decile (1-10).
func incomeDeciles(income []float64) []float64 {
	thresholds := make([]float64, 9)
	for k := 1; k <= 9; k++ {
		thresholds[k-1] = stats.Quantile(float64(k)/10, income)
	}
	out := make([]float64, len(income))
	for i, v := range income {
		d := 1.0
		for _, th := range thresholds {
			if v > th {
				d++
			}
		}
		out[i] = d
	}
	return out
}

func boolVal(v float64) float64 {
	if v > 0 {
		return 1
	}
	return 0
}
