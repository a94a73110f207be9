package features

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/frame"
	"github.com/opensource-finance/kestrel/internal/stats"
)

// Transaction feature column names, in output order.
var transactionFeatureColumns = []string{
	"transaction_count",
	"frequency_daily",
	"frequency_weekly",
	"frequency_monthly",
	"amount_mean",
	"amount_median",
	"amount_std",
	"amount_max",
	"amount_min",
	"amount_sum",
	"recency_days",
	"amount_rolling_mean_7d",
	"amount_rolling_std_7d",
	"amount_rolling_mean_30d",
	"amount_rolling_std_30d",
	"transaction_velocity",
	"unique_merchants",
	"unique_locations",
	"unique_channels",
	"weekend_transaction_ratio",
	"night_transaction_ratio",
	"high_amount_ratio",
	"low_amount_ratio",
	"credit_debit_ratio",
	"online_channel_odds",
	"amount_trend",
	"frequency_trend",
}

// TransactionBuilder derives per-entity behavioral features from a
// transaction log. Outputs are robust-scaled (median/IQR).
type TransactionBuilder struct {
	cfg    domain.FeatureConfig
	now    time.Time
	scaler *Scaler
}

// NewTransactionBuilder creates a builder. now anchors recency and rolling
// windows; pass time.Now().UTC() outside tests.
func NewTransactionBuilder(cfg domain.FeatureConfig, now time.Time) (*TransactionBuilder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid feature config: %w", err)
	}
	return &TransactionBuilder{
		cfg:    cfg,
		now:    now,
		scaler: NewScaler(ScalerRobust, cfg.Epsilon),
	}, nil
}

// Columns returns the builder's declared output schema.
func (b *TransactionBuilder) Columns() []string {
	return append([]string(nil), transactionFeatureColumns...)
}

// Fit learns robust scaling statistics from a reference batch.
func (b *TransactionBuilder) Fit(tbl *frame.Table) error {
	raw, err := b.buildRaw(tbl)
	if err != nil {
		return err
	}
	b.scaler.Fit(raw, nil)
	return nil
}

// Transform computes features and applies previously fitted scaling.
func (b *TransactionBuilder) Transform(tbl *frame.Table) (*domain.FeatureTable, error) {
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
func (b *TransactionBuilder) Build(tbl *frame.Table) (*domain.FeatureTable, error) {
	if err := b.Fit(tbl); err != nil {
		return nil, err
	}
	return b.Transform(tbl)
}

// ScalerState exposes the fitted statistics for persistence.
func (b *TransactionBuilder) ScalerState() ([]byte, error) { return b.scaler.MarshalState() }

// RestoreScalerState restores persisted statistics.
func (b *TransactionBuilder) RestoreScalerState(data []byte) error {
	return b.scaler.UnmarshalState(data)
}

func (b *TransactionBuilder) buildRaw(tbl *frame.Table) (*domain.FeatureTable, error) {
	groups, ids, err := groupTransactions(tbl)
	if err != nil {
		return nil, err
	}
	if len(ids) < b.cfg.MinSampleSize {
		slog.Debug("transaction feature batch below min sample size",
			"entities", len(ids),
			"min_sample_size", b.cfg.MinSampleSize,
		)
	}

	out, err := domain.NewFeatureTable(domain.ColCustomerID, ids)
	if err != nil {
		return nil, err
	}

	cols := make(map[string][]float64, len(transactionFeatureColumns))
	for _, name := range transactionFeatureColumns {
		cols[name] = make([]float64, len(ids))
	}

	for row, id := range ids {
		for name, v := range b.entityFeatures(groups[id]) {
			cols[name][row] = stats.Sanitize(v)
		}
	}

	for _, name := range transactionFeatureColumns {
		if err := out.SetColumn(name, cols[name]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// entityFeatures computes the full feature map for one entity's time-ordered
// observations.
func (b *TransactionBuilder) entityFeatures(obs []txObs) map[string]float64 {
	eps := b.cfg.Epsilon
	amts := amounts(obs)
	n := float64(len(obs))
	first, last := obs[0].ts, obs[len(obs)-1].ts

	f := make(map[string]float64, len(transactionFeatureColumns))
	f["transaction_count"] = n

	spanDays := last.Sub(first).Hours()/24 + 1
	f["frequency_daily"] = n / spanDays
	f["frequency_weekly"] = n / (spanDays / 7)
	f["frequency_monthly"] = n / (spanDays / 30)

	f["amount_mean"] = stats.Mean(amts)
	f["amount_median"] = stats.Median(amts)
	f["amount_std"] = stats.StdDev(amts)
	min, max := stats.MinMax(amts)
	f["amount_min"] = min
	f["amount_max"] = max
	f["amount_sum"] = stats.Sum(amts)

	f["recency_days"] = b.now.Sub(last).Hours() / 24

	win7 := windowAmounts(obs, last, 7*24*time.Hour)
	win30 := windowAmounts(obs, last, 30*24*time.Hour)
	f["amount_rolling_mean_7d"] = stats.Mean(win7)
	f["amount_rolling_std_7d"] = stats.StdDev(win7)
	f["amount_rolling_mean_30d"] = stats.Mean(win30)
	f["amount_rolling_std_30d"] = stats.StdDev(win30)

	f["transaction_velocity"] = 1 / (b.meanGapHours(obs) + eps)

	f["unique_merchants"] = uniqueCount(obs, func(o txObs) string { return o.merchant })
	f["unique_locations"] = uniqueCount(obs, func(o txObs) string { return o.location })
	f["unique_channels"] = uniqueCount(obs, func(o txObs) string { return o.channel })

	weekend, night := 0.0, 0.0
	for _, o := range obs {
		switch o.ts.Weekday() {
		case time.Saturday, time.Sunday:
			weekend++
		}
		h := o.ts.Hour()
		if h >= b.cfg.NightStartHour || h < b.cfg.NightEndHour {
			night++
		}
	}
	f["weekend_transaction_ratio"] = weekend / n
	f["night_transaction_ratio"] = night / n

	mean, std := stats.Mean(amts), stats.StdDev(amts)
	high, low := 0.0, 0.0
	if std > eps {
		for _, a := range amts {
			z := (a - mean) / std
			if z > 2 {
				high++
			}
			if z < -0.5 {
				low++
			}
		}
	}
	f["high_amount_ratio"] = high / n
	f["low_amount_ratio"] = low / n

	credits, debits, online := 0.0, 0.0, 0.0
	for _, o := range obs {
		switch o.txType {
		case "credit":
			credits++
		case "debit":
			debits++
		}
		if o.channel == "online" {
			online++
		}
	}
	f["credit_debit_ratio"] = (credits + 1) / (debits + 1)
	onlineFrac := online / n
	f["online_channel_odds"] = onlineFrac / (1 - onlineFrac + eps)

	f["amount_trend"] = stats.TrendSlope(amts)
	f["frequency_trend"] = frequencyTrend(obs)

	return f
}

// meanGapHours is the average inter-transaction gap. A single observation
// falls back to the configured default gap.
func (b *TransactionBuilder) meanGapHours(obs []txObs) float64 {
	if len(obs) < 2 {
		return b.cfg.DefaultGapHours
	}
	total := 0.0
	for i := 1; i < len(obs); i++ {
		total += obs[i].ts.Sub(obs[i-1].ts).Hours()
	}
	return total / float64(len(obs)-1)
}

// windowAmounts returns the amounts within the window ending at the most
// recent observation, the representative value for rolling features.
func windowAmounts(obs []txObs, end time.Time, window time.Duration) []float64 {
	cutoff := end.Add(-window)
	var out []float64
	for _, o := range obs {
		if !o.ts.Before(cutoff) {
			out = append(out, o.amount)
		}
	}
	return out
}

// frequencyTrend fits daily transaction counts against day index. Fewer
// than two distinct days yield 0.
func frequencyTrend(obs []txObs) float64 {
	counts := make(map[int]float64)
	base := obs[0].ts
	for _, o := range obs {
		day := int(o.ts.Sub(base).Hours() / 24)
		counts[day]++
	}
	if len(counts) < 2 {
		return 0
	}
	xs := make([]float64, 0, len(counts))
	for day := range counts {
		xs = append(xs, float64(day))
	}
	sort.Float64s(xs)
	ys := make([]float64, len(xs))
	for i, x := range xs {
		ys[i] = counts[int(x)]
	}
	return stats.SlopeXY(xs, ys)
}
