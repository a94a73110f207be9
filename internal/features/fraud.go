package features

import (
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/frame"
	"github.com/opensource-finance/kestrel/internal/stats"
)

var fraudFeatureColumns = []string{
	"unusual_time_ratio",
	"unusual_location_ratio",
	"amount_anomaly_ratio",
	"large_amount_ratio",
	"rapid_succession_ratio",
	"velocity_anomaly_ratio",
	"merchant_risk_score",
	"location_switch_rate",
	"channel_switch_rate",
	"fraud_composite_score",
}

// fraudCompositeColumn is excluded from robust scaling; it is min-max
// normalized to [0,1] against the fitted range instead.
const fraudCompositeColumn = "fraud_composite_score"

// rapidGap is the inter-transaction gap under which a pair counts as
// rapid succession.
const rapidGap = 30 * time.Minute

// FraudBuilder derives per-entity fraud indicators from per-transaction
// anomaly flags. Non-score outputs are robust-scaled.
type FraudBuilder struct {
	cfg     domain.FeatureConfig
	weights domain.FraudWeights
	scaler  *Scaler
}

// NewFraudBuilder creates a builder with the given composite weights.
func NewFraudBuilder(cfg domain.FeatureConfig, weights domain.FraudWeights) (*FraudBuilder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid feature config: %w", err)
	}
	if err := domain.ValidateWeightSum("fraud", weights.Sum()); err != nil {
		return nil, err
	}
	return &FraudBuilder{
		cfg:     cfg,
		weights: weights,
		scaler:  NewScaler(ScalerRobust, cfg.Epsilon),
	}, nil
}

// Columns returns the builder's declared output schema.
func (b *FraudBuilder) Columns() []string {
	return append([]string(nil), fraudFeatureColumns...)
}

// Fit learns robust scaling statistics and the composite score range from a
// reference batch.
func (b *FraudBuilder) Fit(tbl *frame.Table) error {
	raw, err := b.buildRaw(tbl)
	if err != nil {
		return err
	}
	b.scaler.Fit(raw, map[string]bool{fraudCompositeColumn: true})
	if vals, ok := raw.Column(fraudCompositeColumn); ok {
		b.scaler.FitRange(fraudCompositeColumn, vals)
	}
	return nil
}

// Transform computes features and applies previously fitted scaling. The
// composite score is normalized against the fitted range, so a single-entity
// batch keeps its position relative to the reference distribution.
func (b *FraudBuilder) Transform(tbl *frame.Table) (*domain.FeatureTable, error) {
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
	if vals, ok := raw.Column(fraudCompositeColumn); ok {
		b.scaler.TransformRange(fraudCompositeColumn, vals)
	}
	return raw, nil
}

// Build fits on the batch and transforms it, the legacy batch-relative mode.
func (b *FraudBuilder) Build(tbl *frame.Table) (*domain.FeatureTable, error) {
	if err := b.Fit(tbl); err != nil {
		return nil, err
	}
	return b.Transform(tbl)
}

// ScalerState exposes the fitted statistics for persistence.
func (b *FraudBuilder) ScalerState() ([]byte, error) { return b.scaler.MarshalState() }

// RestoreScalerState restores persisted statistics.
func (b *FraudBuilder) RestoreScalerState(data []byte) error {
	return b.scaler.UnmarshalState(data)
}

// entityFlags holds the per-transaction flag series for one entity.
type entityFlags struct {
	unusualTime   []float64
	unusualLoc    []float64
	amountAnomaly []float64
	largeAmount   []float64
	rapid         []float64
	velocityAnom  []float64
	merchantRisk  []float64
	locSwitch     float64
	chanSwitch    float64
}

func (b *FraudBuilder) buildRaw(tbl *frame.Table) (*domain.FeatureTable, error) {
	groups, ids, err := groupTransactions(tbl)
	if err != nil {
		return nil, err
	}

	rareLocations := b.rareLocations(groups)

	// First pass: per-transaction flags, accumulating category unusualness
	// for the merchant risk aggregate.
	flags := make(map[string]*entityFlags, len(ids))
	catSums := make(map[string]float64)
	catCounts := make(map[string]float64)
	for _, id := range ids {
		obs := groups[id]
		ef := b.transactionFlags(obs, rareLocations)
		flags[id] = ef
		for i, o := range obs {
			unusual := (ef.amountAnomaly[i] + ef.unusualTime[i] + ef.unusualLoc[i]) / 3
			catSums[o.category] += unusual
			catCounts[o.category]++
		}
	}

	// Second pass: merchant category risk per transaction.
	for _, id := range ids {
		obs := groups[id]
		ef := flags[id]
		ef.merchantRisk = make([]float64, len(obs))
		for i, o := range obs {
			if catCounts[o.category] > 0 {
				ef.merchantRisk[i] = catSums[o.category] / catCounts[o.category]
			}
		}
	}

	out, err := domain.NewFeatureTable(domain.ColCustomerID, ids)
	if err != nil {
		return nil, err
	}

	cols := make(map[string][]float64, len(fraudFeatureColumns))
	for _, name := range fraudFeatureColumns {
		cols[name] = make([]float64, len(ids))
	}

	w := b.weights
	for row, id := range ids {
		ef := flags[id]
		unusualTime := stats.Mean(ef.unusualTime)
		unusualLoc := stats.Mean(ef.unusualLoc)
		amountAnom := stats.Mean(ef.amountAnomaly)
		large := stats.Mean(ef.largeAmount)
		rapid := stats.Mean(ef.rapid)
		velocityAnom := stats.Mean(ef.velocityAnom)
		merchantRisk := stats.Mean(ef.merchantRisk)

		cols["unusual_time_ratio"][row] = unusualTime
		cols["unusual_location_ratio"][row] = unusualLoc
		cols["amount_anomaly_ratio"][row] = amountAnom
		cols["large_amount_ratio"][row] = large
		cols["rapid_succession_ratio"][row] = rapid
		cols["velocity_anomaly_ratio"][row] = velocityAnom
		cols["merchant_risk_score"][row] = merchantRisk
		cols["location_switch_rate"][row] = ef.locSwitch
		cols["channel_switch_rate"][row] = ef.chanSwitch

		cols[fraudCompositeColumn][row] = stats.Sanitize(
			w.UnusualTime*unusualTime +
				w.UnusualLocation*unusualLoc +
				w.AmountAnomaly*amountAnom +
				w.LargeAmount*large +
				w.RapidSuccession*rapid +
				w.VelocityAnomaly*velocityAnom +
				w.MerchantRisk*merchantRisk,
		)
	}

	for _, name := range fraudFeatureColumns {
		if err := out.SetColumn(name, stats.SanitizeSlice(cols[name])); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// rareLocations returns the locations in the bottom-10% frequency bucket
// across the whole batch.
func (b *FraudBuilder) rareLocations(groups map[string][]txObs) map[string]bool {
	counts := make(map[string]float64)
	for _, obs := range groups {
		for _, o := range obs {
			if o.location != "" {
				counts[o.location]++
			}
		}
	}
	if len(counts) == 0 {
		return nil
	}
	freqs := make([]float64, 0, len(counts))
	for _, c := range counts {
		freqs = append(freqs, c)
	}
	threshold := stats.Quantile(0.10, freqs)
	rare := make(map[string]bool)
	for loc, c := range counts {
		if c <= threshold {
			rare[loc] = true
		}
	}
	return rare
}

// transactionFlags computes the per-transaction anomaly flags for one
// entity's time-ordered observations.
func (b *FraudBuilder) transactionFlags(obs []txObs, rareLocations map[string]bool) *entityFlags {
	eps := b.cfg.Epsilon
	n := len(obs)
	ef := &entityFlags{
		unusualTime:   make([]float64, n),
		unusualLoc:    make([]float64, n),
		amountAnomaly: make([]float64, n),
		largeAmount:   make([]float64, n),
		rapid:         make([]float64, n),
		velocityAnom:  make([]float64, n),
	}

	hours := make([]float64, n)
	amts := make([]float64, n)
	for i, o := range obs {
		hours[i] = float64(o.ts.Hour())
		amts[i] = o.amount
	}
	hourMean, hourStd := stats.Mean(hours), stats.StdDev(hours)
	amtMean, amtStd := stats.Mean(amts), stats.StdDev(amts)

	// 24h rolling transaction counts, one per observation.
	counts := make([]float64, n)
	for i, o := range obs {
		cutoff := o.ts.Add(-24 * time.Hour)
		c := 0.0
		for j := i; j >= 0 && !obs[j].ts.Before(cutoff); j-- {
			c++
		}
		counts[i] = c
	}
	countMean, countStd := stats.Mean(counts), stats.StdDev(counts)

	prefixMax := math.Inf(-1)
	for i, o := range obs {
		if hourStd > eps && math.Abs(hours[i]-hourMean) > 2*hourStd {
			ef.unusualTime[i] = 1
		}
		if rareLocations[o.location] {
			ef.unusualLoc[i] = 1
		}
		if amtStd > eps && math.Abs((o.amount-amtMean)/amtStd) > 3 {
			ef.amountAnomaly[i] = 1
		}
		if i > 0 && prefixMax > 0 && o.amount > 2*prefixMax {
			ef.largeAmount[i] = 1
		}
		if i > 0 && obs[i].ts.Sub(obs[i-1].ts) < rapidGap {
			ef.rapid[i] = 1
		}
		if countStd > eps && (counts[i]-countMean)/countStd > 2 {
			ef.velocityAnom[i] = 1
		}
		if o.amount > prefixMax {
			prefixMax = o.amount
		}
	}

	ef.locSwitch = switchRate(obs, func(o txObs) string { return o.location })
	ef.chanSwitch = switchRate(obs, func(o txObs) string { return o.channel })
	return ef
}
