// Package features implements the four feature builders (transaction,
// customer, fraud, wellness). Builders are two-phase: Fit learns scaling
// statistics from a reference batch, Transform applies them. Build runs both
// on the same batch, which reproduces the legacy batch-relative behavior.
package features

import (
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/stats"
)

// ScalerKind selects the scaling statistic.
type ScalerKind string

const (
	// ScalerRobust centers on the median and scales by IQR, resistant to
	// the heavy tails of financial amounts.
	ScalerRobust ScalerKind = "robust"

	// ScalerStandard centers on the mean and scales by standard deviation.
	ScalerStandard ScalerKind = "standard"
)

// ScaleStat is a fitted (center, scale) pair for one column.
type ScaleStat struct {
	Center float64 `json:"center"`
	Scale  float64 `json:"scale"`
}

// RangeStat is a fitted (min, max) pair for a min-max normalized column.
type RangeStat struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Scaler applies column-wise outlier-robust or standard scaling to a
// feature table. Zero-spread columns scale by 1 so constant features map to
// zero instead of exploding.
type Scaler struct {
	kind    ScalerKind
	epsilon float64
	fitted  bool
	cols    map[string]ScaleStat
	ranges  map[string]RangeStat
}

// NewScaler creates an unfitted scaler.
func NewScaler(kind ScalerKind, epsilon float64) *Scaler {
	return &Scaler{
		kind:    kind,
		epsilon: epsilon,
		cols:    make(map[string]ScaleStat),
		ranges:  make(map[string]RangeStat),
	}
}

// Fitted reports whether Fit has been called.
func (s *Scaler) Fitted() bool { return s.fitted }

// Fit learns per-column statistics from the table, skipping excluded
// columns. Refitting replaces all prior state.
func (s *Scaler) Fit(t *domain.FeatureTable, exclude map[string]bool) {
	s.cols = make(map[string]ScaleStat, len(t.Columns()))
	s.ranges = make(map[string]RangeStat)
	for _, name := range t.Columns() {
		if exclude[name] {
			continue
		}
		vals, _ := t.Column(name)
		s.cols[name] = s.fitColumn(vals)
	}
	s.fitted = true
}

func (s *Scaler) fitColumn(vals []float64) ScaleStat {
	var center, scale float64
	switch s.kind {
	case ScalerStandard:
		center = stats.Mean(vals)
		scale = stats.StdDev(vals)
	default:
		center = stats.Median(vals)
		_, _, scale = stats.IQR(vals)
	}
	if scale < s.epsilon {
		scale = 1
	}
	return ScaleStat{Center: center, Scale: scale}
}

// Transform scales fitted columns in place. Columns never seen at fit time
// pass through unchanged; fitted columns absent from the table are ignored
// (the builder's schema validation catches genuine drift earlier).
func (s *Scaler) Transform(t *domain.FeatureTable) error {
	if !s.fitted {
		return domain.ErrNotFitted
	}
	for _, name := range t.Columns() {
		st, ok := s.cols[name]
		if !ok {
			continue
		}
		vals, _ := t.Column(name)
		scaled := make([]float64, len(vals))
		for i, v := range vals {
			scaled[i] = stats.Sanitize((v - st.Center) / st.Scale)
		}
		if err := t.SetColumn(name, scaled); err != nil {
			return err
		}
	}
	return nil
}

// FitRange learns the min-max range of one column, normally the composite
// score the caller excluded from Fit.
func (s *Scaler) FitRange(name string, vals []float64) {
	min, max := stats.MinMax(vals)
	s.ranges[name] = RangeStat{Min: min, Max: max}
}

// TransformRange rescales vals in place to [0,1] against the fitted range,
// clipping values outside it. A column without a fitted range, or whose
// fitted range is degenerate, falls back to batch-relative normalization so
// states persisted before ranges existed keep their old behavior.
func (s *Scaler) TransformRange(name string, vals []float64) {
	r, ok := s.ranges[name]
	span := r.Max - r.Min
	if !ok || span < s.epsilon {
		MinMaxNormalize(vals, s.epsilon)
		return
	}
	for i, v := range vals {
		vals[i] = clip((v-r.Min)/span, 0, 1)
	}
}

// scalerState is the serialized form of a fitted scaler.
type scalerState struct {
	Kind    ScalerKind           `json:"kind"`
	Epsilon float64              `json:"epsilon"`
	Columns map[string]ScaleStat `json:"columns"`
	Ranges  map[string]RangeStat `json:"ranges,omitempty"`
}

// MarshalState serializes the fitted statistics.
func (s *Scaler) MarshalState() ([]byte, error) {
	if !s.fitted {
		return nil, domain.ErrNotFitted
	}
	return json.Marshal(scalerState{
		Kind:    s.kind,
		Epsilon: s.epsilon,
		Columns: s.cols,
		Ranges:  s.ranges,
	})
}

// UnmarshalState restores a fitted scaler.
func (s *Scaler) UnmarshalState(data []byte) error {
	var st scalerState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("invalid scaler state: %w", err)
	}
	s.kind = st.Kind
	s.epsilon = st.Epsilon
	s.cols = st.Columns
	s.ranges = st.Ranges
	if s.ranges == nil {
		s.ranges = make(map[string]RangeStat)
	}
	s.fitted = true
	return nil
}

// MinMaxNormalize rescales vals to [0,1] in place. A degenerate batch (all
// values equal) maps to all zeros rather than dividing by zero.
func MinMaxNormalize(vals []float64, epsilon float64) {
	min, max := stats.MinMax(vals)
	span := max - min
	if span < epsilon {
		for i := range vals {
			vals[i] = 0
		}
		return
	}
	for i, v := range vals {
		vals[i] = (v - min) / span
	}
}

// clip bounds v to [lo, hi].
func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
