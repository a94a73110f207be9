// Package cleaner implements missing-value imputation and IQR outlier
// capping over a frame.Table. Outliers are clamped to the fences, never
// dropped: financial batches legitimately contain extreme-but-valid values.
package cleaner

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/frame"
	"github.com/opensource-finance/kestrel/internal/stats"
)

// coerceThreshold is the fraction of parseable values above which a text
// column is reclassified as numeric.
const coerceThreshold = 0.5

// unknownCategory is the sentinel substituted when a categorical column has
// no derivable mode.
const unknownCategory = "Unknown"

// Cleaner fills missing values and caps numerical outliers at IQR fences.
type Cleaner struct {
	cfg domain.FeatureConfig
}

// New creates a Cleaner, validating the configuration.
func New(cfg domain.FeatureConfig) (*Cleaner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid feature config: %w", err)
	}
	return &Cleaner{cfg: cfg}, nil
}

// Clean returns a same-shaped table with no missing numeric/categorical
// values and all numeric values inside the IQR fences, plus a quality
// report. Data-quality issues are absorbed and reported, never returned as
// errors; only a nil table is rejected.
func (c *Cleaner) Clean(tbl *frame.Table) (*frame.Table, *domain.QualityReport, error) {
	if tbl == nil {
		return nil, nil, fmt.Errorf("%w: table is nil", domain.ErrEmptyInput)
	}

	report := &domain.QualityReport{
		ID:            uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		RowsIn:        tbl.NumRows(),
		RowsOut:       tbl.NumRows(),
		RetentionRate: 1.0,
		OutlierCounts: make(map[string]int),
	}

	if tbl.IsEmpty() {
		return tbl.Clone(), report, nil
	}

	if tbl.NumRows() < c.cfg.MinSampleSize {
		c.warn(report, fmt.Sprintf("batch has %d rows, below min sample size %d; batch statistics may be unreliable", tbl.NumRows(), c.cfg.MinSampleSize))
	}

	out := tbl.Clone()

	// Reclassify text columns that are mostly numeric, committing the
	// coerced values.
	for _, name := range out.ColumnNames() {
		col, _ := out.Column(name)
		if num := frame.CoerceNumeric(col, coerceThreshold); num != nil {
			if err := out.ReplaceColumn(name, num); err != nil {
				return nil, nil, err
			}
			slog.Debug("reclassified text column as numeric", "column", name)
		}
	}

	for _, col := range out.Columns() {
		switch col.Kind() {
		case frame.Numeric:
			c.imputeNumeric(col, report)
			c.capOutliers(col, report)
		case frame.Categorical:
			c.imputeCategorical(col, report)
		case frame.Datetime:
			c.imputeDatetime(col, report)
		}
	}

	// Post-clean invariants. Violations signal a cleaner bug, not bad data.
	remaining := 0
	for _, col := range out.Columns() {
		if col.Kind() == frame.Datetime {
			continue
		}
		remaining += col.MissingCount()
	}
	report.MissingRemaining = remaining
	if remaining > 0 {
		c.warn(report, fmt.Sprintf("%d missing values remain after cleaning", remaining))
	}
	if report.RetentionRate < 0.95 {
		c.warn(report, fmt.Sprintf("row retention %.2f below 0.95", report.RetentionRate))
	}

	return out, report, nil
}

// imputeNumeric fills missing values with the column median, or 0.0 with a
// warning when the column is entirely missing.
func (c *Cleaner) imputeNumeric(col *frame.Column, report *domain.QualityReport) {
	valid := col.ValidFloats()
	fill := 0.0
	if len(valid) == 0 {
		c.warn(report, fmt.Sprintf("column %s is entirely missing, filled with 0.0", col.Name()))
	} else {
		fill = stats.Median(valid)
	}
	for i := 0; i < col.Len(); i++ {
		if math.IsNaN(col.Float(i)) {
			col.SetFloat(i, fill)
			report.MissingFilled++
		}
	}
}

// imputeCategorical fills missing values with the column mode, falling back
// to the Unknown sentinel.
func (c *Cleaner) imputeCategorical(col *frame.Column, report *domain.QualityReport) {
	fill := stats.Mode(col.Strings())
	if fill == "" {
		fill = unknownCategory
	}
	for i := 0; i < col.Len(); i++ {
		if col.String(i) == "" {
			col.SetString(i, fill)
			report.MissingFilled++
		}
	}
}

// imputeDatetime fills missing timestamps with the column's median
// timestamp. An all-missing column is left as-is with a warning; downstream
// builders treat zero times as absent observations.
func (c *Cleaner) imputeDatetime(col *frame.Column, report *domain.QualityReport) {
	times := col.Times()
	valid := make([]time.Time, 0, len(times))
	for _, ts := range times {
		if !ts.IsZero() {
			valid = append(valid, ts)
		}
	}
	if len(valid) == 0 {
		if col.Len() > 0 {
			c.warn(report, fmt.Sprintf("datetime column %s is entirely missing", col.Name()))
		}
		return
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].Before(valid[j]) })
	fill := valid[len(valid)/2]
	for i, ts := range times {
		if ts.IsZero() {
			times[i] = fill
			report.MissingFilled++
		}
	}
}

// capOutliers clamps values outside [Q1 - k*IQR, Q3 + k*IQR] to the nearest
// fence. Called after imputation, so the column has no missing values.
func (c *Cleaner) capOutliers(col *frame.Column, report *domain.QualityReport) {
	vals := col.Floats()
	if len(vals) == 0 {
		return
	}
	q1, q3, iqr := stats.IQR(vals)
	lower := q1 - c.cfg.IQRMultiplier*iqr
	upper := q3 + c.cfg.IQRMultiplier*iqr

	capped := 0
	for i, v := range vals {
		if v < lower {
			col.SetFloat(i, lower)
			capped++
		} else if v > upper {
			col.SetFloat(i, upper)
			capped++
		}
	}
	if capped == 0 {
		return
	}
	report.OutlierCounts[col.Name()] = capped

	pct := 100 * float64(capped) / float64(len(vals))
	if pct > c.cfg.MaxOutlierPct {
		c.warn(report, fmt.Sprintf("column %s: %.1f%% of values capped at IQR fences (threshold %.1f%%)", col.Name(), pct, c.cfg.MaxOutlierPct))
	}
}

func (c *Cleaner) warn(report *domain.QualityReport, msg string) {
	report.Warnings = append(report.Warnings, msg)
	slog.Warn("data quality", "report_id", report.ID, "warning", msg)
}
