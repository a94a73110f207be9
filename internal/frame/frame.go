// Package frame provides the typed in-memory table the feature pipeline
// operates on. Columns are numeric, categorical, or datetime; missing values
// are NaN, "", and the zero time respectively.
package frame

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind is the logical type of a column.
type Kind int

const (
	Numeric Kind = iota
	Categorical
	Datetime
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Numeric:
		return "numeric"
	case Categorical:
		return "categorical"
	case Datetime:
		return "datetime"
	default:
		return "unknown"
	}
}

// Column is a single named, typed column. Exactly one of the value slices is
// populated, matching Kind.
type Column struct {
	name    string
	kind    Kind
	floats  []float64
	strings []string
	times   []time.Time
}

// NewNumeric creates a numeric column. NaN marks missing values.
func NewNumeric(name string, values []float64) *Column {
	return &Column{name: name, kind: Numeric, floats: append([]float64(nil), values...)}
}

// NewCategorical creates a categorical column. "" marks missing values.
func NewCategorical(name string, values []string) *Column {
	return &Column{name: name, kind: Categorical, strings: append([]string(nil), values...)}
}

// NewDatetime creates a datetime column. The zero time marks missing values.
func NewDatetime(name string, values []time.Time) *Column {
	return &Column{name: name, kind: Datetime, times: append([]time.Time(nil), values...)}
}

// Name returns the column name.
func (c *Column) Name() string { return c.name }

// Kind returns the column kind.
func (c *Column) Kind() Kind { return c.kind }

// Len returns the number of rows.
func (c *Column) Len() int {
	switch c.kind {
	case Numeric:
		return len(c.floats)
	case Categorical:
		return len(c.strings)
	default:
		return len(c.times)
	}
}

// IsMissing reports whether row i holds the missing sentinel.
func (c *Column) IsMissing(i int) bool {
	switch c.kind {
	case Numeric:
		return math.IsNaN(c.floats[i])
	case Categorical:
		return c.strings[i] == ""
	default:
		return c.times[i].IsZero()
	}
}

// MissingCount returns the number of missing rows.
func (c *Column) MissingCount() int {
	n := 0
	for i := 0; i < c.Len(); i++ {
		if c.IsMissing(i) {
			n++
		}
	}
	return n
}

// Float returns the numeric value at row i.
func (c *Column) Float(i int) float64 { return c.floats[i] }

// SetFloat sets the numeric value at row i.
func (c *Column) SetFloat(i int, v float64) { c.floats[i] = v }

// String returns the categorical value at row i.
func (c *Column) String(i int) string { return c.strings[i] }

// SetString sets the categorical value at row i.
func (c *Column) SetString(i int, v string) { c.strings[i] = v }

// Time returns the datetime value at row i.
func (c *Column) Time(i int) time.Time { return c.times[i] }

// Floats returns the backing numeric slice. Callers must not assume it is a
// copy; use ValidFloats for a detached, missing-free view.
func (c *Column) Floats() []float64 { return c.floats }

// Strings returns the backing categorical slice.
func (c *Column) Strings() []string { return c.strings }

// Times returns the backing datetime slice.
func (c *Column) Times() []time.Time { return c.times }

// ValidFloats returns a copy of the non-missing numeric values.
func (c *Column) ValidFloats() []float64 {
	out := make([]float64, 0, len(c.floats))
	for _, v := range c.floats {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

// Clone deep-copies the column.
func (c *Column) Clone() *Column {
	switch c.kind {
	case Numeric:
		return NewNumeric(c.name, c.floats)
	case Categorical:
		return NewCategorical(c.name, c.strings)
	default:
		return NewDatetime(c.name, c.times)
	}
}

// Table is an ordered collection of equal-length columns.
type Table struct {
	cols  []*Column
	index map[string]int
	nrows int
}

// New creates a table from columns, validating equal lengths and unique names.
func New(cols ...*Column) (*Table, error) {
	t := &Table{index: make(map[string]int, len(cols))}
	for _, c := range cols {
		if err := t.AddColumn(c); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// NumRows returns the row count.
func (t *Table) NumRows() int { return t.nrows }

// NumCols returns the column count.
func (t *Table) NumCols() int { return len(t.cols) }

// IsEmpty reports whether the table has no rows or no columns.
func (t *Table) IsEmpty() bool { return t.nrows == 0 || len(t.cols) == 0 }

// ColumnNames returns column names in order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.cols))
	for i, c := range t.cols {
		names[i] = c.name
	}
	return names
}

// Columns returns the columns in order.
func (t *Table) Columns() []*Column { return t.cols }

// Column returns the named column.
func (t *Table) Column(name string) (*Column, bool) {
	i, ok := t.index[name]
	if !ok {
		return nil, false
	}
	return t.cols[i], true
}

// HasColumn reports whether the table contains the named column.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.index[name]
	return ok
}

// AddColumn appends a column, validating length against existing columns.
func (t *Table) AddColumn(c *Column) error {
	if _, dup := t.index[c.name]; dup {
		return fmt.Errorf("duplicate column %q", c.name)
	}
	if len(t.cols) > 0 && c.Len() != t.nrows {
		return fmt.Errorf("column %q has %d rows, table has %d", c.name, c.Len(), t.nrows)
	}
	if len(t.cols) == 0 {
		t.nrows = c.Len()
	}
	t.index[c.name] = len(t.cols)
	t.cols = append(t.cols, c)
	return nil
}

// ReplaceColumn swaps the named column for a new one of the same length,
// preserving position. Used when coercion changes a column's kind.
func (t *Table) ReplaceColumn(name string, c *Column) error {
	i, ok := t.index[name]
	if !ok {
		return fmt.Errorf("no such column %q", name)
	}
	if c.Len() != t.nrows {
		return fmt.Errorf("column %q has %d rows, table has %d", c.name, c.Len(), t.nrows)
	}
	delete(t.index, name)
	t.index[c.name] = i
	t.cols[i] = c
	return nil
}

// Clone deep-copies the table.
func (t *Table) Clone() *Table {
	out := &Table{index: make(map[string]int, len(t.cols)), nrows: t.nrows}
	for _, c := range t.cols {
		out.index[c.name] = len(out.cols)
		out.cols = append(out.cols, c.Clone())
	}
	return out
}

// MissingColumns returns the required column names absent from the table.
func (t *Table) MissingColumns(required []string) []string {
	var missing []string
	for _, name := range required {
		if !t.HasColumn(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// CoerceNumeric attempts to reinterpret a categorical column as numeric.
// When more than threshold (fraction of non-missing values) parse as floats,
// it returns a committed numeric column with unparseable entries as NaN.
// Returns nil when the column should stay categorical.
func CoerceNumeric(c *Column, threshold float64) *Column {
	if c.kind != Categorical {
		return nil
	}
	n := c.Len()
	floats := make([]float64, n)
	parseable, valid := 0, 0
	for i := 0; i < n; i++ {
		s := strings.TrimSpace(c.strings[i])
		if s == "" {
			floats[i] = math.NaN()
			continue
		}
		valid++
		v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
		if err != nil {
			floats[i] = math.NaN()
			continue
		}
		floats[i] = v
		parseable++
	}
	if valid == 0 || float64(parseable)/float64(valid) <= threshold {
		return nil
	}
	return NewNumeric(c.name, floats)
}
