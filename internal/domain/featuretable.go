package domain

import (
	"fmt"
)

// FeatureTable maps entity identifiers to named numeric feature values.
// One row per unique identifier; the column set is fixed by the builder that
// produced it. Tables are request-scoped and never persisted directly.
type FeatureTable struct {
	idName  string
	ids     []string
	idIndex map[string]int
	columns []string
	data    map[string][]float64
}

// NewFeatureTable creates a feature table keyed by the given identifiers.
// Duplicate identifiers are rejected: one row per entity is an invariant.
func NewFeatureTable(idName string, ids []string) (*FeatureTable, error) {
	idIndex := make(map[string]int, len(ids))
	for i, id := range ids {
		if _, dup := idIndex[id]; dup {
			return nil, fmt.Errorf("duplicate entity identifier %q", id)
		}
		idIndex[id] = i
	}
	return &FeatureTable{
		idName:  idName,
		ids:     append([]string(nil), ids...),
		idIndex: idIndex,
		data:    make(map[string][]float64),
	}, nil
}

// IDName returns the identifier column name (e.g. "customer_id").
func (t *FeatureTable) IDName() string { return t.idName }

// IDs returns the entity identifiers in row order.
func (t *FeatureTable) IDs() []string { return t.ids }

// NumRows returns the number of entities.
func (t *FeatureTable) NumRows() int { return len(t.ids) }

// Columns returns feature column names in insertion order.
func (t *FeatureTable) Columns() []string { return t.columns }

// SetColumn adds or replaces a feature column. Values must align with IDs.
func (t *FeatureTable) SetColumn(name string, values []float64) error {
	if len(values) != len(t.ids) {
		return fmt.Errorf("%w: column %s has %d values for %d rows", ErrShapeMismatch, name, len(values), len(t.ids))
	}
	if _, exists := t.data[name]; !exists {
		t.columns = append(t.columns, name)
	}
	t.data[name] = append([]float64(nil), values...)
	return nil
}

// Column returns the values for a feature column in row order.
func (t *FeatureTable) Column(name string) ([]float64, bool) {
	v, ok := t.data[name]
	return v, ok
}

// HasColumn reports whether the table contains the named feature.
func (t *FeatureTable) HasColumn(name string) bool {
	_, ok := t.data[name]
	return ok
}

// Value returns a single feature value for an entity.
func (t *FeatureTable) Value(id, column string) (float64, bool) {
	i, ok := t.idIndex[id]
	if !ok {
		return 0, false
	}
	col, ok := t.data[column]
	if !ok {
		return 0, false
	}
	return col[i], true
}

// Row returns all features for one entity as a name->value map.
func (t *FeatureTable) Row(id string) (map[string]float64, bool) {
	i, ok := t.idIndex[id]
	if !ok {
		return nil, false
	}
	row := make(map[string]float64, len(t.columns))
	for _, c := range t.columns {
		row[c] = t.data[c][i]
	}
	return row, true
}

// InnerJoin merges two feature tables on entity identifier. Entities present
// in only one table are dropped; callers that need to observe the filtering
// should compare NumRows before and after. On duplicate column names the
// right table's column is prefixed.
func (t *FeatureTable) InnerJoin(other *FeatureTable, rightPrefix string) (*FeatureTable, error) {
	var ids []string
	for _, id := range t.ids {
		if _, ok := other.idIndex[id]; ok {
			ids = append(ids, id)
		}
	}

	joined, err := NewFeatureTable(t.idName, ids)
	if err != nil {
		return nil, err
	}

	for _, c := range t.columns {
		vals := make([]float64, len(ids))
		for i, id := range ids {
			vals[i] = t.data[c][t.idIndex[id]]
		}
		if err := joined.SetColumn(c, vals); err != nil {
			return nil, err
		}
	}
	for _, c := range other.columns {
		name := c
		if joined.HasColumn(c) {
			name = rightPrefix + c
		}
		vals := make([]float64, len(ids))
		for i, id := range ids {
			vals[i] = other.data[c][other.idIndex[id]]
		}
		if err := joined.SetColumn(name, vals); err != nil {
			return nil, err
		}
	}

	return joined, nil
}
