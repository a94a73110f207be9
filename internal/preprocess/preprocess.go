// Package preprocess turns cleaned feature tables into dense numeric
// matrices for model input. Unlike the feature builders, the pipeline here
// has a strict fit/transform split: fit learns per-column statistics and
// categorical vocabularies once, transform applies them to any number of
// batches without refitting.
package preprocess

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/frame"
	"github.com/opensource-finance/kestrel/internal/stats"
)

// ColumnStats is a fitted (mean, std) pair for one numerical column.
type ColumnStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// Vocabulary is the persisted category set for one categorical column.
// Reference holds the dropped category; Categories the retained ones, each
// becoming an indicator column. Unseen categories at transform time encode
// as all zeros, indistinguishable from the reference by design.
type Vocabulary struct {
	Reference  string   `json:"reference"`
	Categories []string `json:"categories"`
}

// Matrix is the dense output of Transform: one row per input row, columns
// fixed at fit time.
type Matrix struct {
	Columns []string
	Rows    [][]float64
}

// Pipeline standardizes numerical columns and one-hot encodes categorical
// columns. Once fitted, Transform is safe for concurrent use; fit state is
// never mutated by Transform.
type Pipeline struct {
	cfg    domain.FeatureConfig
	fitted bool

	numeric     []string
	categorical []string
	passthrough []string

	colStats map[string]ColumnStats
	vocabs   map[string]Vocabulary
	outCols  []string
}

// New creates an unfitted pipeline.
func New(cfg domain.FeatureConfig) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid feature config: %w", err)
	}
	return &Pipeline{cfg: cfg}, nil
}

// Fitted reports whether Fit has completed.
func (p *Pipeline) Fitted() bool { return p.fitted }

// OutputColumns returns the fit-time column mapping of the output matrix.
func (p *Pipeline) OutputColumns() []string {
	return append([]string(nil), p.outCols...)
}

// Fit learns standardization statistics for the declared numeric columns and
// vocabularies for the declared categorical columns. Numeric columns not
// declared either way pass through unchanged; non-numeric undeclared columns
// are excluded from the matrix. Refitting replaces all prior state.
func (p *Pipeline) Fit(tbl *frame.Table, numeric, categorical []string) error {
	if tbl == nil || tbl.IsEmpty() {
		return domain.ErrEmptyInput
	}
	declared := append(append([]string(nil), numeric...), categorical...)
	if missing := tbl.MissingColumns(declared); len(missing) > 0 {
		return domain.NewMissingColumnsError(missing)
	}

	colStats := make(map[string]ColumnStats, len(numeric))
	for _, name := range numeric {
		c, _ := tbl.Column(name)
		if c.Kind() != frame.Numeric {
			return fmt.Errorf("column %q declared numeric but holds %s values", name, c.Kind())
		}
		vals := c.ValidFloats()
		mean := stats.Mean(vals)
		std := stats.StdDev(vals)
		if std < p.cfg.Epsilon {
			std = 1
		}
		colStats[name] = ColumnStats{Mean: mean, Std: std}
	}

	vocabs := make(map[string]Vocabulary, len(categorical))
	for _, name := range categorical {
		c, _ := tbl.Column(name)
		if c.Kind() != frame.Categorical {
			return fmt.Errorf("column %q declared categorical but holds %s values", name, c.Kind())
		}
		vocabs[name] = buildVocabulary(c.Strings(), p.cfg.CardinalityCap)
	}

	declaredSet := make(map[string]bool, len(declared))
	for _, name := range declared {
		declaredSet[name] = true
	}
	var passthrough []string
	for _, c := range tbl.Columns() {
		if !declaredSet[c.Name()] && c.Kind() == frame.Numeric {
			passthrough = append(passthrough, c.Name())
		}
	}

	p.numeric = append([]string(nil), numeric...)
	p.categorical = append([]string(nil), categorical...)
	p.passthrough = passthrough
	p.colStats = colStats
	p.vocabs = vocabs
	p.outCols = p.buildOutputColumns()
	p.fitted = true
	return nil
}

func (p *Pipeline) buildOutputColumns() []string {
	var out []string
	out = append(out, p.numeric...)
	for _, name := range p.categorical {
		for _, cat := range p.vocabs[name].Categories {
			out = append(out, name+"="+cat)
		}
	}
	out = append(out, p.passthrough...)
	return out
}

// Transform encodes the table into a dense matrix using fit-time state.
// Row count matches the input; column count is fixed at fit time.
func (p *Pipeline) Transform(tbl *frame.Table) (*Matrix, error) {
	if !p.fitted {
		return nil, domain.ErrNotFitted
	}
	if tbl == nil || tbl.IsEmpty() {
		return nil, domain.ErrEmptyInput
	}
	required := append(append(append([]string(nil), p.numeric...), p.categorical...), p.passthrough...)
	if missing := tbl.MissingColumns(required); len(missing) > 0 {
		return nil, domain.NewMissingColumnsError(missing)
	}
	for _, name := range append(append([]string(nil), p.numeric...), p.passthrough...) {
		c, _ := tbl.Column(name)
		if c.Kind() != frame.Numeric {
			return nil, fmt.Errorf("column %q was numeric at fit but holds %s values", name, c.Kind())
		}
	}
	for _, name := range p.categorical {
		c, _ := tbl.Column(name)
		if c.Kind() != frame.Categorical {
			return nil, fmt.Errorf("column %q was categorical at fit but holds %s values", name, c.Kind())
		}
	}

	n := tbl.NumRows()
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = make([]float64, len(p.outCols))
	}

	j := 0
	for _, name := range p.numeric {
		c, _ := tbl.Column(name)
		st := p.colStats[name]
		for i := 0; i < n; i++ {
			rows[i][j] = stats.Sanitize((c.Float(i) - st.Mean) / st.Std)
		}
		j++
	}
	for _, name := range p.categorical {
		c, _ := tbl.Column(name)
		vocab := p.vocabs[name]
		index := make(map[string]int, len(vocab.Categories))
		for k, cat := range vocab.Categories {
			index[cat] = k
		}
		for i := 0; i < n; i++ {
			if k, ok := index[c.String(i)]; ok {
				rows[i][j+k] = 1
			}
		}
		j += len(vocab.Categories)
	}
	for _, name := range p.passthrough {
		c, _ := tbl.Column(name)
		for i := 0; i < n; i++ {
			rows[i][j] = stats.Sanitize(c.Float(i))
		}
		j++
	}

	return &Matrix{Columns: p.OutputColumns(), Rows: rows}, nil
}

// buildVocabulary learns the retained category set: categories ordered by
// descending frequency (lexical tie-break), truncated to cap, with the most
// frequent dropped as the reference.
func buildVocabulary(values []string, maxSize int) Vocabulary {
	counts := make(map[string]int)
	for _, v := range values {
		if v != "" {
			counts[v]++
		}
	}
	cats := make([]string, 0, len(counts))
	for c := range counts {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(a, b int) bool {
		if counts[cats[a]] != counts[cats[b]] {
			return counts[cats[a]] > counts[cats[b]]
		}
		return cats[a] < cats[b]
	})
	if len(cats) > maxSize {
		cats = cats[:maxSize]
	}
	if len(cats) == 0 {
		return Vocabulary{}
	}
	return Vocabulary{Reference: cats[0], Categories: cats[1:]}
}

// pipelineState is the serialized form of a fitted pipeline.
type pipelineState struct {
	Numeric     []string               `json:"numeric"`
	Categorical []string               `json:"categorical"`
	Passthrough []string               `json:"passthrough"`
	ColumnStats map[string]ColumnStats `json:"columnStats"`
	Vocabs      map[string]Vocabulary  `json:"vocabularies"`
}

// MarshalState serializes the fitted pipeline for persistence.
func (p *Pipeline) MarshalState() ([]byte, error) {
	if !p.fitted {
		return nil, domain.ErrNotFitted
	}
	return json.Marshal(pipelineState{
		Numeric:     p.numeric,
		Categorical: p.categorical,
		Passthrough: p.passthrough,
		ColumnStats: p.colStats,
		Vocabs:      p.vocabs,
	})
}

// UnmarshalState restores a fitted pipeline from persisted state.
func (p *Pipeline) UnmarshalState(data []byte) error {
	var st pipelineState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("invalid pipeline state: %w", err)
	}
	p.numeric = st.Numeric
	p.categorical = st.Categorical
	p.passthrough = st.Passthrough
	p.colStats = st.ColumnStats
	p.vocabs = st.Vocabs
	p.outCols = p.buildOutputColumns()
	p.fitted = true
	return nil
}
