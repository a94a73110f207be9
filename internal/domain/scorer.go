package domain

import "context"

// Scorer is the external model-serving capability consumed by the scoring
// engine. Implementations may call a remote model service or score
// in-process; the feature pipeline treats both as opaque.
type Scorer interface {
	// Score returns one probability/score per matrix row. Columns names the
	// matrix columns in order, matching the preprocessing output mapping.
	Score(ctx context.Context, model ScoringModel, columns []string, matrix [][]float64) (*ScoreOutput, error)
}

// ScoreOutput is the scorer response for a matrix.
type ScoreOutput struct {
	Scores []float64 `json:"scores"`

	// Explanations are opaque per-row payloads (e.g. attribution maps from
	// an explainability sidecar). May be nil or shorter than Scores.
	Explanations []map[string]interface{} `json:"explanations,omitempty"`
}
