// Package scorer provides the model-serving clients consumed by the scoring
// engine: an HTTP client for an external model service and an in-process
// fallback that scores from the composite feature columns directly.
package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New selects the scorer implementation from configuration. An empty
// ScorerURL selects the in-process scorer.
func New(cfg domain.ScoringConfig) domain.Scorer {
	if cfg.ScorerURL == "" {
		return NewLocal()
	}
	return NewHTTP(cfg.ScorerURL, time.Duration(cfg.ScorerTimeoutMs)*time.Millisecond)
}

// HTTPScorer calls an external model-serving endpoint.
type HTTPScorer struct {
	url    string
	client *http.Client
}

// NewHTTP creates a scorer backed by an external model service.
func NewHTTP(url string, timeout time.Duration) *HTTPScorer {
	if timeout <= 0 {
		timeout = 400 * time.Millisecond
	}
	return &HTTPScorer{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type scoreRequest struct {
	Model   string      `json:"model"`
	Columns []string    `json:"columns"`
	Rows    [][]float64 `json:"rows"`
}

// Score sends the matrix to the model service and returns its per-row scores.
func (s *HTTPScorer) Score(ctx context.Context, model domain.ScoringModel, columns []string, matrix [][]float64) (*domain.ScoreOutput, error) {
	if len(matrix) == 0 {
		return nil, fmt.Errorf("%w: score matrix has no rows", domain.ErrEmptyInput)
	}

	body, err := json.Marshal(scoreRequest{
		Model:   string(model),
		Columns: columns,
		Rows:    matrix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scorer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Error("scorer returned non-OK status",
			"status", resp.StatusCode,
			"body", string(payload))
		return nil, fmt.Errorf("scorer returned status %d", resp.StatusCode)
	}

	var out domain.ScoreOutput
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode score response: %w", err)
	}
	if len(out.Scores) != len(matrix) {
		return nil, fmt.Errorf("%w: scorer returned %d scores for %d rows",
			domain.ErrShapeMismatch, len(out.Scores), len(matrix))
	}
	return &out, nil
}

// LocalScorer scores in-process from the composite feature column matching
// the requested model. When the matrix lacks the composite column it falls
// back to a logistic squash of the row mean, so a score is always produced.
type LocalScorer struct{}

// NewLocal creates the in-process scorer.
func NewLocal() *LocalScorer {
	return &LocalScorer{}
}

// compositeColumn maps each model to the feature column it scores from.
func compositeColumn(model domain.ScoringModel) string {
	switch model {
	case domain.ModelRisk:
		return "risk_composite_score"
	case domain.ModelFraud:
		return "fraud_composite_score"
	case domain.ModelRecommend:
		return "financial_wellness_score"
	}
	return ""
}

// Score returns the composite column value per row, or a logistic of the row
// mean when the column is absent.
func (s *LocalScorer) Score(_ context.Context, model domain.ScoringModel, columns []string, matrix [][]float64) (*domain.ScoreOutput, error) {
	if len(matrix) == 0 {
		return nil, fmt.Errorf("%w: score matrix has no rows", domain.ErrEmptyInput)
	}

	target := compositeColumn(model)
	idx := -1
	for i, c := range columns {
		if c == target {
			idx = i
			break
		}
	}

	scores := make([]float64, len(matrix))
	for i, row := range matrix {
		if idx >= 0 && idx < len(row) {
			scores[i] = clamp01(row[idx])
			continue
		}
		scores[i] = logistic(mean(row))
	}
	return &domain.ScoreOutput{Scores: scores}, nil
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func logistic(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
