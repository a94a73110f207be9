package scorer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLocalScorerUsesCompositeColumn(t *testing.T) {
	s := NewLocal()
	columns := []string{"amount_mean", "risk_composite_score"}
	matrix := [][]float64{
		{1.5, 0.2},
		{-0.3, 0.9},
	}

	out, err := s.Score(context.Background(), domain.ModelRisk, columns, matrix)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if out.Scores[0] != 0.2 || out.Scores[1] != 0.9 {
		t.Errorf("scores = %v, want composite column values [0.2 0.9]", out.Scores)
	}
}

func TestLocalScorerFallback(t *testing.T) {
	s := NewLocal()
	out, err := s.Score(context.Background(), domain.ModelRisk, []string{"a", "b"}, [][]float64{{0, 0}})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if out.Scores[0] != 0.5 {
		t.Errorf("fallback score = %v, want 0.5 for zero-mean row", out.Scores[0])
	}
}

func TestLocalScorerClampsComposite(t *testing.T) {
	s := NewLocal()
	columns := []string{"fraud_composite_score"}
	out, err := s.Score(context.Background(), domain.ModelFraud, columns, [][]float64{{1.7}, {-0.2}})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if out.Scores[0] != 1 || out.Scores[1] != 0 {
		t.Errorf("scores = %v, want clamped [1 0]", out.Scores)
	}
}

func TestLocalScorerEmptyMatrix(t *testing.T) {
	s := NewLocal()
	if _, err := s.Score(context.Background(), domain.ModelRisk, nil, nil); err == nil {
		t.Fatal("expected error for empty matrix")
	}
}

func TestHTTPScorer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req scoreRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "risk" {
			t.Errorf("model = %s, want risk", req.Model)
		}
		scores := make([]float64, len(req.Rows))
		for i := range scores {
			scores[i] = 0.42
		}
		json.NewEncoder(w).Encode(domain.ScoreOutput{Scores: scores})
	}))
	defer srv.Close()

	s := NewHTTP(srv.URL, time.Second)
	out, err := s.Score(context.Background(), domain.ModelRisk, []string{"x"}, [][]float64{{1}, {2}})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(out.Scores) != 2 || out.Scores[0] != 0.42 {
		t.Errorf("scores = %v, want [0.42 0.42]", out.Scores)
	}
}

func TestHTTPScorerErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewHTTP(srv.URL, time.Second)
	if _, err := s.Score(context.Background(), domain.ModelRisk, []string{"x"}, [][]float64{{1}}); err == nil {
		t.Fatal("expected error for non-OK status")
	}
}

func TestHTTPScorerShapeMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(domain.ScoreOutput{Scores: []float64{0.1}})
	}))
	defer srv.Close()

	s := NewHTTP(srv.URL, time.Second)
	_, err := s.Score(context.Background(), domain.ModelRisk, []string{"x"}, [][]float64{{1}, {2}})
	if err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestNewSelectsImplementation(t *testing.T) {
	if _, ok := New(domain.ScoringConfig{}).(*LocalScorer); !ok {
		t.Error("empty URL should select the local scorer")
	}
	if _, ok := New(domain.ScoringConfig{ScorerURL: "http://localhost:9000/score"}).(*HTTPScorer); !ok {
		t.Error("non-empty URL should select the HTTP scorer")
	}
}
