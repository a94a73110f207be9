package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scorer"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// createTestServer creates a server backed by a temp SQLite repository
// and the local fallback scorer.
func createTestServer(t *testing.T) *Server {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-api-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	rulesEngine, err := rules.NewEngine(4)
	if err != nil {
		t.Fatalf("rules engine: %v", err)
	}
	if err := rulesEngine.LoadRules(rules.BuiltinRules()); err != nil {
		t.Fatalf("load builtin rules: %v", err)
	}

	engine, err := scoring.NewEngine(domain.DefaultConfig(), repo, nil, nil, scorer.NewLocal(), rulesEngine)
	if err != nil {
		t.Fatalf("scoring engine: %v", err)
	}

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	return NewServer(cfg, repo, nil, nil, engine, rulesEngine, "test-v1")
}

func testTransactions(customerIDs []string, perCustomer int) []*domain.TransactionRecord {
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	var records []*domain.TransactionRecord
	for ci, id := range customerIDs {
		for i := 0; i < perCustomer; i++ {
			records = append(records, &domain.TransactionRecord{
				ID:         id + "-tx-" + string(rune('a'+i)),
				CustomerID: id,
				Type:       "debit",
				Amount:     50 + float64(ci*25) + float64(i*10),
				Currency:   "USD",
				Category:   "groceries",
				MerchantID: "merch-a",
				Channel:    "pos",
				Timestamp:  base.AddDate(0, 0, i*3),
			})
		}
	}
	return records
}

func testCustomers(ids []string) []*domain.CustomerRecord {
	var records []*domain.CustomerRecord
	for i, id := range ids {
		records = append(records, &domain.CustomerRecord{
			ID:               id,
			BirthDate:        time.Date(1985, 1, 1, 0, 0, 0, 0, time.UTC),
			AccountOpenDate:  time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC),
			AnnualIncome:     65000 + float64(i)*15000,
			CreditScore:      680,
			EmploymentStatus: "employed",
			EducationLevel:   "bachelor",
			MaritalStatus:    "single",
			EmailVerified:    true,
		})
	}
	return records
}

func doJSON(t *testing.T, server *Server, method, path string, body interface{}, tenantID string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set("X-Tenant-ID", tenantID)
	}

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func TestScoreEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("SuccessfulBatch", func(t *testing.T) {
		req := ScoreRequest{
			TraceID:      "trace-123",
			Transactions: testTransactions([]string{"c1", "c2", "c3"}, 4),
		}

		rr := doJSON(t, server, http.MethodPost, "/score/fraud", req, "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var run domain.ScoringRun
		if err := json.Unmarshal(rr.Body.Bytes(), &run); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if run.ID == "" {
			t.Error("expected run id in response")
		}
		if run.Model != domain.ModelFraud {
			t.Errorf("expected model fraud, got %s", run.Model)
		}
		if len(run.EntityScores) != 3 {
			t.Errorf("expected 3 entity scores, got %d", len(run.EntityScores))
		}
		if run.Metadata.TraceID != "trace-123" {
			t.Errorf("expected traceId 'trace-123', got '%s'", run.Metadata.TraceID)
		}
		if run.Status != domain.StatusAlert && run.Status != domain.StatusNoAlert {
			t.Errorf("unexpected status %q", run.Status)
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/score/fraud", bytes.NewBufferString("{}"))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/score/fraud", bytes.NewBufferString("not-json"))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("EmptyTransactions", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/score/fraud", ScoreRequest{}, "tenant-001")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UnknownModel", func(t *testing.T) {
		req := ScoreRequest{Transactions: testTransactions([]string{"c1"}, 3)}
		rr := doJSON(t, server, http.MethodPost, "/score/sentiment", req, "tenant-001")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("RiskWithoutCustomers", func(t *testing.T) {
		req := ScoreRequest{Transactions: testTransactions([]string{"c1", "c2"}, 3)}
		rr := doJSON(t, server, http.MethodPost, "/score/risk", req, "tenant-001")
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d: %s", rr.Code, rr.Body.String())
		}
	})
}

func TestScoreEntityEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("SuccessfulEntity", func(t *testing.T) {
		record := domain.TransactionRecord{
			CustomerID: "cust-1",
			Type:       "debit",
			Amount:     450,
			Currency:   "USD",
			Category:   "electronics",
			Channel:    "online",
		}

		rr := doJSON(t, server, http.MethodPost, "/score/fraud/entity", record, "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var run domain.ScoringRun
		if err := json.Unmarshal(rr.Body.Bytes(), &run); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if len(run.EntityScores) != 1 || run.EntityScores[0].EntityID != "cust-1" {
			t.Errorf("expected single score for cust-1, got %+v", run.EntityScores)
		}
	})

	t.Run("MissingCustomerID", func(t *testing.T) {
		record := domain.TransactionRecord{Amount: 100, Currency: "USD"}
		rr := doJSON(t, server, http.MethodPost, "/score/fraud/entity", record, "tenant-001")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NonPositiveAmount", func(t *testing.T) {
		record := domain.TransactionRecord{CustomerID: "cust-1", Amount: -10}
		rr := doJSON(t, server, http.MethodPost, "/score/fraud/entity", record, "tenant-001")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestPipelineEndpoints(t *testing.T) {
	server := createTestServer(t)
	ids := []string{"c1", "c2", "c3", "c4"}

	t.Run("FitRisk", func(t *testing.T) {
		req := ScoreRequest{
			Transactions: testTransactions(ids, 5),
			Customers:    testCustomers(ids),
		}

		rr := doJSON(t, server, http.MethodPost, "/pipeline/risk/fit", req, "tenant-001")
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var state PipelineStateSummary
		if err := json.Unmarshal(rr.Body.Bytes(), &state); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if state.Model != domain.ModelRisk {
			t.Errorf("expected model risk, got %s", state.Model)
		}
		if state.Version == "" {
			t.Error("expected state version")
		}
		if state.RowsFit == 0 {
			t.Error("expected non-zero rows fit")
		}
	})

	t.Run("GetState", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/pipeline/risk/state", nil, "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var state PipelineStateSummary
		json.Unmarshal(rr.Body.Bytes(), &state)
		if state.Model != domain.ModelRisk {
			t.Errorf("expected model risk, got %s", state.Model)
		}
	})

	t.Run("StateNotFound", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/pipeline/fraud/state", nil, "tenant-001")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ListStates", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/pipeline/states", nil, "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			States []PipelineStateSummary `json:"states"`
			Count  int                    `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 state, got %d", resp.Count)
		}
	})
}

func TestAuditEndpoints(t *testing.T) {
	server := createTestServer(t)

	// Produce a run first.
	req := ScoreRequest{Transactions: testTransactions([]string{"c1", "c2"}, 4)}
	rr := doJSON(t, server, http.MethodPost, "/score/fraud", req, "tenant-001")
	if rr.Code != http.StatusOK {
		t.Fatalf("score setup failed: %d: %s", rr.Code, rr.Body.String())
	}
	var run domain.ScoringRun
	json.Unmarshal(rr.Body.Bytes(), &run)

	t.Run("GetRun", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/runs/"+run.ID, nil, "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var stored domain.ScoringRun
		json.Unmarshal(rr.Body.Bytes(), &stored)
		if stored.ID != run.ID {
			t.Errorf("expected run %s, got %s", run.ID, stored.ID)
		}
	})

	t.Run("RunNotFound", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/runs/nonexistent", nil, "tenant-001")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("RunTenantIsolation", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/runs/"+run.ID, nil, "tenant-other")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 for other tenant, got %d", rr.Code)
		}
	})

	t.Run("QualityReports", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/quality-reports", nil, "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Reports []domain.QualityReport `json:"reports"`
			Count   int                    `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 report, got %d", resp.Count)
		}
		if resp.Count > 0 && resp.Reports[0].RunID != run.ID {
			t.Errorf("expected report linked to run %s, got %s", run.ID, resp.Reports[0].RunID)
		}
	})

	t.Run("QualityReportsBadWindow", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/quality-reports?hours=abc", nil, "tenant-001")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("ClassificationMetrics", func(t *testing.T) {
		req := MetricsRequest{
			Labels:      []int{1, 0, 1, 1, 0},
			Predictions: []int{1, 0, 0, 1, 0},
			Scores:      []float64{0.9, 0.2, 0.4, 0.8, 0.1},
			Positive:    1,
		}

		rr := doJSON(t, server, http.MethodPost, "/metrics/evaluate", req, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp MetricsResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Accuracy != 0.8 {
			t.Errorf("expected accuracy 0.8, got %v", resp.Accuracy)
		}
		if resp.Precision != 1.0 {
			t.Errorf("expected precision 1.0, got %v", resp.Precision)
		}
		if resp.ROCAUC == nil {
			t.Fatal("expected rocAuc with scores provided")
		}
		if *resp.ROCAUC != 1.0 {
			t.Errorf("expected ROC-AUC 1.0 for separable scores, got %v", *resp.ROCAUC)
		}
	})

	t.Run("WithFairness", func(t *testing.T) {
		req := MetricsRequest{
			Labels:      []int{1, 0, 1, 0},
			Predictions: []int{1, 0, 0, 0},
			Positive:    1,
			Sensitive:   []string{"a", "a", "b", "b"},
		}

		rr := doJSON(t, server, http.MethodPost, "/metrics/evaluate", req, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp MetricsResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Fairness == nil {
			t.Error("expected fairness report")
		}
	})

	t.Run("ShapeMismatch", func(t *testing.T) {
		req := MetricsRequest{
			Labels:      []int{1, 0},
			Predictions: []int{1},
			Positive:    1,
		}

		rr := doJSON(t, server, http.MethodPost, "/metrics/evaluate", req, "")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("ListRules", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/rules", nil, "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count == 0 {
			t.Error("expected builtin rules to be loaded")
		}
	})

	t.Run("CreateRule", func(t *testing.T) {
		req := CreateRuleRequest{
			ID:         "velocity-spike",
			Name:       "Velocity Spike",
			Expression: "features['transaction_velocity'] > 5.0 ? 1.0 : 0.0",
			Weight:     1.0,
			Enabled:    true,
		}

		rr := doJSON(t, server, http.MethodPost, "/rules", req, "tenant-001")
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("CreateRuleInvalidExpression", func(t *testing.T) {
		req := CreateRuleRequest{
			ID:         "bad-rule",
			Name:       "Bad Rule",
			Expression: "this is not CEL ((",
			Weight:     1.0,
			Enabled:    true,
		}

		rr := doJSON(t, server, http.MethodPost, "/rules", req, "tenant-001")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("GetRule", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/rules/velocity-spike", nil, "tenant-001")
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("RuleNotFound", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/rules/ghost", nil, "tenant-001")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ReloadRules", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/rules/reload", nil, "tenant-001")
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		req := ScoreRequest{Transactions: testTransactions([]string{"c1"}, 3)}
		rr := doJSON(t, server, http.MethodPost, "/score/fraud", req, "tenant-001")

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get("X-Trace-ID") == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TenantMiddlewareExtractsID", func(t *testing.T) {
		var capturedTenantID string

		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedTenantID = GetTenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", "my-tenant-123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedTenantID != "my-tenant-123" {
			t.Errorf("expected tenant ID 'my-tenant-123', got '%s'", capturedTenantID)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
