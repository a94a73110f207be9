package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/evalmetrics"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	engine  *scoring.Engine
	rules   *rules.Engine
	version string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *scoring.Engine, rulesEngine *rules.Engine, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		engine:  engine,
		rules:   rulesEngine,
		version: version,
	}
}

// ScoreRequest is the request body for POST /score/{model}.
type ScoreRequest struct {
	TraceID      string                      `json:"traceId,omitempty"`
	Transactions []*domain.TransactionRecord `json:"transactions"`
	Customers    []*domain.CustomerRecord    `json:"customers,omitempty"`
}

// parseModel maps a URL segment to a scoring model.
func parseModel(s string) (domain.ScoringModel, bool) {
	switch domain.ScoringModel(s) {
	case domain.ModelRisk, domain.ModelFraud, domain.ModelRecommend:
		return domain.ScoringModel(s), true
	}
	return "", false
}

// buildBatch converts request records into frame tables for the engine.
func buildBatch(req *ScoreRequest, traceID string) (*scoring.Batch, error) {
	txTbl, err := history.TransactionsTable(req.Transactions)
	if err != nil {
		return nil, err
	}
	batch := &scoring.Batch{Transactions: txTbl, TraceID: traceID}
	if len(req.Customers) > 0 {
		custTbl, err := history.CustomersTable(req.Customers)
		if err != nil {
			return nil, err
		}
		batch.Customers = custTbl
	}
	return batch, nil
}

// Score handles POST /score/{model}: scores a batch of transactions
// through the full cleaning, feature, and preprocessing pipeline.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	model, ok := parseModel(chi.URLParam(r, "model"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "model must be one of: risk, fraud, recommend",
		})
		return
	}

	var req ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Transactions) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transactions are required",
		})
		return
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = GetTraceID(ctx)
	}

	batch, err := buildBatch(&req, traceID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	run, err := h.engine.Score(ctx, tenantID, model, batch)
	if err != nil {
		slog.Error("batch scoring failed",
			"tenant_id", tenantID,
			"model", model,
			"error", err,
		)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// ScoreEntity handles POST /score/{model}/entity: scores a single
// incoming transaction against the entity's stored history.
func (h *Handler) ScoreEntity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	model, ok := parseModel(chi.URLParam(r, "model"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "model must be one of: risk, fraud, recommend",
		})
		return
	}

	var record domain.TransactionRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if record.CustomerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "customerId is required",
		})
		return
	}
	if record.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "amount must be positive",
		})
		return
	}

	run, err := h.engine.ScoreEntity(ctx, tenantID, model, &record)
	if err != nil {
		slog.Error("entity scoring failed",
			"tenant_id", tenantID,
			"model", model,
			"customer_id", record.CustomerID,
			"error", err,
		)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// PipelineStateSummary is the API view of a fitted pipeline state.
// The serialized scaler payload stays server-side.
type PipelineStateSummary struct {
	ID       string              `json:"id"`
	Model    domain.ScoringModel `json:"model"`
	Version  string              `json:"version"`
	FittedAt time.Time           `json:"fittedAt"`
	RowsFit  int                 `json:"rowsFit"`
}

func summarizeState(s *domain.PipelineState) PipelineStateSummary {
	return PipelineStateSummary{
		ID:       s.ID,
		Model:    s.Model,
		Version:  s.Version,
		FittedAt: s.FittedAt,
		RowsFit:  s.RowsFit,
	}
}

// Fit handles POST /pipeline/{model}/fit: fits scalers and encoders on
// a reference batch and persists the resulting pipeline state.
func (h *Handler) Fit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	model, ok := parseModel(chi.URLParam(r, "model"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "model must be one of: risk, fraud, recommend",
		})
		return
	}

	var req ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Transactions) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transactions are required",
		})
		return
	}

	batch, err := buildBatch(&req, GetTraceID(ctx))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	state, err := h.engine.Fit(ctx, tenantID, model, batch)
	if err != nil {
		slog.Error("pipeline fit failed",
			"tenant_id", tenantID,
			"model", model,
			"error", err,
		)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusCreated, summarizeState(state))
}

// GetPipelineState retrieves the latest fitted state for a model.
func (h *Handler) GetPipelineState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	model, ok := parseModel(chi.URLParam(r, "model"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "model must be one of: risk, fraud, recommend",
		})
		return
	}

	state, err := h.repo.GetPipelineState(ctx, tenantID, model)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "no fitted state for model",
			})
			return
		}
		slog.Error("failed to get pipeline state", "model", model, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load pipeline state",
		})
		return
	}

	writeJSON(w, http.StatusOK, summarizeState(state))
}

// ListPipelineStates returns the latest fitted state per model.
func (h *Handler) ListPipelineStates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	states, err := h.repo.ListPipelineStates(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list pipeline states", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list pipeline states",
		})
		return
	}

	summaries := make([]PipelineStateSummary, 0, len(states))
	for _, s := range states {
		summaries = append(summaries, summarizeState(s))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"states": summaries,
		"count":  len(summaries),
	})
}

// GetScoringRun retrieves a scoring run by ID.
func (h *Handler) GetScoringRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	runID := chi.URLParam(r, "id")

	if runID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "run id is required",
		})
		return
	}

	run, err := h.repo.GetScoringRun(ctx, tenantID, runID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "run not found",
			})
			return
		}
		slog.Error("failed to get scoring run", "id", runID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load run",
		})
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "id")

	if txID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction id is required",
		})
		return
	}

	tx, err := h.repo.GetTransaction(ctx, tenantID, txID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "transaction not found",
			})
			return
		}
		slog.Error("failed to get transaction", "id", txID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load transaction",
		})
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// ListQualityReports returns data-quality reports within a lookback window.
// The window defaults to 24 hours and is set with ?hours=N.
func (h *Handler) ListQualityReports(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "hours must be a positive integer",
			})
			return
		}
		hours = parsed
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	reports, err := h.repo.ListQualityReports(ctx, tenantID, since)
	if err != nil {
		slog.Error("failed to list quality reports", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list quality reports",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reports": reports,
		"count":   len(reports),
		"since":   since,
	})
}

// MetricsRequest is the request body for POST /metrics/evaluate.
type MetricsRequest struct {
	Labels      []int     `json:"labels"`
	Predictions []int     `json:"predictions"`
	Scores      []float64 `json:"scores,omitempty"`
	Positive    int       `json:"positive"`
	Sensitive   []string  `json:"sensitive,omitempty"`
}

// MetricsResponse bundles classification metrics for an offline evaluation.
type MetricsResponse struct {
	Accuracy  float64                    `json:"accuracy"`
	Precision float64                    `json:"precision"`
	Recall    float64                    `json:"recall"`
	F1        float64                    `json:"f1"`
	ROCAUC    *float64                   `json:"rocAuc,omitempty"`
	Classes   []int                      `json:"classes"`
	Confusion [][]int                    `json:"confusionMatrix"`
	Fairness  *evalmetrics.FairnessReport `json:"fairness,omitempty"`
}

// EvaluateMetrics handles POST /metrics/evaluate: computes offline
// classification metrics from labels and model outputs.
func (h *Handler) EvaluateMetrics(w http.ResponseWriter, r *http.Request) {
	var req MetricsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	acc, err := evalmetrics.Accuracy(req.Labels, req.Predictions)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	precision, recall, f1, err := evalmetrics.PrecisionRecallF1(req.Labels, req.Predictions, req.Positive, evalmetrics.ZeroDivisionZero)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	classes, matrix, err := evalmetrics.ConfusionMatrix(req.Labels, req.Predictions)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	resp := MetricsResponse{
		Accuracy:  acc,
		Precision: precision,
		Recall:    recall,
		F1:        f1,
		Classes:   classes,
		Confusion: matrix,
	}

	if len(req.Scores) > 0 {
		auc, err := evalmetrics.ROCAUC(req.Labels, req.Scores, req.Positive)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		resp.ROCAUC = &auc
	}

	if len(req.Sensitive) > 0 {
		fairness, err := evalmetrics.Fairness(req.Labels, req.Predictions, req.Sensitive)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		resp.Fairness = fairness
	}

	writeJSON(w, http.StatusOK, resp)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns all loaded rules from the engine.
// Rules are loaded from the database at startup and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.rules.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":  loadedRules,
		"count":  len(loadedRules),
		"source": "database",
	})
}

// GetRule retrieves a rule by ID from the loaded engine rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	for _, rule := range h.rules.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Expression  string            `json:"expression"`
	Bands       []domain.RuleBand `json:"bands"`
	Weight      float64           `json:"weight"`
	Enabled     bool              `json:"enabled"`
}

// CreateRule creates a new rule and saves it to the database.
// Rules are saved globally (tenant_id = "*") so they apply to all tenants.
// After saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		TenantID:    GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Bands:       req.Bands,
		Weight:      req.Weight,
		Enabled:     req.Enabled,
	}

	// Validate CEL expression by attempting to load
	if err := h.rules.LoadRule(ruleConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveRuleConfig(ctx, GlobalTenantID, ruleConfig); err != nil {
			slog.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	}

	slog.Info("rule created", "id", ruleConfig.ID, "name", ruleConfig.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    ruleConfig,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// GlobalTenantID is used for rules that apply to all tenants.
const GlobalTenantID = "*"

// ReloadRules reloads all rules from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	dbRules, err := h.repo.ListRuleConfigs(ctx, GlobalTenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.rules.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
