// Package scoring orchestrates the feature pipeline end to end: cleaning,
// feature building, risk composition, preprocessing, model scoring, and
// post-scoring alert rules. Every run is persisted with per-stage timings
// for the audit trail.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/cleaner"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/frame"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

const engineVersion = "kestrel-1.0"

// featureVectorTTL bounds how long cached per-entity feature vectors are
// reused before history is replayed.
const featureVectorTTL = 15 * time.Minute

// Engine runs scoring requests through the pipeline stages.
type Engine struct {
	cfg     *domain.Config
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	scorer  domain.Scorer
	rules   *rules.Engine
	history *history.Service
}

// NewEngine creates the scoring engine. repo and scorer are required; cache
// and bus are optional and skipped when nil.
func NewEngine(cfg *domain.Config, repo domain.Repository, cache domain.Cache, bus domain.EventBus, sc domain.Scorer, rulesEngine *rules.Engine) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if sc == nil {
		return nil, fmt.Errorf("scorer is required")
	}
	var hist *history.Service
	if repo != nil {
		hist = history.NewService(repo, cfg.Scoring.HistoryWindowDays)
	}
	return &Engine{
		cfg:     cfg,
		repo:    repo,
		cache:   cache,
		bus:     bus,
		scorer:  sc,
		rules:   rulesEngine,
		history: hist,
	}, nil
}

// Batch is one scoring request's raw input tables. Customers may be nil for
// models that only consume transactions.
type Batch struct {
	Transactions *frame.Table
	Customers    *frame.Table

	// TraceID correlates the run with the caller's request. Generated when
	// empty.
	TraceID string
}

// Fit learns pipeline state from a reference batch and persists it. Later
// Score calls for the same model transform against this state instead of
// refitting on each batch.
func (e *Engine) Fit(ctx context.Context, tenantID string, model domain.ScoringModel, batch *Batch) (*domain.PipelineState, error) {
	if batch == nil || batch.Transactions == nil || batch.Transactions.IsEmpty() {
		return nil, fmt.Errorf("%w: fit requires a reference transaction batch", domain.ErrEmptyInput)
	}

	p, err := newPipeline(e.cfg.Features, model, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	cleanTx, cleanCust, _, err := e.clean(batch)
	if err != nil {
		return nil, err
	}
	if p.needsCustomers() && cleanCust == nil {
		return nil, fmt.Errorf("%w: model %s requires a customer table", domain.ErrEmptyInput, model)
	}

	ft, err := p.fit(cleanTx, cleanCust)
	if err != nil {
		return nil, err
	}

	payload, err := p.marshalState()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize pipeline state: %w", err)
	}

	state := &domain.PipelineState{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Model:    model,
		Version:  uuid.New().String(),
		FittedAt: time.Now().UTC(),
		RowsFit:  ft.NumRows(),
		Payload:  payload,
	}
	if e.repo != nil {
		if err := e.repo.SavePipelineState(ctx, tenantID, state); err != nil {
			return nil, fmt.Errorf("failed to persist pipeline state: %w", err)
		}
	}

	slog.Info("pipeline fitted",
		"tenant_id", tenantID,
		"model", model,
		"version", state.Version,
		"rows_fit", state.RowsFit,
	)
	return state, nil
}

// Score runs a batch through the full pipeline and returns the persisted run.
// When no fitted state exists for the model, every stage fits on the batch
// itself (batch-relative mode).
func (e *Engine) Score(ctx context.Context, tenantID string, model domain.ScoringModel, batch *Batch) (*domain.ScoringRun, error) {
	start := time.Now()

	if batch == nil || batch.Transactions == nil || batch.Transactions.IsEmpty() {
		return nil, fmt.Errorf("%w: score requires a transaction batch", domain.ErrEmptyInput)
	}
	traceID := batch.TraceID
	if traceID == "" {
		traceID = uuid.New().String()
	}

	p, stateVersion, err := e.loadPipeline(ctx, tenantID, model)
	if err != nil {
		return nil, err
	}
	if p.needsCustomers() && batch.Customers == nil {
		return nil, fmt.Errorf("%w: model %s requires a customer table", domain.ErrEmptyInput, model)
	}

	meta := domain.RunMetadata{
		TraceID:       traceID,
		RowsIn:        batch.Transactions.NumRows(),
		EngineVersion: engineVersion,
		StateVersion:  stateVersion,
	}

	// Stage 1: cleaning.
	stage := time.Now()
	cleanTx, cleanCust, report, err := e.clean(batch)
	if err != nil {
		return nil, err
	}
	meta.CleanMs = time.Since(stage).Milliseconds()

	// Stage 2: feature building (includes composition for the risk model).
	stage = time.Now()
	ft, err := p.features(cleanTx, cleanCust, !p.fitted)
	if err != nil {
		return nil, err
	}
	meta.FeaturesMs = time.Since(stage).Milliseconds()

	// Stage 3: preprocessing into the dense matrix.
	stage = time.Now()
	matrix, err := p.preprocessTable(ft)
	if err != nil {
		return nil, err
	}
	meta.PreprocessMs = time.Since(stage).Milliseconds()

	// Stage 4: model scoring.
	stage = time.Now()
	out, err := e.scorer.Score(ctx, model, matrix.Columns, matrix.Rows)
	if err != nil {
		return nil, fmt.Errorf("scoring failed: %w", err)
	}
	meta.ScoreMs = time.Since(stage).Milliseconds()
	meta.RowsScored = len(out.Scores)

	// Stage 5: per-entity alert rules and the final decision.
	run := e.decide(ctx, tenantID, model, ft, out, report)
	run.Metadata = meta
	run.Metadata.TotalMs = time.Since(start).Milliseconds()

	e.cacheVectors(ctx, tenantID, model, stateVersion, ft)
	e.persistRun(ctx, tenantID, run, report)
	e.publish(ctx, tenantID, run, report)

	slog.Info("scoring run completed",
		"tenant_id", tenantID,
		"model", model,
		"run_id", run.ID,
		"status", run.Status,
		"score", run.Score,
		"entities", len(run.EntityScores),
		"total_ms", run.Metadata.TotalMs,
	)
	return run, nil
}

// ScoreEntity scores one incoming transaction against the entity's stored
// history. The record is persisted first so the replayed window includes it.
func (e *Engine) ScoreEntity(ctx context.Context, tenantID string, model domain.ScoringModel, record *domain.TransactionRecord) (*domain.ScoringRun, error) {
	if record == nil || record.CustomerID == "" {
		return nil, fmt.Errorf("%w: a transaction record with a customer id is required", domain.ErrEmptyInput)
	}
	if e.repo == nil || e.history == nil {
		return nil, fmt.Errorf("entity scoring requires a repository")
	}

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if err := e.repo.SaveTransaction(ctx, tenantID, record); err != nil {
		return nil, fmt.Errorf("failed to persist transaction: %w", err)
	}

	if run, ok := e.scoreFromCache(ctx, tenantID, model, record.CustomerID); ok {
		return run, nil
	}

	txTbl, err := e.history.TransactionTable(ctx, tenantID, record.CustomerID)
	if err != nil {
		return nil, err
	}
	if txTbl == nil {
		txTbl, err = history.TransactionsTable([]*domain.TransactionRecord{record})
		if err != nil {
			return nil, err
		}
	}

	custTbl, err := e.history.CustomerTable(ctx, tenantID, record.CustomerID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		slog.Warn("customer record unavailable, scoring on transactions only",
			"tenant_id", tenantID,
			"customer_id", record.CustomerID,
			"error", err,
		)
	}

	return e.Score(ctx, tenantID, model, &Batch{Transactions: txTbl, Customers: custTbl})
}

// scoreFromCache serves an entity run from a cached feature vector when the
// vector was computed with the currently fitted state.
func (e *Engine) scoreFromCache(ctx context.Context, tenantID string, model domain.ScoringModel, entityID string) (*domain.ScoringRun, bool) {
	if e.cache == nil {
		return nil, false
	}
	vec, err := e.cache.GetFeatureVector(ctx, tenantID, vectorKey(model, entityID))
	if err != nil || vec == nil || vec.Model != model {
		return nil, false
	}
	stateVersion := e.currentStateVersion(ctx, tenantID, model)
	if stateVersion == "" || vec.StateVersion != stateVersion {
		return nil, false
	}

	start := time.Now()
	columns := make([]string, 0, len(vec.Features))
	for name := range vec.Features {
		columns = append(columns, name)
	}
	sort.Strings(columns)
	row := make([]float64, len(columns))
	for i, name := range columns {
		row[i] = vec.Features[name]
	}

	out, err := e.scorer.Score(ctx, model, columns, [][]float64{row})
	if err != nil {
		slog.Warn("cached vector scoring failed, replaying history",
			"tenant_id", tenantID,
			"entity_id", entityID,
			"error", err,
		)
		return nil, false
	}

	score := out.Scores[0]
	results := e.evaluateRules(ctx, tenantID, model, entityID, score, vec.Features, nil)
	alert := e.entityAlert(score, results)

	run := &domain.ScoringRun{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Model:     model,
		Status:    domain.StatusNoAlert,
		Score:     score,
		Timestamp: time.Now().UTC(),
		EntityScores: []domain.EntityScore{
			{EntityID: entityID, Score: score, Alert: alert},
		},
		RuleResults: results,
		Metadata: domain.RunMetadata{
			TraceID:       uuid.New().String(),
			RowsIn:        1,
			RowsScored:    1,
			TotalMs:       time.Since(start).Milliseconds(),
			EngineVersion: engineVersion,
			StateVersion:  stateVersion,
		},
	}
	if alert {
		run.Status = domain.StatusAlert
	}

	e.persistRun(ctx, tenantID, run, nil)
	e.publish(ctx, tenantID, run, nil)

	slog.Debug("entity scored from cached features",
		"tenant_id", tenantID,
		"entity_id", entityID,
		"model", model,
	)
	return run, true
}

// clean runs both input tables through the cleaner and merges their quality
// reports into one per-run report.
func (e *Engine) clean(batch *Batch) (tx, customers *frame.Table, report *domain.QualityReport, err error) {
	cln, err := cleaner.New(e.cfg.Features)
	if err != nil {
		return nil, nil, nil, err
	}

	tx, report, err = cln.Clean(batch.Transactions)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("transaction cleaning: %w", err)
	}

	if batch.Customers != nil && !batch.Customers.IsEmpty() {
		var custReport *domain.QualityReport
		customers, custReport, err = cln.Clean(batch.Customers)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("customer cleaning: %w", err)
		}
		report = mergeReports(report, custReport)
	}
	return tx, customers, report, nil
}

// loadPipeline restores the latest fitted state for the model, or returns an
// unfitted pipeline when none exists.
func (e *Engine) loadPipeline(ctx context.Context, tenantID string, model domain.ScoringModel) (*pipeline, string, error) {
	p, err := newPipeline(e.cfg.Features, model, time.Now().UTC())
	if err != nil {
		return nil, "", err
	}
	if e.repo == nil {
		return p, "", nil
	}

	state, err := e.repo.GetPipelineState(ctx, tenantID, model)
	if errors.Is(err, repository.ErrNotFound) {
		slog.Debug("no fitted state, scoring batch-relative",
			"tenant_id", tenantID,
			"model", model,
		)
		return p, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load pipeline state: %w", err)
	}
	if err := p.restoreState(state.Payload); err != nil {
		return nil, "", fmt.Errorf("failed to restore pipeline state %s: %w", state.ID, err)
	}
	return p, state.Version, nil
}

func (e *Engine) currentStateVersion(ctx context.Context, tenantID string, model domain.ScoringModel) string {
	if e.repo == nil {
		return ""
	}
	state, err := e.repo.GetPipelineState(ctx, tenantID, model)
	if err != nil {
		return ""
	}
	return state.Version
}

// decide evaluates alert rules per entity and assembles the run.
func (e *Engine) decide(ctx context.Context, tenantID string, model domain.ScoringModel, ft *domain.FeatureTable, out *domain.ScoreOutput, report *domain.QualityReport) *domain.ScoringRun {
	run := &domain.ScoringRun{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Model:     model,
		Status:    domain.StatusNoAlert,
		Timestamp: time.Now().UTC(),
	}

	ids := ft.IDs()
	for i, id := range ids {
		if i >= len(out.Scores) {
			break
		}
		score := out.Scores[i]

		featureRow, _ := ft.Row(id)
		results := e.evaluateRules(ctx, tenantID, model, id, score, featureRow, report)
		run.RuleResults = append(run.RuleResults, results...)

		alert := e.entityAlert(score, results)
		entity := domain.EntityScore{EntityID: id, Score: score, Alert: alert}
		if i < len(out.Explanations) {
			entity.Explanation = out.Explanations[i]
		}
		run.EntityScores = append(run.EntityScores, entity)

		if alert {
			run.Status = domain.StatusAlert
		}
		if score > run.Score {
			run.Score = score
		}
	}
	return run
}

func (e *Engine) evaluateRules(ctx context.Context, tenantID string, model domain.ScoringModel, entityID string, score float64, featureRow map[string]float64, report *domain.QualityReport) []domain.RuleResult {
	if e.rules == nil || e.rules.RulesCount() == 0 {
		return nil
	}
	input := &rules.EvaluateInput{
		TenantID: tenantID,
		EntityID: entityID,
		Model:    model,
		Score:    score,
		Features: featureRow,
	}
	if report != nil {
		input.RowsIn = report.RowsIn
		input.RetentionRate = report.RetentionRate
	}
	results, err := e.rules.EvaluateAll(ctx, input)
	if err != nil {
		slog.Error("rule evaluation failed",
			"tenant_id", tenantID,
			"entity_id", entityID,
			"error", err,
		)
		return nil
	}
	return results
}

// entityAlert combines the model score with the weighted rule aggregate. A
// critical rule failure always alerts regardless of score.
func (e *Engine) entityAlert(score float64, results []domain.RuleResult) bool {
	threshold := e.cfg.Scoring.AlertThreshold
	if threshold <= 0 {
		threshold = 0.7
	}
	agg := aggregate(results)
	return agg.HasCriticalFailure || score >= threshold || agg.Score >= threshold
}

// aggregateResult is the weighted aggregate of one entity's rule results.
type aggregateResult struct {
	Score              float64
	TotalWeight        float64
	RulesTriggered     int
	HasCriticalFailure bool
}

// aggregate computes the weight-normalized rule score. Rules without an
// explicit weight count as 1.
func aggregate(results []domain.RuleResult) aggregateResult {
	var agg aggregateResult
	for _, r := range results {
		weight := r.Weight
		if weight <= 0 {
			weight = 1.0
		}

		switch r.SubRuleRef {
		case domain.RuleOutcomeFail:
			agg.HasCriticalFailure = true
			agg.RulesTriggered++
		case domain.RuleOutcomeReview:
			agg.RulesTriggered++
		}

		agg.Score += r.Score * weight
		agg.TotalWeight += weight
	}
	if agg.TotalWeight > 0 {
		agg.Score /= agg.TotalWeight
	}
	return agg
}

// cacheVectors stores each entity's feature row for reuse by ScoreEntity.
// Vectors are only written when a fitted state version exists to key them.
func (e *Engine) cacheVectors(ctx context.Context, tenantID string, model domain.ScoringModel, stateVersion string, ft *domain.FeatureTable) {
	if e.cache == nil || stateVersion == "" {
		return
	}
	now := time.Now().Unix()
	for _, id := range ft.IDs() {
		row, ok := ft.Row(id)
		if !ok {
			continue
		}
		vec := &domain.FeatureVector{
			EntityID:     id,
			Model:        model,
			StateVersion: stateVersion,
			Features:     row,
			ComputedAt:   now,
		}
		if err := e.cache.SetFeatureVector(ctx, tenantID, vectorKey(model, id), vec, featureVectorTTL); err != nil {
			slog.Debug("failed to cache feature vector",
				"tenant_id", tenantID,
				"entity_id", id,
				"error", err,
			)
			return
		}
	}
}

func vectorKey(model domain.ScoringModel, entityID string) string {
	return string(model) + ":" + entityID
}

func (e *Engine) persistRun(ctx context.Context, tenantID string, run *domain.ScoringRun, report *domain.QualityReport) {
	if e.repo == nil {
		return
	}
	if err := e.repo.SaveScoringRun(ctx, tenantID, run); err != nil {
		slog.Error("failed to persist scoring run",
			"tenant_id", tenantID,
			"run_id", run.ID,
			"error", err,
		)
	}
	if report == nil {
		return
	}
	report.ID = uuid.New().String()
	report.TenantID = tenantID
	report.RunID = run.ID
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now().UTC()
	}
	if err := e.repo.SaveQualityReport(ctx, tenantID, report); err != nil {
		slog.Error("failed to persist quality report",
			"tenant_id", tenantID,
			"run_id", run.ID,
			"error", err,
		)
	}
}

func (e *Engine) publish(ctx context.Context, tenantID string, run *domain.ScoringRun, report *domain.QualityReport) {
	if e.bus == nil {
		return
	}
	payload, _ := json.Marshal(run)
	if err := e.bus.Publish(ctx, tenantID, domain.TopicScoringCompleted, payload); err != nil {
		slog.Error("failed to publish scoring result",
			"run_id", run.ID,
			"error", err,
		)
	}
	if run.Status == domain.StatusAlert {
		if err := e.bus.Publish(ctx, tenantID, domain.TopicScoringAlert, payload); err != nil {
			slog.Error("failed to publish alert",
				"run_id", run.ID,
				"error", err,
			)
		}
	}
	if report != nil && len(report.Warnings) > 0 {
		reportPayload, _ := json.Marshal(report)
		if err := e.bus.Publish(ctx, tenantID, domain.TopicQualityWarning, reportPayload); err != nil {
			slog.Error("failed to publish quality warning",
				"run_id", run.ID,
				"error", err,
			)
		}
	}
}

// mergeReports folds two per-table quality reports into one per-run report.
func mergeReports(a, b *domain.QualityReport) *domain.QualityReport {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	merged := &domain.QualityReport{
		Timestamp:        a.Timestamp,
		RowsIn:           a.RowsIn + b.RowsIn,
		RowsOut:          a.RowsOut + b.RowsOut,
		MissingFilled:    a.MissingFilled + b.MissingFilled,
		MissingRemaining: a.MissingRemaining + b.MissingRemaining,
		OutlierCounts:    map[string]int{},
		Warnings:         append(append([]string(nil), a.Warnings...), b.Warnings...),
	}
	if merged.RowsIn > 0 {
		merged.RetentionRate = float64(merged.RowsOut) / float64(merged.RowsIn)
	}
	for k, v := range a.OutlierCounts {
		merged.OutlierCounts[k] += v
	}
	for k, v := range b.OutlierCounts {
		merged.OutlierCounts[k] += v
	}
	return merged
}
