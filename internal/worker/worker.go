// Package worker provides async batch scoring for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Worker scores ingested batches asynchronously from the EventBus.
type Worker struct {
	bus    domain.EventBus
	engine *scoring.Engine

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via wildcard if supported)
	TenantIDs []string

	// WorkerCount is the number of concurrent workers per tenant
	WorkerCount int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, engine *scoring.Engine) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		engine: engine,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	// Subscribe using a special "global" tenant ID
	// In production, you'd want to subscribe with wildcards or JetStream
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicBatchIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicBatchIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processBatch(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicBatchIngested,
	)

	return nil
}

// handleMessage handles messages from global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processBatch(ctx, msg.TenantID, msg)
}

// BatchMessage is the message payload for async batch scoring.
type BatchMessage struct {
	TenantID string              `json:"tenantId"`
	TraceID  string              `json:"traceId"`
	Model    domain.ScoringModel `json:"model"`

	Transactions []*domain.TransactionRecord `json:"transactions"`
	Customers    []*domain.CustomerRecord    `json:"customers,omitempty"`
}

// processBatch scores an ingested batch through the pipeline.
func (w *Worker) processBatch(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var batchMsg BatchMessage
	if err := json.Unmarshal(msg.Payload, &batchMsg); err != nil {
		slog.Error("failed to parse batch message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if batchMsg.TenantID != "" {
		tenantID = batchMsg.TenantID
	}

	traceID := batchMsg.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	model := batchMsg.Model
	if model == "" {
		model = domain.ModelRisk
	}

	slog.Debug("processing batch",
		"tenant_id", tenantID,
		"model", model,
		"trace_id", traceID,
		"transactions", len(batchMsg.Transactions),
	)

	txTbl, err := history.TransactionsTable(batchMsg.Transactions)
	if err != nil {
		slog.Error("failed to build transaction table",
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	batch := &scoring.Batch{Transactions: txTbl, TraceID: traceID}
	if len(batchMsg.Customers) > 0 {
		custTbl, err := history.CustomersTable(batchMsg.Customers)
		if err != nil {
			slog.Error("failed to build customer table",
				"tenant_id", tenantID,
				"error", err,
			)
			return err
		}
		batch.Customers = custTbl
	}

	// The engine persists the run and publishes completion/alert events.
	run, err := w.engine.Score(ctx, tenantID, model, batch)
	if err != nil {
		slog.Error("batch scoring failed",
			"tenant_id", tenantID,
			"model", model,
			"trace_id", traceID,
			"error", err,
		)
		return err
	}

	slog.Info("batch processed",
		"tenant_id", tenantID,
		"model", model,
		"run_id", run.ID,
		"status", run.Status,
		"score", run.Score,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
