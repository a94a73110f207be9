package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scorer"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

func newTestEngine(t *testing.T, eventBus domain.EventBus, alertRule bool) *scoring.Engine {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-worker-test-*.db")
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
	if alertRule {
		// Unconditional failure band forces an alert on every entity.
		lower := 0.0
		err := rulesEngine.LoadRule(&domain.RuleConfig{
			ID:         "always-fail",
			Name:       "always fail",
			Expression: "score",
			Bands:      []domain.RuleBand{{LowerLimit: &lower, SubRuleRef: domain.RuleOutcomeFail, Reason: "forced"}},
			Weight:     1.0,
			Enabled:    true,
		})
		if err != nil {
			t.Fatalf("load rule: %v", err)
		}
	}

	engine, err := scoring.NewEngine(domain.DefaultConfig(), repo, nil, eventBus, scorer.NewLocal(), rulesEngine)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func testBatchMessage(tenantID, traceID string) BatchMessage {
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	msg := BatchMessage{
		TenantID: tenantID,
		TraceID:  traceID,
		Model:    domain.ModelFraud,
	}
	for ci, id := range []string{"c1", "c2"} {
		for i := 0; i < 4; i++ {
			msg.Transactions = append(msg.Transactions, &domain.TransactionRecord{
				ID:         fmt.Sprintf("%s-tx-%d", id, i),
				CustomerID: id,
				Type:       "debit",
				Amount:     50 + float64(ci*100) + float64(i*20),
				Currency:   "USD",
				Category:   "groceries",
				Channel:    "pos",
				Timestamp:  base.AddDate(0, 0, i*2),
			})
		}
	}
	return msg
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	engine := newTestEngine(t, eventBus, false)
	worker := NewWorker(eventBus, engine)

	t.Run("StartAndStop", func(t *testing.T) {
		cfg := Config{
			TenantIDs:   []string{"tenant-001"},
			WorkerCount: 1,
		}

		err := worker.Start(cfg)
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := worker.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}

		err = worker.Stop()
		if err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = worker.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessBatch", func(t *testing.T) {
		w := NewWorker(eventBus, newTestEngine(t, eventBus, false))

		cfg := Config{
			TenantIDs: []string{"tenant-test"},
		}
		w.Start(cfg)
		defer w.Stop()

		// Track completion events
		var completedReceived atomic.Bool
		var completedPayload []byte

		eventBus.Subscribe(context.Background(), "tenant-test", domain.TopicScoringCompleted, func(ctx context.Context, msg *domain.Message) error {
			completedPayload = msg.Payload
			completedReceived.Store(true)
			return nil
		})

		// Allow subscriptions to be active
		time.Sleep(50 * time.Millisecond)

		payload, _ := json.Marshal(testBatchMessage("tenant-test", "trace-001"))
		err := eventBus.Publish(context.Background(), "tenant-test", domain.TopicBatchIngested, payload)
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		// Wait for processing
		time.Sleep(200 * time.Millisecond)

		if !completedReceived.Load() {
			t.Fatal("expected scoring completion to be published")
		}

		var run domain.ScoringRun
		if err := json.Unmarshal(completedPayload, &run); err != nil {
			t.Fatalf("failed to parse run: %v", err)
		}
		if run.Model != domain.ModelFraud {
			t.Errorf("expected model fraud, got %s", run.Model)
		}
		if len(run.EntityScores) != 2 {
			t.Errorf("expected 2 entities, got %d", len(run.EntityScores))
		}
		if run.Metadata.TraceID != "trace-001" {
			t.Errorf("expected traceID 'trace-001', got '%s'", run.Metadata.TraceID)
		}
	})

	t.Run("AlertPublished", func(t *testing.T) {
		w := NewWorker(eventBus, newTestEngine(t, eventBus, true))

		cfg := Config{
			TenantIDs: []string{"tenant-alert"},
		}
		w.Start(cfg)
		defer w.Stop()

		// Track alerts
		var alertReceived atomic.Bool

		eventBus.Subscribe(context.Background(), "tenant-alert", domain.TopicScoringAlert, func(ctx context.Context, msg *domain.Message) error {
			alertReceived.Store(true)
			return nil
		})

		time.Sleep(50 * time.Millisecond)

		payload, _ := json.Marshal(testBatchMessage("tenant-alert", "trace-002"))
		eventBus.Publish(context.Background(), "tenant-alert", domain.TopicBatchIngested, payload)

		time.Sleep(200 * time.Millisecond)

		if !alertReceived.Load() {
			t.Error("expected alert to be published when a rule fails")
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		w := NewWorker(eventBus, engine)

		cfg := Config{
			TenantIDs: []string{"tenant-a", "tenant-b"},
		}
		w.Start(cfg)
		defer w.Stop()

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions for 2 tenants, got %d", stats.SubscriptionCount)
		}
	})
}

func TestBatchMessageParsing(t *testing.T) {
	msg := testBatchMessage("tenant-001", "trace-456")

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var parsed BatchMessage
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if parsed.TenantID != msg.TenantID {
		t.Errorf("expected TenantID '%s', got '%s'", msg.TenantID, parsed.TenantID)
	}
	if parsed.Model != domain.ModelFraud {
		t.Errorf("expected model fraud, got %s", parsed.Model)
	}
	if len(parsed.Transactions) != 8 {
		t.Errorf("expected 8 transactions, got %d", len(parsed.Transactions))
	}
	if parsed.Transactions[0].Amount != 50 {
		t.Errorf("expected Amount 50, got %.2f", parsed.Transactions[0].Amount)
	}
}
