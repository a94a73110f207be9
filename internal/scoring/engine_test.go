package scoring

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scorer"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-scoring-test-*.db")
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

	return repo
}

func newTestEngine(t *testing.T, repo domain.Repository) *Engine {
	t.Helper()

	rulesEngine, err := rules.NewEngine(4)
	if err != nil {
		t.Fatalf("rules engine: %v", err)
	}
	if err := rulesEngine.LoadRules(rules.BuiltinRules()); err != nil {
		t.Fatalf("load builtin rules: %v", err)
	}

	engine, err := NewEngine(domain.DefaultConfig(), repo, nil, nil, scorer.NewLocal(), rulesEngine)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func transactionRecords(customerIDs []string, perCustomer int) []*domain.TransactionRecord {
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
				MerchantID: "merch-" + string(rune('a'+i%3)),
				Location:   "NY",
				Channel:    "pos",
				Timestamp:  base.AddDate(0, 0, i*3).Add(time.Duration(ci) * time.Hour),
				CreatedAt:  base,
			})
		}
	}
	return records
}

func customerRecords(ids []string) []*domain.CustomerRecord {
	var records []*domain.CustomerRecord
	for i, id := range ids {
		records = append(records, &domain.CustomerRecord{
			ID:               id,
			BirthDate:        time.Date(1980+i*5, 1, 1, 0, 0, 0, 0, time.UTC),
			AccountOpenDate:  time.Date(2018+i, 6, 1, 0, 0, 0, 0, time.UTC),
			AnnualIncome:     60000 + float64(i)*20000,
			CreditScore:      650 + float64(i)*40,
			EmploymentStatus: "employed",
			EducationLevel:   "bachelor",
			MaritalStatus:    "single",
			EmailVerified:    true,
			IdentityVerified: i%2 == 0,
		})
	}
	return records
}

func testBatch(t *testing.T, customerIDs []string, perCustomer int) *Batch {
	t.Helper()
	txTbl, err := history.TransactionsTable(transactionRecords(customerIDs, perCustomer))
	if err != nil {
		t.Fatalf("transactions table: %v", err)
	}
	custTbl, err := history.CustomersTable(customerRecords(customerIDs))
	if err != nil {
		t.Fatalf("customers table: %v", err)
	}
	return &Batch{Transactions: txTbl, Customers: custTbl}
}

func TestScoreFraudBatch(t *testing.T) {
	repo := newTestRepo(t)
	engine := newTestEngine(t, repo)
	ctx := context.Background()

	batch := testBatch(t, []string{"c1", "c2", "c3"}, 4)
	run, err := engine.Score(ctx, "tenant-001", domain.ModelFraud, batch)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	if len(run.EntityScores) != 3 {
		t.Fatalf("expected 3 entity scores, got %d", len(run.EntityScores))
	}
	for _, es := range run.EntityScores {
		if es.Score < 0 || es.Score > 1 {
			t.Errorf("entity %s score = %v, want [0,1]", es.EntityID, es.Score)
		}
	}
	if run.Status != domain.StatusAlert && run.Status != domain.StatusNoAlert {
		t.Errorf("unexpected status %q", run.Status)
	}
	if run.Metadata.RowsIn != 12 {
		t.Errorf("rows in = %d, want 12", run.Metadata.RowsIn)
	}
	if run.Metadata.RowsScored != 3 {
		t.Errorf("rows scored = %d, want 3", run.Metadata.RowsScored)
	}

	// Run must be persisted for the audit trail.
	stored, err := repo.GetScoringRun(ctx, "tenant-001", run.ID)
	if err != nil {
		t.Fatalf("GetScoringRun: %v", err)
	}
	if stored.Score != run.Score {
		t.Errorf("persisted score = %v, want %v", stored.Score, run.Score)
	}

	// Quality report is persisted alongside the run.
	reports, err := repo.ListQualityReports(ctx, "tenant-001", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListQualityReports: %v", err)
	}
	if len(reports) != 1 || reports[0].RunID != run.ID {
		t.Errorf("expected 1 report linked to run, got %+v", reports)
	}
}

func TestScoreRiskRequiresCustomers(t *testing.T) {
	engine := newTestEngine(t, newTestRepo(t))

	batch := testBatch(t, []string{"c1", "c2"}, 3)
	batch.Customers = nil

	if _, err := engine.Score(context.Background(), "tenant-001", domain.ModelRisk, batch); err == nil {
		t.Fatal("expected error for risk model without customer table")
	}
}

func TestScoreEmptyBatch(t *testing.T) {
	engine := newTestEngine(t, newTestRepo(t))
	if _, err := engine.Score(context.Background(), "tenant-001", domain.ModelFraud, &Batch{}); err == nil {
		t.Fatal("expected error for empty batch")
	}
}

func TestFitThenScoreRisk(t *testing.T) {
	repo := newTestRepo(t)
	engine := newTestEngine(t, repo)
	ctx := context.Background()

	reference := testBatch(t, []string{"c1", "c2", "c3", "c4"}, 5)
	state, err := engine.Fit(ctx, "tenant-001", domain.ModelRisk, reference)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if state.RowsFit == 0 {
		t.Error("expected non-zero rows fit")
	}

	stored, err := repo.GetPipelineState(ctx, "tenant-001", domain.ModelRisk)
	if err != nil {
		t.Fatalf("GetPipelineState: %v", err)
	}
	if stored.Version != state.Version {
		t.Errorf("persisted version = %s, want %s", stored.Version, state.Version)
	}

	// Scoring a fresh batch now transforms against the fitted state.
	run, err := engine.Score(ctx, "tenant-001", domain.ModelRisk, testBatch(t, []string{"c1", "c2"}, 4))
	if err != nil {
		t.Fatalf("Score after fit: %v", err)
	}
	if len(run.EntityScores) != 2 {
		t.Fatalf("expected 2 entity scores, got %d", len(run.EntityScores))
	}
}

func TestScoreRecommendModel(t *testing.T) {
	engine := newTestEngine(t, newTestRepo(t))

	run, err := engine.Score(context.Background(), "tenant-001", domain.ModelRecommend, testBatch(t, []string{"c1", "c2", "c3"}, 6))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	for _, es := range run.EntityScores {
		if es.Score < 0 || es.Score > 1 {
			t.Errorf("wellness score = %v, want [0,1]", es.Score)
		}
	}
}

func TestScoreEntity(t *testing.T) {
	repo := newTestRepo(t)
	engine := newTestEngine(t, repo)
	ctx := context.Background()
	tenantID := "tenant-001"

	// Seed history for the customer.
	now := time.Now().UTC()
	for i, rec := range transactionRecords([]string{"c1"}, 5) {
		rec.Timestamp = now.AddDate(0, 0, -20+i*3)
		if err := repo.SaveTransaction(ctx, tenantID, rec); err != nil {
			t.Fatalf("SaveTransaction: %v", err)
		}
	}
	if err := repo.SaveCustomer(ctx, tenantID, customerRecords([]string{"c1"})[0]); err != nil {
		t.Fatalf("SaveCustomer: %v", err)
	}

	incoming := &domain.TransactionRecord{
		CustomerID: "c1",
		Type:       "debit",
		Amount:     900,
		Currency:   "USD",
		Category:   "electronics",
		Channel:    "online",
	}

	run, err := engine.ScoreEntity(ctx, tenantID, domain.ModelFraud, incoming)
	if err != nil {
		t.Fatalf("ScoreEntity: %v", err)
	}
	if len(run.EntityScores) != 1 || run.EntityScores[0].EntityID != "c1" {
		t.Fatalf("entity scores = %+v, want single c1 entry", run.EntityScores)
	}

	// The incoming record was persisted before replay.
	stored, err := repo.GetTransaction(ctx, tenantID, incoming.ID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if stored.Amount != 900 {
		t.Errorf("stored amount = %v, want 900", stored.Amount)
	}
}

func TestScoreEntityAgainstFittedState(t *testing.T) {
	repo := newTestRepo(t)
	engine := newTestEngine(t, repo)
	ctx := context.Background()
	tenantID := "tenant-001"
	now := time.Now().UTC()

	// Reference batch: a calm customer with spaced transactions and a bursty
	// one anchoring the top of the composite range.
	var reference []*domain.TransactionRecord
	for i := 0; i < 5; i++ {
		reference = append(reference, &domain.TransactionRecord{
			ID: "calm-tx-" + string(rune('a'+i)), CustomerID: "calm",
			Type: "debit", Amount: 100, Currency: "USD", Category: "groceries",
			Location: "NY", Channel: "pos",
			Timestamp: now.AddDate(0, 0, -25+i*5),
		})
	}
	for i := 0; i < 4; i++ {
		reference = append(reference, &domain.TransactionRecord{
			ID: "burst-tx-" + string(rune('a'+i)), CustomerID: "burst",
			Type: "debit", Amount: 100, Currency: "USD", Category: "groceries",
			Location: "NY", Channel: "pos",
			Timestamp: now.Add(-time.Hour).Add(time.Duration(i*5) * time.Minute),
		})
	}
	refTbl, err := history.TransactionsTable(reference)
	if err != nil {
		t.Fatalf("transactions table: %v", err)
	}
	if _, err := engine.Fit(ctx, tenantID, domain.ModelFraud, &Batch{Transactions: refTbl}); err != nil {
		t.Fatalf("Fit: %v", err)
	}

	// Seed a rapid-succession history for the scored customer.
	for i := 0; i < 5; i++ {
		rec := &domain.TransactionRecord{
			ID: "c9-tx-" + string(rune('a'+i)), CustomerID: "c9",
			Type: "debit", Amount: 100, Currency: "USD", Category: "groceries",
			Location: "NY", Channel: "pos",
			Timestamp: now.Add(time.Duration(-30+i*5) * time.Minute),
		}
		if err := repo.SaveTransaction(ctx, tenantID, rec); err != nil {
			t.Fatalf("SaveTransaction: %v", err)
		}
	}

	incoming := &domain.TransactionRecord{
		CustomerID: "c9",
		Type:       "debit",
		Amount:     100,
		Currency:   "USD",
		Category:   "groceries",
		Location:   "NY",
		Channel:    "pos",
	}
	run, err := engine.ScoreEntity(ctx, tenantID, domain.ModelFraud, incoming)
	if err != nil {
		t.Fatalf("ScoreEntity: %v", err)
	}
	if run.Metadata.StateVersion == "" {
		t.Error("expected run to record the fitted state version")
	}

	// A single-entity batch must keep its position relative to the fitted
	// range; a bursty history cannot degenerate to score zero.
	if run.Score <= 0 {
		t.Fatalf("entity score = %v, want > 0 for rapid-succession history", run.Score)
	}
	if run.Score > 1 {
		t.Errorf("entity score = %v, want within [0,1]", run.Score)
	}
}

func TestScoreEntityRequiresCustomerID(t *testing.T) {
	engine := newTestEngine(t, newTestRepo(t))
	if _, err := engine.ScoreEntity(context.Background(), "tenant-001", domain.ModelFraud, &domain.TransactionRecord{}); err == nil {
		t.Fatal("expected error for record without customer id")
	}
}

func TestAggregateWeighted(t *testing.T) {
	results := []domain.RuleResult{
		{Score: 1.0, Weight: 1.0, SubRuleRef: domain.RuleOutcomeReview},
		{Score: 0.0, Weight: 3.0, SubRuleRef: domain.RuleOutcomePass},
	}
	agg := aggregate(results)
	if agg.Score != 0.25 {
		t.Errorf("aggregate score = %v, want 0.25", agg.Score)
	}
	if agg.RulesTriggered != 1 {
		t.Errorf("rules triggered = %d, want 1", agg.RulesTriggered)
	}
	if agg.HasCriticalFailure {
		t.Error("no failure outcome, HasCriticalFailure should be false")
	}
}

func TestAggregateCriticalFailure(t *testing.T) {
	results := []domain.RuleResult{
		{Score: 0.1, SubRuleRef: domain.RuleOutcomeFail},
	}
	agg := aggregate(results)
	if !agg.HasCriticalFailure {
		t.Error("fail outcome should set HasCriticalFailure")
	}
	// Missing weight defaults to 1.
	if agg.TotalWeight != 1 {
		t.Errorf("total weight = %v, want 1", agg.TotalWeight)
	}
}

func TestMergeReports(t *testing.T) {
	a := &domain.QualityReport{RowsIn: 100, RowsOut: 90, MissingFilled: 5, OutlierCounts: map[string]int{"amount": 2}, Warnings: []string{"w1"}}
	b := &domain.QualityReport{RowsIn: 50, RowsOut: 50, MissingFilled: 1, OutlierCounts: map[string]int{"amount": 1, "income": 3}}

	m := mergeReports(a, b)
	if m.RowsIn != 150 || m.RowsOut != 140 {
		t.Errorf("rows = %d/%d, want 150/140", m.RowsIn, m.RowsOut)
	}
	if m.RetentionRate != float64(140)/150 {
		t.Errorf("retention = %v, want %v", m.RetentionRate, float64(140)/150)
	}
	if m.OutlierCounts["amount"] != 3 || m.OutlierCounts["income"] != 3 {
		t.Errorf("outlier counts = %v", m.OutlierCounts)
	}
	if len(m.Warnings) != 1 {
		t.Errorf("warnings = %v, want [w1]", m.Warnings)
	}
}
