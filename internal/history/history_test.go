package history

import (
	"context"
	"math"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-history-test-*.db")
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

func TestTransactionTableWindow(t *testing.T) {
	repo := newTestRepo(t)
	svc := NewService(repo, 30)

	ctx := context.Background()
	tenantID := "tenant-001"
	now := time.Now().UTC()

	inside := &domain.TransactionRecord{
		ID:         "tx-in",
		CustomerID: "cust-001",
		Type:       "debit",
		Amount:     50,
		Currency:   "USD",
		Timestamp:  now.AddDate(0, 0, -5),
		CreatedAt:  now,
	}
	outside := &domain.TransactionRecord{
		ID:         "tx-out",
		CustomerID: "cust-001",
		Type:       "debit",
		Amount:     75,
		Currency:   "USD",
		Timestamp:  now.AddDate(0, 0, -60),
		CreatedAt:  now,
	}

	for _, tx := range []*domain.TransactionRecord{inside, outside} {
		if err := repo.SaveTransaction(ctx, tenantID, tx); err != nil {
			t.Fatalf("SaveTransaction: %v", err)
		}
	}

	tbl, err := svc.TransactionTable(ctx, tenantID, "cust-001")
	if err != nil {
		t.Fatalf("TransactionTable: %v", err)
	}
	if tbl == nil {
		t.Fatal("expected a table, got nil")
	}
	if tbl.NumRows() != 1 {
		t.Fatalf("expected 1 row inside the window, got %d", tbl.NumRows())
	}

	amounts, _ := tbl.Column(domain.ColAmount)
	if amounts.Float(0) != 50 {
		t.Errorf("amount = %v, want 50", amounts.Float(0))
	}
}

func TestTransactionTableNoHistory(t *testing.T) {
	repo := newTestRepo(t)
	svc := NewService(repo, 30)

	tbl, err := svc.TransactionTable(context.Background(), "tenant-001", "unknown")
	if err != nil {
		t.Fatalf("TransactionTable: %v", err)
	}
	if tbl != nil {
		t.Fatalf("expected nil table for customer without history, got %d rows", tbl.NumRows())
	}
}

func TestTransactionTableRequiresIDs(t *testing.T) {
	svc := NewService(newTestRepo(t), 30)

	if _, err := svc.TransactionTable(context.Background(), "", "cust-001"); err == nil {
		t.Error("expected error for empty tenantID")
	}
	if _, err := svc.TransactionTable(context.Background(), "tenant-001", ""); err == nil {
		t.Error("expected error for empty customerID")
	}
}

func TestCustomerTable(t *testing.T) {
	repo := newTestRepo(t)
	svc := NewService(repo, 30)

	ctx := context.Background()
	tenantID := "tenant-001"

	c := &domain.CustomerRecord{
		ID:               "cust-001",
		BirthDate:        time.Date(1990, 6, 1, 0, 0, 0, 0, time.UTC),
		AccountOpenDate:  time.Date(2021, 3, 15, 0, 0, 0, 0, time.UTC),
		AnnualIncome:     72000,
		CreditScore:      0, // unknown, should surface as missing
		EmploymentStatus: "employed",
		EmailVerified:    true,
	}
	if err := repo.SaveCustomer(ctx, tenantID, c); err != nil {
		t.Fatalf("SaveCustomer: %v", err)
	}

	tbl, err := svc.CustomerTable(ctx, tenantID, "cust-001")
	if err != nil {
		t.Fatalf("CustomerTable: %v", err)
	}
	if tbl.NumRows() != 1 {
		t.Fatalf("expected 1 row, got %d", tbl.NumRows())
	}

	income, _ := tbl.Column(domain.ColAnnualIncome)
	if income.Float(0) != 72000 {
		t.Errorf("income = %v, want 72000", income.Float(0))
	}
	score, _ := tbl.Column(domain.ColCreditScore)
	if !math.IsNaN(score.Float(0)) {
		t.Errorf("unknown credit score = %v, want NaN", score.Float(0))
	}
	email, _ := tbl.Column(domain.ColEmailVerified)
	if email.Float(0) != 1 {
		t.Errorf("email_verified = %v, want 1", email.Float(0))
	}
}

func TestTransactionsTableColumns(t *testing.T) {
	now := time.Now().UTC()
	records := []*domain.TransactionRecord{
		{ID: "t1", CustomerID: "c1", Type: "debit", Amount: 10, Category: "groceries", Channel: "pos", Timestamp: now},
		{ID: "t2", CustomerID: "c2", Type: "credit", Amount: 20, Category: "salary", Channel: "online", Timestamp: now},
	}

	tbl, err := TransactionsTable(records)
	if err != nil {
		t.Fatalf("TransactionsTable: %v", err)
	}
	for _, want := range []string{
		domain.ColCustomerID, domain.ColAmount, domain.ColTimestamp,
		domain.ColType, domain.ColCategory, domain.ColMerchantID,
		domain.ColLocation, domain.ColChannel,
	} {
		if _, ok := tbl.Column(want); !ok {
			t.Errorf("missing column %q", want)
		}
	}

	ids, _ := tbl.Column(domain.ColCustomerID)
	if ids.String(0) != "c1" || ids.String(1) != "c2" {
		t.Errorf("customer ids = %s,%s, want c1,c2", ids.String(0), ids.String(1))
	}
}
