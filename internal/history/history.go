// Package history materializes stored transaction and customer records into
// the tabular form the feature pipeline consumes. Single-entity scoring
// fetches the entity's recent history here so behavioral features see more
// than the one incoming record.
package history

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/frame"
)

// Service loads entity history from the repository.
type Service struct {
	repo       domain.Repository
	windowDays int
}

// NewService creates a history service. windowDays bounds how far back
// transaction history is fetched.
func NewService(repo domain.Repository, windowDays int) *Service {
	if windowDays <= 0 {
		windowDays = 90
	}
	return &Service{repo: repo, windowDays: windowDays}
}

// TransactionTable fetches a customer's transactions inside the history
// window and returns them as a pipeline table. A customer with no stored
// history yields a nil table, not an error.
func (s *Service) TransactionTable(ctx context.Context, tenantID, customerID string) (*frame.Table, error) {
	if tenantID == "" || customerID == "" {
		return nil, fmt.Errorf("tenantID and customerID are required")
	}
	since := time.Now().UTC().AddDate(0, 0, -s.windowDays)
	records, err := s.repo.GetTransactionsByCustomer(ctx, tenantID, customerID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction history: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return TransactionsTable(records)
}

// CustomerTable fetches a customer record as a one-row pipeline table.
func (s *Service) CustomerTable(ctx context.Context, tenantID, customerID string) (*frame.Table, error) {
	record, err := s.repo.GetCustomer(ctx, tenantID, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load customer record: %w", err)
	}
	if record == nil {
		return nil, nil
	}
	return CustomersTable([]*domain.CustomerRecord{record})
}

// TransactionsTable converts transaction records into the canonical tabular
// layout the builders expect.
func TransactionsTable(records []*domain.TransactionRecord) (*frame.Table, error) {
	n := len(records)
	ids := make([]string, n)
	amounts := make([]float64, n)
	timestamps := make([]time.Time, n)
	types := make([]string, n)
	categories := make([]string, n)
	merchants := make([]string, n)
	locations := make([]string, n)
	channels := make([]string, n)

	for i, r := range records {
		ids[i] = r.CustomerID
		amounts[i] = r.Amount
		timestamps[i] = r.Timestamp
		types[i] = r.Type
		categories[i] = r.Category
		merchants[i] = r.MerchantID
		locations[i] = r.Location
		channels[i] = r.Channel
	}

	return frame.New(
		frame.NewCategorical(domain.ColCustomerID, ids),
		frame.NewNumeric(domain.ColAmount, amounts),
		frame.NewDatetime(domain.ColTimestamp, timestamps),
		frame.NewCategorical(domain.ColType, types),
		frame.NewCategorical(domain.ColCategory, categories),
		frame.NewCategorical(domain.ColMerchantID, merchants),
		frame.NewCategorical(domain.ColLocation, locations),
		frame.NewCategorical(domain.ColChannel, channels),
	)
}

// CustomersTable converts customer records into the canonical tabular layout.
// Zero-valued incomes and credit scores become missing values so the cleaner
// imputes them instead of treating them as real zeros.
func CustomersTable(records []*domain.CustomerRecord) (*frame.Table, error) {
	n := len(records)
	ids := make([]string, n)
	births := make([]time.Time, n)
	opened := make([]time.Time, n)
	incomes := make([]float64, n)
	scores := make([]float64, n)
	employment := make([]string, n)
	education := make([]string, n)
	marital := make([]string, n)
	emailV := make([]float64, n)
	phoneV := make([]float64, n)
	identityV := make([]float64, n)

	for i, r := range records {
		ids[i] = r.ID
		births[i] = r.BirthDate
		opened[i] = r.AccountOpenDate
		incomes[i] = missingIfZero(r.AnnualIncome)
		scores[i] = missingIfZero(r.CreditScore)
		employment[i] = r.EmploymentStatus
		education[i] = r.EducationLevel
		marital[i] = r.MaritalStatus
		emailV[i] = boolToFloat(r.EmailVerified)
		phoneV[i] = boolToFloat(r.PhoneVerified)
		identityV[i] = boolToFloat(r.IdentityVerified)
	}

	return frame.New(
		frame.NewCategorical(domain.ColCustomerID, ids),
		frame.NewDatetime(domain.ColBirthDate, births),
		frame.NewDatetime(domain.ColAccountOpenDate, opened),
		frame.NewNumeric(domain.ColAnnualIncome, incomes),
		frame.NewNumeric(domain.ColCreditScore, scores),
		frame.NewCategorical(domain.ColEmploymentStatus, employment),
		frame.NewCategorical(domain.ColEducationLevel, education),
		frame.NewCategorical(domain.ColMaritalStatus, marital),
		frame.NewNumeric(domain.ColEmailVerified, emailV),
		frame.NewNumeric(domain.ColPhoneVerified, phoneV),
		frame.NewNumeric(domain.ColIdentityVerified, identityV),
	)
}

func missingIfZero(v float64) float64 {
	if v == 0 {
		return math.NaN()
	}
	return v
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
