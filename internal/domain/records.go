// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"time"
)

// TransactionRecord is a single raw transaction row as ingested from a
// client batch or replayed from the repository.
type TransactionRecord struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	CustomerID string    `json:"customerId"`

	Type     string  `json:"type"` // "credit" or "debit"
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	Category   string `json:"category"`
	MerchantID string `json:"merchantId"`
	Location   string `json:"location"`
	Channel    string `json:"channel"` // "online", "pos", "atm", "branch"

	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// CustomerRecord is a single raw customer/demographic row.
type CustomerRecord struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	BirthDate       time.Time `json:"birthDate"`
	AccountOpenDate time.Time `json:"accountOpenDate"`

	AnnualIncome float64 `json:"annualIncome"`
	CreditScore  float64 `json:"creditScore"` // 300-850, 0 when unknown

	EmploymentStatus string `json:"employmentStatus"`
	EducationLevel   string `json:"educationLevel"`
	MaritalStatus    string `json:"maritalStatus"`

	EmailVerified    bool `json:"emailVerified"`
	PhoneVerified    bool `json:"phoneVerified"`
	IdentityVerified bool `json:"identityVerified"`
}

// Canonical column names for the tabular pipeline surface. Builders validate
// their required sets against these and report missing columns by name.
const (
	ColCustomerID    = "customer_id"
	ColTransactionID = "transaction_id"
	ColAmount        = "amount"
	ColTimestamp     = "timestamp"
	ColType          = "transaction_type"
	ColCategory      = "merchant_category"
	ColMerchantID    = "merchant_id"
	ColLocation      = "location"
	ColChannel       = "channel"

	ColBirthDate        = "birth_date"
	ColAccountOpenDate  = "account_open_date"
	ColAnnualIncome     = "annual_income"
	ColCreditScore      = "credit_score"
	ColEmploymentStatus = "employment_status"
	ColEducationLevel   = "education_level"
	ColMaritalStatus    = "marital_status"
	ColEmailVerified    = "email_verified"
	ColPhoneVerified    = "phone_verified"
	ColIdentityVerified = "identity_verified"
)

// TransactionRequiredColumns is the minimum column set for the transaction,
// fraud, and wellness feature builders.
func TransactionRequiredColumns() []string {
	return []string{ColCustomerID, ColAmount, ColTimestamp}
}

// CustomerRequiredColumns is the minimum column set for the customer builder.
func CustomerRequiredColumns() []string {
	return []string{ColCustomerID}
}
