package domain

import (
	"context"
	"time"
)

// PipelineState is a fitted preprocessing/feature-scaling state, serialized
// for reuse across transform calls and across process restarts. Payload is
// the JSON produced by the owning component's MarshalState.
type PipelineState struct {
	ID       string       `json:"id"`
	TenantID string       `json:"tenantId"`
	Model    ScoringModel `json:"model"`
	Version  string       `json:"version"`
	FittedAt time.Time    `json:"fittedAt"`
	RowsFit  int          `json:"rowsFit"`
	Payload  []byte       `json:"payload"`
}

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Transaction history operations
	SaveTransaction(ctx context.Context, tenantID string, tx *TransactionRecord) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*TransactionRecord, error)
	GetTransactionsByCustomer(ctx context.Context, tenantID string, customerID string, since time.Time) ([]*TransactionRecord, error)

	// Customer operations
	SaveCustomer(ctx context.Context, tenantID string, c *CustomerRecord) error
	GetCustomer(ctx context.Context, tenantID string, customerID string) (*CustomerRecord, error)

	// Fitted pipeline state operations
	SavePipelineState(ctx context.Context, tenantID string, state *PipelineState) error
	GetPipelineState(ctx context.Context, tenantID string, model ScoringModel) (*PipelineState, error)
	ListPipelineStates(ctx context.Context, tenantID string) ([]*PipelineState, error)

	// Scoring run audit trail
	SaveScoringRun(ctx context.Context, tenantID string, run *ScoringRun) error
	GetScoringRun(ctx context.Context, tenantID string, runID string) (*ScoringRun, error)

	// Data-quality reports
	SaveQualityReport(ctx context.Context, tenantID string, report *QualityReport) error
	ListQualityReports(ctx context.Context, tenantID string, since time.Time) ([]*QualityReport, error)

	// Alert rule configuration operations
	SaveRuleConfig(ctx context.Context, tenantID string, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*RuleConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
