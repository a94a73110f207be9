// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction stores a transaction with tenant isolation.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.TransactionRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	metadata, _ := json.Marshal(tx.Metadata)

	query := `
		INSERT INTO transactions (
			id, tenant_id, customer_id, type, amount, currency,
			category, merchant_id, location, channel,
			timestamp, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.CustomerID, tx.Type,
		tx.Amount, tx.Currency,
		tx.Category, tx.MerchantID, tx.Location, tx.Channel,
		tx.Timestamp, tx.CreatedAt,
		string(metadata),
	)
	return err
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.TransactionRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, customer_id, type, amount, currency,
			   category, merchant_id, location, channel,
			   timestamp, created_at, metadata
		FROM transactions
		WHERE tenant_id = ? AND id = ?
	`

	var tx domain.TransactionRecord
	var metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(
		&tx.ID, &tx.TenantID, &tx.CustomerID, &tx.Type,
		&tx.Amount, &tx.Currency,
		&tx.Category, &tx.MerchantID, &tx.Location, &tx.Channel,
		&tx.Timestamp, &tx.CreatedAt,
		&metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if metadata != "" {
		json.Unmarshal([]byte(metadata), &tx.Metadata)
	}

	return &tx, nil
}

// GetTransactionsByCustomer retrieves a customer's transactions with tenant isolation.
func (r *SQLRepository) GetTransactionsByCustomer(ctx context.Context, tenantID string, customerID string, since time.Time) ([]*domain.TransactionRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, customer_id, type, amount, currency,
			   category, merchant_id, location, channel,
			   timestamp, created_at, metadata
		FROM transactions
		WHERE tenant_id = ?
		  AND customer_id = ?
		  AND timestamp >= ?
		ORDER BY timestamp ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, customerID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.TransactionRecord
	for rows.Next() {
		var tx domain.TransactionRecord
		var metadata string

		if err := rows.Scan(
			&tx.ID, &tx.TenantID, &tx.CustomerID, &tx.Type,
			&tx.Amount, &tx.Currency,
			&tx.Category, &tx.MerchantID, &tx.Location, &tx.Channel,
			&tx.Timestamp, &tx.CreatedAt,
			&metadata,
		); err != nil {
			return nil, err
		}

		if metadata != "" {
			json.Unmarshal([]byte(metadata), &tx.Metadata)
		}

		transactions = append(transactions, &tx)
	}

	return transactions, rows.Err()
}

// SaveCustomer stores a customer record with tenant isolation.
func (r *SQLRepository) SaveCustomer(ctx context.Context, tenantID string, c *domain.CustomerRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO customers (
			id, tenant_id, birth_date, account_open_date,
			annual_income, credit_score,
			employment_status, education_level, marital_status,
			email_verified, phone_verified, identity_verified
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			birth_date = excluded.birth_date,
			account_open_date = excluded.account_open_date,
			annual_income = excluded.annual_income,
			credit_score = excluded.credit_score,
			employment_status = excluded.employment_status,
			education_level = excluded.education_level,
			marital_status = excluded.marital_status,
			email_verified = excluded.email_verified,
			phone_verified = excluded.phone_verified,
			identity_verified = excluded.identity_verified
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, tenantID, c.BirthDate, c.AccountOpenDate,
		c.AnnualIncome, c.CreditScore,
		c.EmploymentStatus, c.EducationLevel, c.MaritalStatus,
		boolToInt(c.EmailVerified), boolToInt(c.PhoneVerified), boolToInt(c.IdentityVerified),
	)
	return err
}

// GetCustomer retrieves a customer record with tenant isolation.
func (r *SQLRepository) GetCustomer(ctx context.Context, tenantID string, customerID string) (*domain.CustomerRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, birth_date, account_open_date,
			   annual_income, credit_score,
			   employment_status, education_level, marital_status,
			   email_verified, phone_verified, identity_verified
		FROM customers
		WHERE tenant_id = ? AND id = ?
	`

	var c domain.CustomerRecord
	var emailV, phoneV, identityV int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, customerID).Scan(
		&c.ID, &c.TenantID, &c.BirthDate, &c.AccountOpenDate,
		&c.AnnualIncome, &c.CreditScore,
		&c.EmploymentStatus, &c.EducationLevel, &c.MaritalStatus,
		&emailV, &phoneV, &identityV,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.EmailVerified = emailV == 1
	c.PhoneVerified = phoneV == 1
	c.IdentityVerified = identityV == 1

	return &c, nil
}

// SavePipelineState stores a fitted pipeline state with tenant isolation.
func (r *SQLRepository) SavePipelineState(ctx context.Context, tenantID string, state *domain.PipelineState) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO pipeline_states (
			id, tenant_id, model, version, fitted_at, rows_fit, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		state.ID, tenantID, string(state.Model), state.Version,
		state.FittedAt, state.RowsFit, state.Payload,
	)
	return err
}

// GetPipelineState retrieves the most recently fitted state for a model.
func (r *SQLRepository) GetPipelineState(ctx context.Context, tenantID string, model domain.ScoringModel) (*domain.PipelineState, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, model, version, fitted_at, rows_fit, payload
		FROM pipeline_states
		WHERE tenant_id = ? AND model = ?
		ORDER BY fitted_at DESC
		LIMIT 1
	`

	var state domain.PipelineState
	var modelStr string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, string(model)).Scan(
		&state.ID, &state.TenantID, &modelStr, &state.Version,
		&state.FittedAt, &state.RowsFit, &state.Payload,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	state.Model = domain.ScoringModel(modelStr)
	return &state, nil
}

// ListPipelineStates retrieves the latest fitted state per model.
func (r *SQLRepository) ListPipelineStates(ctx context.Context, tenantID string) ([]*domain.PipelineState, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, model, version, fitted_at, rows_fit, payload
		FROM pipeline_states
		WHERE tenant_id = ?
		ORDER BY fitted_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var states []*domain.PipelineState
	for rows.Next() {
		var state domain.PipelineState
		var modelStr string

		if err := rows.Scan(
			&state.ID, &state.TenantID, &modelStr, &state.Version,
			&state.FittedAt, &state.RowsFit, &state.Payload,
		); err != nil {
			return nil, err
		}
		if seen[modelStr] {
			continue
		}
		seen[modelStr] = true
		state.Model = domain.ScoringModel(modelStr)
		states = append(states, &state)
	}

	return states, rows.Err()
}

// SaveScoringRun stores a scoring run with tenant isolation.
func (r *SQLRepository) SaveScoringRun(ctx context.Context, tenantID string, run *domain.ScoringRun) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	entityScores, _ := json.Marshal(run.EntityScores)
	ruleResults, _ := json.Marshal(run.RuleResults)
	metadata, _ := json.Marshal(run.Metadata)

	query := `
		INSERT INTO scoring_runs (
			id, tenant_id, model, status, score, timestamp,
			entity_scores, rule_results, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		run.ID, tenantID, string(run.Model), run.Status, run.Score, run.Timestamp,
		string(entityScores), string(ruleResults), string(metadata),
	)
	return err
}

// GetScoringRun retrieves a scoring run by ID with tenant isolation.
func (r *SQLRepository) GetScoringRun(ctx context.Context, tenantID string, runID string) (*domain.ScoringRun, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, model, status, score, timestamp,
			   entity_scores, rule_results, metadata
		FROM scoring_runs
		WHERE tenant_id = ? AND id = ?
	`

	var run domain.ScoringRun
	var modelStr, entityScores, ruleResults, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, runID).Scan(
		&run.ID, &run.TenantID, &modelStr, &run.Status, &run.Score, &run.Timestamp,
		&entityScores, &ruleResults, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	run.Model = domain.ScoringModel(modelStr)
	json.Unmarshal([]byte(entityScores), &run.EntityScores)
	json.Unmarshal([]byte(ruleResults), &run.RuleResults)
	json.Unmarshal([]byte(metadata), &run.Metadata)

	return &run, nil
}

// SaveQualityReport stores a data-quality report with tenant isolation.
func (r *SQLRepository) SaveQualityReport(ctx context.Context, tenantID string, report *domain.QualityReport) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	outliers, _ := json.Marshal(report.OutlierCounts)
	warnings, _ := json.Marshal(report.Warnings)

	query := `
		INSERT INTO quality_reports (
			id, tenant_id, run_id, timestamp, rows_in, rows_out,
			retention_rate, missing_filled, missing_remaining,
			outlier_counts, warnings
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		report.ID, tenantID, report.RunID, report.Timestamp,
		report.RowsIn, report.RowsOut,
		report.RetentionRate, report.MissingFilled, report.MissingRemaining,
		string(outliers), string(warnings),
	)
	return err
}

// ListQualityReports retrieves quality reports since a timestamp.
func (r *SQLRepository) ListQualityReports(ctx context.Context, tenantID string, since time.Time) ([]*domain.QualityReport, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, run_id, timestamp, rows_in, rows_out,
			   retention_rate, missing_filled, missing_remaining,
			   outlier_counts, warnings
		FROM quality_reports
		WHERE tenant_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []*domain.QualityReport
	for rows.Next() {
		var report domain.QualityReport
		var outliers, warnings string

		if err := rows.Scan(
			&report.ID, &report.TenantID, &report.RunID, &report.Timestamp,
			&report.RowsIn, &report.RowsOut,
			&report.RetentionRate, &report.MissingFilled, &report.MissingRemaining,
			&outliers, &warnings,
		); err != nil {
			return nil, err
		}

		json.Unmarshal([]byte(outliers), &report.OutlierCounts)
		json.Unmarshal([]byte(warnings), &report.Warnings)
		reports = append(reports, &report)
	}

	return reports, rows.Err()
}

// SaveRuleConfig stores a rule configuration with tenant isolation.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	bands, _ := json.Marshal(rule.Bands)

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, tenant_id, name, description, version, expression, bands, weight, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			bands = excluded.bands,
			weight = excluded.weight,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Version, rule.Expression, string(bands), rule.Weight, enabled,
		now, now,
	)
	return err
}

// GetRuleConfig retrieves a rule configuration with tenant isolation.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, bands, weight, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND id = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	var cfg domain.RuleConfig
	var bands string
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID).Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.Description,
		&cfg.Version, &cfg.Expression, &bands, &cfg.Weight, &enabled,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cfg.Enabled = enabled == 1
	json.Unmarshal([]byte(bands), &cfg.Bands)

	return &cfg, nil
}

// ListRuleConfigs retrieves all active rule configurations for a tenant.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, bands, weight, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		var cfg domain.RuleConfig
		var bands string
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.Description,
			&cfg.Version, &cfg.Expression, &bands, &cfg.Weight, &enabled,
		); err != nil {
			return nil, err
		}

		cfg.Enabled = enabled == 1
		json.Unmarshal([]byte(bands), &cfg.Bands)
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
