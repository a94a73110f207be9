package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    type TEXT NOT NULL,
    amount REAL NOT NULL,
    currency TEXT NOT NULL,
    category TEXT,
    merchant_id TEXT,
    location TEXT,
    channel TEXT,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_transactions_tenant ON transactions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_transactions_customer ON transactions(tenant_id, customer_id);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(tenant_id, timestamp);
`

const schemaCustomers = `
CREATE TABLE IF NOT EXISTS customers (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    birth_date TIMESTAMP,
    account_open_date TIMESTAMP,
    annual_income REAL NOT NULL DEFAULT 0,
    credit_score REAL NOT NULL DEFAULT 0,
    employment_status TEXT,
    education_level TEXT,
    marital_status TEXT,
    email_verified INTEGER NOT NULL DEFAULT 0,
    phone_verified INTEGER NOT NULL DEFAULT 0,
    identity_verified INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_customers_tenant ON customers(tenant_id);
`

const schemaPipelineStates = `
CREATE TABLE IF NOT EXISTS pipeline_states (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    model TEXT NOT NULL,
    version TEXT NOT NULL,
    fitted_at TIMESTAMP NOT NULL,
    rows_fit INTEGER NOT NULL,
    payload BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pipeline_states_tenant ON pipeline_states(tenant_id);
CREATE INDEX IF NOT EXISTS idx_pipeline_states_model ON pipeline_states(tenant_id, model, fitted_at);
`

const schemaScoringRuns = `
CREATE TABLE IF NOT EXISTS scoring_runs (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    model TEXT NOT NULL,
    status TEXT NOT NULL,
    score REAL NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    entity_scores TEXT NOT NULL,
    rule_results TEXT,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scoring_runs_tenant ON scoring_runs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_scoring_runs_model ON scoring_runs(tenant_id, model);
CREATE INDEX IF NOT EXISTS idx_scoring_runs_status ON scoring_runs(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_scoring_runs_timestamp ON scoring_runs(tenant_id, timestamp);
`

const schemaQualityReports = `
CREATE TABLE IF NOT EXISTS quality_reports (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    run_id TEXT,
    timestamp TIMESTAMP NOT NULL,
    rows_in INTEGER NOT NULL,
    rows_out INTEGER NOT NULL,
    retention_rate REAL NOT NULL,
    missing_filled INTEGER NOT NULL,
    missing_remaining INTEGER NOT NULL,
    outlier_counts TEXT,
    warnings TEXT
);

CREATE INDEX IF NOT EXISTS idx_quality_reports_tenant ON quality_reports(tenant_id);
CREATE INDEX IF NOT EXISTS idx_quality_reports_timestamp ON quality_reports(tenant_id, timestamp);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    bands TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_tenant ON rule_configs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaCustomers,
		schemaPipelineStates,
		schemaScoringRuns,
		schemaQualityReports,
		schemaRuleConfigs,
	}
}
