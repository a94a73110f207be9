package domain

import (
	"time"
)

// ScoringModel selects which composite pipeline a run executes.
type ScoringModel string

const (
	ModelRisk      ScoringModel = "risk"
	ModelFraud     ScoringModel = "fraud"
	ModelRecommend ScoringModel = "recommend"
)

// EntityScore is the scored output for a single entity in a run.
type EntityScore struct {
	EntityID string  `json:"entityId"`
	Score    float64 `json:"score"`
	Alert    bool    `json:"alert"`

	// Explanation is the opaque payload returned by the external scorer,
	// passed through for compliance consumers.
	Explanation map[string]interface{} `json:"explanation,omitempty"`
}

// ScoringRun is the complete, auditable result of one batch scoring request.
type ScoringRun struct {
	ID       string       `json:"id"`
	TenantID string       `json:"tenantId"`
	Model    ScoringModel `json:"model"`

	Status    string    `json:"status"` // "ALRT" or "NALT"
	Score     float64   `json:"score"`  // max entity score
	Timestamp time.Time `json:"timestamp"`

	EntityScores []EntityScore `json:"entityScores"`
	RuleResults  []RuleResult  `json:"ruleResults,omitempty"`

	Metadata RunMetadata `json:"metadata"`
}

// RunMetadata records per-stage timings and batch accounting for the
// latency budget and the audit trail.
type RunMetadata struct {
	TraceID       string `json:"traceId"`
	RowsIn        int    `json:"rowsIn"`
	RowsScored    int    `json:"rowsScored"`
	CleanMs       int64  `json:"cleanMs"`
	FeaturesMs    int64  `json:"featuresMs"`
	PreprocessMs  int64  `json:"preprocessMs"`
	ScoreMs       int64  `json:"scoreMs"`
	TotalMs       int64  `json:"totalMs"`
	EngineVersion string `json:"engineVersion"`

	// StateVersion is the fitted pipeline state the run scored against.
	// Empty when the run scaled batch-relative.
	StateVersion string `json:"stateVersion,omitempty"`
}

// Decision status constants
const (
	StatusAlert   = "ALRT" // at least one entity above the alert threshold
	StatusNoAlert = "NALT"
)

// QualityReport aggregates the data-quality metrics emitted by the cleaner.
// Reports are persisted for compliance review, never surfaced as errors.
type QualityReport struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	RunID     string    `json:"runId,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	RowsIn           int     `json:"rowsIn"`
	RowsOut          int     `json:"rowsOut"`
	RetentionRate    float64 `json:"retentionRate"`
	MissingFilled    int     `json:"missingFilled"`
	MissingRemaining int     `json:"missingRemaining"`

	// OutlierCounts maps numerical column name to capped value count.
	OutlierCounts map[string]int `json:"outlierCounts,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
}
