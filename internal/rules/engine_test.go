package rules

import (
	"context"
	"fmt"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(5)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
}

func TestLoadRule(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	rule := &domain.RuleConfig{
		ID:         "test-rule-001",
		Name:       "Test Rule",
		Expression: "risk_score > 0.5",
		Bands:      []domain.RuleBand{},
		Weight:     1.0,
		Enabled:    true,
	}

	err := engine.LoadRule(rule)
	if err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule, got %d", engine.RulesCount())
	}
}

func TestLoadInvalidRule(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	rule := &domain.RuleConfig{
		ID:         "invalid-rule",
		Name:       "Invalid Rule",
		Expression: "this is not valid CEL !!!",
		Enabled:    true,
	}

	err := engine.LoadRule(rule)
	if err == nil {
		t.Error("expected error for invalid CEL expression")
	}
}

func TestEvaluateScoreBands(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	zero := 0.0
	one := 1.0

	rule := &domain.RuleConfig{
		ID:         "risk-check",
		Name:       "Risk Check",
		Expression: "risk_score > 0.8 ? 1.0 : 0.0",
		Bands: []domain.RuleBand{
			{LowerLimit: &zero, UpperLimit: &one, SubRuleRef: domain.RuleOutcomePass, Reason: "Low risk"},
			{LowerLimit: &one, UpperLimit: nil, SubRuleRef: domain.RuleOutcomeFail, Reason: "High risk"},
		},
		Weight:  1.0,
		Enabled: true,
	}

	engine.LoadRule(rule)

	ctx := context.Background()

	// Low risk entity
	input := &EvaluateInput{
		TenantID: "tenant-001",
		EntityID: "cust-001",
		Model:    domain.ModelRisk,
		Features: map[string]float64{"risk_composite_score": 0.4},
	}

	results, err := engine.EvaluateAll(ctx, input)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}

	if results[0].Score != 0.0 {
		t.Errorf("expected score 0.0 for low risk, got %.2f", results[0].Score)
	}
	if results[0].SubRuleRef != domain.RuleOutcomePass {
		t.Errorf("expected PASS, got %s", results[0].SubRuleRef)
	}

	// High risk entity
	input.Features["risk_composite_score"] = 0.95
	results, _ = engine.EvaluateAll(ctx, input)

	if results[0].Score != 1.0 {
		t.Errorf("expected score 1.0 for high risk, got %.2f", results[0].Score)
	}
	if results[0].SubRuleRef != domain.RuleOutcomeFail {
		t.Errorf("expected FAIL, got %s", results[0].SubRuleRef)
	}
}

func TestEvaluateBooleanRule(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	rule := &domain.RuleConfig{
		ID:         "velocity-and-fraud",
		Name:       "Velocity And Fraud",
		Expression: "features[\"transaction_velocity\"] > 2.0 && fraud_score > 0.5",
		Bands:      []domain.RuleBand{},
		Weight:     1.0,
		Enabled:    true,
	}

	engine.LoadRule(rule)

	ctx := context.Background()

	input := &EvaluateInput{
		TenantID: "tenant-001",
		EntityID: "cust-001",
		Features: map[string]float64{
			"transaction_velocity":  1.0,
			"fraud_composite_score": 0.9,
		},
	}

	results, _ := engine.EvaluateAll(ctx, input)
	if results[0].Score != 0.0 {
		t.Errorf("expected score 0.0 for slow entity, got %.2f", results[0].Score)
	}

	input.Features["transaction_velocity"] = 3.0
	results, _ = engine.EvaluateAll(ctx, input)
	if results[0].Score != 1.0 {
		t.Errorf("expected score 1.0 for fast fraudulent entity, got %.2f", results[0].Score)
	}
}

func TestQualityContextRule(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	rule := &domain.RuleConfig{
		ID:         "quality-gate",
		Name:       "Quality Gate",
		Expression: "retention_rate < 0.95 || rows_in < 100",
		Weight:     0.5,
		Enabled:    true,
	}
	engine.LoadRule(rule)

	ctx := context.Background()
	input := &EvaluateInput{
		TenantID:      "tenant-001",
		EntityID:      "cust-001",
		RowsIn:        50,
		RetentionRate: 1.0,
	}

	results, _ := engine.EvaluateAll(ctx, input)
	if results[0].Score != 1.0 {
		t.Errorf("expected quality gate to fire for small batch, got %.2f", results[0].Score)
	}

	input.RowsIn = 500
	results, _ = engine.EvaluateAll(ctx, input)
	if results[0].Score != 0.0 {
		t.Errorf("expected quality gate to pass, got %.2f", results[0].Score)
	}
}

func TestParallelExecution(t *testing.T) {
	engine, _ := NewEngine(3)
	defer engine.Close()

	// Load multiple rules
	for i := 0; i < 10; i++ {
		rule := &domain.RuleConfig{
			ID:         fmt.Sprintf("rule-%d", i),
			Name:       fmt.Sprintf("Rule %d", i),
			Expression: "score > 0.0",
			Weight:     1.0,
			Enabled:    true,
		}
		engine.LoadRule(rule)
	}

	if engine.RulesCount() != 10 {
		t.Fatalf("expected 10 rules, got %d", engine.RulesCount())
	}

	ctx := context.Background()
	input := &EvaluateInput{
		TenantID: "tenant-001",
		EntityID: "cust-001",
		Score:    0.7,
	}

	results, err := engine.EvaluateAll(ctx, input)
	if err != nil {
		t.Fatalf("parallel evaluation failed: %v", err)
	}

	if len(results) != 10 {
		t.Errorf("expected 10 results, got %d", len(results))
	}

	// All should have passed
	for i, r := range results {
		if r.Score != 1.0 {
			t.Errorf("rule %d: expected score 1.0, got %.2f", i, r.Score)
		}
	}
}

func TestBuiltinRulesCompile(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	if err := engine.LoadRules(BuiltinRules()); err != nil {
		t.Fatalf("builtin rules failed to compile: %v", err)
	}
	if engine.RulesCount() != len(BuiltinRules()) {
		t.Errorf("expected %d rules, got %d", len(BuiltinRules()), engine.RulesCount())
	}

	ctx := context.Background()
	input := &EvaluateInput{
		TenantID: "tenant-001",
		EntityID: "cust-001",
		Features: map[string]float64{
			"risk_composite_score":  0.95,
			"fraud_composite_score": 0.1,
		},
		RowsIn:        1000,
		RetentionRate: 1.0,
	}

	results, err := engine.EvaluateAll(ctx, input)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	outcomes := make(map[string]string, len(results))
	for _, r := range results {
		outcomes[r.RuleID] = r.SubRuleRef
	}
	if outcomes["builtin-high-risk"] != domain.RuleOutcomeFail {
		t.Errorf("expected high-risk FAIL, got %s", outcomes["builtin-high-risk"])
	}
	if outcomes["builtin-high-fraud"] != domain.RuleOutcomePass {
		t.Errorf("expected high-fraud PASS, got %s", outcomes["builtin-high-fraud"])
	}
	if outcomes["builtin-low-retention"] != domain.RuleOutcomePass {
		t.Errorf("expected retention PASS, got %s", outcomes["builtin-low-retention"])
	}
}

func TestReloadRules(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	engine.LoadRule(&domain.RuleConfig{ID: "old", Expression: "score > 0.0", Enabled: true})

	err := engine.ReloadRules([]*domain.RuleConfig{
		{ID: "new-1", Expression: "risk_score > 0.5", Enabled: true},
		{ID: "new-2", Expression: "fraud_score > 0.5", Enabled: true},
		{ID: "disabled", Expression: "score > 0.0", Enabled: false},
	})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if engine.RulesCount() != 2 {
		t.Errorf("expected 2 rules after reload, got %d", engine.RulesCount())
	}
}

func TestRuleResultMetadata(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	rule := &domain.RuleConfig{
		ID:         "meta-test",
		Expression: "score > 0.0",
		Weight:     0.75,
		Enabled:    true,
	}
	engine.LoadRule(rule)

	ctx := context.Background()
	input := &EvaluateInput{
		TenantID: "tenant-123",
		EntityID: "cust-456",
		Score:    0.3,
	}

	results, _ := engine.EvaluateAll(ctx, input)

	if results[0].RuleID != "meta-test" {
		t.Errorf("expected RuleID 'meta-test', got '%s'", results[0].RuleID)
	}
	if results[0].TenantID != "tenant-123" {
		t.Errorf("expected TenantID 'tenant-123', got '%s'", results[0].TenantID)
	}
	if results[0].EntityID != "cust-456" {
		t.Errorf("expected EntityID 'cust-456', got '%s'", results[0].EntityID)
	}
	if results[0].Weight != 0.75 {
		t.Errorf("expected Weight 0.75, got %.2f", results[0].Weight)
	}
	if results[0].ProcessMs < 0 {
		t.Error("ProcessMs should be non-negative")
	}
}
