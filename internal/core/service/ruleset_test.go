package service

import (
	"testing"

	"powerwatch/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var logic = &DefaultAutomationLogic{
	Tolerance: 1.0,
	Logger:    zap.Must(zap.NewDevelopment()),
}

func TestMatchFirstWinnerByOrder(t *testing.T) {
	rules := []domain.Rule{
		rule("low", domain.RULE_OP_LT, 1.0, 80, true, 1),
		rule("high", domain.RULE_OP_GT, 5.0, 20, true, 0),
	}

	// both could match at 6 kW only if "high" matches; at 0.5 kW only "low"
	r, ok := logic.Match(rules, 6.0)
	require.True(t, ok)
	assert.Equal(t, "high", r.Name)

	r, ok = logic.Match(rules, 0.5)
	require.True(t, ok)
	assert.Equal(t, "low", r.Name)
}

func TestMatchSkipsDisabledRules(t *testing.T) {
	rules := []domain.Rule{
		rule("disabled", domain.RULE_OP_GT, 1.0, 50, false, 0),
		rule("enabled", domain.RULE_OP_GT, 1.0, 30, true, 1),
	}

	r, ok := logic.Match(rules, 2.0)
	require.True(t, ok)
	assert.Equal(t, "enabled", r.Name)
}

func TestMatchNoWinner(t *testing.T) {
	rules := []domain.Rule{
		rule("high", domain.RULE_OP_GT, 5.0, 20, true, 0),
	}
	_, ok := logic.Match(rules, 1.0)
	assert.False(t, ok)
}

func TestMatchOrderTieKeepsInsertionOrder(t *testing.T) {
	rules := []domain.Rule{
		rule("first", domain.RULE_OP_GE, 1.0, 40, true, 2),
		rule("second", domain.RULE_OP_GE, 1.0, 60, true, 2),
	}
	r, ok := logic.Match(rules, 1.0)
	require.True(t, ok)
	assert.Equal(t, "first", r.Name)
}

func TestShouldAdjustToleranceBand(t *testing.T) {
	assert.False(t, logic.ShouldAdjust(20.4, 20.0))
	assert.False(t, logic.ShouldAdjust(19.1, 20.0))
	assert.True(t, logic.ShouldAdjust(21.0, 20.0))
	assert.True(t, logic.ShouldAdjust(15.0, 20.0))
}

func TestApplyRulePatchPartial(t *testing.T) {
	orig := rule("orig", domain.RULE_OP_GT, 2.0, 30, true, 0)

	name := "renamed"
	target := 150.0
	patched, err := ApplyRulePatch(orig, domain.RulePatch{
		Name:                 &name,
		TargetReservePercent: &target,
	})
	require.NoError(t, err)

	assert.Equal(t, "renamed", patched.Name)
	assert.Equal(t, 100.0, patched.TargetReservePercent)
	// untouched fields
	assert.Equal(t, domain.RULE_OP_GT, patched.Operator)
	assert.Equal(t, 2.0, patched.ThresholdKW)
	assert.True(t, patched.Enabled)
	assert.Equal(t, orig.ID, patched.ID)
}

func TestApplyRulePatchRejectsUnknownOperator(t *testing.T) {
	orig := rule("orig", domain.RULE_OP_GT, 2.0, 30, true, 0)
	bad := domain.RuleOperator("==")
	_, err := ApplyRulePatch(orig, domain.RulePatch{Operator: &bad})
	assert.Error(t, err)
}

func TestReorderRules(t *testing.T) {
	rules := []domain.Rule{
		rule("a", domain.RULE_OP_GT, 1, 10, true, 0),
		rule("b", domain.RULE_OP_GT, 2, 20, true, 1),
		rule("c", domain.RULE_OP_GT, 3, 30, true, 2),
	}

	out := ReorderRules(rules, []string{rules[2].ID, rules[0].ID})

	byName := map[string]int{}
	for _, r := range out {
		byName[r.Name] = r.Order
	}
	assert.Equal(t, 0, byName["c"])
	assert.Equal(t, 1, byName["a"])
	// unlisted rule keeps its order
	assert.Equal(t, 1, byName["b"])
}

func TestReorderRulesSkipsUnknownId(t *testing.T) {
	rules := []domain.Rule{
		rule("a", domain.RULE_OP_GT, 1, 10, true, 0),
		rule("b", domain.RULE_OP_GT, 2, 20, true, 1),
	}
	out := ReorderRules(rules, []string{"nope", rules[1].ID, rules[0].ID})
	byName := map[string]int{}
	for _, r := range out {
		byName[r.Name] = r.Order
	}
	assert.Equal(t, 1, byName["b"])
	assert.Equal(t, 2, byName["a"])
}

func TestReorderRulesDuplicateIdLastWins(t *testing.T) {
	rules := []domain.Rule{
		rule("a", domain.RULE_OP_GT, 1, 10, true, 0),
	}
	out := ReorderRules(rules, []string{rules[0].ID, rules[0].ID})
	assert.Equal(t, 1, out[0].Order)
}

func TestClampPercent(t *testing.T) {
	assert.Equal(t, 0.0, ClampPercent(-5))
	assert.Equal(t, 100.0, ClampPercent(101))
	assert.Equal(t, 42.5, ClampPercent(42.5))
}

func TestNewRuleAssignsUniqueIds(t *testing.T) {
	a := NewRule("a", domain.RULE_OP_GT, 1, 10, true, 0)
	b := NewRule("b", domain.RULE_OP_LT, 1, 10, true, 1)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, NextOrder([]domain.Rule{a, b}))
}

func rule(name string, op domain.RuleOperator, thresholdKW, target float64, enabled bool, order int) domain.Rule {
	r := NewRule(name, op, thresholdKW, target, enabled, order)
	return r
}
