package service

import (
	"powerwatch/internal/core/domain"

	"github.com/google/uuid"
)

// NewRule builds a rule with a fresh unique id.
func NewRule(name string, op domain.RuleOperator, thresholdKW, targetReservePercent float64, enabled bool, order int) domain.Rule {
	return domain.Rule{
		ID:                   uuid.NewString(),
		Name:                 name,
		Operator:             op,
		ThresholdKW:          thresholdKW,
		TargetReservePercent: targetReservePercent,
		Enabled:              enabled,
		Order:                order,
	}
}

// NextOrder returns the order value a newly created rule should get:
// the current rule count, matching append semantics.
func NextOrder(rules []domain.Rule) int {
	return len(rules)
}

// ApplyRulePatch applies the non-nil fields of patch to a copy of rule.
func ApplyRulePatch(rule domain.Rule, patch domain.RulePatch) (domain.Rule, error) {
	if patch.Name != nil {
		rule.Name = *patch.Name
	}
	if patch.Operator != nil {
		op, err := domain.ParseRuleOperator(string(*patch.Operator))
		if err != nil {
			return rule, err
		}
		rule.Operator = op
	}
	if patch.ThresholdKW != nil {
		rule.ThresholdKW = *patch.ThresholdKW
	}
	if patch.TargetReservePercent != nil {
		rule.TargetReservePercent = ClampPercent(*patch.TargetReservePercent)
	}
	if patch.Enabled != nil {
		rule.Enabled = *patch.Enabled
	}
	if patch.Order != nil {
		rule.Order = *patch.Order
	}
	return rule, nil
}

// ReorderRules reassigns the order field of each listed rule to its
// position in ids. Rules not listed keep their current order, ids that
// match no rule are skipped.
func ReorderRules(rules []domain.Rule, ids []string) []domain.Rule {
	byID := make(map[string]int, len(rules))
	out := make([]domain.Rule, len(rules))
	copy(out, rules)
	for i := range out {
		byID[out[i].ID] = i
	}
	for pos, id := range ids {
		if i, ok := byID[id]; ok {
			out[i].Order = pos
		}
	}
	return out
}

// ClampPercent bounds a backup reserve value to the gateway's valid
// range [0, 100].
func ClampPercent(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}
