package domain

import (
	"fmt"
	"time"
)

// Audit action tags. One audit entry per state-changing event.
const (
	AUDIT_ACTION_MONITORING_STARTED     = "monitoring_started"
	AUDIT_ACTION_MONITORING_STOPPED     = "monitoring_stopped"
	AUDIT_ACTION_MONITORING_ERROR       = "monitoring_error"
	AUDIT_ACTION_AUTOMATION_STARTED     = "automation_started"
	AUDIT_ACTION_AUTOMATION_STOPPED     = "automation_stopped"
	AUDIT_ACTION_AUTOMATION_ERROR       = "automation_error"
	AUDIT_ACTION_BACKUP_RESERVE_CHANGED = "backup_reserve_changed"
	AUDIT_ACTION_RULE_CREATED           = "rule_created"
	AUDIT_ACTION_RULE_UPDATED           = "rule_updated"
	AUDIT_ACTION_RULE_DELETED           = "rule_deleted"
)

// Audit trigger origins.
const (
	TRIGGERED_BY_USER       = "user"
	TRIGGERED_BY_AUTOMATION = "automation"
	TRIGGERED_BY_SYSTEM     = "system"
)

// AuditEntry is an immutable, append-only record of a state-changing event.
type AuditEntry struct {
	Timestamp   time.Time
	Action      string
	Details     string
	OldValue    string
	NewValue    string
	TriggeredBy string
}

// RuleOperator is the closed set of threshold comparisons. Unknown tags are
// rejected at deserialization, never at evaluation time.
type RuleOperator string

const (
	RULE_OP_GT RuleOperator = ">"
	RULE_OP_LT RuleOperator = "<"
	RULE_OP_GE RuleOperator = ">="
	RULE_OP_LE RuleOperator = "<="
)

func ParseRuleOperator(s string) (RuleOperator, error) {
	switch RuleOperator(s) {
	case RULE_OP_GT, RULE_OP_LT, RULE_OP_GE, RULE_OP_LE:
		return RuleOperator(s), nil
	default:
		return "", fmt.Errorf("unknown rule operator %q", s)
	}
}

// Compare evaluates `value <op> threshold`.
func (op RuleOperator) Compare(value, threshold float64) bool {
	switch op {
	case RULE_OP_GT:
		return value > threshold
	case RULE_OP_LT:
		return value < threshold
	case RULE_OP_GE:
		return value >= threshold
	case RULE_OP_LE:
		return value <= threshold
	default:
		return false
	}
}

// Rule is an automation rule over the smoothed home power average.
// Order defines total evaluation priority; ties break by insertion.
type Rule struct {
	ID                   string
	Name                 string
	Operator             RuleOperator
	ThresholdKW          float64
	TargetReservePercent float64
	Enabled              bool
	Order                int
}

// RulePatch is a partial rule update. Nil fields are left untouched.
type RulePatch struct {
	Name                 *string
	Operator             *RuleOperator
	ThresholdKW          *float64
	TargetReservePercent *float64
	Enabled              *bool
	Order                *int
}
