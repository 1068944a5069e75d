package service

import (
	"math"
	"sort"

	"powerwatch/internal/core/domain"
	"powerwatch/internal/core/port"

	"go.uber.org/zap"
)

// DefaultReserveTolerance is the dead band applied when none is configured.
// Gateway writes wear the battery controller flash, so targets within one
// percent point of the current reserve are not worth a write.
const DefaultReserveTolerance = 1.0

type DefaultAutomationLogic struct {
	// Tolerance is the dead band (in reserve percent points) around the
	// target below which no gateway write is issued.
	Tolerance float64
	Logger    *zap.Logger
}

// Match evaluates enabled rules in ascending order and returns the first
// whose condition holds. At most one rule wins per evaluation.
func (l *DefaultAutomationLogic) Match(rules []domain.Rule, averageHomePowerKW float64) (*domain.Rule, bool) {
	sorted := SortedRules(rules)
	for i := range sorted {
		r := &sorted[i]
		if !r.Enabled {
			continue
		}
		if r.Operator.Compare(averageHomePowerKW, r.ThresholdKW) {
			if l.Logger != nil {
				l.Logger.Debug("rule matched", zap.String("rule", r.Name),
					zap.Float64("avgHomePowerKW", averageHomePowerKW))
			}
			return r, true
		}
	}
	return nil, false
}

func (l *DefaultAutomationLogic) ShouldAdjust(currentReservePercent, targetReservePercent float64) bool {
	return math.Abs(currentReservePercent-targetReservePercent) >= l.Tolerance
}

func (l *DefaultAutomationLogic) ReserveTolerance() float64 {
	return l.Tolerance
}

// SortedRules returns a copy of rules sorted by ascending order field.
// Ties keep their relative (insertion) position.
func SortedRules(rules []domain.Rule) []domain.Rule {
	sorted := make([]domain.Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order < sorted[j].Order
	})
	return sorted
}

// ensure interface compliance
var _ port.AutomationLogic = (*DefaultAutomationLogic)(nil)
