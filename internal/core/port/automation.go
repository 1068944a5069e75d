package port

import (
	"powerwatch/internal/core/domain"
)

type AutomationLogic interface {
	// Match returns the first enabled rule (in evaluation order) whose
	// condition holds for the given average home power, or false when
	// no rule matches.
	Match(rules []domain.Rule, averageHomePowerKW float64) (*domain.Rule, bool)
	// ShouldAdjust reports whether the backup reserve is far enough from
	// the target to justify a gateway write.
	ShouldAdjust(currentReservePercent, targetReservePercent float64) bool
	ReserveTolerance() float64
}
