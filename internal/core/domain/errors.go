package domain

import "errors"

var (
	// ErrNotFound is returned for rule update/delete with an unknown id.
	ErrNotFound = errors.New("rule not found")
	// ErrNotRunning is the precondition failure for starting automation
	// while monitoring is stopped.
	ErrNotRunning = errors.New("monitoring is not running")
	// ErrNoData is returned when an average is requested over an empty
	// sample window.
	ErrNoData = errors.New("no samples collected yet")
	// ErrGatewayUnavailable is returned when an operation needs the gateway
	// and it cannot be reached.
	ErrGatewayUnavailable = errors.New("gateway unavailable")
)
