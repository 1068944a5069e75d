package powerwall

import (
	"errors"
	"fmt"
	"time"
)

// Connection modes. Only ModeSimulator ships with a client implementation;
// the vendor protocol clients are external integrations selected at wiring
// time (cmd/api).
const (
	ModeLocal     = "local"
	ModeCloud     = "cloud"
	ModeSimulator = "simulator"
)

// Metrics is a single reading taken from the battery gateway.
// Power sign conventions: BatteryPowerKW positive = discharging,
// GridPowerKW positive = importing.
type Metrics struct {
	Timestamp            time.Time
	BatteryPercentage    float64
	BatteryPowerKW       float64
	SolarPowerKW         float64
	HomePowerKW          float64
	GridPowerKW          float64
	BackupReservePercent float64
	GridStatus           string
	BatteryCapacityKWH   float64
}

// Client is the device gateway contract. Implementations perform blocking
// network I/O and are expected to be driven from a dedicated actor.
type Client interface {
	// Connect establishes and verifies the gateway session.
	Connect() error
	// Disconnect tears the session down. Never fails.
	Disconnect()
	// GetMetrics reads a full set of current values.
	GetMetrics() (*Metrics, error)
	// GetBackupReserve reads the authoritative backup reserve percentage.
	GetBackupReserve() (float64, error)
	// SetBackupReserve changes the backup reserve percentage.
	// Callers clamp pct to [0, 100] before calling.
	SetBackupReserve(pct float64) error
}

var ErrNotConnected = errors.New("powerwall: not connected")

// ConnectionError means the gateway could not be reached at all.
type ConnectionError struct {
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("powerwall: connect failed: %s", e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// GatewayError is a device API failure after a successful connect. It may be
// transient (a single failed poll) or permanent (session expired).
type GatewayError struct {
	Op    string
	Cause error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("powerwall: %s failed: %s", e.Op, e.Cause)
}

func (e *GatewayError) Unwrap() error {
	return e.Cause
}
