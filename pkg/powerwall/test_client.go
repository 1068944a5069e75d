package powerwall

import (
	"sync"
	"time"
)

func CreateTestClient() *TestClient {
	return &TestClient{
		batteryPercentage:  72.5,
		batteryPowerKW:     -1.2,
		solarPowerKW:       3.4,
		homePowerKW:        2.2,
		gridPowerKW:        0,
		reservePercent:     20,
		gridStatus:         "SystemGridConnected",
		batteryCapacityKWH: 13.5,
	}
}

// TestClient is an in-memory Client. It doubles as the simulator gateway in
// cmd/api and as the scripted device in tests: values can be changed between
// calls and errors queued to fail the next N operations.
type TestClient struct {
	mu sync.Mutex

	connected          bool
	batteryPercentage  float64
	batteryPowerKW     float64
	solarPowerKW       float64
	homePowerKW        float64
	gridPowerKW        float64
	reservePercent     float64
	gridStatus         string
	batteryCapacityKWH float64

	connectErr  error
	metricsErrs []error
	reserveErrs []error
	setErrs     []error

	metricsCalls int
	setCalls     int
	lastSet      float64
}

func (c *TestClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		err := c.connectErr
		return &ConnectionError{Cause: err}
	}
	c.connected = true
	return nil
}

func (c *TestClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *TestClient) GetMetrics() (*Metrics, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, ErrNotConnected
	}
	c.metricsCalls++
	if len(c.metricsErrs) > 0 {
		err := c.metricsErrs[0]
		c.metricsErrs = c.metricsErrs[1:]
		return nil, &GatewayError{Op: "get_metrics", Cause: err}
	}
	return &Metrics{
		Timestamp:            time.Now(),
		BatteryPercentage:    c.batteryPercentage,
		BatteryPowerKW:       c.batteryPowerKW,
		SolarPowerKW:         c.solarPowerKW,
		HomePowerKW:          c.homePowerKW,
		GridPowerKW:          c.gridPowerKW,
		BackupReservePercent: c.reservePercent,
		GridStatus:           c.gridStatus,
		BatteryCapacityKWH:   c.batteryCapacityKWH,
	}, nil
}

func (c *TestClient) GetBackupReserve() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return 0, ErrNotConnected
	}
	if len(c.reserveErrs) > 0 {
		err := c.reserveErrs[0]
		c.reserveErrs = c.reserveErrs[1:]
		return 0, &GatewayError{Op: "get_backup_reserve", Cause: err}
	}
	return c.reservePercent, nil
}

func (c *TestClient) SetBackupReserve(pct float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	c.setCalls++
	if len(c.setErrs) > 0 {
		err := c.setErrs[0]
		c.setErrs = c.setErrs[1:]
		return &GatewayError{Op: "set_backup_reserve", Cause: err}
	}
	c.reservePercent = pct
	c.lastSet = pct
	return nil
}

// Scripting helpers

func (c *TestClient) SetHomePower(kw float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.homePowerKW = kw
}

func (c *TestClient) SetReservePercent(pct float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reservePercent = pct
}

func (c *TestClient) SetBatteryCapacityKWH(kwh float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batteryCapacityKWH = kwh
}

func (c *TestClient) FailConnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

func (c *TestClient) FailNextMetrics(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metricsErrs = append(c.metricsErrs, errs...)
}

func (c *TestClient) FailNextGetReserve(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reserveErrs = append(c.reserveErrs, errs...)
}

func (c *TestClient) FailNextSetReserve(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setErrs = append(c.setErrs, errs...)
}

func (c *TestClient) MetricsCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metricsCalls
}

func (c *TestClient) SetReserveCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setCalls
}

func (c *TestClient) LastSetReserve() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSet
}

// ensure interface compliance
var _ Client = (*TestClient)(nil)
