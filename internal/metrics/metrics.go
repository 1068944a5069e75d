package metrics

import (
	"sync"
	"time"

	"powerwatch/pkg/powerwall"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "powerwatch_"

	ResultSuccess = "success"
	ResultError   = "error"

	EvaluationMatched  = "matched"
	EvaluationNoMatch  = "no_match"
	EvaluationSkipped  = "skipped"
	EvaluationExecuted = "executed"
	EvaluationFailed   = "failed"
)

var (
	registerOnce sync.Once

	samplesTotal       *prometheus.CounterVec
	gatewayErrorsTotal prometheus.Counter

	ruleEvaluationsTotal *prometheus.CounterVec
	reserveChangesTotal  *prometheus.CounterVec

	storageFlushesTotal *prometheus.CounterVec
	queryLatency        *prometheus.HistogramVec

	batterySOCPercent    prometheus.Gauge
	backupReservePercent prometheus.Gauge
	homePowerKW          prometheus.Gauge
	solarPowerKW         prometheus.Gauge
	gridPowerKW          prometheus.Gauge

	monitoringRunning prometheus.Gauge
	automationRunning prometheus.Gauge
)

// Init registers the process metrics. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		samplesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "samples_total",
				Help: "Total gateway samples by result",
			},
			[]string{"result"},
		)
		gatewayErrorsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "gateway_errors_total",
				Help: "Total gateway operation failures",
			},
		)

		ruleEvaluationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rule_evaluations_total",
				Help: "Total automation evaluations by outcome",
			},
			[]string{"outcome"},
		)
		reserveChangesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reserve_changes_total",
				Help: "Total backup reserve changes by origin",
			},
			[]string{"triggered_by"},
		)

		storageFlushesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "storage_flushes_total",
				Help: "Total partition flushes by kind and result",
			},
			[]string{"kind", "result"},
		)
		queryLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "query_latency_seconds",
				Help:    "Time series query latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		)

		batterySOCPercent = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "battery_soc_percent",
			Help: "Battery state of charge from the last sample",
		})
		backupReservePercent = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "backup_reserve_percent",
			Help: "Backup reserve from the last sample",
		})
		homePowerKW = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "home_power_kw",
			Help: "Home power from the last sample",
		})
		solarPowerKW = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "solar_power_kw",
			Help: "Solar power from the last sample",
		})
		gridPowerKW = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "grid_power_kw",
			Help: "Grid power from the last sample",
		})

		monitoringRunning = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "monitoring_running",
			Help: "1 while the sampling loop is running",
		})
		automationRunning = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "automation_running",
			Help: "1 while the automation engine is running",
		})

		prometheus.MustRegister(
			samplesTotal,
			gatewayErrorsTotal,
			ruleEvaluationsTotal,
			reserveChangesTotal,
			storageFlushesTotal,
			queryLatency,
			batterySOCPercent,
			backupReservePercent,
			homePowerKW,
			solarPowerKW,
			gridPowerKW,
			monitoringRunning,
			automationRunning,
		)
	})
}

// ObserveSample records one sampling attempt and, on success, refreshes the
// last-sample gauges.
func ObserveSample(m *powerwall.Metrics, err error) {
	if samplesTotal == nil {
		return
	}
	if err != nil {
		samplesTotal.WithLabelValues(ResultError).Inc()
		gatewayErrorsTotal.Inc()
		return
	}
	samplesTotal.WithLabelValues(ResultSuccess).Inc()
	if m != nil {
		batterySOCPercent.Set(m.BatteryPercentage)
		backupReservePercent.Set(m.BackupReservePercent)
		homePowerKW.Set(m.HomePowerKW)
		solarPowerKW.Set(m.SolarPowerKW)
		gridPowerKW.Set(m.GridPowerKW)
	}
}

// SetMonitoringRunning tracks the sampling loop state.
func SetMonitoringRunning(running bool) {
	if monitoringRunning == nil {
		return
	}
	monitoringRunning.Set(boolToGauge(running))
}

// SetAutomationRunning tracks the automation engine state.
func SetAutomationRunning(running bool) {
	if automationRunning == nil {
		return
	}
	automationRunning.Set(boolToGauge(running))
}

func boolToGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ObserveRuleEvaluation records one automation evaluation outcome.
func ObserveRuleEvaluation(outcome string) {
	if ruleEvaluationsTotal == nil {
		return
	}
	ruleEvaluationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveReserveChange records a completed backup reserve write.
func ObserveReserveChange(triggeredBy string) {
	if reserveChangesTotal == nil {
		return
	}
	reserveChangesTotal.WithLabelValues(triggeredBy).Inc()
}

// ObserveFlush records one partition flush.
func ObserveFlush(kind string, err error) {
	if storageFlushesTotal == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	storageFlushesTotal.WithLabelValues(kind, result).Inc()
}

// ObserveQueryLatency records a time series query duration.
func ObserveQueryLatency(kind string, duration time.Duration) {
	if queryLatency == nil {
		return
	}
	queryLatency.WithLabelValues(kind).Observe(duration.Seconds())
}
