package storage

import (
	"testing"
	"time"

	"powerwatch/internal/core/domain"
	"powerwatch/pkg/powerwall"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, flushThreshold int) *SeriesStore {
	t.Helper()
	s := NewSeriesStore(t.TempDir(), flushThreshold, zap.NewNop())
	require.NoError(t, s.Initialize())
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func metricsAt(ts time.Time, homeKW float64) *powerwall.Metrics {
	return &powerwall.Metrics{
		Timestamp:            ts,
		BatteryPercentage:    55.5,
		BatteryPowerKW:       -1.2,
		SolarPowerKW:         3.4,
		HomePowerKW:          homeKW,
		GridPowerKW:          0.8,
		BackupReservePercent: 20,
		GridStatus:           "connected",
		BatteryCapacityKWH:   13.5,
	}
}

func TestSampleBufferFlushesAtThreshold(t *testing.T) {
	s := newTestStore(t, 3)
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.StoreSample(metricsAt(base, 1)))
	require.NoError(t, s.StoreSample(metricsAt(base.Add(5*time.Second), 2)))

	// below threshold, nothing on disk yet
	got, err := s.QueryMetrics(base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.StoreSample(metricsAt(base.Add(10*time.Second), 3)))

	got, err = s.QueryMetrics(base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	// ascending order, full round trip of all fields
	assert.Equal(t, 1.0, got[0].HomePowerKW)
	assert.Equal(t, 3.0, got[2].HomePowerKW)
	assert.Equal(t, "connected", got[0].GridStatus)
	assert.Equal(t, 13.5, got[0].BatteryCapacityKWH)
}

func TestFlushAllWritesPartialBuffer(t *testing.T) {
	s := newTestStore(t, 100)
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.StoreSample(metricsAt(base, 1)))
	require.NoError(t, s.FlushAll())

	got, err := s.QueryMetrics(base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestAppendMergesExistingPartition(t *testing.T) {
	s := newTestStore(t, 1)
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	// two separate flushes to the same date file
	require.NoError(t, s.StoreSample(metricsAt(base, 1)))
	require.NoError(t, s.StoreSample(metricsAt(base.Add(time.Minute), 2)))

	got, err := s.QueryMetrics(base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1.0, got[0].HomePowerKW)
	assert.Equal(t, 2.0, got[1].HomePowerKW)
}

func TestSamplesPartitionedByDate(t *testing.T) {
	s := newTestStore(t, 1)
	day1 := time.Date(2026, 8, 20, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 21, 0, 1, 0, 0, time.UTC)

	require.NoError(t, s.StoreSample(metricsAt(day1, 1)))
	require.NoError(t, s.StoreSample(metricsAt(day2, 2)))

	// range covering only the second day
	got, err := s.QueryMetrics(day2.Add(-time.Minute), day2.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2.0, got[0].HomePowerKW)

	// range covering both days
	got, err = s.QueryMetrics(day1.Add(-time.Hour), day2.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestQueryMetricsEmptyRange(t *testing.T) {
	s := newTestStore(t, 1)
	got, err := s.QueryMetrics(time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestAuditFlushedImmediately(t *testing.T) {
	s := newTestStore(t, 100)
	ts := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.StoreAudit(domain.AuditEntry{
		Timestamp:   ts,
		Action:      domain.AUDIT_ACTION_BACKUP_RESERVE_CHANGED,
		Details:     "rule high-load",
		OldValue:    "20.0",
		NewValue:    "35.0",
		TriggeredBy: domain.TRIGGERED_BY_AUTOMATION,
	}))

	got, err := s.QueryAudit(ts.Add(-time.Minute), ts.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.AUDIT_ACTION_BACKUP_RESERVE_CHANGED, got[0].Action)
	assert.Equal(t, "35.0", got[0].NewValue)
	assert.Equal(t, domain.TRIGGERED_BY_AUTOMATION, got[0].TriggeredBy)
}

func TestQueryAuditDescendingWithLimit(t *testing.T) {
	s := newTestStore(t, 100)
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.StoreAudit(domain.AuditEntry{
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			Action:      domain.AUDIT_ACTION_RULE_CREATED,
			TriggeredBy: domain.TRIGGERED_BY_USER,
		}))
	}

	got, err := s.QueryAudit(base.Add(-time.Hour), base.Add(time.Hour), 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// most recent first
	assert.True(t, got[0].Timestamp.After(got[1].Timestamp))
	assert.True(t, got[1].Timestamp.After(got[2].Timestamp))
}
