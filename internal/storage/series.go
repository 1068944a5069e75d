package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"powerwatch/internal/core/domain"
	"powerwatch/internal/metrics"
	"powerwatch/pkg/powerwall"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"
)

const (
	metricsDirName = "metrics"
	auditDirName   = "audit"
	datePattern    = "2006-01-02"
)

// metricRow is the on-disk schema of a metrics partition.
type metricRow struct {
	Timestamp         time.Time `parquet:"timestamp,timestamp(microsecond)"`
	BatteryPercentage float64   `parquet:"battery_percentage"`
	BatteryPower      float64   `parquet:"battery_power"`
	SolarPower        float64   `parquet:"solar_power"`
	HomePower         float64   `parquet:"home_power"`
	GridPower         float64   `parquet:"grid_power"`
	BackupReserve     float64   `parquet:"backup_reserve"`
	GridStatus        string    `parquet:"grid_status"`
	BatteryCapacity   float64   `parquet:"battery_capacity"`
}

// auditRow is the on-disk schema of an audit partition.
type auditRow struct {
	Timestamp   time.Time `parquet:"timestamp,timestamp(microsecond)"`
	Action      string    `parquet:"action"`
	Details     string    `parquet:"details"`
	OldValue    string    `parquet:"old_value"`
	NewValue    string    `parquet:"new_value"`
	TriggeredBy string    `parquet:"triggered_by"`
}

// SeriesStore persists gateway samples and audit entries as date-partitioned
// parquet files and answers range queries over them with DuckDB.
//
// Samples are buffered and flushed in batches; audit entries are flushed on
// every write so they survive a crash.
type SeriesStore struct {
	dataDir        string
	flushThreshold int
	logger         *zap.Logger

	db *sql.DB

	mu        sync.Mutex
	sampleBuf []*powerwall.Metrics
	auditBuf  []domain.AuditEntry
}

func NewSeriesStore(dataDir string, flushThreshold int, logger *zap.Logger) *SeriesStore {
	if flushThreshold <= 0 {
		flushThreshold = 12
	}
	return &SeriesStore{
		dataDir:        dataDir,
		flushThreshold: flushThreshold,
		logger:         logger,
	}
}

// Initialize creates the partition directories and opens the in-memory
// DuckDB session used for queries.
func (s *SeriesStore) Initialize() error {
	for _, dir := range []string{metricsDirName, auditDirName} {
		if err := os.MkdirAll(filepath.Join(s.dataDir, dir), 0o755); err != nil {
			return fmt.Errorf("storage: create %s dir: %w", dir, err)
		}
	}
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return fmt.Errorf("storage: open duckdb: %w", err)
	}
	s.db = db
	return nil
}

func (s *SeriesStore) Close() error {
	if err := s.FlushAll(); err != nil {
		return err
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// StoreSample buffers a gateway sample, flushing once the buffer reaches
// the configured threshold.
func (s *SeriesStore) StoreSample(m *powerwall.Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampleBuf = append(s.sampleBuf, m)
	if len(s.sampleBuf) >= s.flushThreshold {
		return s.flushSamplesLocked()
	}
	return nil
}

// StoreAudit appends an audit entry and flushes it to disk immediately.
func (s *SeriesStore) StoreAudit(e domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditBuf = append(s.auditBuf, e)
	return s.flushAuditLocked()
}

// FlushAll writes out both buffers. Called on shutdown and when monitoring
// stops.
func (s *SeriesStore) FlushAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flushSamplesLocked(); err != nil {
		return err
	}
	return s.flushAuditLocked()
}

func (s *SeriesStore) flushSamplesLocked() error {
	if len(s.sampleBuf) == 0 {
		return nil
	}
	byDate := map[string][]metricRow{}
	for _, m := range s.sampleBuf {
		day := m.Timestamp.Format(datePattern)
		byDate[day] = append(byDate[day], metricRow{
			Timestamp:         m.Timestamp,
			BatteryPercentage: m.BatteryPercentage,
			BatteryPower:      m.BatteryPowerKW,
			SolarPower:        m.SolarPowerKW,
			HomePower:         m.HomePowerKW,
			GridPower:         m.GridPowerKW,
			BackupReserve:     m.BackupReservePercent,
			GridStatus:        m.GridStatus,
			BatteryCapacity:   m.BatteryCapacityKWH,
		})
	}
	s.sampleBuf = s.sampleBuf[:0]
	for day, rows := range byDate {
		path := s.metricsFile(day)
		err := appendRows(path, rows)
		metrics.ObserveFlush("metrics", err)
		if err != nil {
			return fmt.Errorf("storage: flush metrics %s: %w", day, err)
		}
		s.logger.Debug("flushed metrics partition", zap.String("file", path), zap.Int("rows", len(rows)))
	}
	return nil
}

func (s *SeriesStore) flushAuditLocked() error {
	if len(s.auditBuf) == 0 {
		return nil
	}
	byDate := map[string][]auditRow{}
	for _, e := range s.auditBuf {
		day := e.Timestamp.Format(datePattern)
		byDate[day] = append(byDate[day], auditRow{
			Timestamp:   e.Timestamp,
			Action:      e.Action,
			Details:     e.Details,
			OldValue:    e.OldValue,
			NewValue:    e.NewValue,
			TriggeredBy: e.TriggeredBy,
		})
	}
	s.auditBuf = s.auditBuf[:0]
	for day, rows := range byDate {
		path := s.auditFile(day)
		err := appendRows(path, rows)
		metrics.ObserveFlush("audit", err)
		if err != nil {
			return fmt.Errorf("storage: flush audit %s: %w", day, err)
		}
	}
	return nil
}

// appendRows merges new rows into an existing partition by reading it back,
// concatenating and rewriting the whole file. Partitions stay small (one
// day of data) so the rewrite is cheap.
func appendRows[T any](path string, rows []T) error {
	if _, err := os.Stat(path); err == nil {
		existing, err := parquet.ReadFile[T](path)
		if err != nil {
			return err
		}
		rows = append(existing, rows...)
	}
	return parquet.WriteFile(path, rows)
}

func (s *SeriesStore) metricsFile(day string) string {
	return filepath.Join(s.dataDir, metricsDirName, fmt.Sprintf("metrics_%s.parquet", day))
}

func (s *SeriesStore) auditFile(day string) string {
	return filepath.Join(s.dataDir, auditDirName, fmt.Sprintf("audit_%s.parquet", day))
}

// partitionFiles lists the partition files of dir whose date falls inside
// [start, end]. Files with unparseable names are skipped.
func (s *SeriesStore) partitionFiles(dir, prefix string, start, end time.Time) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	startDay := start.Format(datePattern)
	endDay := end.Format(datePattern)
	var files []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".parquet") {
			continue
		}
		day := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".parquet")
		if _, err := time.Parse(datePattern, day); err != nil {
			continue
		}
		if day >= startDay && day <= endDay {
			files = append(files, filepath.Join(s.dataDir, dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

// QueryMetrics returns samples in [start, end], ascending by timestamp.
// An empty range yields an empty slice, not an error.
func (s *SeriesStore) QueryMetrics(start, end time.Time) ([]powerwall.Metrics, error) {
	defer func(t0 time.Time) {
		metrics.ObserveQueryLatency("metrics", time.Since(t0))
	}(time.Now())
	files, err := s.partitionFiles(metricsDirName, "metrics_", start, end)
	if err != nil {
		return nil, fmt.Errorf("storage: list metrics partitions: %w", err)
	}
	if len(files) == 0 {
		return []powerwall.Metrics{}, nil
	}
	query := fmt.Sprintf(`
		SELECT timestamp, battery_percentage, battery_power, solar_power,
		       home_power, grid_power, backup_reserve, grid_status, battery_capacity
		FROM read_parquet([%s])
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp`, quoteFileList(files))
	rows, err := s.db.Query(query, start, end)
	if err != nil {
		return nil, fmt.Errorf("storage: query metrics: %w", err)
	}
	defer rows.Close()

	out := []powerwall.Metrics{}
	for rows.Next() {
		var m powerwall.Metrics
		if err := rows.Scan(&m.Timestamp, &m.BatteryPercentage, &m.BatteryPowerKW,
			&m.SolarPowerKW, &m.HomePowerKW, &m.GridPowerKW,
			&m.BackupReservePercent, &m.GridStatus, &m.BatteryCapacityKWH); err != nil {
			return nil, fmt.Errorf("storage: scan metrics row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// QueryRecent returns the samples stored during the last given number of
// seconds.
func (s *SeriesStore) QueryRecent(seconds int) ([]powerwall.Metrics, error) {
	end := time.Now()
	return s.QueryMetrics(end.Add(-time.Duration(seconds)*time.Second), end)
}

// QueryAudit returns audit entries in [start, end], most recent first,
// capped at limit (default 1000 when limit <= 0).
func (s *SeriesStore) QueryAudit(start, end time.Time, limit int) ([]domain.AuditEntry, error) {
	defer func(t0 time.Time) {
		metrics.ObserveQueryLatency("audit", time.Since(t0))
	}(time.Now())
	if limit <= 0 {
		limit = 1000
	}
	files, err := s.partitionFiles(auditDirName, "audit_", start, end)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit partitions: %w", err)
	}
	if len(files) == 0 {
		return []domain.AuditEntry{}, nil
	}
	query := fmt.Sprintf(`
		SELECT timestamp, action, details, old_value, new_value, triggered_by
		FROM read_parquet([%s])
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp DESC
		LIMIT %d`, quoteFileList(files), limit)
	rows, err := s.db.Query(query, start, end)
	if err != nil {
		return nil, fmt.Errorf("storage: query audit: %w", err)
	}
	defer rows.Close()

	out := []domain.AuditEntry{}
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.Timestamp, &e.Action, &e.Details,
			&e.OldValue, &e.NewValue, &e.TriggeredBy); err != nil {
			return nil, fmt.Errorf("storage: scan audit row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// quoteFileList renders local partition paths as a DuckDB string list.
// Paths are produced by this package, never by callers.
func quoteFileList(files []string) string {
	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = "'" + strings.ReplaceAll(f, "'", "''") + "'"
	}
	return strings.Join(quoted, ", ")
}
