// Package store persists telemetry to SQLite. Events are accepted into a
// pending batch under a single writer lock and written out in one
// transaction per flush. A failed flush merges the batch back to the front
// of pending, so accepted events are never lost; at worst they are written
// twice after a crash between retries.
//
// Flush triggers are the caller's job: Submit reports when the batch is
// full, NeedsFlush reports when it has gone stale, and Flush does the work.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/telemon/component"
	"github.com/c360/telemon/errors"
	"github.com/c360/telemon/metric"
	"github.com/c360/telemon/pkg/timestamp"
	"github.com/c360/telemon/telemetry"
)

const (
	// DefaultBatchSize flushes the pending batch when it reaches this size.
	DefaultBatchSize = 100

	// DefaultFlushInterval flushes a non-empty batch after this long even
	// when it never fills.
	DefaultFlushInterval = 5 * time.Second
)

// Config holds the store's location and flush thresholds.
type Config struct {
	// Path is the SQLite database file. Parent directories are created.
	Path string `yaml:"path"`

	// BatchSize is the pending-batch size that triggers a flush.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is the maximum age of a non-empty pending batch.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// WriteTimeout bounds a single batch write. 0 means no deadline beyond
	// the caller's context.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns the standard persistence settings.
func DefaultConfig() Config {
	return Config{
		Path:          "data/telemon.db",
		BatchSize:     DefaultBatchSize,
		FlushInterval: DefaultFlushInterval,
	}
}

// Validate checks the configuration for values the store cannot run with.
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: empty database path", errors.ErrInvalidConfig),
			"store", "Validate", "path validation")
	}
	if c.BatchSize < 1 {
		return errors.WrapInvalid(fmt.Errorf("%w: batch size %d", errors.ErrInvalidConfig, c.BatchSize),
			"store", "Validate", "batch size validation")
	}
	if c.FlushInterval <= 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: flush interval %v", errors.ErrInvalidConfig, c.FlushInterval),
			"store", "Validate", "flush interval validation")
	}
	if c.WriteTimeout < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: negative write timeout", errors.ErrInvalidConfig),
			"store", "Validate", "write timeout validation")
	}
	return nil
}

// Stats is a point-in-time snapshot of persistence activity.
type Stats struct {
	Pending       int       `json:"pending"`
	TotalWritten  int64     `json:"total_written"`
	WriteFailures int64     `json:"write_failures"`
	DetailErrors  int64     `json:"detail_errors"`
	LastFlush     time.Time `json:"last_flush"`
}

// Metrics holds the store's Prometheus instruments.
type Metrics struct {
	eventsWritten  prometheus.Counter
	writeFailures  prometheus.Counter
	detailErrors   prometheus.Counter
	cleanupDeleted prometheus.Counter
	pendingEvents  prometheus.Gauge
	flushDuration  prometheus.Histogram
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		eventsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemon",
			Subsystem: "store",
			Name:      "events_written_total",
			Help:      "Events durably written to the database",
		}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemon",
			Subsystem: "store",
			Name:      "write_failures_total",
			Help:      "Batch writes that failed and were merged back",
		}),
		detailErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemon",
			Subsystem: "store",
			Name:      "detail_write_errors_total",
			Help:      "Best-effort gesture detail writes that failed",
		}),
		cleanupDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemon",
			Subsystem: "store",
			Name:      "cleanup_deleted_total",
			Help:      "Events removed by retention cleanup",
		}),
		pendingEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "telemon",
			Subsystem: "store",
			Name:      "pending_events",
			Help:      "Events waiting in the pending batch",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "telemon",
			Subsystem: "store",
			Name:      "flush_duration_seconds",
			Help:      "Time to write one batch",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}

	_ = registry.RegisterCounter("store", "events_written", m.eventsWritten)
	_ = registry.RegisterCounter("store", "write_failures", m.writeFailures)
	_ = registry.RegisterCounter("store", "detail_errors", m.detailErrors)
	_ = registry.RegisterCounter("store", "cleanup_deleted", m.cleanupDeleted)
	_ = registry.RegisterGauge("store", "pending_events", m.pendingEvents)
	_ = registry.RegisterHistogram("store", "flush_duration", m.flushDuration)

	return m
}

// Deps holds the store's runtime dependencies.
type Deps struct {
	Config   Config
	Registry *metric.Registry
	Logger   *slog.Logger
}

// Store is the SQLite-backed durable event store.
type Store struct {
	cfg    Config
	logger *slog.Logger
	db     *sql.DB

	mu      sync.Mutex
	pending []*telemetry.TelemetryEvent

	totalWritten  atomic.Int64
	writeFailures atomic.Int64
	detailErrors  atomic.Int64
	lastFlush     atomic.Value // time.Time
	lastAttempt   atomic.Value // time.Time

	startTime time.Time
	closed    atomic.Bool

	metrics *Metrics
}

var _ component.Component = (*Store)(nil)

// Open opens or creates the database, applies the schema, and returns a
// ready store. Any failure here is fatal: the pipeline must not start
// without durable storage.
func Open(deps Deps) (*Store, error) {
	cfg := deps.Config
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "store")
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: create database directory: %v", errors.ErrStoreUnavailable, err),
				"store", "Open", "database directory creation")
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: open database: %v", errors.ErrStoreUnavailable, err),
			"store", "Open", "database open")
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: apply schema: %v", errors.ErrStoreUnavailable, err),
			"store", "Open", "schema migration")
	}

	s := &Store{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		startTime: time.Now(),
		metrics:   newMetrics(deps.Registry),
	}
	s.lastFlush.Store(time.Now())
	s.lastAttempt.Store(time.Now())

	logger.Info("store opened", "path", cfg.Path,
		"batch_size", cfg.BatchSize, "flush_interval", cfg.FlushInterval)
	return s, nil
}

// Meta returns the component metadata.
func (s *Store) Meta() component.Metadata {
	return component.Metadata{
		Name:        "store",
		Type:        "storage",
		Description: fmt.Sprintf("SQLite event store at %s", s.cfg.Path),
		Version:     "1.0.0",
	}
}

// Health returns the current health status.
func (s *Store) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:    !s.closed.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(s.writeFailures.Load()),
		Uptime:     time.Since(s.startTime),
	}
}

// DataFlow returns persistence throughput metrics.
func (s *Store) DataFlow() component.FlowMetrics {
	written := s.totalWritten.Load()
	failures := s.writeFailures.Load()
	lastFlush, _ := s.lastFlush.Load().(time.Time)

	var perSecond, errorRate float64
	if uptime := time.Since(s.startTime).Seconds(); uptime > 0 {
		perSecond = float64(written) / uptime
	}
	if attempts := written + failures; attempts > 0 {
		errorRate = float64(failures) / float64(attempts)
	}

	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastFlush,
	}
}

// Submit appends an event to the pending batch and reports whether the
// batch has reached the flush threshold. Never blocks on I/O; the lock
// covers only the append. Submitting to a closed store is a no-op.
func (s *Store) Submit(evt *telemetry.TelemetryEvent) bool {
	if evt == nil || s.closed.Load() {
		return false
	}

	s.mu.Lock()
	s.pending = append(s.pending, evt)
	n := len(s.pending)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.pendingEvents.Set(float64(n))
	}
	return n >= s.cfg.BatchSize
}

// NeedsFlush reports whether a non-empty pending batch is older than the
// flush interval. Failed attempts count, so a broken database is retried at
// the interval cadence rather than every scheduler tick.
func (s *Store) NeedsFlush() bool {
	s.mu.Lock()
	n := len(s.pending)
	s.mu.Unlock()
	if n == 0 {
		return false
	}
	last, _ := s.lastAttempt.Load().(time.Time)
	return time.Since(last) >= s.cfg.FlushInterval
}

// PendingCount returns the number of events waiting to be written.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush swaps the pending batch out under the lock and writes it in one
// transaction. On failure the batch is merged back to the front of pending,
// preserving submission order ahead of anything submitted meanwhile.
// Returns the number of events written.
func (s *Store) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	batchID := uuid.NewString()
	start := time.Now()
	s.lastAttempt.Store(start)

	if err := s.writeBatch(ctx, batchID, batch); err != nil {
		s.mu.Lock()
		s.pending = append(batch, s.pending...)
		n := len(s.pending)
		s.mu.Unlock()

		s.writeFailures.Add(1)
		if s.metrics != nil {
			s.metrics.writeFailures.Inc()
			s.metrics.pendingEvents.Set(float64(n))
		}
		s.logger.Error("batch write failed, merged back into pending",
			"batch_id", batchID, "events", len(batch), "error", err)
		return 0, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrWriteFailed, err),
			"store", "Flush", fmt.Sprintf("write batch %s", batchID))
	}

	s.totalWritten.Add(int64(len(batch)))
	s.lastFlush.Store(time.Now())
	if s.metrics != nil {
		s.metrics.eventsWritten.Add(float64(len(batch)))
		s.metrics.flushDuration.Observe(time.Since(start).Seconds())
		s.metrics.pendingEvents.Set(float64(s.PendingCount()))
	}
	s.logger.Debug("flushed batch", "batch_id", batchID, "events", len(batch))
	return len(batch), nil
}

// writeBatch writes one batch in a single transaction. Primary event rows
// and device upserts are authoritative: any failure aborts the batch.
// Gesture detail rows are best effort and never abort it.
func (s *Store) writeBatch(ctx context.Context, batchID string, batch []*telemetry.TelemetryEvent) error {
	if s.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.WriteTimeout)
		defer cancel()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	eventStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (seq, received_at, source_ip, source_port, kind, device_id, payload, batch_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer eventStmt.Close()

	detailStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO gesture_details (event_id, label, buttons, combo_key, duration, device_ts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare detail insert: %w", err)
	}
	defer detailStmt.Close()

	deviceStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO devices (device_id, ip_address, first_seen, last_seen, total_count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(device_id) DO UPDATE SET
			ip_address = excluded.ip_address,
			last_seen = MAX(last_seen, excluded.last_seen),
			total_count = total_count + 1`)
	if err != nil {
		return fmt.Errorf("prepare device upsert: %w", err)
	}
	defer deviceStmt.Close()

	now := timestamp.Now()
	for _, evt := range batch {
		receivedMs := timestamp.ToUnixMs(evt.ReceivedAt)

		var deviceID any
		if evt.DeviceID != "" {
			deviceID = evt.DeviceID
		}

		res, err := eventStmt.ExecContext(ctx,
			evt.Seq, receivedMs, sourceIP(evt), sourcePort(evt), string(evt.Kind),
			deviceID, string(evt.Payload), batchID, now)
		if err != nil {
			return fmt.Errorf("insert event seq %d: %w", evt.Seq, err)
		}

		eventID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("event insert id: %w", err)
		}

		if evt.Kind == telemetry.KindGesture && evt.Gesture != nil {
			if err := s.insertDetail(ctx, detailStmt, eventID, evt.Gesture, now); err != nil {
				s.detailErrors.Add(1)
				if s.metrics != nil {
					s.metrics.detailErrors.Inc()
				}
				s.logger.Warn("gesture detail write failed",
					"event_id", eventID, "device_id", evt.DeviceID, "error", err)
			}
		}

		if evt.DeviceID != "" {
			if _, err := deviceStmt.ExecContext(ctx,
				evt.DeviceID, sourceIP(evt), receivedMs, receivedMs); err != nil {
				return fmt.Errorf("upsert device %s: %w", evt.DeviceID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) insertDetail(ctx context.Context, stmt *sql.Stmt, eventID int64, g *telemetry.GesturePayload, now int64) error {
	buttons := g.Buttons
	if buttons == nil {
		buttons = []int{}
	}
	buttonsJSON, err := json.Marshal(buttons)
	if err != nil {
		return fmt.Errorf("marshal buttons: %w", err)
	}

	if _, err := stmt.ExecContext(ctx,
		eventID, g.Label, string(buttonsJSON), g.ComboKey(),
		g.Duration, g.DeviceTimestamp, now); err != nil {
		return fmt.Errorf("insert gesture detail: %w", err)
	}
	return nil
}

// Cleanup deletes events received before now minus olderThan, cascading
// their gesture details, and sweeps any details that lost their parent in a
// database created before the cascade rule. Runs only when called; there is
// no background reaper. Returns the number of events removed.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := timestamp.Sub(timestamp.Now(), olderThan)

	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrWriteFailed, err),
			"store", "Cleanup", "delete expired events")
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup rows affected: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM gesture_details WHERE event_id NOT IN (SELECT id FROM events)`); err != nil {
		return deleted, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrWriteFailed, err),
			"store", "Cleanup", "delete orphaned details")
	}

	if deleted > 0 {
		s.logger.Info("cleanup removed expired events",
			"deleted", deleted, "cutoff", timestamp.Format(cutoff))
	}
	if s.metrics != nil {
		s.metrics.cleanupDeleted.Add(float64(deleted))
	}
	return deleted, nil
}

// WriteDailySnapshot upserts one day's aggregate row. Writing the same date
// again replaces the earlier snapshot, so the engine can write intra-day
// snapshots on its heartbeat and the last one for the day wins.
func (s *Store) WriteDailySnapshot(ctx context.Context, snap DailySnapshot) error {
	if snap.Date == "" {
		snap.Date = timestamp.DateKey(timestamp.Now())
	}

	counts := snap.GestureCounts
	if counts == nil {
		counts = map[string]int64{}
	}
	gestureJSON, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("marshal gesture counts: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_snapshots (date, total_events, total_errors, unique_devices, gesture_stats, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			total_events = excluded.total_events,
			total_errors = excluded.total_errors,
			unique_devices = excluded.unique_devices,
			gesture_stats = excluded.gesture_stats,
			created_at = excluded.created_at`,
		snap.Date, snap.TotalEvents, snap.TotalErrors, snap.UniqueDevices,
		string(gestureJSON), timestamp.Now()); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrWriteFailed, err),
			"store", "WriteDailySnapshot", fmt.Sprintf("upsert snapshot %s", snap.Date))
	}
	return nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.cfg.Path
}

// Statistics returns a snapshot of persistence counters.
func (s *Store) Statistics() Stats {
	lastFlush, _ := s.lastFlush.Load().(time.Time)
	return Stats{
		Pending:       s.PendingCount(),
		TotalWritten:  s.totalWritten.Load(),
		WriteFailures: s.writeFailures.Load(),
		DetailErrors:  s.detailErrors.Load(),
		LastFlush:     lastFlush,
	}
}

// Close flushes the pending batch and closes the database. Idempotent; the
// first caller wins. A failed final flush is reported but the connection is
// closed regardless.
func (s *Store) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}

	// Submit refuses new events from here on; Flush itself still works
	// until the connection goes away below.
	_, flushErr := s.Flush(ctx)

	closeErr := s.db.Close()
	s.logger.Info("store closed",
		"total_written", s.totalWritten.Load(),
		"write_failures", s.writeFailures.Load())

	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return errors.Wrap(closeErr, "store", "Close", "close database")
	}
	return nil
}

func sourceIP(evt *telemetry.TelemetryEvent) string {
	if !evt.Addr.IsValid() {
		return ""
	}
	return evt.Addr.Addr().String()
}

func sourcePort(evt *telemetry.TelemetryEvent) int {
	if !evt.Addr.IsValid() {
		return 0
	}
	return int(evt.Addr.Port())
}
