// Package engine orchestrates the telemetry pipeline: it drains the UDP
// receiver, parses packets into events, assigns sequence ids, and fans each
// event out to the durable store, the statistics aggregator, and the
// optional live feed.
//
// Four loops run concurrently once started. The process loop drains and
// dispatches on a short poll. The maintenance loop handles interval flushes,
// aggregator eviction, and health reporting. The heartbeat loop forces a
// flush, prunes expired rows, and persists a daily rollup. The report loop
// publishes statistics snapshots.
package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/c360/telemon/component"
	"github.com/c360/telemon/errors"
	"github.com/c360/telemon/feed"
	"github.com/c360/telemon/health"
	"github.com/c360/telemon/metric"
	"github.com/c360/telemon/receiver"
	"github.com/c360/telemon/stats"
	"github.com/c360/telemon/store"
	"github.com/c360/telemon/telemetry"
)

const (
	// DefaultPollInterval paces the drain cycle.
	DefaultPollInterval = 10 * time.Millisecond

	// DefaultMaintainInterval paces interval flushes, aggregator eviction,
	// and health updates.
	DefaultMaintainInterval = 30 * time.Second

	// DefaultHeartbeatInterval paces the forced flush, cleanup, and daily
	// rollup.
	DefaultHeartbeatInterval = 5 * time.Minute

	// DefaultReportInterval paces statistics publication.
	DefaultReportInterval = time.Second

	// DefaultRetention is how long stored events are kept before cleanup.
	DefaultRetention = 720 * time.Hour
)

// Config holds the engine's cadences and retention policy.
type Config struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaintainInterval  time.Duration `yaml:"maintain_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReportInterval    time.Duration `yaml:"report_interval"`
	Retention         time.Duration `yaml:"retention"`
}

// DefaultConfig returns the standard engine cadences.
func DefaultConfig() Config {
	return Config{
		PollInterval:      DefaultPollInterval,
		MaintainInterval:  DefaultMaintainInterval,
		HeartbeatInterval: DefaultHeartbeatInterval,
		ReportInterval:    DefaultReportInterval,
		Retention:         DefaultRetention,
	}
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaintainInterval <= 0 {
		c.MaintainInterval = DefaultMaintainInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = DefaultReportInterval
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

// Validate checks the configuration for values that cannot be defaulted away.
func (c Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"poll_interval":      c.PollInterval,
		"maintain_interval":  c.MaintainInterval,
		"heartbeat_interval": c.HeartbeatInterval,
		"report_interval":    c.ReportInterval,
		"retention":          c.Retention,
	} {
		if d < 0 {
			return errors.WrapInvalid(
				fmt.Errorf("%w: %s must not be negative", errors.ErrInvalidConfig, name),
				"engine", "Validate", "validate config")
		}
	}
	return nil
}

// Stats is a point-in-time snapshot of engine activity.
type Stats struct {
	Dispatched    int64  `json:"dispatched"`
	ParseErrors   int64  `json:"parse_errors"`
	LastSequence  uint64 `json:"last_sequence"`
	QueueDepth    int    `json:"queue_depth"`
	PendingWrites int    `json:"pending_writes"`
}

// Metrics holds the engine's Prometheus instruments.
type Metrics struct {
	dispatched        prometheus.Counter
	parseErrors       prometheus.Counter
	messagesPerMinute prometheus.Gauge
	activeDevices     prometheus.Gauge
	totalDevices      prometheus.Gauge
	core              *metric.Metrics
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemon",
			Subsystem: "engine",
			Name:      "events_dispatched_total",
			Help:      "Events parsed and fanned out to store and statistics",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemon",
			Subsystem: "engine",
			Name:      "parse_errors_total",
			Help:      "Packets rejected by the parser",
		}),
		messagesPerMinute: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "telemon",
			Subsystem: "engine",
			Name:      "messages_per_minute",
			Help:      "Events observed in the trailing minute",
		}),
		activeDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "telemon",
			Subsystem: "engine",
			Name:      "active_devices",
			Help:      "Devices seen within the activity window",
		}),
		totalDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "telemon",
			Subsystem: "engine",
			Name:      "devices_total",
			Help:      "Devices seen since startup",
		}),
		core: registry.Core,
	}

	_ = registry.RegisterCounter("engine", "events_dispatched", m.dispatched)
	_ = registry.RegisterCounter("engine", "parse_errors", m.parseErrors)
	_ = registry.RegisterGauge("engine", "messages_per_minute", m.messagesPerMinute)
	_ = registry.RegisterGauge("engine", "active_devices", m.activeDevices)
	_ = registry.RegisterGauge("engine", "devices_total", m.totalDevices)

	return m
}

// Deps holds the engine's runtime dependencies. Receiver, Store, Stats, and
// Parser are required; Feed, Monitor, Registry, and OnReport are optional.
type Deps struct {
	Name     string
	Config   Config
	Receiver *receiver.Receiver
	Store    *store.Store
	Stats    *stats.Aggregator
	Feed     *feed.Feed
	Parser   *telemetry.Parser
	Registry *metric.Registry
	Monitor  *health.Monitor
	Logger   *slog.Logger

	// OnReport is called with every statistics snapshot on the report
	// cadence. It must not block.
	OnReport func(*stats.Snapshot)
}

// Engine wires the pipeline together and runs its loops.
type Engine struct {
	name   string
	cfg    Config
	logger *slog.Logger

	receiver *receiver.Receiver
	store    *store.Store
	stats    *stats.Aggregator
	feed     *feed.Feed
	parser   *telemetry.Parser
	monitor  *health.Monitor
	onReport func(*stats.Snapshot)

	// seq hands out event sequence ids, strictly increasing from 1.
	seq atomic.Uint64

	running   atomic.Bool
	startTime time.Time
	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan error

	dispatched  atomic.Int64
	parseErrors atomic.Int64

	// Last-seen receiver loss counters, so each maintenance pass folds
	// only the delta into the aggregator's error totals. Touched by the
	// maintenance loop and, after the loops have stopped, by Stop.
	lastDropped  int64
	lastOversize int64

	metrics *Metrics
}

var _ component.LifecycleComponent = (*Engine)(nil)

// New creates an engine over already-constructed components.
func New(deps Deps) (*Engine, error) {
	type required struct {
		name string
		ok   bool
	}
	for _, dep := range []required{
		{"receiver", deps.Receiver != nil},
		{"store", deps.Store != nil},
		{"stats", deps.Stats != nil},
		{"parser", deps.Parser != nil},
	} {
		if !dep.ok {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %s dependency", errors.ErrMissingConfig, dep.name),
				"engine", "New", "dependency check")
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "engine")
	}

	return &Engine{
		name:      deps.Name,
		cfg:       deps.Config.withDefaults(),
		logger:    logger,
		receiver:  deps.Receiver,
		store:     deps.Store,
		stats:     deps.Stats,
		feed:      deps.Feed,
		parser:    deps.Parser,
		monitor:   deps.Monitor,
		onReport:  deps.OnReport,
		startTime: time.Now(),
		metrics:   newMetrics(deps.Registry),
	}, nil
}

// Meta returns the component metadata.
func (e *Engine) Meta() component.Metadata {
	name := e.name
	if name == "" {
		name = "engine"
	}
	return component.Metadata{
		Name:        name,
		Type:        "engine",
		Description: "telemetry pipeline orchestrator",
		Version:     "1.0.0",
	}
}

// Health reports the engine healthy while its loops are running and both
// mandatory downstream components are healthy.
func (e *Engine) Health() component.HealthStatus {
	healthy := e.running.Load() &&
		e.receiver.Health().Healthy &&
		e.store.Health().Healthy

	return component.HealthStatus{
		Healthy:    healthy,
		LastCheck:  time.Now(),
		ErrorCount: int(e.parseErrors.Load()),
		Uptime:     time.Since(e.startTime),
	}
}

// DataFlow returns dispatch throughput metrics.
func (e *Engine) DataFlow() component.FlowMetrics {
	dispatched := e.dispatched.Load()
	parseErrs := e.parseErrors.Load()

	var perSecond, errorRate float64
	if uptime := time.Since(e.startTime).Seconds(); uptime > 0 {
		perSecond = float64(dispatched) / uptime
	}
	if total := dispatched + parseErrs; total > 0 {
		errorRate = float64(parseErrs) / float64(total)
	}

	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		ErrorRate:         errorRate,
		LastActivity:      e.receiver.Statistics().LastActivity,
	}
}

// Initialize validates the engine configuration.
func (e *Engine) Initialize() error {
	return e.cfg.Validate()
}

// Start brings the pipeline up. The store must already be open; the feed is
// started first but a feed failure only costs the live stream, never the
// pipeline. A receiver bind failure is fatal and aborts startup. Idempotent:
// a second Start while running is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	if e.running.Load() {
		return nil
	}

	if e.feed != nil {
		if err := e.feed.Start(ctx); err != nil {
			e.logger.Warn("live feed unavailable, continuing without it", "error", err)
		}
	}

	if err := e.receiver.Start(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.done = make(chan error, 1)
	done := e.done
	e.mu.Unlock()

	e.running.Store(true)
	e.startTime = time.Now()

	go func() {
		g, gctx := errgroup.WithContext(loopCtx)
		g.Go(func() error { return e.processLoop(gctx) })
		g.Go(func() error { return e.maintenanceLoop(gctx) })
		g.Go(func() error { return e.heartbeatLoop(gctx) })
		g.Go(func() error { return e.reportLoop(gctx) })

		err := g.Wait()
		if err != nil && !stderrors.Is(err, context.Canceled) {
			e.logger.Error("engine loop error", "error", err)
		}
		done <- err
	}()

	e.logger.Info("engine started",
		"poll_interval", e.cfg.PollInterval,
		"maintain_interval", e.cfg.MaintainInterval,
		"heartbeat_interval", e.cfg.HeartbeatInterval,
		"retention", e.cfg.Retention)
	return nil
}

// Stop shuts the pipeline down in order: receiver first so no new packets
// arrive, then the loops, then a final drain and dispatch of whatever the
// queue still holds, then a last flush before the store closes. The feed
// goes last; it only ever drops messages.
func (e *Engine) Stop(timeout time.Duration) error {
	if !e.running.Load() {
		return nil
	}
	e.running.Store(false)

	e.logger.Info("engine stopping")
	var firstErr error

	if err := e.receiver.Stop(timeout); err != nil {
		e.logger.Warn("receiver stop", "error", err)
		firstErr = err
	}

	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	e.cancel = nil
	e.done = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(timeout):
			e.logger.Warn("engine loops stop timeout", "timeout", timeout)
		}
	}

	shutdownCtx, cancelCtx := context.WithTimeout(context.Background(), timeout)
	defer cancelCtx()

	if leftovers := e.receiver.Drain(); len(leftovers) > 0 {
		e.dispatchPackets(shutdownCtx, leftovers)
		e.logger.Info("dispatched remaining packets", "count", len(leftovers))
	}

	// Capture-side loss since the last maintenance pass still belongs in
	// the final error totals.
	e.foldReceiverErrors(e.receiver.Statistics())

	if _, err := e.store.Flush(shutdownCtx); err != nil {
		e.logger.Warn("final flush failed", "error", err, "pending", e.store.PendingCount())
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := e.store.Close(shutdownCtx); err != nil {
		e.logger.Warn("store close", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	if e.feed != nil {
		if err := e.feed.Stop(timeout); err != nil {
			e.logger.Warn("feed stop", "error", err)
		}
	}

	e.logger.Info("engine stopped", "dispatched", e.dispatched.Load())
	return firstErr
}

// Snapshot returns the current statistics snapshot.
func (e *Engine) Snapshot() *stats.Snapshot {
	return e.stats.Snapshot()
}

// Statistics returns a snapshot of engine counters.
func (e *Engine) Statistics() Stats {
	return Stats{
		Dispatched:    e.dispatched.Load(),
		ParseErrors:   e.parseErrors.Load(),
		LastSequence:  e.seq.Load(),
		QueueDepth:    e.receiver.QueueDepth(),
		PendingWrites: e.store.PendingCount(),
	}
}

// processLoop drains and dispatches captured packets on the poll cadence.
func (e *Engine) processLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.dispatchPackets(ctx, e.receiver.Drain())
			if e.store.NeedsFlush() {
				e.flush(ctx)
			}
		}
	}
}

// dispatchPackets parses each packet and fans the event out. Parse failures
// are counted and dropped; they never stop the batch.
func (e *Engine) dispatchPackets(ctx context.Context, packets []telemetry.RawPacket) {
	for _, pkt := range packets {
		evt, err := e.parser.Parse(pkt)
		if err != nil {
			kind := "malformed"
			if stderrors.Is(err, errors.ErrInvalidField) {
				kind = "invalid_field"
			}
			e.parseErrors.Add(1)
			e.stats.RecordError(kind, err)
			if e.metrics != nil {
				e.metrics.parseErrors.Inc()
				e.metrics.core.RecordError("parser", kind)
			}
			e.logger.Debug("packet rejected", "source", pkt.Addr, "kind", kind, "error", err)
			continue
		}

		evt.Seq = e.seq.Add(1)

		full := e.store.Submit(evt)
		e.stats.Observe(evt)
		if e.feed != nil {
			// Fire and forget; the feed counts its own failures.
			_ = e.feed.PublishEvent(evt)
		}

		e.dispatched.Add(1)
		if e.metrics != nil {
			e.metrics.dispatched.Inc()
			e.metrics.core.RecordEventReceived("engine", string(evt.Kind))
			e.metrics.core.RecordEventProcessed("engine", string(evt.Kind), "ok")
		}

		if full {
			e.flush(ctx)
		}
	}
}

// flush persists the pending batch. A failed flush is only logged; the
// batch was merged back and the next interval retries it.
func (e *Engine) flush(ctx context.Context) {
	start := time.Now()
	n, err := e.store.Flush(ctx)
	if err != nil {
		e.logger.Warn("flush failed, batch requeued",
			"error", err,
			"pending", e.store.PendingCount())
		if e.metrics != nil {
			e.metrics.core.RecordError("store", "flush")
		}
		return
	}
	if n > 0 {
		if e.metrics != nil {
			e.metrics.core.RecordProcessingDuration("store", "flush", time.Since(start))
		}
		e.logger.Debug("flushed batch", "events", n, "elapsed", time.Since(start))
	}
}

// maintenanceLoop runs aggregator eviction, interval flushes, and health
// updates.
func (e *Engine) maintenanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.MaintainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.maintain(ctx)
		}
	}
}

func (e *Engine) maintain(ctx context.Context) {
	e.stats.Maintain()

	if e.store.NeedsFlush() {
		e.flush(ctx)
	}

	e.updateHealth()

	rs := e.receiver.Statistics()
	e.foldReceiverErrors(rs)
	e.logger.Debug("maintenance pass",
		"packets_received", rs.PacketsReceived,
		"packets_dropped", rs.PacketsDropped,
		"queue_depth", rs.QueueDepth,
		"pending_writes", e.store.PendingCount(),
		"dispatched", e.dispatched.Load(),
		"parse_errors", e.parseErrors.Load())
}

// foldReceiverErrors rolls receiver-side loss since the last pass into the
// aggregate error totals. Overflow drops and oversize rejects never produce
// events, so without the fold they would be invisible to the snapshot's
// error rate.
func (e *Engine) foldReceiverErrors(rs receiver.Stats) {
	if d := rs.PacketsDropped - e.lastDropped; d > 0 {
		e.lastDropped = rs.PacketsDropped
		e.stats.RecordErrorCount("capture_overflow", d)
		if e.metrics != nil {
			e.metrics.core.RecordError("receiver", "capture_overflow")
		}
	}
	if d := rs.OversizeRejected - e.lastOversize; d > 0 {
		e.lastOversize = rs.OversizeRejected
		e.stats.RecordErrorCount("oversize_packet", d)
		if e.metrics != nil {
			e.metrics.core.RecordError("receiver", "oversize_packet")
		}
	}
}

func (e *Engine) updateHealth() {
	components := []component.Component{e.receiver, e.store}
	if e.feed != nil {
		components = append(components, e.feed)
	}
	components = append(components, e)

	for _, c := range components {
		name := c.Meta().Name
		h := c.Health()
		if e.monitor != nil {
			e.monitor.Update(name, health.FromComponentHealth(name, h))
		}
		if e.metrics != nil {
			e.metrics.core.RecordHealthStatus(name, h.Healthy)
		}
	}
}

// heartbeatLoop forces a flush, prunes expired rows, and persists the daily
// rollup.
func (e *Engine) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.heartbeat(ctx)
		}
	}
}

func (e *Engine) heartbeat(ctx context.Context) {
	if _, err := e.store.Flush(ctx); err != nil {
		e.logger.Warn("forced flush failed, batch requeued", "error", err)
	}

	deleted, err := e.store.Cleanup(ctx, e.cfg.Retention)
	if err != nil {
		e.logger.Warn("cleanup failed", "error", err)
	} else if deleted > 0 {
		e.logger.Info("removed expired events", "deleted", deleted, "retention", e.cfg.Retention)
	}

	snap := e.stats.Snapshot()
	err = e.store.WriteDailySnapshot(ctx, store.DailySnapshot{
		TotalEvents:   snap.TotalProcessed,
		TotalErrors:   snap.TotalErrors,
		UniqueDevices: int64(snap.TotalDevices),
		GestureCounts: snap.GestureTotals(),
	})
	if err != nil {
		e.logger.Warn("daily rollup write failed", "error", err)
	}
}

// reportLoop publishes statistics snapshots on the report cadence.
func (e *Engine) reportLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.report()
		}
	}
}

func (e *Engine) report() {
	snap := e.stats.Snapshot()

	if e.metrics != nil {
		e.metrics.messagesPerMinute.Set(float64(snap.MessagesPerMinute))
		e.metrics.activeDevices.Set(float64(snap.ActiveDevices))
		e.metrics.totalDevices.Set(float64(snap.TotalDevices))
	}

	if e.feed != nil {
		if err := e.feed.PublishReport(snap); err != nil && !stderrors.Is(err, feed.ErrNotConnected) {
			e.logger.Debug("report publish failed", "error", err)
		}
	}

	if e.onReport != nil {
		e.onReport(snap)
	}
}
