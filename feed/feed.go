// Package feed publishes parsed events and periodic statistics reports to
// NATS for live consumers. Publishing is fire and forget: a failed publish
// is counted and dropped, never retried, so the feed cannot stall the
// pipeline. The whole component is optional and disabled by default.
package feed

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/telemon/component"
	"github.com/c360/telemon/errors"
	"github.com/c360/telemon/metric"
	"github.com/c360/telemon/stats"
	"github.com/c360/telemon/telemetry"
)

const (
	// DefaultSubjectPrefix roots every published subject.
	DefaultSubjectPrefix = "telemon"

	// pingInterval keeps idle connections verified.
	pingInterval = 30 * time.Second
)

// ErrNotConnected reports a publish attempted without a live connection.
// The message is counted as dropped; callers are free to ignore the error.
var ErrNotConnected = stderrors.New("feed not connected")

// Status is the feed's connection state.
type Status int

// Possible connection states.
const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Config holds the feed's connection settings.
type Config struct {
	// Enabled turns the feed on. Off means every publish is a no-op.
	Enabled bool `yaml:"enabled"`

	// URL is the NATS server address.
	URL string `yaml:"url"`

	// SubjectPrefix roots the published subjects: <prefix>.events.<kind>
	// and <prefix>.stats.
	SubjectPrefix string `yaml:"subject_prefix"`

	// Name identifies this client to the server.
	Name string `yaml:"name"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`

	// MaxReconnects caps reconnection attempts. Negative means unlimited.
	MaxReconnects int `yaml:"max_reconnects"`

	// DrainTimeout bounds how long Stop waits for in-flight messages.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// DefaultConfig returns the standard feed settings with the feed disabled.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		SubjectPrefix:  DefaultSubjectPrefix,
		Name:           "telemon-feed",
		ConnectTimeout: 5 * time.Second,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		DrainTimeout:   5 * time.Second,
	}
}

// Validate checks the configuration. A disabled feed is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: feed url", errors.ErrMissingConfig),
			"feed", "Validate", "url validation")
	}
	prefix := c.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if strings.ContainsAny(prefix, " \t*>") || strings.HasSuffix(prefix, ".") {
		return errors.WrapInvalid(
			fmt.Errorf("%w: subject prefix %q", errors.ErrInvalidConfig, prefix),
			"feed", "Validate", "subject prefix validation")
	}
	return nil
}

// Stats is a point-in-time snapshot of feed activity.
type Stats struct {
	Published     int64     `json:"published"`
	PublishErrors int64     `json:"publish_errors"`
	Dropped       int64     `json:"dropped"`
	Reconnects    int64     `json:"reconnects"`
	Disconnects   int64     `json:"disconnects"`
	LastPublish   time.Time `json:"last_publish"`
}

// Metrics holds the feed's Prometheus instruments. Connection state and
// reconnect counts live in the core instrument set; only publish outcomes
// are feed-specific.
type Metrics struct {
	published     *prometheus.CounterVec
	publishErrors prometheus.Counter
	dropped       prometheus.Counter
	core          *metric.Metrics
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemon",
			Subsystem: "feed",
			Name:      "published_total",
			Help:      "Messages published to the live feed",
		}, []string{"channel"}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemon",
			Subsystem: "feed",
			Name:      "publish_errors_total",
			Help:      "Publish attempts that failed",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemon",
			Subsystem: "feed",
			Name:      "dropped_total",
			Help:      "Messages dropped because the feed was not connected",
		}),
		core: registry.Core,
	}

	_ = registry.RegisterCounterVec("feed", "published", m.published)
	_ = registry.RegisterCounter("feed", "publish_errors", m.publishErrors)
	_ = registry.RegisterCounter("feed", "dropped", m.dropped)

	return m
}

// Deps holds the feed's runtime dependencies.
type Deps struct {
	Name     string
	Config   Config
	Registry *metric.Registry
	Logger   *slog.Logger
}

// Feed publishes telemetry to NATS subjects. Safe for concurrent use.
type Feed struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	conn      *nats.Conn
	status    atomic.Value // Status
	running   atomic.Bool
	startTime time.Time

	published     atomic.Int64
	publishErrors atomic.Int64
	dropped       atomic.Int64
	reconnects    atomic.Int64
	disconnects   atomic.Int64
	lastPublish   atomic.Value // time.Time

	metrics *Metrics
}

var _ component.LifecycleComponent = (*Feed)(nil)

// New creates a feed. Connection happens in Start.
func New(deps Deps) *Feed {
	cfg := deps.Config
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Name == "" {
		cfg.Name = "telemon-feed"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "feed")
	}

	f := &Feed{
		name:      deps.Name,
		cfg:       cfg,
		logger:    logger,
		startTime: time.Now(),
		metrics:   newMetrics(deps.Registry),
	}
	f.status.Store(StatusDisconnected)
	f.lastPublish.Store(time.Time{})
	return f
}

// Meta returns the component metadata.
func (f *Feed) Meta() component.Metadata {
	name := f.name
	if name == "" {
		name = "feed"
	}
	return component.Metadata{
		Name:        name,
		Type:        "output",
		Description: fmt.Sprintf("NATS live feed at %s", f.cfg.URL),
		Version:     "1.0.0",
	}
}

// Health returns the current health status. A disabled feed is healthy;
// it has nothing to do.
func (f *Feed) Health() component.HealthStatus {
	healthy := true
	if f.cfg.Enabled {
		healthy = f.Status() == StatusConnected
	}
	return component.HealthStatus{
		Healthy:    healthy,
		LastCheck:  time.Now(),
		ErrorCount: int(f.publishErrors.Load() + f.dropped.Load()),
		Uptime:     time.Since(f.startTime),
	}
}

// DataFlow returns publish throughput metrics.
func (f *Feed) DataFlow() component.FlowMetrics {
	published := f.published.Load()
	failures := f.publishErrors.Load() + f.dropped.Load()
	lastPublish, _ := f.lastPublish.Load().(time.Time)

	var perSecond, errorRate float64
	if uptime := time.Since(f.startTime).Seconds(); uptime > 0 {
		perSecond = float64(published) / uptime
	}
	if total := published + failures; total > 0 {
		errorRate = float64(failures) / float64(total)
	}

	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastPublish,
	}
}

// Status returns the current connection state.
func (f *Feed) Status() Status {
	val, _ := f.status.Load().(Status)
	return val
}

// IsConnected reports whether the feed can publish right now.
func (f *Feed) IsConnected() bool {
	f.mu.RLock()
	conn := f.conn
	f.mu.RUnlock()
	return conn != nil && conn.IsConnected()
}

// Initialize validates the configuration.
func (f *Feed) Initialize() error {
	return f.cfg.Validate()
}

// Start connects to the NATS server. A disabled feed starts successfully
// and publishes nothing. Connection failure is transient, never fatal; the
// pipeline runs fine without its live feed.
func (f *Feed) Start(ctx context.Context) error {
	if !f.cfg.Enabled {
		f.logger.Info("live feed disabled")
		return nil
	}
	if f.running.Load() {
		return nil
	}

	f.status.Store(StatusConnecting)
	f.logger.Info("connecting to NATS", "url", f.cfg.URL)

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(f.cfg.URL, f.connectionOptions()...)
		if err != nil {
			connectDone <- err
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			f.status.Store(StatusDisconnected)
			return errors.WrapTransient(err, "feed", "Start", "establish connection")
		}
	case <-ctx.Done():
		f.status.Store(StatusDisconnected)
		return errors.WrapTransient(ctx.Err(), "feed", "Start", "connection cancelled")
	}

	f.running.Store(true)
	f.startTime = time.Now()
	f.status.Store(StatusConnected)
	if f.metrics != nil {
		f.metrics.core.RecordFeedStatus(true)
	}
	f.logger.Info("live feed connected", "url", f.cfg.URL, "prefix", f.cfg.SubjectPrefix)
	return nil
}

func (f *Feed) connectionOptions() []nats.Option {
	return []nats.Option{
		nats.Name(f.cfg.Name),
		nats.MaxReconnects(f.cfg.MaxReconnects),
		nats.ReconnectWait(f.cfg.ReconnectWait),
		nats.PingInterval(pingInterval),
		nats.Timeout(f.cfg.ConnectTimeout),
		nats.DrainTimeout(f.cfg.DrainTimeout),
		nats.DisconnectErrHandler(f.handleDisconnect),
		nats.ReconnectHandler(f.handleReconnect),
		nats.ClosedHandler(f.handleClosed),
		nats.ErrorHandler(f.handleAsyncError),
	}
}

func (f *Feed) handleDisconnect(_ *nats.Conn, err error) {
	f.disconnects.Add(1)
	if f.running.Load() {
		f.status.Store(StatusReconnecting)
	}
	if f.metrics != nil {
		f.metrics.core.RecordFeedStatus(false)
	}
	f.logger.Warn("feed disconnected", "error", err)
}

func (f *Feed) handleReconnect(conn *nats.Conn) {
	f.reconnects.Add(1)
	f.status.Store(StatusConnected)
	if f.metrics != nil {
		f.metrics.core.RecordFeedReconnect()
		f.metrics.core.RecordFeedStatus(true)
	}
	f.logger.Info("feed reconnected", "url", conn.ConnectedUrl())
}

func (f *Feed) handleClosed(_ *nats.Conn) {
	f.status.Store(StatusDisconnected)
	if f.metrics != nil {
		f.metrics.core.RecordFeedStatus(false)
	}
	f.logger.Info("feed connection closed")
}

func (f *Feed) handleAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	f.logger.Warn("feed async error", "subject", subject, "error", err)
}

// Stop drains and closes the connection. Idempotent.
func (f *Feed) Stop(timeout time.Duration) error {
	if !f.running.Swap(false) {
		return nil
	}

	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()

	if conn == nil {
		f.status.Store(StatusDisconnected)
		return nil
	}

	drainTimeout := f.cfg.DrainTimeout
	if timeout > 0 && timeout < drainTimeout {
		drainTimeout = timeout
	}

	drainDone := make(chan error, 1)
	go func() {
		drainDone <- conn.Drain()
	}()

	var drainErr error
	select {
	case err := <-drainDone:
		if err != nil {
			drainErr = errors.Wrap(err, "feed", "Stop", "drain connection")
		}
	case <-time.After(drainTimeout):
		drainErr = errors.WrapTransient(
			fmt.Errorf("drain timeout after %v", drainTimeout),
			"feed", "Stop", "drain connection")
	}

	conn.Close()
	f.status.Store(StatusDisconnected)
	if f.metrics != nil {
		f.metrics.core.RecordFeedStatus(false)
	}
	return drainErr
}

// PublishEvent sends one parsed event to <prefix>.events.<kind>.
func (f *Feed) PublishEvent(evt *telemetry.TelemetryEvent) error {
	if evt == nil {
		return nil
	}
	return f.publish(f.eventSubject(evt.Kind), "events", evt)
}

// PublishReport sends a statistics snapshot to <prefix>.stats.
func (f *Feed) PublishReport(snap *stats.Snapshot) error {
	if snap == nil {
		return nil
	}
	return f.publish(f.reportSubject(), "stats", snap)
}

func (f *Feed) eventSubject(kind telemetry.EventKind) string {
	return fmt.Sprintf("%s.events.%s", f.cfg.SubjectPrefix, kind)
}

func (f *Feed) reportSubject() string {
	return f.cfg.SubjectPrefix + ".stats"
}

func (f *Feed) publish(subject, channel string, v any) error {
	if !f.cfg.Enabled {
		return nil
	}

	f.mu.RLock()
	conn := f.conn
	f.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		f.dropped.Add(1)
		if f.metrics != nil {
			f.metrics.dropped.Inc()
		}
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		f.publishErrors.Add(1)
		if f.metrics != nil {
			f.metrics.publishErrors.Inc()
		}
		return errors.WrapInvalid(err, "feed", "publish", "encode message")
	}

	if err := conn.Publish(subject, data); err != nil {
		f.publishErrors.Add(1)
		if f.metrics != nil {
			f.metrics.publishErrors.Inc()
		}
		return errors.WrapTransient(err, "feed", "publish", "publish to "+subject)
	}

	f.published.Add(1)
	f.lastPublish.Store(time.Now())
	if f.metrics != nil {
		f.metrics.published.WithLabelValues(channel).Inc()
	}
	return nil
}

// Statistics returns a snapshot of publish counters.
func (f *Feed) Statistics() Stats {
	lastPublish, _ := f.lastPublish.Load().(time.Time)
	return Stats{
		Published:     f.published.Load(),
		PublishErrors: f.publishErrors.Load(),
		Dropped:       f.dropped.Load(),
		Reconnects:    f.reconnects.Load(),
		Disconnects:   f.disconnects.Load(),
		LastPublish:   lastPublish,
	}
}
