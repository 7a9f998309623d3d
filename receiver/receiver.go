// Package receiver provides the UDP capture component at the head of the
// pipeline. The read loop does exactly one thing with a datagram: copy it
// into the bounded packet queue. Parsing, persistence, and aggregation all
// happen downstream in the engine's drain cycle, so a slow consumer can
// never block the socket.
package receiver

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/c360/telemon/component"
	"github.com/c360/telemon/errors"
	"github.com/c360/telemon/metric"
	"github.com/c360/telemon/pkg/buffer"
	"github.com/c360/telemon/pkg/retry"
	"github.com/c360/telemon/telemetry"
)

const (
	// DefaultQueueCapacity bounds the packet queue between the socket and
	// the drain cycle.
	DefaultQueueCapacity = 10000

	// DefaultMaxPacketSize is the largest accepted datagram payload.
	// Larger packets are rejected and counted, never queued.
	DefaultMaxPacketSize = 65536

	// readDeadline is how often the read loop wakes to check for shutdown.
	readDeadline = 100 * time.Millisecond

	// socketBufferSize asks the OS for a large receive buffer so bursts
	// survive scheduling hiccups. Some systems clamp it; that is fine.
	socketBufferSize = 2 * 1024 * 1024
)

// Config holds the receiver's listen address and capture limits.
type Config struct {
	// Host is the bind address. Empty means all interfaces.
	Host string `yaml:"host"`

	// Port is the UDP listen port. 0 lets the OS pick one.
	Port int `yaml:"port"`

	// QueueCapacity bounds the packet queue. When full, the oldest packet
	// is evicted and counted as dropped.
	QueueCapacity int `yaml:"queue_capacity"`

	// MaxPacketSize rejects payloads larger than this many bytes.
	MaxPacketSize int `yaml:"max_packet_size"`

	// RatePerSecond caps accepted packets per second. 0 disables limiting.
	RatePerSecond float64 `yaml:"rate_per_second"`

	// RateBurst is the limiter burst size. Defaults to RatePerSecond
	// rounded up when unset.
	RateBurst int `yaml:"rate_burst"`
}

// DefaultConfig returns the standard capture settings.
func DefaultConfig() Config {
	return Config{
		Host:          "0.0.0.0",
		Port:          9999,
		QueueCapacity: DefaultQueueCapacity,
		MaxPacketSize: DefaultMaxPacketSize,
	}
}

// Validate checks the configuration for values the receiver cannot run with.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("%w: port %d out of range", errors.ErrInvalidConfig, c.Port),
			"receiver", "Validate", "port validation")
	}
	if c.QueueCapacity < 1 {
		return errors.WrapInvalid(fmt.Errorf("%w: queue capacity %d", errors.ErrInvalidConfig, c.QueueCapacity),
			"receiver", "Validate", "queue capacity validation")
	}
	if c.MaxPacketSize < 1 {
		return errors.WrapInvalid(fmt.Errorf("%w: max packet size %d", errors.ErrInvalidConfig, c.MaxPacketSize),
			"receiver", "Validate", "packet size validation")
	}
	if c.RatePerSecond < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: negative rate limit", errors.ErrInvalidConfig),
			"receiver", "Validate", "rate limit validation")
	}
	return nil
}

// Stats is a point-in-time snapshot of capture activity.
type Stats struct {
	PacketsReceived  int64     `json:"packets_received"`
	BytesReceived    int64     `json:"bytes_received"`
	PacketsDropped   int64     `json:"packets_dropped"`
	OversizeRejected int64     `json:"oversize_rejected"`
	RateLimited      int64     `json:"rate_limited"`
	SocketErrors     int64     `json:"socket_errors"`
	QueueDepth       int       `json:"queue_depth"`
	QueueCapacity    int       `json:"queue_capacity"`
	LastActivity     time.Time `json:"last_activity"`
}

// Metrics holds the receiver's Prometheus instruments.
type Metrics struct {
	packetsReceived  prometheus.Counter
	bytesReceived    prometheus.Counter
	oversizeRejected prometheus.Counter
	rateLimited      prometheus.Counter
	socketErrors     prometheus.Counter
	lastActivity     prometheus.Gauge
}

// newMetrics creates and registers the receiver metrics. Returns nil when no
// registry is provided.
func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		packetsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemon",
			Subsystem: "receiver",
			Name:      "packets_received_total",
			Help:      "Total UDP packets accepted into the queue",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemon",
			Subsystem: "receiver",
			Name:      "bytes_received_total",
			Help:      "Total payload bytes accepted",
		}),
		oversizeRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemon",
			Subsystem: "receiver",
			Name:      "oversize_rejected_total",
			Help:      "Packets rejected for exceeding the size limit",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemon",
			Subsystem: "receiver",
			Name:      "rate_limited_total",
			Help:      "Packets discarded by the ingest rate limiter",
		}),
		socketErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemon",
			Subsystem: "receiver",
			Name:      "socket_errors_total",
			Help:      "Socket read errors encountered",
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "telemon",
			Subsystem: "receiver",
			Name:      "last_activity_timestamp",
			Help:      "Unix timestamp of the last accepted packet",
		}),
	}

	_ = registry.RegisterCounter("receiver", "packets_received", m.packetsReceived)
	_ = registry.RegisterCounter("receiver", "bytes_received", m.bytesReceived)
	_ = registry.RegisterCounter("receiver", "oversize_rejected", m.oversizeRejected)
	_ = registry.RegisterCounter("receiver", "rate_limited", m.rateLimited)
	_ = registry.RegisterCounter("receiver", "socket_errors", m.socketErrors)
	_ = registry.RegisterGauge("receiver", "last_activity", m.lastActivity)

	return m
}

// Deps holds the receiver's runtime dependencies.
type Deps struct {
	Name     string
	Config   Config
	Registry *metric.Registry
	Logger   *slog.Logger
}

// Receiver listens on a UDP socket and queues raw packets for the engine.
type Receiver struct {
	name   string
	cfg    Config
	logger *slog.Logger

	queue   buffer.Buffer[telemetry.RawPacket]
	limiter *rate.Limiter

	retryConfig retry.Config

	// Lifecycle coordination. failed is set when the read loop exits on a
	// socket error rather than a requested stop.
	shutdown  chan struct{}
	done      chan struct{}
	running   atomic.Bool
	failed    atomic.Bool
	startTime time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	conn      *net.UDPConn

	packetsReceived  atomic.Int64
	bytesReceived    atomic.Int64
	oversizeRejected atomic.Int64
	rateLimited      atomic.Int64
	socketErrors     atomic.Int64
	lastActivity     atomic.Value // time.Time

	metrics *Metrics
}

var _ component.LifecycleComponent = (*Receiver)(nil)

// New creates a receiver. The packet queue is created immediately so Drain
// is safe to call at any lifecycle stage.
func New(deps Deps) (*Receiver, error) {
	cfg := deps.Config
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.MaxPacketSize == 0 {
		cfg.MaxPacketSize = DefaultMaxPacketSize
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "receiver", "port", cfg.Port)
	}

	opts := []buffer.Option[telemetry.RawPacket]{
		buffer.WithOverflowPolicy[telemetry.RawPacket](buffer.DropOldest),
	}
	if deps.Registry != nil {
		opts = append(opts, buffer.WithMetrics[telemetry.RawPacket](deps.Registry, "receiver"))
	}

	queue, err := buffer.NewRing(cfg.QueueCapacity, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "receiver", "New", "packet queue creation")
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RatePerSecond) + 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	r := &Receiver{
		name:        deps.Name,
		cfg:         cfg,
		logger:      logger,
		queue:       queue,
		limiter:     limiter,
		retryConfig: retry.Quick(),
		startTime:   time.Now(),
		metrics:     newMetrics(deps.Registry),
	}
	r.lastActivity.Store(time.Time{})
	return r, nil
}

// Meta returns the component metadata.
func (r *Receiver) Meta() component.Metadata {
	name := r.name
	if name == "" {
		name = fmt.Sprintf("receiver-%d", r.cfg.Port)
	}
	return component.Metadata{
		Name:        name,
		Type:        "receiver",
		Description: fmt.Sprintf("UDP telemetry capture on %s:%d", r.cfg.Host, r.cfg.Port),
		Version:     "1.0.0",
	}
}

// Health returns the current health status.
func (r *Receiver) Health() component.HealthStatus {
	r.mu.RLock()
	connected := r.conn != nil
	r.mu.RUnlock()

	return component.HealthStatus{
		Healthy:    r.running.Load() && connected && !r.failed.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(r.socketErrors.Load()),
		Uptime:     time.Since(r.startTime),
	}
}

// DataFlow returns capture throughput metrics.
func (r *Receiver) DataFlow() component.FlowMetrics {
	packets := r.packetsReceived.Load()
	bytes := r.bytesReceived.Load()
	socketErrs := r.socketErrors.Load()
	lastActivity, _ := r.lastActivity.Load().(time.Time)

	var perSecond, bytesPerSecond, errorRate float64
	if uptime := time.Since(r.startTime).Seconds(); uptime > 0 {
		perSecond = float64(packets) / uptime
		bytesPerSecond = float64(bytes) / uptime
	}
	if packets > 0 {
		errorRate = float64(socketErrs) / float64(packets)
	}

	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates the configuration but does not open the socket.
func (r *Receiver) Initialize() error {
	return r.cfg.Validate()
}

// Start binds the UDP socket and launches the read loop. Idempotent: a
// second Start while running is a no-op. Bind failure is fatal; the caller
// must not continue without a socket.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return nil
	}

	r.shutdown = make(chan struct{})
	r.done = make(chan struct{})

	if err := retry.Do(ctx, r.retryConfig, r.bindSocket); err != nil {
		r.closeSocketLocked()
		return errors.WrapFatal(
			fmt.Errorf("%w: %v", errors.ErrBindFailed, err),
			"receiver", "Start", fmt.Sprintf("bind %s:%d", r.cfg.Host, r.cfg.Port))
	}

	r.running.Store(true)
	r.failed.Store(false)
	r.startTime = time.Now()
	r.logger.Info("receiver listening", "addr", r.conn.LocalAddr().String())

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(r.done)
		r.readLoop(ctx)
	}()

	return nil
}

// bindSocket opens and tunes the UDP socket.
func (r *Receiver) bindSocket() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port))
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("resolve %s:%d: %w", r.cfg.Host, r.cfg.Port, err))
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s:%d: %w", r.cfg.Host, r.cfg.Port, err)
	}

	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		r.logger.Warn("could not set socket receive buffer",
			"buffer_size", socketBufferSize,
			"error", err)
	}

	r.conn = conn
	return nil
}

// LocalAddr returns the bound socket address, useful when Port is 0 and the
// OS picked one. Returns the zero value when not started.
func (r *Receiver) LocalAddr() netip.AddrPort {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.conn == nil {
		return netip.AddrPort{}
	}
	if udpAddr, ok := r.conn.LocalAddr().(*net.UDPAddr); ok {
		return udpAddr.AddrPort()
	}
	return netip.AddrPort{}
}

// Stop closes the socket and waits for the read loop to exit. Queued packets
// stay in place for a final Drain. Idempotent: stopping a stopped receiver
// is a no-op.
func (r *Receiver) Stop(timeout time.Duration) error {
	if !r.running.Load() {
		return nil
	}
	r.running.Store(false)

	r.mu.Lock()
	if r.shutdown != nil {
		select {
		case <-r.shutdown:
		default:
			close(r.shutdown)
		}
	}
	if r.conn != nil {
		_ = r.conn.Close()
	}
	done := r.done
	r.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-time.After(timeout):
			return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
				"receiver", "Stop", "graceful shutdown")
		}
	}

	r.mu.Lock()
	r.closeSocketLocked()
	r.mu.Unlock()
	return nil
}

// closeSocketLocked releases the socket. The packet queue is deliberately
// left open so queued packets survive Stop for the shutdown drain.
func (r *Receiver) closeSocketLocked() {
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
	r.shutdown = nil
	r.done = nil
}

// Drain atomically removes and returns every queued packet. Safe before
// Start, while running, and after Stop; an empty slice means an empty queue.
func (r *Receiver) Drain() []telemetry.RawPacket {
	return r.queue.Drain()
}

// QueueDepth returns the number of packets currently queued.
func (r *Receiver) QueueDepth() int {
	return r.queue.Size()
}

// Statistics returns a snapshot of capture counters.
func (r *Receiver) Statistics() Stats {
	lastActivity, _ := r.lastActivity.Load().(time.Time)
	return Stats{
		PacketsReceived:  r.packetsReceived.Load(),
		BytesReceived:    r.bytesReceived.Load(),
		PacketsDropped:   r.queue.Stats().Drops(),
		OversizeRejected: r.oversizeRejected.Load(),
		RateLimited:      r.rateLimited.Load(),
		SocketErrors:     r.socketErrors.Load(),
		QueueDepth:       r.queue.Size(),
		QueueCapacity:    r.queue.Capacity(),
		LastActivity:     lastActivity,
	}
}

// readLoop reads datagrams until shutdown. Each accepted packet is copied
// and queued; nothing else happens on this goroutine.
func (r *Receiver) readLoop(ctx context.Context) {
	// One byte past the limit so an oversize datagram is distinguishable
	// from one that exactly fits.
	readBuf := make([]byte, r.cfg.MaxPacketSize+1)

	for r.running.Load() {
		select {
		case <-ctx.Done():
			return
		case <-r.shutdown:
			return
		default:
		}

		r.mu.RLock()
		conn := r.conn
		r.mu.RUnlock()
		if conn == nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))

		n, addr, err := conn.ReadFromUDPAddrPort(readBuf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case <-r.shutdown:
				return
			default:
				r.socketErrors.Add(1)
				if r.metrics != nil {
					r.metrics.socketErrors.Inc()
				}
				// A closed socket without a requested stop means capture is
				// over; report the receiver unhealthy instead of pretending.
				if stderrors.Is(err, net.ErrClosed) || !errors.IsTransient(err) {
					r.failed.Store(true)
					r.logger.Error("socket read failed, capture stopped", "error", err)
					return
				}
				continue
			}
		}

		if n > r.cfg.MaxPacketSize {
			r.oversizeRejected.Add(1)
			if r.metrics != nil {
				r.metrics.oversizeRejected.Inc()
			}
			continue
		}

		if r.limiter != nil && !r.limiter.Allow() {
			r.rateLimited.Add(1)
			if r.metrics != nil {
				r.metrics.rateLimited.Inc()
			}
			continue
		}

		payload := make([]byte, n)
		copy(payload, readBuf[:n])

		now := time.Now()
		r.packetsReceived.Add(1)
		r.bytesReceived.Add(int64(n))
		r.lastActivity.Store(now)
		if r.metrics != nil {
			r.metrics.packetsReceived.Inc()
			r.metrics.bytesReceived.Add(float64(n))
			r.metrics.lastActivity.Set(float64(now.Unix()))
		}

		// DropOldest policy: Write cannot fail on a full queue, only on a
		// closed one.
		_ = r.queue.Write(telemetry.RawPacket{
			Addr:       addr,
			Payload:    payload,
			ReceivedAt: now,
		})
	}
}
