// Package stats maintains running aggregates over the parsed telemetry
// stream: per-gesture timing and button-combination histograms, per-device
// activity, hourly and daily volume, and a trailing per-minute message rate.
//
// A single Aggregator is owned by the engine's processing loop. Observe is
// constant-time so it can sit on the hot path; Snapshot hands out deep
// copies so readers never see partial updates.
package stats

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/c360/telemon/errors"
	"github.com/c360/telemon/pkg/timestamp"
	"github.com/c360/telemon/telemetry"
)

const (
	// DefaultWindowCapacity bounds the rolling window of receive times
	// backing the per-minute rate.
	DefaultWindowCapacity = 1000

	// DefaultActiveWindow is how recently a device must have reported to
	// count as active. It also paces lazy eviction of the rate window.
	DefaultActiveWindow = 5 * time.Minute

	// DefaultRecentErrors bounds the in-memory error log.
	DefaultRecentErrors = 500

	// DefaultDailyRetention is how many days of daily volume counters to
	// keep before Maintain prunes them.
	DefaultDailyRetention = 30

	// snapshotRecentErrors is how many recent errors a snapshot carries.
	snapshotRecentErrors = 10
)

// Config holds aggregator tuning knobs.
type Config struct {
	WindowCapacity int           `yaml:"window_capacity"`
	ActiveWindow   time.Duration `yaml:"active_window"`
	RecentErrors   int           `yaml:"recent_errors"`
	DailyRetention int           `yaml:"daily_retention_days"`
}

// DefaultConfig returns the standard aggregator configuration.
func DefaultConfig() Config {
	return Config{
		WindowCapacity: DefaultWindowCapacity,
		ActiveWindow:   DefaultActiveWindow,
		RecentErrors:   DefaultRecentErrors,
		DailyRetention: DefaultDailyRetention,
	}
}

func (c Config) withDefaults() Config {
	if c.WindowCapacity <= 0 {
		c.WindowCapacity = DefaultWindowCapacity
	}
	if c.ActiveWindow <= 0 {
		c.ActiveWindow = DefaultActiveWindow
	}
	if c.RecentErrors <= 0 {
		c.RecentErrors = DefaultRecentErrors
	}
	if c.DailyRetention <= 0 {
		c.DailyRetention = DefaultDailyRetention
	}
	return c
}

// Validate checks the configuration for values that cannot be defaulted
// away.
func (c Config) Validate() error {
	if c.WindowCapacity < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: window_capacity must not be negative", errors.ErrInvalidConfig),
			"stats", "Validate", "validate config")
	}
	if c.ActiveWindow < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: active_window must not be negative", errors.ErrInvalidConfig),
			"stats", "Validate", "validate config")
	}
	if c.RecentErrors < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: recent_errors must not be negative", errors.ErrInvalidConfig),
			"stats", "Validate", "validate config")
	}
	return nil
}

// Deps carries everything an Aggregator needs.
type Deps struct {
	Config Config
	Logger *slog.Logger

	// Clock overrides the time source. Nil means time.Now.
	Clock func() time.Time
}

// Aggregator keeps running statistics for the telemetry stream. All methods
// are safe for concurrent use, but Observe is written for a single caller:
// the processing loop owns it and everything it touches is O(1) per event.
type Aggregator struct {
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time

	mu        sync.RWMutex
	startTime time.Time

	totalProcessed int64
	totalErrors    int64
	errorsByType   map[string]int64
	recentErrors   []ErrorRecord

	gestures map[string]*gestureRecord
	devices  map[string]*deviceRecord

	hourly [24]int64
	daily  map[string]int64

	window    timeRing
	lastEvict time.Time
}

// New builds an Aggregator. Zero-valued config fields fall back to the
// defaults.
func New(deps Deps) *Aggregator {
	cfg := deps.Config.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	now := clock()
	return &Aggregator{
		cfg:          cfg,
		logger:       logger.With("component", "stats"),
		clock:        clock,
		startTime:    now,
		errorsByType: make(map[string]int64),
		gestures:     make(map[string]*gestureRecord),
		devices:      make(map[string]*deviceRecord),
		daily:        make(map[string]int64),
		window:       newTimeRing(cfg.WindowCapacity),
		lastEvict:    now,
	}
}

// Observe folds one parsed event into the running aggregates. Unknown-kind
// events still count toward volume and device activity; only gesture events
// feed the timing and combination histograms.
func (a *Aggregator) Observe(evt *telemetry.TelemetryEvent) {
	if evt == nil {
		return
	}
	received := evt.ReceivedAt
	if received.IsZero() {
		received = a.clock()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalProcessed++
	a.window.push(received)
	a.hourly[received.Hour()]++
	a.daily[timestamp.DateKey(timestamp.ToUnixMs(received))]++

	if evt.DeviceID != "" {
		a.observeDeviceLocked(evt, received)
	}
	if evt.Kind == telemetry.KindGesture && evt.Gesture != nil {
		a.observeGestureLocked(evt.Gesture, received)
	}

	a.maybeEvictLocked(received)
}

// RecordError counts a processing failure. The failed payload was never
// aggregated; kind buckets the failure for the errors-by-type breakdown.
func (a *Aggregator) RecordError(kind string, err error) {
	now := a.clock()
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalErrors++
	a.errorsByType[kind]++
	if len(a.recentErrors) == a.cfg.RecentErrors {
		copy(a.recentErrors, a.recentErrors[1:])
		a.recentErrors = a.recentErrors[:len(a.recentErrors)-1]
	}
	a.recentErrors = append(a.recentErrors, ErrorRecord{Time: now, Kind: kind, Message: msg})
}

// RecordErrorCount folds n failures of one kind into the error totals at
// once. Receiver-side losses (queue overflow, oversize rejects) are counted
// at capture time and arrive here as deltas rather than error values.
func (a *Aggregator) RecordErrorCount(kind string, n int64) {
	if n <= 0 {
		return
	}
	now := a.clock()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalErrors += n
	a.errorsByType[kind] += n
	if len(a.recentErrors) == a.cfg.RecentErrors {
		copy(a.recentErrors, a.recentErrors[1:])
		a.recentErrors = a.recentErrors[:len(a.recentErrors)-1]
	}
	a.recentErrors = append(a.recentErrors, ErrorRecord{
		Time:    now,
		Kind:    kind,
		Message: fmt.Sprintf("%d packets lost at capture", n),
	})
}

// Maintain evicts stale rate samples and prunes daily counters past the
// retention horizon. The engine calls it on its maintenance cadence.
func (a *Aggregator) Maintain() {
	now := a.clock()

	a.mu.Lock()
	defer a.mu.Unlock()

	evicted := a.window.dropOlderThan(now.Add(-a.cfg.ActiveWindow))
	a.lastEvict = now

	horizon := timestamp.DateKey(timestamp.ToUnixMs(now.AddDate(0, 0, -a.cfg.DailyRetention)))
	pruned := 0
	for day := range a.daily {
		if day < horizon {
			delete(a.daily, day)
			pruned++
		}
	}

	if evicted > 0 || pruned > 0 {
		a.logger.Debug("maintenance pass",
			"rate_samples_evicted", evicted,
			"daily_counters_pruned", pruned)
	}
}

// Snapshot returns a consistent copy of every aggregate. The caller owns
// the result; later Observe calls never show through it.
func (a *Aggregator) Snapshot() *Snapshot {
	now := a.clock()

	a.mu.RLock()
	defer a.mu.RUnlock()

	snap := &Snapshot{
		GeneratedAt:       now,
		Uptime:            now.Sub(a.startTime),
		TotalProcessed:    a.totalProcessed,
		TotalErrors:       a.totalErrors,
		ErrorRatePercent:  round2(float64(a.totalErrors) / math.Max(1, float64(a.totalProcessed)) * 100),
		MessagesPerMinute: a.window.countSince(now.Add(-time.Minute)),
		Gestures:          make(map[string]GestureSummary, len(a.gestures)),
		Devices:           make([]DeviceSummary, 0, len(a.devices)),
		TotalDevices:      len(a.devices),
		HourlyCounts:      a.hourly,
		DailyCounts:       make(map[string]int64, len(a.daily)),
	}

	for label, rec := range a.gestures {
		snap.Gestures[label] = rec.summary(label)
	}

	activeCutoff := now.Add(-a.cfg.ActiveWindow)
	for _, dev := range a.devices {
		sum := dev.summary(activeCutoff)
		if sum.Active {
			snap.ActiveDevices++
		}
		snap.Devices = append(snap.Devices, sum)
	}
	sort.Slice(snap.Devices, func(i, j int) bool {
		if !snap.Devices[i].LastSeen.Equal(snap.Devices[j].LastSeen) {
			return snap.Devices[i].LastSeen.After(snap.Devices[j].LastSeen)
		}
		return snap.Devices[i].DeviceID < snap.Devices[j].DeviceID
	})

	for day, count := range a.daily {
		snap.DailyCounts[day] = count
	}

	if len(a.errorsByType) > 0 {
		snap.ErrorsByType = make(map[string]int64, len(a.errorsByType))
		for kind, count := range a.errorsByType {
			snap.ErrorsByType[kind] = count
		}
	}
	if n := len(a.recentErrors); n > 0 {
		start := n - snapshotRecentErrors
		if start < 0 {
			start = 0
		}
		snap.RecentErrors = append([]ErrorRecord(nil), a.recentErrors[start:]...)
	}

	return snap
}

func (a *Aggregator) observeGestureLocked(g *telemetry.GesturePayload, received time.Time) {
	rec := a.gestures[g.Label]
	if rec == nil {
		rec = newGestureRecord()
		a.gestures[g.Label] = rec
	}

	rec.count++
	rec.hourly[received.Hour()]++

	if key := g.ComboKey(); key != "" {
		rec.combos[key]++
	}

	// Zero-duration events still count, but they carry no timing signal
	// and would drag the mean toward zero, so duration stats skip them.
	if g.Duration > 0 {
		rec.samples++
		rec.mean += (g.Duration - rec.mean) / float64(rec.samples)
		if g.Duration < rec.min {
			rec.min = g.Duration
		}
		if g.Duration > rec.max {
			rec.max = g.Duration
		}
		if rec.sketch != nil {
			rec.sketch.Add(g.Duration)
		}
	}
}

func (a *Aggregator) observeDeviceLocked(evt *telemetry.TelemetryEvent, received time.Time) {
	dev := a.devices[evt.DeviceID]
	if dev == nil {
		dev = &deviceRecord{
			id:        evt.DeviceID,
			firstSeen: received,
			gestures:  make(map[string]int64),
		}
		a.devices[evt.DeviceID] = dev
	}

	if evt.Addr.IsValid() {
		dev.ip = evt.Addr.Addr().String()
	}
	if received.After(dev.lastSeen) {
		dev.lastSeen = received
	}
	dev.total++

	switch {
	case evt.Kind == telemetry.KindGesture && evt.Gesture != nil:
		dev.gestures[evt.Gesture.Label]++
	case evt.Kind == telemetry.KindHeartbeat && evt.Heartbeat != nil:
		dev.rssi = evt.Heartbeat.WifiRSSI
		dev.freeHeap = evt.Heartbeat.FreeHeap
		dev.hasRadio = true
	}
}

// Rate samples older than the activity window can never contribute to the
// per-minute rate again. Eviction is lazy, at most once per window.
func (a *Aggregator) maybeEvictLocked(now time.Time) {
	if now.Sub(a.lastEvict) < a.cfg.ActiveWindow {
		return
	}
	a.window.dropOlderThan(now.Add(-a.cfg.ActiveWindow))
	a.lastEvict = now
}

type gestureRecord struct {
	count   int64
	samples int64 // events with a positive duration
	mean    float64
	min     float64
	max     float64
	sketch  *ddsketch.DDSketch
	combos  map[string]int64
	hourly  [24]int64
}

func newGestureRecord() *gestureRecord {
	rec := &gestureRecord{
		min:    math.MaxFloat64,
		combos: make(map[string]int64),
	}
	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err == nil {
		rec.sketch = sketch
	}
	return rec
}

func (r *gestureRecord) summary(label string) GestureSummary {
	s := GestureSummary{
		Label:     label,
		Count:     r.count,
		Hourly:    r.hourly,
		TopCombos: topCombos(r.combos, 3),
	}
	if r.samples > 0 {
		s.MeanDuration = r.mean
		s.MinDuration = r.min
		s.MaxDuration = r.max
		if r.sketch != nil {
			p50, _ := r.sketch.GetValueAtQuantile(0.50)
			p95, _ := r.sketch.GetValueAtQuantile(0.95)
			s.P50Duration = p50
			s.P95Duration = p95
		}
	}
	return s
}

type deviceRecord struct {
	id        string
	ip        string
	firstSeen time.Time
	lastSeen  time.Time
	total     int64
	gestures  map[string]int64
	rssi      int
	freeHeap  int64
	hasRadio  bool
}

func (d *deviceRecord) summary(activeCutoff time.Time) DeviceSummary {
	s := DeviceSummary{
		DeviceID:    d.id,
		IPAddress:   d.ip,
		FirstSeen:   d.firstSeen,
		LastSeen:    d.lastSeen,
		TotalEvents: d.total,
		Active:      !d.lastSeen.Before(activeCutoff),
		TopGesture:  topGesture(d.gestures),
	}
	if d.hasRadio {
		s.LastRSSI = d.rssi
		s.LastFreeHeap = d.freeHeap
	}
	return s
}

// topCombos returns the n most frequent combinations, most frequent first.
// Ties break on the combo key so the order is stable across snapshots.
func topCombos(combos map[string]int64, n int) []ComboCount {
	if len(combos) == 0 {
		return nil
	}
	out := make([]ComboCount, 0, len(combos))
	for combo, count := range combos {
		out = append(out, ComboCount{Combo: combo, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Combo < out[j].Combo
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func topGesture(counts map[string]int64) string {
	top := ""
	best := int64(0)
	for label, count := range counts {
		if count > best || (count == best && label < top) {
			top, best = label, count
		}
	}
	return top
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// timeRing is a fixed-capacity ring of receive times in arrival order.
// Pushing into a full ring evicts the oldest entry.
type timeRing struct {
	times []time.Time
	head  int
	count int
}

func newTimeRing(capacity int) timeRing {
	return timeRing{times: make([]time.Time, capacity)}
}

func (r *timeRing) push(t time.Time) {
	if r.count == len(r.times) {
		r.times[r.head] = t
		r.head = (r.head + 1) % len(r.times)
		return
	}
	r.times[(r.head+r.count)%len(r.times)] = t
	r.count++
}

// dropOlderThan removes leading entries before cutoff. Entries arrive in
// receive order, so the scan stops at the first young one.
func (r *timeRing) dropOlderThan(cutoff time.Time) int {
	dropped := 0
	for r.count > 0 && r.times[r.head].Before(cutoff) {
		r.head = (r.head + 1) % len(r.times)
		r.count--
		dropped++
	}
	return dropped
}

// countSince reports how many entries are at or after cutoff.
func (r *timeRing) countSince(cutoff time.Time) int {
	n := 0
	for i := 0; i < r.count; i++ {
		if !r.times[(r.head+i)%len(r.times)].Before(cutoff) {
			n++
		}
	}
	return n
}

func (r *timeRing) size() int {
	return r.count
}
