package receiver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/telemon/component"
	cerrors "github.com/c360/telemon/errors"
)

func newTestReceiver(t *testing.T, cfg Config) *Receiver {
	t.Helper()
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	r, err := New(Deps{Name: "test-receiver", Config: cfg})
	require.NoError(t, err)
	return r
}

// startReceiver starts r on an OS-assigned port and returns the bound address.
func startReceiver(t *testing.T, r *Receiver) netip.AddrPort {
	t.Helper()
	require.NoError(t, r.Initialize())
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() {
		_ = r.Stop(5 * time.Second)
	})
	addr := r.LocalAddr()
	require.True(t, addr.IsValid())
	return addr
}

func TestNewReceiverDefaults(t *testing.T) {
	r, err := New(Deps{})
	require.NoError(t, err)

	assert.Equal(t, DefaultQueueCapacity, r.cfg.QueueCapacity)
	assert.Equal(t, DefaultMaxPacketSize, r.cfg.MaxPacketSize)
	assert.Equal(t, "0.0.0.0", r.cfg.Host)
	assert.Nil(t, r.limiter)
	assert.Equal(t, 0, r.QueueDepth())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"port zero is auto-assign", Config{Port: 0, QueueCapacity: 10, MaxPacketSize: 100}, false},
		{"negative port", Config{Port: -1, QueueCapacity: 10, MaxPacketSize: 100}, true},
		{"port too high", Config{Port: 70000, QueueCapacity: 10, MaxPacketSize: 100}, true},
		{"negative queue capacity", Config{Port: 9999, QueueCapacity: -1, MaxPacketSize: 100}, true},
		{"negative packet size", Config{Port: 9999, QueueCapacity: 10, MaxPacketSize: -5}, true},
		{"negative rate", Config{Port: 9999, QueueCapacity: 10, MaxPacketSize: 100, RatePerSecond: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, cerrors.ErrorInvalid, cerrors.Classify(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestReceiverMeta(t *testing.T) {
	r := newTestReceiver(t, Config{Port: 9999})

	meta := r.Meta()
	assert.Equal(t, "test-receiver", meta.Name)
	assert.Equal(t, "receiver", meta.Type)
	assert.Contains(t, meta.Description, "127.0.0.1:9999")
}

func TestReceiverHealthBeforeStart(t *testing.T) {
	r := newTestReceiver(t, Config{})

	health := r.Health()
	assert.IsType(t, component.HealthStatus{}, health)
	assert.False(t, health.Healthy)
	assert.Equal(t, 0, health.ErrorCount)

	flow := r.DataFlow()
	assert.Zero(t, flow.MessagesPerSecond)
	assert.Zero(t, flow.ErrorRate)
}

func TestReceiverStartStop(t *testing.T) {
	r := newTestReceiver(t, Config{Port: 0})
	startReceiver(t, r)

	assert.True(t, r.running.Load())
	assert.True(t, r.Health().Healthy)

	// Second Start while running is a no-op.
	require.NoError(t, r.Start(context.Background()))

	require.NoError(t, r.Stop(5*time.Second))
	assert.False(t, r.running.Load())
	assert.False(t, r.Health().Healthy)

	// Second Stop is a no-op too.
	require.NoError(t, r.Stop(5*time.Second))
}

func TestReceiverBindConflictIsFatal(t *testing.T) {
	conflict, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conflict.Close() })

	port := conflict.LocalAddr().(*net.UDPAddr).Port
	r := newTestReceiver(t, Config{Port: port})
	require.NoError(t, r.Initialize())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = r.Start(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cerrors.ErrBindFailed))
	assert.True(t, cerrors.IsFatal(err))
	assert.False(t, r.running.Load())
}

func TestReceiverCaptureAndDrain(t *testing.T) {
	r := newTestReceiver(t, Config{Port: 0})
	addr := startReceiver(t, r)

	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	payloads := [][]byte{
		[]byte(`{"gesture":"tap","teeth":[1],"duration":0.1,"device_id":"a"}`),
		[]byte(`{"gesture":"tap","teeth":[2],"duration":0.2,"device_id":"a"}`),
		[]byte(`{"gesture":"tap","teeth":[3],"duration":0.3,"device_id":"a"}`),
	}
	for _, p := range payloads {
		_, err = conn.Write(p)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return r.QueueDepth() == len(payloads)
	}, 2*time.Second, 10*time.Millisecond)

	packets := r.Drain()
	require.Len(t, packets, len(payloads))
	for i, pkt := range packets {
		assert.Equal(t, payloads[i], pkt.Payload, "arrival order must be preserved")
		assert.True(t, pkt.Addr.IsValid())
		assert.False(t, pkt.ReceivedAt.IsZero())
	}

	// Queue is empty after an atomic drain.
	assert.Empty(t, r.Drain())

	stats := r.Statistics()
	assert.Equal(t, int64(len(payloads)), stats.PacketsReceived)
	assert.Equal(t, int64(len(payloads[0])+len(payloads[1])+len(payloads[2])), stats.BytesReceived)
	assert.Zero(t, stats.PacketsDropped)
	assert.Equal(t, 0, stats.QueueDepth)
}

func TestReceiverOversizeRejected(t *testing.T) {
	r := newTestReceiver(t, Config{Port: 0, MaxPacketSize: 64})
	addr := startReceiver(t, r)

	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	oversize := make([]byte, 100)
	_, err = conn.Write(oversize)
	require.NoError(t, err)
	_, err = conn.Write([]byte("small"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return r.Statistics().OversizeRejected == 1 && r.QueueDepth() == 1
	}, 2*time.Second, 10*time.Millisecond)

	packets := r.Drain()
	require.Len(t, packets, 1)
	assert.Equal(t, []byte("small"), packets[0].Payload)

	stats := r.Statistics()
	assert.Equal(t, int64(1), stats.PacketsReceived, "oversize packets are never counted as received")
}

func TestReceiverStopLeavesQueueIntact(t *testing.T) {
	r := newTestReceiver(t, Config{Port: 0})
	addr := startReceiver(t, r)

	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("one"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("two"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return r.QueueDepth() == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Stop(5*time.Second))

	packets := r.Drain()
	require.Len(t, packets, 2)
	assert.Equal(t, []byte("one"), packets[0].Payload)
	assert.Equal(t, []byte("two"), packets[1].Payload)
}

func TestReceiverQueueOverflowDropsOldest(t *testing.T) {
	r := newTestReceiver(t, Config{Port: 0, QueueCapacity: 2})
	addr := startReceiver(t, r)

	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	for _, payload := range []string{"first", "second", "third"} {
		_, err = conn.Write([]byte(payload))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return r.Statistics().PacketsDropped == 1
	}, 2*time.Second, 10*time.Millisecond)

	packets := r.Drain()
	require.Len(t, packets, 2)
	assert.Equal(t, []byte("second"), packets[0].Payload)
	assert.Equal(t, []byte("third"), packets[1].Payload)
}

func TestReceiverRateLimiter(t *testing.T) {
	r := newTestReceiver(t, Config{Port: 0, RatePerSecond: 1, RateBurst: 1})
	addr := startReceiver(t, r)

	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 5; i++ {
		_, err = conn.Write([]byte("x"))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		s := r.Statistics()
		return s.RateLimited+s.PacketsReceived == 5
	}, 2*time.Second, 10*time.Millisecond)

	stats := r.Statistics()
	assert.GreaterOrEqual(t, stats.RateLimited, int64(3))
	assert.LessOrEqual(t, stats.PacketsReceived, int64(2))
}

func TestReceiverDrainBeforeStart(t *testing.T) {
	r := newTestReceiver(t, Config{})
	assert.Empty(t, r.Drain())
}

// A socket failure outside Stop must surface through Health: the read loop
// has exited and nothing is capturing anymore.
func TestSocketFailureMarksUnhealthy(t *testing.T) {
	r := newTestReceiver(t, Config{Port: 0})
	startReceiver(t, r)
	require.True(t, r.Health().Healthy)

	// Close the socket out from under the read loop, as if the OS revoked
	// it. No stop was requested, so this is an abnormal loop exit.
	r.mu.RLock()
	conn := r.conn
	r.mu.RUnlock()
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return !r.Health().Healthy
	}, 2*time.Second, 10*time.Millisecond, "dead capture must not report healthy")

	// Stop still tears down cleanly after the failure.
	require.NoError(t, r.Stop(5*time.Second))
	assert.False(t, r.Health().Healthy)
}
