// SPDX-License-Identifier: MIT

package dispatch

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fetcharr/fetcharr/internal/fleet/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

type harness struct {
	d     *Dispatcher
	addr  string
	clock *mockClock

	progress chan protocol.JobProgress
	complete chan protocol.JobComplete
	failed   chan protocol.JobFailed
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:    &mockClock{now: time.Now().UTC()},
		progress: make(chan protocol.JobProgress, 16),
		complete: make(chan protocol.JobComplete, 16),
		failed:   make(chan protocol.JobFailed, 16),
	}
	all := append([]Option{
		WithClock(h.clock),
		WithSweepInterval(time.Hour),
		WithCallbacks(Callbacks{
			OnProgress: func(_ string, p protocol.JobProgress) { h.progress <- p },
			OnComplete: func(_ string, c protocol.JobComplete) { h.complete <- c },
			OnFailed:   func(_ string, f protocol.JobFailed) { h.failed <- f },
		}),
	}, opts...)
	h.d = New(all...)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	h.addr = ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.d.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		h.d.Close()
		cancel()
		<-done
	})
	return h
}

// testEncoder is a hand-driven fleet member for exercising the server.
type testEncoder struct {
	t    *testing.T
	conn *protocol.Conn
}

func (h *harness) connect(t *testing.T, id string, maxConcurrent int) *testEncoder {
	t.Helper()
	raw, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	conn := protocol.NewConn(raw)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.Send(protocol.TypeRegister, protocol.Register{
		EncoderID:     id,
		GPUDevice:     "cuda:0",
		MaxConcurrent: maxConcurrent,
		Hostname:      id + ".local",
		Version:       "1.0.0",
	}))
	env, err := conn.Receive()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeRegistered, env.Type)
	return &testEncoder{t: t, conn: conn}
}

func (e *testEncoder) expect(msgType string) protocol.Envelope {
	e.t.Helper()
	for {
		env, err := e.conn.Receive()
		require.NoError(e.t, err)
		if env.Type == msgType {
			return env
		}
	}
}

func (e *testEncoder) send(msgType string, payload any) {
	e.t.Helper()
	require.NoError(e.t, e.conn.Send(msgType, payload))
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		panic("unreachable")
	}
}

func TestRegisterAndSnapshot(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "enc-a", 2)
	h.connect(t, "enc-b", 1)

	require.Eventually(t, func() bool {
		return len(h.d.Snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	nodes := h.d.Snapshot()
	assert.Equal(t, "enc-a", nodes[0].EncoderID)
	assert.Equal(t, 2, nodes[0].MaxConcurrent)
	assert.True(t, nodes[0].Alive)
	assert.Equal(t, "enc-b.local", nodes[1].Hostname)
}

func TestHeartbeatGetsPong(t *testing.T) {
	h := newHarness(t)
	enc := h.connect(t, "enc-a", 1)

	enc.send(protocol.TypeHeartbeat, protocol.Heartbeat{EncoderID: "enc-a", State: "IDLE"})
	env := enc.expect(protocol.TypePong)

	var pong protocol.Pong
	require.NoError(t, env.Decode(&pong))
	assert.Equal(t, "enc-a", pong.EncoderID)
}

func TestAssignPrefersLeastLoaded(t *testing.T) {
	h := newHarness(t)
	busy := h.connect(t, "enc-busy", 2)
	idle := h.connect(t, "enc-idle", 2)
	require.Eventually(t, func() bool { return len(h.d.Snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	id, err := h.d.Assign(ctx, Job{ID: "job-1", InputPath: "/in/a.mkv", OutputPath: "/out/a.mkv"})
	require.NoError(t, err)
	// First assignment may land on either node; the second must go to
	// the other one.
	other, err := h.d.Assign(ctx, Job{ID: "job-2", InputPath: "/in/b.mkv", OutputPath: "/out/b.mkv"})
	require.NoError(t, err)
	assert.NotEqual(t, id, other)

	for _, enc := range []*testEncoder{busy, idle} {
		env := enc.expect(protocol.TypeJobAssign)
		var assign protocol.JobAssign
		require.NoError(t, env.Decode(&assign))
		assert.NotEmpty(t, assign.JobID)
	}
}

func TestAssignNoCapacity(t *testing.T) {
	h := newHarness(t)
	enc := h.connect(t, "enc-a", 1)
	require.Eventually(t, func() bool { return len(h.d.Snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	_, err := h.d.Assign(ctx, Job{ID: "job-1"})
	require.NoError(t, err)
	enc.expect(protocol.TypeJobAssign)

	_, err = h.d.Assign(ctx, Job{ID: "job-2"})
	assert.True(t, errors.Is(err, ErrNoCapacity))
}

func TestAssignSkipsStaleNodes(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "enc-a", 4)
	require.Eventually(t, func() bool { return len(h.d.Snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	h.clock.Advance(2 * defaultLivenessWindow)

	_, err := h.d.Assign(context.Background(), Job{ID: "job-1"})
	assert.True(t, errors.Is(err, ErrNoCapacity))
	assert.False(t, h.d.Snapshot()[0].Alive)
}

func TestJobLifecycleCallbacks(t *testing.T) {
	h := newHarness(t)
	enc := h.connect(t, "enc-a", 2)
	require.Eventually(t, func() bool { return len(h.d.Snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err := h.d.Assign(context.Background(), Job{ID: "job-1", InputPath: "/in/a.mkv", OutputPath: "/out/a.mkv"})
	require.NoError(t, err)
	enc.expect(protocol.TypeJobAssign)

	enc.send(protocol.TypeJobAccepted, protocol.JobAccepted{JobID: "job-1", EncoderID: "enc-a"})
	enc.send(protocol.TypeJobProgress, protocol.JobProgress{JobID: "job-1", Progress: 42.5, FPS: 120})
	p := waitFor(t, h.progress)
	assert.Equal(t, 42.5, p.Progress)

	enc.send(protocol.TypeJobComplete, protocol.JobComplete{JobID: "job-1", OutputPath: "/out/a.mkv", OutputSize: 1 << 30})
	c := waitFor(t, h.complete)
	assert.Equal(t, "job-1", c.JobID)

	require.Eventually(t, func() bool {
		return h.d.Snapshot()[0].ActiveJobs == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJobFailedCallback(t *testing.T) {
	h := newHarness(t)
	enc := h.connect(t, "enc-a", 1)
	require.Eventually(t, func() bool { return len(h.d.Snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err := h.d.Assign(context.Background(), Job{ID: "job-1"})
	require.NoError(t, err)
	enc.expect(protocol.TypeJobAssign)

	enc.send(protocol.TypeJobFailed, protocol.JobFailed{JobID: "job-1", Error: "encode crashed", Retriable: true})
	f := waitFor(t, h.failed)
	assert.Equal(t, "encode crashed", f.Error)
	assert.True(t, f.Retriable)

	// Slot freed: the next assignment is admitted again.
	require.Eventually(t, func() bool {
		_, err := h.d.Assign(context.Background(), Job{ID: "job-2"})
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelRoutesToOwner(t *testing.T) {
	h := newHarness(t)
	enc := h.connect(t, "enc-a", 1)
	require.Eventually(t, func() bool { return len(h.d.Snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err := h.d.Assign(context.Background(), Job{ID: "job-1"})
	require.NoError(t, err)
	enc.expect(protocol.TypeJobAssign)

	require.NoError(t, h.d.Cancel("job-1", "user request"))
	env := enc.expect(protocol.TypeJobCancel)
	var cancel protocol.JobCancel
	require.NoError(t, env.Decode(&cancel))
	assert.Equal(t, "user request", cancel.Reason)

	assert.True(t, errors.Is(h.d.Cancel("ghost", "x"), ErrUnknownJob))
}

func TestDisconnectOrphansJobs(t *testing.T) {
	h := newHarness(t)
	enc := h.connect(t, "enc-a", 2)
	require.Eventually(t, func() bool { return len(h.d.Snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err := h.d.Assign(context.Background(), Job{ID: "job-1"})
	require.NoError(t, err)
	enc.expect(protocol.TypeJobAssign)

	enc.conn.Close()

	f := waitFor(t, h.failed)
	assert.Equal(t, "job-1", f.JobID)
	assert.True(t, f.Retriable, "orphaned work must be re-queued")
	require.Eventually(t, func() bool { return len(h.d.Snapshot()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestUnknownMessageIgnored(t *testing.T) {
	h := newHarness(t)
	enc := h.connect(t, "enc-a", 1)

	enc.send("vendor:extension", map[string]string{"x": "y"})
	enc.send(protocol.TypeHeartbeat, protocol.Heartbeat{EncoderID: "enc-a"})
	enc.expect(protocol.TypePong)
}

func TestCloseBroadcastsShutdown(t *testing.T) {
	h := newHarness(t)
	enc := h.connect(t, "enc-a", 1)
	require.Eventually(t, func() bool { return len(h.d.Snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	go h.d.Close()

	env := enc.expect(protocol.TypeServerShutdown)
	var shut protocol.ServerShutdown
	require.NoError(t, env.Decode(&shut))
	assert.Equal(t, shutdownReconnectDelay, shut.ReconnectDelay)
}

func TestFirstFrameMustRegister(t *testing.T) {
	h := newHarness(t)

	raw, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	conn := protocol.NewConn(raw)
	defer conn.Close()

	require.NoError(t, conn.Send(protocol.TypeHeartbeat, protocol.Heartbeat{EncoderID: "sneaky"}))
	_, err = conn.Receive()
	require.Error(t, err, "server must close a connection that skips the handshake")
	assert.Empty(t, h.d.Snapshot())
}
