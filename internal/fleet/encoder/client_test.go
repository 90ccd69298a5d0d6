// SPDX-License-Identifier: MIT

package encoder

import (
	"context"
	"errors"
	"net"
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

// fakeDispatcher accepts fleet connections and completes the
// registration handshake, handing each session to the test.
type fakeDispatcher struct {
	t        *testing.T
	ln       net.Listener
	sessions chan *protocol.Conn
	done     chan struct{}
}

func newFakeDispatcher(t *testing.T) *fakeDispatcher {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fd := &fakeDispatcher{
		t:        t,
		ln:       ln,
		sessions: make(chan *protocol.Conn, 4),
		done:     make(chan struct{}),
	}
	go func() {
		defer close(fd.done)
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			conn := protocol.NewConn(raw)
			env, err := conn.Receive()
			if err != nil || env.Type != protocol.TypeRegister {
				conn.Close()
				continue
			}
			var reg protocol.Register
			if err := env.Decode(&reg); err != nil {
				conn.Close()
				continue
			}
			if err := conn.Send(protocol.TypeRegistered, protocol.Registered{EncoderID: reg.EncoderID}); err != nil {
				conn.Close()
				continue
			}
			fd.sessions <- conn
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		<-fd.done
	})
	return fd
}

func (fd *fakeDispatcher) session(t *testing.T) *protocol.Conn {
	t.Helper()
	select {
	case conn := <-fd.sessions:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("encoder did not register in time")
		panic("unreachable")
	}
}

func expectFrame(t *testing.T, conn *protocol.Conn, msgType string) protocol.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	frames := make(chan protocol.Envelope, 1)
	errs := make(chan error, 1)
	go func() {
		for {
			env, err := conn.Receive()
			if err != nil {
				errs <- err
				return
			}
			if env.Type == msgType {
				frames <- env
				return
			}
		}
	}()
	select {
	case env := <-frames:
		return env
	case err := <-errs:
		t.Fatalf("expected %s, connection error: %v", msgType, err)
	case <-deadline:
		t.Fatalf("timed out waiting for %s", msgType)
	}
	panic("unreachable")
}

// scriptedTranscoder blocks until released or cancelled.
type scriptedTranscoder struct {
	started chan string
	release chan struct{}
	result  protocol.JobComplete
	err     error
}

func newScriptedTranscoder() *scriptedTranscoder {
	return &scriptedTranscoder{
		started: make(chan string, 8),
		release: make(chan struct{}),
		result:  protocol.JobComplete{OutputPath: "/out/done.mkv", OutputSize: 1024},
	}
}

func (s *scriptedTranscoder) Transcode(ctx context.Context, job protocol.JobAssign, progress func(protocol.JobProgress)) (protocol.JobComplete, error) {
	s.started <- job.JobID
	progress(protocol.JobProgress{Progress: 10})
	select {
	case <-ctx.Done():
		return protocol.JobComplete{}, ctx.Err()
	case <-s.release:
		return s.result, s.err
	}
}

func testConfig(addr string) Config {
	return Config{
		DispatcherAddr:    addr,
		EncoderID:         "enc-test",
		GPUDevice:         "cuda:0",
		MaxConcurrent:     1,
		Hostname:          "testhost",
		Version:           "0.0.1",
		HeartbeatInterval: 25 * time.Millisecond,
		ReconnectBase:     10 * time.Millisecond,
		ReconnectMax:      50 * time.Millisecond,
		DrainTimeout:      2 * time.Second,
	}
}

func startClient(t *testing.T, c *Client) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx); close(errCh) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("client did not stop")
		}
	})
	return cancel, errCh
}

func TestBackoffDelay(t *testing.T) {
	base := 5 * time.Second
	max := 60 * time.Second
	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for attempts, expected := range want {
		assert.Equal(t, expected, backoffDelay(base, max, attempts), "attempts=%d", attempts)
	}
	assert.Equal(t, max, backoffDelay(base, max, 500), "huge attempt counts must not overflow")
}

func TestRegisterHandshake(t *testing.T) {
	fd := newFakeDispatcher(t)
	tr := newScriptedTranscoder()
	c := New(testConfig(fd.ln.Addr().String()), tr)
	startClient(t, c)

	fd.session(t)
	require.Eventually(t, func() bool { return c.State() == StateIdle }, 2*time.Second, 5*time.Millisecond)
}

func TestHeartbeats(t *testing.T) {
	fd := newFakeDispatcher(t)
	c := New(testConfig(fd.ln.Addr().String()), newScriptedTranscoder())
	startClient(t, c)

	conn := fd.session(t)
	env := expectFrame(t, conn, protocol.TypeHeartbeat)
	var hb protocol.Heartbeat
	require.NoError(t, env.Decode(&hb))
	assert.Equal(t, "enc-test", hb.EncoderID)
	assert.Equal(t, string(StateIdle), hb.State)
	require.NoError(t, conn.Send(protocol.TypePong, protocol.Pong{EncoderID: hb.EncoderID}))
}

func TestJobLifecycle(t *testing.T) {
	fd := newFakeDispatcher(t)
	tr := newScriptedTranscoder()
	c := New(testConfig(fd.ln.Addr().String()), tr)
	startClient(t, c)

	conn := fd.session(t)
	require.NoError(t, conn.Send(protocol.TypeJobAssign, protocol.JobAssign{
		JobID:      "job-1",
		InputPath:  "/in/a.mkv",
		OutputPath: "/out/a.mkv",
	}))

	env := expectFrame(t, conn, protocol.TypeJobAccepted)
	var acc protocol.JobAccepted
	require.NoError(t, env.Decode(&acc))
	assert.Equal(t, "enc-test", acc.EncoderID)

	env = expectFrame(t, conn, protocol.TypeJobProgress)
	var p protocol.JobProgress
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, "job-1", p.JobID, "progress frames carry the job id")
	require.Eventually(t, func() bool { return c.State() == StateEncoding }, 2*time.Second, 5*time.Millisecond)

	close(tr.release)
	env = expectFrame(t, conn, protocol.TypeJobComplete)
	var done protocol.JobComplete
	require.NoError(t, env.Decode(&done))
	assert.Equal(t, "job-1", done.JobID)
	assert.Equal(t, "/out/done.mkv", done.OutputPath)

	require.Eventually(t, func() bool {
		return c.ActiveJobs() == 0 && c.State() == StateIdle
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAdmissionControl(t *testing.T) {
	fd := newFakeDispatcher(t)
	tr := newScriptedTranscoder()
	c := New(testConfig(fd.ln.Addr().String()), tr)
	startClient(t, c)

	conn := fd.session(t)
	require.NoError(t, conn.Send(protocol.TypeJobAssign, protocol.JobAssign{JobID: "job-1"}))
	expectFrame(t, conn, protocol.TypeJobAccepted)
	<-tr.started

	// Second assignment exceeds maxConcurrent=1.
	require.NoError(t, conn.Send(protocol.TypeJobAssign, protocol.JobAssign{JobID: "job-2"}))
	env := expectFrame(t, conn, protocol.TypeJobFailed)
	var failed protocol.JobFailed
	require.NoError(t, env.Decode(&failed))
	assert.Equal(t, "job-2", failed.JobID)
	assert.Equal(t, capacityError, failed.Error)
	assert.True(t, failed.Retriable)
	assert.Equal(t, 1, c.ActiveJobs(), "rejected job must not be registered")

	// The first job is unaffected.
	close(tr.release)
	env = expectFrame(t, conn, protocol.TypeJobComplete)
	var done protocol.JobComplete
	require.NoError(t, env.Decode(&done))
	assert.Equal(t, "job-1", done.JobID)
}

func TestCancelEmitsSingleTerminalFailure(t *testing.T) {
	fd := newFakeDispatcher(t)
	tr := newScriptedTranscoder()
	c := New(testConfig(fd.ln.Addr().String()), tr)
	startClient(t, c)

	conn := fd.session(t)
	require.NoError(t, conn.Send(protocol.TypeJobAssign, protocol.JobAssign{JobID: "job-1"}))
	expectFrame(t, conn, protocol.TypeJobAccepted)
	<-tr.started

	require.NoError(t, conn.Send(protocol.TypeJobCancel, protocol.JobCancel{JobID: "job-1", Reason: "superseded"}))

	env := expectFrame(t, conn, protocol.TypeJobFailed)
	var failed protocol.JobFailed
	require.NoError(t, env.Decode(&failed))
	assert.Equal(t, "job-1", failed.JobID)
	assert.False(t, failed.Retriable, "cancellation is the one non-retriable failure")
	assert.Contains(t, failed.Error, "superseded")

	require.Eventually(t, func() bool { return c.ActiveJobs() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestTranscoderFailureIsRetriable(t *testing.T) {
	fd := newFakeDispatcher(t)
	tr := newScriptedTranscoder()
	tr.err = errors.New("nvenc session limit reached")
	c := New(testConfig(fd.ln.Addr().String()), tr)
	startClient(t, c)

	conn := fd.session(t)
	require.NoError(t, conn.Send(protocol.TypeJobAssign, protocol.JobAssign{JobID: "job-1"}))
	expectFrame(t, conn, protocol.TypeJobAccepted)
	<-tr.started
	close(tr.release)

	env := expectFrame(t, conn, protocol.TypeJobFailed)
	var failed protocol.JobFailed
	require.NoError(t, env.Decode(&failed))
	assert.True(t, failed.Retriable)
	assert.Contains(t, failed.Error, "nvenc session limit")
}

func TestGracefulShutdownDrainsJobs(t *testing.T) {
	fd := newFakeDispatcher(t)
	tr := newScriptedTranscoder()
	c := New(testConfig(fd.ln.Addr().String()), tr)
	cancel, errCh := startClient(t, c)

	conn := fd.session(t)
	require.NoError(t, conn.Send(protocol.TypeJobAssign, protocol.JobAssign{JobID: "job-1"}))
	expectFrame(t, conn, protocol.TypeJobAccepted)
	<-tr.started

	cancel()

	// The cancelled job still delivers its terminal message before the
	// socket closes.
	env := expectFrame(t, conn, protocol.TypeJobFailed)
	var failed protocol.JobFailed
	require.NoError(t, env.Decode(&failed))
	assert.Equal(t, "job-1", failed.JobID)
	assert.False(t, failed.Retriable)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
	assert.Equal(t, StateOffline, c.State())
}

func TestReconnectAfterDisconnect(t *testing.T) {
	fd := newFakeDispatcher(t)
	c := New(testConfig(fd.ln.Addr().String()), newScriptedTranscoder())
	startClient(t, c)

	first := fd.session(t)
	first.Close()

	second := fd.session(t)
	require.NotNil(t, second)
	require.Eventually(t, func() bool { return c.State() == StateIdle }, 2*time.Second, 5*time.Millisecond)
}

func TestServerShutdownOverridesReconnectBase(t *testing.T) {
	fd := newFakeDispatcher(t)
	c := New(testConfig(fd.ln.Addr().String()), newScriptedTranscoder())
	startClient(t, c)

	conn := fd.session(t)
	require.NoError(t, conn.Send(protocol.TypeServerShutdown, protocol.ServerShutdown{
		ReconnectDelay: 40 * time.Millisecond,
	}))

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.reconnectBase == 40*time.Millisecond
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUnknownMessageIgnored(t *testing.T) {
	fd := newFakeDispatcher(t)
	tr := newScriptedTranscoder()
	c := New(testConfig(fd.ln.Addr().String()), tr)
	startClient(t, c)

	conn := fd.session(t)
	require.NoError(t, conn.Send("vendor:extension", map[string]string{"x": "y"}))

	// Protocol keeps working afterwards.
	require.NoError(t, conn.Send(protocol.TypeJobAssign, protocol.JobAssign{JobID: "job-1"}))
	expectFrame(t, conn, protocol.TypeJobAccepted)
	<-tr.started
	close(tr.release)
	expectFrame(t, conn, protocol.TypeJobComplete)
}
