// SPDX-License-Identifier: MIT

// Package encoder is the fleet-member side of the dispatch protocol: it
// keeps a connection to the dispatcher alive, admits jobs up to its
// configured concurrency, runs them through a Transcoder and streams
// results back.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/fleet/protocol"
	"github.com/fetcharr/fetcharr/internal/log"
)

// ConnState is the encoder's view of its dispatcher connection.
type ConnState string

const (
	StateOffline     ConnState = "OFFLINE"
	StateConnecting  ConnState = "CONNECTING"
	StateRegistering ConnState = "REGISTERING"
	StateIdle        ConnState = "IDLE"
	StateEncoding    ConnState = "ENCODING"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectBase     = 5 * time.Second
	defaultReconnectMax      = 60 * time.Second
	defaultDrainTimeout      = 30 * time.Second

	capacityError = "Encoder at capacity"

	// Throttle keys for repeated warning suppression.
	throttleCapacity     = "capacity"
	throttleNotConnected = "not_connected"
)

// Transcoder runs one encode job to completion. Implementations must
// honor ctx cancellation promptly and report progress through the
// supplied callback.
type Transcoder interface {
	Transcode(ctx context.Context, job protocol.JobAssign, progress func(protocol.JobProgress)) (protocol.JobComplete, error)
}

// Stats supplies the utilization figures reported in heartbeats.
type Stats func() (cpuUsage, memoryUsage float64)

// Config identifies this encoder and tunes its protocol timers.
type Config struct {
	DispatcherAddr string
	EncoderID      string
	GPUDevice      string
	MaxConcurrent  int
	Hostname       string
	Version        string
	Capabilities   []string

	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	DrainTimeout      time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.Hostname == "" {
		c.Hostname, _ = os.Hostname()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = defaultReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = defaultReconnectMax
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
}

// activeJob is one admitted encode with its cancellation handle.
type activeJob struct {
	assign    protocol.JobAssign
	cancel    context.CancelFunc
	cancelled bool
	reason    string
	startedAt time.Time
}

// Client maintains the encoder's dispatcher session.
type Client struct {
	cfg        Config
	transcoder Transcoder
	stats      Stats
	dial       func(ctx context.Context) (net.Conn, error)
	logger     zerolog.Logger
	throttle   *log.Throttle

	mu                sync.Mutex
	state             ConnState
	conn              *protocol.Conn
	jobs              map[string]*activeJob
	reconnectAttempts int
	reconnectBase     time.Duration

	jobWG        sync.WaitGroup
	shutdownOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithDialer overrides how the dispatcher connection is opened, for
// tests.
func WithDialer(dial func(ctx context.Context) (net.Conn, error)) Option {
	return func(c *Client) { c.dial = dial }
}

// WithStats sets the heartbeat utilization source.
func WithStats(s Stats) Option {
	return func(c *Client) { c.stats = s }
}

// New builds an encoder client around the given transcoder.
func New(cfg Config, transcoder Transcoder, opts ...Option) *Client {
	cfg.applyDefaults()
	c := &Client{
		cfg:           cfg,
		transcoder:    transcoder,
		stats:         func() (float64, float64) { return 0, 0 },
		logger: log.Derive(func(c *zerolog.Context) {
			*c = c.Str(log.FieldComponent, "encoder").Str(log.FieldEncoderID, cfg.EncoderID)
		}),
		throttle:      log.NewThrottle(time.Second),
		state:         StateOffline,
		jobs:          make(map[string]*activeJob),
		reconnectBase: cfg.ReconnectBase,
	}
	c.dial = func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", c.cfg.DispatcherAddr)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActiveJobs returns the number of admitted, unfinished jobs.
func (c *Client) ActiveJobs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// Run maintains the dispatcher session until ctx is cancelled,
// reconnecting with exponential backoff on unexpected closes. It
// returns nil after a graceful shutdown.
func (c *Client) Run(ctx context.Context) error {
	defer c.shutdown()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := c.session(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := c.nextReconnectDelay()
			c.logger.Warn().
				Err(err).
				Dur("reconnect_in", delay).
				Msg("dispatcher session ended, reconnecting")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}
	}
}

// session runs one connect/register/serve cycle.
func (c *Client) session(ctx context.Context) error {
	c.setState(StateConnecting)
	raw, err := c.dial(ctx)
	if err != nil {
		c.setState(StateOffline)
		return fmt.Errorf("dial dispatcher: %w", err)
	}
	conn := protocol.NewConn(raw)

	// Reconnect attempts reset once a socket actually opens.
	c.mu.Lock()
	c.reconnectAttempts = 0
	c.mu.Unlock()

	if err := c.register(conn); err != nil {
		conn.Close()
		c.setState(StateOffline)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateIdle
	if len(c.jobs) > 0 {
		c.state = StateEncoding
	}
	c.mu.Unlock()

	c.logger.Info().Str(log.FieldEvent, "registered").Msg("dispatcher session established")

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		c.heartbeatLoop(hbCtx)
	}()

	// On graceful shutdown the socket must stay open until the active
	// jobs drained their terminal messages; the watcher runs the drain
	// and closes the socket, which unblocks the read loop.
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			c.shutdown()
		case <-sessionDone:
		}
	}()

	readErr := c.readLoop(ctx, conn)

	stopHeartbeat()
	<-hbDone

	if ctx.Err() != nil {
		return nil
	}

	conn.Close()
	c.mu.Lock()
	c.conn = nil
	c.state = StateOffline
	c.mu.Unlock()

	return readErr
}

// register performs the opening handshake.
func (c *Client) register(conn *protocol.Conn) error {
	c.setState(StateRegistering)

	c.mu.Lock()
	current := len(c.jobs)
	c.mu.Unlock()

	if err := conn.Send(protocol.TypeRegister, protocol.Register{
		EncoderID:     c.cfg.EncoderID,
		GPUDevice:     c.cfg.GPUDevice,
		MaxConcurrent: c.cfg.MaxConcurrent,
		CurrentJobs:   current,
		Hostname:      c.cfg.Hostname,
		Version:       c.cfg.Version,
		Capabilities:  c.cfg.Capabilities,
	}); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	env, err := conn.Receive()
	if err != nil {
		return fmt.Errorf("await registered: %w", err)
	}
	if env.Type != protocol.TypeRegistered {
		return fmt.Errorf("expected %s, got %s", protocol.TypeRegistered, env.Type)
	}
	return nil
}

// readLoop processes dispatcher frames until the connection dies or ctx
// is cancelled.
func (c *Client) readLoop(ctx context.Context, conn *protocol.Conn) error {
	for {
		env, err := conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}
		switch env.Type {
		case protocol.TypePong:
			// Liveness acknowledged, nothing to do.
		case protocol.TypeJobAssign:
			c.handleAssign(ctx, env)
		case protocol.TypeJobCancel:
			c.handleCancel(env)
		case protocol.TypeServerShutdown:
			c.handleServerShutdown(env)
		default:
			c.logger.Warn().Str("message_type", env.Type).Msg("unknown message type ignored")
		}
	}
}

// handleAssign admits a job if capacity allows, otherwise rejects it
// immediately as retriable so the dispatcher reschedules elsewhere.
func (c *Client) handleAssign(ctx context.Context, env protocol.Envelope) {
	var assign protocol.JobAssign
	if err := env.Decode(&assign); err != nil {
		c.logger.Warn().Err(err).Msg("bad job assignment")
		return
	}

	c.mu.Lock()
	if len(c.jobs) >= c.cfg.MaxConcurrent {
		c.mu.Unlock()
		if c.throttle.Allow(throttleCapacity) {
			c.logger.Warn().
				Str(log.FieldJobID, assign.JobID).
				Int("max_concurrent", c.cfg.MaxConcurrent).
				Msg("rejecting assignment, encoder at capacity")
		}
		c.send(protocol.TypeJobFailed, protocol.JobFailed{
			JobID:     assign.JobID,
			Error:     capacityError,
			Retriable: true,
		})
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	job := &activeJob{assign: assign, cancel: cancel, startedAt: time.Now()}
	c.jobs[assign.JobID] = job
	c.state = StateEncoding
	c.jobWG.Add(1)
	c.mu.Unlock()

	c.send(protocol.TypeJobAccepted, protocol.JobAccepted{
		JobID:     assign.JobID,
		EncoderID: c.cfg.EncoderID,
	})
	c.logger.Info().
		Str(log.FieldJobID, assign.JobID).
		Str(log.FieldInputPath, assign.InputPath).
		Msg("job accepted")

	go c.runJob(jobCtx, job)
}

// runJob drives one transcode and is the only place that emits the
// job's terminal message, so exactly one of complete/failed goes out.
func (c *Client) runJob(ctx context.Context, job *activeJob) {
	defer c.jobWG.Done()
	jobID := job.assign.JobID

	progress := func(p protocol.JobProgress) {
		p.JobID = jobID
		c.send(protocol.TypeJobProgress, p)
	}

	result, err := c.transcoder.Transcode(ctx, job.assign, progress)
	cancelled, reason := c.finishJob(jobID)
	// The job context is only ever cancelled explicitly (job:cancel or
	// shutdown), so a Canceled result counts as cancellation even when
	// the flag write lost the race.
	if errors.Is(err, context.Canceled) {
		cancelled = true
	}

	switch {
	case cancelled:
		msg := "cancelled"
		if reason != "" {
			msg = fmt.Sprintf("cancelled: %s", reason)
		}
		c.send(protocol.TypeJobFailed, protocol.JobFailed{JobID: jobID, Error: msg, Retriable: false})
		c.logger.Info().Str(log.FieldJobID, jobID).Str("reason", reason).Msg("job cancelled")
	case err != nil:
		c.send(protocol.TypeJobFailed, protocol.JobFailed{JobID: jobID, Error: err.Error(), Retriable: true})
		c.logger.Error().Str(log.FieldJobID, jobID).Err(err).Msg("job failed")
	default:
		result.JobID = jobID
		c.send(protocol.TypeJobComplete, result)
		c.logger.Info().
			Str(log.FieldJobID, jobID).
			Str(log.FieldOutputPath, result.OutputPath).
			Msg("job complete")
	}
}

// finishJob removes the job from the active set, recomputes the
// connection state and reports whether the job had been cancelled.
func (c *Client) finishJob(jobID string) (cancelled bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if job, ok := c.jobs[jobID]; ok {
		cancelled, reason = job.cancelled, job.reason
		job.cancel()
		delete(c.jobs, jobID)
	}
	// Job bookkeeping only owns the state once registered; during
	// OFFLINE/CONNECTING/REGISTERING the protocol loop owns it.
	if c.state == StateIdle || c.state == StateEncoding {
		if len(c.jobs) > 0 {
			c.state = StateEncoding
		} else {
			c.state = StateIdle
		}
	}
	return cancelled, reason
}

// handleCancel fires the job's cancellation handle. The terminal
// job:failed{retriable:false} is emitted by runJob once the transcoder
// unwinds.
func (c *Client) handleCancel(env protocol.Envelope) {
	var jc protocol.JobCancel
	if err := env.Decode(&jc); err != nil {
		return
	}
	c.mu.Lock()
	job, ok := c.jobs[jc.JobID]
	if ok {
		job.cancelled = true
		job.reason = jc.Reason
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn().Str(log.FieldJobID, jc.JobID).Msg("cancel for unknown job ignored")
		return
	}
	c.logger.Info().Str(log.FieldJobID, jc.JobID).Str("reason", jc.Reason).Msg("cancelling job")
	job.cancel()
}

func (c *Client) handleServerShutdown(env protocol.Envelope) {
	var shut protocol.ServerShutdown
	if err := env.Decode(&shut); err != nil {
		return
	}
	if shut.ReconnectDelay > 0 {
		c.mu.Lock()
		c.reconnectBase = shut.ReconnectDelay
		c.mu.Unlock()
	}
	c.logger.Info().Dur("reconnect_delay", shut.ReconnectDelay).Msg("dispatcher shutting down")
}

// heartbeatLoop pulses liveness while the session is up.
func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cpu, mem := c.stats()
			c.mu.Lock()
			hb := protocol.Heartbeat{
				EncoderID:   c.cfg.EncoderID,
				CurrentJobs: len(c.jobs),
				State:       string(c.state),
				CPUUsage:    cpu,
				MemoryUsage: mem,
			}
			c.mu.Unlock()
			c.send(protocol.TypeHeartbeat, hb)
		}
	}
}

// send writes a frame if connected, suppressing repeated disconnected
// warnings to one per second.
func (c *Client) send(msgType string, payload any) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		if c.throttle.Allow(throttleNotConnected) {
			c.logger.Warn().Str("message_type", msgType).Msg("not connected, message dropped")
		}
		return
	}
	if err := conn.Send(msgType, payload); err != nil {
		c.logger.Debug().Str("message_type", msgType).Err(err).Msg("send failed")
	}
}

// nextReconnectDelay returns min(base * 2^attempts, max) and advances
// the attempt counter.
func (c *Client) nextReconnectDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	delay := backoffDelay(c.reconnectBase, c.cfg.ReconnectMax, c.reconnectAttempts)
	c.reconnectAttempts++
	return delay
}

func backoffDelay(base, max time.Duration, attempts int) time.Duration {
	if attempts > 30 {
		return max
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempts)))
	if d > max || d <= 0 {
		return max
	}
	return d
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// shutdown cancels every active job, waits for them to drain up to the
// configured ceiling, then closes the socket regardless. Safe to call
// from both the session watcher and Run's exit path.
func (c *Client) shutdown() {
	c.shutdownOnce.Do(c.doShutdown)
}

func (c *Client) doShutdown() {
	c.mu.Lock()
	for _, job := range c.jobs {
		job.cancelled = true
		if job.reason == "" {
			job.reason = "encoder shutting down"
		}
		job.cancel()
	}
	pending := len(c.jobs)
	conn := c.conn
	c.mu.Unlock()

	if pending > 0 {
		c.logger.Info().Int("active_jobs", pending).Msg("draining jobs before shutdown")
		done := make(chan struct{})
		go func() {
			c.jobWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(c.cfg.DrainTimeout):
			c.logger.Warn().Msg("drain ceiling reached, closing anyway")
		}
	}

	if conn != nil {
		conn.Close()
	}
	c.setState(StateOffline)
	c.logger.Info().Msg("encoder stopped")
}
