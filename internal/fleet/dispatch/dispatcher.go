// SPDX-License-Identifier: MIT

// Package dispatch is the server side of the encoder fleet protocol. It
// accepts encoder connections, tracks their capacity and liveness, and
// assigns encode jobs to the least-loaded node with free slots.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/fleet/protocol"
	"github.com/fetcharr/fetcharr/internal/log"
	"github.com/fetcharr/fetcharr/internal/metrics"
)

// ErrNoCapacity means no live encoder has a free slot right now.
var ErrNoCapacity = errors.New("no encoder capacity available")

// ErrUnknownJob means the job is not tracked on any connected node.
var ErrUnknownJob = errors.New("unknown job")

const (
	defaultLivenessWindow = 90 * time.Second
	defaultSweepInterval  = 30 * time.Second

	// Reconnect hint broadcast with server:shutdown so the fleet does
	// not stampede a restarting dispatcher.
	shutdownReconnectDelay = 10 * time.Second
)

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Job is one unit of encode work handed to the fleet.
type Job struct {
	ID         string
	InputPath  string
	OutputPath string
	Config     protocol.EncodingConfig
}

// activeJob is the dispatcher's view of an in-flight assignment.
type activeJob struct {
	job        Job
	assignedAt time.Time
	accepted   bool
}

// session is one connected encoder.
type session struct {
	conn *protocol.Conn

	id            string
	gpuDevice     string
	hostname      string
	version       string
	maxConcurrent int
	capabilities  []string

	lastHeartbeat time.Time
	reportedJobs  int
	jobs          map[string]*activeJob
}

// NodeInfo is a point-in-time snapshot of one fleet node, served by the
// admin API.
type NodeInfo struct {
	EncoderID     string    `json:"encoderId"`
	GPUDevice     string    `json:"gpuDevice"`
	Hostname      string    `json:"hostname"`
	Version       string    `json:"version"`
	MaxConcurrent int       `json:"maxConcurrent"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	ActiveJobs    int       `json:"activeJobs"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Alive         bool      `json:"alive"`
}

// Callbacks receive job lifecycle events. All callbacks run on the
// connection's read goroutine; implementations must not block.
type Callbacks struct {
	OnProgress func(encoderID string, p protocol.JobProgress)
	OnComplete func(encoderID string, c protocol.JobComplete)
	OnFailed   func(encoderID string, f protocol.JobFailed)
}

// Dispatcher serves the fleet protocol over a listener.
type Dispatcher struct {
	mu       sync.RWMutex
	nodes    map[string]*session
	jobIndex map[string]string // jobID -> encoderID

	callbacks      Callbacks
	clock          clock
	livenessWindow time.Duration
	sweepInterval  time.Duration
	logger         zerolog.Logger

	wg      sync.WaitGroup
	closing chan struct{}
	once    sync.Once
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the wall clock, for tests.
func WithClock(c clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithLivenessWindow sets how long a node may go without heartbeats
// before being excluded from scheduling.
func WithLivenessWindow(w time.Duration) Option {
	return func(d *Dispatcher) { d.livenessWindow = w }
}

// WithSweepInterval sets how often the liveness sweep runs.
func WithSweepInterval(i time.Duration) Option {
	return func(d *Dispatcher) { d.sweepInterval = i }
}

// WithCallbacks subscribes to job lifecycle events.
func WithCallbacks(cb Callbacks) Option {
	return func(d *Dispatcher) { d.callbacks = cb }
}

// New builds a Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		nodes:          make(map[string]*session),
		jobIndex:       make(map[string]string),
		clock:          realClock{},
		livenessWindow: defaultLivenessWindow,
		sweepInterval:  defaultSweepInterval,
		logger:         log.WithComponent("dispatch"),
		closing:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Serve accepts encoder connections until the listener is closed or ctx
// is cancelled. It always returns a non-nil error, net.ErrClosed after
// a clean shutdown.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	d.wg.Add(1)
	go d.sweepLoop(ctx)

	go func() {
		select {
		case <-ctx.Done():
		case <-d.closing:
		}
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleConn(conn)
		}()
	}
}

// Close broadcasts server:shutdown to every node, closes all
// connections, and waits for handler goroutines to drain.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.closing) })

	env, _ := protocol.Seal(protocol.TypeServerShutdown, protocol.ServerShutdown{
		ReconnectDelay: shutdownReconnectDelay,
	})

	d.mu.Lock()
	for _, node := range d.nodes {
		if err := node.conn.SendEnvelope(env); err != nil {
			d.logger.Debug().Str(log.FieldEncoderID, node.id).Err(err).Msg("shutdown notice failed")
		}
		node.conn.Close()
	}
	d.mu.Unlock()

	d.wg.Wait()
}

// handleConn owns one encoder connection from handshake to teardown.
func (d *Dispatcher) handleConn(raw net.Conn) {
	conn := protocol.NewConn(raw)
	remote := raw.RemoteAddr().String()

	node, err := d.register(conn)
	if err != nil {
		d.logger.Warn().Str(log.FieldRemote, remote).Err(err).Msg("registration failed")
		conn.Close()
		return
	}

	d.logger.Info().
		Str(log.FieldEncoderID, node.id).
		Str(log.FieldGPUDevice, node.gpuDevice).
		Str(log.FieldHostname, node.hostname).
		Int("max_concurrent", node.maxConcurrent).
		Msg("encoder registered")

	d.readLoop(node)
	d.dropNode(node, "connection closed")
}

// register performs the opening handshake: the first frame must be a
// register message.
func (d *Dispatcher) register(conn *protocol.Conn) (*session, error) {
	env, err := conn.Receive()
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if env.Type != protocol.TypeRegister {
		return nil, fmt.Errorf("expected %s, got %s", protocol.TypeRegister, env.Type)
	}
	var reg protocol.Register
	if err := env.Decode(&reg); err != nil {
		return nil, err
	}
	if reg.EncoderID == "" {
		return nil, errors.New("register without encoderId")
	}
	if reg.MaxConcurrent <= 0 {
		reg.MaxConcurrent = 1
	}

	node := &session{
		conn:          conn,
		id:            reg.EncoderID,
		gpuDevice:     reg.GPUDevice,
		hostname:      reg.Hostname,
		version:       reg.Version,
		maxConcurrent: reg.MaxConcurrent,
		capabilities:  reg.Capabilities,
		lastHeartbeat: d.clock.Now(),
		reportedJobs:  reg.CurrentJobs,
		jobs:          make(map[string]*activeJob),
	}

	d.mu.Lock()
	var orphans []string
	if prev, ok := d.nodes[reg.EncoderID]; ok {
		// A reconnect beat the old connection's teardown. The newest
		// socket wins.
		d.logger.Warn().Str(log.FieldEncoderID, reg.EncoderID).Msg("duplicate registration, replacing session")
		prev.conn.Close()
		orphans = d.forgetJobsLocked(prev)
	}
	d.nodes[reg.EncoderID] = node
	total := len(d.nodes)
	d.mu.Unlock()

	metrics.SetConnectedEncoders(total)
	d.reportOrphans(reg.EncoderID, orphans, "session replaced")

	if err := conn.Send(protocol.TypeRegistered, protocol.Registered{EncoderID: reg.EncoderID}); err != nil {
		d.dropNode(node, "registered ack failed")
		return nil, fmt.Errorf("send registered: %w", err)
	}
	return node, nil
}

// readLoop processes frames from one node until the connection dies.
func (d *Dispatcher) readLoop(node *session) {
	for {
		env, err := node.conn.Receive()
		if err != nil {
			return
		}
		switch env.Type {
		case protocol.TypeHeartbeat:
			d.onHeartbeat(node, env)
		case protocol.TypeJobAccepted:
			d.onJobAccepted(node, env)
		case protocol.TypeJobProgress:
			d.onJobProgress(node, env)
		case protocol.TypeJobComplete:
			d.onJobComplete(node, env)
		case protocol.TypeJobFailed:
			d.onJobFailed(node, env)
		default:
			d.logger.Warn().
				Str(log.FieldEncoderID, node.id).
				Str("message_type", env.Type).
				Msg("unknown message type ignored")
		}
	}
}

func (d *Dispatcher) onHeartbeat(node *session, env protocol.Envelope) {
	var hb protocol.Heartbeat
	if err := env.Decode(&hb); err != nil {
		d.logger.Warn().Str(log.FieldEncoderID, node.id).Err(err).Msg("bad heartbeat")
		return
	}
	d.mu.Lock()
	node.lastHeartbeat = d.clock.Now()
	node.reportedJobs = hb.CurrentJobs
	d.mu.Unlock()

	metrics.SetHeartbeatAge(node.id, 0)
	if err := node.conn.Send(protocol.TypePong, protocol.Pong{EncoderID: node.id}); err != nil {
		d.logger.Debug().Str(log.FieldEncoderID, node.id).Err(err).Msg("pong failed")
	}
}

func (d *Dispatcher) onJobAccepted(node *session, env protocol.Envelope) {
	var acc protocol.JobAccepted
	if err := env.Decode(&acc); err != nil {
		return
	}
	d.mu.Lock()
	if aj, ok := node.jobs[acc.JobID]; ok {
		aj.accepted = true
	}
	d.mu.Unlock()
	d.logger.Info().
		Str(log.FieldEncoderID, node.id).
		Str(log.FieldJobID, acc.JobID).
		Msg("job accepted")
}

func (d *Dispatcher) onJobProgress(node *session, env protocol.Envelope) {
	var p protocol.JobProgress
	if err := env.Decode(&p); err != nil {
		return
	}
	if d.callbacks.OnProgress != nil {
		d.callbacks.OnProgress(node.id, p)
	}
}

func (d *Dispatcher) onJobComplete(node *session, env protocol.Envelope) {
	var c protocol.JobComplete
	if err := env.Decode(&c); err != nil {
		return
	}
	d.removeJob(node, c.JobID)
	metrics.RecordJobCompletion("success")
	d.logger.Info().
		Str(log.FieldEncoderID, node.id).
		Str(log.FieldJobID, c.JobID).
		Str(log.FieldOutputPath, c.OutputPath).
		Msg("job complete")
	if d.callbacks.OnComplete != nil {
		d.callbacks.OnComplete(node.id, c)
	}
}

func (d *Dispatcher) onJobFailed(node *session, env protocol.Envelope) {
	var f protocol.JobFailed
	if err := env.Decode(&f); err != nil {
		return
	}
	d.removeJob(node, f.JobID)
	metrics.RecordJobCompletion("failed")
	d.logger.Warn().
		Str(log.FieldEncoderID, node.id).
		Str(log.FieldJobID, f.JobID).
		Bool("retriable", f.Retriable).
		Str("error", f.Error).
		Msg("job failed")
	if d.callbacks.OnFailed != nil {
		d.callbacks.OnFailed(node.id, f)
	}
}

// Assign hands the job to the least-loaded live encoder with a free
// slot. It returns the chosen encoder's id.
func (d *Dispatcher) Assign(ctx context.Context, job Job) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	d.mu.Lock()
	node := d.pickNodeLocked()
	if node == nil {
		d.mu.Unlock()
		metrics.RecordJobAssignment("no_capacity")
		return "", ErrNoCapacity
	}
	node.jobs[job.ID] = &activeJob{job: job, assignedAt: d.clock.Now()}
	d.jobIndex[job.ID] = node.id
	active := d.activeJobsLocked()
	d.mu.Unlock()

	metrics.SetActiveEncodeJobs(active)

	if err := node.conn.Send(protocol.TypeJobAssign, protocol.JobAssign{
		JobID:          job.ID,
		InputPath:      job.InputPath,
		OutputPath:     job.OutputPath,
		EncodingConfig: job.Config,
	}); err != nil {
		d.removeJob(node, job.ID)
		metrics.RecordJobAssignment("send_failed")
		return "", fmt.Errorf("assign %s to %s: %w", job.ID, node.id, err)
	}

	metrics.RecordJobAssignment("assigned")
	d.logger.Info().
		Str(log.FieldJobID, job.ID).
		Str(log.FieldEncoderID, node.id).
		Str(log.FieldInputPath, job.InputPath).
		Msg("job assigned")
	return node.id, nil
}

// pickNodeLocked selects the live node with the most free capacity,
// breaking ties by id for determinism.
func (d *Dispatcher) pickNodeLocked() *session {
	cutoff := d.clock.Now().Add(-d.livenessWindow)

	candidates := make([]*session, 0, len(d.nodes))
	for _, node := range d.nodes {
		if node.lastHeartbeat.Before(cutoff) {
			continue
		}
		if len(node.jobs) >= node.maxConcurrent {
			continue
		}
		candidates = append(candidates, node)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		fi := candidates[i].maxConcurrent - len(candidates[i].jobs)
		fj := candidates[j].maxConcurrent - len(candidates[j].jobs)
		if fi != fj {
			return fi > fj
		}
		return candidates[i].id < candidates[j].id
	})
	return candidates[0]
}

// Cancel asks the owning encoder to abort the job.
func (d *Dispatcher) Cancel(jobID, reason string) error {
	d.mu.RLock()
	encoderID, ok := d.jobIndex[jobID]
	var node *session
	if ok {
		node = d.nodes[encoderID]
	}
	d.mu.RUnlock()

	if node == nil {
		return fmt.Errorf("cancel %s: %w", jobID, ErrUnknownJob)
	}
	return node.conn.Send(protocol.TypeJobCancel, protocol.JobCancel{JobID: jobID, Reason: reason})
}

// Snapshot returns the current fleet view.
func (d *Dispatcher) Snapshot() []NodeInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	cutoff := d.clock.Now().Add(-d.livenessWindow)
	out := make([]NodeInfo, 0, len(d.nodes))
	for _, node := range d.nodes {
		out = append(out, NodeInfo{
			EncoderID:     node.id,
			GPUDevice:     node.gpuDevice,
			Hostname:      node.hostname,
			Version:       node.version,
			MaxConcurrent: node.maxConcurrent,
			Capabilities:  node.capabilities,
			ActiveJobs:    len(node.jobs),
			LastHeartbeat: node.lastHeartbeat,
			Alive:         !node.lastHeartbeat.Before(cutoff),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EncoderID < out[j].EncoderID })
	return out
}

// removeJob drops one job from the node and global index.
func (d *Dispatcher) removeJob(node *session, jobID string) {
	d.mu.Lock()
	delete(node.jobs, jobID)
	delete(d.jobIndex, jobID)
	active := d.activeJobsLocked()
	d.mu.Unlock()
	metrics.SetActiveEncodeJobs(active)
}

// dropNode tears down a dead session. In-flight jobs on the node are
// reported failed-retriable so the work gets rescheduled.
func (d *Dispatcher) dropNode(node *session, reason string) {
	node.conn.Close()

	d.mu.Lock()
	if d.nodes[node.id] != node {
		// A newer session for this encoder already replaced us.
		d.mu.Unlock()
		return
	}
	delete(d.nodes, node.id)
	orphans := d.forgetJobsLocked(node)
	total := len(d.nodes)
	active := d.activeJobsLocked()
	d.mu.Unlock()

	metrics.SetConnectedEncoders(total)
	metrics.SetActiveEncodeJobs(active)
	metrics.DropEncoder(node.id)

	d.logger.Info().
		Str(log.FieldEncoderID, node.id).
		Str("reason", reason).
		Int("orphaned_jobs", len(orphans)).
		Msg("encoder disconnected")

	d.reportOrphans(node.id, orphans, reason)
}

// reportOrphans surfaces jobs lost with their session as retriable
// failures so the scheduler re-queues them.
func (d *Dispatcher) reportOrphans(encoderID string, jobIDs []string, reason string) {
	for _, jobID := range jobIDs {
		metrics.RecordJobCompletion("orphaned")
		if d.callbacks.OnFailed != nil {
			d.callbacks.OnFailed(encoderID, protocol.JobFailed{
				JobID:     jobID,
				Error:     fmt.Sprintf("encoder disconnected: %s", reason),
				Retriable: true,
			})
		}
	}
}

// forgetJobsLocked clears the node's jobs from the index and returns
// their ids. Caller holds d.mu and dispatches failure callbacks after
// releasing it.
func (d *Dispatcher) forgetJobsLocked(node *session) []string {
	ids := make([]string, 0, len(node.jobs))
	for jobID := range node.jobs {
		delete(d.jobIndex, jobID)
		ids = append(ids, jobID)
	}
	node.jobs = make(map[string]*activeJob)
	return ids
}

func (d *Dispatcher) activeJobsLocked() int {
	n := 0
	for _, node := range d.nodes {
		n += len(node.jobs)
	}
	return n
}

// sweepLoop periodically reports heartbeat age so stale nodes are
// visible before they drop.
func (d *Dispatcher) sweepLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.closing:
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

func (d *Dispatcher) sweep() {
	now := d.clock.Now()
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, node := range d.nodes {
		age := now.Sub(node.lastHeartbeat)
		metrics.SetHeartbeatAge(node.id, age.Seconds())
		if age > d.livenessWindow {
			d.logger.Warn().
				Str(log.FieldEncoderID, node.id).
				Dur("heartbeat_age", age).
				Msg("encoder presumed dead, excluded from scheduling")
		}
	}
}
