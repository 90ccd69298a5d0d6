// SPDX-License-Identifier: MIT

// Package resilience distinguishes "this operation failed" from "this
// whole service is down": per-service circuit breakers gate retries, and
// the retry strategy turns classified errors into schedule decisions.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/log"
	"github.com/fetcharr/fetcharr/internal/metrics"
)

// clock abstracts time operations for testability.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

const (
	defaultFailureThreshold = 5
	defaultOpenBase         = 30 * time.Second
	defaultOpenMax          = 10 * time.Minute
)

// CircuitBreakerService tracks per-service health. It owns its store so
// tests can instantiate isolated instances; nothing here is a module
// singleton.
type CircuitBreakerService struct {
	mu        sync.Mutex
	store     BreakerStore
	threshold int
	openBase  time.Duration
	openMax   time.Duration
	clock     clock
	logger    zerolog.Logger
}

// BreakerOption configures the service.
type BreakerOption func(*CircuitBreakerService)

func WithClock(c clock) BreakerOption {
	return func(s *CircuitBreakerService) { s.clock = c }
}

func WithFailureThreshold(n int) BreakerOption {
	return func(s *CircuitBreakerService) {
		if n > 0 {
			s.threshold = n
		}
	}
}

func WithOpenBackoff(base, max time.Duration) BreakerOption {
	return func(s *CircuitBreakerService) {
		if base > 0 {
			s.openBase = base
		}
		if max > 0 {
			s.openMax = max
		}
	}
}

// NewCircuitBreakerService creates a breaker service backed by the given
// store.
func NewCircuitBreakerService(store BreakerStore, opts ...BreakerOption) *CircuitBreakerService {
	s := &CircuitBreakerService{
		store:     store,
		threshold: defaultFailureThreshold,
		openBase:  defaultOpenBase,
		openMax:   defaultOpenMax,
		clock:     realClock{},
		logger:    log.WithComponent("breaker"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsAvailable reports whether the service may be called. An OPEN breaker
// whose opensAt has passed auto-transitions to HALF_OPEN and lets the
// next probe through.
func (s *CircuitBreakerService) IsAvailable(ctx context.Context, service string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.Get(ctx, service)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.State != StateOpen {
		return true, nil
	}
	if s.clock.Now().Before(rec.OpensAt) {
		return false, nil
	}

	rec.State = StateHalfOpen
	if err := s.store.Put(ctx, rec); err != nil {
		return false, err
	}
	metrics.SetCircuitBreakerState(service, string(StateHalfOpen))
	s.logger.Info().
		Str(log.FieldService, service).
		Str("event", "breaker.half_open").
		Msg("breaker cooled down, allowing probe")
	return true, nil
}

// RecordFailure increments the consecutive failure count, opening the
// breaker once the threshold is crossed. The open window grows with the
// consecutive failure count.
func (s *CircuitBreakerService) RecordFailure(ctx context.Context, service string, cause error) (*BreakerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	rec, err := s.store.Get(ctx, service)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &BreakerRecord{Service: service, State: StateClosed}
	}

	rec.Failures++
	rec.LastFailure = now

	switch {
	case rec.State == StateHalfOpen:
		// Failed probe: straight back to OPEN.
		rec.State = StateOpen
		rec.OpensAt = now.Add(s.openWindow(rec.Failures))
		metrics.RecordCircuitBreakerTrip(service, "half_open_failure")
	case rec.State == StateClosed && rec.Failures >= s.threshold:
		rec.State = StateOpen
		rec.OpensAt = now.Add(s.openWindow(rec.Failures))
		metrics.RecordCircuitBreakerTrip(service, "threshold_exceeded")
	case rec.State == StateOpen:
		rec.OpensAt = now.Add(s.openWindow(rec.Failures))
	}

	if err := s.store.Put(ctx, rec); err != nil {
		return nil, err
	}
	metrics.SetCircuitBreakerState(service, string(rec.State))
	if rec.State == StateOpen {
		s.logger.Warn().
			Str(log.FieldService, service).
			Int("failures", rec.Failures).
			Time("opens_at", rec.OpensAt).
			Err(cause).
			Str("event", "breaker.open").
			Msg("service marked down")
	}
	out := *rec
	return &out, nil
}

// RecordSuccess closes the breaker. A single success in HALF_OPEN fully
// closes it; there is no gradual ramp.
func (s *CircuitBreakerService) RecordSuccess(ctx context.Context, service string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.Get(ctx, service)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	wasOpen := rec.State != StateClosed
	rec.Failures = 0
	rec.State = StateClosed
	rec.OpensAt = time.Time{}
	if err := s.store.Put(ctx, rec); err != nil {
		return err
	}
	metrics.SetCircuitBreakerState(service, string(StateClosed))
	if wasOpen {
		s.logger.Info().
			Str(log.FieldService, service).
			Str("event", "breaker.closed").
			Msg("service recovered")
	}
	return nil
}

// Info exposes the breaker record so callers can compute a skipUntil.
// Returns (nil, nil) when the service has never failed.
func (s *CircuitBreakerService) Info(ctx context.Context, service string) (*BreakerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Get(ctx, service)
}

// List returns all known breaker records for health views.
func (s *CircuitBreakerService) List(ctx context.Context) ([]*BreakerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.List(ctx)
}

// openWindow grows proportionally with consecutive failures, capped.
func (s *CircuitBreakerService) openWindow(failures int) time.Duration {
	d := time.Duration(failures) * s.openBase
	if d > s.openMax {
		d = s.openMax
	}
	if d < s.openBase {
		d = s.openBase
	}
	return d
}
