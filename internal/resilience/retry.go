// SPDX-License-Identifier: MIT

package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/fetcharr/fetcharr/internal/metrics"
	"github.com/fetcharr/fetcharr/internal/pipeline/model"
)

const (
	retryBase = 1 * time.Second
	retryCap  = 5 * time.Minute
	// jitterSpread is the ±10% window applied to every computed delay so
	// many items failing together do not retry in lockstep.
	jitterSpread = 0.10
)

// Decision is the outcome of the retry strategy for one failure.
type Decision struct {
	ShouldRetry bool
	// UseSkipUntil marks a dependency outage: the item is parked with
	// skipUntil and its attempt count is NOT charged.
	UseSkipUntil bool
	RetryAt      time.Time
	Reason       string
	ErrorType    ErrorType
}

// RetryStrategy classifies an error, consults the circuit breaker, and
// produces a retry decision.
type RetryStrategy struct {
	breakers *CircuitBreakerService
	clock    clock
	jitter   func() float64 // uniform in [0,1)
}

// RetryOption configures a RetryStrategy.
type RetryOption func(*RetryStrategy)

func WithRetryClock(c clock) RetryOption {
	return func(s *RetryStrategy) { s.clock = c }
}

// WithJitterSource overrides the jitter source; tests pass a constant.
func WithJitterSource(fn func() float64) RetryOption {
	return func(s *RetryStrategy) { s.jitter = fn }
}

// NewRetryStrategy builds a strategy over the given breaker service.
func NewRetryStrategy(breakers *CircuitBreakerService, opts ...RetryOption) *RetryStrategy {
	s := &RetryStrategy{
		breakers: breakers,
		clock:    realClock{},
		jitter:   rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Decide applies the retry policy for a failed operation on item.
// service is optional; when set and the error looks like a connectivity
// problem, the breaker for that service is consulted: if the service is
// down the item is parked without charging an attempt, because the fault
// is the dependency's, not the item's.
func (s *RetryStrategy) Decide(ctx context.Context, item *model.ProcessingItem, cause error, service string) (Decision, error) {
	errType := Classify(cause)

	if item.Attempts >= item.MaxAttempts {
		metrics.RecordRetryDecision(string(errType), "give_up")
		return Decision{Reason: "max attempts reached", ErrorType: errType}, nil
	}

	if errType == ErrorPermanent {
		metrics.RecordRetryDecision(string(errType), "give_up")
		return Decision{Reason: "permanent error", ErrorType: errType}, nil
	}

	if service != "" && (errType == ErrorNetwork || errType == ErrorTimeout) {
		available, err := s.breakers.IsAvailable(ctx, service)
		if err != nil {
			return Decision{}, err
		}
		if !available {
			info, err := s.breakers.Info(ctx, service)
			if err != nil {
				return Decision{}, err
			}
			metrics.RecordRetryDecision(string(errType), "skip_until")
			return Decision{
				ShouldRetry:  true,
				UseSkipUntil: true,
				RetryAt:      info.OpensAt,
				Reason:       "service " + service + " is down, waiting for recovery",
				ErrorType:    errType,
			}, nil
		}
		if _, err := s.breakers.RecordFailure(ctx, service, cause); err != nil {
			return Decision{}, err
		}
	}

	retryAt := s.clock.Now().Add(s.backoff(errType, item.Attempts))
	metrics.RecordRetryDecision(string(errType), "retry")
	return Decision{
		ShouldRetry: true,
		RetryAt:     retryAt,
		Reason:      "retry scheduled",
		ErrorType:   errType,
	}, nil
}

// backoff is exponential with ±10% jitter. Rate limits back off harder
// than ordinary connectivity hiccups.
func (s *RetryStrategy) backoff(errType ErrorType, attempts int) time.Duration {
	multiplier := 2.0
	if errType == ErrorRateLimit {
		multiplier = 3.0
	}
	delay := time.Duration(float64(retryBase) * math.Pow(multiplier, float64(attempts)))
	if delay > retryCap || delay <= 0 {
		delay = retryCap
	}
	factor := 1 - jitterSpread + 2*jitterSpread*s.jitter()
	return time.Duration(float64(delay) * factor)
}

// BuildErrorRecord captures one failure for the item's bounded history.
func BuildErrorRecord(now time.Time, cause error, errType ErrorType, attempts int) model.ErrorRecord {
	return model.ErrorRecord{
		Timestamp: now,
		Error:     cause.Error(),
		ErrorType: string(errType),
		Attempts:  attempts,
	}
}
