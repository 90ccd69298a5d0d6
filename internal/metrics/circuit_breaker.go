// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fetcharr_circuit_breaker_state",
		Help: "Circuit breaker state by service (the active state is 1, others 0)",
	}, []string{"service", "state"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetcharr_circuit_breaker_trips_total",
		Help: "Total number of circuit breaker trips (transitions to open state)",
	}, []string{"service", "reason"})
)

var circuitStates = []string{"CLOSED", "HALF_OPEN", "OPEN"}

// SetCircuitBreakerState records the active circuit breaker state for a service.
func SetCircuitBreakerState(service, state string) {
	for _, s := range circuitStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		circuitBreakerState.WithLabelValues(service, s).Set(value)
	}
}

// RecordCircuitBreakerTrip increments the trip counter when a breaker opens.
func RecordCircuitBreakerTrip(service, reason string) {
	circuitBreakerTrips.WithLabelValues(service, reason).Inc()
}
