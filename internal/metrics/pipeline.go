// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pipelineTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetcharr_pipeline_transitions_total",
		Help: "Total pipeline status transitions by (from, to)",
	}, []string{"from", "to"})

	itemsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fetcharr_items_by_status",
		Help: "Current number of processing items per status",
	}, []string{"status"})

	retryDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetcharr_retry_decisions_total",
		Help: "Retry strategy outcomes by error type and decision",
	}, []string{"error_type", "decision"})
)

// RecordTransition counts a committed pipeline status transition.
func RecordTransition(from, to string) {
	pipelineTransitions.WithLabelValues(from, to).Inc()
}

// SetItemsByStatus records the current queue depth for a status.
func SetItemsByStatus(status string, n int) {
	itemsByStatus.WithLabelValues(status).Set(float64(n))
}

// RecordRetryDecision counts an outcome of the retry strategy.
// decision is one of "retry", "skip_until", "give_up".
func RecordRetryDecision(errorType, decision string) {
	retryDecisions.WithLabelValues(errorType, decision).Inc()
}
