// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedEncoders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fetcharr_fleet_connected_encoders",
		Help: "Number of currently registered encoder nodes",
	})

	activeEncodeJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fetcharr_fleet_active_jobs",
		Help: "Number of encode jobs currently assigned to the fleet",
	})

	jobAssignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetcharr_fleet_job_assignments_total",
		Help: "Job assignment attempts by outcome (accepted, rejected, no_capacity)",
	}, []string{"outcome"})

	jobCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetcharr_fleet_job_completions_total",
		Help: "Terminal job reports by outcome (complete, failed, cancelled)",
	}, []string{"outcome"})

	heartbeatAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fetcharr_fleet_heartbeat_age_seconds",
		Help: "Seconds since the last heartbeat per encoder node",
	}, []string{"encoder_id"})
)

// SetConnectedEncoders records the current fleet size.
func SetConnectedEncoders(n int) { connectedEncoders.Set(float64(n)) }

// SetActiveEncodeJobs records the number of in-flight encode jobs.
func SetActiveEncodeJobs(n int) { activeEncodeJobs.Set(float64(n)) }

// RecordJobAssignment counts one assignment attempt outcome.
func RecordJobAssignment(outcome string) { jobAssignments.WithLabelValues(outcome).Inc() }

// RecordJobCompletion counts one terminal job report.
func RecordJobCompletion(outcome string) { jobCompletions.WithLabelValues(outcome).Inc() }

// SetHeartbeatAge records the last-heartbeat age for an encoder.
func SetHeartbeatAge(encoderID string, seconds float64) {
	heartbeatAge.WithLabelValues(encoderID).Set(seconds)
}

// DropEncoder removes per-encoder series once a node disconnects.
func DropEncoder(encoderID string) {
	heartbeatAge.DeleteLabelValues(encoderID)
}
