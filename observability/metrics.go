// Package observability provides Prometheus metrics and tracing setup for the
// VoltGrid services.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// CHANNEL METRICS
// =============================================================================

var (
	channelStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voltgrid_channel_state_transitions_total",
			Help: "Total channel state machine transitions",
		},
		[]string{"channel", "from", "to"},
	)

	pollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voltgrid_poll_cycles_total",
			Help: "Total polling cycles executed",
		},
		[]string{"channel", "status"}, // status: success, error
	)

	pollDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voltgrid_poll_duration_seconds",
			Help:    "Polling cycle duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"channel"},
	)

	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voltgrid_commands_total",
			Help: "Total commands executed by protocol channels",
		},
		[]string{"channel", "status"}, // status: success, failed
	)
)

// ChannelTransition records one state machine transition.
func ChannelTransition(channel, from, to string) {
	channelStateTransitions.WithLabelValues(channel, from, to).Inc()
}

// PollCycle records one completed polling cycle.
func PollCycle(channel, status string, seconds float64) {
	pollCyclesTotal.WithLabelValues(channel, status).Inc()
	pollDurationSeconds.WithLabelValues(channel).Observe(seconds)
}

// Command records one executed command.
func Command(channel, status string) {
	commandsTotal.WithLabelValues(channel, status).Inc()
}

// =============================================================================
// PUBLISHER METRICS
// =============================================================================

var (
	publisherBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voltgrid_publisher_batch_size",
			Help:    "Entries per change publisher flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"service"},
	)

	publisherDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voltgrid_publisher_dropped_total",
			Help: "Updates dropped by the change publisher under overload",
		},
		[]string{"service"},
	)
)

// PublisherBatch records one flush.
func PublisherBatch(service string, size int) {
	publisherBatchSize.WithLabelValues(service).Observe(float64(size))
}

// PublisherDropped records one dropped update.
func PublisherDropped(service string) {
	publisherDroppedTotal.WithLabelValues(service).Inc()
}

// =============================================================================
// RELOAD METRICS
// =============================================================================

var (
	reloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voltgrid_reloads_total",
			Help: "Total configuration reloads",
		},
		[]string{"service", "status"}, // status: success, partial, error
	)

	reloadDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voltgrid_reload_duration_seconds",
			Help:    "Reload duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15},
		},
		[]string{"service"},
	)
)

// Reload records one reload outcome.
func Reload(service, status string, seconds float64) {
	reloadsTotal.WithLabelValues(service, status).Inc()
	reloadDurationSeconds.WithLabelValues(service).Observe(seconds)
}

// =============================================================================
// CALCULATION METRICS
// =============================================================================

var (
	calcEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voltgrid_calc_evaluations_total",
			Help: "Total formula evaluations",
		},
		[]string{"calculation", "status"}, // status: success, error, short_circuit
	)
)

// CalcEvaluation records one formula evaluation.
func CalcEvaluation(name, status string) {
	calcEvaluationsTotal.WithLabelValues(name, status).Inc()
}
