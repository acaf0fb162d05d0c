package stream

import "github.com/prometheus/client_golang/prometheus"

// Metric label values.
const (
	resultSuccess     = "success"
	resultFailure     = "failure"
	resultUnavailable = "unavailable"
	resultRun         = "run"
	resultError       = "error"
	resultTimeout     = "timeout"
	resultEvicted     = "evicted"
)

var (
	reconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ember_stream_reconnects_total",
			Help: "Total number of stream connection attempts, by result.",
		},
		[]string{"result"},
	)

	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ember_stream_pending_requests",
			Help: "Number of submitted workflow executions awaiting completion.",
		},
	)

	completionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ember_stream_completions_total",
			Help: "Total number of completed workflow execution requests, by result.",
		},
		[]string{"result"},
	)

	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ember_stream_submissions_total",
			Help: "Total number of workflow execution submissions, by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(reconnectsTotal)
	prometheus.MustRegister(pendingRequests)
	prometheus.MustRegister(completionsTotal)
	prometheus.MustRegister(submissionsTotal)

	// Pre-initialize label combinations so they appear in /metrics before first use.
	for _, r := range []string{resultSuccess, resultFailure} {
		reconnectsTotal.WithLabelValues(r)
	}
	for _, r := range []string{resultRun, resultError, resultTimeout, resultEvicted} {
		completionsTotal.WithLabelValues(r)
	}
	for _, r := range []string{resultSuccess, resultFailure, resultUnavailable} {
		submissionsTotal.WithLabelValues(r)
	}
}
