// Package metrics holds the Prometheus collectors for backend calls.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation label values.
const (
	OpEmbed    = "embed"
	OpGenerate = "generate"
)

// Status label values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

var (
	// BackendRequestsTotal counts remote calls by operation and outcome.
	BackendRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opeakit_backend_requests_total",
			Help: "Total number of requests sent to the model-serving backend",
		},
		[]string{"operation", "status"},
	)

	// BackendRequestDuration measures remote call latency. Buckets span a fast
	// embedding call up to a long generation.
	BackendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opeakit_backend_request_duration_seconds",
			Help:    "Duration of backend requests in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)

	// EmbeddedTextsTotal counts texts successfully embedded.
	EmbeddedTextsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opeakit_embedded_texts_total",
			Help: "Total number of texts embedded",
		},
	)

	// GeneratedRepliesTotal counts replies returned by generation calls.
	GeneratedRepliesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opeakit_generated_replies_total",
			Help: "Total number of replies generated",
		},
	)
)

// Observe records one backend call.
func Observe(op string, seconds float64, err error) {
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	BackendRequestsTotal.WithLabelValues(op, status).Inc()
	BackendRequestDuration.WithLabelValues(op).Observe(seconds)
}
