// Package metrics provides Prometheus instrumentation for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UpstreamRequestsTotal counts upstream chat requests by outcome.
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_upstream_requests_total",
			Help: "Total upstream chat requests by outcome.",
		},
		[]string{"outcome"}, // "success", "upstream_error", "transport_error"
	)

	// TokenRotationsTotal counts credential rotations triggered by quota
	// exhaustion responses.
	TokenRotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_token_rotations_total",
			Help: "Total credential rotations after quota exhaustion.",
		},
	)

	// PoolExhaustedTotal counts streams terminated because no credential
	// was left in the pool.
	PoolExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_token_pool_exhausted_total",
			Help: "Total streams terminated with an empty token pool.",
		},
	)

	// StreamFragmentsTotal counts content fragments decoded from upstream
	// SSE streams.
	StreamFragmentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_stream_fragments_total",
			Help: "Total content fragments decoded from upstream streams.",
		},
	)

	// RequestLatency tracks end-to-end request latency of the HTTP
	// front-end in seconds.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_request_latency_seconds",
			Help:    "End-to-end request latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"handler"},
	)
)
