// Package metrics exposes the Prometheus collectors of the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts handled requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oncelink_http_requests_total",
			Help: "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oncelink_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RedemptionsTotal counts redemption outcomes by taxonomy tag ("ok" on
	// success). Token values never appear in label values.
	RedemptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oncelink_redemptions_total",
			Help: "Total number of redemption attempts by outcome.",
		},
		[]string{"outcome"},
	)
)
