// Package metrics defines the Prometheus collectors for the capture
// pipeline, the fan-out hub and the reaper. Collectors register themselves
// with the default registry; the server exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CapturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hooktrap_captures_total",
		Help: "Capture attempts by outcome.",
	}, []string{"outcome"})

	CaptureBodyBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hooktrap_capture_body_bytes",
		Help:    "Received body sizes in bytes, before truncation.",
		Buckets: prometheus.ExponentialBuckets(64, 4, 8),
	})

	RateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hooktrap_ratelimit_denials_total",
		Help: "Captures denied by the rate limiter, by key scope.",
	}, []string{"scope"})

	FanoutPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hooktrap_fanout_published_total",
		Help: "Events delivered to subscriber buffers.",
	})

	FanoutDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hooktrap_fanout_dropped_total",
		Help: "Events lost because a subscriber buffer overflowed.",
	})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hooktrap_subscribers",
		Help: "Live subscribers currently registered with the hub.",
	})

	EndpointsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hooktrap_endpoints_created_total",
		Help: "Endpoints created.",
	})

	ReaperExpiredEndpoints = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hooktrap_reaper_expired_endpoints_total",
		Help: "Endpoints transitioned to expired by the reaper.",
	})

	ReaperPurgedEndpoints = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hooktrap_reaper_purged_endpoints_total",
		Help: "Endpoints permanently removed by the reaper.",
	})

	ReaperDeletedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hooktrap_reaper_deleted_requests_total",
		Help: "Captured requests removed by record retention.",
	})
)
