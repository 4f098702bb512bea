package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "course_dispatch", Name: "transitions_total", Help: "Course transitions by action and outcome"},
		[]string{"action", "outcome"},
	)
	NotificationsFannedOut = promauto.NewCounter(prometheus.CounterOpts{Namespace: "course_dispatch", Name: "notifications_fanned_out_total", Help: "Notification records created by fan-out"})
	FanoutFailures         = promauto.NewCounter(prometheus.CounterOpts{Namespace: "course_dispatch", Name: "fanout_failures_total", Help: "Fan-out events aborted or partially failed"})
	SamplesAccepted        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "course_dispatch", Name: "position_samples_accepted_total", Help: "Position fixes accepted for transmission"})
	SamplesDropped         = promauto.NewCounter(prometheus.CounterOpts{Namespace: "course_dispatch", Name: "position_samples_dropped_total", Help: "Position fixes dropped by the throttling rule"})
	DriversConnected       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "course_dispatch", Name: "drivers_connected", Help: "Drivers with an open realtime channel"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "course_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "course_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
