package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FeedPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "bus_tracking", Name: "feed_polls_total", Help: "Tracking polls by outcome"},
		[]string{"outcome"},
	)
	FeedPollsSkipped  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "bus_tracking", Name: "feed_polls_skipped_total", Help: "Polls skipped because a fetch was still in flight"})
	FeedPollLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "bus_tracking", Name: "feed_poll_latency_seconds", Help: "Tracking fetch latency seconds"})
	VehiclesTracked   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "bus_tracking", Name: "vehicles_tracked", Help: "Vehicles with a live poller"})
	VehiclesDegraded  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "bus_tracking", Name: "vehicles_degraded", Help: "Vehicles whose feed is degraded"})
	TrackerDropsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "bus_tracking", Name: "tracker_dropped_updates_total", Help: "Position updates rejected as malformed"})

	BookingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "bus_tracking", Name: "booking_transitions_total", Help: "Booking status transitions"},
		[]string{"status"},
	)
	BookingLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "bus_tracking", Name: "booking_latency_seconds", Help: "Reserve round-trip latency seconds"})

	SearchCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "bus_tracking", Name: "search_cache_total", Help: "Fleet search cache lookups by result"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "bus_tracking", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bus_tracking",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
