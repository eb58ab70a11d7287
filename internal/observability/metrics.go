package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SuggestionFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_composer", Name: "suggestion_fetches_total", Help: "Suggestion fetches issued, by outcome"},
		[]string{"outcome"},
	)
	SuggestionStaleDiscarded = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_composer", Name: "suggestion_stale_discarded_total", Help: "Suggestion responses dropped because a newer query was issued"})
	DebounceCancelled        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_composer", Name: "debounce_cancelled_total", Help: "Pending debounced tasks superseded before running"})
	GeocodeFallbacks         = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_composer", Name: "geocode_fallbacks_total", Help: "Geocode failures recovered with a fallback label or unresolved point"},
		[]string{"op"},
	)
	GeocodeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "ride_composer", Name: "geocode_latency_seconds", Help: "Geocoder upstream latency", Buckets: prometheus.DefBuckets},
		[]string{"op"},
	)
	RecencyEntriesDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_composer", Name: "recency_entries_dropped_total", Help: "Malformed recency entries filtered on load"})
	Submissions           = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_composer", Name: "submissions_total", Help: "Ride submissions by mode and outcome"},
		[]string{"mode", "outcome"},
	)
	ValidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_composer", Name: "validation_failures_total", Help: "Pre-submission validation failures by rule"},
		[]string{"rule"},
	)
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_composer", Name: "sessions_active", Help: "Composer sessions currently open"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_composer", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_composer",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
