package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	APICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricsync_api_calls_total",
			Help: "Total analytics service API calls",
		},
		[]string{"endpoint", "status"},
	)

	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metricsync_api_latency_seconds",
			Help:    "Analytics service API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricsync_token_refreshes_total",
			Help: "Total token refresh attempts",
		},
		[]string{"outcome"},
	)

	FetchCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricsync_fetch_cycles_total",
			Help: "Fetch cycles by final disposition",
		},
		[]string{"outcome"}, // "committed", "superseded", "error"
	)

	OverlayFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricsync_overlay_fetches_total",
			Help: "Overlay fetches by concern and disposition",
		},
		[]string{"concern", "outcome"},
	)

	ForecastCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricsync_forecast_cache_total",
			Help: "Forecast overlay cache lookups",
		},
		[]string{"result"}, // "hit", "miss"
	)
)
