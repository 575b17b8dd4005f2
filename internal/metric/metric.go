// Package metric exposes the sync engine's Prometheus instrumentation.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SyncRuns counts finished orchestration runs by terminal status.
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calmirror_sync_runs_total",
		Help: "Finished sync runs by terminal status",
	}, []string{"status"})

	// SyncItems counts applied diff items by operation.
	SyncItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calmirror_sync_items_total",
		Help: "Applied event diff items by operation",
	}, []string{"op"})

	// SyncRunDuration observes wall-clock duration of whole runs.
	SyncRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "calmirror_sync_run_duration_seconds",
		Help:    "Duration of sync runs",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// TokenRefreshes counts credential refresh attempts by outcome.
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calmirror_token_refreshes_total",
		Help: "OAuth token refresh attempts by outcome",
	}, []string{"outcome"})
)

// Handler returns the scrape endpoint for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
