// Package metrics holds the prometheus instruments shared by the merge
// engine, the replica coordinator and the store server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MergesTotal counts merges by result: identical, fast_forward,
	// same_changes, replayed, cached or error.
	MergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treesync_merges_total",
		Help: "Total merges by result",
	}, []string{"result"})

	MergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "treesync_merge_duration_seconds",
		Help:    "Time spent replaying divergent history",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	ReplayedOps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "treesync_merge_replayed_operations",
		Help:    "Number of operations replayed per merge",
		Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
	})

	DroppedOps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treesync_merge_dropped_operations_total",
		Help: "Operations that had no effect on the merged tree",
	})

	// CASAttempts counts compare-and-swap attempts of the coordinator by
	// direction (local, remote) and outcome (ok, conflict, locked).
	CASAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treesync_replica_cas_attempts_total",
		Help: "Compare-and-swap attempts by direction and outcome",
	}, []string{"direction", "outcome"})

	PublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treesync_replica_publish_failures_total",
		Help: "Failed attempts to publish a version to the remote branch",
	})

	Divergence = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "treesync_replica_divergence",
		Help: "Consecutive liveness checks with local and remote versions differing",
	}, []string{"branch"})

	TickTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treesync_replica_tick_timeouts_total",
		Help: "Reconciliation ticks cancelled by the watchdog",
	})

	StoreRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treesync_store_requests_total",
		Help: "Store server requests by route and status code",
	}, []string{"route", "code"})

	StoreListeners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "treesync_store_listeners",
		Help: "Open branch listen connections",
	})
)
