package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Backup loop metrics
	SessionsBackedUpTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keysafe_sessions_backed_up_total",
			Help: "Total number of group sessions successfully backed up",
		},
	)

	SessionsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keysafe_sessions_pending",
			Help: "Number of group sessions waiting to be backed up",
		},
	)

	BackupChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keysafe_backup_chunks_total",
			Help: "Total number of backup chunk uploads",
		},
		[]string{"result"}, // ok, wrong_version, error
	)

	BackupChunkDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keysafe_backup_chunk_duration_seconds",
			Help:    "Duration of one backup chunk upload round-trip",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
	)

	// State machine metrics
	StateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keysafe_state_transitions_total",
			Help: "Total number of backup state transitions",
		},
		[]string{"from", "to"},
	)

	// Restore metrics
	SessionsRestoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keysafe_sessions_restored_total",
			Help: "Total number of group sessions processed during restore",
		},
		[]string{"result"}, // imported, failed
	)

	// Key export metrics
	ExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keysafe_exports_total",
			Help: "Total number of key export operations",
		},
		[]string{"result"}, // ok, error
	)
)

// ObserveChunk records one chunk upload outcome and duration.
func ObserveChunk(result string, start time.Time) {
	BackupChunksTotal.WithLabelValues(result).Inc()
	BackupChunkDuration.Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
