// Package metrics holds the Prometheus collectors of the data layer. The run
// command registers them through Collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Label values shared by the collectors below.
const (
	Fail      = "fail"
	Ok        = "ok"
	Rejected  = "rejected"
	Duplicate = "duplicate"
)

// Collectors for the local store.
var (
	LocalStoreDegradedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portalsync_localstore_degraded_total",
		Help: "Cumulative number of local store operations that failed and fell back to empty-cache behavior.",
	}, []string{"op"})
	LocalStoreRecordsWrittenTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portalsync_localstore_records_written_total",
		Help: "Cumulative number of records written to the local store, by collection.",
	}, []string{"collection"})
	LocalStoreStaleSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portalsync_localstore_stale_skipped_total",
		Help: "Cumulative number of incoming records skipped because the cached copy was newer.",
	}, []string{"collection"})
)

// Collectors for the live reconciler.
var (
	ReconcilerSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portalsync_reconciler_sessions",
		Help: "Number of live reconciler sessions currently attached to the remote.",
	})
	ReconcilerSnapshotsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portalsync_reconciler_snapshots_total",
		Help: "Cumulative number of remote snapshots merged into the local store.",
	}, []string{"collection"})
	ReconcilerErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portalsync_reconciler_errors_total",
		Help: "Cumulative number of subscription errors that dropped a session to cache-only mode.",
	}, []string{"collection"})
)

// Collectors for the mutation queue and flusher.
var (
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "portalsync_queue_entries",
		Help: "Number of queue entries, by status.",
	}, []string{"status"})
	FlushWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portalsync_flush_writes_total",
		Help: "Cumulative number of remote write attempts made by the flusher, by outcome.",
	}, []string{"outcome"})
	FlushCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portalsync_flush_cycles_total",
		Help: "Cumulative number of drain cycles started.",
	})
	Online = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portalsync_online",
		Help: "1 while the connectivity signal reports online, else 0.",
	})
)

// Collectors returns all collectors defined by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		LocalStoreDegradedTotal,
		LocalStoreRecordsWrittenTotal,
		LocalStoreStaleSkippedTotal,
		ReconcilerSessions,
		ReconcilerSnapshotsTotal,
		ReconcilerErrorsTotal,
		QueueDepth,
		FlushWritesTotal,
		FlushCyclesTotal,
		Online,
	}
}
