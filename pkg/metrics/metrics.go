// Package metrics declares the operational counters of the mirror pipeline.
// Every drop and failure path increments a counter here so silent data loss
// never goes undetected.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// EventsDropped counts events removed from the pipeline, by reason
	// (malformed, unsupported, queue_full, shutting_down).
	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "mirror", Subsystem: "ingest", Name: "events_dropped_total", Help: "Events dropped before processing, by reason."},
		[]string{"reason"},
	)
	// BackpressureEntries counts transitions of a partition into the
	// backpressured state (audit intake full).
	BackpressureEntries = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "mirror", Subsystem: "ingest", Name: "backpressure_entries_total", Help: "Partition transitions into the backpressured state."},
	)
	// StaleWrites counts upserts rejected by the cache for carrying an older
	// sequence hint than the stored snapshot.
	StaleWrites = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "mirror", Subsystem: "cache", Name: "stale_writes_total", Help: "Upserts rejected as out-of-order."},
	)
	// CacheEvictions counts ephemeral entries removed by the LRU cap or the
	// idle-eviction janitor, by cause.
	CacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "mirror", Subsystem: "cache", Name: "evictions_total", Help: "Ephemeral cache evictions, by cause (lru, idle)."},
		[]string{"cause"},
	)
	// CacheEntries tracks the current number of cached snapshots.
	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "mirror", Subsystem: "cache", Name: "entries", Help: "Current number of cached entity snapshots."},
	)
	// AuditRowsWritten counts change records durably persisted.
	AuditRowsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "mirror", Subsystem: "audit", Name: "rows_written_total", Help: "Change records durably written."},
	)
	// AuditWriteFailures counts failed flush attempts (before retry).
	AuditWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "mirror", Subsystem: "audit", Name: "write_failures_total", Help: "Failed audit batch flush attempts."},
	)
	// AuditRecordsDropped counts records lost after retry exhaustion or
	// intake saturation.
	AuditRecordsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "mirror", Subsystem: "audit", Name: "records_dropped_total", Help: "Audit records dropped, by reason (deferred, retry_exhausted, shutdown)."},
		[]string{"reason"},
	)
	// FanoutPublished counts snapshots and tombstones written to the shared
	// cache with an invalidation notice.
	FanoutPublished = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "mirror", Subsystem: "fanout", Name: "published_total", Help: "Snapshots/tombstones published to the shared cache."},
	)
	// FanoutFailures counts best-effort publishes that did not complete.
	FanoutFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "mirror", Subsystem: "fanout", Name: "publish_failures_total", Help: "Failed fanout publishes."},
	)
)

func init() {
	_ = prometheus.Register(EventsDropped)
	_ = prometheus.Register(BackpressureEntries)
	_ = prometheus.Register(StaleWrites)
	_ = prometheus.Register(CacheEvictions)
	_ = prometheus.Register(CacheEntries)
	_ = prometheus.Register(AuditRowsWritten)
	_ = prometheus.Register(AuditWriteFailures)
	_ = prometheus.Register(AuditRecordsDropped)
	_ = prometheus.Register(FanoutPublished)
	_ = prometheus.Register(FanoutFailures)
}
