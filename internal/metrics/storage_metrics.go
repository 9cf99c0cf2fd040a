// =============================================================================
// STORAGE METRICS - PERSISTENCE
// =============================================================================
//
// The persistence scheduler moves every partition's unsaved buffer to disk.
// These metrics describe those passes:
//
//   strata_storage_save_runs_total          SaveMessages executions
//   strata_storage_messages_saved_total     messages moved to segment files
//   strata_storage_save_errors_total        passes that returned an error
//   strata_storage_save_duration_seconds    wall time of a pass, fsync included
//
// ALERTING:
//   # Any failing save means messages are piling up in memory
//   increase(strata_storage_save_errors_total[10m]) > 0
//
// The size of what is on disk is reported by the snapshot collector, not here.
//
// =============================================================================

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StorageMetrics describes persistence passes.
type StorageMetrics struct {
	SaveRuns      prometheus.Counter
	MessagesSaved prometheus.Counter
	SaveErrors    prometheus.Counter
	SaveDuration  prometheus.Histogram
}

func newStorageMetrics(r *Registry) *StorageMetrics {
	m := &StorageMetrics{}

	m.SaveRuns = r.newCounter(prometheus.CounterOpts{
		Subsystem: "storage",
		Name:      "save_runs_total",
		Help:      "Total number of persistence passes",
	})
	m.MessagesSaved = r.newCounter(prometheus.CounterOpts{
		Subsystem: "storage",
		Name:      "messages_saved_total",
		Help:      "Total number of messages moved from unsaved buffers to segments",
	})
	m.SaveErrors = r.newCounter(prometheus.CounterOpts{
		Subsystem: "storage",
		Name:      "save_errors_total",
		Help:      "Total number of persistence passes that failed",
	})
	m.SaveDuration = r.newHistogram(prometheus.HistogramOpts{
		Subsystem: "storage",
		Name:      "save_duration_seconds",
		Help:      "Duration of a persistence pass including fsync",
	})
	return m
}

// RecordSave records one pass. A failed pass may still have saved some
// partitions, so count is added either way.
func (m *StorageMetrics) RecordSave(count int, duration time.Duration, err error) {
	m.SaveRuns.Inc()
	m.MessagesSaved.Add(float64(count))
	m.SaveDuration.Observe(duration.Seconds())
	if err != nil {
		m.SaveErrors.Inc()
	}
}
