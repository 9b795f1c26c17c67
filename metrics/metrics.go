// Package metrics exposes the ambient accounting of SPEC_FULL §A.5: page
// allocations/frees, buffer-pool occupancy, relation scan counts, commit
// outcomes by kind, and sequence increments. It does not export spec.md
// §4.2's storage-footprint figures; callers get tuple_size_for_unique_*
// from tuplebox/relation directly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PagesAllocatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tuplebox_pages_allocated_total",
			Help: "Total number of pages acquired from the buffer pool.",
		},
	)

	PagesFreedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tuplebox_pages_freed_total",
			Help: "Total number of pages released back to the buffer pool.",
		},
	)

	BufferPoolBytesInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tuplebox_buffer_pool_bytes_in_use",
			Help: "Current bytes held by live pages in the buffer pool.",
		},
	)

	BoxFullTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tuplebox_box_full_total",
			Help: "Total number of allocations that failed with BoxFull.",
		},
	)

	RelationScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tuplebox_relation_scans_total",
			Help: "Total number of full relation scans, by relation name.",
		},
		[]string{"relation"},
	)

	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tuplebox_commits_total",
			Help: "Total number of transaction commit attempts, by outcome.",
		},
		[]string{"result"},
	)

	ConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tuplebox_conflicts_total",
			Help: "Total number of commit conflicts, by kind.",
		},
		[]string{"kind"},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tuplebox_commit_duration_seconds",
			Help:    "Time taken validating and applying a transaction's working set.",
			Buckets: prometheus.DefBuckets,
		},
	)

	SequenceIncrementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tuplebox_sequence_increments_total",
			Help: "Total number of sequence increments, by sequence name.",
		},
		[]string{"sequence"},
	)
)

func init() {
	prometheus.MustRegister(
		PagesAllocatedTotal,
		PagesFreedTotal,
		BufferPoolBytesInUse,
		BoxFullTotal,
		RelationScansTotal,
		CommitsTotal,
		ConflictsTotal,
		CommitDuration,
		SequenceIncrementsTotal,
	)
}

// Timer times a single operation for reporting to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration reports the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
