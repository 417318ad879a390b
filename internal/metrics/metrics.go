// Package metrics provides Prometheus metrics for the pagetree engine
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics the engine exposes. Mounting a
// /metrics handler is left to the embedder (spec §6); this package only
// registers and updates the collectors.
type Metrics struct {
	// Sync coordinator metrics
	SyncTotal          *prometheus.CounterVec
	SyncPhaseDuration  *prometheus.HistogramVec
	SyncsInFlight      prometheus.Gauge

	// Page store metrics
	PageAllocationsTotal *prometheus.CounterVec
	PageFreesTotal       *prometheus.CounterVec
	PageReadsTotal       *prometheus.CounterVec
	FreelistSize         *prometheus.GaugeVec

	// WAL metrics
	WalBytesWrittenTotal prometheus.Counter
	WalFsyncDuration     prometheus.Histogram
	WalRecoveryReplays   prometheus.Counter

	// Leaf/branch update stage metrics
	LeafSplitsTotal   prometheus.Counter
	LeafMergesTotal    prometheus.Counter
	BranchSplitsTotal prometheus.Counter
	BranchMergesTotal  prometheus.Counter

	// Engine metrics
	TreeHeight      prometheus.Gauge
	EngineUptimeSeconds prometheus.Gauge
	EngineStartTime     time.Time
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		EngineStartTime: time.Now(),
	}

	m.SyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagetree_sync_total",
			Help: "Total number of syncs, by outcome",
		},
		[]string{"status"},
	)

	m.SyncPhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagetree_sync_phase_duration_seconds",
			Help:    "Duration of each sync coordinator phase in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	m.SyncsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagetree_syncs_in_flight",
			Help: "Number of syncs currently in progress (always 0 or 1)",
		},
	)

	m.PageAllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagetree_page_allocations_total",
			Help: "Total number of pages allocated, by file",
		},
		[]string{"file"},
	)

	m.PageFreesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagetree_page_frees_total",
			Help: "Total number of pages freed, by file",
		},
		[]string{"file"},
	)

	m.PageReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagetree_page_reads_total",
			Help: "Total number of page reads, by file",
		},
		[]string{"file"},
	)

	m.FreelistSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagetree_freelist_size",
			Help: "Number of pages currently on the freelist, by file",
		},
		[]string{"file"},
	)

	m.WalBytesWrittenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagetree_wal_bytes_written_total",
			Help: "Total bytes written to the WAL across all commits",
		},
	)

	m.WalFsyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pagetree_wal_fsync_duration_seconds",
			Help:    "Duration of WAL fsync calls in seconds",
			Buckets: []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
	)

	m.WalRecoveryReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagetree_wal_recovery_replays_total",
			Help: "Total number of times open() found a non-empty WAL and replayed it",
		},
	)

	m.LeafSplitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagetree_leaf_splits_total",
			Help: "Total number of overfull leaves split during the leaf update stage",
		},
	)

	m.LeafMergesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagetree_leaf_merges_total",
			Help: "Total number of underfull leaves merged during the leaf update stage",
		},
	)

	m.BranchSplitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagetree_branch_splits_total",
			Help: "Total number of overfull branches split during the branch update stage",
		},
	)

	m.BranchMergesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagetree_branch_merges_total",
			Help: "Total number of underfull branches merged during the branch update stage",
		},
	)

	m.TreeHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagetree_height",
			Help: "Current height of the tree (branch levels above the leaf level)",
		},
	)

	m.EngineUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagetree_engine_uptime_seconds",
			Help: "Engine uptime in seconds",
		},
	)

	go m.updateUptime()

	return m
}

// updateUptime periodically updates the engine uptime metric.
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.EngineUptimeSeconds.Set(time.Since(m.EngineStartTime).Seconds())
	}
}

// RecordSync records the outcome and total phase breakdown of one sync.
func (m *Metrics) RecordSync(status string, phaseDurations map[string]time.Duration) {
	m.SyncTotal.WithLabelValues(status).Inc()
	for phase, d := range phaseDurations {
		m.SyncPhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
	}
}

// RecordPageAllocation records a page allocation for the given file ("ln"
// or "bbn").
func (m *Metrics) RecordPageAllocation(file string, count int) {
	m.PageAllocationsTotal.WithLabelValues(file).Add(float64(count))
}

// RecordPageFree records pages freed for the given file.
func (m *Metrics) RecordPageFree(file string, count int) {
	m.PageFreesTotal.WithLabelValues(file).Add(float64(count))
}

// RecordPageRead records a page read for the given file.
func (m *Metrics) RecordPageRead(file string) {
	m.PageReadsTotal.WithLabelValues(file).Inc()
}

// UpdateFreelistSize sets the current freelist depth for the given file.
func (m *Metrics) UpdateFreelistSize(file string, size int) {
	m.FreelistSize.WithLabelValues(file).Set(float64(size))
}

// RecordWalWrite records one WAL blob write and its fsync duration.
func (m *Metrics) RecordWalWrite(bytes int, fsyncDuration time.Duration) {
	m.WalBytesWrittenTotal.Add(float64(bytes))
	m.WalFsyncDuration.Observe(fsyncDuration.Seconds())
}

// UpdateTreeHeight sets the current tree height gauge.
func (m *Metrics) UpdateTreeHeight(height int) {
	m.TreeHeight.Set(float64(height))
}
