// Package metrics wires the engine's counters and gauges through
// prometheus/client_golang, adapted from the storage-metrics subset of
// the graph-storage sibling's pkg/metrics.Registry (metrics_types.go,
// init_storage.go) down to what an embedded single-writer engine emits.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds the engine's Prometheus collectors.
type Registry struct {
	WritesTotal      *prometheus.CounterVec
	BytesWritten     prometheus.Counter
	FlushesTotal     prometheus.Counter
	WALRotationsTotal prometheus.Counter
	MemTableSizeBytes prometheus.Gauge
	SwapDuration     prometheus.Histogram
}

// New creates a Registry backed by reg. Pass prometheus.NewRegistry()
// for an isolated registry (tests, multiple engine instances), or
// prometheus.DefaultRegisterer to expose metrics process-wide.
func New(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	return &Registry{
		WritesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lsmkv_writes_total",
				Help: "Total number of put/delete calls accepted by the engine.",
			},
			[]string{"op"},
		),
		BytesWritten: f.NewCounter(
			prometheus.CounterOpts{
				Name: "lsmkv_bytes_written_total",
				Help: "Total bytes of key+value data written to the WAL.",
			},
		),
		FlushesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "lsmkv_flushes_total",
				Help: "Total number of memtable-to-SSTable flushes.",
			},
		),
		WALRotationsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "lsmkv_wal_rotations_total",
				Help: "Total number of WAL rotations performed during swap.",
			},
		),
		MemTableSizeBytes: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "lsmkv_memtable_size_bytes",
				Help: "Current data_size of the read-write memtable.",
			},
		),
		SwapDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lsmkv_swap_duration_seconds",
				Help:    "Duration of the memtable swap procedure.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
	}
}

// NewNop returns a Registry backed by a throwaway registry, for callers
// that don't want to wire metrics up to anything.
func NewNop() *Registry {
	return New(prometheus.NewRegistry())
}
