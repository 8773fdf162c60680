// Package metrics exposes Prometheus instrumentation for the buffer pool and
// B+tree index. A single Registry is constructed once and threaded into the
// components that care, the way pkg/telemetry used to hand a Meter to
// instrumented components in the wider gojodb tree.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every counter/gauge the indexing core records. All
// metrics are collected through a dedicated prometheus.Registry rather than
// the global default, so embedding callers can mount it on whatever path
// they like (or not mount it at all in tests).
type Registry struct {
	reg *prometheus.Registry

	BufferPoolHits      prometheus.Counter
	BufferPoolMisses    prometheus.Counter
	BufferPoolEvictions prometheus.Counter
	PagesPinned         prometheus.Gauge
	DirtyPagesFlushed   prometheus.Counter

	BTreeSplits        prometheus.Counter
	BTreeCoalesces     prometheus.Counter
	BTreeRedistributes prometheus.Counter
	BTreeHeight        prometheus.Gauge
}

// New builds a Registry with every metric registered under the "gojodb"
// namespace and the given subsystem, mirroring the naming convention the
// teacher's telemetry package used for its OTel instruments.
func New(subsystem string) *Registry {
	reg := prometheus.NewRegistry()

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gojodb",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gojodb",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(g)
		return g
	}

	return &Registry{
		reg: reg,

		BufferPoolHits:      counter("buffer_pool_hits_total", "Page fetches served from the buffer pool without a disk read."),
		BufferPoolMisses:    counter("buffer_pool_misses_total", "Page fetches that required a disk read."),
		BufferPoolEvictions: counter("buffer_pool_evictions_total", "Frames reclaimed from the replacer to make room for a new page."),
		PagesPinned:         gauge("pages_pinned", "Number of frames currently pinned."),
		DirtyPagesFlushed:   counter("dirty_pages_flushed_total", "Dirty pages written back to disk, whether by eviction or explicit flush."),

		BTreeSplits:        counter("btree_splits_total", "Leaf or internal node splits performed during insert."),
		BTreeCoalesces:     counter("btree_coalesces_total", "Sibling coalesce operations performed during delete."),
		BTreeRedistributes: counter("btree_redistributes_total", "Sibling redistribute operations performed during delete."),
		BTreeHeight:        gauge("btree_height", "Current height of the tree, root counted as level 0."),
	}
}

// Gatherer exposes the underlying registry for mounting on an HTTP
// /metrics handler by the embedding application.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
