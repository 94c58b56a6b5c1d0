// Package diag counts what the walkers had to skip. Corrupted input is the
// normal case for a crash dump, so these counters are how a report says how
// much of it was trustworthy.
package diag

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registerer prometheus.Registerer

	readFailures     *prometheus.CounterVec
	prunedEdges      *prometheus.CounterVec
	zeroFilledChunks prometheus.Counter
	compressedPages  *prometheus.CounterVec
	truncatedWalks   *prometheus.CounterVec
}

// NewMetrics registers the counters with reg. A nil reg keeps them
// unregistered but usable.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		registerer: reg,

		readFailures: registerOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ramdump_read_failures_total",
			Help: "Total number of structure reads that failed and were replaced by an empty value.",
		}, []string{"component"})),
		prunedEdges: registerOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ramdump_pruned_edges_total",
			Help: "Total number of tree edges dropped because parent and child disagreed.",
		}, []string{"component"})),
		zeroFilledChunks: registerOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ramdump_zero_filled_chunks_total",
			Help: "Total number of page chunks returned as zeros because they could not be translated.",
		})),
		compressedPages: registerOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ramdump_compressed_pages_total",
			Help: "Total number of swapped out pages looked up in compressed memory, by result.",
		}, []string{"result"})),
		truncatedWalks: registerOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ramdump_truncated_walks_total",
			Help: "Total number of traversals cut short by a cycle or a hop bound.",
		}, []string{"component"})),
	}
}

// registerOrGet registers c, returning the already registered collector if
// an identical one exists.
func registerOrGet[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	err := reg.Register(c)
	if err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector.(T)
		}
		panic(err)
	}
	return c
}

func (m *Metrics) ReadFailure(component string) {
	if m == nil {
		return
	}
	m.readFailures.WithLabelValues(component).Inc()
}

func (m *Metrics) PrunedEdge(component string) {
	if m == nil {
		return
	}
	m.prunedEdges.WithLabelValues(component).Inc()
}

func (m *Metrics) ZeroFilled() {
	if m == nil {
		return
	}
	m.zeroFilledChunks.Inc()
}

// CompressedPage records a compressed memory lookup; result is "ok",
// "same_filled" or "failed".
func (m *Metrics) CompressedPage(result string) {
	if m == nil {
		return
	}
	m.compressedPages.WithLabelValues(result).Inc()
}

func (m *Metrics) TruncatedWalk(component string) {
	if m == nil {
		return
	}
	m.truncatedWalks.WithLabelValues(component).Inc()
}

// Unregister removes the counters from the registerer they were created with.
func (m *Metrics) Unregister() {
	if m == nil || m.registerer == nil {
		return
	}
	m.registerer.Unregister(m.readFailures)
	m.registerer.Unregister(m.prunedEdges)
	m.registerer.Unregister(m.zeroFilledChunks)
	m.registerer.Unregister(m.compressedPages)
	m.registerer.Unregister(m.truncatedWalks)
}

// Collectors exposes the counters for reporting.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.readFailures, m.prunedEdges, m.zeroFilledChunks, m.compressedPages, m.truncatedWalks}
}
