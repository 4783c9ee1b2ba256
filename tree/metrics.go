package tree

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var indexPasses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "arbor_index_passes_total",
	Help: "The total number of non-empty index maintenance passes",
})

var indexPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "arbor_index_pass_duration_seconds",
	Help:    "A histogram of index maintenance pass latencies",
	Buckets: prometheus.ExponentialBuckets(0.0001, 3, 14),
})

var indexEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arbor_index_events_total",
	Help: "The total number of relation events applied to the index, by kind",
}, []string{"kind"})

var parentMaterializations = promauto.NewCounter(prometheus.CounterOpts{
	Name: "arbor_index_parent_materializations_total",
	Help: "The total number of parent indices built from a relation scan",
})

var indexFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "arbor_index_failures_total",
	Help: "The total number of index passes aborted on a broken invariant",
})

var indexRebuilds = promauto.NewCounter(prometheus.CounterOpts{
	Name: "arbor_index_rebuilds_total",
	Help: "The total number of full index rebuilds",
})

var reorderCommands = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arbor_reorder_commands_total",
	Help: "The total number of reorder commands applied, by kind and resolution path",
}, []string{"kind", "path"})

var reorderFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arbor_reorder_failures_total",
	Help: "The total number of reorder commands that failed and were requeued",
}, []string{"kind"})

var keysExhausted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "arbor_reorder_keys_exhausted_total",
	Help: "The total number of moves whose key bounds left no room between them",
})

var siblingRebalances = promauto.NewCounter(prometheus.CounterOpts{
	Name: "arbor_reorder_rebalances_total",
	Help: "The total number of sibling runs renumbered to make room for a move",
})
