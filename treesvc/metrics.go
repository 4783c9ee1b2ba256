package treesvc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "arbor_cycle_duration_seconds",
	Help:    "A histogram of service cycle latencies",
	Buckets: prometheus.ExponentialBuckets(0.0001, 3, 14),
})

var cycleErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "arbor_cycle_errors_total",
	Help: "The total number of service cycles that returned an error",
})

var commandsQueued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "arbor_commands_queued_total",
	Help: "The total number of reorder commands queued",
})

var pendingCommands = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "arbor_commands_pending",
	Help: "Reorder commands left in the queue after the last cycle",
})

var commandsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "arbor_commands_discarded_total",
	Help: "The total number of queued reorder commands discarded by an operator",
})
