package relation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var relationChangesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arbor_relation_changes_recorded_total",
	Help: "The total number of relation changes written to a change log",
}, []string{"backend", "op"})

var diffEventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arbor_relation_diff_events_total",
	Help: "The total number of diff events handed out, by kind",
}, []string{"backend", "kind"})

func recordChange(backend string, c Change) {
	op := "update"
	switch {
	case c.IsCreate():
		op = "create"
	case c.IsDelete():
		op = "delete"
	}
	relationChangesRecorded.WithLabelValues(backend, op).Inc()
}

func recordDiff(backend string, d *Diff) {
	diffEventsEmitted.WithLabelValues(backend, "inserted").Add(float64(len(d.Inserted)))
	diffEventsEmitted.WithLabelValues(backend, "modified").Add(float64(len(d.Modified)))
	diffEventsEmitted.WithLabelValues(backend, "deleted").Add(float64(len(d.Deleted)))
}
