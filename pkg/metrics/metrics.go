// Package metrics defines the operational metrics hooks of NornicGraph.
//
// Components report through the Collector interface. Noop discards
// everything and is the default; Prometheus exports counters and latency
// histograms through a caller-supplied registry.
//
// Example:
//
//	reg := prometheus.NewRegistry()
//	collector, err := metrics.NewPrometheus(reg, "nornicgraph")
//	if err != nil {
//		return err
//	}
//	db, err := graphdb.Open(cfg, graphdb.WithMetrics(collector))
package metrics

import (
	"time"
)

// Commit outcomes reported to RecordCommit.
const (
	OutcomeCommitted  = "committed"
	OutcomeConflict   = "conflict"
	OutcomeConstraint = "constraint"
	OutcomeError      = "error"
)

// Collector receives operational events.
type Collector interface {
	// RecordCommit is called once per commit attempt with its outcome and
	// the number of buffered writes.
	RecordCommit(outcome string, writes int, duration time.Duration)

	// RecordRollback is called for every explicit or implicit rollback.
	RecordRollback()

	// RecordQuery is called after a query or hybrid search finished.
	RecordQuery(kind string, rows int, truncated bool, duration time.Duration, err error)

	// RecordRecovery is called once after WAL replay.
	RecordRecovery(applied, discarded int, duration time.Duration)

	// RecordCheckpoint is called after each checkpoint attempt.
	RecordCheckpoint(removedSegments int, duration time.Duration, err error)
}

// Noop is a Collector that does nothing.
type Noop struct{}

func (Noop) RecordCommit(string, int, time.Duration)             {}
func (Noop) RecordRollback()                                     {}
func (Noop) RecordQuery(string, int, bool, time.Duration, error) {}
func (Noop) RecordRecovery(int, int, time.Duration)              {}
func (Noop) RecordCheckpoint(int, time.Duration, error)          {}

// OrNoop returns c, or Noop when c is nil.
func OrNoop(c Collector) Collector {
	if c == nil {
		return Noop{}
	}
	return c
}
