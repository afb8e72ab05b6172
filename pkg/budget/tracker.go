package budget

import (
	"context"
	"errors"
	"time"
)

// Reason names the counter that stopped an execution.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonNodes
	ReasonDepth
	ReasonElapsed
	ReasonResults
	ReasonDeadline
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonNodes:
		return "max_nodes_visited"
	case ReasonDepth:
		return "max_depth"
	case ReasonElapsed:
		return "max_elapsed"
	case ReasonResults:
		return "max_results"
	case ReasonDeadline:
		return "deadline"
	default:
		return "unknown"
	}
}

// Stats summarizes what an execution consumed.
type Stats struct {
	Visited   int
	Results   int
	Depth     int
	Elapsed   time.Duration
	Truncated bool
	Reason    Reason
}

// Tracker consumes a Budget during one execution. Checks are cooperative:
// callers ask before each visit or expansion and stop when refused. A
// Tracker is used by a single goroutine.
type Tracker struct {
	ctx    context.Context
	budget Budget
	start  time.Time

	visited int
	results int
	depth   int

	// stopped is set once a visit or elapsed-time counter runs out; every
	// later check fails. Depth and result refusals do not stop the walk.
	stopped   bool
	truncated bool
	reason    Reason
	err       error
}

// NewTracker starts tracking b. A nil ctx is treated as context.Background.
func NewTracker(ctx context.Context, b Budget) *Tracker {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Tracker{ctx: ctx, budget: b, start: time.Now()}
}

// Budget returns the tracked budget.
func (t *Tracker) Budget() Budget { return t.budget }

func (t *Tracker) truncate(r Reason) {
	t.truncated = true
	if t.reason == ReasonNone {
		t.reason = r
	}
}

// Check tests the elapsed time and the context. A passed deadline truncates
// the result; an explicit cancellation is recorded as the error.
func (t *Tracker) Check() bool {
	if t.stopped {
		return false
	}
	if err := t.ctx.Err(); err != nil {
		t.stopped = true
		if errors.Is(err, context.DeadlineExceeded) {
			t.truncate(ReasonDeadline)
		} else {
			t.err = err
		}
		return false
	}
	if t.budget.MaxElapsed > 0 && time.Since(t.start) > t.budget.MaxElapsed {
		t.stopped = true
		t.truncate(ReasonElapsed)
		return false
	}
	return true
}

// Visit consumes one unit for an entity or relationship visit. It returns
// false, without consuming, once the budget is spent.
func (t *Tracker) Visit() bool {
	if !t.Check() {
		return false
	}
	if t.budget.MaxNodesVisited > 0 && t.visited >= t.budget.MaxNodesVisited {
		t.stopped = true
		t.truncate(ReasonNodes)
		return false
	}
	t.visited++
	return true
}

// Allows reports whether depth is within MaxDepth. Unlike Descend it records
// neither the depth nor a truncation.
func (t *Tracker) Allows(depth int) bool {
	return t.budget.MaxDepth <= 0 || depth <= t.budget.MaxDepth
}

// Descend reports whether an expansion may reach depth hops from its seed.
// A refused expansion truncates the result but the walk continues with
// other branches.
func (t *Tracker) Descend(depth int) bool {
	if t.budget.MaxDepth > 0 && depth > t.budget.MaxDepth {
		t.truncate(ReasonDepth)
		return false
	}
	if depth > t.depth {
		t.depth = depth
	}
	return true
}

// Emit reserves one result row. It returns false when MaxResults rows were
// already produced, which also marks the result as truncated since the
// caller had another row.
func (t *Tracker) Emit() bool {
	if t.budget.MaxResults > 0 && t.results >= t.budget.MaxResults {
		t.truncate(ReasonResults)
		return false
	}
	t.results++
	return true
}

// Stopped reports whether the walk must end.
func (t *Tracker) Stopped() bool { return t.stopped }

// Truncated reports whether any counter cut the result short.
func (t *Tracker) Truncated() bool { return t.truncated }

// Reason returns the first counter that truncated the result.
func (t *Tracker) Reason() Reason { return t.reason }

// Err returns the cancellation error, if the context was canceled.
func (t *Tracker) Err() error { return t.err }

// Visited returns the number of consumed visit units.
func (t *Tracker) Visited() int { return t.visited }

// Stats returns a snapshot of the counters.
func (t *Tracker) Stats() Stats {
	return Stats{
		Visited:   t.visited,
		Results:   t.results,
		Depth:     t.depth,
		Elapsed:   time.Since(t.start),
		Truncated: t.truncated,
		Reason:    t.reason,
	}
}
