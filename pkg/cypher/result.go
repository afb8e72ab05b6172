package cypher

// Result is a lazy, finite, non-restartable sequence of rows. It is not
// safe for concurrent use.
type Result struct {
	columns []string
	root    operator
	x       *execution

	buffered []*record
	eager    bool

	cur     *record
	err     error
	done    bool
	closed  bool
	onClose []func(*Result)
}

// drain runs the pipeline to completion, keeping the rows for later reads.
func (r *Result) drain() error {
	r.eager = true
	for {
		rec, err := r.root.next()
		if err != nil {
			return err
		}
		if rec == nil {
			break
		}
		if len(r.columns) > 0 {
			r.buffered = append(r.buffered, rec)
		}
	}
	return r.x.tracker.Err()
}

func (r *Result) pull() (*record, error) {
	if r.eager {
		if len(r.buffered) == 0 {
			return nil, nil
		}
		rec := r.buffered[0]
		r.buffered = r.buffered[1:]
		return rec, nil
	}
	if len(r.columns) == 0 {
		return nil, nil
	}
	rec, err := r.root.next()
	if err == nil && rec == nil {
		err = r.x.tracker.Err()
	}
	return rec, err
}

// Next advances to the next row. It returns false when the rows are
// exhausted, the budget ran out or an error occurred; check Err and
// Truncated to tell these apart.
func (r *Result) Next() bool {
	if r.done || r.closed {
		return false
	}
	rec, err := r.pull()
	switch {
	case err != nil:
		r.err = err
	case rec == nil:
	case !r.x.tracker.Emit():
	default:
		r.cur = rec
		return true
	}
	r.cur = nil
	r.done = true
	return false
}

// Columns returns the column names in RETURN order.
func (r *Result) Columns() []string { return r.columns }

// Values returns the current row in column order.
func (r *Result) Values() []any {
	if r.cur == nil {
		return nil
	}
	return r.cur.out
}

// Row returns the current row keyed by column name.
func (r *Result) Row() map[string]any {
	if r.cur == nil {
		return nil
	}
	row := make(map[string]any, len(r.columns))
	for i, c := range r.columns {
		row[c] = r.cur.out[i]
	}
	return row
}

// Err returns the error that ended iteration, if any.
func (r *Result) Err() error { return r.err }

// Truncated reports whether the budget cut the result short.
func (r *Result) Truncated() bool { return r.x.tracker.Truncated() }

// Stats returns the counters consumed so far.
func (r *Result) Stats() Stats { return r.x.stats() }

// OnClose registers fn to run once when the result is closed.
func (r *Result) OnClose(fn func(*Result)) {
	r.onClose = append(r.onClose, fn)
}

// Close releases the result. Rows not yet read are discarded.
func (r *Result) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.cur = nil
	r.buffered = nil
	for _, fn := range r.onClose {
		fn(r)
	}
	return nil
}

// All reads the remaining rows and closes the result.
func (r *Result) All() ([]map[string]any, error) {
	defer r.Close()
	var rows []map[string]any
	for r.Next() {
		rows = append(rows, r.Row())
	}
	return rows, r.Err()
}
