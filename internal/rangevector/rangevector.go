// Package rangevector implements RangeVector, the streaming (key, rows)
// pair every execution operator consumes and produces (spec §3, §4.2), and
// the small set of pull-based combinators (Map, Merge, Concat) operators
// are built from.
package rangevector

// Row is one (timestamp, value) pair.
type Row struct {
	TimestampMs int64
	Value       float64
}

// OutputRange declares the nominal time grid a RangeVector's rows were
// resampled onto, set by PeriodicSamplesMapper and consumed by downstream
// instant/aggregate transforms that need to know the query's step.
type OutputRange struct {
	StartMs, EndMs, StepMs int64
}

// RowCursor is a lazy, forward-only, pull-based iterator over Rows,
// ordered ascending by timestamp. Every cursor must have Close called
// exactly once by its consumer; Close must release any upstream resources
// and propagate to any cursors it wraps (spec §5 / §12's Close-propagation
// contract), so cancelling a query genuinely stops in-flight shard scans.
type RowCursor interface {
	// Next advances to the next row and reports whether one was
	// available. Once Next returns false, the cursor is exhausted.
	Next() bool
	// Row returns the current row; valid only after Next returned true.
	Row() Row
	// Err returns the first error encountered, if any.
	Err() error
	// Close releases resources and propagates to upstream cursors.
	Close() error
}

// RangeVector is a keyed stream: Key groups rows for presentation (e.g. the
// label set of a series, or grouping-label values for an aggregate), Rows
// is the lazy cursor, and OutputRange optionally declares the result's
// time grid.
type RangeVector struct {
	Key         map[string]string
	Rows        RowCursor
	OutputRange *OutputRange
}

// SliceCursor adapts an in-memory []Row to RowCursor, the common case for
// leaf scans and any transform that must materialize its output to apply a
// windowed function.
type SliceCursor struct {
	rows []Row
	pos  int
	err  error
	onClose func() error
}

// NewSliceCursor wraps rows (already ascending by timestamp) as a cursor.
func NewSliceCursor(rows []Row) *SliceCursor { return &SliceCursor{rows: rows, pos: -1} }

// NewSliceCursorWithClose is NewSliceCursor plus an onClose hook, used to
// propagate Close to an upstream resource (e.g. a shard scan handle) that
// produced rows.
func NewSliceCursorWithClose(rows []Row, onClose func() error) *SliceCursor {
	return &SliceCursor{rows: rows, pos: -1, onClose: onClose}
}

func (c *SliceCursor) Next() bool {
	if c.pos+1 >= len(c.rows) {
		return false
	}
	c.pos++
	return true
}

func (c *SliceCursor) Row() Row { return c.rows[c.pos] }
func (c *SliceCursor) Err() error { return c.err }
func (c *SliceCursor) Close() error {
	if c.onClose != nil {
		return c.onClose()
	}
	return nil
}

// Drain reads every remaining row out of a cursor into a slice. Intended
// for tests and for transforms that must materialize a window; hot-path
// production operators should prefer to pull incrementally.
func Drain(c RowCursor) ([]Row, error) {
	var out []Row
	for c.Next() {
		out = append(out, c.Row())
	}
	return out, c.Err()
}
