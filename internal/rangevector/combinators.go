package rangevector

import "math"

// MapCursor lazily applies fn to every row of an upstream cursor. Closing a
// MapCursor closes upstream, satisfying the Close-propagation contract.
type MapCursor struct {
	upstream RowCursor
	fn       func(Row) Row
	cur      Row
}

// Map returns a cursor producing fn(row) for every row of upstream.
func Map(upstream RowCursor, fn func(Row) Row) RowCursor {
	return &MapCursor{upstream: upstream, fn: fn}
}

func (m *MapCursor) Next() bool {
	if !m.upstream.Next() {
		return false
	}
	m.cur = m.fn(m.upstream.Row())
	return true
}
func (m *MapCursor) Row() Row    { return m.cur }
func (m *MapCursor) Err() error  { return m.upstream.Err() }
func (m *MapCursor) Close() error { return m.upstream.Close() }

// FilterCursor lazily drops rows for which keep returns false.
type FilterCursor struct {
	upstream RowCursor
	keep     func(Row) bool
}

// Filter returns a cursor producing only rows for which keep returns true.
func Filter(upstream RowCursor, keep func(Row) bool) RowCursor {
	return &FilterCursor{upstream: upstream, keep: keep}
}

func (f *FilterCursor) Next() bool {
	for f.upstream.Next() {
		if f.keep(f.upstream.Row()) {
			return true
		}
	}
	return false
}
func (f *FilterCursor) Row() Row    { return f.upstream.Row() }
func (f *FilterCursor) Err() error  { return f.upstream.Err() }
func (f *FilterCursor) Close() error { return f.upstream.Close() }

// mergeCursor performs an n-way ascending-timestamp merge of a small
// number of upstream cursors, used by the stitcher (spec §4.2: "n is
// small; linear scan beats a heap"). On simultaneous non-NaN values from
// more than one source for the same timestamp, it emits NaN (the
// unable-to-calculate sentinel); a non-NaN value uniquely present at a
// timestamp wins.
type mergeCursor struct {
	upstreams []RowCursor
	heads     []*Row // nil once a cursor is exhausted
	started   bool
	cur       Row
}

// Merge n-way merges upstreams by ascending timestamp per the stitcher's
// tie-breaking rule.
func Merge(upstreams []RowCursor) RowCursor {
	return &mergeCursor{upstreams: upstreams, heads: make([]*Row, len(upstreams))}
}

func (m *mergeCursor) fill(i int) {
	if m.heads[i] != nil {
		return
	}
	if m.upstreams[i].Next() {
		r := m.upstreams[i].Row()
		m.heads[i] = &r
	}
}

func (m *mergeCursor) Next() bool {
	if !m.started {
		for i := range m.upstreams {
			m.fill(i)
		}
		m.started = true
	}

	minTs := int64(0)
	found := false
	for _, h := range m.heads {
		if h == nil {
			continue
		}
		if !found || h.TimestampMs < minTs {
			minTs = h.TimestampMs
			found = true
		}
	}
	if !found {
		return false
	}

	var values []float64
	for i, h := range m.heads {
		if h != nil && h.TimestampMs == minTs {
			values = append(values, h.Value)
			m.heads[i] = nil
			m.fill(i)
		}
	}

	m.cur = Row{TimestampMs: minTs, Value: mergeTieBreak(values)}
	return true
}

func mergeTieBreak(values []float64) float64 {
	if len(values) == 1 {
		return values[0]
	}
	var nonNaN float64
	count := 0
	for _, v := range values {
		if !math.IsNaN(v) {
			nonNaN = v
			count++
		}
	}
	if count == 1 {
		return nonNaN
	}
	return math.NaN()
}

func (m *mergeCursor) Row() Row { return m.cur }
func (m *mergeCursor) Err() error {
	for _, u := range m.upstreams {
		if err := u.Err(); err != nil {
			return err
		}
	}
	return nil
}
func (m *mergeCursor) Close() error {
	var first error
	for _, u := range m.upstreams {
		if err := u.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Concat lazily interleaves upstreams in order, upstream-by-upstream (used
// by concat-reducers, as opposed to Merge's timestamp-aware interleave used
// by aggregate-reducers and the stitcher).
func Concat(upstreams []RowCursor) RowCursor {
	return &concatCursor{upstreams: upstreams}
}

type concatCursor struct {
	upstreams []RowCursor
	idx       int
}

func (c *concatCursor) Next() bool {
	for c.idx < len(c.upstreams) {
		if c.upstreams[c.idx].Next() {
			return true
		}
		c.idx++
	}
	return false
}
func (c *concatCursor) Row() Row { return c.upstreams[c.idx].Row() }
func (c *concatCursor) Err() error {
	for _, u := range c.upstreams {
		if err := u.Err(); err != nil {
			return err
		}
	}
	return nil
}
func (c *concatCursor) Close() error {
	var first error
	for _, u := range c.upstreams {
		if err := u.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
