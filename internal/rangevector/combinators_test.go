package rangevector

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func rows(pairs ...[2]int64) []Row {
	out := make([]Row, len(pairs))
	for i, p := range pairs {
		out[i] = Row{TimestampMs: p[0], Value: float64(p[1])}
	}
	return out
}

func TestMergeNonOverlapping(t *testing.T) {
	a := NewSliceCursor(rows([2]int64{1, 10}, [2]int64{3, 30}))
	b := NewSliceCursor(rows([2]int64{2, 20}, [2]int64{4, 40}))
	merged := Merge([]RowCursor{a, b})

	out, err := Drain(merged)
	require.NoError(t, err)
	require.Equal(t, []Row{
		{TimestampMs: 1, Value: 10},
		{TimestampMs: 2, Value: 20},
		{TimestampMs: 3, Value: 30},
		{TimestampMs: 4, Value: 40},
	}, out)
}

// TestMergeSimultaneousNonNaNEmitsNaN grounds the stitcher's tie-breaking
// rule from spec §4.2: two non-NaN values at the same timestamp collapse
// to NaN.
func TestMergeSimultaneousNonNaNEmitsNaN(t *testing.T) {
	a := NewSliceCursor(rows([2]int64{5, 1}))
	b := NewSliceCursor(rows([2]int64{5, 2}))
	merged := Merge([]RowCursor{a, b})

	out, err := Drain(merged)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.True(t, math.IsNaN(out[0].Value))
}

func TestCloseClosesAllUpstreams(t *testing.T) {
	closed := 0
	onClose := func() error { closed++; return nil }
	a := NewSliceCursorWithClose(nil, onClose)
	b := NewSliceCursorWithClose(nil, onClose)
	merged := Merge([]RowCursor{a, b})
	require.NoError(t, merged.Close())
	require.Equal(t, 2, closed)
}

func TestConcatOrdersByUpstream(t *testing.T) {
	a := NewSliceCursor(rows([2]int64{9, 1}, [2]int64{1, 2}))
	b := NewSliceCursor(rows([2]int64{0, 3}))
	out, err := Drain(Concat([]RowCursor{a, b}))
	require.NoError(t, err)
	require.Equal(t, []int64{9, 1, 0}, []int64{out[0].TimestampMs, out[1].TimestampMs, out[2].TimestampMs})
}
