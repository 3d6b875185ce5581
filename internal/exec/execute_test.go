package exec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/promshard/internal/chunkstore"
	"github.com/dreamware/promshard/internal/execplan"
	"github.com/dreamware/promshard/internal/index"
	"github.com/dreamware/promshard/internal/rangevector"
	"github.com/dreamware/promshard/internal/schema"
)

func setupStoreWithRate(t *testing.T) (*chunkstore.TimeSeriesMemStore, schema.Ref) {
	t.Helper()
	store := chunkstore.New(nil)
	ref := schema.Ref{Dataset: "prometheus"}
	require.NoError(t, store.Setup(ref, 0, schema.DefaultSchemas(), chunkstore.StoreConfig{MaxChunkSize: 1000, ChunkDurationMs: 3600_000}))

	samples := make([]chunkstore.IngestSample, 0, 10)
	for i := int64(0); i < 10; i++ {
		samples = append(samples, chunkstore.IngestSample{
			Labels: map[string]string{"_metric_": "http_req_total", "_ws_": "demo", "_ns_": "app", "job": "svc"},
			Row:    chunkstore.Sample{TimestampMs: i * 10_000, Value: float64(i * 5)},
		})
	}
	_, _, _, err := store.Ingest(ref, 0, chunkstore.Batch{Samples: samples})
	require.NoError(t, err)
	return store, ref
}

func newTestSession(t *testing.T) *QuerySession {
	t.Helper()
	qs, cancel := NewQuerySession(context.Background(), DefaultPlannerParams())
	t.Cleanup(cancel)
	return qs
}

func TestExecuteLeafScanAppliesRate(t *testing.T) {
	store, ref := setupStoreWithRate(t)
	qs := newTestSession(t)

	leaf := execplan.MultiSchemaPartitionsExec{
		DatasetRef:  ref.Dataset,
		Shard:       0,
		ChunkMethod: execplan.ChunkMethod{TimeRange: execplan.TimeRange{StartMs: 0, EndMs: 90_000}},
		Filters:     []index.Filter{{LabelName: "_metric_", Value: "http_req_total"}},
	}
	node := execplan.NewLeaf(leaf, execplan.PeriodicSamplesMapper{
		StartMs: 0, EndMs: 90_000, StepMs: 30_000, WindowMs: 30_000, Function: execplan.FnRate,
	})

	res, err := Execute(qs, store, node)
	require.NoError(t, err)
	require.Len(t, res.Series, 1)

	rows, err := rangevector.Drain(res.Series[0].Rows)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	for _, r := range rows {
		require.InDelta(t, 0.5, r.Value, 1e-9) // 5 units / 10s step => 0.5/s
	}
}

func TestExecuteLocalReduceAggregateSum(t *testing.T) {
	store, ref := setupStoreWithRate(t)
	qs := newTestSession(t)

	leaf := execplan.NewLeaf(execplan.MultiSchemaPartitionsExec{
		DatasetRef:  ref.Dataset,
		Shard:       0,
		ChunkMethod: execplan.ChunkMethod{TimeRange: execplan.TimeRange{StartMs: 0, EndMs: 90_000}},
	})

	reduceNode := &execplan.Node{
		Kind:     execplan.KindLocalReduceAggregate,
		Reduce:   &execplan.ReduceParams{ReduceKind: execplan.ReduceAggregate, AggOp: execplan.AggSum, By: []string{"job"}},
		Children: []*execplan.Node{leaf},
	}

	res, err := Execute(qs, store, reduceNode)
	require.NoError(t, err)
	require.Len(t, res.Series, 1)
	require.Equal(t, "svc", res.Series[0].Key["job"])
}

func TestExecuteEmptyResult(t *testing.T) {
	store, _ := setupStoreWithRate(t)
	qs := newTestSession(t)

	res, err := Execute(qs, store, execplan.EmptyResult())
	require.NoError(t, err)
	require.Empty(t, res.Series)
}

func TestReduceTopkKeepsHighestPerTimestamp(t *testing.T) {
	series := []*rangevector.RangeVector{
		{Key: map[string]string{"instance": "a"}, Rows: rangevector.NewSliceCursor([]rangevector.Row{
			{TimestampMs: 0, Value: 1}, {TimestampMs: 10_000, Value: 9},
		})},
		{Key: map[string]string{"instance": "b"}, Rows: rangevector.NewSliceCursor([]rangevector.Row{
			{TimestampMs: 0, Value: 5}, {TimestampMs: 10_000, Value: 2},
		})},
		{Key: map[string]string{"instance": "c"}, Rows: rangevector.NewSliceCursor([]rangevector.Row{
			{TimestampMs: 0, Value: 3}, {TimestampMs: 10_000, Value: 7},
		})},
	}
	out, err := reduceTopkBottomk(&execplan.ReduceParams{AggOp: execplan.AggTopk, Params: []float64{2}}, series)
	require.NoError(t, err)

	byInstance := map[string][]rangevector.Row{}
	for _, rv := range out {
		rows, err := rangevector.Drain(rv.Rows)
		require.NoError(t, err)
		byInstance[rv.Key["instance"]] = rows
	}
	// t=0 top-2 by value: b(5), c(3). t=10s top-2: a(9), c(7).
	require.Len(t, byInstance["a"], 1)
	require.Len(t, byInstance["b"], 1)
	require.Len(t, byInstance["c"], 2) // c ranks in both instants
}

func TestReduceCountValuesBucketsByValue(t *testing.T) {
	series := []*rangevector.RangeVector{
		{Key: map[string]string{"instance": "a"}, Rows: rangevector.NewSliceCursor([]rangevector.Row{{TimestampMs: 0, Value: 1}})},
		{Key: map[string]string{"instance": "b"}, Rows: rangevector.NewSliceCursor([]rangevector.Row{{TimestampMs: 0, Value: 1}})},
		{Key: map[string]string{"instance": "c"}, Rows: rangevector.NewSliceCursor([]rangevector.Row{{TimestampMs: 0, Value: 2}})},
	}
	out, err := reduceCountValues(&execplan.ReduceParams{AggOp: execplan.AggCountValues, ParamLabel: "state"}, series)
	require.NoError(t, err)
	require.Len(t, out, 2)

	counts := map[string]float64{}
	for _, rv := range out {
		rows, err := rangevector.Drain(rv.Rows)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		counts[rv.Key["state"]] = rows[0].Value
	}
	require.Equal(t, float64(2), counts["1"])
	require.Equal(t, float64(1), counts["2"])
}

func TestFoldAggregateQuantileInterpolates(t *testing.T) {
	v, ok := foldAggregate(execplan.AggQuantile, []float64{0.5}, []float64{1, 2, 3, 4})
	require.True(t, ok)
	require.InDelta(t, 2.5, v, 1e-9)
}

func TestFoldAggregateUnknownOpDropsRow(t *testing.T) {
	_, ok := foldAggregate(execplan.AggOp("nonsense"), nil, []float64{1, 2, 3})
	require.False(t, ok)
}

func TestHistogramQuantileInterpolatesAcrossBuckets(t *testing.T) {
	mk := func(le string, v float64) *rangevector.RangeVector {
		return &rangevector.RangeVector{
			Key:  map[string]string{"job": "svc", "le": le},
			Rows: rangevector.NewSliceCursor([]rangevector.Row{{TimestampMs: 0, Value: v}}),
		}
	}
	series := []*rangevector.RangeVector{
		mk("1", 2), mk("2", 4), mk("+Inf", 6),
	}
	out, err := histogramQuantileSeries([]float64{0.5}, series)
	require.NoError(t, err)
	require.Len(t, out, 1)
	rows, err := rangevector.Drain(out[0].Rows)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.InDelta(t, 1.5, rows[0].Value, 1e-9) // target=3: halfway between le=1 (count 2) and le=2 (count 4)
}

func TestExecuteStitchMergesAdjacentChildren(t *testing.T) {
	store, ref := setupStoreWithRate(t)
	qs := newTestSession(t)

	leafA := execplan.NewLeaf(execplan.MultiSchemaPartitionsExec{
		DatasetRef:  ref.Dataset,
		Shard:       0,
		ChunkMethod: execplan.ChunkMethod{TimeRange: execplan.TimeRange{StartMs: 0, EndMs: 40_000}},
	})
	leafB := execplan.NewLeaf(execplan.MultiSchemaPartitionsExec{
		DatasetRef:  ref.Dataset,
		Shard:       0,
		ChunkMethod: execplan.ChunkMethod{TimeRange: execplan.TimeRange{StartMs: 40_001, EndMs: 90_000}},
	})

	res, err := Execute(qs, store, execplan.Stitch(leafA, leafB))
	require.NoError(t, err)
	require.Len(t, res.Series, 1)

	rows, err := rangevector.Drain(res.Series[0].Rows)
	require.NoError(t, err)
	require.Len(t, rows, 10)
}
