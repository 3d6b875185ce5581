package longrange

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/promshard/internal/execplan"
	"github.com/dreamware/promshard/internal/logicalplan"
)

type fakeCompiler struct {
	calls []call
	empty bool
}

type call struct{ startMs, endMs int64 }

func (f *fakeCompiler) Compile(_ *logicalplan.LogicalPlan, startMs, endMs int64) (*execplan.Node, error) {
	f.calls = append(f.calls, call{startMs, endMs})
	if f.empty {
		return execplan.EmptyResult(), nil
	}
	return execplan.NewLeaf(execplan.MultiSchemaPartitionsExec{
		ChunkMethod: execplan.ChunkMethod{TimeRange: execplan.TimeRange{StartMs: startMs, EndMs: endMs}},
	}), nil
}

func TestCompileSplitsAcrossRawAndDownsampleTiers(t *testing.T) {
	raw := &fakeCompiler{}
	ds := &fakeCompiler{}
	p := New(Params{
		StepMs:             10_000,
		EarliestRawMs:      func() int64 { return 100_000 },
		LatestDownsampleMs: func() int64 { return 120_000 },
		Raw:                raw,
		Downsample:         ds,
	})

	node, err := p.Compile(&logicalplan.LogicalPlan{Kind: logicalplan.KindSelector, Selector: &logicalplan.SelectorParams{}}, 0, 200_000)
	require.NoError(t, err)
	require.Equal(t, execplan.KindStitch, node.Kind)
	require.Len(t, node.Children, 2)

	require.Len(t, ds.calls, 1)
	require.Equal(t, int64(0), ds.calls[0].startMs)
	require.Equal(t, int64(120_000), ds.calls[0].endMs)

	require.Len(t, raw.calls, 1)
	require.Equal(t, int64(100_000), raw.calls[0].startMs)
	require.Equal(t, int64(200_000), raw.calls[0].endMs)
}

func TestCompileDelegatesDirectlyWhenOnlyRawTierApplies(t *testing.T) {
	raw := &fakeCompiler{}
	ds := &fakeCompiler{}
	p := New(Params{
		StepMs:             10_000,
		EarliestRawMs:      func() int64 { return 0 },
		LatestDownsampleMs: func() int64 { return -1 },
		Raw:                raw,
		Downsample:         ds,
	})

	node, err := p.Compile(&logicalplan.LogicalPlan{Kind: logicalplan.KindSelector, Selector: &logicalplan.SelectorParams{}}, 0, 60_000)
	require.NoError(t, err)
	require.Equal(t, execplan.KindLeaf, node.Kind)
	require.Empty(t, ds.calls)
	require.Len(t, raw.calls, 1)
}
