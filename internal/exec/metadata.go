package exec

import (
	"sort"

	"github.com/dreamware/promshard/internal/chunkstore"
	"github.com/dreamware/promshard/internal/execplan"
	"github.com/dreamware/promshard/internal/index"
	"github.com/dreamware/promshard/internal/schema"
)

// ExecuteLabelValues runs a LabelValuesExec leaf, returning one slice per
// requested label name.
func ExecuteLabelValues(qs *QuerySession, store *chunkstore.TimeSeriesMemStore, op execplan.LabelValuesExec) (map[string][]string, error) {
	out, err := store.LabelValues(schema.Ref{Dataset: op.DatasetRef}, op.Shard, op.Filters, op.LabelNames, op.TimeRange.StartMs, op.TimeRange.EndMs)
	if err != nil {
		return nil, AsQueryError(err)
	}
	qs.Stats.AddShardsQueried(1)
	return out, nil
}

// ExecuteLabelNames runs a LabelNamesExec leaf.
func ExecuteLabelNames(qs *QuerySession, store *chunkstore.TimeSeriesMemStore, op execplan.LabelNamesExec) ([]string, error) {
	out, err := store.LabelNames(schema.Ref{Dataset: op.DatasetRef}, op.Shard, op.Filters, op.TimeRange.StartMs, op.TimeRange.EndMs)
	if err != nil {
		return nil, AsQueryError(err)
	}
	qs.Stats.AddShardsQueried(1)
	return out, nil
}

// ExecuteLabelCardinality runs a LabelCardinalityExec leaf.
func ExecuteLabelCardinality(qs *QuerySession, store *chunkstore.TimeSeriesMemStore, op execplan.LabelCardinalityExec) (map[string]int, error) {
	out, err := store.LabelCardinality(schema.Ref{Dataset: op.DatasetRef}, op.Shard, op.Filters, op.TimeRange.StartMs, op.TimeRange.EndMs)
	if err != nil {
		return nil, AsQueryError(err)
	}
	qs.Stats.AddShardsQueried(1)
	return out, nil
}

// ExecuteTopkCard runs a TopkCardExec leaf.
func ExecuteTopkCard(qs *QuerySession, store *chunkstore.TimeSeriesMemStore, op execplan.TopkCardExec) ([]index.NameCount, error) {
	out, err := store.TopkCardinality(schema.Ref{Dataset: op.DatasetRef}, op.Shard, op.ShardKeyPrefix, op.LabelName, op.K, op.IncludeInactive)
	if err != nil {
		return nil, AsQueryError(err)
	}
	qs.Stats.AddShardsQueried(1)
	return out, nil
}

// ExecutePartKeys runs a PartKeysExec leaf, returning the label sets of
// every matching series without materializing their samples.
func ExecutePartKeys(qs *QuerySession, store *chunkstore.TimeSeriesMemStore, op execplan.PartKeysExec) ([]map[string]string, error) {
	method := chunkstore.ChunkMethod{TimeRange: index.TimeRange{Min: op.TimeRange.StartMs, Max: op.TimeRange.EndMs}}
	scanned, err := store.ScanPartitions(qs.Ctx, schema.Ref{Dataset: op.DatasetRef}, op.Shard, op.Filters, method)
	if err != nil {
		return nil, AsQueryError(err)
	}
	qs.Stats.AddShardsQueried(1)
	out := make([]map[string]string, len(scanned))
	for i, p := range scanned {
		out[i] = p.Labels
	}
	return out, nil
}

// MergeLabelCardinality folds per-shard LabelCardinality results into a
// combined view, the reduce step LabelCardinalityPresenter performs across
// a multi-partition fan-out.
func MergeLabelCardinality(partials []map[string]int) map[string]int {
	out := map[string]int{}
	for _, p := range partials {
		for k, v := range p {
			if v > out[k] {
				out[k] = v
			}
		}
	}
	return out
}

// MergeTopkCard folds per-shard TopkCardinality results into the final
// top-k ordering, the reduce step TopkCardPresenter performs.
func MergeTopkCard(partials [][]index.NameCount, k int) []index.NameCount {
	byName := map[string]int{}
	for _, shard := range partials {
		for _, nc := range shard {
			byName[nc.Name] += nc.Count
		}
	}
	out := make([]index.NameCount, 0, len(byName))
	for name, count := range byName {
		out = append(out, index.NameCount{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if k >= 0 && k < len(out) {
		out = out[:k]
	}
	return out
}
