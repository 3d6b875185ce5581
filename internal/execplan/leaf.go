package execplan

import "github.com/dreamware/promshard/internal/index"

// LeafOp is implemented by every leaf operator kind from spec §4.2. Leaves
// are the only nodes that touch the chunk store or a remote endpoint
// directly; every other node combines or transforms its children's output.
type LeafOp interface {
	leafOp()
}

// TimeRange is a [StartMs, EndMs] query window, reused across leaf params.
type TimeRange struct {
	StartMs, EndMs int64
}

// ChunkMethod mirrors chunkstore.ChunkMethod without importing the store
// package, keeping execplan a pure, dependency-light data model.
type ChunkMethod struct {
	TimeRange TimeRange
}

// MultiSchemaPartitionsExec performs the shard-local scan (spec §4.2): one
// RangeVector per matching partition, rows gated to ChunkMethod.TimeRange.
type MultiSchemaPartitionsExec struct {
	DatasetRef string
	Shard      int
	ChunkMethod ChunkMethod
	Filters    []index.Filter
	ColName    string // optional, restricts to one value column
	SchemaName string // optional, restricts to one data schema
}

func (MultiSchemaPartitionsExec) leafOp() {}

// LabelValuesExec is the label-values metadata leaf.
type LabelValuesExec struct {
	DatasetRef string
	Shard      int
	Filters    []index.Filter
	LabelNames []string
	TimeRange  TimeRange
}

func (LabelValuesExec) leafOp() {}

// LabelNamesExec is the label-names metadata leaf.
type LabelNamesExec struct {
	DatasetRef string
	Shard      int
	Filters    []index.Filter
	TimeRange  TimeRange
}

func (LabelNamesExec) leafOp() {}

// PartKeysExec returns the raw PartKeys matching Filters (the "series"
// metadata endpoint).
type PartKeysExec struct {
	DatasetRef string
	Shard      int
	Filters    []index.Filter
	TimeRange  TimeRange
}

func (PartKeysExec) leafOp() {}

// LabelCardinalityExec is the label-cardinality metadata leaf.
type LabelCardinalityExec struct {
	DatasetRef string
	Shard      int
	Filters    []index.Filter
	TimeRange  TimeRange
}

func (LabelCardinalityExec) leafOp() {}

// TopkCardExec is the top-k cardinality metadata leaf.
type TopkCardExec struct {
	DatasetRef      string
	Shard           int
	ShardKeyPrefix  []index.Filter
	LabelName       string
	K               int
	IncludeInactive bool
}

func (TopkCardExec) leafOp() {}

// PromQlRemoteExec issues the equivalent PromQL fragment against a remote
// partition over HTTP (spec §4.2, §4.5).
type PromQlRemoteExec struct {
	Endpoint     string
	TimeoutMs    int64
	PromQL       string
	TimeRange    TimeRange
	StepMs       int64
	URLParams    map[string]string
}

func (PromQlRemoteExec) leafOp() {}
