// Package schema defines the logical data model shared by every layer of
// promshard: datasets, their data schemas, and the canonical partition-key
// encoding that identifies one time series within a dataset.
package schema

import "strings"

// DefaultMetricColumn is the internal column name samples are grouped by
// when a dataset does not override options.metricColumn. User-facing PromQL
// always spells this "__name__"; internally it is rewritten to this name so
// that planners never have to special-case the Prometheus convention.
const DefaultMetricColumn = "_metric_"

// PromMetricLabel is the label name PromQL selectors use for the metric
// name. It is rewritten to a dataset's configured metric column by the
// label-rewrite visitor in internal/logicalplan.
const PromMetricLabel = "__name__"

// DefaultShardKeyColumns are the columns hashed to compute a series' shard
// when a Dataset does not override options.shardKeyColumns.
var DefaultShardKeyColumns = []string{"_ws_", "_ns_", DefaultMetricColumn}

// Options configures dataset-wide behavior that the planner and store must
// agree on: which column carries the metric name, and which columns
// participate in shard-key hashing.
type Options struct {
	// MetricColumn names the column treated as the metric. Defaults to
	// DefaultMetricColumn when empty.
	MetricColumn string

	// ShardKeyColumns enumerates the partition-key columns hashed to
	// compute a series' shard. Defaults to DefaultShardKeyColumns when nil.
	ShardKeyColumns []string
}

func (o Options) metricColumn() string {
	if o.MetricColumn == "" {
		return DefaultMetricColumn
	}
	return o.MetricColumn
}

func (o Options) shardKeyColumns() []string {
	if len(o.ShardKeyColumns) == 0 {
		return DefaultShardKeyColumns
	}
	return o.ShardKeyColumns
}

// Ref uniquely identifies a dataset by name within a cluster.
type Ref struct {
	Dataset string
}

func (r Ref) String() string { return r.Dataset }

// Dataset is the named schema a query or ingest batch targets: its
// partition-key columns, data columns, and Options.
type Dataset struct {
	Ref             Ref
	PartitionColumns []string
	DataColumns     []string
	Options         Options
}

// NewDataset builds a Dataset, normalizing Options with defaults.
func NewDataset(name string, partitionColumns, dataColumns []string, opts Options) Dataset {
	return Dataset{
		Ref:              Ref{Dataset: name},
		PartitionColumns: partitionColumns,
		DataColumns:      dataColumns,
		Options:          opts,
	}
}

// MetricColumn returns the column treated as the metric name for this
// dataset, defaulting to DefaultMetricColumn.
func (d Dataset) MetricColumn() string { return d.Options.metricColumn() }

// ShardKeyColumns returns the partition-key columns participating in
// shard-key hashing, defaulting to DefaultShardKeyColumns.
func (d Dataset) ShardKeyColumns() []string { return d.Options.shardKeyColumns() }

// IsShardKeyColumn reports whether col participates in shard-key hashing.
func (d Dataset) IsShardKeyColumn(col string) bool {
	for _, c := range d.ShardKeyColumns() {
		if c == col {
			return true
		}
	}
	return false
}

// CanonicalLabelName rewrites PromMetricLabel to the dataset's configured
// metric column; every other label name passes through unchanged. Used by
// the label-rewrite visitor (spec §4.3) so filters, by/without lists, and
// group_left/group_right include lists speak the dataset's native column
// names.
func (d Dataset) CanonicalLabelName(name string) string {
	if name == PromMetricLabel {
		return d.MetricColumn()
	}
	return name
}

// IsBucketMetric reports whether metricName is a histogram bucket metric by
// the "_bucket" suffix convention, used by the histogram-bucket rewrite.
func IsBucketMetric(metricName string) (base string, ok bool) {
	const suffix = "_bucket"
	if strings.HasSuffix(metricName, suffix) {
		return strings.TrimSuffix(metricName, suffix), true
	}
	return "", false
}
