// Package singlecluster implements the single-cluster planner (spec §4.3):
// lowers a LogicalPlan into an execplan.Node tree for shards owned by one
// cluster, applying retention clipping, shard selection via spread,
// aggregation push-down (a per-shard partial reduce followed by a
// cross-shard reduce), and subquery grid alignment.
package singlecluster

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/dreamware/promshard/internal/execplan"
	"github.com/dreamware/promshard/internal/index"
	"github.com/dreamware/promshard/internal/logicalplan"
	"github.com/dreamware/promshard/internal/schema"
	"github.com/dreamware/promshard/internal/shardkey"
)

// defaultStaleDataLookbackMs mirrors Prometheus's lookback delta: a sample
// up to this far before a queried timestamp is still considered "current"
// at that timestamp, so retention clipping must not cut the scan window so
// close to the retention floor that staleness lookups come up empty.
const defaultStaleDataLookbackMs = 5 * 60 * 1000

// Params configures a Planner's fixed collaborators: the dataset being
// queried, the query step (0 for instant queries), and the pieces the
// planner is constructor-injected with (DESIGN NOTES: planners stay pure,
// accept dependencies, never touch global state). The time window is not
// part of Params — it is supplied per Compile call so a parent planner
// (longrange, multipartition) can invoke the same Planner over several
// disjoint sub-ranges of one query.
type Params struct {
	StepMs             int64
	Dataset            schema.Dataset
	ShardMapper        shardkey.ShardMapper
	SpreadProvider     shardkey.FunctionalSpreadProvider
	EarliestRetainedMs int64
	SchemaName         string
}

// Planner compiles LogicalPlans against shards owned by a single cluster.
type Planner struct {
	Params Params
}

// New builds a Planner bound to params.
func New(params Params) *Planner { return &Planner{Params: params} }

// Compile lowers plan into an execplan.Node tree over [startMs, endMs],
// clipping the window to retention and short-circuiting to EmptyResult per
// SPEC_FULL.md §12 when the clipped range is empty. The retention floor is
// pushed out by the step, the deepest window/offset chain anywhere in plan,
// and the stale-data lookback, so a clipped start still has enough history
// behind it to evaluate windowed functions and staleness lookups correctly.
func (p *Planner) Compile(plan *logicalplan.LogicalPlan, startMs, endMs int64) (*execplan.Node, error) {
	start := startMs
	// EarliestRetainedMs == 0 means "no retention boundary configured" —
	// nothing to guard the buffer against, so leave start unclipped.
	if p.Params.EarliestRetainedMs > 0 {
		buffer := p.Params.StepMs + maxLookbackMs(plan) + defaultStaleDataLookbackMs
		if earliest := p.Params.EarliestRetainedMs + buffer; start < earliest {
			start = earliest
		}
	}
	if start > endMs {
		return execplan.EmptyResult(), nil
	}
	c := &compiler{params: p.Params, startMs: start, endMs: endMs}
	return c.compile(plan)
}

// maxLookbackMs bounds, conservatively, how far before the query's nominal
// start any leaf scan in plan might need to reach: the sum of every
// matrix-window and selector-offset duration along the deepest single
// root-to-leaf path.
func maxLookbackMs(plan *logicalplan.LogicalPlan) int64 {
	return maxLookbackAlongPath(plan, 0)
}

func maxLookbackAlongPath(plan *logicalplan.LogicalPlan, acc int64) int64 {
	if plan == nil {
		return acc
	}
	switch plan.Kind {
	case logicalplan.KindMatrix:
		acc += plan.Matrix.Range.Milliseconds()
	case logicalplan.KindSelector:
		acc += plan.Selector.Offset.Milliseconds()
	}
	best := acc
	for _, child := range plan.Children {
		if v := maxLookbackAlongPath(child, acc); v > best {
			best = v
		}
	}
	return best
}

type compiler struct {
	params         Params
	startMs, endMs int64
}

func (c *compiler) compile(plan *logicalplan.LogicalPlan) (*execplan.Node, error) {
	switch plan.Kind {
	case logicalplan.KindSelector:
		return c.compileSelectorWithTransform(plan, 0, func() execplan.Transformer { return nil })

	case logicalplan.KindMatrix:
		return c.compileSelectorWithTransform(plan.Children[0], plan.Matrix.Range.Milliseconds(), func() execplan.Transformer { return nil })

	case logicalplan.KindRangeFunc:
		fn := execplan.RangeFunction(plan.RangeFunc.Function)
		sel := plan.Children[0]
		var windowMs int64
		if sel.Kind == logicalplan.KindMatrix {
			windowMs = sel.Matrix.Range.Milliseconds()
			sel = sel.Children[0]
		}
		var offsetMs int64
		if sel.Kind == logicalplan.KindSelector {
			offsetMs = sel.Selector.Offset.Milliseconds()
		}
		return c.compileSelectorWithTransform(sel, windowMs, func() execplan.Transformer {
			return execplan.PeriodicSamplesMapper{
				StartMs: c.startMs, EndMs: c.endMs, StepMs: c.stepOrDefault(),
				WindowMs: windowMs, OffsetMs: offsetMs, Function: fn, FunctionParams: plan.RangeFunc.Params,
			}
		})

	case logicalplan.KindInstantFunc:
		child, err := c.compile(plan.Children[0])
		if err != nil {
			return nil, err
		}
		fn := execplan.InstantFunction(plan.InstantFunc.Function)
		child.Transformers = append(child.Transformers, execplan.InstantVectorFunctionMapper{
			Function: fn, Params: plan.InstantFunc.Params,
		})
		return child, nil

	case logicalplan.KindAggregate:
		return c.compileAggregate(plan)

	case logicalplan.KindBinary:
		return c.compileBinary(plan)

	case logicalplan.KindSubquery:
		// Subquery grid alignment: the inner plan is evaluated at the
		// subquery's own step, then presented at that resolution to the
		// enclosing function — compiled as a plain periodic selector chain,
		// since execplan's PeriodicSamplesMapper already generalizes over
		// an arbitrary step.
		inner := c.params
		inner.StepMs = int64(plan.Subquery.Step / 1_000_000)
		ic := &compiler{params: inner, startMs: c.startMs, endMs: c.endMs}
		return ic.compile(plan.Children[0])

	case logicalplan.KindNumber:
		return nil, fmt.Errorf("singlecluster: bare scalar expressions are not plannable as a top-level query")
	}
	return nil, fmt.Errorf("singlecluster: unhandled logical plan kind %q", plan.Kind)
}

func (c *compiler) stepOrDefault() int64 {
	if c.params.StepMs > 0 {
		return c.params.StepMs
	}
	return c.endMs - c.startMs
}

// compileSelectorWithTransform builds a concat-reduce of per-shard leaf
// scans for sel, applying buildTransform's per-leaf transformer (nil for a
// plain selector with no enclosing function). lookbackMs is how far before
// each segment's nominal start the leaf scan must additionally reach (the
// enclosing function's window, 0 for a bare selector). When the shard-key
// class's spread changes within [StartMs, EndMs] (a cluster grown or
// shrunk mid query), the range is split at each crossing and the
// per-segment subplans are stitched back together by timestamp (spec
// §4.3).
func (c *compiler) compileSelectorWithTransform(sel *logicalplan.LogicalPlan, lookbackMs int64, buildTransform func() execplan.Transformer) (*execplan.Node, error) {
	if sel.Kind != logicalplan.KindSelector {
		return nil, fmt.Errorf("singlecluster: expected a selector, got %q", sel.Kind)
	}

	_, shardKeyValues, pinned, _ := selectorFilters(sel, c.params.Dataset)

	if pinned {
		return c.compileSegment(sel, c.startMs, c.endMs, lookbackMs, buildTransform)
	}

	changes := c.params.SpreadProvider.ChangesInRange(shardKeyValues, c.startMs, c.endMs)
	if len(changes) == 0 {
		return c.compileSegment(sel, c.startMs, c.endMs, lookbackMs, buildTransform)
	}

	segStart := c.startMs
	var segments []*execplan.Node
	for _, change := range changes {
		if change.Timestamp > segStart {
			seg, err := c.compileSegment(sel, segStart, change.Timestamp, lookbackMs, buildTransform)
			if err != nil {
				return nil, err
			}
			segments = append(segments, seg)
		}
		segStart = change.Timestamp
	}
	if segStart < c.endMs {
		seg, err := c.compileSegment(sel, segStart, c.endMs, lookbackMs, buildTransform)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	if len(segments) == 1 {
		return segments[0], nil
	}
	return execplan.Stitch(segments...), nil
}

// compileSegment builds the leaf fan-out for sel over one [startMs, endMs]
// segment, within which the shard-key class's spread is constant. The
// underlying chunk scan is widened to [startMs-offset-lookbackMs,
// endMs-offset]: offset shifts the whole window into the past (spec §4.3's
// "offset o shifts every sample's effective timestamp by +o"), while
// lookbackMs reaches further back still for the enclosing window function.
// Shard selection and spread stay pinned to the unshifted, nominal
// [startMs, endMs] query grid.
func (c *compiler) compileSegment(sel *logicalplan.LogicalPlan, startMs, endMs, lookbackMs int64, buildTransform func() execplan.Transformer) (*execplan.Node, error) {
	filters, shardKeyValues, pinned, histogramBucket := selectorFilters(sel, c.params.Dataset)
	numShards := c.params.ShardMapper.NumShards()

	var shards []int
	if pinned {
		shards = []int{shardkey.HashShardKey(shardKeyValues, numShards)}
	} else {
		spread := c.params.SpreadProvider.SpreadAt(shardKeyValues, startMs)
		shards = shardkey.CandidateShards(spread, numShards)
	}

	offsetMs := sel.Selector.Offset.Milliseconds()
	scanStart := startMs - offsetMs - lookbackMs
	scanEnd := endMs - offsetMs

	leaves := make([]*execplan.Node, 0, len(shards))
	for _, shardID := range shards {
		if !c.params.ShardMapper.StatusForShard(shardID).Queryable() {
			continue
		}
		var transformers []execplan.Transformer
		if t := buildTransform(); t != nil {
			transformers = append(transformers, t)
		}
		if histogramBucket != nil {
			transformers = append(transformers, execplan.InstantVectorFunctionMapper{
				Function: execplan.FnHistogramBucket, Params: []float64{*histogramBucket},
			})
		}
		leaf := execplan.NewLeaf(execplan.MultiSchemaPartitionsExec{
			DatasetRef: c.params.Dataset.Ref.String(),
			Shard:      shardID,
			ChunkMethod: execplan.ChunkMethod{TimeRange: execplan.TimeRange{
				StartMs: scanStart, EndMs: scanEnd,
			}},
			Filters:    filters,
			SchemaName: c.params.SchemaName,
		}, transformers...)
		leaves = append(leaves, leaf)
	}

	if len(leaves) == 0 {
		return execplan.EmptyResult(), nil
	}
	if len(leaves) == 1 {
		return leaves[0], nil
	}
	return &execplan.Node{
		Kind:     execplan.KindLocalDistConcat,
		Reduce:   &execplan.ReduceParams{ReduceKind: execplan.ReduceConcat},
		Children: leaves,
		Target:   execplan.DispatchTarget{Local: true},
	}, nil
}

// compileAggregate implements aggregation push-down: a per-shard partial
// reduce (KindLocalReduceAggregate) folded under a cross-shard reduce
// (KindMultiPartitionReduceAggregate), so the expensive fold happens once
// per shard rather than materializing every shard's full series set at the
// coordinator (spec §4.3). topk/bottomk are distributive under this split —
// re-ranking the union of each shard's own top-k reproduces the true
// global top-k — so they keep the two-level push-down. quantile,
// count_values, count, avg, stddev and stdvar are not: the cross-shard
// reduce re-folds the per-shard results with the same op, and a quantile of
// per-shard quantiles, a count of per-shard counts or an average of
// per-shard averages does not equal the single-pass answer, so those ops
// fold once over every shard's raw series instead.
func (c *compiler) compileAggregate(plan *logicalplan.LogicalPlan) (*execplan.Node, error) {
	child, err := c.compile(plan.Children[0])
	if err != nil {
		return nil, err
	}

	op := execplan.AggOp(plan.Aggregate.Op)
	params := &execplan.ReduceParams{
		ReduceKind: execplan.ReduceAggregate,
		AggOp:      op,
		By:         plan.Aggregate.By,
		Params:     aggregateParams(plan),
		ParamLabel: plan.Aggregate.ParamLabel,
	}
	if plan.Aggregate.Without {
		params.Without = plan.Aggregate.By
		params.By = nil
	}

	pushdownEligible := child.Kind == execplan.KindLocalDistConcat &&
		op != execplan.AggCountValues && op != execplan.AggQuantile &&
		op != execplan.AggCount && op != execplan.AggAvg &&
		op != execplan.AggStddev && op != execplan.AggStdvar

	if pushdownEligible {
		// Per-shard partial reduce: aggregate within each shard leaf first.
		partials := make([]*execplan.Node, len(child.Children))
		for i, leaf := range child.Children {
			partials[i] = &execplan.Node{
				Kind:     execplan.KindLocalReduceAggregate,
				Reduce:   params,
				Children: []*execplan.Node{leaf},
				Target:   execplan.DispatchTarget{Local: true},
			}
		}
		top := &execplan.Node{
			Kind:     execplan.KindMultiPartitionReduceAggregate,
			Reduce:   params,
			Children: partials,
			Target:   execplan.DispatchTarget{Local: true},
		}
		addPresenter(top, op, params.Params)
		return top, nil
	}

	node := &execplan.Node{
		Kind:     execplan.KindLocalReduceAggregate,
		Reduce:   params,
		Children: []*execplan.Node{child},
		Target:   execplan.DispatchTarget{Local: true},
	}
	addPresenter(node, op, params.Params)
	return node, nil
}

func aggregateParams(plan *logicalplan.LogicalPlan) []float64 {
	if plan.Aggregate.HasParam {
		return []float64{plan.Aggregate.Param}
	}
	return nil
}

func addPresenter(node *execplan.Node, op execplan.AggOp, params []float64) {
	switch op {
	case execplan.AggTopk, execplan.AggBottomk, execplan.AggQuantile, execplan.AggCountValues:
		node.Transformers = append(node.Transformers, execplan.AggregatePresenter{
			Op: op, Params: params,
		})
	}
}

func (c *compiler) compileBinary(plan *logicalplan.LogicalPlan) (*execplan.Node, error) {
	lhs, err := c.compile(plan.Children[0])
	if err != nil {
		return nil, err
	}
	rhs, err := c.compile(plan.Children[1])
	if err != nil {
		return nil, err
	}
	cardinality := execplan.OneToOne
	switch plan.Binary.Cardinality {
	case "ManyToOne":
		cardinality = execplan.ManyToOne
	case "OneToMany":
		cardinality = execplan.OneToMany
	case "ManyToMany":
		cardinality = execplan.ManyToMany
	}
	return &execplan.Node{
		Kind: execplan.KindBinaryJoin,
		BinaryJoin: &execplan.BinaryJoinParams{
			Op:          execplan.BinaryOp(plan.Binary.Op),
			On:          plan.Binary.On,
			Ignoring:    plan.Binary.Ignoring,
			Include:     plan.Binary.Include,
			Cardinality: cardinality,
		},
		Children: []*execplan.Node{lhs, rhs},
		Target:   execplan.DispatchTarget{Local: true},
	}, nil
}

// selectorFilters converts a selector's label matchers into index.Filters,
// and reports the dataset's shard-key column values when every shard-key
// column is pinned by an equality matcher (the single-partition case). A
// selector filtering a histogram bucket series by its le label (spec
// §4.3's histogram-bucket rewrite) has its metric-name and le matchers
// rewritten to the base metric name, and the le threshold is returned
// separately so the caller can attach a HistogramBucket instant-function
// mapper after any windowing transform.
func selectorFilters(sel *logicalplan.LogicalPlan, ds schema.Dataset) (filters []index.Filter, shardKeyValues []string, pinned bool, histogramBucket *float64) {
	matchers, le := rewriteHistogramBucketSelector(sel.Selector.Matchers, ds.MetricColumn())
	histogramBucket = le

	byName := map[string]logicalplan.LabelMatcher{}
	for _, m := range matchers {
		byName[m.Name] = m
		filters = append(filters, toIndexFilter(m))
	}

	shardKeyValues = make([]string, len(ds.ShardKeyColumns()))
	pinned = true
	for i, col := range ds.ShardKeyColumns() {
		m, ok := byName[col]
		if !ok || m.Type != logicalplan.MatchEqual {
			pinned = false
			break
		}
		shardKeyValues[i] = m.Value
	}
	return filters, shardKeyValues, pinned, histogramBucket
}

// rewriteHistogramBucketSelector implements spec §4.3's histogram-bucket
// rewrite: a selector filtering {_metric_="X_bucket", le="v"} becomes
// {_metric_="X"} plus a HistogramBucket mapper carrying v, so the bucket
// suffix and the le matcher never reach the chunk index. Matchers are
// returned unchanged, and ok is false, whenever the selector doesn't match
// that exact shape (no metric-name equality matcher, no le equality
// matcher, or the metric name isn't a recognized _bucket series).
func rewriteHistogramBucketSelector(matchers []logicalplan.LabelMatcher, metricCol string) ([]logicalplan.LabelMatcher, *float64) {
	metricIdx, leIdx := -1, -1
	for i, m := range matchers {
		switch {
		case m.Name == metricCol && m.Type == logicalplan.MatchEqual:
			metricIdx = i
		case m.Name == "le" && m.Type == logicalplan.MatchEqual:
			leIdx = i
		}
	}
	if metricIdx < 0 || leIdx < 0 {
		return matchers, nil
	}
	base, ok := schema.IsBucketMetric(matchers[metricIdx].Value)
	if !ok {
		return matchers, nil
	}
	leVal, err := strconv.ParseFloat(matchers[leIdx].Value, 64)
	if err != nil {
		return matchers, nil
	}

	out := make([]logicalplan.LabelMatcher, 0, len(matchers)-1)
	for i, m := range matchers {
		if i == leIdx {
			continue
		}
		if i == metricIdx {
			m.Value = base
		}
		out = append(out, m)
	}
	return out, &leVal
}

// toIndexFilter converts one lowered label matcher into an index.Filter,
// compiling regex matchers the same way Prometheus does: fully anchored.
func toIndexFilter(m logicalplan.LabelMatcher) index.Filter {
	f := index.Filter{LabelName: m.Name, Value: m.Value}
	switch m.Type {
	case logicalplan.MatchNotEqual:
		f.Not = true
	case logicalplan.MatchRegexp, logicalplan.MatchNotRegexp:
		f.Regex = regexp.MustCompile("^(?:" + m.Value + ")$")
		f.Not = m.Type == logicalplan.MatchNotRegexp
	}
	return f
}
