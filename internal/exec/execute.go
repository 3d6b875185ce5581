package exec

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/promshard/internal/chunkstore"
	"github.com/dreamware/promshard/internal/execplan"
	"github.com/dreamware/promshard/internal/index"
	"github.com/dreamware/promshard/internal/rangevector"
	"github.com/dreamware/promshard/internal/schema"
)

// Result is the series-shaped output of executing an execplan.Node: a set
// of keyed RangeVectors plus the partial-result flag propagated per
// SPEC_FULL.md §12.
type Result struct {
	Series  []*rangevector.RangeVector
	Partial bool
}

// seriesKey canonicalizes a label set into a stable string for grouping
// and join matching.
func seriesKey(labels map[string]string, on []string) string {
	names := on
	if len(names) == 0 {
		names = make([]string, 0, len(labels))
		for n := range labels {
			names = append(names, n)
		}
		sort.Strings(names)
	}
	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte('=')
		b.WriteString(labels[n])
		b.WriteByte(',')
	}
	return b.String()
}

func groupKey(labels map[string]string, by, without []string) string {
	switch {
	case len(by) > 0:
		return seriesKey(labels, by)
	case len(without) > 0:
		names := make([]string, 0, len(labels))
		skip := make(map[string]bool, len(without))
		for _, w := range without {
			skip[w] = true
		}
		for n := range labels {
			if !skip[n] {
				names = append(names, n)
			}
		}
		sort.Strings(names)
		return seriesKey(labels, names)
	default:
		return ""
	}
}

func groupLabels(labels map[string]string, by, without []string) map[string]string {
	out := map[string]string{}
	switch {
	case len(by) > 0:
		for _, n := range by {
			if v, ok := labels[n]; ok {
				out[n] = v
			}
		}
	case len(without) > 0:
		skip := make(map[string]bool, len(without))
		for _, w := range without {
			skip[w] = true
		}
		for n, v := range labels {
			if !skip[n] {
				out[n] = v
			}
		}
	}
	return out
}

// Execute walks node against store, returning the series-shaped result.
// qs carries cancellation, limits, and the shared QueryStats accumulator.
func Execute(qs *QuerySession, store *chunkstore.TimeSeriesMemStore, node *execplan.Node) (*Result, error) {
	if err := qs.Ctx.Err(); err != nil {
		return nil, NewQueryError(ErrKindQueryTimeout, "query context done: %v", err)
	}

	switch node.Kind {
	case execplan.KindEmptyResult:
		return &Result{}, nil

	case execplan.KindLeaf:
		return executeLeaf(qs, store, node)

	case execplan.KindBinaryJoin:
		return executeBinaryJoin(qs, store, node)

	case execplan.KindSetOp:
		return executeSetOp(qs, store, node)

	case execplan.KindLocalDistConcat, execplan.KindLocalReduceAggregate, execplan.KindMultiPartitionReduceAggregate:
		return executeReduce(qs, store, node)

	case execplan.KindStitch:
		return executeStitch(qs, store, node)
	}
	return nil, NewQueryError(ErrKindInternal, "unknown plan node kind %q", node.Kind)
}

func executeChildren(qs *QuerySession, store *chunkstore.TimeSeriesMemStore, children []*execplan.Node) ([]*Result, error) {
	results := make([]*Result, len(children))
	g, ctx := errgroup.WithContext(qs.Ctx)
	childSession := &QuerySession{ID: qs.ID, Ctx: ctx, Params: qs.Params, Stats: qs.Stats}
	for i, child := range children {
		i, child := i, child
		g.Go(func() error {
			r, err := Execute(childSession, store, child)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func executeLeaf(qs *QuerySession, store *chunkstore.TimeSeriesMemStore, node *execplan.Node) (*Result, error) {
	op, ok := node.Leaf.(execplan.MultiSchemaPartitionsExec)
	if !ok {
		return nil, NewQueryError(ErrKindInternal, "leaf op %T is not series-shaped; use the metadata executor", node.Leaf)
	}

	ref := schema.Ref{Dataset: op.DatasetRef}
	method := chunkstore.ChunkMethod{TimeRange: index.TimeRange{Min: op.ChunkMethod.TimeRange.StartMs, Max: op.ChunkMethod.TimeRange.EndMs}}

	scanned, err := store.ScanPartitions(qs.Ctx, ref, op.Shard, op.Filters, method)
	if err != nil {
		return nil, AsQueryError(err)
	}

	qs.Stats.AddShardsQueried(1)
	if err := qs.CheckShardLimit(); err != nil {
		return nil, err
	}

	series := make([]*rangevector.RangeVector, 0, len(scanned))
	totalSamples := 0
	for _, p := range scanned {
		rows := make([]rangevector.Row, len(p.Rows))
		for i, s := range p.Rows {
			rows[i] = rangevector.Row{TimestampMs: s.TimestampMs, Value: s.Value}
		}
		totalSamples += len(rows)
		rv := &rangevector.RangeVector{Key: p.Labels, Rows: rangevector.NewSliceCursor(rows)}
		series = append(series, rv)
	}
	qs.Stats.AddSamplesScanned(totalSamples)
	qs.Stats.AddChunksTouched(len(scanned))
	qs.Stats.ObserveRangeVectors(len(series))
	if err := qs.CheckSampleLimit(); err != nil {
		return nil, err
	}

	for _, t := range node.Transformers {
		series, err = applySeriesTransformer(t, series)
		if err != nil {
			return nil, err
		}
	}

	return &Result{Series: series}, nil
}

// applySeriesTransformer applies a per-series transformer (one that maps
// each RangeVector independently, as opposed to the aggregate transformers
// applied at a reduce node).
func applySeriesTransformer(t execplan.Transformer, series []*rangevector.RangeVector) ([]*rangevector.RangeVector, error) {
	switch tp := t.(type) {
	case execplan.PeriodicSamplesMapper:
		for _, rv := range series {
			raw, err := rangevector.Drain(rv.Rows)
			if err != nil {
				return nil, AsQueryError(err)
			}
			out := resamplePeriodic(tp, raw)
			rv.Rows = rangevector.NewSliceCursor(out)
			rv.OutputRange = &rangevector.OutputRange{StartMs: tp.StartMs, EndMs: tp.EndMs, StepMs: tp.StepMs}
		}
		return series, nil

	case execplan.InstantVectorFunctionMapper:
		if tp.Function == execplan.FnHistogramQuantile {
			return histogramQuantileSeries(tp.Params, series)
		}
		for _, rv := range series {
			rv.Rows = rangevector.Map(rv.Rows, func(r rangevector.Row) rangevector.Row {
				return rangevector.Row{TimestampMs: r.TimestampMs, Value: applyInstantFunction(tp.Function, r.TimestampMs, r.Value, tp.Params)}
			})
		}
		return series, nil

	case execplan.AbsentFunctionMapper:
		if len(series) > 0 {
			return nil, nil
		}
		return []*rangevector.RangeVector{{
			Key:  tp.Labels,
			Rows: rangevector.NewSliceCursor([]rangevector.Row{{Value: 1}}),
		}}, nil

	case execplan.AggregatePresenter:
		switch tp.Op {
		case execplan.AggTopk, execplan.AggBottomk:
			return sortByFinalValue(series, tp.Op == execplan.AggBottomk)
		}
		// quantile/count_values fold once with no partial push-down, so
		// there is nothing left for the presenter to finalize.
		return series, nil

	case execplan.AggregateMapReduce,
		execplan.LabelCardinalityPresenter, execplan.TopkCardPresenter, execplan.StitchRvsMapper:
		// applied at the reduce/stitch node, not per-leaf series.
		return series, nil
	}
	return series, nil
}

// sortByFinalValue orders series by their last sample's value, the output
// ordering topk/bottomk present after the two-level push-down has already
// done the numeric work of ranking per timestamp.
func sortByFinalValue(series []*rangevector.RangeVector, ascending bool) ([]*rangevector.RangeVector, error) {
	type scored struct {
		rv    *rangevector.RangeVector
		value float64
		ok    bool
	}
	scoredSeries := make([]scored, len(series))
	for i, rv := range series {
		v, ok, err := lastSeriesValue(rv)
		if err != nil {
			return nil, err
		}
		scoredSeries[i] = scored{rv: rv, value: v, ok: ok}
	}
	sort.SliceStable(scoredSeries, func(i, j int) bool {
		a, b := scoredSeries[i], scoredSeries[j]
		if !a.ok || !b.ok {
			return a.ok && !b.ok
		}
		if ascending {
			return a.value < b.value
		}
		return a.value > b.value
	})
	out := make([]*rangevector.RangeVector, len(scoredSeries))
	for i, s := range scoredSeries {
		out[i] = s.rv
	}
	return out, nil
}

// lastSeriesValue returns a series' last row's value. Cursors are
// forward-only, so draining rv.Rows to peek at it requires rebuilding a
// fresh cursor over the same rows afterward to leave the series consumable.
func lastSeriesValue(rv *rangevector.RangeVector) (float64, bool, error) {
	rows, err := rangevector.Drain(rv.Rows)
	if err != nil {
		return 0, false, AsQueryError(err)
	}
	rv.Rows = rangevector.NewSliceCursor(rows)
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[len(rows)-1].Value, true, nil
}

// histBucket is one le bucket's cumulative count series within a
// histogram_quantile group (a label set with le stripped).
type histBucket struct {
	le   float64
	rows map[int64]float64
}

type histGroup struct {
	labels  map[string]string
	buckets []*histBucket
}

// histogramQuantileSeries implements histogram_quantile(phi, v): group the
// input series by every label except le, then interpolate phi within each
// group's cumulative bucket counts at every timestamp. This is a genuine
// cross-series operation, unlike every other InstantVectorFunctionMapper
// case, which is why it is special-cased ahead of the pointwise map loop.
func histogramQuantileSeries(params []float64, series []*rangevector.RangeVector) ([]*rangevector.RangeVector, error) {
	if len(params) == 0 {
		return nil, NewQueryError(ErrKindInternal, "histogram_quantile requires a quantile parameter")
	}
	phi := params[0]

	groups := map[string]*histGroup{}
	var order []string
	for _, rv := range series {
		leStr, ok := rv.Key["le"]
		if !ok {
			continue
		}
		le, err := strconv.ParseFloat(leStr, 64)
		if err != nil {
			continue
		}
		base := make(map[string]string, len(rv.Key))
		for k, v := range rv.Key {
			if k != "le" {
				base[k] = v
			}
		}
		gk := seriesKey(base, nil)
		g, ok := groups[gk]
		if !ok {
			g = &histGroup{labels: base}
			groups[gk] = g
			order = append(order, gk)
		}
		rows, err := rangevector.Drain(rv.Rows)
		if err != nil {
			return nil, AsQueryError(err)
		}
		rowsByTs := make(map[int64]float64, len(rows))
		for _, r := range rows {
			rowsByTs[r.TimestampMs] = r.Value
		}
		g.buckets = append(g.buckets, &histBucket{le: le, rows: rowsByTs})
	}

	out := make([]*rangevector.RangeVector, 0, len(order))
	for _, gk := range order {
		g := groups[gk]
		sort.Slice(g.buckets, func(i, j int) bool { return g.buckets[i].le < g.buckets[j].le })

		tsSet := map[int64]bool{}
		for _, b := range g.buckets {
			for ts := range b.rows {
				tsSet[ts] = true
			}
		}
		tsOrder := make([]int64, 0, len(tsSet))
		for ts := range tsSet {
			tsOrder = append(tsOrder, ts)
		}
		sort.Slice(tsOrder, func(i, j int) bool { return tsOrder[i] < tsOrder[j] })

		var rows []rangevector.Row
		for _, ts := range tsOrder {
			if v, ok := histogramQuantileAt(phi, g.buckets, ts); ok {
				rows = append(rows, rangevector.Row{TimestampMs: ts, Value: v})
			}
		}
		out = append(out, &rangevector.RangeVector{Key: g.labels, Rows: rangevector.NewSliceCursor(rows)})
	}
	return out, nil
}

// histogramQuantileAt interpolates the phi-quantile from cumulative bucket
// counts at one timestamp: walk buckets in increasing le order, find the
// first bucket whose cumulative count reaches phi*total, then linearly
// interpolate within that bucket's [prevLe, le] range — Prometheus's
// classic histogram_quantile algorithm.
func histogramQuantileAt(phi float64, buckets []*histBucket, ts int64) (float64, bool) {
	if len(buckets) == 0 {
		return 0, false
	}
	total, ok := buckets[len(buckets)-1].rows[ts]
	if !ok || total <= 0 {
		return 0, false
	}
	if phi <= 0 {
		return 0, true
	}
	if phi >= 1 {
		return buckets[len(buckets)-1].le, true
	}

	target := phi * total
	prevLe, prevCount := math.Inf(-1), 0.0
	for _, b := range buckets {
		count, ok := b.rows[ts]
		if !ok {
			count = prevCount
		}
		if count >= target {
			if math.IsInf(b.le, 1) {
				return prevLe, true
			}
			if math.IsInf(prevLe, -1) {
				prevLe = 0
			}
			if count == prevCount {
				return b.le, true
			}
			frac := (target - prevCount) / (count - prevCount)
			return prevLe + (b.le-prevLe)*frac, true
		}
		prevLe, prevCount = b.le, count
	}
	return buckets[len(buckets)-1].le, true
}

func resamplePeriodic(p execplan.PeriodicSamplesMapper, raw []rangevector.Row) []rangevector.Row {
	if p.StepMs <= 0 {
		return raw
	}
	var out []rangevector.Row
	for t := p.StartMs; t <= p.EndMs; t += p.StepMs {
		lookback := t - p.OffsetMs
		if p.WindowMs > 0 {
			win := windowRows(raw, lookback-p.WindowMs, lookback)
			if v, ok := applyRangeFunction(p.Function, win, p.WindowMs, p.FunctionParams); ok {
				out = append(out, rangevector.Row{TimestampMs: t, Value: v})
			}
			continue
		}
		if r, ok := lastAtOrBefore(raw, lookback); ok {
			out = append(out, rangevector.Row{TimestampMs: t, Value: r.Value})
		}
	}
	return out
}

func executeBinaryJoin(qs *QuerySession, store *chunkstore.TimeSeriesMemStore, node *execplan.Node) (*Result, error) {
	if len(node.Children) != 2 || node.BinaryJoin == nil {
		return nil, NewQueryError(ErrKindInternal, "binary join node malformed")
	}
	results, err := executeChildren(qs, store, node.Children)
	if err != nil {
		return nil, err
	}
	left, right := results[0], results[1]
	params := node.BinaryJoin

	rightByKey := make(map[string]*rangevector.RangeVector, len(right.Series))
	for _, rv := range right.Series {
		rightByKey[seriesKey(rv.Key, params.On)] = rv
	}

	var out []*rangevector.RangeVector
	for _, lrv := range left.Series {
		rrv, ok := rightByKey[seriesKey(lrv.Key, params.On)]
		if !ok {
			continue
		}
		lRows, err := rangevector.Drain(lrv.Rows)
		if err != nil {
			return nil, AsQueryError(err)
		}
		rRows, err := rangevector.Drain(rrv.Rows)
		if err != nil {
			return nil, AsQueryError(err)
		}
		rowsByTs := make(map[int64]float64, len(rRows))
		for _, r := range rRows {
			rowsByTs[r.TimestampMs] = r.Value
		}
		var joined []rangevector.Row
		for _, l := range lRows {
			if rv, ok := rowsByTs[l.TimestampMs]; ok {
				v, ok := applyBinaryOp(params.Op, l.Value, rv)
				if !ok {
					continue
				}
				joined = append(joined, rangevector.Row{TimestampMs: l.TimestampMs, Value: v})
			}
		}
		key := lrv.Key
		if len(params.Include) > 0 {
			key = mergeLabels(lrv.Key, rrv.Key, params.Include)
		}
		out = append(out, &rangevector.RangeVector{Key: key, Rows: rangevector.NewSliceCursor(joined)})
	}
	return &Result{Series: out, Partial: left.Partial || right.Partial}, nil
}

func mergeLabels(base, extra map[string]string, include []string) map[string]string {
	out := make(map[string]string, len(base)+len(include))
	for k, v := range base {
		out[k] = v
	}
	for _, n := range include {
		if v, ok := extra[n]; ok {
			out[n] = v
		}
	}
	return out
}

func applyBinaryOp(op execplan.BinaryOp, l, r float64) (float64, bool) {
	switch op {
	case execplan.OpAdd:
		return l + r, true
	case execplan.OpSub:
		return l - r, true
	case execplan.OpMul:
		return l * r, true
	case execplan.OpDiv:
		return l / r, true
	case execplan.OpMod:
		return float64(int64(l) % int64(r)), true
	case execplan.OpPow:
		p := 1.0
		for i := 0; i < int(r); i++ {
			p *= l
		}
		return p, true
	case execplan.OpEQ:
		return l, l == r
	case execplan.OpNE:
		return l, l != r
	case execplan.OpGT:
		return l, l > r
	case execplan.OpLT:
		return l, l < r
	case execplan.OpGE:
		return l, l >= r
	case execplan.OpLE:
		return l, l <= r
	}
	return 0, false
}

func executeSetOp(qs *QuerySession, store *chunkstore.TimeSeriesMemStore, node *execplan.Node) (*Result, error) {
	if len(node.Children) != 2 || node.SetOp == nil {
		return nil, NewQueryError(ErrKindInternal, "set op node malformed")
	}
	results, err := executeChildren(qs, store, node.Children)
	if err != nil {
		return nil, err
	}
	left, right := results[0], results[1]

	rightKeys := make(map[string]bool, len(right.Series))
	for _, rv := range right.Series {
		rightKeys[seriesKey(rv.Key, nil)] = true
	}

	var out []*rangevector.RangeVector
	switch node.SetOp.Op {
	case execplan.SetAnd:
		for _, lrv := range left.Series {
			if rightKeys[seriesKey(lrv.Key, nil)] {
				out = append(out, lrv)
			}
		}
	case execplan.SetUnless:
		for _, lrv := range left.Series {
			if !rightKeys[seriesKey(lrv.Key, nil)] {
				out = append(out, lrv)
			}
		}
	case execplan.SetOr:
		out = append(out, left.Series...)
		leftKeys := make(map[string]bool, len(left.Series))
		for _, lrv := range left.Series {
			leftKeys[seriesKey(lrv.Key, nil)] = true
		}
		for _, rrv := range right.Series {
			if !leftKeys[seriesKey(rrv.Key, nil)] {
				out = append(out, rrv)
			}
		}
	}
	return &Result{Series: out, Partial: left.Partial || right.Partial}, nil
}

func executeStitch(qs *QuerySession, store *chunkstore.TimeSeriesMemStore, node *execplan.Node) (*Result, error) {
	results, err := executeChildren(qs, store, node.Children)
	if err != nil {
		return nil, err
	}
	return CombineStitch(results), nil
}

// CombineStitch merges already-computed child results by series key,
// the same row-level merge executeStitch applies to its own children.
// Exported so a Dispatcher (internal/dispatch) can stitch results gathered
// from a mix of local and remote subtrees without re-walking the plan.
func CombineStitch(results []*Result) *Result {
	byKey := map[string][]*rangevector.RangeVector{}
	order := []string{}
	partial := false
	for _, r := range results {
		partial = partial || r.Partial
		for _, rv := range r.Series {
			k := seriesKey(rv.Key, nil)
			if _, ok := byKey[k]; !ok {
				order = append(order, k)
			}
			byKey[k] = append(byKey[k], rv)
		}
	}

	out := make([]*rangevector.RangeVector, 0, len(order))
	for _, k := range order {
		group := byKey[k]
		if len(group) == 1 {
			out = append(out, group[0])
			continue
		}
		cursors := make([]rangevector.RowCursor, len(group))
		for i, rv := range group {
			cursors[i] = rv.Rows
		}
		out = append(out, &rangevector.RangeVector{Key: group[0].Key, Rows: rangevector.Merge(cursors)})
	}
	return &Result{Series: out, Partial: partial}
}

func executeReduce(qs *QuerySession, store *chunkstore.TimeSeriesMemStore, node *execplan.Node) (*Result, error) {
	if node.Reduce == nil {
		return nil, NewQueryError(ErrKindInternal, "reduce node missing params")
	}
	results, err := executeChildren(qs, store, node.Children)
	if err != nil {
		return nil, err
	}
	return CombineReduce(qs, node, results)
}

// CombineReduce folds already-computed child results through node.Reduce's
// concat/aggregate semantics. Exported for the same reason as CombineStitch:
// a Dispatcher gathering results from local and remote subtrees needs the
// reducer's combination logic without re-walking the plan through Execute.
func CombineReduce(qs *QuerySession, node *execplan.Node, results []*Result) (*Result, error) {
	if node.Reduce == nil {
		return nil, NewQueryError(ErrKindInternal, "reduce node missing params")
	}

	partial := false
	var all []*rangevector.RangeVector
	for _, r := range results {
		partial = partial || r.Partial
		all = append(all, r.Series...)
	}

	var out []*rangevector.RangeVector
	var err error
	switch node.Reduce.ReduceKind {
	case execplan.ReduceConcat:
		out = all

	case execplan.ReduceAggregate:
		out, err = reduceAggregate(node.Reduce, all)
		if err != nil {
			return nil, err
		}
	default:
		return nil, NewQueryError(ErrKindInternal, "unknown reduce kind %q", node.Reduce.ReduceKind)
	}

	for _, t := range node.Transformers {
		out, err = applySeriesTransformer(t, out)
		if err != nil {
			return nil, err
		}
	}

	if partial {
		qs.Stats.MarkPartial()
		if !qs.Params.AllowPartialResults {
			return nil, NewQueryError(ErrKindShardNotAvailable, "a child subplan returned a partial result and allowPartialResults is false")
		}
	}
	return &Result{Series: out, Partial: partial}, nil
}

// reduceAggregate groups series by node.Reduce.By/Without and folds each
// group through the aggregate operator, the map-reduce form of spec §4.2's
// aggregate-reducer. topk/bottomk and count_values need each group
// member's own identity at every timestamp (a ranking or a value-bucket
// count), not just the pooled values a scalar fold collapses down to, so
// they're handled by dedicated per-series reducers instead.
func reduceAggregate(params *execplan.ReduceParams, series []*rangevector.RangeVector) ([]*rangevector.RangeVector, error) {
	switch params.AggOp {
	case execplan.AggTopk, execplan.AggBottomk:
		return reduceTopkBottomk(params, series)
	case execplan.AggCountValues:
		return reduceCountValues(params, series)
	}

	type group struct {
		labels  map[string]string
		cursors []rangevector.RowCursor
	}
	groups := map[string]*group{}
	order := []string{}
	for _, rv := range series {
		k := groupKey(rv.Key, params.By, params.Without)
		g, ok := groups[k]
		if !ok {
			g = &group{labels: groupLabels(rv.Key, params.By, params.Without)}
			groups[k] = g
			order = append(order, k)
		}
		g.cursors = append(g.cursors, rv.Rows)
	}

	out := make([]*rangevector.RangeVector, 0, len(order))
	for _, k := range order {
		g := groups[k]
		merged, err := rangevector.Drain(rangevector.Merge(g.cursors))
		if err != nil {
			return nil, AsQueryError(err)
		}
		byTs := map[int64][]float64{}
		var tsOrder []int64
		for _, r := range merged {
			if _, ok := byTs[r.TimestampMs]; !ok {
				tsOrder = append(tsOrder, r.TimestampMs)
			}
			byTs[r.TimestampMs] = append(byTs[r.TimestampMs], r.Value)
		}
		var rows []rangevector.Row
		for _, ts := range tsOrder {
			v, ok := foldAggregate(params.AggOp, params.Params, byTs[ts])
			if ok {
				rows = append(rows, rangevector.Row{TimestampMs: ts, Value: v})
			}
		}
		out = append(out, &rangevector.RangeVector{Key: g.labels, Rows: rangevector.NewSliceCursor(rows)})
	}
	return out, nil
}

func foldAggregate(op execplan.AggOp, params []float64, values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	switch op {
	case execplan.AggSum:
		var s float64
		for _, v := range values {
			s += v
		}
		return s, true
	case execplan.AggAvg:
		var s float64
		for _, v := range values {
			s += v
		}
		return s / float64(len(values)), true
	case execplan.AggCount, execplan.AggGroup:
		if op == execplan.AggGroup {
			return 1, true
		}
		return float64(len(values)), true
	case execplan.AggMin:
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m, true
	case execplan.AggMax:
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m, true
	case execplan.AggStddev, execplan.AggStdvar:
		var mean float64
		for _, v := range values {
			mean += v
		}
		mean /= float64(len(values))
		var variance float64
		for _, v := range values {
			d := v - mean
			variance += d * d
		}
		variance /= float64(len(values))
		if op == execplan.AggStdvar {
			return variance, true
		}
		return math.Sqrt(variance), true
	case execplan.AggQuantile:
		if len(params) == 0 {
			return 0, false
		}
		return quantileValues(params[0], values), true
	}
	// An operator with no case above would silently fold to a made-up
	// number; dropping the row is preferable to fabricating one.
	return 0, false
}

// reduceTopkBottomk ranks each group's member series by value independently
// at every timestamp and keeps the top (or bottom) k, producing a sparse
// per-instant result exactly like PromQL's own topk/bottomk: a series
// absent from a timestamp's top-k contributes no row there. Applying the
// same ranking at both the per-shard partial level and this cross-shard
// level is what makes the op distributive under the planner's push-down —
// re-ranking the union of each shard's own top-k reproduces the true
// global top-k.
func reduceTopkBottomk(params *execplan.ReduceParams, series []*rangevector.RangeVector) ([]*rangevector.RangeVector, error) {
	if len(params.Params) == 0 {
		return nil, NewQueryError(ErrKindInternal, "%s requires a k parameter", params.AggOp)
	}
	k := int(params.Params[0])
	if k < 1 {
		return nil, nil
	}

	type member struct {
		labels   map[string]string
		rowsByTs map[int64]float64
		out      []rangevector.Row
	}
	type group struct {
		members []*member
	}
	groups := map[string]*group{}
	var order []string
	for _, rv := range series {
		gk := groupKey(rv.Key, params.By, params.Without)
		g, ok := groups[gk]
		if !ok {
			g = &group{}
			groups[gk] = g
			order = append(order, gk)
		}
		rows, err := rangevector.Drain(rv.Rows)
		if err != nil {
			return nil, AsQueryError(err)
		}
		rowsByTs := make(map[int64]float64, len(rows))
		for _, r := range rows {
			rowsByTs[r.TimestampMs] = r.Value
		}
		g.members = append(g.members, &member{labels: rv.Key, rowsByTs: rowsByTs})
	}

	var out []*rangevector.RangeVector
	for _, gk := range order {
		g := groups[gk]
		byTs := map[int64][]int{}
		var tsOrder []int64
		for mi, m := range g.members {
			for ts := range m.rowsByTs {
				if _, ok := byTs[ts]; !ok {
					tsOrder = append(tsOrder, ts)
				}
				byTs[ts] = append(byTs[ts], mi)
			}
		}
		sort.Slice(tsOrder, func(i, j int) bool { return tsOrder[i] < tsOrder[j] })

		for _, ts := range tsOrder {
			candidates := byTs[ts]
			sort.SliceStable(candidates, func(i, j int) bool {
				vi, vj := g.members[candidates[i]].rowsByTs[ts], g.members[candidates[j]].rowsByTs[ts]
				if params.AggOp == execplan.AggBottomk {
					return vi < vj
				}
				return vi > vj
			})
			n := k
			if n > len(candidates) {
				n = len(candidates)
			}
			for _, mi := range candidates[:n] {
				m := g.members[mi]
				m.out = append(m.out, rangevector.Row{TimestampMs: ts, Value: m.rowsByTs[ts]})
			}
		}

		for _, m := range g.members {
			if len(m.out) == 0 {
				continue
			}
			out = append(out, &rangevector.RangeVector{Key: m.labels, Rows: rangevector.NewSliceCursor(m.out)})
		}
	}
	return out, nil
}

// reduceCountValues buckets each group's samples by their own value,
// emitting one output series per distinct (group, value) pair carrying the
// per-timestamp count of series in that group holding that value, labeled
// with params.ParamLabel (defaulting to "value") per PromQL's
// count_values(label, vector) semantics.
func reduceCountValues(params *execplan.ReduceParams, series []*rangevector.RangeVector) ([]*rangevector.RangeVector, error) {
	label := params.ParamLabel
	if label == "" {
		label = "value"
	}

	type bucket struct {
		labels map[string]string
		counts map[int64]int
	}
	buckets := map[string]*bucket{}
	var order []string
	for _, rv := range series {
		gk := groupKey(rv.Key, params.By, params.Without)
		base := groupLabels(rv.Key, params.By, params.Without)
		rows, err := rangevector.Drain(rv.Rows)
		if err != nil {
			return nil, AsQueryError(err)
		}
		for _, r := range rows {
			valStr := strconv.FormatFloat(r.Value, 'g', -1, 64)
			bk := gk + "\x00" + valStr
			b, ok := buckets[bk]
			if !ok {
				labels := make(map[string]string, len(base)+1)
				for n, v := range base {
					labels[n] = v
				}
				labels[label] = valStr
				b = &bucket{labels: labels, counts: map[int64]int{}}
				buckets[bk] = b
				order = append(order, bk)
			}
			b.counts[r.TimestampMs]++
		}
	}

	out := make([]*rangevector.RangeVector, 0, len(order))
	for _, bk := range order {
		b := buckets[bk]
		tsOrder := make([]int64, 0, len(b.counts))
		for ts := range b.counts {
			tsOrder = append(tsOrder, ts)
		}
		sort.Slice(tsOrder, func(i, j int) bool { return tsOrder[i] < tsOrder[j] })
		rows := make([]rangevector.Row, 0, len(tsOrder))
		for _, ts := range tsOrder {
			rows = append(rows, rangevector.Row{TimestampMs: ts, Value: float64(b.counts[ts])})
		}
		out = append(out, &rangevector.RangeVector{Key: b.labels, Rows: rangevector.NewSliceCursor(rows)})
	}
	return out, nil
}
