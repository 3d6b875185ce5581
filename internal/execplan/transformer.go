package execplan

// Transformer is implemented by every RangeVectorTransformer kind from
// spec §4.2: operators applied to an upstream stream rather than reading
// the store directly.
type Transformer interface {
	transformer()
}

// RangeFunction enumerates the windowed range functions PeriodicSamplesMapper
// supports (spec §4.2).
type RangeFunction string

const (
	FnRate             RangeFunction = "rate"
	FnIncrease         RangeFunction = "increase"
	FnAvgOverTime      RangeFunction = "avg_over_time"
	FnMinOverTime      RangeFunction = "min_over_time"
	FnMaxOverTime      RangeFunction = "max_over_time"
	FnSumOverTime      RangeFunction = "sum_over_time"
	FnCountOverTime    RangeFunction = "count_over_time"
	FnStddevOverTime   RangeFunction = "stddev_over_time"
	FnStdvarOverTime   RangeFunction = "stdvar_over_time"
	FnLastOverTime     RangeFunction = "last_over_time"
	FnQuantileOverTime RangeFunction = "quantile_over_time"
	FnHoltWinters      RangeFunction = "holt_winters"
	FnPredictLinear    RangeFunction = "predict_linear"
	FnDeriv            RangeFunction = "deriv"
	FnChanges          RangeFunction = "changes"
	FnResets           RangeFunction = "resets"
	FnAbsentOverTime   RangeFunction = "absent_over_time"
)

// PeriodicSamplesMapper resamples an upstream stream onto a regular grid,
// optionally applying a windowed range function (spec §4.2).
type PeriodicSamplesMapper struct {
	StartMs, EndMs, StepMs int64
	WindowMs               int64 // 0 means "instant value" mode
	Function               RangeFunction
	OffsetMs               int64
	StaleDataLookbackMs    int64
	FunctionParams         []float64 // e.g. the quantile for quantile_over_time
	RawSource              bool      // true: upstream is unwindowed raw samples
}

func (PeriodicSamplesMapper) transformer() {}

// InstantFunction enumerates the pointwise transforms InstantVectorFunctionMapper
// supports (spec §4.2).
type InstantFunction string

const (
	FnAbs              InstantFunction = "abs"
	FnCeil             InstantFunction = "ceil"
	FnFloor            InstantFunction = "floor"
	FnExp              InstantFunction = "exp"
	FnLn               InstantFunction = "ln"
	FnLog2             InstantFunction = "log2"
	FnLog10            InstantFunction = "log10"
	FnSqrt             InstantFunction = "sqrt"
	FnRound            InstantFunction = "round"
	FnSgn              InstantFunction = "sgn"
	FnClampMin         InstantFunction = "clamp_min"
	FnClampMax         InstantFunction = "clamp_max"
	FnHistogramQuantile InstantFunction = "histogram_quantile"
	FnHistogramMaxQuantile InstantFunction = "histogram_max_quantile"
	FnHistogramBucket  InstantFunction = "histogram_bucket"
	FnHour             InstantFunction = "hour"
	FnMinute           InstantFunction = "minute"
	FnDayOfMonth       InstantFunction = "day_of_month"
	FnDayOfWeek        InstantFunction = "day_of_week"
	FnMonth            InstantFunction = "month"
	FnYear             InstantFunction = "year"
	FnDaysInMonth      InstantFunction = "days_in_month"
)

// InstantVectorFunctionMapper applies a pointwise function to every sample.
type InstantVectorFunctionMapper struct {
	Function InstantFunction
	Params   []float64
}

func (InstantVectorFunctionMapper) transformer() {}

// AggOp enumerates the supported aggregation operators (spec §4.2).
type AggOp string

const (
	AggSum         AggOp = "sum"
	AggAvg         AggOp = "avg"
	AggCount       AggOp = "count"
	AggGroup       AggOp = "group"
	AggMin         AggOp = "min"
	AggMax         AggOp = "max"
	AggStddev      AggOp = "stddev"
	AggStdvar      AggOp = "stdvar"
	AggTopk        AggOp = "topk"
	AggBottomk     AggOp = "bottomk"
	AggCountValues AggOp = "count_values"
	AggQuantile    AggOp = "quantile"
)

// AggregateMapReduce is the mapper stage of two-stage aggregation: it emits
// partial accumulators keyed by the grouping labels.
type AggregateMapReduce struct {
	Op      AggOp
	Params  []float64 // k for topk/bottomk, q for quantile
	Without []string
	By      []string
}

func (AggregateMapReduce) transformer() {}

// AggregatePresenter finalizes partial accumulators into the aggregate's
// presented value (e.g. avg = sum/count, topk ordering).
type AggregatePresenter struct {
	Op          AggOp
	Params      []float64
	RangeParams *struct{ StartMs, EndMs, StepMs int64 }
}

func (AggregatePresenter) transformer() {}

// AbsentFunctionMapper implements the `absent()` PromQL function: when
// upstream produced no series it emits a single series keyed by Labels
// holding one sample of value 1 at timestamp 0, and it emits nothing if
// upstream produced any series. It does not emit a value per grid point.
type AbsentFunctionMapper struct {
	Labels map[string]string
}

func (AbsentFunctionMapper) transformer() {}

// StitchRvsMapper merges multiple upstream RangeVectors sharing the same
// series key into one timestamp-ordered stream, the transform-chain form
// of stitching (as opposed to the node-level KindStitch used to combine
// whole subplans). Used when a single node already holds several
// same-key RangeVectors in hand, e.g. after a spread-change union.
type StitchRvsMapper struct{}

func (StitchRvsMapper) transformer() {}

// LabelCardinalityPresenter finalizes a LabelCardinalityExec/Reduce chain's
// partial per-shard counts into the final per-label distinct-value counts.
type LabelCardinalityPresenter struct{}

func (LabelCardinalityPresenter) transformer() {}

// TopkCardPresenter finalizes a TopkCardExec/Reduce chain's partial
// per-shard counts into the final top-k ordering.
type TopkCardPresenter struct {
	K int
}

func (TopkCardPresenter) transformer() {}
