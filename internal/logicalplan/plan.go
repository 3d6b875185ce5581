// Package logicalplan defines LogicalPlan, the tagged-variant tree a
// parsed PromQL AST is lowered into before a planner compiles it to an
// execplan.Node tree (spec §4.3). Representing it the same way as
// execplan.Node — one struct, a Kind discriminant, one populated variant
// field — keeps the label-rewrite and histogram-bucket-rewrite visitors
// plain tree-walks, per the DESIGN NOTES guidance.
package logicalplan

import "time"

// Kind discriminates which variant field of LogicalPlan is populated.
type Kind string

const (
	KindSelector  Kind = "selector"
	KindMatrix    Kind = "matrix"
	KindRangeFunc Kind = "rangeFunc"
	KindInstantFunc Kind = "instantFunc"
	KindAggregate Kind = "aggregate"
	KindBinary    Kind = "binary"
	KindNumber    Kind = "number"
	KindSubquery  Kind = "subquery"
)

// MatchType mirrors labels.MatchType without importing the upstream
// package into every consumer of this tree.
type MatchType string

const (
	MatchEqual    MatchType = "="
	MatchNotEqual MatchType = "!="
	MatchRegexp   MatchType = "=~"
	MatchNotRegexp MatchType = "!~"
)

// LabelMatcher is one selector filter.
type LabelMatcher struct {
	Name  string
	Type  MatchType
	Value string
}

// SelectorParams configures a KindSelector leaf: an instant vector
// selector, metric name folded into Matchers as a matcher on the dataset's
// metric column (post label-rewrite).
type SelectorParams struct {
	Matchers []LabelMatcher
	Offset   time.Duration
}

// MatrixParams configures a KindMatrix node: Children[0] is the
// underlying selector, Range is the lookback window.
type MatrixParams struct {
	Range time.Duration
}

// RangeFuncParams configures a KindRangeFunc node wrapping a KindMatrix
// child. Function matches execplan.RangeFunction string values directly,
// since the Prometheus parser's function names already agree with ours.
type RangeFuncParams struct {
	Function string
	Params   []float64
}

// InstantFuncParams configures a KindInstantFunc node.
type InstantFuncParams struct {
	Function string
	Params   []float64
}

// AggregateParams configures a KindAggregate node. Op matches
// execplan.AggOp string values directly.
type AggregateParams struct {
	Op      string
	By      []string
	Without bool
	Param   float64 // k (topk/bottomk) or q (quantile)
	HasParam bool
	ParamLabel string // label name for count_values
}

// BinaryParams configures a KindBinary node. Op matches execplan.BinaryOp
// string values directly.
type BinaryParams struct {
	Op          string
	On          []string
	Ignoring    []string
	Include     []string
	Cardinality string // "OneToOne", "ManyToOne", "OneToMany", "ManyToMany"
	ReturnBool  bool
}

// SubqueryParams configures a KindSubquery node: Children[0] evaluated as
// an instant vector repeatedly over [Range] at [Step] resolution.
type SubqueryParams struct {
	Range  time.Duration
	Step   time.Duration
	Offset time.Duration
}

// LogicalPlan is one node of the lowered-PromQL tree.
type LogicalPlan struct {
	Kind Kind

	Selector    *SelectorParams
	Matrix      *MatrixParams
	RangeFunc   *RangeFuncParams
	InstantFunc *InstantFuncParams
	Aggregate   *AggregateParams
	Binary      *BinaryParams
	Number      float64
	Subquery    *SubqueryParams

	Children []*LogicalPlan
}

// DefaultMaxSubqueryDepth resolves the Open Question in spec.md §9 about
// unbounded subquery recursion (SPEC_FULL.md §12, decided in DESIGN.md).
const DefaultMaxSubqueryDepth = 5
