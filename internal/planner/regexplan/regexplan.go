// Package regexplan implements the shard-key regex planner (spec §4.6):
// when a query's shard-key filters include a regex matcher, it expands
// them into a union of concrete shard-key tuples via a caller-supplied
// matcher function, compiles one subplan per tuple, and either pushes an
// enclosing aggregate into each tuple or concatenates the results.
package regexplan

import (
	"github.com/dreamware/promshard/internal/execplan"
	"github.com/dreamware/promshard/internal/logicalplan"
	"github.com/dreamware/promshard/internal/schema"
)

// Compiler is implemented by the inner planner this package delegates
// each expanded tuple's subplan to.
type Compiler interface {
	Compile(plan *logicalplan.LogicalPlan, startMs, endMs int64) (*execplan.Node, error)
}

// MatcherExpanderFn expands a selector's shard-key matchers into a union
// of concrete, fully-pinned shard-key matcher tuples (shardKeyMatcherFn in
// spec §4.6). Stateless across queries, as required.
type MatcherExpanderFn func(shardKeyMatchers []logicalplan.LabelMatcher) [][]logicalplan.LabelMatcher

// Params configures a Planner.
type Params struct {
	Dataset schema.Dataset
	Inner   Compiler
	Expand  MatcherExpanderFn
}

// Planner implements spec §4.6.
type Planner struct {
	Params Params
}

// New builds a Planner bound to params.
func New(params Params) *Planner { return &Planner{Params: params} }

// Compile expands any regex shard-key matcher on plan's selector into a
// union of concrete tuples. If none is present, it delegates to Inner
// unchanged.
func (p *Planner) Compile(plan *logicalplan.LogicalPlan, startMs, endMs int64) (*execplan.Node, error) {
	selNode := findSelector(plan)
	if selNode == nil {
		return p.Params.Inner.Compile(plan, startMs, endMs)
	}
	sel := selNode.Selector

	shardKeyMatchers, hasRegex := shardKeyRegexMatchers(sel, p.Params.Dataset)
	if !hasRegex {
		return p.Params.Inner.Compile(plan, startMs, endMs)
	}

	tuples := p.Params.Expand(shardKeyMatchers)
	if len(tuples) == 0 {
		return execplan.EmptyResult(), nil
	}

	variants := make([]*logicalplan.LogicalPlan, len(tuples))
	for i, tuple := range tuples {
		variants[i] = substituteMatchers(plan, selNode, tuple)
	}

	if plan.Kind == logicalplan.KindAggregate {
		return p.compilePushedDownAggregate(plan, variants, startMs, endMs)
	}

	children := make([]*execplan.Node, 0, len(variants))
	for _, v := range variants {
		node, err := p.Params.Inner.Compile(v, startMs, endMs)
		if err != nil {
			return nil, err
		}
		if node.Kind != execplan.KindEmptyResult {
			children = append(children, node)
		}
	}
	switch len(children) {
	case 0:
		return execplan.EmptyResult(), nil
	case 1:
		return children[0], nil
	default:
		return &execplan.Node{
			Kind:     execplan.KindLocalDistConcat,
			Reduce:   &execplan.ReduceParams{ReduceKind: execplan.ReduceConcat},
			Children: children,
			Target:   execplan.DispatchTarget{Local: true},
		}, nil
	}
}

func (p *Planner) compilePushedDownAggregate(plan *logicalplan.LogicalPlan, variants []*logicalplan.LogicalPlan, startMs, endMs int64) (*execplan.Node, error) {
	reduceParams := &execplan.ReduceParams{
		ReduceKind: execplan.ReduceAggregate,
		AggOp:      execplan.AggOp(plan.Aggregate.Op),
		By:         plan.Aggregate.By,
	}
	if plan.Aggregate.Without {
		reduceParams.Without = plan.Aggregate.By
		reduceParams.By = nil
	}

	children := make([]*execplan.Node, 0, len(variants))
	for _, v := range variants {
		node, err := p.Params.Inner.Compile(v, startMs, endMs)
		if err != nil {
			return nil, err
		}
		if node.Kind != execplan.KindEmptyResult {
			children = append(children, node)
		}
	}
	if len(children) == 0 {
		return execplan.EmptyResult(), nil
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return &execplan.Node{
		Kind:     execplan.KindMultiPartitionReduceAggregate,
		Reduce:   reduceParams,
		Children: children,
		Target:   execplan.DispatchTarget{Local: true},
	}, nil
}

func shardKeyRegexMatchers(sel *logicalplan.SelectorParams, ds schema.Dataset) ([]logicalplan.LabelMatcher, bool) {
	var out []logicalplan.LabelMatcher
	hasRegex := false
	for _, m := range sel.Matchers {
		if !ds.IsShardKeyColumn(m.Name) {
			continue
		}
		out = append(out, m)
		if m.Type == logicalplan.MatchRegexp || m.Type == logicalplan.MatchNotRegexp {
			hasRegex = true
		}
	}
	return out, hasRegex
}

// substituteMatchers clones plan, replacing the shard-key matchers on sel
// with tuple. Every other node is a shallow clone so unrelated subtrees
// (the other side of a binary expression, say) are shared rather than
// deep-copied.
func substituteMatchers(plan, sel *logicalplan.LogicalPlan, tuple []logicalplan.LabelMatcher) *logicalplan.LogicalPlan {
	if plan == sel {
		clone := *plan
		newSelector := *plan.Selector
		newSelector.Matchers = mergeMatchers(plan.Selector.Matchers, tuple)
		clone.Selector = &newSelector
		return &clone
	}
	if len(plan.Children) == 0 {
		return plan
	}
	clone := *plan
	clone.Children = make([]*logicalplan.LogicalPlan, len(plan.Children))
	for i, child := range plan.Children {
		clone.Children[i] = substituteMatchers(child, sel, tuple)
	}
	return &clone
}

func mergeMatchers(original []logicalplan.LabelMatcher, tuple []logicalplan.LabelMatcher) []logicalplan.LabelMatcher {
	tupleByName := make(map[string]logicalplan.LabelMatcher, len(tuple))
	for _, m := range tuple {
		tupleByName[m.Name] = m
	}
	out := make([]logicalplan.LabelMatcher, 0, len(original))
	seen := map[string]bool{}
	for _, m := range original {
		if replacement, ok := tupleByName[m.Name]; ok {
			out = append(out, replacement)
			seen[m.Name] = true
			continue
		}
		out = append(out, m)
	}
	for _, m := range tuple {
		if !seen[m.Name] {
			out = append(out, m)
		}
	}
	return out
}

func findSelector(plan *logicalplan.LogicalPlan) *logicalplan.LogicalPlan {
	if plan == nil {
		return nil
	}
	if plan.Kind == logicalplan.KindSelector {
		return plan
	}
	for _, child := range plan.Children {
		if sel := findSelector(child); sel != nil {
			return sel
		}
	}
	return nil
}
