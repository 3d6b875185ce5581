// Package multipartition implements the multi-partition planner
// (spec §4.5): for a routing key (the query's pinned shard-key values), it
// asks a PartitionLocationProvider which partitions own which sub-ranges of
// the query window, delegates local sub-ranges to an inner single-partition
// planner, and emits a remote PromQL fragment for everything else.
package multipartition

import (
	"fmt"

	"github.com/dreamware/promshard/internal/execplan"
	"github.com/dreamware/promshard/internal/logicalplan"
)

// Compiler is implemented by the inner (single-partition) planner this
// package delegates local sub-ranges to.
type Compiler interface {
	Compile(plan *logicalplan.LogicalPlan, startMs, endMs int64) (*execplan.Node, error)
}

// PartitionAssignment names the partition owning a sub-range of the query
// window: Local, evaluated by the inner Compiler, or remote, evaluated by
// issuing PromQL against EndpointURL.
type PartitionAssignment struct {
	Name        string
	EndpointURL string
	Local       bool
	TimeRange   execplan.TimeRange
}

// PartitionLocationProvider is the cluster-topology authority this planner
// is constructor-injected with (DESIGN NOTES: planners never look up
// topology themselves).
type PartitionLocationProvider interface {
	GetPartitions(routingKey string, tr execplan.TimeRange) []PartitionAssignment
	GetAuthorizedPartitions(tr execplan.TimeRange) []PartitionAssignment
}

// RoutingKeyFn extracts the routing key (typically the query's shard-key
// column values joined into one string) a plan should be located by.
type RoutingKeyFn func(plan *logicalplan.LogicalPlan) string

// Params configures a Planner.
type Params struct {
	Provider        PartitionLocationProvider
	RoutingKey      RoutingKeyFn
	Local           Compiler
	PromQLText      string // the original query text, forwarded verbatim to remote partitions
	RemoteTimeoutMs int64
	StepMs          int64
}

// Planner implements spec §4.5.
type Planner struct {
	Params Params
}

// New builds a Planner bound to params.
func New(params Params) *Planner { return &Planner{Params: params} }

// Compile implements the push-down rule: an associative aggregate is
// pushed into every partition and united with a MultiPartitionReduceAggregate;
// anything else is compiled per partition and stitched back together
// in-process.
func (p *Planner) Compile(plan *logicalplan.LogicalPlan, startMs, endMs int64) (*execplan.Node, error) {
	tr := execplan.TimeRange{StartMs: startMs, EndMs: endMs}
	routingKey := p.Params.RoutingKey(plan)

	partitions := p.Params.Provider.GetPartitions(routingKey, tr)
	if len(partitions) == 0 {
		partitions = p.Params.Provider.GetAuthorizedPartitions(tr)
	}
	if len(partitions) == 0 {
		return execplan.EmptyResult(), nil
	}

	if plan.Kind == logicalplan.KindAggregate {
		switch execplan.AggOp(plan.Aggregate.Op) {
		case execplan.AggSum, execplan.AggMin, execplan.AggMax, execplan.AggGroup:
			return p.compilePushedDownAggregate(plan, partitions)
		}
	}

	children := make([]*execplan.Node, 0, len(partitions))
	for _, part := range partitions {
		node, err := p.compilePartition(plan, part)
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
		return execplan.Stitch(children...), nil
	}
}

func (p *Planner) compilePushedDownAggregate(plan *logicalplan.LogicalPlan, partitions []PartitionAssignment) (*execplan.Node, error) {
	reduceParams := &execplan.ReduceParams{
		ReduceKind: execplan.ReduceAggregate,
		AggOp:      execplan.AggOp(plan.Aggregate.Op),
		By:         plan.Aggregate.By,
	}
	if plan.Aggregate.Without {
		reduceParams.Without = plan.Aggregate.By
		reduceParams.By = nil
	}

	children := make([]*execplan.Node, 0, len(partitions))
	for _, part := range partitions {
		node, err := p.compilePartition(plan, part)
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

func (p *Planner) compilePartition(plan *logicalplan.LogicalPlan, part PartitionAssignment) (*execplan.Node, error) {
	if part.Local {
		return p.Params.Local.Compile(plan, part.TimeRange.StartMs, part.TimeRange.EndMs)
	}
	if p.Params.PromQLText == "" {
		return nil, fmt.Errorf("multipartition: no PromQL text to forward to remote partition %q", part.Name)
	}
	node := execplan.NewLeaf(execplan.PromQlRemoteExec{
		Endpoint:  part.EndpointURL,
		TimeoutMs: p.Params.RemoteTimeoutMs,
		PromQL:    p.Params.PromQLText,
		TimeRange: part.TimeRange,
		StepMs:    p.Params.StepMs,
	})
	node.Target = execplan.DispatchTarget{Local: false, ClusterName: part.Name}
	return node, nil
}
