// Package dispatch implements the Dispatcher abstraction (spec §4.8):
// deciding whether an execplan.Node subtree runs in-process or is shipped
// to a remote partition/coordinator, and fanning out concurrent dispatches.
package dispatch

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/promshard/internal/chunkstore"
	"github.com/dreamware/promshard/internal/exec"
	"github.com/dreamware/promshard/internal/execplan"
)

// Dispatcher executes a Node, whether locally or by forwarding to a remote
// endpoint, and returns its series-shaped result.
type Dispatcher interface {
	Dispatch(qs *exec.QuerySession, node *execplan.Node) (*exec.Result, error)
}

// InProcessPlanDispatcher executes every node directly against a local
// store, the common case when a single process holds every shard a query
// touches (spec §4.8).
type InProcessPlanDispatcher struct {
	Store  *chunkstore.TimeSeriesMemStore
	Logger log.Logger
}

// NewInProcessPlanDispatcher builds a dispatcher bound to store. logger may
// be nil, in which case a no-op logger is used.
func NewInProcessPlanDispatcher(store *chunkstore.TimeSeriesMemStore, logger log.Logger) *InProcessPlanDispatcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &InProcessPlanDispatcher{Store: store, Logger: logger}
}

func (d *InProcessPlanDispatcher) Dispatch(qs *exec.QuerySession, node *execplan.Node) (*exec.Result, error) {
	level.Debug(d.Logger).Log("msg", "dispatching plan node", "kind", node.Kind, "queryId", qs.ID)
	return exec.Execute(qs, d.Store, node)
}

// RemoteClient is the minimal interface an ActorPlanDispatcher needs from
// an RPC/HTTP transport to a remote partition or coordinator; the wire
// format itself is out of scope (spec.md §1's external-collaborator list),
// so this core only depends on the shape of the call.
type RemoteClient interface {
	ExecuteRemote(qs *exec.QuerySession, target execplan.DispatchTarget, node *execplan.Node) (*exec.Result, error)
}

// ActorPlanDispatcher routes a Node to a local InProcessPlanDispatcher when
// its DispatchTarget.Local is true, or forwards it to RemoteClient
// otherwise — the multi-partition / actor-cluster case (spec §4.5, §4.8).
// Children of a composite node are fanned out concurrently via errgroup
// (SPEC_FULL.md §11's wiring of golang.org/x/sync/errgroup), each child
// independently routed by the same rule.
type ActorPlanDispatcher struct {
	Local  *InProcessPlanDispatcher
	Remote RemoteClient
	Logger log.Logger
}

// NewActorPlanDispatcher builds a dispatcher that executes local subtrees
// in-process via local and forwards remote-targeted subtrees to remote.
func NewActorPlanDispatcher(local *InProcessPlanDispatcher, remote RemoteClient, logger log.Logger) *ActorPlanDispatcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &ActorPlanDispatcher{Local: local, Remote: remote, Logger: logger}
}

// Dispatch routes node per its kind: a leaf or empty result executes
// in-process or forwards to Remote per its own Target; a composite node
// (stitch, concat, reduce) always recurses into its children through d
// first, since the composite itself may straddle a local subtree and one
// or more remote partitions — only the leaves it bottoms out at carry a
// meaningful dispatch target. Composite results are folded with the same
// combinators Execute uses internally (exec.CombineStitch/CombineReduce),
// so a mixed-target plan never needs a second, divergent reduce
// implementation at this layer.
func (d *ActorPlanDispatcher) Dispatch(qs *exec.QuerySession, node *execplan.Node) (*exec.Result, error) {
	switch node.Kind {
	case execplan.KindLeaf, execplan.KindEmptyResult:
		if node.Target.Local {
			return d.Local.Dispatch(qs, node)
		}
		level.Debug(d.Logger).Log("msg", "forwarding plan node to remote cluster", "cluster", node.Target.ClusterName, "queryId", qs.ID)
		return d.Remote.ExecuteRemote(qs, node.Target, node)

	case execplan.KindStitch:
		results, err := DispatchAll(d, qs, node.Children)
		if err != nil {
			return nil, err
		}
		return exec.CombineStitch(results), nil

	case execplan.KindLocalDistConcat, execplan.KindLocalReduceAggregate, execplan.KindMultiPartitionReduceAggregate:
		results, err := DispatchAll(d, qs, node.Children)
		if err != nil {
			return nil, err
		}
		return exec.CombineReduce(qs, node, results)

	default:
		// Binary joins and set ops never straddle partitions in this
		// planner stack (both sides are compiled against the same
		// routing key), so they execute as one local unit.
		return d.Local.Dispatch(qs, node)
	}
}

// DispatchAll fans a node's children out to d concurrently, short-circuiting
// on the first error (the §5 "reducers fail fast" contract), and returns
// each child's result in input order.
func DispatchAll(d Dispatcher, qs *exec.QuerySession, children []*execplan.Node) ([]*exec.Result, error) {
	results := make([]*exec.Result, len(children))
	g, ctx := errgroup.WithContext(qs.Ctx)
	for i, child := range children {
		i, child := i, child
		g.Go(func() error {
			childQs := &exec.QuerySession{ID: qs.ID, Ctx: ctx, Params: qs.Params, Stats: qs.Stats}
			r, err := d.Dispatch(childQs, child)
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
