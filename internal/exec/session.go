package exec

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PlannerParams carries the per-query knobs a planner consults when
// compiling a LogicalPlan into an execplan.Node tree (spec §4.3–§4.7):
// sample and shard limits, whether partial results are acceptable on a
// partition failure, and the subquery nesting bound from SPEC_FULL.md §12.
type PlannerParams struct {
	SampleLimit         int64
	MaxShardsQueried    int64
	AllowPartialResults bool
	MaxSubqueryDepth    int
	QueryTimeout        time.Duration
}

// DefaultPlannerParams returns the defaults used when a caller doesn't
// override them; MaxSubqueryDepth of 5 resolves the Open Question in
// spec.md §9 about unbounded subquery recursion (see DESIGN.md).
func DefaultPlannerParams() PlannerParams {
	return PlannerParams{
		SampleLimit:      1_000_000,
		MaxShardsQueried: 256,
		MaxSubqueryDepth: 5,
		QueryTimeout:     30 * time.Second,
	}
}

// QuerySession is the per-query handle threaded through Execute: its
// Context carries cancellation/deadline, Stats accumulates counters shared
// across every node in the plan, and ID correlates log lines and remote
// dispatch calls (SPEC_FULL.md §11's uuid wiring).
type QuerySession struct {
	ID     string
	Ctx    context.Context
	Params PlannerParams
	Stats  *QueryStats
}

// NewQuerySession starts a session bound to ctx, applying params.QueryTimeout
// as a deadline when set.
func NewQuerySession(ctx context.Context, params PlannerParams) (*QuerySession, context.CancelFunc) {
	cancel := func() {}
	if params.QueryTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, params.QueryTimeout)
	}
	return &QuerySession{
		ID:     uuid.NewString(),
		Ctx:    ctx,
		Params: params,
		Stats:  NewQueryStats(),
	}, cancel
}

// CheckSampleLimit returns a SampleLimitExceeded QueryError once the
// session's accumulated sample count has passed Params.SampleLimit.
func (s *QuerySession) CheckSampleLimit() error {
	if s.Params.SampleLimit <= 0 {
		return nil
	}
	if s.Stats.SamplesScanned() > s.Params.SampleLimit {
		return NewQueryError(ErrKindSampleLimitExceeded, "scanned %d samples, limit %d", s.Stats.SamplesScanned(), s.Params.SampleLimit)
	}
	return nil
}

// CheckShardLimit returns a TooManyShardsQueried QueryError once the
// session's accumulated shard count has passed Params.MaxShardsQueried.
func (s *QuerySession) CheckShardLimit() error {
	if s.Params.MaxShardsQueried <= 0 {
		return nil
	}
	if s.Stats.ShardsQueried() > s.Params.MaxShardsQueried {
		return NewQueryError(ErrKindTooManyShards, "queried %d shards, limit %d", s.Stats.ShardsQueried(), s.Params.MaxShardsQueried)
	}
	return nil
}
