// Package shard implements the per-node lifecycle wrapper around a
// chunkstore shard. See doc.go for complete package documentation.
package shard

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dreamware/promshard/internal/chunkstore"
	"github.com/dreamware/promshard/internal/index"
	"github.com/dreamware/promshard/internal/schema"
)

// ShardState represents the current operational state of a shard, determining
// whether it accepts ingest and is eligible for query planning.
//
// State transitions follow specific rules:
//   - Assigned → Active: once Setup against the backing store completes
//   - Active → Migrating: when the shard needs to move to another node
//   - Migrating → Active: after successful migration completion
//   - Active → Deleted: when the shard is being decommissioned
//
// Thread Safety:
// State changes must be protected by the shard's mutex to ensure
// consistency during concurrent operations.
type ShardState string

const (
	// ShardStateAssigned indicates the shard has been assigned by the
	// coordinator but Setup against the backing store has not yet run.
	ShardStateAssigned ShardState = "assigned"

	// ShardStateActive indicates the shard is fully operational: it accepts
	// ingest and participates in query planning.
	ShardStateActive ShardState = "active"

	// ShardStateMigrating indicates the shard is being moved to another
	// node. It stays Queryable; Ingest does not check the state, so new
	// samples are still accepted.
	ShardStateMigrating ShardState = "migrating"

	// ShardStateDeleted indicates the shard is marked for deletion.
	// Queryable reports false for it; Ingest and ScanPartitions do not check
	// the state.
	ShardStateDeleted ShardState = "deleted"
)

// Shard is a node-local handle on one chunkstore shard: it owns the
// dataset/shard coordinates, tracks operational state and statistics, and
// delegates the actual storage work to a shared TimeSeriesMemStore.
//
// Concurrency model:
//   - Read operations on immutable fields (ID, Ref) are lock-free
//   - State changes require exclusive locking
//   - Storage operations are delegated to the thread-safe store
//   - Statistics use atomic operations for lock-free updates
type Shard struct {
	// Store is the shared storage backend this shard's data lives in. One
	// TimeSeriesMemStore instance typically backs every shard a node owns.
	Store *chunkstore.TimeSeriesMemStore

	// Stats tracks operational metrics for monitoring. Never nil after
	// NewShard.
	Stats *ShardStats

	// mu protects State.
	mu sync.RWMutex

	// State tracks the current operational state of the shard.
	State ShardState

	// Ref names the dataset this shard holds data for.
	Ref schema.Ref

	// ID is the chunkstore shard ID within Ref's dataset, assigned by the
	// coordinator.
	ID int
}

// ShardStats tracks cumulative operation counts for a shard. All fields are
// updated atomically to avoid lock contention.
type ShardStats struct {
	Ops IngestStats
}

// IngestStats mirrors the three-way outcome chunkstore.Ingest reports per
// batch, accumulated across every batch this shard has processed.
type IngestStats struct {
	Ingested uint64
	Dropped  uint64
	Errored  uint64
	Scans    uint64
}

// ShardInfo is a point-in-time snapshot of a shard's identity and state,
// suitable for serializing in a node's /info response.
type ShardInfo struct {
	Ref      string
	State    ShardState
	ID       int
	Ingested uint64
	Dropped  uint64
}

// NewShard creates a shard handle for (ref, id) backed by store. The shard
// starts in ShardStateAssigned; call Setup to configure the backing store
// and transition it to ShardStateActive.
func NewShard(store *chunkstore.TimeSeriesMemStore, ref schema.Ref, id int) *Shard {
	return &Shard{
		Store: store,
		Ref:   ref,
		ID:    id,
		State: ShardStateAssigned,
		Stats: &ShardStats{},
	}
}

// Setup configures the backing store for this shard's (ref, ID) and
// transitions it to ShardStateActive on success.
func (s *Shard) Setup(schemas schema.SchemaSet, cfg chunkstore.StoreConfig) error {
	if err := s.Store.Setup(s.Ref, s.ID, schemas, cfg); err != nil {
		return err
	}
	s.SetState(ShardStateActive)
	return nil
}

// Ingest appends batch into this shard's partitions, tracking the outcome
// in Stats. Ingest against a non-Active shard still attempts the write —
// Migrating shards keep accepting reads/writes from the old owner until
// the coordinator flips routing to the new one.
func (s *Shard) Ingest(batch chunkstore.Batch) (ingested, dropped, errored int, err error) {
	ingested, dropped, errored, err = s.Store.Ingest(s.Ref, s.ID, batch)
	atomic.AddUint64(&s.Stats.Ops.Ingested, uint64(ingested))
	atomic.AddUint64(&s.Stats.Ops.Dropped, uint64(dropped))
	atomic.AddUint64(&s.Stats.Ops.Errored, uint64(errored))
	return ingested, dropped, errored, err
}

// ScanPartitions delegates to the backing store's scan, tracking the call
// in Stats.
func (s *Shard) ScanPartitions(ctx context.Context, filters []index.Filter, method chunkstore.ChunkMethod) ([]chunkstore.ScannedPartition, error) {
	atomic.AddUint64(&s.Stats.Ops.Scans, 1)
	return s.Store.ScanPartitions(ctx, s.Ref, s.ID, filters, method)
}

// GetStats returns a consistent snapshot of this shard's operation
// counters.
func (s *Shard) GetStats() ShardStats {
	return ShardStats{
		Ops: IngestStats{
			Ingested: atomic.LoadUint64(&s.Stats.Ops.Ingested),
			Dropped:  atomic.LoadUint64(&s.Stats.Ops.Dropped),
			Errored:  atomic.LoadUint64(&s.Stats.Ops.Errored),
			Scans:    atomic.LoadUint64(&s.Stats.Ops.Scans),
		},
	}
}

// Info returns metadata about the shard for admin/monitoring responses.
func (s *Shard) Info() ShardInfo {
	s.mu.RLock()
	state := s.State
	s.mu.RUnlock()

	stats := s.GetStats()
	return ShardInfo{
		Ref:      s.Ref.String(),
		ID:       s.ID,
		State:    state,
		Ingested: stats.Ops.Ingested,
		Dropped:  stats.Ops.Dropped,
	}
}

// SetState updates the shard's operational state. Transitions should be
// coordinated with the coordinator's ShardRegistry so routing decisions
// stay consistent with what the node will actually serve.
func (s *Shard) SetState(state ShardState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

// CurrentState returns the shard's current operational state.
func (s *Shard) CurrentState() ShardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// Queryable reports whether this shard should be scanned for an incoming
// query: true for Active and Migrating (data still lives here during a
// handoff), false for Assigned (no data yet) and Deleted.
func (s *Shard) Queryable() bool {
	switch s.CurrentState() {
	case ShardStateActive, ShardStateMigrating:
		return true
	default:
		return false
	}
}
