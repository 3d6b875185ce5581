// Package shardkey implements deterministic shard placement: the hash that
// maps a series' shard-key columns to a shardId, the spread function used
// by the single-cluster planner to pick how many shards a query class
// fans out to, and the ShardMapper contract the core uses to ask an
// external cluster-membership system which shards are assigned where.
package shardkey

import (
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// HashShardKey computes shardId = hash(shardKeyColumns) mod numShards using
// xxhash, the hash family the Mimir/Cortex ring and shard-key hashing use.
// Column values are combined in the caller-supplied order; callers (the
// planner, the ingest path) are responsible for passing a stable order,
// typically the dataset's configured shard-key column order.
func HashShardKey(values []string, numShards int) int {
	if numShards <= 0 {
		return 0
	}
	d := xxhash.New()
	for _, v := range values {
		_, _ = d.WriteString(v)
		_, _ = d.Write([]byte{0}) // separator, avoids "ab","c" colliding with "a","bc"
	}
	return int(d.Sum64() % uint64(numShards))
}

// Status is the lifecycle state of a shard as reported by an external
// ShardMapper. The core never transitions shards between states itself; it
// only reads Status to decide whether a leaf targeting that shard can be
// planned.
type Status int

const (
	StatusUnassigned Status = iota
	StatusAssigned
	StatusRecovery
	StatusActive
	StatusStopped
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusUnassigned:
		return "Unassigned"
	case StatusAssigned:
		return "Assigned"
	case StatusRecovery:
		return "Recovery"
	case StatusActive:
		return "Active"
	case StatusStopped:
		return "Stopped"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Queryable reports whether a shard in this status may be targeted by a
// new plan leaf. Per spec §8's testable property, a plan must not contain a
// leaf for a shard in {Unassigned, Error}.
func (s Status) Queryable() bool {
	return s != StatusUnassigned && s != StatusError
}

// ShardMapper is the opaque, externally-owned authority on shard placement
// and health. The core depends only on this interface (constructor-injected
// into every planner, per DESIGN NOTES) and never reaches into cluster
// membership directly.
type ShardMapper interface {
	// ShardsForCoord returns the shard IDs assigned to node.
	ShardsForCoord(node string) []int
	// StatusForShard returns the current status of shardID.
	StatusForShard(shardID int) Status
	// NumShards returns the total number of shards in the cluster.
	NumShards() int
}

// StaticShardMapper is a simple in-memory ShardMapper, suitable for the
// example cmd/ binaries and for tests: every shard defaults to
// StatusActive until explicitly overridden.
type StaticShardMapper struct {
	numShards int
	coordToShards map[string][]int
	statuses  map[int]Status
}

// NewStaticShardMapper builds a StaticShardMapper with numShards shards, all
// initially StatusActive and unassigned to any coordinator.
func NewStaticShardMapper(numShards int) *StaticShardMapper {
	statuses := make(map[int]Status, numShards)
	for i := 0; i < numShards; i++ {
		statuses[i] = StatusActive
	}
	return &StaticShardMapper{
		numShards:     numShards,
		coordToShards: map[string][]int{},
		statuses:      statuses,
	}
}

func (m *StaticShardMapper) NumShards() int { return m.numShards }

func (m *StaticShardMapper) ShardsForCoord(node string) []int {
	shards := append([]int(nil), m.coordToShards[node]...)
	sort.Ints(shards)
	return shards
}

func (m *StaticShardMapper) StatusForShard(shardID int) Status {
	if s, ok := m.statuses[shardID]; ok {
		return s
	}
	return StatusUnassigned
}

// Assign records that node owns shardID and marks it StatusActive.
func (m *StaticShardMapper) Assign(node string, shardID int) {
	m.coordToShards[node] = append(m.coordToShards[node], shardID)
	m.statuses[shardID] = StatusActive
}

// SetStatus overrides a shard's status. cmd/node uses it to mark the shards
// it does not own as StatusUnassigned, and tests use it to check that the
// planner skips shards that are not Queryable.
func (m *StaticShardMapper) SetStatus(shardID int, status Status) {
	m.statuses[shardID] = status
}

// Spread computes log2(shardsToQuery), rounded up, per spec's glossary
// definition of spread.
func Spread(shardsToQuery int) int {
	if shardsToQuery <= 1 {
		return 0
	}
	return int(math.Ceil(math.Log2(float64(shardsToQuery))))
}

// CandidateShards returns the shardIds in [0, 2^spread) queried for a shard
// key class at a given spread value, following the convention that a
// spread of s fans a shard-key class out across the low s bits of the hash
// space (2^s shards out of the cluster's full shard count).
func CandidateShards(spread int, numShards int) []int {
	count := 1 << uint(spread)
	if count > numShards {
		count = numShards
	}
	out := make([]int, count)
	for i := range out {
		out[i] = i
	}
	return out
}
