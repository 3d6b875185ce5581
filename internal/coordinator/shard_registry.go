// Package coordinator implements the orchestration layer for promshard's
// query-router control plane. See doc.go for complete package documentation.
package coordinator

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dreamware/promshard/internal/shardkey"
)

// ShardRegistry tracks which ingest node owns which chunkstore shard and
// each shard's shardkey.Status, serving as the coordinator's authoritative
// source for planner routing decisions.
//
// Unlike a static config-file shardkey.ShardMapper, assignments here change
// at runtime as nodes register (AssignNext) and as the HealthMonitor
// reports failures (MarkNodeUnavailable/MarkNodeAvailable) — a planner
// holding a *ShardRegistry sees those changes on its very next Compile
// call, with no restart required.
//
// Concurrency Model:
//   - Read operations (ShardsForCoord, StatusForShard, NumShards) use RLock
//   - Write operations use Lock
//   - All returned slices are copies
type ShardRegistry struct {
	mu         sync.RWMutex
	numShards  int
	nodeShards map[string][]int // nodeID -> shard IDs it owns
	shardNode  map[int]string   // shardID -> owning nodeID
	statuses   map[int]shardkey.Status
	nextAssign int // round-robin cursor consumed by AssignNext
}

// NewShardRegistry creates a registry managing numShards shards, all
// initially shardkey.StatusUnassigned.
func NewShardRegistry(numShards int) *ShardRegistry {
	statuses := make(map[int]shardkey.Status, numShards)
	for i := 0; i < numShards; i++ {
		statuses[i] = shardkey.StatusUnassigned
	}
	return &ShardRegistry{
		numShards:  numShards,
		nodeShards: map[string][]int{},
		shardNode:  map[int]string{},
		statuses:   statuses,
	}
}

// NumShards implements shardkey.ShardMapper.
func (r *ShardRegistry) NumShards() int {
	return r.numShards
}

// ShardsForCoord implements shardkey.ShardMapper: the shard IDs currently
// assigned to node, sorted for deterministic planner output.
func (r *ShardRegistry) ShardsForCoord(node string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	shards := append([]int(nil), r.nodeShards[node]...)
	sort.Ints(shards)
	return shards
}

// StatusForShard implements shardkey.ShardMapper.
func (r *ShardRegistry) StatusForShard(shardID int) shardkey.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.statuses[shardID]; ok {
		return s
	}
	return shardkey.StatusUnassigned
}

// NodeForShard returns the node currently owning shardID, or ok=false if
// the shard is unassigned. Used by the coordinator's partition-location
// provider to turn a compiled shard ID into a remote node endpoint.
func (r *ShardRegistry) NodeForShard(shardID int) (node string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok = r.shardNode[shardID]
	return node, ok
}

// AssignShard assigns shardID to node directly, marking it
// shardkey.StatusActive. Used for explicit placement (tests, manual
// rebalancing); AssignNext is the path new nodes take on registration.
func (r *ShardRegistry) AssignShard(shardID int, node string) error {
	if shardID < 0 || shardID >= r.numShards {
		return fmt.Errorf("invalid shard ID %d, must be in range [0, %d)", shardID, r.numShards)
	}
	if node == "" {
		return errors.New("node ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.shardNode[shardID]; ok && prev != node {
		r.nodeShards[prev] = removeInt(r.nodeShards[prev], shardID)
	}
	r.shardNode[shardID] = node
	r.nodeShards[node] = appendUnique(r.nodeShards[node], shardID)
	r.statuses[shardID] = shardkey.StatusActive
	return nil
}

// AssignNext hands a newly registering node its share of the still-unowned
// shards, spreading ownership round-robin across numTargetNodes so that
// registering N nodes against a C-shard cluster gives each roughly C/N
// shards. Returns the shard IDs handed to node.
//
// numTargetNodes is the cluster's expected final node count (from
// configuration), not the number currently registered — this keeps each
// node's initial allotment stable as the rest of the cluster joins, rather
// than shrinking every node's share on every new registration.
func (r *ShardRegistry) AssignNext(node string, numTargetNodes int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if numTargetNodes <= 0 {
		numTargetNodes = 1
	}
	perNode := r.numShards / numTargetNodes
	if perNode == 0 {
		perNode = 1
	}

	assigned := make([]int, 0, perNode)
	for len(assigned) < perNode && r.nextAssign < r.numShards {
		shardID := r.nextAssign
		r.nextAssign++
		if _, owned := r.shardNode[shardID]; owned {
			continue
		}
		r.shardNode[shardID] = node
		r.nodeShards[node] = appendUnique(r.nodeShards[node], shardID)
		r.statuses[shardID] = shardkey.StatusActive
		assigned = append(assigned, shardID)
	}
	sort.Ints(assigned)
	return assigned
}

// MarkNodeUnavailable flips every shard node owns to shardkey.StatusError.
// Called from HealthMonitor's onUnhealthy callback so in-flight and future
// plans stop targeting them instead of timing out against a dead node.
func (r *ShardRegistry) MarkNodeUnavailable(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, shardID := range r.nodeShards[node] {
		r.statuses[shardID] = shardkey.StatusError
	}
}

// MarkNodeAvailable restores node's shards to shardkey.StatusActive. Called
// from HealthMonitor's onHealthy callback when a previously failing node
// starts passing checks again.
func (r *ShardRegistry) MarkNodeAvailable(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, shardID := range r.nodeShards[node] {
		r.statuses[shardID] = shardkey.StatusActive
	}
}

// RemoveNode unassigns every shard node owns, returning them to
// shardkey.StatusUnassigned and making them eligible for a future
// AssignNext call. Used when a node is decommissioned outright rather than
// merely observed unhealthy.
func (r *ShardRegistry) RemoveNode(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, shardID := range r.nodeShards[node] {
		delete(r.shardNode, shardID)
		r.statuses[shardID] = shardkey.StatusUnassigned
	}
	delete(r.nodeShards, node)
}

// AllNodes returns the IDs of every node currently owning at least one
// shard, sorted for deterministic iteration (broadcast fan-out, status
// dumps).
func (r *ShardRegistry) AllNodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]string, 0, len(r.nodeShards))
	for n := range r.nodeShards {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}

func removeInt(vals []int, v int) []int {
	out := vals[:0]
	for _, x := range vals {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func appendUnique(vals []int, v int) []int {
	for _, x := range vals {
		if x == v {
			return vals
		}
	}
	return append(vals, v)
}
