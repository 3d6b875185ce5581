// Package cluster implements the registration and health-check protocol
// between the cmd/coordinator query router and its cmd/node ingest
// processes, modeled as a coordinator-based topology: a stateless
// coordinator compiles and dispatches queries, while nodes own
// chunkstore-backed shards.
//
// # Architecture
//
//	              ┌──────────────┐
//	              │ Coordinator  │
//	              │              │
//	              │ - ShardRegistry (shardkey.ShardMapper)
//	              │ - HealthMonitor
//	              │ - query/query_range router
//	              └──────┬───────┘
//	                     │
//	      ┌──────────────┼──────────────────┐
//	      │              │                   │
//	┌─────▼─────┐ ┌─────▼─────┐       ┌─────▼─────┐
//	│  Node 1   │ │  Node 2   │  ...  │  Node N   │
//	│ shards:   │ │ shards:   │       │ shards:   │
//	│ [0,1,2]   │ │ [3,4,5]   │       │ [6,7,8]   │
//	└───────────┘ └───────────┘       └───────────┘
//
// # Communication Protocol
//
// Node Registration (POST /register): a node announces its address; the
// coordinator assigns it a slice of chunkstore shard IDs via its
// ShardRegistry and returns them, with the cluster's total shard count, in
// the response body.
//
// Health Checking (GET /health): periodic liveness probes from the
// coordinator; a node failing 3 consecutive checks has its shards marked
// shardkey.StatusError so the planner stops targeting them.
//
// # Limitations
//
//   - No automatic shard rebalancing beyond initial round-robin assignment
//   - No replication; a node's shards become unqueryable while it is down
//   - The coordinator is a single point of failure
//
// See internal/coordinator for the registry and health monitor
// implementations, and internal/shard for the per-node shard lifecycle.
package cluster
