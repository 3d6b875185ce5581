// Package coordinator implements the control plane for promshard's query
// router: tracking which ingest node owns which chunkstore shard, watching
// node health, and exposing that state as a shardkey.ShardMapper the
// planner stack consumes directly.
//
// # Overview
//
// The coordinator makes no data-placement decisions of its own beyond
// round-robin shard assignment on node registration; its job is to keep an
// accurate, queryable record of assignment and health so the multipartition
// planner can compile a query into leaves that point only at shards a live
// node actually serves.
//
// # Core Components
//
// ShardRegistry: the authoritative shard-to-node map
//   - Assigns shards to nodes as they register (AssignNext)
//   - Implements shardkey.ShardMapper for direct planner consumption
//   - Flips a node's shards to shardkey.StatusError on health failure
//
// HealthMonitor: periodic liveness probing of registered nodes
//   - Polls each node's /health endpoint on a fixed interval
//   - Marks a node unhealthy after MaxFailures consecutive misses
//   - Invokes onUnhealthy/onHealthy callbacks on state transitions,
//     wired to ShardRegistry.MarkNodeUnavailable/MarkNodeAvailable
//
// # Failure Handling
//
// A node that stops answering health checks does not get its shards
// reassigned automatically — reassignment would orphan any data the node
// holds that nothing else has a copy of. Instead its shards move to
// shardkey.StatusError in the ShardRegistry, and cmd/coordinator's query
// path stops fanning out to the node once it is marked unhealthy. A query
// whose remote leaf cannot reach a node fails with a RemoteError; no partial
// result is returned.
//
// # Limitations
//
//   - Single coordinator process; no standby/failover
//   - No replication: a node's shards are unqueryable while it is down
//   - Rebalancing only happens at registration time, not automatically in
//     response to uneven load after the cluster is up
//
// # See Also
//
//   - internal/cluster: wire types and HTTP helpers shared with cmd/node
//   - internal/shard: per-node shard lifecycle wrapping chunkstore
//   - internal/shardkey: the ShardMapper contract the planner depends on
//   - cmd/coordinator: the HTTP server wiring this package together
package coordinator
