// Package shard implements the node-local lifecycle wrapper around one
// chunkstore shard: the state machine a node drives a shard through from
// coordinator assignment to decommission, plus the operation counters
// surfaced on a node's /info endpoint.
//
// # Overview
//
// A node owns zero or more Shard handles, one per chunkstore shard the
// coordinator has assigned it. Unlike chunkstore.TimeSeriesMemStore, which
// is oblivious to cluster topology, a Shard knows its own lifecycle state
// and tracks per-shard ingest/scan counters independently of its siblings
// sharing the same backing store.
//
// # State Machine
//
//	Assigned --Setup()--> Active --SetState(Migrating)--> Migrating
//	                         |                                |
//	                         +-----SetState(Deleted)-----------+--> Deleted
//
// A shard accepts ingest and is eligible for query planning once Active,
// and stays Queryable while Migrating during a handoff to another node.
// Deleted shards are not Queryable. Ingest and ScanPartitions do not check
// the state in any case. cmd/node moves a shard out of the Assigned state by
// calling Setup once the coordinator has handed its shard ID to the node.
//
// # See Also
//
//   - internal/chunkstore: the storage engine a Shard delegates to
//   - internal/coordinator: assigns shard IDs to nodes and tracks status
//   - cmd/node: wires registered shard assignments to Shard.Setup calls
package shard
