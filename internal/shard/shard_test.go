package shard

import (
	"context"
	"testing"

	"github.com/dreamware/promshard/internal/chunkstore"
	"github.com/dreamware/promshard/internal/index"
	"github.com/dreamware/promshard/internal/schema"
)

func newTestShard(t *testing.T, id int) *Shard {
	t.Helper()
	store := chunkstore.New(nil)
	s := NewShard(store, schema.Ref{Dataset: "metrics"}, id)
	if err := s.Setup(schema.DefaultSchemas(), chunkstore.StoreConfig{MaxChunkSize: 64, ChunkDurationMs: 3600000}); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	return s
}

func TestNewShard(t *testing.T) {
	tests := []struct {
		name string
		id   int
	}{
		{name: "create shard 0", id: 0},
		{name: "create shard with large ID", id: 999999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := chunkstore.New(nil)
			s := NewShard(store, schema.Ref{Dataset: "metrics"}, tt.id)

			if s == nil {
				t.Fatal("Expected shard instance, got nil")
			}
			if s.ID != tt.id {
				t.Errorf("Expected shard ID %d, got %d", tt.id, s.ID)
			}
			if s.Store == nil {
				t.Error("Expected store to be initialized")
			}
			if s.Stats == nil {
				t.Error("Expected stats to be initialized")
			}
			if s.CurrentState() != ShardStateAssigned {
				t.Errorf("Expected initial state Assigned, got %s", s.CurrentState())
			}
		})
	}
}

func TestShardSetupTransitionsToActive(t *testing.T) {
	s := newTestShard(t, 0)
	if s.CurrentState() != ShardStateActive {
		t.Errorf("Expected Active after Setup, got %s", s.CurrentState())
	}
	if !s.Queryable() {
		t.Error("Expected shard to be queryable after Setup")
	}
}

func TestShardIngestAndScan(t *testing.T) {
	s := newTestShard(t, 0)

	batch := chunkstore.Batch{Samples: []chunkstore.IngestSample{
		{Labels: map[string]string{"__name__": "cpu_seconds", "instance": "a"}, Row: chunkstore.Sample{TimestampMs: 1000, Value: 1}},
		{Labels: map[string]string{"__name__": "cpu_seconds", "instance": "a"}, Row: chunkstore.Sample{TimestampMs: 2000, Value: 2}},
		{Labels: map[string]string{"__name__": "cpu_seconds", "instance": "b"}, Row: chunkstore.Sample{TimestampMs: 1000, Value: 3}},
	}}

	ingested, dropped, errored, err := s.Ingest(batch)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if ingested != 3 || dropped != 0 || errored != 0 {
		t.Errorf("expected 3/0/0, got %d/%d/%d", ingested, dropped, errored)
	}

	stats := s.GetStats()
	if stats.Ops.Ingested != 3 {
		t.Errorf("expected 3 ingested in stats, got %d", stats.Ops.Ingested)
	}

	parts, err := s.ScanPartitions(context.Background(), nil, chunkstore.ChunkMethod{TimeRange: index.TimeRange{Min: 0, Max: 3000}})
	if err != nil {
		t.Fatalf("ScanPartitions failed: %v", err)
	}
	if len(parts) != 2 {
		t.Errorf("expected 2 partitions (instance=a, instance=b), got %d", len(parts))
	}

	if s.GetStats().Ops.Scans != 1 {
		t.Errorf("expected 1 scan recorded, got %d", s.GetStats().Ops.Scans)
	}
}

func TestShardInfo(t *testing.T) {
	s := newTestShard(t, 42)
	s.Ingest(chunkstore.Batch{Samples: []chunkstore.IngestSample{
		{Labels: map[string]string{"__name__": "up"}, Row: chunkstore.Sample{TimestampMs: 1000, Value: 1}},
	}})

	info := s.Info()
	if info.ID != 42 {
		t.Errorf("Expected shard ID 42, got %d", info.ID)
	}
	if info.Ref != "metrics" {
		t.Errorf("Expected ref metrics, got %s", info.Ref)
	}
	if info.State != ShardStateActive {
		t.Errorf("Expected active state, got %s", info.State)
	}
	if info.Ingested != 1 {
		t.Errorf("Expected 1 ingested, got %d", info.Ingested)
	}
}

func TestShardStateTransitions(t *testing.T) {
	s := newTestShard(t, 0)

	s.SetState(ShardStateMigrating)
	if s.CurrentState() != ShardStateMigrating {
		t.Errorf("Expected Migrating, got %s", s.CurrentState())
	}
	if !s.Queryable() {
		t.Error("Expected Migrating shard to remain queryable")
	}

	s.SetState(ShardStateDeleted)
	if s.CurrentState() != ShardStateDeleted {
		t.Errorf("Expected Deleted, got %s", s.CurrentState())
	}
	if s.Queryable() {
		t.Error("Expected Deleted shard to not be queryable")
	}
}

func TestShardConcurrentIngest(t *testing.T) {
	s := newTestShard(t, 0)

	numGoroutines := 20
	done := make(chan bool, numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer func() { done <- true }()
			batch := chunkstore.Batch{Samples: []chunkstore.IngestSample{
				{Labels: map[string]string{"__name__": "reqs", "worker": string(rune('a' + id%26))}, Row: chunkstore.Sample{TimestampMs: int64(1000 + id), Value: float64(id)}},
			}}
			if _, _, _, err := s.Ingest(batch); err != nil {
				t.Errorf("concurrent ingest failed: %v", err)
			}
		}(i)
	}
	for i := 0; i < numGoroutines; i++ {
		<-done
	}

	stats := s.GetStats()
	if stats.Ops.Ingested != uint64(numGoroutines) {
		t.Errorf("expected %d ingested, got %d", numGoroutines, stats.Ops.Ingested)
	}
}
