package coordinator

import (
	"fmt"
	"sync"
	"testing"

	"github.com/dreamware/promshard/internal/shardkey"
)

func TestNewShardRegistry(t *testing.T) {
	tests := []struct {
		name      string
		numShards int
	}{
		{name: "create with 1 shard", numShards: 1},
		{name: "create with 4 shards", numShards: 4},
		{name: "create with 100 shards", numShards: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewShardRegistry(tt.numShards)

			if registry == nil {
				t.Fatal("Expected registry instance, got nil")
			}
			if registry.NumShards() != tt.numShards {
				t.Errorf("Expected %d shards, got %d", tt.numShards, registry.NumShards())
			}
			for i := 0; i < tt.numShards; i++ {
				if got := registry.StatusForShard(i); got != shardkey.StatusUnassigned {
					t.Errorf("shard %d: expected StatusUnassigned, got %v", i, got)
				}
			}
		})
	}
}

func TestShardAssignment(t *testing.T) {
	t.Run("assign shard to node", func(t *testing.T) {
		registry := NewShardRegistry(4)

		if err := registry.AssignShard(0, "node1"); err != nil {
			t.Fatalf("Failed to assign shard: %v", err)
		}

		node, ok := registry.NodeForShard(0)
		if !ok || node != "node1" {
			t.Errorf("expected node1 to own shard 0, got %q (ok=%v)", node, ok)
		}
		if status := registry.StatusForShard(0); status != shardkey.StatusActive {
			t.Errorf("expected StatusActive after assignment, got %v", status)
		}
	})

	t.Run("reassign shard to different node", func(t *testing.T) {
		registry := NewShardRegistry(4)
		registry.AssignShard(0, "node1")

		if err := registry.AssignShard(0, "node2"); err != nil {
			t.Fatalf("Failed to reassign shard: %v", err)
		}

		node, _ := registry.NodeForShard(0)
		if node != "node2" {
			t.Errorf("Expected node2 after reassignment, got %s", node)
		}
		if shards := registry.ShardsForCoord("node1"); len(shards) != 0 {
			t.Errorf("expected node1 to lose shard 0 on reassignment, still owns %v", shards)
		}
	})

	t.Run("assign invalid shard ID", func(t *testing.T) {
		registry := NewShardRegistry(4)

		if err := registry.AssignShard(5, "node1"); err == nil {
			t.Error("Expected error for invalid shard ID, got nil")
		}
		if err := registry.AssignShard(-1, "node1"); err == nil {
			t.Error("Expected error for negative shard ID, got nil")
		}
	})

	t.Run("assign with empty node ID", func(t *testing.T) {
		registry := NewShardRegistry(4)

		if err := registry.AssignShard(0, ""); err == nil {
			t.Error("Expected error for empty node ID, got nil")
		}
	})
}

func TestAssignNext(t *testing.T) {
	t.Run("spreads shards round robin across target node count", func(t *testing.T) {
		registry := NewShardRegistry(12)

		n1 := registry.AssignNext("node1", 3)
		n2 := registry.AssignNext("node2", 3)
		n3 := registry.AssignNext("node3", 3)

		if len(n1) != 4 || len(n2) != 4 || len(n3) != 4 {
			t.Fatalf("expected 4 shards per node, got %d %d %d", len(n1), len(n2), len(n3))
		}

		seen := map[int]bool{}
		for _, shards := range [][]int{n1, n2, n3} {
			for _, s := range shards {
				if seen[s] {
					t.Errorf("shard %d assigned to more than one node", s)
				}
				seen[s] = true
			}
		}
		if len(seen) != 12 {
			t.Errorf("expected all 12 shards assigned, got %d", len(seen))
		}
	})

	t.Run("never reassigns an already-owned shard", func(t *testing.T) {
		registry := NewShardRegistry(4)
		registry.AssignShard(0, "node1")

		assigned := registry.AssignNext("node2", 2)
		for _, s := range assigned {
			if s == 0 {
				t.Error("AssignNext reassigned shard 0, which node1 already owns")
			}
		}
	})
}

func TestNodeForShard(t *testing.T) {
	t.Run("unassigned shard reports ok=false", func(t *testing.T) {
		registry := NewShardRegistry(4)

		if _, ok := registry.NodeForShard(0); ok {
			t.Error("expected ok=false for unassigned shard")
		}
	})
}

func TestShardsForCoord(t *testing.T) {
	t.Run("returns sorted shard IDs for a node", func(t *testing.T) {
		registry := NewShardRegistry(6)
		registry.AssignShard(4, "node1")
		registry.AssignShard(0, "node1")
		registry.AssignShard(2, "node1")
		registry.AssignShard(1, "node2")

		shards := registry.ShardsForCoord("node1")
		if len(shards) != 3 {
			t.Fatalf("expected 3 shards, got %d", len(shards))
		}
		want := []int{0, 2, 4}
		for i, s := range shards {
			if s != want[i] {
				t.Errorf("position %d: expected %d, got %d", i, want[i], s)
			}
		}

		if shards := registry.ShardsForCoord("node-absent"); len(shards) != 0 {
			t.Errorf("expected 0 shards for unassigned node, got %d", len(shards))
		}
	})
}

func TestMarkNodeUnavailableAndAvailable(t *testing.T) {
	registry := NewShardRegistry(4)
	registry.AssignShard(0, "node1")
	registry.AssignShard(1, "node1")
	registry.AssignShard(2, "node2")

	registry.MarkNodeUnavailable("node1")
	if s := registry.StatusForShard(0); s != shardkey.StatusError {
		t.Errorf("expected shard 0 StatusError, got %v", s)
	}
	if s := registry.StatusForShard(1); s != shardkey.StatusError {
		t.Errorf("expected shard 1 StatusError, got %v", s)
	}
	if s := registry.StatusForShard(2); s != shardkey.StatusActive {
		t.Errorf("expected shard 2 (node2) unaffected, got %v", s)
	}

	registry.MarkNodeAvailable("node1")
	if s := registry.StatusForShard(0); s != shardkey.StatusActive {
		t.Errorf("expected shard 0 StatusActive after recovery, got %v", s)
	}
}

func TestRemoveNode(t *testing.T) {
	registry := NewShardRegistry(4)
	registry.AssignShard(0, "node1")
	registry.AssignShard(1, "node1")

	registry.RemoveNode("node1")

	if shards := registry.ShardsForCoord("node1"); len(shards) != 0 {
		t.Errorf("expected node1 to own no shards after removal, got %v", shards)
	}
	if s := registry.StatusForShard(0); s != shardkey.StatusUnassigned {
		t.Errorf("expected shard 0 StatusUnassigned after node removal, got %v", s)
	}
	if _, ok := registry.NodeForShard(0); ok {
		t.Error("expected shard 0 to have no owner after node removal")
	}
}

func TestAllNodes(t *testing.T) {
	registry := NewShardRegistry(4)
	registry.AssignShard(0, "node2")
	registry.AssignShard(1, "node1")
	registry.AssignShard(2, "node3")

	nodes := registry.AllNodes()
	want := []string{"node1", "node2", "node3"}
	if len(nodes) != len(want) {
		t.Fatalf("expected %d nodes, got %d", len(want), len(nodes))
	}
	for i, n := range nodes {
		if n != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], n)
		}
	}
}

func TestShardRegistryConcurrentOperations(t *testing.T) {
	t.Run("concurrent assignments", func(t *testing.T) {
		registry := NewShardRegistry(100)

		var wg sync.WaitGroup
		numGoroutines := 50
		wg.Add(numGoroutines)
		for i := 0; i < numGoroutines; i++ {
			go func(id int) {
				defer wg.Done()
				shardID := id % 100
				nodeID := fmt.Sprintf("node%d", id%10)
				registry.AssignShard(shardID, nodeID)
			}(i)
		}
		wg.Wait()

		if len(registry.AllNodes()) == 0 {
			t.Error("Expected some assignments after concurrent operations")
		}
	})

	t.Run("concurrent reads", func(t *testing.T) {
		registry := NewShardRegistry(10)
		for i := 0; i < 10; i++ {
			registry.AssignShard(i, fmt.Sprintf("node%d", i%3))
		}

		var wg sync.WaitGroup
		numReaders := 100
		wg.Add(numReaders)
		for i := 0; i < numReaders; i++ {
			go func(id int) {
				defer wg.Done()
				registry.StatusForShard(id % 10)
				registry.NodeForShard(id % 10)
				registry.ShardsForCoord(fmt.Sprintf("node%d", id%3))
				registry.AllNodes()
			}(i)
		}
		wg.Wait()
	})

	t.Run("concurrent mixed operations", func(t *testing.T) {
		registry := NewShardRegistry(20)

		var wg sync.WaitGroup
		numOps := 100

		wg.Add(numOps)
		for i := 0; i < numOps; i++ {
			go func(id int) {
				defer wg.Done()
				registry.AssignShard(id%20, fmt.Sprintf("node%d", id%5))
			}(i)
		}

		wg.Add(numOps)
		for i := 0; i < numOps; i++ {
			go func(id int) {
				defer wg.Done()
				registry.StatusForShard(id % 20)
				registry.NodeForShard(id % 20)
			}(i)
		}

		wg.Add(numOps / 2)
		for i := 0; i < numOps/2; i++ {
			go func(id int) {
				defer wg.Done()
				registry.MarkNodeUnavailable(fmt.Sprintf("node%d", id%5))
			}(i)
		}

		wg.Wait()

		if err := registry.AssignShard(0, "final-node"); err != nil {
			t.Errorf("Registry not functional after concurrent ops: %v", err)
		}
	})
}

func TestRebalancingViaAssignNext(t *testing.T) {
	t.Run("distributes shards across nodes as they register", func(t *testing.T) {
		registry := NewShardRegistry(12)
		nodes := []string{"node1", "node2", "node3"}

		for _, n := range nodes {
			registry.AssignNext(n, len(nodes))
		}

		for _, nodeID := range nodes {
			shards := registry.ShardsForCoord(nodeID)
			if len(shards) < 3 || len(shards) > 5 {
				t.Errorf("Node %s has unbalanced shard count: %d", nodeID, len(shards))
			}
		}

		if len(registry.AllNodes()) != len(nodes) {
			t.Errorf("expected %d nodes registered, got %d", len(nodes), len(registry.AllNodes()))
		}
	})
}
