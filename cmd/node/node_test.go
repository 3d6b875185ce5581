package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dreamware/promshard/internal/schema"
	"github.com/dreamware/promshard/internal/tierconfig"
)

func testDataset() schema.Dataset {
	return schema.NewDataset("metrics", schema.DefaultShardKeyColumns, nil, schema.Options{})
}

func TestNewNodeWithTierUsesSuppliedStoreConfig(t *testing.T) {
	tier := tierconfig.TierConfig{MaxChunkSize: 4, ChunkDuration: time.Hour}
	n := NewNodeWithTier("n1", testDataset(), tier)
	if n.tier.MaxChunkSize != 4 {
		t.Errorf("expected tier to carry through, got %+v", n.tier)
	}
	if err := n.AssignShards([]int{0}, 1); err != nil {
		t.Fatalf("AssignShards failed: %v", err)
	}
	if n.GetShard(0) == nil {
		t.Fatal("expected shard 0 to be set up")
	}
}

func TestNodeAssignShardsSetsUpOwnedAndMasksOthers(t *testing.T) {
	n := NewNode("n1", testDataset())
	if err := n.AssignShards([]int{0, 2}, 4); err != nil {
		t.Fatalf("AssignShards failed: %v", err)
	}

	if n.NumShards() != 4 {
		t.Errorf("expected cluster size 4, got %d", n.NumShards())
	}
	if n.GetShard(0) == nil || n.GetShard(2) == nil {
		t.Error("expected shards 0 and 2 to be set up")
	}
	if n.GetShard(1) != nil || n.GetShard(3) != nil {
		t.Error("expected shards 1 and 3 to be absent on this node")
	}
}

func TestNodeNumShardsBeforeAssignment(t *testing.T) {
	n := NewNode("n1", testDataset())
	if got := n.NumShards(); got != 0 {
		t.Errorf("expected 0 before any registration, got %d", got)
	}
}

func TestHandleIngestWithoutShardsIsUnavailable(t *testing.T) {
	n := NewNode("n1", testDataset())
	body, _ := json.Marshal(struct {
		Samples []ingestSampleJSON `json:"samples"`
	}{Samples: []ingestSampleJSON{{Labels: map[string]string{"__name__": "up"}, TimestampMs: 0, Value: 1}}})

	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(body))
	w := httptest.NewRecorder()
	handleIngest(n, w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before shard assignment, got %d", w.Code)
	}
}

func TestHandleIngestRoutesByShardKeyToOwnedShards(t *testing.T) {
	n := NewNode("n1", testDataset())
	if err := n.AssignShards([]int{0, 1, 2, 3}, 4); err != nil {
		t.Fatalf("AssignShards failed: %v", err)
	}

	samples := []ingestSampleJSON{
		{Labels: map[string]string{"__name__": "up", "instance": "a"}, TimestampMs: 1000, Value: 1},
		{Labels: map[string]string{"__name__": "up", "instance": "b"}, TimestampMs: 1000, Value: 0},
	}
	body, _ := json.Marshal(struct {
		Samples []ingestSampleJSON `json:"samples"`
	}{Samples: samples})

	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(body))
	w := httptest.NewRecorder()
	handleIngest(n, w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Ingested int `json:"ingested"`
		Dropped  int `json:"dropped"`
		Errored  int `json:"errored"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// All 4 shards are owned by this node, so nothing should be dropped.
	if resp.Ingested != 2 || resp.Dropped != 0 || resp.Errored != 0 {
		t.Errorf("expected 2/0/0, got %d/%d/%d", resp.Ingested, resp.Dropped, resp.Errored)
	}
}

func TestHandleIngestDropsSamplesForUnownedShards(t *testing.T) {
	n := NewNode("n1", testDataset())
	// Own no shards out of a 4-shard cluster: everything should be dropped.
	if err := n.AssignShards(nil, 4); err != nil {
		t.Fatalf("AssignShards failed: %v", err)
	}

	samples := []ingestSampleJSON{
		{Labels: map[string]string{"__name__": "up", "instance": "a"}, TimestampMs: 1000, Value: 1},
	}
	body, _ := json.Marshal(struct {
		Samples []ingestSampleJSON `json:"samples"`
	}{Samples: samples})

	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(body))
	w := httptest.NewRecorder()
	handleIngest(n, w, req)

	var resp struct {
		Ingested int `json:"ingested"`
		Dropped  int `json:"dropped"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Ingested != 0 || resp.Dropped != 1 {
		t.Errorf("expected all samples dropped, got ingested=%d dropped=%d", resp.Ingested, resp.Dropped)
	}
}

func TestHandleQueryRangeWithoutShardsIsUnavailable(t *testing.T) {
	n := NewNode("n1", testDataset())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/query_range?query=up&start=0&end=60&step=15", nil)
	w := httptest.NewRecorder()
	handleQueryRange(n, w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before shard assignment, got %d", w.Code)
	}
}

func TestHandleQueryRangeIngestThenQuery(t *testing.T) {
	n := NewNode("n1", testDataset())
	if err := n.AssignShards([]int{0, 1, 2, 3}, 4); err != nil {
		t.Fatalf("AssignShards failed: %v", err)
	}

	ingestBody, _ := json.Marshal(struct {
		Samples []ingestSampleJSON `json:"samples"`
	}{Samples: []ingestSampleJSON{
		{Labels: map[string]string{"__name__": "up", "instance": "a"}, TimestampMs: 0, Value: 1},
		{Labels: map[string]string{"__name__": "up", "instance": "a"}, TimestampMs: 15000, Value: 1},
	}})
	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(ingestBody))
	w := httptest.NewRecorder()
	handleIngest(n, w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("ingest failed: %d %s", w.Code, w.Body.String())
	}

	qreq := httptest.NewRequest(http.MethodGet, "/api/v1/query_range?query=up&start=0&end=15&step=15", nil)
	qw := httptest.NewRecorder()
	handleQueryRange(n, qw, qreq)
	if qw.Code != http.StatusOK {
		t.Fatalf("query failed: %d %s", qw.Code, qw.Body.String())
	}

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Result []struct {
				Metric map[string]string `json:"metric"`
				Values [][2]interface{}  `json:"values"`
			} `json:"result"`
		} `json:"data"`
	}
	if err := json.NewDecoder(qw.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "success" {
		t.Fatalf("expected success, got %s", resp.Status)
	}
	if len(resp.Data.Result) == 0 {
		t.Error("expected at least one series for metric 'up'")
	}
}

func TestHandleNodeInfo(t *testing.T) {
	n := NewNode("n1", testDataset())
	if err := n.AssignShards([]int{0, 1}, 2); err != nil {
		t.Fatalf("AssignShards failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	w := httptest.NewRecorder()
	handleNodeInfo(n, w, req)

	var resp struct {
		NodeID string `json:"node_id"`
		Count  int    `json:"shard_count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.NodeID != "n1" || resp.Count != 2 {
		t.Errorf("unexpected info response: %+v", resp)
	}
}

func TestRegisterSucceedsAndConfiguresShards(t *testing.T) {
	coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Shards    []int `json:"shards"`
			NumShards int   `json:"num_shards"`
		}{Shards: []int{1, 3}, NumShards: 4})
	}))
	defer coord.Close()

	n := NewNode("n1", testDataset())
	register(context.Background(), n, coord.URL, "n1", "http://n1:8081")

	if n.NumShards() != 4 {
		t.Errorf("expected cluster size 4 after register, got %d", n.NumShards())
	}
	if n.GetShard(1) == nil || n.GetShard(3) == nil {
		t.Error("expected shards 1 and 3 to be set up after register")
	}
}

func TestRegisterRetriesOnFailureThenFatals(t *testing.T) {
	n := NewNode("n1", testDataset())

	var fatalCalled bool
	orig := logFatal
	logFatal = func(format string, args ...interface{}) { fatalCalled = true }
	defer func() { logFatal = orig }()

	unreachable := "http://127.0.0.1:1" // nothing listens here
	done := make(chan struct{})
	go func() {
		register(context.Background(), n, unreachable, "n1", "http://n1:8081")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("register did not give up in time")
	}
	if !fatalCalled {
		t.Error("expected logFatal to be invoked after persistent registration failure")
	}
}
