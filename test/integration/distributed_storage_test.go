package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"
)

// TestSystem represents the coordinator + node cluster under test.
type TestSystem struct {
	t          *testing.T
	coord      *exec.Cmd
	nodes      []*exec.Cmd
	coordAddr  string
	nodeAddrs  []string
	httpClient *http.Client
}

// NewTestSystem creates a new test system with a coordinator and two nodes.
func NewTestSystem(t *testing.T) *TestSystem {
	return &TestSystem{
		t:         t,
		coordAddr: "http://127.0.0.1:18080", // high ports to avoid conflicts
		nodeAddrs: []string{
			"http://127.0.0.1:18081",
			"http://127.0.0.1:18082",
		},
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Start builds (if needed) and launches the coordinator and nodes,
// blocking until every service answers its health check and has had time
// to register.
func (ts *TestSystem) Start() error {
	if _, err := os.Stat("./bin/coordinator"); os.IsNotExist(err) {
		ts.t.Log("building coordinator binary...")
		if err := exec.Command("go", "build", "-o", "bin/coordinator", "./cmd/coordinator").Run(); err != nil {
			return fmt.Errorf("failed to build coordinator: %w", err)
		}
	}
	if _, err := os.Stat("./bin/node"); os.IsNotExist(err) {
		ts.t.Log("building node binary...")
		if err := exec.Command("go", "build", "-o", "bin/node", "./cmd/node").Run(); err != nil {
			return fmt.Errorf("failed to build node: %w", err)
		}
	}

	ts.t.Log("starting coordinator...")
	ts.coord = exec.Command("./bin/coordinator")
	ts.coord.Env = append(os.Environ(), "COORDINATOR_ADDR=:18080", "SHARD_COUNT=4")
	ts.coord.Stdout = os.Stdout
	ts.coord.Stderr = os.Stderr
	if err := ts.coord.Start(); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	if err := ts.waitForService(ts.coordAddr + "/health"); err != nil {
		return fmt.Errorf("coordinator failed to start: %w", err)
	}

	for i, addr := range ts.nodeAddrs {
		ts.t.Logf("starting node %d...", i+1)
		node := exec.Command("./bin/node")
		node.Env = append(os.Environ(),
			fmt.Sprintf("NODE_ID=n%d", i+1),
			fmt.Sprintf("NODE_LISTEN=:1808%d", i+1),
			fmt.Sprintf("NODE_ADDR=%s", addr),
			fmt.Sprintf("COORDINATOR_ADDR=%s", ts.coordAddr),
		)
		node.Stdout = os.Stdout
		node.Stderr = os.Stderr
		if err := node.Start(); err != nil {
			return fmt.Errorf("failed to start node %d: %w", i+1, err)
		}
		ts.nodes = append(ts.nodes, node)

		if err := ts.waitForService(addr + "/health"); err != nil {
			return fmt.Errorf("node %d failed to start: %w", i+1, err)
		}
	}

	// Give nodes time to register and receive their shard assignment.
	time.Sleep(500 * time.Millisecond)
	return nil
}

// Stop gracefully terminates all spawned processes.
func (ts *TestSystem) Stop() {
	for i, node := range ts.nodes {
		if node != nil && node.Process != nil {
			ts.t.Logf("stopping node %d...", i+1)
			node.Process.Kill()
			node.Wait()
		}
	}
	if ts.coord != nil && ts.coord.Process != nil {
		ts.t.Log("stopping coordinator...")
		ts.coord.Process.Kill()
		ts.coord.Wait()
	}
}

func (ts *TestSystem) waitForService(url string) error {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := ts.httpClient.Get(url)
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			return nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", url)
}

type testSample struct {
	Labels      map[string]string `json:"labels"`
	TimestampMs int64             `json:"timestamp_ms"`
	Value       float64           `json:"value"`
}

// Ingest scatters a batch of samples to every node. Each node keeps only
// the samples whose shard-key hash maps to a shard it owns and drops the
// rest, so broadcasting is a safe (if wasteful) way for a test client that
// doesn't track shard assignment to guarantee delivery.
func (ts *TestSystem) Ingest(samples []testSample) error {
	body, err := json.Marshal(struct {
		Samples []testSample `json:"samples"`
	}{Samples: samples})
	if err != nil {
		return err
	}
	for _, addr := range ts.nodeAddrs {
		resp, err := ts.httpClient.Post(addr+"/ingest", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("ingest to %s: %w", addr, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("ingest to %s: status %d", addr, resp.StatusCode)
		}
	}
	return nil
}

type queryResult struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Data   struct {
		Result []struct {
			Metric map[string]string `json:"metric"`
			Values [][2]interface{}  `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

// QueryRange runs a PromQL range query against the coordinator.
func (ts *TestSystem) QueryRange(query string, startMs, endMs, stepMs int64) (*queryResult, error) {
	url := fmt.Sprintf("%s/api/v1/query_range?query=%s&start=%s&end=%s&step=%s",
		ts.coordAddr,
		query,
		strconv.FormatFloat(float64(startMs)/1000, 'f', 3, 64),
		strconv.FormatFloat(float64(endMs)/1000, 'f', 3, 64),
		strconv.FormatFloat(float64(stepMs)/1000, 'f', 3, 64),
	)
	resp, err := ts.httpClient.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result queryResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetNodes returns the list of nodes the coordinator has registered.
func (ts *TestSystem) GetNodes() ([]map[string]interface{}, error) {
	resp, err := ts.httpClient.Get(ts.coordAddr + "/nodes")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result struct {
		Nodes []map[string]interface{} `json:"nodes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Nodes, nil
}

// TestDistributedQuerying runs end-to-end tests against a coordinator and
// two nodes: ingest followed by a PromQL range query that must fan out
// across both.
func TestDistributedQuerying(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if _, err := os.Stat("./bin/coordinator"); os.IsNotExist(err) {
		t.Skip("skipping integration test: coordinator binary not found (build ./cmd/coordinator into ./bin/coordinator first)")
	}
	if _, err := os.Stat("./bin/node"); os.IsNotExist(err) {
		t.Skip("skipping integration test: node binary not found (build ./cmd/node into ./bin/node first)")
	}

	ts := NewTestSystem(t)
	if err := ts.Start(); err != nil {
		t.Fatalf("failed to start test system: %v", err)
	}
	defer ts.Stop()

	t.Run("ClusterVisibility", func(t *testing.T) { testClusterVisibility(t, ts) })
	t.Run("IngestAndQuery", func(t *testing.T) { testIngestAndQuery(t, ts) })
	t.Run("QueryNonExistentMetric", func(t *testing.T) { testQueryNonExistentMetric(t, ts) })
	t.Run("AggregateAcrossNodes", func(t *testing.T) { testAggregateAcrossNodes(t, ts) })
}

func testClusterVisibility(t *testing.T, ts *TestSystem) {
	nodes, err := ts.GetNodes()
	if err != nil {
		t.Fatalf("failed to get nodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Errorf("expected 2 registered nodes, got %d", len(nodes))
	}
}

func testIngestAndQuery(t *testing.T, ts *TestSystem) {
	samples := []testSample{
		{Labels: map[string]string{"__name__": "up", "instance": "a"}, TimestampMs: 0, Value: 1},
		{Labels: map[string]string{"__name__": "up", "instance": "a"}, TimestampMs: 15000, Value: 1},
		{Labels: map[string]string{"__name__": "up", "instance": "b"}, TimestampMs: 0, Value: 0},
	}
	if err := ts.Ingest(samples); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	result, err := ts.QueryRange("up", 0, 15000, 15000)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if result.Status != "success" {
		t.Fatalf("expected success, got status=%s error=%s", result.Status, result.Error)
	}
	if len(result.Data.Result) == 0 {
		t.Error("expected at least one series for metric 'up'")
	}
}

func testQueryNonExistentMetric(t *testing.T, ts *TestSystem) {
	result, err := ts.QueryRange("this_metric_was_never_ingested", 0, 15000, 15000)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if result.Status != "success" {
		t.Fatalf("expected success with empty result, got status=%s error=%s", result.Status, result.Error)
	}
	if len(result.Data.Result) != 0 {
		t.Errorf("expected no series, got %d", len(result.Data.Result))
	}
}

func testAggregateAcrossNodes(t *testing.T, ts *TestSystem) {
	samples := make([]testSample, 0, 20)
	for i := 0; i < 20; i++ {
		samples = append(samples, testSample{
			Labels:      map[string]string{"__name__": "requests_total", "pod": fmt.Sprintf("pod-%d", i)},
			TimestampMs: 0,
			Value:       float64(i),
		})
	}
	if err := ts.Ingest(samples); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	result, err := ts.QueryRange("sum(requests_total)", 0, 1000, 1000)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if result.Status != "success" {
		t.Fatalf("expected success, got status=%s error=%s", result.Status, result.Error)
	}
	if len(result.Data.Result) != 1 {
		t.Fatalf("expected a single summed series, got %d", len(result.Data.Result))
	}
}
