package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/dreamware/promshard/internal/cluster"
	"github.com/dreamware/promshard/internal/exec"
	"github.com/dreamware/promshard/internal/execplan"
	"github.com/dreamware/promshard/internal/rangevector"
)

func TestGetenv(t *testing.T) {
	t.Setenv("COORD_TEST_VAR", "set")
	if got := getenv("COORD_TEST_VAR", "default"); got != "set" {
		t.Errorf("expected 'set', got %q", got)
	}
	os.Unsetenv("COORD_TEST_UNSET")
	if got := getenv("COORD_TEST_UNSET", "default"); got != "default" {
		t.Errorf("expected default, got %q", got)
	}
}

func TestGetenvInt(t *testing.T) {
	t.Setenv("COORD_TEST_INT", "32")
	if got := getenvInt("COORD_TEST_INT", 16); got != 32 {
		t.Errorf("expected 32, got %d", got)
	}
	t.Setenv("COORD_TEST_INT_BAD", "not-a-number")
	if got := getenvInt("COORD_TEST_INT_BAD", 16); got != 16 {
		t.Errorf("expected fallback 16 for bad int, got %d", got)
	}
}

func TestParseTimeParam(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    int64
		wantErr bool
	}{
		{name: "integer seconds", in: "60", want: 60000},
		{name: "fractional seconds", in: "1.5", want: 1500},
		{name: "zero", in: "0", want: 0},
		{name: "empty", in: "", wantErr: true},
		{name: "garbage", in: "abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTimeParam(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestParseRangeParams(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/query_range?start=0&end=60&step=15", nil)
	startMs, endMs, stepMs, err := parseRangeParams(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if startMs != 0 || endMs != 60000 || stepMs != 15000 {
		t.Errorf("got start=%d end=%d step=%d", startMs, endMs, stepMs)
	}

	bad := httptest.NewRequest(http.MethodGet, "/api/v1/query_range?start=0", nil)
	if _, _, _, err := parseRangeParams(bad); err == nil {
		t.Error("expected error for missing end")
	}
}

func TestNewServer(t *testing.T) {
	t.Setenv("SHARD_COUNT", "8")
	srv := newServer()
	if srv.registry.NumShards() != 8 {
		t.Errorf("expected 8 shards, got %d", srv.registry.NumShards())
	}
	if len(srv.nodes) != 0 {
		t.Errorf("expected no nodes on a fresh server, got %d", len(srv.nodes))
	}
}

func TestServerMarkNodeStatusUpdatesNodeStatus(t *testing.T) {
	srv := newServer()
	srv.nodes = []cluster.NodeInfo{{ID: "n1", Addr: "http://n1", Status: healthStatusUnknown}}
	srv.registry.AssignShard(0, "n1")

	srv.healthMonitor.SetOnUnhealthy(nil)
	srv.markNodeStatus("n1", healthStatusUnhealthy)
	srv.registry.MarkNodeUnavailable("n1")
	if srv.nodes[0].Status != healthStatusUnhealthy {
		t.Errorf("expected node marked unhealthy, got %s", srv.nodes[0].Status)
	}

	srv.markNodeStatus("n1", healthStatusHealthy)
	srv.registry.MarkNodeAvailable("n1")
	if srv.nodes[0].Status != healthStatusHealthy {
		t.Errorf("expected node marked healthy, got %s", srv.nodes[0].Status)
	}
}

func TestHandleRegisterNewAndReregister(t *testing.T) {
	srv := newServer()

	body, _ := json.Marshal(cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "n1", Addr: "http://n1:8081"}})
	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.handleRegister(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Shards    []int `json:"shards"`
		NumShards int   `json:"num_shards"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.NumShards != srv.registry.NumShards() {
		t.Errorf("expected num_shards=%d, got %d", srv.registry.NumShards(), resp.NumShards)
	}
	if len(resp.Shards) == 0 {
		t.Error("expected at least one shard assigned to the first node")
	}

	// Re-registering the same node ID should return its existing assignment,
	// not a fresh round-robin pick, and should update its address.
	body2, _ := json.Marshal(cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "n1", Addr: "http://n1-new:8081"}})
	req2 := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(body2))
	w2 := httptest.NewRecorder()
	srv.handleRegister(w2, req2)

	var resp2 struct {
		Shards    []int `json:"shards"`
		NumShards int   `json:"num_shards"`
	}
	json.NewDecoder(w2.Body).Decode(&resp2)
	if len(resp2.Shards) != len(resp.Shards) {
		t.Errorf("expected reregistration to keep the same shard count, got %d vs %d", len(resp2.Shards), len(resp.Shards))
	}
	if srv.nodes[0].Addr != "http://n1-new:8081" {
		t.Errorf("expected address update on reregister, got %s", srv.nodes[0].Addr)
	}
}

func TestHandleRegisterRejectsMissingFields(t *testing.T) {
	srv := newServer()
	body, _ := json.Marshal(cluster.RegisterRequest{})
	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.handleRegister(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing id/addr, got %d", w.Code)
	}
}

func TestHandleListNodes(t *testing.T) {
	srv := newServer()
	srv.nodes = []cluster.NodeInfo{
		{ID: "n1", Addr: "http://n1", Status: healthStatusHealthy},
		{ID: "n2", Addr: "http://n2", Status: healthStatusUnknown},
	}

	req := httptest.NewRequest(http.MethodGet, "/nodes", nil)
	w := httptest.NewRecorder()
	srv.handleListNodes(w, req)

	var resp struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(resp.Nodes))
	}
}

func TestHandleQueryRangeWithNoNodesReturnsEmptyMatrix(t *testing.T) {
	srv := newServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/query_range?query=up&start=0&end=60&step=15", nil)
	w := httptest.NewRecorder()
	srv.handleQueryRange(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Result []json.RawMessage `json:"result"`
		} `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "success" {
		t.Errorf("expected success status, got %s", resp.Status)
	}
	if len(resp.Data.Result) != 0 {
		t.Errorf("expected no series with no nodes registered, got %d", len(resp.Data.Result))
	}
}

func TestHandleQueryRangeBadQuery(t *testing.T) {
	srv := newServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/query_range?query=(((&start=0&end=60&step=15", nil)
	w := httptest.NewRecorder()
	srv.handleQueryRange(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unparsable query, got %d", w.Code)
	}
}

func TestNodePartitionProviderSkipsUnhealthyNodes(t *testing.T) {
	srv := newServer()
	srv.nodes = []cluster.NodeInfo{
		{ID: "n1", Addr: "http://n1", Status: healthStatusHealthy},
		{ID: "n2", Addr: "http://n2", Status: healthStatusUnhealthy},
	}
	p := &nodePartitionProvider{srv: srv}
	parts := p.GetAuthorizedPartitions(execplan.TimeRange{})
	if len(parts) != 1 {
		t.Fatalf("expected 1 partition (unhealthy node excluded), got %d", len(parts))
	}
	if parts[0].Name != "n1" {
		t.Errorf("expected partition for n1, got %s", parts[0].Name)
	}
	if parts[0].EndpointURL != "http://n1/api/v1/query_range" {
		t.Errorf("unexpected endpoint URL: %s", parts[0].EndpointURL)
	}
}

func TestWriteMatrixResponse(t *testing.T) {
	rows := rangevector.NewSliceCursor([]rangevector.Row{
		{TimestampMs: 0, Value: 1},
		{TimestampMs: 15000, Value: 2.5},
	})
	result := &exec.Result{Series: []*rangevector.RangeVector{
		{Key: map[string]string{"__name__": "up"}, Rows: rows},
	}}

	w := httptest.NewRecorder()
	writeMatrixResponse(w, result)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			ResultType string `json:"resultType"`
			Result     []struct {
				Metric map[string]string `json:"metric"`
				Values [][2]interface{} `json:"values"`
			} `json:"result"`
		} `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "success" || resp.Data.ResultType != "matrix" {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
	if len(resp.Data.Result) != 1 || len(resp.Data.Result[0].Values) != 2 {
		t.Fatalf("unexpected result shape: %+v", resp.Data.Result)
	}
}
