// Package main implements the promshard coordinator service: a stateless
// control plane that tracks which nodes own which chunkstore shards and
// fans incoming PromQL queries out to those nodes' query endpoints.
//
// The coordinator is the central control plane for the cluster,
// responsible for:
//   - Node registration and shard assignment
//   - Node health monitoring and failure/recovery propagation
//   - Compiling and dispatching query_range requests across nodes
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│            Coordinator                   │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /register          - Node registration│
//	│    /nodes             - List active nodes│
//	│    /api/v1/query_range - Run a query     │
//	│    /health            - Health check     │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    server        - HTTP handler state   │
//	│    ShardRegistry - Shard assignments    │
//	│    HealthMonitor - Node health checks   │
//	│    multipartition.Planner - Query fan-out│
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - COORDINATOR_ADDR: Listen address (default: ":8080")
//   - SHARD_COUNT: Total shard count for the cluster (default: 16)
//   - DATASET_NAME: Dataset name queries are compiled against (default: "metrics")
//   - HEALTH_CHECK_INTERVAL: Node health-check cadence (default: 5s)
//
// Example usage:
//
//	# Start coordinator
//	COORDINATOR_ADDR=:8080 ./coordinator
//
//	# Register a node
//	curl -X POST localhost:8080/register \
//	  -d '{"node":{"id":"node-1","addr":"http://localhost:8081"}}'
//
//	# Run a query
//	curl 'localhost:8080/api/v1/query_range?query=up&start=0&end=60&step=15'
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/promshard/internal/cluster"
	"github.com/dreamware/promshard/internal/coordinator"
	"github.com/dreamware/promshard/internal/dispatch"
	"github.com/dreamware/promshard/internal/exec"
	"github.com/dreamware/promshard/internal/execplan"
	"github.com/dreamware/promshard/internal/logicalplan"
	"github.com/dreamware/promshard/internal/planner/multipartition"
	"github.com/dreamware/promshard/internal/promql"
	"github.com/dreamware/promshard/internal/remoteexec"
	"github.com/dreamware/promshard/internal/schema"
)

// Health status constants for node health monitoring
const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
	healthStatusUnknown   = "unknown"
)

// main initializes and runs the coordinator service, setting up HTTP
// endpoints for cluster management and query routing, and gracefully
// handling shutdown signals.
func main() {
	addr := getenv("COORDINATOR_ADDR", ":8080")

	srv := newServer()

	go srv.healthMonitor.Start(context.Background(), func() []cluster.NodeInfo {
		srv.mu.RLock()
		defer srv.mu.RUnlock()
		nodes := make([]cluster.NodeInfo, len(srv.nodes))
		copy(nodes, srv.nodes)
		return nodes
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/register", srv.handleRegister)
	mux.HandleFunc("/nodes", srv.handleListNodes)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/query_range", srv.handleQueryRange)

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("coordinator listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("stopping health monitor...")
	srv.healthMonitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Println("coordinator stopped")
}

// server encapsulates the coordinator's runtime state: registered nodes,
// the shard registry tracking which node owns which shard, the health
// monitor, and the dataset queries are compiled against.
type server struct {
	registry      *coordinator.ShardRegistry
	healthMonitor *coordinator.HealthMonitor
	remote        *remoteexec.Client
	dataset       schema.Dataset

	nodes []cluster.NodeInfo
	mu    sync.RWMutex
}

// newServer builds a coordinator server with a shard registry sized per
// SHARD_COUNT, a health monitor wired to mark shards unavailable/available
// as nodes fail and recover, and a remote-execution client for dispatching
// queries to nodes.
func newServer() *server {
	numShards := getenvInt("SHARD_COUNT", 16)
	dataset := schema.NewDataset(getenv("DATASET_NAME", "metrics"), schema.DefaultShardKeyColumns, nil, schema.Options{})

	healthInterval := 5 * time.Second
	if envInterval := os.Getenv("HEALTH_CHECK_INTERVAL"); envInterval != "" {
		if parsed, err := time.ParseDuration(envInterval); err == nil {
			healthInterval = parsed
		}
	}

	srv := &server{
		registry:      coordinator.NewShardRegistry(numShards),
		healthMonitor: coordinator.NewHealthMonitor(healthInterval),
		remote:        remoteexec.NewClient(nil),
		dataset:       dataset,
	}

	srv.healthMonitor.SetOnUnhealthy(func(nodeID string) {
		log.Printf("node %s is unhealthy, marking its shards unavailable", nodeID)
		srv.markNodeStatus(nodeID, healthStatusUnhealthy)
		srv.registry.MarkNodeUnavailable(nodeID)
	})
	srv.healthMonitor.SetOnHealthy(func(nodeID string) {
		log.Printf("node %s recovered, marking its shards available", nodeID)
		srv.markNodeStatus(nodeID, healthStatusHealthy)
		srv.registry.MarkNodeAvailable(nodeID)
	})

	return srv
}

// markNodeStatus updates the recorded status of a registered node by ID.
func (s *server) markNodeStatus(nodeID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.nodes {
		if n.ID == nodeID {
			s.nodes[i].Status = status
			return
		}
	}
}

// handleRegister processes node registration requests, assigning shards to
// new nodes via round-robin distribution across the cluster.
//
// Endpoint: POST /register
//
// Request body:
//
//	{"node": {"id": "node-1", "addr": "http://host:port"}}
//
// Response body (200 OK):
//
//	{"shards": [0, 2, 4], "num_shards": 16}
func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	idx := slices.IndexFunc(s.nodes, func(n cluster.NodeInfo) bool { return n.ID == req.Node.ID })
	if idx >= 0 {
		s.nodes[idx].Addr = req.Node.Addr
		shards := s.nodes[idx].Shards
		s.mu.Unlock()
		s.writeRegisterResponse(w, shards)
		return
	}

	req.Node.Status = healthStatusUnknown
	s.nodes = append(s.nodes, req.Node)
	numNodes := len(s.nodes)
	s.mu.Unlock()

	shards := s.registry.AssignNext(req.Node.ID, numNodes)

	s.mu.Lock()
	for i, n := range s.nodes {
		if n.ID == req.Node.ID {
			s.nodes[i].Shards = shards
			break
		}
	}
	s.mu.Unlock()

	log.Printf("registered node %s @ %s, assigned shards %v", req.Node.ID, req.Node.Addr, shards)
	s.writeRegisterResponse(w, shards)
}

func (s *server) writeRegisterResponse(w http.ResponseWriter, shards []int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Shards    []int `json:"shards"`
		NumShards int   `json:"num_shards"`
	}{Shards: shards, NumShards: s.registry.NumShards()})
}

// handleListNodes returns the list of all registered nodes, annotated with
// their current health status.
//
// Endpoint: GET /nodes
func (s *server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	allHealth := s.healthMonitor.GetAllNodeHealth()
	nodes := make([]cluster.NodeInfo, len(s.nodes))
	for i, node := range s.nodes {
		nodes[i] = node
		if health := allHealth[node.ID]; health != nil {
			nodes[i].Status = health.Status
			nodes[i].LastHealthCheck = health.LastCheck
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
	}{Nodes: nodes}); err != nil {
		log.Printf("error encoding nodes response: %v", err)
	}
}

// handleQueryRange compiles an incoming PromQL range query into a
// multi-partition plan over every registered node and dispatches it,
// returning a Prometheus-shaped matrix response.
//
// Endpoint: GET /api/v1/query_range?query=...&start=...&end=...&step=...
func (s *server) handleQueryRange(w http.ResponseWriter, r *http.Request) {
	queryText := r.URL.Query().Get("query")
	startMs, endMs, stepMs, err := parseRangeParams(r)
	if err != nil {
		writeQueryError(w, http.StatusBadRequest, err.Error())
		return
	}

	expr, err := promql.Parse(queryText)
	if err != nil {
		writeQueryError(w, http.StatusBadRequest, err.Error())
		return
	}
	plan, err := logicalplan.Lower(expr)
	if err != nil {
		writeQueryError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := logicalplan.CheckSubqueryDepth(plan, logicalplan.DefaultMaxSubqueryDepth); err != nil {
		writeQueryError(w, http.StatusBadRequest, err.Error())
		return
	}
	logicalplan.RewriteLabels(plan, s.dataset)

	mp := multipartition.New(multipartition.Params{
		Provider:   &nodePartitionProvider{srv: s},
		RoutingKey: func(*logicalplan.LogicalPlan) string { return "" },
		PromQLText: queryText,
		StepMs:     stepMs,
	})

	planNode, err := mp.Compile(plan, startMs, endMs)
	if err != nil {
		writeQueryError(w, http.StatusInternalServerError, err.Error())
		return
	}

	dispatcher := dispatch.NewActorPlanDispatcher(dispatch.NewInProcessPlanDispatcher(nil, nil), s.remote, nil)
	qs, cancel := exec.NewQuerySession(r.Context(), exec.DefaultPlannerParams())
	defer cancel()

	result, err := dispatcher.Dispatch(qs, planNode)
	if err != nil {
		writeQueryError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeMatrixResponse(w, result)
}

// nodePartitionProvider adapts the coordinator's registered-node list to
// multipartition.PartitionLocationProvider: every node not marked unhealthy
// (healthy, or not yet checked) is a remote partition covering the full requested time range, since shard routing
// within a node is the single-cluster planner's job, not the
// coordinator's.
type nodePartitionProvider struct {
	srv *server
}

func (p *nodePartitionProvider) GetPartitions(string, execplan.TimeRange) []multipartition.PartitionAssignment {
	return nil
}

func (p *nodePartitionProvider) GetAuthorizedPartitions(tr execplan.TimeRange) []multipartition.PartitionAssignment {
	p.srv.mu.RLock()
	defer p.srv.mu.RUnlock()

	out := make([]multipartition.PartitionAssignment, 0, len(p.srv.nodes))
	for _, n := range p.srv.nodes {
		if n.Status == healthStatusUnhealthy {
			continue
		}
		out = append(out, multipartition.PartitionAssignment{
			Name:        n.ID,
			EndpointURL: n.Addr + "/api/v1/query_range",
			Local:       false,
			TimeRange:   tr,
		})
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func parseRangeParams(r *http.Request) (startMs, endMs, stepMs int64, err error) {
	startMs, err = parseTimeParam(r.URL.Query().Get("start"))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("bad start: %w", err)
	}
	endMs, err = parseTimeParam(r.URL.Query().Get("end"))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("bad end: %w", err)
	}
	if step := r.URL.Query().Get("step"); step != "" {
		secs, err := strconv.ParseFloat(step, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("bad step: %w", err)
		}
		stepMs = int64(secs * 1000)
	}
	return startMs, endMs, stepMs, nil
}

func parseTimeParam(v string) (int64, error) {
	if v == "" {
		return 0, fmt.Errorf("required")
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	return int64(secs * 1000), nil
}

func writeQueryError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}{Status: "error", Error: msg})
}

// writeMatrixResponse serializes an exec.Result into the Prometheus
// query_range JSON envelope, the wire shape both remoteexec.Client and
// external PromQL clients expect.
func writeMatrixResponse(w http.ResponseWriter, result *exec.Result) {
	type seriesJSON struct {
		Metric map[string]string `json:"metric"`
		Values [][2]interface{}  `json:"values"`
	}

	out := make([]seriesJSON, 0, len(result.Series))
	for _, rv := range result.Series {
		values := make([][2]interface{}, 0)
		for rv.Rows.Next() {
			row := rv.Rows.Row()
			values = append(values, [2]interface{}{
				float64(row.TimestampMs) / 1000,
				strconv.FormatFloat(row.Value, 'f', -1, 64),
			})
		}
		_ = rv.Rows.Close()
		out = append(out, seriesJSON{Metric: rv.Key, Values: values})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
		Data   struct {
			ResultType string       `json:"resultType"`
			Result     []seriesJSON `json:"result"`
		} `json:"data"`
	}{
		Status: "success",
		Data: struct {
			ResultType string       `json:"resultType"`
			Result     []seriesJSON `json:"result"`
		}{ResultType: "matrix", Result: out},
	})
}
