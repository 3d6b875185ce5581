// Package main implements the promshard node service: the worker that owns
// a set of chunkstore shards assigned by the coordinator, accepts sample
// ingest for them, and answers PromQL query_range requests against its own
// local shards.
//
// The node is a worker in the promshard cluster, responsible for:
//   - Registering with the coordinator and receiving a shard assignment
//   - Accepting sample ingest, routed to the correct local shard
//   - Compiling and executing query_range requests against local shards
//   - Responding to coordinator health checks
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                 Node                     │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health             - Health check    │
//	│    /info               - Node/shard info │
//	│    /ingest             - Sample ingest   │
//	│    /api/v1/query_range - Local query     │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    Node              - Runtime state    │
//	│    shard.Shard map   - Owned shards     │
//	│    chunkstore        - Shared backend   │
//	│    singlecluster.Planner - Local query plan│
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - NODE_ID: Unique node identifier (required)
//   - NODE_LISTEN: Listen address (default: ":8081")
//   - NODE_ADDR: Public address for coordinator (default: "http://127.0.0.1:8081")
//   - COORDINATOR_ADDR: Coordinator URL (required)
//   - DATASET_NAME: Dataset name queries are compiled against (default: "metrics")
//   - TIER_CONFIG_FILE: Optional path to a tierconfig YAML file; falls back
//     to tierconfig.DefaultConfig's single in-memory raw tier
//
// Example usage:
//
//	NODE_ID=node-1 \
//	NODE_LISTEN=:8081 \
//	NODE_ADDR=http://localhost:8081 \
//	COORDINATOR_ADDR=http://localhost:8080 \
//	./node
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/dreamware/promshard/internal/chunkstore"
	"github.com/dreamware/promshard/internal/cluster"
	"github.com/dreamware/promshard/internal/dispatch"
	"github.com/dreamware/promshard/internal/exec"
	"github.com/dreamware/promshard/internal/logicalplan"
	"github.com/dreamware/promshard/internal/planner/singlecluster"
	"github.com/dreamware/promshard/internal/promql"
	"github.com/dreamware/promshard/internal/schema"
	"github.com/dreamware/promshard/internal/shard"
	"github.com/dreamware/promshard/internal/shardkey"
	"github.com/dreamware/promshard/internal/tierconfig"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

// Node represents a storage node in the cluster, managing the chunkstore
// shards the coordinator assigned it.
type Node struct {
	// ID uniquely identifies this node in the cluster.
	ID string

	// store is the single backing store every owned shard delegates to.
	store *chunkstore.TimeSeriesMemStore

	// dataset is the logical dataset this node serves.
	dataset schema.Dataset

	// tier holds the retention/chunking knobs every shard this node sets
	// up is configured with.
	tier tierconfig.TierConfig

	// shardMapper reports which of the cluster's shards this node
	// considers queryable: its own owned, Setup shards.
	shardMapper *shardkey.StaticShardMapper

	// shards maps shard IDs owned by this node to their runtime handle.
	shards map[int]*shard.Shard

	mu sync.RWMutex
}

// NewNode creates a node with an empty shard map, backed by a fresh
// in-memory store, using the raw tier's knobs for every shard it sets up.
func NewNode(id string, dataset schema.Dataset) *Node {
	return &Node{
		ID:      id,
		store:   chunkstore.New(nil),
		dataset: dataset,
		tier:    tierconfig.DefaultConfig().RawTier(),
		shards:  make(map[int]*shard.Shard),
	}
}

// NewNodeWithTier is NewNode with an explicit tier configuration, used when
// a tier-config file was supplied on the command line.
func NewNodeWithTier(id string, dataset schema.Dataset, tier tierconfig.TierConfig) *Node {
	n := NewNode(id, dataset)
	n.tier = tier
	return n
}

// AssignShards configures this node's shard map and shard mapper for the
// shard IDs the coordinator assigned it, out of a cluster of numShards
// total shards. Every assigned shard is set up against the node's store
// and transitions to active; every other shard is marked unassigned on
// this node's mapper so the local planner never plans a leaf against it.
func (n *Node) AssignShards(assigned []int, numShards int) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.shardMapper = shardkey.NewStaticShardMapper(numShards)
	owned := make(map[int]bool, len(assigned))
	for _, id := range assigned {
		owned[id] = true
	}
	for id := 0; id < numShards; id++ {
		if !owned[id] {
			n.shardMapper.SetStatus(id, shardkey.StatusUnassigned)
		}
	}

	for _, id := range assigned {
		s := shard.NewShard(n.store, n.dataset.Ref, id)
		if err := s.Setup(schema.DefaultSchemas(), n.tier.StoreConfig()); err != nil {
			return err
		}
		n.shards[id] = s
		n.shardMapper.Assign(n.ID, id)
	}
	return nil
}

// GetShard retrieves an owned shard by ID, returning nil if this node
// doesn't own it.
func (n *Node) GetShard(id int) *shard.Shard {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.shards[id]
}

// NumShards returns the total cluster shard count this node was last
// configured with, or 0 before the first successful registration.
func (n *Node) NumShards() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.shardMapper == nil {
		return 0
	}
	return n.shardMapper.NumShards()
}

func main() {
	nodeID := mustGetenv("NODE_ID")
	listen := getenv("NODE_LISTEN", ":8081")
	public := getenv("NODE_ADDR", "http://127.0.0.1:8081")
	coord := mustGetenv("COORDINATOR_ADDR")
	dataset := schema.NewDataset(getenv("DATASET_NAME", "metrics"), schema.DefaultShardKeyColumns, nil, schema.Options{})

	var node *Node
	if tierFile := os.Getenv("TIER_CONFIG_FILE"); tierFile != "" {
		cfg, err := tierconfig.Load(tierFile)
		if err != nil {
			logFatal("failed to load tier config %s: %v", tierFile, err)
		}
		node = NewNodeWithTier(nodeID, dataset, cfg.RawTier())
	} else {
		node = NewNode(nodeID, dataset)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		handleNodeInfo(node, w, r)
	})
	mux.HandleFunc("/ingest", func(w http.ResponseWriter, r *http.Request) {
		handleIngest(node, w, r)
	})
	mux.HandleFunc("/api/v1/query_range", func(w http.ResponseWriter, r *http.Request) {
		handleQueryRange(node, w, r)
	})

	s := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("node[%s] listening on %s (public %s)", nodeID, listen, public)
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	ctx := context.Background()
	register(ctx, node, coord, nodeID, public)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	log.Println("node stopped")
}

// register attempts to register the node with the coordinator, retrying on
// failure, and configures the node's shard assignment from the response.
func register(ctx context.Context, node *Node, coord, id, addr string) {
	body := cluster.RegisterRequest{Node: cluster.NodeInfo{ID: id, Addr: addr}}
	var resp struct {
		Shards    []int `json:"shards"`
		NumShards int   `json:"num_shards"`
	}
	var lastErr error

	for i := 0; i < 10; i++ {
		lastErr = cluster.PostJSON(ctx, coord+"/register", body, &resp)
		if lastErr == nil {
			log.Printf("registered with coordinator @ %s, assigned shards %v of %d", coord, resp.Shards, resp.NumShards)
			if err := node.AssignShards(resp.Shards, resp.NumShards); err != nil {
				logFatal("failed to set up assigned shards: %v", err)
			}
			return
		}
		log.Printf("register retry %d: %v", i+1, lastErr)
		time.Sleep(400 * time.Millisecond)
	}

	logFatal("failed to register with coordinator: %v", lastErr)
}

// ingestSampleJSON is one sample in an /ingest request body.
type ingestSampleJSON struct {
	Labels      map[string]string `json:"labels"`
	TimestampMs int64             `json:"timestamp_ms"`
	Value       float64           `json:"value"`
}

// handleIngest accepts a batch of samples, routes each to the shard its
// shard-key hashes to, and ingests them into that shard if this node owns
// it.
//
// Endpoint: POST /ingest
//
// Request body:
//
//	{"samples": [{"labels": {"__name__": "up", "instance": "a"}, "timestamp_ms": 1000, "value": 1}]}
func handleIngest(node *Node, w http.ResponseWriter, r *http.Request) {
	var req struct {
		Samples []ingestSampleJSON `json:"samples"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	numShards := node.NumShards()
	if numShards == 0 {
		http.Error(w, "node has no shard assignment yet", http.StatusServiceUnavailable)
		return
	}

	byShard := make(map[int]chunkstore.Batch)
	shardKeyCols := node.dataset.ShardKeyColumns()
	for _, s := range req.Samples {
		values := make([]string, len(shardKeyCols))
		for i, col := range shardKeyCols {
			if col == node.dataset.MetricColumn() {
				values[i] = s.Labels[schema.PromMetricLabel]
			} else {
				values[i] = s.Labels[col]
			}
		}
		shardID := shardkey.HashShardKey(values, numShards)
		b := byShard[shardID]
		b.Samples = append(b.Samples, chunkstore.IngestSample{
			Labels: s.Labels,
			Row:    chunkstore.Sample{TimestampMs: s.TimestampMs, Value: s.Value},
		})
		byShard[shardID] = b
	}

	var ingested, dropped, errored int
	for shardID, batch := range byShard {
		sh := node.GetShard(shardID)
		if sh == nil {
			dropped += len(batch.Samples)
			continue
		}
		i, d, e, err := sh.Ingest(batch)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		ingested += i
		dropped += d
		errored += e
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Ingested int `json:"ingested"`
		Dropped  int `json:"dropped"`
		Errored  int `json:"errored"`
	}{Ingested: ingested, Dropped: dropped, Errored: errored})
}

// handleQueryRange compiles an incoming PromQL range query into a
// single-cluster plan over this node's own shards and executes it
// in-process, returning a Prometheus-shaped matrix response.
//
// Endpoint: GET /api/v1/query_range?query=...&start=...&end=...&step=...
func handleQueryRange(node *Node, w http.ResponseWriter, r *http.Request) {
	queryText := r.URL.Query().Get("query")
	startMs, endMs, stepMs, err := parseRangeParams(r)
	if err != nil {
		writeQueryError(w, http.StatusBadRequest, err.Error())
		return
	}

	if node.NumShards() == 0 {
		writeQueryError(w, http.StatusServiceUnavailable, "node has no shard assignment yet")
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
	logicalplan.RewriteLabels(plan, node.dataset)

	node.mu.RLock()
	mapper := node.shardMapper
	node.mu.RUnlock()

	sc := singlecluster.New(singlecluster.Params{
		StepMs:         stepMs,
		Dataset:        node.dataset,
		ShardMapper:    mapper,
		SpreadProvider: shardkey.StaticSpreadProvider{Spread: shardkey.Spread(mapper.NumShards())},
		SchemaName:     "", // resolved per-partition by the store
	})

	planNode, err := sc.Compile(plan, startMs, endMs)
	if err != nil {
		writeQueryError(w, http.StatusInternalServerError, err.Error())
		return
	}

	dispatcher := dispatch.NewInProcessPlanDispatcher(node.store, nil)
	qs, cancel := exec.NewQuerySession(r.Context(), exec.DefaultPlannerParams())
	defer cancel()

	result, err := dispatcher.Dispatch(qs, planNode)
	if err != nil {
		writeQueryError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeMatrixResponse(w, result)
}

// handleNodeInfo returns this node's identity and a snapshot of each
// owned shard's state and counters.
//
// Endpoint: GET /info
func handleNodeInfo(node *Node, w http.ResponseWriter, _ *http.Request) {
	node.mu.RLock()
	shardInfos := make([]shard.ShardInfo, 0, len(node.shards))
	for _, s := range node.shards {
		shardInfos = append(shardInfos, s.Info())
	}
	node.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		NodeID string            `json:"node_id"`
		Shards []shard.ShardInfo `json:"shards"`
		Count  int               `json:"shard_count"`
	}{NodeID: node.ID, Shards: shardInfos, Count: len(shardInfos)})
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}

func parseRangeParams(r *http.Request) (startMs, endMs, stepMs int64, err error) {
	startMs, err = parseTimeParam(r.URL.Query().Get("start"))
	if err != nil {
		return 0, 0, 0, err
	}
	endMs, err = parseTimeParam(r.URL.Query().Get("end"))
	if err != nil {
		return 0, 0, 0, err
	}
	if step := r.URL.Query().Get("step"); step != "" {
		secs, err := strconv.ParseFloat(step, 64)
		if err != nil {
			return 0, 0, 0, err
		}
		stepMs = int64(secs * 1000)
	}
	return startMs, endMs, stepMs, nil
}

func parseTimeParam(v string) (int64, error) {
	if v == "" {
		return 0, errMissingTimeParam
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	return int64(secs * 1000), nil
}

var errMissingTimeParam = errors.New("required time parameter missing")

func writeQueryError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}{Status: "error", Error: msg})
}

// writeMatrixResponse serializes an exec.Result into the Prometheus
// query_range JSON envelope.
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
