package chunkstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/dreamware/promshard/internal/index"
	"github.com/dreamware/promshard/internal/schema"
)

// ErrShardAlreadySetup is returned by Setup when (ref, shard) was already
// configured, per spec §4.1.
var ErrShardAlreadySetup = errors.New("chunkstore: shard already setup")

// StoreConfig carries the per-tier retention knobs from spec §6: chunking
// bounds, the eviction policy, and a function reporting the tier's
// earliest retained timestamp as of "now".
type StoreConfig struct {
	MaxChunkSize      int
	ChunkDurationMs   int64
	Eviction          EvictionPolicy
	EarliestRetainedFn func() int64
}

// IngestSample pairs a PartKey's labels with one data row, the unit ingest
// batches are made of.
type IngestSample struct {
	Labels map[string]string
	Row    Sample
}

// Batch is a container of samples to ingest, grouped by shard by the
// caller (ingest is out of scope's responsibility to route; the store only
// requires that every sample in a batch targets the given shard).
type Batch struct {
	Samples []IngestSample
}

type shardKey struct {
	ref   string
	shard int
}

// TimeSeriesMemStore is the shard-local in-memory chunk store (spec §4.1):
// per-(dataset,shard) partitions, each owning an append-only chunk
// sequence, fronted by a per-shard inverted label index.
type TimeSeriesMemStore struct {
	mu      sync.RWMutex
	shards  map[shardKey]*shardState
	logger  log.Logger
}

type shardState struct {
	mu         sync.RWMutex
	config     StoreConfig
	schemas    schema.SchemaSet
	index      *index.Index
	partitions map[string]*TimeSeriesPartition // keyed by PartKey bytes
}

// New creates an empty store. logger may be nil, in which case a no-op
// logger is used.
func New(logger log.Logger) *TimeSeriesMemStore {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &TimeSeriesMemStore{
		shards: map[shardKey]*shardState{},
		logger: logger,
	}
}

// Setup configures storage for (ref, shard); any second Setup call for a
// key that is already set up fails with ErrShardAlreadySetup, whether or
// not its config differs.
func (s *TimeSeriesMemStore) Setup(ref schema.Ref, shardID int, schemas schema.SchemaSet, cfg StoreConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := shardKey{ref: ref.String(), shard: shardID}
	if _, exists := s.shards[key]; exists {
		return errors.Wrapf(ErrShardAlreadySetup, "dataset=%s shard=%d", ref, shardID)
	}
	if cfg.Eviction == nil {
		cfg.Eviction = FixedMaxPartitionsEvictionPolicy{MaxPartitions: 1 << 20}
	}
	if cfg.EarliestRetainedFn == nil {
		cfg.EarliestRetainedFn = func() int64 { return 0 }
	}
	s.shards[key] = &shardState{
		config:     cfg,
		schemas:    schemas,
		index:      index.New(),
		partitions: map[string]*TimeSeriesPartition{},
	}
	level.Info(s.logger).Log("msg", "shard setup", "dataset", ref.String(), "shard", shardID)
	return nil
}

func (s *TimeSeriesMemStore) shardFor(ref schema.Ref, shardID int) (*shardState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.shards[shardKey{ref: ref.String(), shard: shardID}]
	if !ok {
		return nil, fmt.Errorf("chunkstore: shard not setup: dataset=%s shard=%d", ref, shardID)
	}
	return st, nil
}

// Ingest appends batch's samples into the partitions they belong to,
// creating partitions transparently on first ingest for a PartKey.
// Index updates are applied before the corresponding Append returns,
// satisfying the "index updates become visible no later than the next
// scan" contract. Per-sample errors are counted and skipped rather than
// aborting the batch.
func (s *TimeSeriesMemStore) Ingest(ref schema.Ref, shardID int, batch Batch) (ingested, dropped, errored int, err error) {
	st, err := s.shardFor(ref, shardID)
	if err != nil {
		return 0, 0, 0, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	for _, sample := range batch.Samples {
		pk := schema.BuildPartKey(sample.Labels)
		pkBytes := pk.Bytes()
		key := string(pkBytes)

		part, ok := st.partitions[key]
		if !ok {
			h := st.index.Intern(pkBytes, sample.Labels)
			part = NewPartition(h, pkBytes, st.config.MaxChunkSize, st.config.ChunkDurationMs)
			st.partitions[key] = part
		}

		appended := part.Append(sample.Row)
		if !appended {
			dropped++
			continue
		}
		st.index.UpdateTimeRange(part.Handle, sample.Row.TimestampMs)
		ingested++
	}

	s.evictIfNeededLocked(st)
	return ingested, dropped, errored, nil
}

func (s *TimeSeriesMemStore) evictIfNeededLocked(st *shardState) {
	lastIngest := make(map[string]int64, len(st.partitions))
	for key, p := range st.partitions {
		lastIngest[key] = p.LastIngestTime().UnixNano()
	}
	for _, key := range st.config.Eviction.SelectForEviction(lastIngest) {
		if p, ok := st.partitions[string(key)]; ok {
			st.index.RemoveTimeRange(p.Handle)
			delete(st.partitions, string(key))
		}
	}
}

// RefreshIndex is a no-op in this implementation (index updates are applied
// synchronously within Ingest) but is exposed for parity with spec §4.1's
// contract, which tests and bulk-ingest callers may invoke defensively
// between writing samples and issuing scans.
func (s *TimeSeriesMemStore) RefreshIndex(schema.Ref) {}

// ScannedPartition is one partition's scan result: enough to build a
// RangeVector without re-locking the shard.
type ScannedPartition struct {
	Handle  index.Handle
	PartKey []byte
	Labels  map[string]string
	Rows    []Sample
}

// ScanPartitions returns the partitions whose PartKey matches filters and
// whose chunk range intersects chunkMethod.TimeRange, each already
// restricted to that time range (spec §4.1).
func (s *TimeSeriesMemStore) ScanPartitions(ctx context.Context, ref schema.Ref, shardID int, filters []index.Filter, method ChunkMethod) ([]ScannedPartition, error) {
	st, err := s.shardFor(ref, shardID)
	if err != nil {
		return nil, err
	}

	st.mu.RLock()
	handles := st.index.Lookup(filters, method.TimeRange)
	st.mu.RUnlock()

	out := make([]ScannedPartition, 0, len(handles))
	for _, h := range handles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pkBytes, ok := st.index.PartKey(h)
		if !ok {
			continue
		}
		st.mu.RLock()
		part, ok := st.partitions[string(pkBytes)]
		st.mu.RUnlock()
		if !ok {
			continue
		}

		earliest := st.config.EarliestRetainedFn()
		startMs := method.TimeRange.Min
		if startMs < earliest {
			startMs = earliest
		}
		rows := part.Scan(startMs, method.TimeRange.Max)
		if len(rows) == 0 {
			continue
		}

		labels, lerr := schema.PartKeyFromBytes(pkBytes).Labels()
		if lerr != nil {
			continue
		}
		out = append(out, ScannedPartition{Handle: h, PartKey: pkBytes, Labels: labels, Rows: rows})
	}
	return out, nil
}

// LabelValues returns distinct values of each requested label name among
// partitions matching filters within [startMs, endMs].
func (s *TimeSeriesMemStore) LabelValues(ref schema.Ref, shardID int, filters []index.Filter, labelNames []string, startMs, endMs int64) (map[string][]string, error) {
	st, err := s.shardFor(ref, shardID)
	if err != nil {
		return nil, err
	}
	window := index.TimeRange{Min: startMs, Max: endMs}
	out := make(map[string][]string, len(labelNames))
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, name := range labelNames {
		out[name] = st.index.LabelValues(filters, name, window)
	}
	return out, nil
}

// LabelNames returns the set of label names present on partitions matching
// filters within [startMs, endMs].
func (s *TimeSeriesMemStore) LabelNames(ref schema.Ref, shardID int, filters []index.Filter, startMs, endMs int64) ([]string, error) {
	st, err := s.shardFor(ref, shardID)
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.index.LabelNames(filters, index.TimeRange{Min: startMs, Max: endMs}), nil
}

// TopkCardinality returns the k label values under labelName with the
// highest series count, restricted to a shard-key prefix.
func (s *TimeSeriesMemStore) TopkCardinality(ref schema.Ref, shardID int, shardKeyPrefix []index.Filter, labelName string, k int, includeInactive bool) ([]index.NameCount, error) {
	st, err := s.shardFor(ref, shardID)
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.index.TopkCardinality(labelName, shardKeyPrefix, k, includeInactive), nil
}

// LabelCardinality returns, per label name, the number of distinct values
// among partitions matching filters within [startMs, endMs].
func (s *TimeSeriesMemStore) LabelCardinality(ref schema.Ref, shardID int, filters []index.Filter, startMs, endMs int64) (map[string]int, error) {
	st, err := s.shardFor(ref, shardID)
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.index.LabelCardinality(filters, index.TimeRange{Min: startMs, Max: endMs}), nil
}

