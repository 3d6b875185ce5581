// Package chunkstore implements TimeSeriesMemStore, the shard-local
// in-memory chunk store (spec §4.1): append-only, time-indexed sample
// chunks per partition, a per-shard inverted label index, TTL-bounded
// retention, and LRU eviction.
package chunkstore

import "github.com/pkg/errors"

// ErrKeyNotFound mirrors the teacher's storage.ErrKeyNotFound sentinel,
// reused here for chunk-store lookups that miss.
var ErrKeyNotFound = errors.New("chunkstore: key not found")

// Sample is one (timestamp, value) row. Histogram schemas carry their
// bucket data out-of-band (Extra); the core's range functions that do not
// understand histograms ignore it.
type Sample struct {
	TimestampMs int64
	Value       float64
	Extra       []float64 // histogram bucket values, when Schema is a histogram schema
}

// Chunk is an immutable-once-sealed, append-only buffer of Samples for one
// partition, bounded by max-chunk-size samples or chunk-duration, whichever
// is reached first (spec §3, §4.1).
//
// Within a chunk, timestamps strictly increase (spec invariant). A Chunk
// being appended to is the partition's write chunk; once Sealed, a Chunk
// is never mutated again, so concurrent scans may read it without a lock.
type Chunk struct {
	ID       int64
	Samples  []Sample
	Sealed   bool
	maxSize  int
	duration int64 // ms
}

// NewChunk allocates a fresh, unsealed chunk.
func NewChunk(id int64, maxSize int, durationMs int64) *Chunk {
	return &Chunk{ID: id, maxSize: maxSize, duration: durationMs}
}

// FirstTimestamp returns the chunk's minimum sample timestamp, or 0 if
// empty.
func (c *Chunk) FirstTimestamp() int64 {
	if len(c.Samples) == 0 {
		return 0
	}
	return c.Samples[0].TimestampMs
}

// LastTimestamp returns the chunk's maximum sample timestamp, or -1 if
// empty (so an empty chunk never claims to cover any timestamp).
func (c *Chunk) LastTimestamp() int64 {
	if len(c.Samples) == 0 {
		return -1
	}
	return c.Samples[len(c.Samples)-1].TimestampMs
}

// Intersects reports whether the chunk's [first,last] range overlaps
// [startMs, endMs].
func (c *Chunk) Intersects(startMs, endMs int64) bool {
	if len(c.Samples) == 0 {
		return false
	}
	return c.FirstTimestamp() <= endMs && startMs <= c.LastTimestamp()
}

// Append adds a sample to the write chunk. The caller (Partition.Append)
// is responsible for rejecting late-arriving samples before calling this;
// Append itself only enforces the strictly-increasing-timestamp invariant.
func (c *Chunk) Append(s Sample) error {
	if c.Sealed {
		return errors.New("chunkstore: append to sealed chunk")
	}
	if len(c.Samples) > 0 && s.TimestampMs <= c.LastTimestamp() {
		return errors.New("chunkstore: non-increasing timestamp")
	}
	c.Samples = append(c.Samples, s)
	return nil
}

// ShouldSeal reports whether the chunk has reached its size or duration
// bound and should be sealed with a fresh write chunk allocated in its
// place.
func (c *Chunk) ShouldSeal() bool {
	if len(c.Samples) >= c.maxSize {
		return true
	}
	if c.duration > 0 && len(c.Samples) > 0 && c.LastTimestamp()-c.FirstTimestamp() >= c.duration {
		return true
	}
	return false
}

// RowsInRange returns the subset of samples with startMs <= ts <= endMs,
// preserving ascending order.
func (c *Chunk) RowsInRange(startMs, endMs int64) []Sample {
	out := make([]Sample, 0, len(c.Samples))
	for _, s := range c.Samples {
		if s.TimestampMs >= startMs && s.TimestampMs <= endMs {
			out = append(out, s)
		}
	}
	return out
}
