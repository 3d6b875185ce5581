package chunkstore

import (
	"sync"
	"time"

	"github.com/dreamware/promshard/internal/index"
)

// ChunkMethod selects how a scan should read a partition's chunks; it
// carries only the requested time window. Spec §4.2 threads this through
// MultiSchemaPartitionsExec.
type ChunkMethod struct {
	TimeRange index.TimeRange
}

// TimeSeriesPartition is the shard-local container for one PartKey's
// samples (spec §3): an ordered sequence of chunks, exactly one of which
// (the tail) is the mutable write chunk.
//
// Concurrency: chunks are read via a copy-on-write snapshot of the slice
// header, so a scan holding an old snapshot never observes a torn append;
// the write chunk only becomes visible to new snapshots once it has at
// least one sample (spec §5).
type TimeSeriesPartition struct {
	mu sync.RWMutex

	Handle index.Handle
	PartKeyBytes []byte

	chunks       []*Chunk
	nextChunkID  int64
	maxChunkSize int
	chunkDurMs   int64

	lastIngestTime time.Time
}

// NewPartition creates a partition for handle with the given chunking
// bounds; it starts with no chunks, lazily allocating its first write
// chunk on first Append.
func NewPartition(h index.Handle, partKey []byte, maxChunkSize int, chunkDurationMs int64) *TimeSeriesPartition {
	return &TimeSeriesPartition{
		Handle:       h,
		PartKeyBytes: partKey,
		maxChunkSize: maxChunkSize,
		chunkDurMs:   chunkDurationMs,
	}
}

// Append adds a sample, dropping it (late-arrival policy) if its timestamp
// is not newer than the tail chunk's last timestamp (the write chunk, or
// the chunk that was just sealed), sealing and rotating the write chunk
// when it has reached its bound. Returns true if the sample was appended,
// false if dropped as a late arrival.
func (p *TimeSeriesPartition) Append(s Sample) (appended bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.chunks); n > 0 {
		if last := p.chunks[n-1].LastTimestamp(); last >= 0 && s.TimestampMs <= last {
			return false
		}
	}

	write := p.writeChunkLocked()
	_ = write.Append(s) // invariant already checked above
	p.lastIngestTime = time.Now()

	if write.ShouldSeal() {
		write.Sealed = true
	}
	return true
}

// writeChunkLocked returns the tail chunk, allocating one if none exists or
// the tail is sealed. Caller must hold p.mu.
func (p *TimeSeriesPartition) writeChunkLocked() *Chunk {
	if n := len(p.chunks); n > 0 && !p.chunks[n-1].Sealed {
		return p.chunks[n-1]
	}
	c := NewChunk(p.nextChunkID, p.maxChunkSize, p.chunkDurMs)
	p.nextChunkID++
	// copy-on-write: allocate a new backing slice so concurrent scans that
	// snapshotted the old slice header never see this append.
	newChunks := make([]*Chunk, len(p.chunks)+1)
	copy(newChunks, p.chunks)
	newChunks[len(newChunks)-1] = c
	p.chunks = newChunks
	return c
}

// Snapshot returns the current chunk list without holding the lock for the
// scan's duration: chunks themselves are either sealed (immutable) or the
// single write chunk, which is append-only and safe to range over
// concurrently as long as the reader re-reads len() for each pass — callers
// here only ever read Samples up to the snapshot length via RowsInRange, so
// a concurrent append is invisible to an in-flight scan, satisfying
// "scans never block ingest".
func (p *TimeSeriesPartition) Snapshot() []*Chunk {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Chunk, len(p.chunks))
	copy(out, p.chunks)
	return out
}

// TimeRange returns the partition's overall [min,max] timestamp across all
// chunks, or a zero-width invalid range ({Min:0,Max:-1}) if empty.
func (p *TimeSeriesPartition) TimeRange() index.TimeRange {
	chunks := p.Snapshot()
	if len(chunks) == 0 {
		return index.TimeRange{Min: 0, Max: -1}
	}
	tr := index.TimeRange{Min: chunks[0].FirstTimestamp(), Max: chunks[0].LastTimestamp()}
	for _, c := range chunks[1:] {
		if f := c.FirstTimestamp(); f < tr.Min {
			tr.Min = f
		}
		if l := c.LastTimestamp(); l > tr.Max {
			tr.Max = l
		}
	}
	return tr
}

// Scan returns every sample across all chunks within [startMs, endMs],
// in ascending timestamp order (chunks are already ascending and
// non-overlapping per the partition invariant, so a simple concatenation
// suffices).
func (p *TimeSeriesPartition) Scan(startMs, endMs int64) []Sample {
	chunks := p.Snapshot()
	out := make([]Sample, 0)
	for _, c := range chunks {
		if !c.Intersects(startMs, endMs) {
			continue
		}
		out = append(out, c.RowsInRange(startMs, endMs)...)
	}
	return out
}

// EvictBefore drops whole chunks whose LastTimestamp is strictly before
// cutoffMs, implementing the retention invariant that evictable chunks
// must not be returned by a scan entirely before the tier's earliest
// retained timestamp.
func (p *TimeSeriesPartition) EvictBefore(cutoffMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := make([]*Chunk, 0, len(p.chunks))
	for _, c := range p.chunks {
		if c.LastTimestamp() < cutoffMs {
			continue
		}
		kept = append(kept, c)
	}
	p.chunks = kept
}

// LastIngestTime returns the time of the most recent successful Append,
// used by the LRU eviction policy.
func (p *TimeSeriesPartition) LastIngestTime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastIngestTime
}
