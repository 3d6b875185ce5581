package exec

import "sync/atomic"

// QueryStats accumulates the counters spec.md §7/§12 names as needed to
// implement sampleLimit enforcement and TooManyShardsQueried, not merely
// name them (SPEC_FULL.md §12). All fields are updated with atomic ops so
// concurrent reducer fan-out (internal/dispatch's errgroup) never races.
type QueryStats struct {
	samplesScanned  int64
	chunksTouched   int64
	shardsQueried   int64
	peakRangeVectors int64
	partial         int32 // 0/1, set via CAS-free OR semantics below
}

// NewQueryStats returns a zeroed accumulator.
func NewQueryStats() *QueryStats { return &QueryStats{} }

func (s *QueryStats) AddSamplesScanned(n int)  { atomic.AddInt64(&s.samplesScanned, int64(n)) }
func (s *QueryStats) AddChunksTouched(n int)   { atomic.AddInt64(&s.chunksTouched, int64(n)) }
func (s *QueryStats) AddShardsQueried(n int)   { atomic.AddInt64(&s.shardsQueried, int64(n)) }

// ObserveRangeVectors records a materialized RangeVector set size,
// tracking the high-water mark across the query's lifetime.
func (s *QueryStats) ObserveRangeVectors(n int) {
	for {
		cur := atomic.LoadInt64(&s.peakRangeVectors)
		if int64(n) <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(&s.peakRangeVectors, cur, int64(n)) {
			return
		}
	}
}

// MarkPartial OR-propagates a child's partial-result flag into the parent,
// per SPEC_FULL.md §12's partial-result propagation contract.
func (s *QueryStats) MarkPartial() { atomic.StoreInt32(&s.partial, 1) }

func (s *QueryStats) SamplesScanned() int64  { return atomic.LoadInt64(&s.samplesScanned) }
func (s *QueryStats) ChunksTouched() int64   { return atomic.LoadInt64(&s.chunksTouched) }
func (s *QueryStats) ShardsQueried() int64   { return atomic.LoadInt64(&s.shardsQueried) }
func (s *QueryStats) PeakRangeVectors() int64 { return atomic.LoadInt64(&s.peakRangeVectors) }
func (s *QueryStats) Partial() bool          { return atomic.LoadInt32(&s.partial) != 0 }
