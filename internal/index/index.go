// Package index implements the per-shard inverted label index backing
// TimeSeriesMemStore's scan, labelValues, labelNames, and cardinality
// operations (spec §4.1). Postings are Roaring bitmaps of partition
// handles, the same structure Mimir/Cortex-lineage stores use for inverted
// indexes because conjunctive intersection and union are cheap and the
// bitmaps stay small relative to a naive set<PartKey>.
package index

import (
	"regexp"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// Handle is an opaque, shard-local identifier for one partition, used as
// the element type of posting-list bitmaps. Callers obtain handles from
// Index.Intern and resolve them back to PartKeys via Index.PartKey.
type Handle uint32

// TimeRange is an inclusive [Min, Max] millisecond timestamp range.
type TimeRange struct {
	Min, Max int64
}

// Intersects reports whether r and o overlap.
func (r TimeRange) Intersects(o TimeRange) bool {
	return r.Min <= o.Max && o.Min <= r.Max
}

// Filter is a single label matcher used by conjunctive lookups.
type Filter struct {
	LabelName string
	Value     string
	Regex     *regexp.Regexp // set for regex/not-regex filters
	Not       bool           // true for NotEquals / NotRegex
}

// MatchesValue reports whether the filter accepts value.
func (f Filter) MatchesValue(value string) bool {
	var matched bool
	if f.Regex != nil {
		matched = f.Regex.MatchString(value)
	} else {
		matched = value == f.Value
	}
	if f.Not {
		return !matched
	}
	return matched
}

// Index is one shard's inverted label index: for each label name, a
// mapping value -> posting list of partition handles, plus each
// partition's time range for pruning.
//
// Concurrency: Index is a reader-many/writer-one structure. Writes
// (Intern, UpdateTimeRange) take an exclusive lock; all read operations
// take a shared lock over a brief critical section and then operate on
// cloned bitmaps, so scans never block on each other and never observe a
// torn update.
type Index struct {
	mu sync.RWMutex

	// postings[labelName][value] = bitmap of handles with that label value.
	postings map[string]map[string]*roaring.Bitmap
	// timeRanges[handle] = the partition's [min,max] sample timestamp.
	timeRanges map[Handle]TimeRange
	// partKeys[handle] = the encoded PartKey bytes, for decoding.
	partKeys map[Handle][]byte
	// byPartKey enables idempotent re-registration of an existing series.
	byPartKey map[string]Handle

	nextHandle Handle
}

// New creates an empty per-shard index.
func New() *Index {
	return &Index{
		postings:   map[string]map[string]*roaring.Bitmap{},
		timeRanges: map[Handle]TimeRange{},
		partKeys:   map[Handle][]byte{},
		byPartKey:  map[string]Handle{},
	}
}

// Intern registers partKey's labels if not already present and returns its
// stable Handle. Safe to call repeatedly for the same series (idempotent).
func (ix *Index) Intern(partKey []byte, labels map[string]string) Handle {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if h, ok := ix.byPartKey[string(partKey)]; ok {
		return h
	}

	h := ix.nextHandle
	ix.nextHandle++
	ix.byPartKey[string(partKey)] = h
	ix.partKeys[h] = partKey

	for name, value := range labels {
		values, ok := ix.postings[name]
		if !ok {
			values = map[string]*roaring.Bitmap{}
			ix.postings[name] = values
		}
		bm, ok := values[value]
		if !ok {
			bm = roaring.New()
			values[value] = bm
		}
		bm.Add(uint32(h))
	}
	return h
}

// UpdateTimeRange extends handle's recorded time range to include ts.
// Called on every ingested sample; the first call for a handle establishes
// its range.
func (ix *Index) UpdateTimeRange(h Handle, ts int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tr, ok := ix.timeRanges[h]
	if !ok {
		ix.timeRanges[h] = TimeRange{Min: ts, Max: ts}
		return
	}
	if ts < tr.Min {
		tr.Min = ts
	}
	if ts > tr.Max {
		tr.Max = ts
	}
	ix.timeRanges[h] = tr
}

// PartKey resolves a handle back to its encoded PartKey bytes.
func (ix *Index) PartKey(h Handle) ([]byte, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	pk, ok := ix.partKeys[h]
	return pk, ok
}

// TimeRange returns handle's recorded [min,max] sample timestamp.
func (ix *Index) TimeRange(h Handle) (TimeRange, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	tr, ok := ix.timeRanges[h]
	return tr, ok
}

// RemoveTimeRange drops a handle's time range bookkeeping (but not its
// postings), called when a partition is evicted so stale time-range
// pruning doesn't keep a ghost entry alive. Full posting removal is left
// to a future compaction pass; a removed time range makes the handle
// unreachable from any time-bounded scan, which is the property callers
// rely on.
func (ix *Index) RemoveTimeRange(h Handle) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.timeRanges, h)
}

// postingsFor returns a clone of the bitmap for (name, value), or an empty
// bitmap if absent. Cloning keeps callers safe to mutate (And/AndNot) the
// result without holding the index lock.
func (ix *Index) postingsFor(name, value string) *roaring.Bitmap {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	values, ok := ix.postings[name]
	if !ok {
		return roaring.New()
	}
	bm, ok := values[value]
	if !ok {
		return roaring.New()
	}
	return bm.Clone()
}

// allValuesFor returns every (value, bitmap) pair recorded for name,
// cloning each bitmap, used by regex and NotEquals filters which must scan
// candidate postings rather than do a single map lookup.
func (ix *Index) allValuesFor(name string) map[string]*roaring.Bitmap {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[string]*roaring.Bitmap, len(ix.postings[name]))
	for v, bm := range ix.postings[name] {
		out[v] = bm.Clone()
	}
	return out
}

// Lookup reduces a conjunction of filters to the smallest posting-list
// intersection: equality filters hit the map directly and are intersected
// smallest-first; regex/NotEquals filters scan all values for their label
// name and union the matches before intersecting. The result is further
// restricted to handles whose recorded time range intersects window.
func (ix *Index) Lookup(filters []Filter, window TimeRange) []Handle {
	equalityBitmaps := make([]*roaring.Bitmap, 0, len(filters))
	scanBitmaps := make([]*roaring.Bitmap, 0, len(filters))

	for _, f := range filters {
		if f.Regex == nil && !f.Not {
			equalityBitmaps = append(equalityBitmaps, ix.postingsFor(f.LabelName, f.Value))
			continue
		}
		// regex or NotEquals: scan all postings for the label name and
		// union the handles whose value matches the filter.
		union := roaring.New()
		for value, bm := range ix.allValuesFor(f.LabelName) {
			if f.MatchesValue(value) {
				union.Or(bm)
			}
		}
		scanBitmaps = append(scanBitmaps, union)
	}

	all := append(equalityBitmaps, scanBitmaps...)
	if len(all) == 0 {
		return ix.allHandlesInWindow(window)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].GetCardinality() < all[j].GetCardinality() })
	result := all[0]
	for _, bm := range all[1:] {
		result = roaring.And(result, bm)
	}

	return ix.filterByWindow(result, window)
}

func (ix *Index) allHandlesInWindow(window TimeRange) []Handle {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]Handle, 0, len(ix.timeRanges))
	for h, tr := range ix.timeRanges {
		if tr.Intersects(window) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (ix *Index) filterByWindow(bm *roaring.Bitmap, window TimeRange) []Handle {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]Handle, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		h := Handle(it.Next())
		if tr, ok := ix.timeRanges[h]; ok && tr.Intersects(window) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LabelNames returns the set of label names present on any handle matched
// by filters within window.
func (ix *Index) LabelNames(filters []Filter, window TimeRange) []string {
	handles := ix.Lookup(filters, window)
	handleSet := make(map[Handle]struct{}, len(handles))
	for _, h := range handles {
		handleSet[h] = struct{}{}
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	seen := map[string]struct{}{}
	for name, values := range ix.postings {
		for _, bm := range values {
			it := bm.Iterator()
			for it.HasNext() {
				if _, ok := handleSet[Handle(it.Next())]; ok {
					seen[name] = struct{}{}
					break
				}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// LabelValues returns the distinct values of labelName across handles
// matched by filters within window.
func (ix *Index) LabelValues(filters []Filter, labelName string, window TimeRange) []string {
	handles := ix.Lookup(filters, window)
	handleSet := make(map[Handle]struct{}, len(handles))
	for _, h := range handles {
		handleSet[h] = struct{}{}
	}

	values := ix.allValuesFor(labelName)
	out := make([]string, 0, len(values))
	for v, bm := range values {
		it := bm.Iterator()
		for it.HasNext() {
			if _, ok := handleSet[Handle(it.Next())]; ok {
				out = append(out, v)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// LabelCardinality returns, for every label name present on handles matched
// by filters within window, the number of distinct values observed.
func (ix *Index) LabelCardinality(filters []Filter, window TimeRange) map[string]int {
	names := ix.LabelNames(filters, window)
	out := make(map[string]int, len(names))
	for _, n := range names {
		out[n] = len(ix.LabelValues(filters, n, window))
	}
	return out
}

// TopkCardinality returns the k label values under labelName with the
// largest posting-list cardinality restricted to shardKeyPrefix, used by
// TopkCardExec. includeInactive, when false, restricts to handles with a
// recorded time range (i.e. excludes series interned but never ingested).
func (ix *Index) TopkCardinality(labelName string, shardKeyPrefix []Filter, k int, includeInactive bool) []NameCount {
	window := TimeRange{Min: 0, Max: 1<<63 - 1}
	prefixHandles := ix.Lookup(shardKeyPrefix, window)
	prefixSet := make(map[Handle]struct{}, len(prefixHandles))
	for _, h := range prefixHandles {
		prefixSet[h] = struct{}{}
	}

	ix.mu.RLock()
	counts := make(map[string]int)
	for value, bm := range ix.postings[labelName] {
		it := bm.Iterator()
		for it.HasNext() {
			h := Handle(it.Next())
			if len(shardKeyPrefix) > 0 {
				if _, ok := prefixSet[h]; !ok {
					continue
				}
			}
			if !includeInactive {
				if _, ok := ix.timeRanges[h]; !ok {
					continue
				}
			}
			counts[value]++
		}
	}
	ix.mu.RUnlock()

	out := make([]NameCount, 0, len(counts))
	for name, count := range counts {
		out = append(out, NameCount{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if k >= 0 && k < len(out) {
		out = out[:k]
	}
	return out
}

// NameCount is a (name, count) pair, the result element of TopkCardinality.
type NameCount struct {
	Name  string
	Count int
}
