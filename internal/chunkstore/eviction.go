package chunkstore

import "sort"

// EvictionPolicy decides which partitions must go when a shard's partition
// count would exceed its cap.
type EvictionPolicy interface {
	// SelectForEviction returns the PartKey-bytes of partitions to evict
	// so that the shard's count falls to at most the policy's cap, given
	// the current (partKeyBytes -> lastIngestTime) snapshot.
	SelectForEviction(lastIngest map[string]int64) [][]byte
}

// FixedMaxPartitionsEvictionPolicy evicts by least-recently-ingested order
// once the partition count would exceed maxPartitions (spec §3).
type FixedMaxPartitionsEvictionPolicy struct {
	MaxPartitions int
}

func (p FixedMaxPartitionsEvictionPolicy) SelectForEviction(lastIngest map[string]int64) [][]byte {
	if len(lastIngest) <= p.MaxPartitions {
		return nil
	}
	type entry struct {
		key  string
		time int64
	}
	entries := make([]entry, 0, len(lastIngest))
	for k, t := range lastIngest {
		entries = append(entries, entry{key: k, time: t})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].time < entries[j].time })

	overflow := len(entries) - p.MaxPartitions
	out := make([][]byte, 0, overflow)
	for i := 0; i < overflow; i++ {
		out = append(out, []byte(entries[i].key))
	}
	return out
}
