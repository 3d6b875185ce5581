package shardkey

import "sort"

// SpreadChange marks a timestamp at which the spread for a shard-key class
// changes. FunctionalSpreadProvider reports the sequence of changes a query
// range might cross; the single-cluster planner splits the query at each
// crossing and stitches the per-segment subplans back together (spec §4.3).
type SpreadChange struct {
	Timestamp int64
	Spread    int
}

// FunctionalSpreadProvider reports the spread in effect at a given time for
// a shard-key class, and the changes scheduled within a time range. It is
// "functional" in the sense that spread is a function of time, not a fixed
// cluster-wide constant — clusters grow and shrink the shard fan-out for a
// tenant over time.
type FunctionalSpreadProvider interface {
	// SpreadAt returns the spread in effect at timestamp t.
	SpreadAt(shardKeyValues []string, t int64) int
	// ChangesInRange returns, in ascending timestamp order, every spread
	// change whose timestamp falls within (startMs, endMs].
	ChangesInRange(shardKeyValues []string, startMs, endMs int64) []SpreadChange
}

// StaticSpreadProvider implements FunctionalSpreadProvider with a single,
// time-invariant spread value, the common case absent an override.
type StaticSpreadProvider struct {
	Spread int
}

func (s StaticSpreadProvider) SpreadAt([]string, int64) int { return s.Spread }

func (s StaticSpreadProvider) ChangesInRange([]string, int64, int64) []SpreadChange { return nil }

// ScheduledSpreadProvider implements FunctionalSpreadProvider with an
// explicit, globally-applicable schedule of spread changes — used by tests
// exercising the planner's spread-change stitching (spec §8 scenario 5).
type ScheduledSpreadProvider struct {
	// Changes must be sorted ascending by Timestamp and include an entry
	// at or before any timestamp that will be queried; the spread in
	// effect before the first entry is Changes[0].Spread.
	Changes []SpreadChange
}

func (s ScheduledSpreadProvider) SpreadAt(_ []string, t int64) int {
	if len(s.Changes) == 0 {
		return 0
	}
	spread := s.Changes[0].Spread
	for _, c := range s.Changes {
		if c.Timestamp > t {
			break
		}
		spread = c.Spread
	}
	return spread
}

func (s ScheduledSpreadProvider) ChangesInRange(_ []string, startMs, endMs int64) []SpreadChange {
	out := make([]SpreadChange, 0)
	for _, c := range s.Changes {
		if c.Timestamp > startMs && c.Timestamp <= endMs {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}
