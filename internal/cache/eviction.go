package cache

import (
	"math"
	"sort"
)

const (
	countEvictFraction  = 0.20 // share of entries dropped when the entry budget is hit
	memoryFreedFraction = 0.30 // share of the memory budget freed when the byte budget is hit
)

// EvictPolicy names the limit that caused an eviction.
type EvictPolicy string

const (
	EvictCount  EvictPolicy = "count"
	EvictMemory EvictPolicy = "memory"
)

// selectByCount returns the entries to drop when the entry budget is
// exhausted: the lowest priority and least recently used ceil(20%), at
// least one.
func selectByCount[V any](entries []*entry[V]) []*entry[V] {
	if len(entries) == 0 {
		return nil
	}
	n := int(math.Ceil(float64(len(entries)) * countEvictFraction))
	if n < 1 {
		n = 1
	}

	sorted := append([]*entry[V](nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.seq < b.seq
	})
	return sorted[:n]
}

// selectByMemory returns the entries to drop so that at least 30% of the
// budget is freed and incoming bytes fit. Within a priority, larger and then
// older entries go first.
func selectByMemory[V any](entries []*entry[V], used, budget, incoming int64) []*entry[V] {
	sorted := append([]*entry[V](nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if a.sizeBytes != b.sizeBytes {
			return a.sizeBytes > b.sizeBytes
		}
		return a.seq < b.seq
	})

	target := int64(math.Ceil(float64(budget) * memoryFreedFraction))
	var freed int64
	var out []*entry[V]
	for _, e := range sorted {
		if freed >= target && used-freed+incoming <= budget {
			break
		}
		out = append(out, e)
		freed += e.sizeBytes
	}
	return out
}
