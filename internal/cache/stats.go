package cache

import (
	"sort"
	"time"

	"github.com/onnwee/cinestream/backend/internal/metrics"
)

// Stats is a snapshot of cache counters and usage.
type Stats struct {
	Hits             uint64  `json:"hits"`
	Misses           uint64  `json:"misses"`
	HitRate          float64 `json:"hit_rate"`
	Size             int     `json:"size"`
	MaxSize          int     `json:"max_size"`
	MemoryUsageBytes int64   `json:"memory_usage_bytes"`
	MaxMemoryBytes   int64   `json:"max_memory_bytes"`
	Evictions        uint64  `json:"evictions"`
	Expired          uint64  `json:"expired"`
	Efficiency       float64 `json:"efficiency"`
}

// Stats returns current counters. Efficiency blends hit rate (70%) with the
// free share of the memory budget (30%).
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:             c.hits,
		Misses:           c.misses,
		Size:             len(c.entries),
		MaxSize:          c.cfg.MaxEntries,
		MemoryUsageBytes: c.memory,
		MaxMemoryBytes:   c.cfg.MaxMemoryBytes,
		Evictions:        c.evictions,
		Expired:          c.expired,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	memRatio := float64(s.MemoryUsageBytes) / float64(s.MaxMemoryBytes)
	if memRatio > 1 {
		memRatio = 1
	}
	s.Efficiency = 0.7*s.HitRate + 0.3*(1-memRatio)
	return s
}

// Gauges adapts Stats for the metrics collector.
func (c *Cache[V]) Gauges() (metrics.CacheGauges, error) {
	s := c.Stats()
	return metrics.CacheGauges{
		Entries:     s.Size,
		MemoryBytes: s.MemoryUsageBytes,
		Efficiency:  s.Efficiency,
	}, nil
}

// EntryInfo describes one stored entry without its value.
type EntryInfo struct {
	Key         string    `json:"key"`
	Namespace   string    `json:"namespace,omitempty"`
	Priority    Priority  `json:"priority"`
	Tags        []string  `json:"tags,omitempty"`
	AccessCount uint64    `json:"access_count"`
	SizeBytes   int64     `json:"size_bytes"`
	Compressed  bool      `json:"compressed"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Expired     bool      `json:"expired"`
}

// Entries lists stored entries from most to least recently used.
func (c *Cache[V]) Entries() []EntryInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	list := c.values()
	sort.Slice(list, func(i, j int) bool { return list[i].seq > list[j].seq })

	out := make([]EntryInfo, 0, len(list))
	for _, e := range list {
		tags := e.tagList()
		sort.Strings(tags)
		out = append(out, EntryInfo{
			Key:         e.key,
			Namespace:   e.namespace,
			Priority:    e.priority,
			Tags:        tags,
			AccessCount: e.accessCount,
			SizeBytes:   e.sizeBytes,
			Compressed:  e.compressed,
			CreatedAt:   e.createdAt,
			ExpiresAt:   e.createdAt.Add(e.ttl),
			Expired:     e.expired(now),
		})
	}
	return out
}
