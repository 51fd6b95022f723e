package cache

import (
	"fmt"
	"strings"
	"time"
)

// Priority ranks entries during eviction. It never affects expiry. The zero
// value is PriorityNormal.
type Priority int

const (
	PriorityLow Priority = iota - 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a name to a Priority. Empty input is normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// entry is one stored value plus its bookkeeping.
type entry[V any] struct {
	key       string // composite namespace + logical key
	logical   string
	namespace string

	value      V
	packed     []byte // brotli-compressed codec bytes when compressed is set
	compressed bool

	createdAt      time.Time
	lastAccessedAt time.Time
	ttl            time.Duration
	priority       Priority
	tags           map[string]struct{}
	accessCount    uint64
	sizeBytes      int64

	// seq is taken from the store-wide counter on insert and on every hit,
	// so ordering by seq is LRU order with insertion order breaking ties.
	seq uint64
}

func (e *entry[V]) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) > e.ttl
}

func (e *entry[V]) hasAnyTag(tags []string) bool {
	for _, t := range tags {
		if _, ok := e.tags[t]; ok {
			return true
		}
	}
	return false
}

func (e *entry[V]) tagList() []string {
	out := make([]string, 0, len(e.tags))
	for t := range e.tags {
		out = append(out, t)
	}
	return out
}
