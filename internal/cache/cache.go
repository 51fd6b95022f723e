// Package cache implements an in-memory keyed cache with TTL expiry,
// priority-aware LRU eviction under entry and memory budgets, tag and
// namespace invalidation, and optional brotli compression of large values.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/cinestream/backend/internal/events"
	"github.com/onnwee/cinestream/backend/internal/logger"
	"github.com/onnwee/cinestream/backend/internal/metrics"
)

// Config controls the budgets and timers of a Cache.
type Config struct {
	MaxEntries           int
	MaxMemoryBytes       int64
	DefaultTTL           time.Duration
	CleanupInterval      time.Duration
	CompressionThreshold int    // encoded size above which Compress takes effect
	Codec                string // json, msgpack, cbor
}

// DefaultConfig returns the stock cache budgets.
func DefaultConfig() Config {
	return Config{
		MaxEntries:           1000,
		MaxMemoryBytes:       50 * 1024 * 1024,
		DefaultTTL:           5 * time.Minute,
		CleanupInterval:      5 * time.Minute,
		CompressionThreshold: 1024,
		Codec:                "json",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxEntries <= 0 {
		c.MaxEntries = d.MaxEntries
	}
	if c.MaxMemoryBytes <= 0 {
		c.MaxMemoryBytes = d.MaxMemoryBytes
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = d.DefaultTTL
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = d.CompressionThreshold
	}
	return c
}

// SetOptions tune a single Set. Zero TTL uses the configured default.
type SetOptions struct {
	TTL       time.Duration
	Priority  Priority
	Tags      []string
	Namespace string
	Compress  bool
}

// GetOption scopes a lookup.
type GetOption func(*lookup)

type lookup struct{ namespace string }

// WithNamespace looks the key up inside ns.
func WithNamespace(ns string) GetOption {
	return func(l *lookup) { l.namespace = ns }
}

// Filter selects entries for Invalidate. Every supplied field must match.
// A Filter with no fields set matches everything.
type Filter struct {
	Namespace string
	Tags      []string       // entry carries at least one of these
	Pattern   *regexp.Regexp // matched against the logical key
	Priority  *Priority
	OlderThan time.Duration // created more than this long ago
}

// EvictReason says why an entry left the cache without being asked to.
type EvictReason string

const (
	ReasonCapacity EvictReason = "capacity"
	ReasonMemory   EvictReason = "memory"
	ReasonExpired  EvictReason = "expired"
)

// EvictEvent is emitted for every entry removed by eviction or the sweep.
type EvictEvent struct {
	Key       string
	Namespace string
	Reason    EvictReason
	Priority  Priority
	SizeBytes int64
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithLogger sets the logger.
func WithLogger[V any](l *slog.Logger) Option[V] {
	return func(c *Cache[V]) { c.log = l }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) { c.now = now }
}

// WithName labels the cache in metrics and logs.
func WithName[V any](name string) Option[V] {
	return func(c *Cache[V]) { c.name = name }
}

// WithCodec overrides the codec chosen by Config.Codec.
func WithCodec[V any](codec Codec[V]) Option[V] {
	return func(c *Cache[V]) { c.codec = codec }
}

// ErrTooLarge is logged when a single value can never fit the memory budget.
var ErrTooLarge = errors.New("cache: entry exceeds memory budget")

// Cache is safe for concurrent use. Each call is atomic; sequences of calls
// are not.
type Cache[V any] struct {
	cfg   Config
	name  string
	codec Codec[V]
	log   *slog.Logger
	now   func() time.Time

	mu        sync.Mutex
	entries   map[string]*entry[V]
	memory    int64
	seq       uint64
	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64

	evicted events.Subject[EvictEvent]

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a cache. It fails only for an unknown codec name.
func New[V any](cfg Config, opts ...Option[V]) (*Cache[V], error) {
	c := &Cache[V]{
		cfg:     cfg.withDefaults(),
		name:    "default",
		now:     time.Now,
		entries: make(map[string]*entry[V]),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.codec == nil {
		codec, err := CodecFor[V](c.cfg.Codec)
		if err != nil {
			return nil, err
		}
		c.codec = codec
	}
	if c.log == nil {
		c.log = logger.WithComponent("cache").With("cache", c.name)
	}
	return c, nil
}

// Key builds a canonical logical key from a base and query parameters.
// Parameters are sorted so equal parameter sets yield equal keys.
func Key(base string, params map[string]string) string {
	if len(params) == 0 {
		return base
	}
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(base)
	b.WriteByte('?')
	for i, k := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

func storeKey(namespace, key string) string {
	if namespace == "" {
		return key
	}
	return namespace + ":" + key
}

// Set stores value under key. It returns false only when the value can never
// fit in the memory budget.
func (c *Cache[V]) Set(key string, value V, opts SetOptions) bool {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	e := &entry[V]{
		key:       storeKey(opts.Namespace, key),
		logical:   key,
		namespace: opts.Namespace,
		ttl:       ttl,
		priority:  opts.Priority,
		tags:      make(map[string]struct{}, len(opts.Tags)),
	}
	for _, t := range opts.Tags {
		e.tags[t] = struct{}{}
	}
	c.pack(e, value, opts.Compress)

	if e.sizeBytes > c.cfg.MaxMemoryBytes {
		c.log.Warn("cache entry rejected", "key", e.key, "size_bytes", e.sizeBytes, "error", ErrTooLarge)
		return false
	}

	c.mu.Lock()
	now := c.now()
	e.createdAt = now
	e.lastAccessedAt = now

	if old, ok := c.entries[e.key]; ok {
		c.removeLocked(old)
	}

	var evicted []EvictEvent
	if len(c.entries) >= c.cfg.MaxEntries {
		victims := selectByCount(c.values())
		evicted = append(evicted, c.evictLocked(victims, ReasonCapacity, EvictCount)...)
	}
	if c.memory+e.sizeBytes > c.cfg.MaxMemoryBytes {
		victims := selectByMemory(c.values(), c.memory, c.cfg.MaxMemoryBytes, e.sizeBytes)
		evicted = append(evicted, c.evictLocked(victims, ReasonMemory, EvictMemory)...)
	}

	c.seq++
	e.seq = c.seq
	c.entries[e.key] = e
	c.memory += e.sizeBytes
	c.mu.Unlock()

	c.emit(evicted)
	return true
}

// pack encodes value to estimate its size and compresses it when asked.
// Encoding failures leave the size at zero.
func (c *Cache[V]) pack(e *entry[V], value V, wantCompress bool) {
	e.value = value

	b, err := c.codec.Encode(value)
	if err != nil {
		c.log.Warn("cache size estimation failed", "key", e.key, "codec", c.codec.Name(), "error", err)
		return
	}
	e.sizeBytes = int64(len(b))

	if !wantCompress || len(b) <= c.cfg.CompressionThreshold {
		return
	}
	z, err := compress(b)
	if err != nil {
		c.log.Warn("cache compression failed, storing uncompressed", "key", e.key, "error", err)
		return
	}
	var zero V
	e.value = zero
	e.packed = z
	e.compressed = true
	e.sizeBytes = int64(len(z))
}

// stored is what unpack needs from an entry. Take it with c.mu held; packed
// bytes are never mutated, so decoding may run after unlocking.
type stored[V any] struct {
	value      V
	packed     []byte
	compressed bool
}

func (e *entry[V]) stored() stored[V] {
	return stored[V]{value: e.value, packed: e.packed, compressed: e.compressed}
}

func (c *Cache[V]) unpack(st stored[V]) (V, error) {
	if !st.compressed {
		return st.value, nil
	}
	b, err := decompress(st.packed)
	if err != nil {
		var zero V
		return zero, err
	}
	return c.codec.Decode(b)
}

// dropUndecodable removes e if it is still the entry stored under k.
func (c *Cache[V]) dropUndecodable(k string, e *entry[V], err error) {
	c.mu.Lock()
	if cur, ok := c.entries[k]; ok && cur == e {
		c.removeLocked(e)
	}
	c.mu.Unlock()
	c.log.Warn("dropping undecodable cache entry", "key", k, "error", err)
}

func (c *Cache[V]) touchLocked(e *entry[V]) {
	c.seq++
	e.seq = c.seq
	e.accessCount++
	e.lastAccessedAt = c.now()
}

// Get returns the value for key. Missing and logically expired entries are
// misses; expired entries stay stored until swept so GetStale can serve them.
func (c *Cache[V]) Get(key string, opts ...GetOption) (V, bool) {
	var zero V
	l := lookup{}
	for _, opt := range opts {
		opt(&l)
	}
	k := storeKey(l.namespace, key)

	c.mu.Lock()
	e, ok := c.entries[k]
	if !ok || e.expired(c.now()) {
		c.misses++
		c.mu.Unlock()
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		return zero, false
	}

	st := e.stored()
	if !st.compressed {
		c.hits++
		c.touchLocked(e)
		c.mu.Unlock()
		metrics.CacheHits.WithLabelValues(c.name).Inc()
		return st.value, true
	}
	c.mu.Unlock()

	// decompress outside the lock
	v, err := c.unpack(st)
	if err != nil {
		c.dropUndecodable(k, e, err)
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		return zero, false
	}

	c.mu.Lock()
	c.hits++
	if cur, ok := c.entries[k]; ok && cur == e {
		c.touchLocked(e)
	}
	c.mu.Unlock()

	metrics.CacheHits.WithLabelValues(c.name).Inc()
	return v, true
}

// GetStale returns the value for key even if it has expired. It does not
// touch hit/miss counters or recency.
func (c *Cache[V]) GetStale(key string, opts ...GetOption) (V, bool) {
	var zero V
	l := lookup{}
	for _, opt := range opts {
		opt(&l)
	}

	k := storeKey(l.namespace, key)
	c.mu.Lock()
	e, ok := c.entries[k]
	if !ok {
		c.mu.Unlock()
		return zero, false
	}
	st := e.stored()
	c.mu.Unlock()

	v, err := c.unpack(st)
	if err != nil {
		c.dropUndecodable(k, e, err)
		return zero, false
	}
	return v, true
}

// Delete removes one key. It reports whether the key was present.
func (c *Cache[V]) Delete(key string, opts ...GetOption) bool {
	l := lookup{}
	for _, opt := range opts {
		opt(&l)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[storeKey(l.namespace, key)]
	if ok {
		c.removeLocked(e)
	}
	return ok
}

// Invalidate removes every entry matching f and returns how many were removed.
func (c *Cache[V]) Invalidate(f Filter) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, e := range c.entries {
		if !matches(f, e, now) {
			continue
		}
		c.removeLocked(e)
		removed++
	}
	if removed > 0 {
		c.log.Debug("cache invalidated", "removed", removed)
	}
	return removed
}

func matches[V any](f Filter, e *entry[V], now time.Time) bool {
	if f.Namespace != "" && e.namespace != f.Namespace {
		return false
	}
	if len(f.Tags) > 0 && !e.hasAnyTag(f.Tags) {
		return false
	}
	if f.Pattern != nil && !f.Pattern.MatchString(e.logical) {
		return false
	}
	if f.Priority != nil && e.priority != *f.Priority {
		return false
	}
	if f.OlderThan > 0 && now.Sub(e.createdAt) <= f.OlderThan {
		return false
	}
	return true
}

// Clear removes every entry and resets hit and miss counters.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]*entry[V])
	c.memory = 0
	c.hits = 0
	c.misses = 0
	c.mu.Unlock()

	if n > 0 {
		c.log.Info("cache cleared", "removed", n)
	}
}

// Sweep removes expired entries regardless of priority and returns how many
// were removed.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	now := c.now()
	var out []EvictEvent
	for _, e := range c.entries {
		if !e.expired(now) {
			continue
		}
		c.removeLocked(e)
		c.expired++
		out = append(out, eventFor(e, ReasonExpired))
	}
	c.mu.Unlock()

	if len(out) > 0 {
		metrics.CacheExpired.WithLabelValues(c.name).Add(float64(len(out)))
		c.log.Debug("cache sweep", "expired", len(out))
	}
	c.emit(out)
	return len(out)
}

// Len reports the number of stored entries, including expired ones not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns the stored composite keys in sorted order.
func (c *Cache[V]) Keys() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// OnEvict subscribes to eviction and expiry events.
func (c *Cache[V]) OnEvict(fn func(EvictEvent)) (unsubscribe func()) {
	return c.evicted.On(fn)
}

// Name returns the metrics label of the cache.
func (c *Cache[V]) Name() string { return c.name }

// Start runs the TTL sweep every CleanupInterval until ctx is done or Stop
// is called. Calling Start on a running cache is a no-op.
func (c *Cache[V]) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(c.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}(c.done)
}

// Stop halts the sweep loop and drops eviction listeners.
func (c *Cache[V]) Stop() {
	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.evicted.Reset()
}

func (c *Cache[V]) values() []*entry[V] {
	out := make([]*entry[V], 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}

func (c *Cache[V]) removeLocked(e *entry[V]) {
	delete(c.entries, e.key)
	c.memory -= e.sizeBytes
}

func (c *Cache[V]) evictLocked(victims []*entry[V], reason EvictReason, policy EvictPolicy) []EvictEvent {
	out := make([]EvictEvent, 0, len(victims))
	for _, e := range victims {
		c.removeLocked(e)
		c.evictions++
		out = append(out, eventFor(e, reason))
	}
	if len(out) > 0 {
		metrics.CacheEvictions.WithLabelValues(c.name, string(policy)).Add(float64(len(out)))
		c.log.Debug("cache eviction", "policy", policy, "removed", len(out))
	}
	return out
}

func (c *Cache[V]) emit(evs []EvictEvent) {
	for _, ev := range evs {
		c.evicted.Emit(ev)
	}
}

func eventFor[V any](e *entry[V], reason EvictReason) EvictEvent {
	return EvictEvent{
		Key:       e.key,
		Namespace: e.namespace,
		Reason:    reason,
		Priority:  e.priority,
		SizeBytes: e.sizeBytes,
	}
}
