package cache

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/cinestream/backend/internal/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type movie struct {
	ID    int    `json:"id" msgpack:"id" cbor:"id"`
	Title string `json:"title" msgpack:"title" cbor:"title"`
}

func newTestCache[V any](t *testing.T, cfg Config, clock *fakeClock) *Cache[V] {
	t.Helper()
	c, err := New[V](cfg, WithClock[V](clock.Now), WithLogger[V](logger.Discard()), WithName[V]("test"))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func TestSetAndGet(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[movie](t, Config{}, clock)

	if !c.Set("movie:1", movie{ID: 1, Title: "X"}, SetOptions{TTL: time.Second}) {
		t.Fatal("Set should succeed")
	}
	got, ok := c.Get("movie:1")
	if !ok {
		t.Fatal("expected hit immediately after Set")
	}
	if got.Title != "X" {
		t.Errorf("expected title X, got %q", got.Title)
	}
}

func TestExpiry(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[movie](t, Config{}, clock)

	c.Set("movie:1", movie{ID: 1, Title: "X"}, SetOptions{TTL: time.Second})
	clock.Advance(1100 * time.Millisecond)

	if _, ok := c.Get("movie:1"); ok {
		t.Fatal("expected miss after TTL")
	}
	// Expiry check is idempotent.
	if _, ok := c.Get("movie:1"); ok {
		t.Fatal("expected miss on repeated Get after TTL")
	}
	if v, ok := c.GetStale("movie:1"); !ok || v.ID != 1 {
		t.Fatal("GetStale should still return the expired value until swept")
	}
	if n := c.Sweep(); n != 1 {
		t.Fatalf("expected sweep to remove 1 entry, got %d", n)
	}
	if _, ok := c.GetStale("movie:1"); ok {
		t.Fatal("swept entry should be gone")
	}
}

func TestExpiryWallClock(t *testing.T) {
	c, err := New[movie](Config{}, WithLogger[movie](logger.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	c.Set("movie:1", movie{ID: 1, Title: "X"}, SetOptions{TTL: 100 * time.Millisecond})
	time.Sleep(150 * time.Millisecond)
	if _, ok := c.Get("movie:1"); ok {
		t.Fatal("expected miss after TTL elapsed")
	}
}

func TestGetUpdatesAccessMetadata(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[string](t, Config{}, clock)

	c.Set("a", "1", SetOptions{})
	c.Set("b", "2", SetOptions{})
	clock.Advance(time.Second)
	c.Get("a")
	c.Get("a")

	entries := c.Entries()
	if entries[0].Key != "a" {
		t.Fatalf("most recently used entry should be first, got %s", entries[0].Key)
	}
	if entries[0].AccessCount != 2 {
		t.Errorf("expected access count 2, got %d", entries[0].AccessCount)
	}
}

func TestNamespaces(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[string](t, Config{}, clock)

	c.Set("1", "movie", SetOptions{Namespace: "movie"})
	c.Set("1", "tv", SetOptions{Namespace: "tv"})

	if v, ok := c.Get("1", WithNamespace("movie")); !ok || v != "movie" {
		t.Errorf("expected movie value, got %q %v", v, ok)
	}
	if v, ok := c.Get("1", WithNamespace("tv")); !ok || v != "tv" {
		t.Errorf("expected tv value, got %q %v", v, ok)
	}
	if _, ok := c.Get("1"); ok {
		t.Error("lookup without namespace should miss")
	}
	if !c.Delete("1", WithNamespace("tv")) {
		t.Error("Delete should report removal")
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 entry left, got %d", c.Len())
	}
}

func TestCountBudgetHolds(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[int](t, Config{MaxEntries: 10}, clock)

	for i := 0; i < 57; i++ {
		c.Set(fmt.Sprintf("k%d", i), i, SetOptions{})
		if c.Len() > 10 {
			t.Fatalf("size %d exceeds budget after insert %d", c.Len(), i)
		}
	}
	if c.Stats().Evictions == 0 {
		t.Error("expected evictions to be recorded")
	}
}

func TestCountEvictionOrder(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[int](t, Config{MaxEntries: 5}, clock)

	c.Set("critical", 0, SetOptions{Priority: PriorityCritical})
	c.Set("low-old", 1, SetOptions{Priority: PriorityLow})
	c.Set("low-new", 2, SetOptions{Priority: PriorityLow})
	c.Set("normal", 3, SetOptions{Priority: PriorityNormal})
	c.Set("high", 4, SetOptions{Priority: PriorityHigh})

	var evicted []string
	off := c.OnEvict(func(ev EvictEvent) { evicted = append(evicted, ev.Key) })
	defer off()

	// ceil(20% of 5) = 1: the oldest lowest-priority entry goes.
	c.Set("new", 5, SetOptions{})
	if len(evicted) != 1 || evicted[0] != "low-old" {
		t.Fatalf("expected low-old to be evicted, got %v", evicted)
	}

	// low-new is the only low priority entry left, so recency does not save it.
	c.Get("low-new")
	c.Set("newer", 6, SetOptions{})
	if len(evicted) != 2 || evicted[1] != "low-new" {
		t.Fatalf("expected low-new to be evicted next, got %v", evicted)
	}
}

func TestZeroPriorityIsNormal(t *testing.T) {
	var zero SetOptions
	if zero.Priority != PriorityNormal {
		t.Fatalf("zero Priority = %v, want normal", zero.Priority)
	}
	parsed, err := ParsePriority("")
	if err != nil || parsed != zero.Priority {
		t.Fatalf("ParsePriority(\"\") = %v, %v; want the zero value", parsed, err)
	}

	clock := newFakeClock()
	c := newTestCache[int](t, Config{MaxEntries: 2}, clock)
	c.Set("default", 1, SetOptions{})
	c.Set("low", 2, SetOptions{Priority: PriorityLow})
	c.Get("low")

	c.Set("next", 3, SetOptions{})
	if _, ok := c.Get("low"); ok {
		t.Error("low priority entry should be evicted before a default one")
	}
	if _, ok := c.Get("default"); !ok {
		t.Error("entry stored without a priority should rank as normal")
	}
}

func TestCountEvictionLRUWithinPriority(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[int](t, Config{MaxEntries: 3}, clock)

	c.Set("a", 1, SetOptions{})
	c.Set("b", 2, SetOptions{})
	c.Set("c", 3, SetOptions{})
	c.Get("a") // a becomes most recent

	c.Set("d", 4, SetOptions{})
	if _, ok := c.Get("b"); ok {
		t.Error("b was least recently used and should have been evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("a was recently used and should survive")
	}
}

func TestMemoryEviction(t *testing.T) {
	clock := newFakeClock()
	// Each string of n bytes encodes to n+2 JSON bytes.
	c := newTestCache[string](t, Config{MaxMemoryBytes: 100}, clock)

	c.Set("big", strings.Repeat("x", 38), SetOptions{})   // 40 bytes
	c.Set("small", strings.Repeat("y", 8), SetOptions{})  // 10 bytes
	c.Set("keep", strings.Repeat("z", 38), SetOptions{Priority: PriorityHigh})
	if got := c.Stats().MemoryUsageBytes; got != 90 {
		t.Fatalf("expected 90 bytes used, got %d", got)
	}

	// 90 + 20 > 100: the largest normal-priority entry is freed first and
	// 40 bytes already covers 30% of the budget.
	c.Set("incoming", strings.Repeat("w", 18), SetOptions{})

	if _, ok := c.Get("big"); ok {
		t.Error("largest low-rank entry should be evicted")
	}
	if _, ok := c.Get("small"); !ok {
		t.Error("small entry should survive once enough memory is freed")
	}
	if _, ok := c.Get("keep"); !ok {
		t.Error("high priority entry should survive")
	}
	if s := c.Stats(); s.MemoryUsageBytes > s.MaxMemoryBytes {
		t.Errorf("memory %d exceeds budget %d", s.MemoryUsageBytes, s.MaxMemoryBytes)
	}
}

func TestSetRejectsOversizedValue(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[string](t, Config{MaxMemoryBytes: 10}, clock)
	if c.Set("huge", strings.Repeat("x", 100), SetOptions{}) {
		t.Fatal("Set should fail for a value that can never fit")
	}
	if c.Len() != 0 {
		t.Fatal("rejected value should not be stored")
	}
}

func TestReplaceKeepsSingleEntry(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[string](t, Config{}, clock)
	c.Set("k", "one", SetOptions{})
	c.Set("k", "two", SetOptions{})
	if c.Len() != 1 {
		t.Fatalf("expected one live entry per key, got %d", c.Len())
	}
	if v, _ := c.Get("k"); v != "two" {
		t.Errorf("expected last write to win, got %q", v)
	}
	if got := c.Stats().MemoryUsageBytes; got != int64(len(`"two"`)) {
		t.Errorf("memory should track only the live entry, got %d", got)
	}
}

func TestInvalidate(t *testing.T) {
	high := PriorityHigh

	tests := []struct {
		name    string
		filter  Filter
		advance time.Duration
		want    []string // keys that remain
	}{
		{
			name:   "tag removes exactly tagged entries",
			filter: Filter{Tags: []string{"t"}},
			want:   []string{"catalog:b", "d"},
		},
		{
			name:   "any listed tag matches",
			filter: Filter{Tags: []string{"t", "u"}},
			want:   []string{"d"},
		},
		{
			name:   "namespace",
			filter: Filter{Namespace: "catalog"},
			want:   []string{"c", "d"},
		},
		{
			name:   "namespace and tag are ANDed",
			filter: Filter{Namespace: "catalog", Tags: []string{"t"}},
			want:   []string{"catalog:b", "c", "d"},
		},
		{
			name:   "pattern on logical key",
			filter: Filter{Pattern: regexp.MustCompile(`^[ab]$`)},
			want:   []string{"c", "d"},
		},
		{
			name:   "priority",
			filter: Filter{Priority: &high},
			want:   []string{"catalog:a", "catalog:b", "d"},
		},
		{
			name:    "older than",
			filter:  Filter{OlderThan: 30 * time.Second},
			advance: time.Minute,
			want:    []string{},
		},
		{
			name:   "older than excludes fresh entries",
			filter: Filter{OlderThan: 30 * time.Second},
			want:   []string{"c", "catalog:a", "catalog:b", "d"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			c := newTestCache[int](t, Config{}, clock)
			c.Set("a", 1, SetOptions{Namespace: "catalog", Tags: []string{"t"}})
			c.Set("b", 2, SetOptions{Namespace: "catalog", Tags: []string{"u"}})
			c.Set("c", 3, SetOptions{Tags: []string{"t", "x"}, Priority: PriorityHigh})
			c.Set("d", 4, SetOptions{})
			clock.Advance(tt.advance)

			removed := c.Invalidate(tt.filter)
			keys := c.Keys()
			if removed != 4-len(tt.want) {
				t.Errorf("expected %d removed, got %d", 4-len(tt.want), removed)
			}
			if strings.Join(keys, ",") != strings.Join(sorted(tt.want), ",") {
				t.Errorf("remaining keys = %v, want %v", keys, sorted(tt.want))
			}
		})
	}
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func TestClearResetsCounters(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[int](t, Config{}, clock)
	c.Set("a", 1, SetOptions{})
	c.Get("a")
	c.Get("missing")

	c.Clear()
	s := c.Stats()
	if s.Size != 0 || s.MemoryUsageBytes != 0 {
		t.Errorf("expected empty cache, got size=%d memory=%d", s.Size, s.MemoryUsageBytes)
	}
	if s.Hits != 0 || s.Misses != 0 {
		t.Errorf("expected counters reset, got hits=%d misses=%d", s.Hits, s.Misses)
	}
}

func TestStatsEfficiency(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[string](t, Config{MaxMemoryBytes: 100}, clock)

	c.Set("a", strings.Repeat("x", 48), SetOptions{}) // 50 bytes
	c.Get("a")
	c.Get("a")
	c.Get("a")
	c.Get("nope")

	s := c.Stats()
	if s.HitRate != 0.75 {
		t.Fatalf("expected hit rate 0.75, got %v", s.HitRate)
	}
	want := 0.7*0.75 + 0.3*(1-0.5)
	if diff := s.Efficiency - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected efficiency %v, got %v", want, s.Efficiency)
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	for _, codec := range []string{"json", "msgpack", "cbor"} {
		t.Run(codec, func(t *testing.T) {
			clock := newFakeClock()
			c := newTestCache[movie](t, Config{Codec: codec, CompressionThreshold: 64}, clock)

			in := movie{ID: 7, Title: strings.Repeat("long title ", 40)}
			c.Set("m", in, SetOptions{Compress: true})

			info := c.Entries()[0]
			if !info.Compressed {
				t.Fatal("value above threshold should be stored compressed")
			}
			got, ok := c.Get("m")
			if !ok || got != in {
				t.Fatalf("round trip mismatch: %+v ok=%v", got, ok)
			}
			if stale, ok := c.GetStale("m"); !ok || stale != in {
				t.Fatalf("stale round trip mismatch: %+v", stale)
			}
		})
	}
}

// gatedCodec blocks Decode until release is closed.
type gatedCodec struct {
	JSONCodec[movie]
	entered chan struct{}
	release chan struct{}
}

func (g *gatedCodec) Decode(b []byte) (movie, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.JSONCodec.Decode(b)
}

func TestCompressedGetDoesNotBlockOtherCalls(t *testing.T) {
	codec := &gatedCodec{entered: make(chan struct{}, 1), release: make(chan struct{})}
	c, err := New[movie](Config{CompressionThreshold: 64},
		WithCodec[movie](codec), WithLogger[movie](logger.Discard()), WithClock[movie](newFakeClock().Now))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(c.Stop)

	in := movie{ID: 7, Title: strings.Repeat("long title ", 40)}
	c.Set("m", in, SetOptions{Compress: true})

	got := make(chan movie, 1)
	go func() {
		v, _ := c.Get("m")
		got <- v
	}()
	<-codec.entered

	done := make(chan struct{})
	go func() {
		c.Set("other", movie{ID: 8}, SetOptions{})
		_ = c.Len()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		close(codec.release)
		t.Fatal("cache calls blocked while a compressed entry was decoding")
	}

	close(codec.release)
	if v := <-got; v != in {
		t.Errorf("unexpected value %+v", v)
	}
	if s := c.Stats(); s.Hits != 1 {
		t.Errorf("expected one hit, got %d", s.Hits)
	}
}

func TestCompressionSkippedBelowThreshold(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[movie](t, Config{}, clock)
	c.Set("m", movie{ID: 1, Title: "short"}, SetOptions{Compress: true})
	if c.Entries()[0].Compressed {
		t.Error("small values should not be compressed")
	}
}

func TestSizeEstimationFailureIsNotFatal(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[any](t, Config{}, clock)

	if !c.Set("fn", func() {}, SetOptions{}) {
		t.Fatal("unencodable value should still be stored")
	}
	if got := c.Entries()[0].SizeBytes; got != 0 {
		t.Errorf("expected size 0 for unencodable value, got %d", got)
	}
	if _, ok := c.Get("fn"); !ok {
		t.Error("unencodable value should be retrievable")
	}
}

func TestUnknownCodec(t *testing.T) {
	if _, err := New[int](Config{Codec: "xml"}); err == nil {
		t.Fatal("expected error for unknown codec")
	}
}

func TestKeyIsCanonical(t *testing.T) {
	a := Key("/movie/1", map[string]string{"language": "en-US", "append": "credits"})
	b := Key("/movie/1", map[string]string{"append": "credits", "language": "en-US"})
	if a != b {
		t.Fatalf("param order should not change key: %q vs %q", a, b)
	}
	if a != "/movie/1?append=credits&language=en-US" {
		t.Errorf("unexpected key %q", a)
	}
	if Key("/x", nil) != "/x" {
		t.Error("key without params should be the base")
	}
}

func TestSweepEmitsExpiredEvents(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[int](t, Config{}, clock)
	c.Set("short", 1, SetOptions{TTL: time.Second, Priority: PriorityCritical})
	c.Set("long", 2, SetOptions{TTL: time.Hour})

	var reasons []EvictReason
	off := c.OnEvict(func(ev EvictEvent) { reasons = append(reasons, ev.Reason) })
	clock.Advance(2 * time.Second)

	if n := c.Sweep(); n != 1 {
		t.Fatalf("expected 1 expired, got %d", n)
	}
	if len(reasons) != 1 || reasons[0] != ReasonExpired {
		t.Errorf("expected one expired event, got %v", reasons)
	}
	off()
	if c.evicted.Len() != 0 {
		t.Error("unsubscribe should remove the listener")
	}
}

func TestStartRunsSweep(t *testing.T) {
	clock := newFakeClock()
	c, err := New[int](Config{CleanupInterval: 10 * time.Millisecond},
		WithClock[int](clock.Now), WithLogger[int](logger.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	c.Set("a", 1, SetOptions{TTL: time.Second})
	clock.Advance(time.Minute)

	c.Start(context.Background())
	c.Start(context.Background()) // no-op
	defer c.Stop()

	deadline := time.Now().Add(time.Second)
	for c.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("background sweep never removed the expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConcurrentAccess(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[int](t, Config{MaxEntries: 50}, clock)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*200+i)%120)
				c.Set(key, i, SetOptions{Tags: []string{fmt.Sprintf("g%d", g)}})
				c.Get(key)
				if i%50 == 0 {
					c.Invalidate(Filter{Tags: []string{fmt.Sprintf("g%d", g)}})
				}
			}
		}(g)
	}
	wg.Wait()

	if c.Len() > 50 {
		t.Fatalf("size %d exceeds budget", c.Len())
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"low", PriorityLow, false},
		{"", PriorityNormal, false},
		{"HIGH", PriorityHigh, false},
		{"critical", PriorityCritical, false},
		{"urgent", PriorityNormal, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePriority(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePriority(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParsePriority(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
