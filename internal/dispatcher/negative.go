package dispatcher

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// negativeCache remembers request signatures that failed with a client error
// so repeats short-circuit without a network call.
type negativeCache struct {
	cache *ristretto.Cache
	ttl   time.Duration // zero keeps entries for the life of the process
}

type knownFailure struct {
	status   int
	upstream *UpstreamError
	at       time.Time
}

func newNegativeCache(maxEntries int64, ttl time.Duration) (*negativeCache, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	// NumCounters should be ~10x the number of entries for optimal performance
	numCounters := maxEntries * 10
	if numCounters < 1000 {
		numCounters = 1000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxEntries, // every entry costs 1
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &negativeCache{cache: c, ttl: ttl}, nil
}

func (n *negativeCache) get(sig string) (*knownFailure, bool) {
	v, ok := n.cache.Get(sig)
	if !ok {
		return nil, false
	}
	kf, ok := v.(*knownFailure)
	if !ok {
		n.cache.Del(sig)
		return nil, false
	}
	return kf, true
}

func (n *negativeCache) add(sig string, kf *knownFailure) {
	if n.ttl > 0 {
		n.cache.SetWithTTL(sig, kf, 1, n.ttl)
	} else {
		n.cache.Set(sig, kf, 1)
	}
	// make the entry visible to the next lookup
	n.cache.Wait()
}

func (n *negativeCache) clear() { n.cache.Clear() }

func (n *negativeCache) close() { n.cache.Close() }
