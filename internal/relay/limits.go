package relay

import (
	"sync"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
)

// tokenBucket throttles one caller. Refill happens lazily on each check so
// idle callers cost nothing; eviction from the bounded registry is the sweep.
type tokenBucket struct {
	mu           sync.Mutex
	tokens       float64
	max          float64
	refillPerSec float64
	last         time.Time
}

func newTokenBucket(perMinute int, burst int, now time.Time) *tokenBucket {
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		tokens:       float64(burst),
		max:          float64(burst),
		refillPerSec: float64(perMinute) / 60.0,
		last:         now,
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens += elapsed * b.refillPerSec
		if b.tokens > b.max {
			b.tokens = b.max
		}
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// limiterRegistry caps per-caller buckets in an LRU map so the process-wide
// state stays bounded without a sweeper goroutine.
type limiterRegistry struct {
	perMinute int
	burst     int
	buckets   *lru.Cache[string, *tokenBucket]
}

func newLimiterRegistry(perMinute int, burst int) *limiterRegistry {
	if perMinute <= 0 {
		return nil // limiting disabled
	}
	cache, err := lru.New[string, *tokenBucket](4096)
	if err != nil {
		return nil
	}
	return &limiterRegistry{perMinute: perMinute, burst: burst, buckets: cache}
}

func (r *limiterRegistry) allow(caller string, now time.Time) bool {
	if r == nil {
		return true
	}
	b, ok := r.buckets.Get(caller)
	if !ok {
		b = newTokenBucket(r.perMinute, r.burst, now)
		r.buckets.Add(caller, b)
	}
	return b.allow(now)
}

// TruncateDocumentContext caps a document snapshot to budget bytes before it
// is embedded as model context, keeping the NEWEST content: the oldest bytes
// are dropped from the front, aligned to a rune boundary.
func TruncateDocumentContext(doc string, budget int) string {
	if budget <= 0 || len(doc) <= budget {
		return doc
	}
	cut := doc[len(doc)-budget:]
	for len(cut) > 0 && !utf8.RuneStart(cut[0]) {
		cut = cut[1:]
	}
	return cut
}
