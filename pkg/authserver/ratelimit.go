package authserver

import (
	"net"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultLimiterKeys bounds the number of tracked (address, route) buckets.
const DefaultLimiterKeys = 10000

type bucketKey struct {
	addr  string
	route string
}

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter is a fixed-window counter per (client address, route).
// A bucket's count resets once the clock passes its window end.
type RateLimiter struct {
	name   string
	max    int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets *lru.Cache[bucketKey, *bucket]
}

// NewRateLimiter returns a limiter allowing max requests per window for each
// key. Least recently used buckets are evicted beyond keys entries.
func NewRateLimiter(name string, max int, window time.Duration, keys int, now func() time.Time) *RateLimiter {
	if keys <= 0 {
		keys = DefaultLimiterKeys
	}
	if now == nil {
		now = time.Now
	}
	cache, err := lru.New[bucketKey, *bucket](keys)
	if err != nil {
		// lru.New only fails for a non-positive size.
		panic(err)
	}
	return &RateLimiter{name: name, max: max, window: window, now: now, buckets: cache}
}

// Allow records a request for (addr, route) and reports whether it is within
// budget.
func (l *RateLimiter) Allow(addr, route string) bool {
	key := bucketKey{addr: addr, route: route}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets.Get(key)
	if !ok {
		b = &bucket{resetAt: now.Add(l.window)}
		l.buckets.Add(key, b)
	}
	if now.After(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(l.window)
	}
	b.count++
	return b.count <= l.max
}

// Middleware rejects over-budget requests with 429. onLimited, if non-nil,
// is called for every rejected request.
func (l *RateLimiter) Middleware(onLimited func(limiter string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(clientAddr(r), r.URL.Path) {
				if onLimited != nil {
					onLimited(l.name)
				}
				writeError(w, http.StatusTooManyRequests, ErrRateLimited.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr is the connection's remote host without port.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
