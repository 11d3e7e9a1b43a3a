// Package ratelimit implements a per-caller token bucket rate limiter.
// Thread-safe. No background goroutines; idle buckets are swept lazily on Allow.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a caller has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// defaultIdleTTL is how long a bucket may sit unused before it is dropped.
const defaultIdleTTL = 10 * time.Minute

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int           // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int           // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
	IdleTTL           time.Duration // Drop buckets unused for this long. 0 = 10 minutes.
}

// Limiter keeps an independent bucket per key; one caller cannot exhaust
// another's quota.
type Limiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = defaultIdleTTL
	}
	return &Limiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:    burst,
		idleTTL:  ttl,
		now:      time.Now,
	}
}

// Allow consumes one token for key. Returns ErrRateLimited if the bucket is empty.
// A nil Limiter allows everything.
func (l *Limiter) Allow(key string) error {
	if l == nil || l.limit <= 0 {
		return nil
	}

	l.mu.Lock()
	now := l.now()
	l.sweep(now)
	v, ok := l.visitors[key]
	if !ok {
		// First request starts with a full bucket.
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	if !v.limiter.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

// Len reports how many keys currently hold a bucket.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// sweep drops idle visitors at most once per idleTTL. Must hold l.mu.
func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.idleTTL {
		return
	}
	l.lastSweep = now
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.idleTTL {
			delete(l.visitors, key)
		}
	}
}
