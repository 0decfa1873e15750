package source

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a per-service token bucket sized to the service's request
// ceiling. It is process-local: when multiple workers share a service, each
// is configured with a fractional share of the ceiling.
type Limiter struct {
	bucket *rate.Limiter
}

// NewLimiter builds a Limiter allowing |perMinute| requests per minute with
// a burst of one: source pagination is strictly sequential, so bursts buy
// nothing and risk tripping the server-side limit.
func NewLimiter(perMinute int) *Limiter {
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1)}
}

// Wait blocks until a token is available or the context ends.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.bucket.Wait(ctx)
}

// Penalty returns a jittered pause for a 429 that carried no Retry-After.
func (l *Limiter) Penalty() time.Duration {
	var base = 5 * time.Second
	return base + time.Duration(rand.Int63n(int64(base)))
}

// LimiterRegistry hands out one shared Limiter per service, so that all
// chunks of a service within this process drain the same bucket.
type LimiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewLimiterRegistry returns an empty registry.
func NewLimiterRegistry() *LimiterRegistry {
	return &LimiterRegistry{limiters: make(map[string]*Limiter)}
}

// For returns the Limiter of |service|, creating it at |perMinute| on first
// use. Later calls ignore |perMinute|; the first configuration wins.
func (r *LimiterRegistry) For(service string, perMinute int) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	limiter, ok := r.limiters[service]
	if !ok {
		limiter = NewLimiter(perMinute)
		r.limiters[service] = limiter
	}
	return limiter
}
