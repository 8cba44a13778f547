// Package admission throttles requests at the pipeline trigger point.
// Two governors coexist: an ephemeral in-process token bucket per client
// and a durable per-client actor whose token count survives restarts.
package admission

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is the admission rejection. It carries a retry-after
// hint and is never silently dropped.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Limiter is the stateless in-process governor: one lazily-refilled
// bucket per client identifier, capacity = burst, refill rate in
// tokens/second. State is ephemeral and owned by this instance.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
}

// NewLimiter creates a Limiter with the given refill rate and capacity.
func NewLimiter(rps float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

// Allow consumes one token for the client if available. On rejection it
// returns an ErrRateLimited with the time until a token frees up.
func (l *Limiter) Allow(clientID string) error {
	l.mu.Lock()
	bucket, ok := l.buckets[clientID]
	if !ok {
		bucket = rate.NewLimiter(l.rps, l.burst)
		l.buckets[clientID] = bucket
	}
	l.mu.Unlock()

	res := bucket.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return &ErrRateLimited{RetryAfter: delay}
	}
	return nil
}
