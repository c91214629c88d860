package gateway

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrRateLimited is returned when a client exceeded its per-minute budget.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrTooManyConcurrent is returned when a client has too many requests in flight.
	ErrTooManyConcurrent = errors.New("too many concurrent requests")
)

// ClientRateLimiter implements sliding window rate limiting per client
type ClientRateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	requests          []time.Time
	concurrent        int
	now               func() time.Time
}

// NewClientRateLimiter creates a rate limiter.
// Non-positive limits fall back to the defaults.
func NewClientRateLimiter(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		now:               time.Now,
	}
}

// Acquire admits one request or reports which limit it hit. Every successful
// Acquire must be paired with Release.
func (r *ClientRateLimiter) Acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrent >= r.maxConcurrent {
		return ErrTooManyConcurrent
	}
	r.prune()
	if len(r.requests) >= r.requestsPerMinute {
		return ErrRateLimited
	}

	r.requests = append(r.requests, r.now())
	r.concurrent++
	return nil
}

// Release ends a request admitted by Acquire.
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrent > 0 {
		r.concurrent--
	}
}

// Stats returns the requests in the current window and those in flight.
func (r *ClientRateLimiter) Stats() (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune()
	return len(r.requests), r.concurrent
}

// prune drops requests older than a minute. Callers hold mu.
func (r *ClientRateLimiter) prune() {
	cutoff := r.now().Add(-time.Minute)
	kept := r.requests[:0]
	for _, at := range r.requests {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	r.requests = kept
}

// limiterSet hands out one limiter per key, used for HTTP callers keyed by
// remote host.
type limiterSet struct {
	mu            sync.Mutex
	limiters      map[string]*ClientRateLimiter
	perMinute     int
	maxConcurrent int
}

func newLimiterSet(perMinute, maxConcurrent int) *limiterSet {
	return &limiterSet{
		limiters:      make(map[string]*ClientRateLimiter),
		perMinute:     perMinute,
		maxConcurrent: maxConcurrent,
	}
}

func (s *limiterSet) get(key string) *ClientRateLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[key]
	if !ok {
		l = NewClientRateLimiter(s.perMinute, s.maxConcurrent)
		s.limiters[key] = l
	}
	return l
}
