package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const idleAfter = 10 * time.Minute

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per caller fingerprint.
type Limiter struct {
	limiters map[string]*entry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

// NewLimiter creates a limiter allowing rps requests per second per caller
// with bursts of up to burst requests.
func NewLimiter(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

// GetLimiter returns the bucket for a caller, creating it on first use.
func (l *Limiter) GetLimiter(caller string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, exists := l.limiters[caller]
	if !exists {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[caller] = e
	}
	e.lastSeen = now
	return e.limiter
}

// Allow reports whether the caller may make a request now.
func (l *Limiter) Allow(caller string) bool {
	return l.GetLimiter(caller).Allow()
}

// Tokens returns the tokens currently left for a caller.
func (l *Limiter) Tokens(caller string) float64 {
	return l.GetLimiter(caller).Tokens()
}

// Burst is the bucket size.
func (l *Limiter) Burst() int { return l.burst }

// RetryAfter is how long until the caller gets its next token.
func (l *Limiter) RetryAfter(caller string) time.Duration {
	r := l.GetLimiter(caller).Reserve()
	defer r.Cancel()
	return r.Delay()
}

// Prune drops buckets of callers not seen for a while and returns how many.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idleAfter)
	n := 0
	for k, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked callers.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
