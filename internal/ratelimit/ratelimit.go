package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter applies a token bucket per key (remote address, session id) plus
// an optional global bucket shared by every key.
type Limiter struct {
	mu     sync.Mutex
	global *rate.Limiter
	perKey map[string]*bucket
	rate   rate.Limit
	burst  int
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter allowing perKeyRate events per second per key with
// the given burst. globalRate of 0 disables the global bucket; perKeyRate of
// 0 disables per-key limiting.
func New(perKeyRate float64, burst int, globalRate float64) *Limiter {
	if burst < 1 {
		burst = 1
	}
	l := &Limiter{
		perKey: make(map[string]*bucket),
		rate:   rate.Limit(perKeyRate),
		burst:  burst,
	}
	if globalRate > 0 {
		l.global = rate.NewLimiter(rate.Limit(globalRate), burst)
	}
	return l
}

// Allow checks whether an event for key may proceed and consumes a token if
// so. A nil limiter allows everything.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	if l.global != nil && !l.global.AllowN(now, 1) {
		return false
	}
	if l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	b, ok := l.perKey[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.rate, l.burst)}
		l.perKey[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// Cleanup forgets keys that have not been seen for idle.
func (l *Limiter) Cleanup(idle time.Duration) int {
	if l == nil {
		return 0
	}
	cutoff := time.Now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.perKey {
		if b.lastSeen.Before(cutoff) {
			delete(l.perKey, key)
			removed++
		}
	}
	return removed
}

// Len is the number of tracked keys.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perKey)
}
