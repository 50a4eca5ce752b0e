package services

import (
	"sync"
	"time"
)

// AdmissionLimiter decides whether a chat turn for a given key may proceed.
// When denied, RetryAfter carries the whole seconds a client should wait.
type AdmissionLimiter interface {
	Check(key string) (allowed bool, retryAfter int)
}

// SlidingWindowLimiter is an in-memory sliding-window rate limiter keyed by
// session (or client) identifier. It keeps a queue of request timestamps per
// key and admits a request only when fewer than maxRequests fall inside the
// window.
type SlidingWindowLimiter struct {
	mu          sync.Mutex
	requests    map[string][]time.Time
	maxRequests int
	window      time.Duration
	now         func() time.Time
}

// NewSlidingWindowLimiter creates a limiter admitting maxRequests per window
// for each key.
func NewSlidingWindowLimiter(maxRequests int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		requests:    make(map[string][]time.Time),
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

// Check records the request and admits it if the key has capacity. When the
// window is full it reports the seconds until the oldest tracked request
// falls outside the window, plus one second of slack.
func (l *SlidingWindowLimiter) Check(key string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.requests[key][:0]
	for _, ts := range l.requests[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.maxRequests {
		l.requests[key] = kept
		remaining := l.window - now.Sub(kept[0])
		retryAfter := int(remaining.Seconds())
		if remaining > time.Duration(retryAfter)*time.Second {
			retryAfter++ // round up partial seconds
		}
		retryAfter++ // one second of slack past expiry
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter
	}

	l.requests[key] = append(kept, now)
	return true, 0
}

// Reset forgets all tracked requests for a key.
func (l *SlidingWindowLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.requests, key)
}
