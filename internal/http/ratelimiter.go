package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// SlidingWindowLimiter enforces a maximum number of events within a time window.
type SlidingWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	events []time.Time
}

// NewSlidingWindowLimiter constructs a limiter allowing up to limit events per window.
func NewSlidingWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *SlidingWindowLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &SlidingWindowLimiter{window: window, limit: limit, now: timeSource}
}

// Allow reports whether the caller may proceed under the current rate limits.
func (l *SlidingWindowLimiter) Allow() bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.pruneLocked(now)
	if len(l.events) >= l.limit {
		return false
	}
	l.events = append(l.events, now)
	return true
}

// idle reports whether the limiter holds no events inside the window.
func (l *SlidingWindowLimiter) idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return len(l.events) == 0
}

func (l *SlidingWindowLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	kept := l.events[:0]
	for _, ts := range l.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.events = kept
}

// ClientLimiter keeps one sliding window per client key so a busy caller
// cannot starve the others.
type ClientLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*SlidingWindowLimiter
	calls   int
}

// NewClientLimiter builds a per-client limiter. A non-positive window or limit disables limiting.
func NewClientLimiter(window time.Duration, limit int, timeSource func() time.Time) *ClientLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &ClientLimiter{window: window, limit: limit, now: timeSource, clients: make(map[string]*SlidingWindowLimiter)}
}

// Allow applies the window of the given client.
func (c *ClientLimiter) Allow(key string) bool {
	if c == nil || c.limit <= 0 || c.window <= 0 {
		return true
	}
	c.mu.Lock()
	limiter, ok := c.clients[key]
	if !ok {
		limiter = NewSlidingWindowLimiter(c.window, c.limit, c.now)
		c.clients[key] = limiter
	}
	//1.- Periodically forget clients whose windows have emptied.
	c.calls++
	if c.calls%256 == 0 {
		for k, l := range c.clients {
			if k != key && l.idle() {
				delete(c.clients, k)
			}
		}
	}
	c.mu.Unlock()
	return limiter.Allow()
}

// Clients reports how many client windows are tracked.
func (c *ClientLimiter) Clients() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// clientKey identifies the caller by forwarded address or remote host.
func clientKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
