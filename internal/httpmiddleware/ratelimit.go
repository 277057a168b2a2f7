package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// PerIPLimiter is an in-memory token bucket keyed by client IP. Kiosks
// submitting frames in bursts get capacity tokens up front, refilled at the
// per-minute rate.
type PerIPLimiter struct {
	capacity int
	rate     int
	mu       sync.Mutex
	state    map[string]*bucket
	lastGC   time.Time
}

type bucket struct {
	tokens int
	last   time.Time
}

// NewPerIPLimiter creates a limiter with capacity tokens and a per-minute
// refill rate. capacity <= 0 defaults to the rate.
func NewPerIPLimiter(capacity, perMinute int) *PerIPLimiter {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &PerIPLimiter{
		capacity: capacity,
		rate:     perMinute,
		state:    make(map[string]*bucket),
		lastGC:   time.Now(),
	}
}

// GinMiddleware returns a gin handler enforcing the per-IP limit.
func (l *PerIPLimiter) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		if !l.allow(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

func (l *PerIPLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.gc(now)

	b, ok := l.state[key]
	if !ok {
		l.state[key] = &bucket{tokens: l.capacity - 1, last: now}
		return true
	}
	refill := int(now.Sub(b.last).Minutes() * float64(l.rate))
	if refill > 0 {
		b.tokens += refill
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.last = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// gc drops buckets idle long enough to be full again. Runs at most once a
// minute, under the caller's lock.
func (l *PerIPLimiter) gc(now time.Time) {
	if now.Sub(l.lastGC) < time.Minute || l.rate <= 0 {
		return
	}
	idle := time.Duration(float64(l.capacity)/float64(l.rate)*float64(time.Minute)) + time.Minute
	for key, b := range l.state {
		if now.Sub(b.last) > idle {
			delete(l.state, key)
		}
	}
	l.lastGC = now
}
