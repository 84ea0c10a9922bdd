package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdle = 10 * time.Minute

// conversationLimiter keeps one token bucket per conversation. Buckets idle
// longer than limiterIdle are dropped on the next lookup.
type conversationLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	now     func() time.Time
	buckets map[string]*bucket
	swept   time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newConversationLimiter(perSecond float64, burst int) *conversationLimiter {
	if burst <= 0 {
		burst = 1
	}
	l := rate.Limit(perSecond)
	if perSecond <= 0 {
		l = rate.Inf
	}
	return &conversationLimiter{
		limit:   l,
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (c *conversationLimiter) Allow(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if now.Sub(c.swept) > limiterIdle {
		for id, b := range c.buckets {
			if now.Sub(b.lastSeen) > limiterIdle {
				delete(c.buckets, id)
			}
		}
		c.swept = now
	}
	b, ok := c.buckets[conversationID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.buckets[conversationID] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (c *conversationLimiter) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}
