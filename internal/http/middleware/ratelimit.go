// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the in-memory token-bucket limiter that protects the
// remote messaging backend from send storms. The gateway is a single-user,
// single-process daemon, so buckets live in a plain map; the limiter caps
// how fast a misbehaving client (or a reconnect loop) can pump sends and
// refreshes through to the backend.
//
// Properties:
//   - Per-key buckets via golang.org/x/time/rate, keyed by session user or
//     client IP
//   - Idle buckets are evicted opportunistically to bound memory
//   - Idempotent replays bypass the limiter entirely (paired with
//     IdempotencyValidator), so a retried send is never charged twice
//
// The limiter is process-local abuse control, not authorization, and it does
// not coordinate across instances.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	// visitorTTL is how long an idle bucket survives before eviction.
	visitorTTL = 10 * time.Minute
	// gcEvery triggers the opportunistic sweep after this many lookups.
	gcEvery = 5000
)

// keyFunc selects the identity used to key a rate-limit bucket. It must
// return a stable string for the duration of a request, namespaced so user
// and IP keys cannot collide ("user:u-42" vs "ip:203.0.113.7").
type keyFunc func(*gin.Context) string

// KeyByUserOrIP prefers the session user stashed in the Gin context under
// "userID" and falls back to the client IP for requests that arrive before
// the identity resolves.
func KeyByUserOrIP() keyFunc {
	return func(c *gin.Context) string {
		if v, ok := c.Get("userID"); ok {
			if s, ok := v.(string); ok && s != "" {
				return "user:" + s
			}
		}
		return "ip:" + c.ClientIP()
	}
}

// visitor pairs a bucket with the last time it was touched so idle entries
// can be evicted.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds the per-key token buckets. Buckets are created on
// demand in a mutex-guarded map and swept during lookups. Safe for
// concurrent use.
type RateLimiter struct {
	rps      rate.Limit
	burst    int
	keyFn    keyFunc
	mu       sync.Mutex
	visitors map[string]*visitor

	ttl      time.Duration
	cleanupN uint64
}

// NewRateLimiter builds a limiter replenishing rps tokens per second with
// the given burst, keyed by keyFn. A burst <= 0 is coerced to 1. Install it
// via Handler().
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		visitors: make(map[string]*visitor),
		ttl:      visitorTTL,
	}
}

// getVisitor returns the bucket for key, creating it if absent, and runs
// the opportunistic sweep every gcEvery lookups.
//
// The sweep runs BEFORE the requested visitor is touched so a stale bucket
// can be evicted even when it is the one being fetched.
func (rl *RateLimiter) getVisitor(key string) *rate.Limiter {
	now := time.Now()

	rl.mu.Lock()
	rl.cleanupN++
	if rl.cleanupN >= gcEvery {
		for k, vv := range rl.visitors {
			if now.Sub(vv.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.cleanupN = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		lim := v.limiter
		rl.mu.Unlock()
		return lim
	}

	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	rl.mu.Unlock()
	return lim
}

// IsRateBypass reports whether IdempotencyValidator marked this request as
// a replay of an already-completed send. Replays skip the limiter so a
// client retrying after a timeout is never throttled into re-queueing.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass) // set by IdempotencyValidator
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler returns the Gin middleware enforcing the per-key buckets.
// Throttled requests receive 429 with the standard error envelope and a
// minimal Retry-After header:
//
//	HTTP/1.1 429 Too Many Requests
//	{
//	  "request_id": "<uuid>",
//	  "code":       "rate_limited",
//	  "message":    "rate limit exceeded"
//	}
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}

		key := rl.keyFn(c)
		lim := rl.getVisitor(key)

		if lim.Allow() {
			c.Next()
			return
		}

		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get("X-Request-ID"),
			"code":       "rate_limited",
			"message":    "rate limit exceeded",
		})
	}
}
