// Package ratelimit gates every request with a pipeline of independent
// fixed-window counters. Tiers evaluate in a fixed order so the most
// specific budget always has a chance to reject before broader ones, and
// the whole pipeline runs before any cryptographic or store-backed check.
package ratelimit

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kestrelhq/crm-api/internal/httpx"
)

// CounterStore tracks windowed request counters. Implementations must make
// Incr atomic per key.
type CounterStore interface {
	// Incr bumps the counter for key, starting a fresh window of the given
	// length on the first hit, and returns the new count and window reset time.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)

	// Decr refunds one hit, used by tiers that exclude successful responses.
	Decr(ctx context.Context, key string) error
}

// IdentityFn resolves a request's authenticated subject for counter keying.
// It runs before the authorization middleware, so the result is used for
// bucketing only and never for admission.
type IdentityFn func(*gin.Context) (string, bool)

// Tier is one (limit, window, key, skip) tuple of the pipeline.
type Tier struct {
	Name   string
	Limit  int64
	Window time.Duration
	Key    func(*gin.Context) string
	Skip   func(*gin.Context) bool

	// RefundOnSuccess excludes responses below 400 from the count. Used by
	// the auth tier so only failed credential attempts burn budget.
	RefundOnSuccess bool
}

// Limiter applies the tier pipeline as gin middleware.
type Limiter struct {
	store CounterStore
	tiers []Tier
	log   zerolog.Logger
}

// New builds a Limiter over the given store and tiers.
func New(store CounterStore, tiers []Tier, log zerolog.Logger) *Limiter {
	return &Limiter{store: store, tiers: tiers, log: log}
}

// Middleware evaluates every tier in order and rejects with 429 when any
// budget is exhausted. Counter store failures are a hard failure of the
// request; the limiter is not a fail-open dependency.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		type charge struct {
			tier Tier
			key  string
		}
		var refundable []charge

		for _, tier := range l.tiers {
			if tier.Skip != nil && tier.Skip(c) {
				continue
			}

			key := "rl:" + tier.Name + ":" + tier.Key(c)
			count, resetAt, err := l.store.Incr(c.Request.Context(), key, tier.Window)
			if err != nil {
				l.log.Error().Err(err).Str("tier", tier.Name).Msg("rate limit store failure")
				httpx.Abort(c, http.StatusInternalServerError, "Internal server error")
				return
			}

			if count > tier.Limit {
				retryAfter := int64(time.Until(resetAt).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				l.log.Warn().
					Str("tier", tier.Name).
					Str("key", key).
					Str("path", c.Request.URL.Path).
					Str("method", c.Request.Method).
					Int64("count", count).
					Int64("limit", tier.Limit).
					Msg("rate limit exceeded")

				c.Header("Retry-After", time.Until(resetAt).Round(time.Second).String())
				httpx.AbortWith(c, http.StatusTooManyRequests, httpx.MsgTooManyRequests, gin.H{
					"limit":      tier.Limit,
					"remaining":  0,
					"retryAfter": retryAfter,
					"resetTime":  resetAt.UTC().Format(time.RFC3339),
				})
				return
			}

			if tier.RefundOnSuccess {
				refundable = append(refundable, charge{tier: tier, key: key})
			}
		}

		c.Next()

		if c.Writer.Status() < http.StatusBadRequest {
			for _, ch := range refundable {
				if err := l.store.Decr(c.Request.Context(), ch.key); err != nil {
					l.log.Warn().Err(err).Str("tier", ch.tier.Name).Msg("rate limit refund failed")
				}
			}
		}
	}
}

// DefaultTiers returns the production pipeline in its mandated order.
// identity resolves the authenticated subject for per-user buckets.
func DefaultTiers(identity IdentityFn) []Tier {
	ipKey := func(c *gin.Context) string { return clientIP(c) }
	userIPKey := func(c *gin.Context) string { return compositeKey(c, identity) }
	isWrite := func(method string) bool {
		switch method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			return true
		}
		return false
	}

	return []Tier{
		{
			Name:   "webhook",
			Limit:  1000,
			Window: time.Hour,
			Key:    ipKey,
			Skip:   func(c *gin.Context) bool { return !hasPrefix(c, "/api/webhooks") },
		},
		{
			Name:            "auth",
			Limit:           5,
			Window:          15 * time.Minute,
			Key:             ipKey,
			Skip:            func(c *gin.Context) bool { return !hasPrefix(c, "/api/auth") },
			RefundOnSuccess: true,
		},
		{
			Name:   "general",
			Limit:  100,
			Window: 15 * time.Minute,
			Key:    ipKey,
			Skip: func(c *gin.Context) bool {
				switch c.Request.URL.Path {
				case "/health", "/api/health":
					return true
				}
				return false
			},
		},
		{
			Name:   "user",
			Limit:  500,
			Window: time.Hour,
			Key: func(c *gin.Context) string {
				id, _ := identity(c)
				return "user:" + id
			},
			Skip: func(c *gin.Context) bool {
				_, ok := identity(c)
				return !ok
			},
		},
		{
			Name:   "write",
			Limit:  50,
			Window: 15 * time.Minute,
			Key:    userIPKey,
			Skip:   func(c *gin.Context) bool { return !isWrite(c.Request.Method) },
		},
		{
			Name:   "read",
			Limit:  200,
			Window: 15 * time.Minute,
			Key:    userIPKey,
			Skip:   func(c *gin.Context) bool { return c.Request.Method != http.MethodGet },
		},
	}
}

// compositeKey scopes a bucket to user:{id}:{ip} when an identity is
// present and to the bare IP otherwise, so an anonymous IP cannot drain an
// authenticated user's budget or vice versa.
func compositeKey(c *gin.Context, identity IdentityFn) string {
	ip := clientIP(c)
	if id, ok := identity(c); ok {
		return "user:" + id + ":" + ip
	}
	return ip
}

func clientIP(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

func hasPrefix(c *gin.Context, prefix string) bool {
	path := c.Request.URL.Path
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}
