// Package revocation implements the best-effort denylist of access tokens
// that must stop working before their natural expiry. The cache is an
// optional dependency: when Redis is down the pipeline fails open, because
// product availability outweighs the short staleness window the denylist
// closes. That policy lives here and nowhere else, so call sites cannot
// diverge on it.
package revocation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	keyPrefix    = "revoked:"
	pingTimeout  = 500 * time.Millisecond
	writeTimeout = 2 * time.Second
)

// Cache is a TTL-bounded Redis denylist. A nil client is a valid
// configuration meaning "no revocation cache".
type Cache struct {
	redis redis.UniversalClient
	log   zerolog.Logger
}

// New returns a Cache over the given Redis client. client may be nil.
func New(client redis.UniversalClient, log zerolog.Logger) *Cache {
	return &Cache{redis: client, log: log}
}

// Available reports live connectivity, not configuration intent. Callers
// branch on this before attempting a blacklist write.
func (c *Cache) Available(ctx context.Context) bool {
	if c.redis == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return c.redis.Ping(ctx).Err() == nil
}

// Blacklist stores the token until its natural expiry. Entries with a
// non-positive TTL would outlive nothing, so they are never written.
func (c *Cache) Blacklist(ctx context.Context, accessToken string, ttl time.Duration) error {
	if c.redis == nil || ttl <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := c.redis.Set(ctx, key(accessToken), "1", ttl).Err(); err != nil {
		return fmt.Errorf("revocation: blacklist: %w", err)
	}
	return nil
}

// IsBlacklisted reports whether the token was revoked. Cache errors are
// logged at warn and treated as "not blacklisted".
func (c *Cache) IsBlacklisted(ctx context.Context, accessToken string) bool {
	if c.redis == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	n, err := c.redis.Exists(ctx, key(accessToken)).Result()
	if err != nil {
		c.log.Warn().Err(err).Msg("revocation cache unreachable, failing open")
		return false
	}
	return n > 0
}

func key(token string) string {
	sum := sha256.Sum256([]byte(token))
	return keyPrefix + hex.EncodeToString(sum[:])
}
