package proxy

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
)

const (
	cacheMinTTL = 30 * time.Second
	cacheMaxTTL = 5 * time.Minute
	// tokens are refreshed a minute before the broker says they expire
	cacheSafety = time.Minute
)

// cachedToken is one upstream token with its cache deadline.
type cachedToken struct {
	token     string
	expiresAt time.Time
}

// tokenFetcher retrieves an upstream token for a broker connection id.
type tokenFetcher interface {
	Fetch(ctx context.Context, connectionID string) (token string, expiresAt time.Time, err error)
}

// TokenCache caches upstream tokens keyed by broker connection id (never
// by agent). Entries carry their own deadline; the LRU's TTL is the upper
// clamp so nothing outlives it. Concurrent misses for the same connection
// collapse to one broker call.
type TokenCache struct {
	lru     *expirable.LRU[string, cachedToken]
	fetcher tokenFetcher
	group   singleflight.Group
	now     func() time.Time
}

// NewTokenCache creates a cache over the given fetcher.
func NewTokenCache(fetcher tokenFetcher) *TokenCache {
	return &TokenCache{
		lru:     expirable.NewLRU[string, cachedToken](512, nil, cacheMaxTTL),
		fetcher: fetcher,
		now:     time.Now,
	}
}

// Get returns a valid upstream token for the connection, fetching from the
// broker on miss or expiry.
func (c *TokenCache) Get(ctx context.Context, connectionID string) (string, error) {
	if entry, ok := c.lru.Get(connectionID); ok && entry.expiresAt.After(c.now()) {
		return entry.token, nil
	}

	v, err, _ := c.group.Do(connectionID, func() (any, error) {
		// Re-check inside the flight: a concurrent caller may have filled it.
		if entry, ok := c.lru.Get(connectionID); ok && entry.expiresAt.After(c.now()) {
			return entry.token, nil
		}

		token, expiresAt, err := c.fetcher.Fetch(ctx, connectionID)
		if err != nil {
			return "", apperr.Wrap(apperr.KindUpstreamError, "failed to fetch upstream token", err)
		}

		ttl := clampTTL(expiresAt.Sub(c.now()) - cacheSafety)
		c.lru.Add(connectionID, cachedToken{
			token:     token,
			expiresAt: c.now().Add(ttl),
		})
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the connection's cached token.
func (c *TokenCache) Invalidate(connectionID string) {
	c.lru.Remove(connectionID)
}

func clampTTL(d time.Duration) time.Duration {
	if d < cacheMinTTL {
		return cacheMinTTL
	}
	if d > cacheMaxTTL {
		return cacheMaxTTL
	}
	return d
}
