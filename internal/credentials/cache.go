package credentials

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CachedFetcher keeps the last key from an underlying fetcher for a TTL so
// file and KV lookups do not happen on every request.
type CachedFetcher struct {
	inner  APIKeyFetcher
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	cachedKey string
	fetchedAt time.Time
}

// NewCachedFetcher wraps inner. A non-positive ttl disables caching.
func NewCachedFetcher(inner APIKeyFetcher, ttl time.Duration, logger zerolog.Logger) *CachedFetcher {
	return &CachedFetcher{
		inner:  inner,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

func (c *CachedFetcher) GetAPIKey() (string, error) {
	c.mu.RLock()
	if c.cachedKey != "" && c.now().Sub(c.fetchedAt) < c.ttl {
		key := c.cachedKey
		c.mu.RUnlock()
		return key, nil
	}
	c.mu.RUnlock()
	return c.refresh()
}

func (c *CachedFetcher) refresh() (string, error) {
	key, err := c.inner.GetAPIKey()
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	if key != c.cachedKey && c.cachedKey != "" {
		c.logger.Info().Msg("API key changed at source")
	}
	c.cachedKey = key
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return key, nil
}

// SetAPIKey writes through to the underlying store and updates the cache.
func (c *CachedFetcher) SetAPIKey(key string) error {
	store, ok := c.inner.(APIKeyStore)
	if !ok {
		return errors.New("credentials source is read-only")
	}
	if err := store.SetAPIKey(key); err != nil {
		return err
	}
	c.mu.Lock()
	c.cachedKey = key
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return nil
}

// Invalidate drops the cached key so the next call reads the source.
func (c *CachedFetcher) Invalidate() {
	c.mu.Lock()
	c.cachedKey = ""
	c.mu.Unlock()
}
