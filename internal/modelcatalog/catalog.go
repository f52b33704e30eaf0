package modelcatalog

import (
	"context"
	"sync"
	"time"

	"github.com/agentcore/core/internal/common/logger"
	"go.uber.org/zap"
)

// RuntimeClient fetches the live provider/model list from the agent
// runtime. HTTPRuntimeClient implements it over the runtime's HTTP API.
type RuntimeClient interface {
	FetchProviders(ctx context.Context) (Providers, RuntimeDefaults, error)
}

// Catalog wraps a RuntimeClient with a TTL cache and a last-known-good
// fallback, so a flaky runtime fetch degrades to stale data instead of
// failing every resolution in between.
type Catalog struct {
	client RuntimeClient
	ttl    time.Duration
	log    *logger.Logger

	mu         sync.RWMutex
	providers  Providers
	defaults   RuntimeDefaults
	fetchedAt  time.Time
	haveData   bool
}

// NewCatalog creates a Catalog backed by client, caching fetches for ttl.
func NewCatalog(client RuntimeClient, ttl time.Duration, log *logger.Logger) *Catalog {
	return &Catalog{client: client, ttl: ttl, log: log}
}

// FetchProviders returns the cached provider list if it is within ttl,
// otherwise refreshes it. On a refresh error with existing cached data, the
// stale data is returned rather than propagating the error.
func (c *Catalog) FetchProviders(ctx context.Context) (Providers, RuntimeDefaults, error) {
	c.mu.RLock()
	fresh := c.haveData && time.Since(c.fetchedAt) < c.ttl
	providers, defaults := c.providers, c.defaults
	c.mu.RUnlock()
	if fresh {
		return providers, defaults, nil
	}

	fetched, fetchedDefaults, err := c.client.FetchProviders(ctx)
	if err != nil {
		c.mu.RLock()
		hadData := c.haveData
		c.mu.RUnlock()
		if hadData {
			c.log.Warn("model catalog refresh failed, serving stale data", zap.Error(err))
			return providers, defaults, nil
		}
		return nil, RuntimeDefaults{}, err
	}

	c.mu.Lock()
	c.providers = fetched
	c.defaults = fetchedDefaults
	c.fetchedAt = time.Now()
	c.haveData = true
	c.mu.Unlock()

	return fetched, fetchedDefaults, nil
}

// Resolve fetches the current provider list (respecting the cache) and
// resolves ref against it.
func (c *Catalog) Resolve(ctx context.Context, ref string) (Resolved, error) {
	providers, defaults, err := c.FetchProviders(ctx)
	if err != nil {
		return Resolved{}, err
	}
	return ResolveModelRef(ref, providers, defaults)
}

// Invalidate forces the next FetchProviders call to refresh.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.haveData = false
	c.mu.Unlock()
}
