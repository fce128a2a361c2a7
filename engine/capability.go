package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hpcforge/ferry/gateway"
)

// Prober fetches the capability set of an endpoint.
type Prober func(ctx context.Context) (gateway.Capability, error)

// CapabilityCache caches probed endpoint capabilities. Concurrent
// requests for the same endpoint are collapsed into a single probe;
// failed probes are never cached. A probed value is trusted until
// explicit invalidation; an optional TTL bounds that trust instead.
type CapabilityCache struct {
	ttl   time.Duration
	group singleflight.Group

	mu   sync.RWMutex
	caps map[string]gateway.Capability
}

// NewCapabilityCache creates a cache. A TTL <= 0 means entries never
// expire and only Invalidate or InvalidateAll trigger a re-probe.
func NewCapabilityCache(ttl time.Duration) *CapabilityCache {
	return &CapabilityCache{
		ttl:  ttl,
		caps: make(map[string]gateway.Capability),
	}
}

func (c *CapabilityCache) fresh(cap gateway.Capability) bool {
	return c.ttl <= 0 || time.Since(cap.ProbedAt) < c.ttl
}

// Get returns the cached capability set for endpoint, probing it if the
// cache is cold or stale. A failed probe is reported as
// KindCapabilityUnavailable and leaves the cache unchanged, so the next
// caller probes again.
func (c *CapabilityCache) Get(ctx context.Context, endpoint string, probe Prober) (gateway.Capability, error) {
	c.mu.RLock()
	cap, ok := c.caps[endpoint]
	c.mu.RUnlock()
	if ok && c.fresh(cap) {
		return cap, nil
	}

	v, err, _ := c.group.Do(endpoint, func() (any, error) {
		// Another goroutine may have refreshed while we waited on the
		// flight group.
		c.mu.RLock()
		cap, ok := c.caps[endpoint]
		c.mu.RUnlock()
		if ok && c.fresh(cap) {
			return cap, nil
		}

		probed, err := probe(ctx)
		if err != nil {
			return gateway.Capability{}, gateway.NewError(gateway.KindCapabilityUnavailable, endpoint, err)
		}
		if probed.ProbedAt.IsZero() {
			probed.ProbedAt = time.Now()
		}
		c.mu.Lock()
		c.caps[endpoint] = probed
		c.mu.Unlock()
		return probed, nil
	})
	if err != nil {
		return gateway.Capability{}, err
	}
	return v.(gateway.Capability), nil
}

// Invalidate drops the cached entry for one endpoint.
func (c *CapabilityCache) Invalidate(endpoint string) {
	c.mu.Lock()
	delete(c.caps, endpoint)
	c.mu.Unlock()
}

// InvalidateAll drops every cached entry.
func (c *CapabilityCache) InvalidateAll() {
	c.mu.Lock()
	c.caps = make(map[string]gateway.Capability)
	c.mu.Unlock()
}
