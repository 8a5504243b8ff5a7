package configstore

import (
	"sync"
	"time"

	"github.com/iharari2/volbalance/internal/domain"
)

// Store is the configuration port the use-cases depend on.
type Store interface {
	GetCommissionRate(tenantID, asset string) (rate float64, found bool, err error)
	GetTriggerConfig(scope domain.Scope) (domain.TriggerConfig, error)
	GetGuardrailConfig(scope domain.Scope) (domain.GuardrailConfig, error)
	GetOrderPolicy(scope domain.Scope) (domain.OrderPolicy, error)
}

// Compile-time check that Repository implements Store.
var _ Store = (*Repository)(nil)

// CachedStore memoizes config lookups with a short TTL. Configuration is
// read on every evaluation cycle but changes rarely; a stale window of up
// to the TTL is acceptable.
type CachedStore struct {
	inner Store
	ttl   time.Duration
	clock domain.Clock

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// NewCachedStore wraps a Store with TTL caching. A zero ttl defaults to
// one minute.
func NewCachedStore(inner Store, ttl time.Duration, clock domain.Clock) *CachedStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &CachedStore{
		inner:   inner,
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]cacheEntry),
	}
}

func (c *CachedStore) get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || c.clock.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

func (c *CachedStore) put(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expiresAt: c.clock.Now().Add(c.ttl)}
}

// Invalidate drops every cached entry. Called after config writes.
func (c *CachedStore) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

type cachedRate struct {
	rate  float64
	found bool
}

// GetCommissionRate implements Store.
func (c *CachedStore) GetCommissionRate(tenantID, asset string) (float64, bool, error) {
	key := "commission:" + tenantID + ":" + asset
	if v, ok := c.get(key); ok {
		cr := v.(cachedRate)
		return cr.rate, cr.found, nil
	}
	rate, found, err := c.inner.GetCommissionRate(tenantID, asset)
	if err != nil {
		return 0, false, err
	}
	c.put(key, cachedRate{rate: rate, found: found})
	return rate, found, nil
}

// GetTriggerConfig implements Store.
func (c *CachedStore) GetTriggerConfig(scope domain.Scope) (domain.TriggerConfig, error) {
	key := "trigger:" + scope.TenantID + ":" + scope.PortfolioID + ":" + scope.PositionID
	if v, ok := c.get(key); ok {
		return v.(domain.TriggerConfig), nil
	}
	cfg, err := c.inner.GetTriggerConfig(scope)
	if err != nil {
		return domain.TriggerConfig{}, err
	}
	c.put(key, cfg)
	return cfg, nil
}

// GetGuardrailConfig implements Store.
func (c *CachedStore) GetGuardrailConfig(scope domain.Scope) (domain.GuardrailConfig, error) {
	key := "guardrail:" + scope.TenantID + ":" + scope.PortfolioID + ":" + scope.PositionID
	if v, ok := c.get(key); ok {
		return v.(domain.GuardrailConfig), nil
	}
	cfg, err := c.inner.GetGuardrailConfig(scope)
	if err != nil {
		return domain.GuardrailConfig{}, err
	}
	c.put(key, cfg)
	return cfg, nil
}

// GetOrderPolicy implements Store.
func (c *CachedStore) GetOrderPolicy(scope domain.Scope) (domain.OrderPolicy, error) {
	key := "policy:" + scope.TenantID + ":" + scope.PortfolioID + ":" + scope.PositionID
	if v, ok := c.get(key); ok {
		return v.(domain.OrderPolicy), nil
	}
	p, err := c.inner.GetOrderPolicy(scope)
	if err != nil {
		return domain.OrderPolicy{}, err
	}
	c.put(key, p)
	return p, nil
}

// Compile-time check that CachedStore implements Store.
var _ Store = (*CachedStore)(nil)
