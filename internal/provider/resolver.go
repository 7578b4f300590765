package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marketfanout/gatewayapi/internal/metrics"
	"github.com/marketfanout/gatewayapi/pkg/utils/zaplogger"
	"github.com/redis/go-redis/v9"
)

// GlobalProviderKey is the shared-store key holding the active provider name
const GlobalProviderKey = "provider:global"

const resolverStoreTimeout = 2 * time.Second

// Resolver owns the singleton adapter instances and the global active
// provider selection. The shared store is authoritative across instances,
// with an in-memory fallback when it is unreachable.
type Resolver struct {
	redisClient *redis.Client
	defaultName string
	adapters    map[string]Adapter

	mu           sync.RWMutex
	memoryGlobal string
	onSwitch     func(oldName, newName string)
}

// NewResolver creates a resolver over the given adapters. The map must hold
// exactly one instance per provider.
func NewResolver(redisClient *redis.Client, defaultName string, adapters map[string]Adapter) *Resolver {
	if _, ok := adapters[defaultName]; !ok {
		defaultName = ProviderFlattrade
	}
	return &Resolver{
		redisClient: redisClient,
		defaultName: defaultName,
		adapters:    adapters,
	}
}

// OnSwitch registers the callback fired after the global provider changes
func (r *Resolver) OnSwitch(fn func(oldName, newName string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSwitch = fn
}

// Get returns the adapter for a provider name, nil when unknown
func (r *Resolver) Get(name string) Adapter {
	return r.adapters[name]
}

// ResolveForHTTP picks the adapter for an HTTP request.
// Priority: x-provider header, per-key override, global store value, default.
func (r *Resolver) ResolveForHTTP(ctx context.Context, headerProvider, keyOverride string) Adapter {
	if adapter, ok := r.adapters[headerProvider]; ok {
		return adapter
	}
	if adapter, ok := r.adapters[keyOverride]; ok {
		return adapter
	}
	return r.adapters[r.GetGlobal(ctx)]
}

// ResolveForWS picks the adapter for the shared upstream ticker. Only the
// global selection applies, per-request overrides would split the stream.
func (r *Resolver) ResolveForWS(ctx context.Context) Adapter {
	return r.adapters[r.GetGlobal(ctx)]
}

// GetGlobal reads the active provider name with in-memory fallback
func (r *Resolver) GetGlobal(ctx context.Context) string {
	if r.redisClient != nil {
		storeCtx, cancel := context.WithTimeout(ctx, resolverStoreTimeout)
		defer cancel()
		name, err := r.redisClient.Get(storeCtx, GlobalProviderKey).Result()
		if err == nil {
			if _, ok := r.adapters[name]; ok {
				return name
			}
		} else if err != redis.Nil {
			metrics.SharedStoreErrors.WithLabelValues("provider_global_get").Inc()
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.memoryGlobal != "" {
		return r.memoryGlobal
	}
	return r.defaultName
}

// SetGlobal persists the active provider name. Setting the current value is
// a no-op and does not fire the switch callback.
func (r *Resolver) SetGlobal(ctx context.Context, name string) error {
	if _, ok := r.adapters[name]; !ok {
		return fmt.Errorf("unknown provider %q", name)
	}

	old := r.GetGlobal(ctx)
	if old == name {
		return nil
	}

	if r.redisClient != nil {
		storeCtx, cancel := context.WithTimeout(ctx, resolverStoreTimeout)
		defer cancel()
		if err := r.redisClient.Set(storeCtx, GlobalProviderKey, name, 0).Err(); err != nil {
			metrics.SharedStoreErrors.WithLabelValues("provider_global_set").Inc()
			zaplogger.Warn("shared store unreachable, provider kept in memory", zaplogger.Fields{
				"provider": name,
				"error":    err.Error(),
			})
		}
	}

	r.mu.Lock()
	r.memoryGlobal = name
	onSwitch := r.onSwitch
	r.mu.Unlock()

	if onSwitch != nil {
		onSwitch(old, name)
	}
	return nil
}

// KnownProvider reports whether name is a configured provider
func (r *Resolver) KnownProvider(name string) bool {
	_, ok := r.adapters[name]
	return ok
}
