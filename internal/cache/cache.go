// AngelaMos | 2026
// cache.go

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/maphash"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	NamespaceSubscriptionStatus = "subscription_status"
	NamespaceCanGenerate        = "can_generate"
	NamespaceUserSeen           = "user_seen"
)

const (
	defaultComputeTimeout = 10 * time.Second
	generationStripes     = 256
)

// Store is a namespaced byte store with per-entry TTL. Get must never
// return a value whose TTL has elapsed.
type Store interface {
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Set(
		ctx context.Context,
		namespace, key string,
		value []byte,
		ttl time.Duration,
	) error
	Delete(ctx context.Context, namespace, key string) error
	Ping(ctx context.Context) error
	Close() error
}

type Observer func(namespace string, hit bool)

// Cache adds typed read-through access on top of a Store.
//
// Each key hashes to a generation stripe that Invalidate bumps. A compute
// that started before an invalidation of its stripe never leaves its result
// in the store.
type Cache struct {
	store          Store
	group          singleflight.Group
	seed           maphash.Seed
	generations    [generationStripes]atomic.Uint64
	computeTimeout time.Duration
	observe        Observer
	logger         *slog.Logger
}

type Option func(*Cache)

func WithObserver(fn Observer) Option {
	return func(c *Cache) { c.observe = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithComputeTimeout bounds a shared compute, which outlives the
// cancellation of the caller that started it.
func WithComputeTimeout(d time.Duration) Option {
	return func(c *Cache) { c.computeTimeout = d }
}

func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:          store,
		seed:           maphash.MakeSeed(),
		computeTimeout: defaultComputeTimeout,
		logger:         slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) Store() Store {
	return c.store
}

func flightKey(namespace, key string) string {
	return namespace + ":" + key
}

func (c *Cache) generation(flight string) *atomic.Uint64 {
	return &c.generations[maphash.String(c.seed, flight)%generationStripes]
}

// Invalidate removes namespace/key regardless of its remaining TTL. Reads
// that start afterwards do not join a compute that was already running.
func (c *Cache) Invalidate(ctx context.Context, namespace, key string) error {
	flight := flightKey(namespace, key)
	c.generation(flight).Add(1)
	c.group.Forget(flight)

	if err := c.store.Delete(ctx, namespace, key); err != nil {
		return fmt.Errorf("invalidate %s:%s: %w", namespace, key, err)
	}
	return nil
}

func (c *Cache) record(namespace string, hit bool) {
	if c.observe != nil {
		c.observe(namespace, hit)
	}
}

// GetOrCompute returns the cached value for namespace/key or runs compute,
// caching a non-nil result for ttl. Concurrent misses on the same key share
// one compute call, which runs detached from any single caller's
// cancellation and is bounded by the compute timeout. A cancelled caller
// stops waiting without aborting the shared call. Cache read and write
// failures degrade to computing without the cache.
func GetOrCompute[T any](
	ctx context.Context,
	c *Cache,
	namespace, key string,
	ttl time.Duration,
	compute func(ctx context.Context) (*T, error),
) (*T, error) {
	raw, ok, err := c.store.Get(ctx, namespace, key)
	if err != nil {
		c.logger.WarnContext(ctx, "cache read failed",
			"namespace", namespace,
			"key", key,
			"error", err,
		)
	}

	if ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			c.record(namespace, true)
			return &v, nil
		}
		c.logger.WarnContext(ctx, "discarding undecodable cache entry",
			"namespace", namespace,
			"key", key,
		)
	}
	c.record(namespace, false)

	flight := flightKey(namespace, key)
	gen := c.generation(flight)
	started := gen.Load()

	ch := c.group.DoChan(flight, func() (any, error) {
		computeCtx, cancel := context.WithTimeout(
			context.WithoutCancel(ctx), c.computeTimeout)
		defer cancel()

		v, err := compute(computeCtx)
		if err != nil || v == nil {
			return v, err
		}

		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s entry: %w", namespace, err)
		}

		if gen.Load() != started {
			return v, nil
		}
		if err := c.store.Set(computeCtx, namespace, key, encoded, ttl); err != nil {
			c.logger.WarnContext(ctx, "cache write failed",
				"namespace", namespace,
				"key", key,
				"error", err,
			)
		}
		// An invalidation that raced the write may have deleted before it.
		if gen.Load() != started {
			_ = c.store.Delete(computeCtx, namespace, key) //nolint:errcheck // best effort
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		v, _ := res.Val.(*T) //nolint:errcheck // nil when compute returned nil
		return v, nil
	}
}
