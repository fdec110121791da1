// AngelaMos | 2026
// app.go

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/carterperez-dev/entitlement-engine/internal/billing"
	"github.com/carterperez-dev/entitlement-engine/internal/cache"
	"github.com/carterperez-dev/entitlement-engine/internal/config"
	"github.com/carterperez-dev/entitlement-engine/internal/core"
	"github.com/carterperez-dev/entitlement-engine/internal/entitlement"
	"github.com/carterperez-dev/entitlement-engine/internal/metrics"
	"github.com/carterperez-dev/entitlement-engine/internal/retry"
	"github.com/carterperez-dev/entitlement-engine/internal/store"
)

const redisCachePrefix = "entitlement:"

// App holds the components shared by the API server and the operator CLI.
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	DB           *core.Database
	Redis        *core.Redis
	CacheStore   cache.Store
	Cache        *cache.Cache
	Gateway      store.Gateway
	Policy       *retry.Policy
	Provider     *billing.StripeProvider
	Entitlements *entitlement.Service
}

type Options struct {
	// Migrate applies pending schema migrations before returning.
	Migrate bool
	Metrics *metrics.Metrics
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: opts.Metrics,
	}

	db, err := core.NewDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.DB = db
	logger.Info("database connected",
		"driver", db.Driver,
		"max_open_conns", cfg.Database.MaxOpenConns,
	)

	if opts.Migrate {
		applied, err := store.Migrate(ctx, db.DB, db.Driver, logger)
		if err != nil {
			return nil, errors.Join(err, a.Close())
		}
		logger.Info("migrations complete", "applied", len(applied))
	}

	rdb, err := core.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, errors.Join(err, a.Close())
	}
	a.Redis = rdb
	if rdb != nil {
		logger.Info("redis connected", "pool_size", cfg.Redis.PoolSize)
	}

	cacheStore, err := newCacheStore(cfg.Cache, rdb)
	if err != nil {
		return nil, errors.Join(err, a.Close())
	}
	a.CacheStore = cacheStore
	a.Cache = cache.New(cacheStore,
		cache.WithLogger(logger),
		cache.WithObserver(a.Metrics.ObserveCache),
	)

	a.Gateway = store.NewSQL(db.DB)
	a.Policy = retry.New(retry.Options{
		MaxRetries:    cfg.Retry.MaxRetries,
		InitialDelay:  cfg.Retry.InitialDelay,
		MaxDelay:      cfg.Retry.MaxDelay,
		BackoffFactor: cfg.Retry.BackoffFactor,
	},
		retry.WithLogger(logger),
		retry.WithObserver(a.Metrics.ObserveRetry),
	)

	svcOpts := []entitlement.Option{
		entitlement.WithLogger(logger),
		entitlement.WithMetrics(a.Metrics),
	}
	if cfg.Billing.StripeSecretKey != "" {
		a.Provider = billing.NewStripeProvider(cfg.Billing.StripeSecretKey)
		svcOpts = append(svcOpts, entitlement.WithProvider(a.Provider))
	} else {
		logger.Warn("no payment provider key configured, cancellations stay local")
	}

	a.Entitlements = entitlement.NewService(a.Gateway, a.Cache, a.Policy,
		entitlement.Config{
			FreeLimit:   cfg.Entitlement.FreeLimit,
			StatusTTL:   cfg.Cache.StatusTTL,
			DecisionTTL: cfg.Cache.DecisionTTL,
		},
		svcOpts...,
	)

	return a, nil
}

func newCacheStore(cfg config.CacheConfig, rdb *core.Redis) (cache.Store, error) {
	switch cfg.Backend {
	case config.CacheRedis:
		if rdb == nil {
			return nil, fmt.Errorf("cache backend %q requires redis.url", cfg.Backend)
		}
		return cache.NewRedis(rdb.Client, redisCachePrefix), nil
	case config.CacheMemory, "":
		return cache.NewMemory(cfg.MaxEntries)
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.Backend)
	}
}

// CacheEntries reports the in-process entry count, or nil for shared
// backends.
func (a *App) CacheEntries() func() int {
	if m, ok := a.CacheStore.(*cache.Memory); ok {
		return m.Len
	}
	return nil
}

func (a *App) Close() error {
	var errs []error

	if a.CacheStore != nil {
		if _, shared := a.CacheStore.(*cache.Redis); !shared {
			errs = append(errs, a.CacheStore.Close())
		}
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}

	return errors.Join(errs...)
}

func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
