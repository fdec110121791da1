// AngelaMos | 2026
// main.go

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis_rate/v10"

	"github.com/carterperez-dev/entitlement-engine/internal/admin"
	"github.com/carterperez-dev/entitlement-engine/internal/app"
	"github.com/carterperez-dev/entitlement-engine/internal/auth"
	"github.com/carterperez-dev/entitlement-engine/internal/billing"
	"github.com/carterperez-dev/entitlement-engine/internal/config"
	"github.com/carterperez-dev/entitlement-engine/internal/core"
	"github.com/carterperez-dev/entitlement-engine/internal/entitlement"
	"github.com/carterperez-dev/entitlement-engine/internal/health"
	"github.com/carterperez-dev/entitlement-engine/internal/metrics"
	"github.com/carterperez-dev/entitlement-engine/internal/middleware"
	"github.com/carterperez-dev/entitlement-engine/internal/server"
	"github.com/carterperez-dev/entitlement-engine/internal/user"
)

const (
	drainDelay = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

//nolint:funlen // bootstrap code is inherently verbose
func run(configPath string) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := app.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	logger.Info("starting application",
		"name", cfg.App.Name,
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
	)

	var telemetry *core.Telemetry
	if cfg.Otel.Enabled {
		tel, telErr := core.NewTelemetry(ctx, cfg.Otel, cfg.App)
		if telErr != nil {
			logger.Warn("failed to initialize telemetry", "error", telErr)
		} else if tel.Enabled() {
			telemetry = tel
			logger.Info("OpenTelemetry tracer initialized",
				"endpoint", cfg.Otel.Endpoint,
			)
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	a, err := app.New(ctx, cfg, logger, app.Options{
		Migrate: cfg.Database.AutoMigrate,
		Metrics: m,
	})
	if err != nil {
		return err
	}

	verifier, err := auth.NewVerifier(ctx, cfg.Identity)
	if err != nil {
		_ = a.Close() //nolint:errcheck // cleanup on setup failure
		return err
	}
	logger.Info("identity verifier initialized",
		"algorithm", cfg.Identity.Algorithm,
		"issuer", cfg.Identity.Issuer,
	)

	userSvc := user.NewService(user.NewRepository(a.DB.DB),
		user.WithSeenCache(a.CacheStore, cfg.Identity.TouchInterval),
		user.WithLogger(logger),
	)
	userHandler := user.NewHandler(userSvc)

	entitlementHandler := entitlement.NewHandler(a.Entitlements, cfg.Entitlement.RequestTimeout)

	reconciler := billing.NewReconciler(a.Gateway, a.Policy, a.Entitlements,
		billing.WithMetrics(m),
		billing.WithLogger(logger),
	)
	billingHandler := billing.NewHandler(reconciler, cfg.Billing.StripeWebhookSecret, logger)

	var sweeper *billing.Sweeper
	if cfg.Billing.ExpiryEnabled {
		sweeper, err = billing.NewSweeper(cfg.Billing.ExpirySchedule, a.Entitlements, logger)
		if err != nil {
			_ = a.Close() //nolint:errcheck // cleanup on setup failure
			return err
		}
		sweeper.Start()
		logger.Info("expiry sweeper scheduled", "schedule", cfg.Billing.ExpirySchedule)
	}

	healthHandler := health.NewHandler(
		health.Dependency{Name: "database", Checker: a.DB},
		health.Dependency{Name: "cache", Checker: a.CacheStore},
	)

	adminHandler := admin.NewHandler(admin.HandlerConfig{
		DBStats:      a.DB.Stats,
		DBPing:       a.DB.Ping,
		CacheBackend: cfg.Cache.Backend,
		CachePing:    a.CacheStore.Ping,
		CacheEntries: a.CacheEntries(),
		RedisStats:   a.Redis.PoolStats,
	})

	srv := server.New(server.Config{
		ServerConfig:  cfg.Server,
		HealthHandler: healthHandler,
		Logger:        logger,
	})

	router := srv.Router()

	router.Use(middleware.RequestID)
	router.Use(middleware.Logger(logger))
	router.Use(m.Middleware)
	router.Use(
		middleware.NewRateLimiter(a.Redis.UniversalClient(), middleware.RateLimitConfig{
			Limit: redis_rate.Limit{
				Rate:   cfg.RateLimit.Requests,
				Burst:  cfg.RateLimit.Burst,
				Period: cfg.RateLimit.Window,
			},
			KeyPrefix: "global",
			FailOpen:  true,
		}, logger).Handler,
	)
	router.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	router.Use(middleware.CORS(cfg.CORS))

	healthHandler.RegisterRoutes(router)

	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, m.Handler())
	}

	usageLimit := middleware.NewRateLimiter(a.Redis.UniversalClient(), middleware.RateLimitConfig{
		Limit:     middleware.PerMinute(cfg.RateLimit.UsagePerMin, cfg.RateLimit.UsageBurst),
		KeyFunc:   middleware.KeyByUser,
		KeyPrefix: "usage",
		FailOpen:  true,
	}, logger).Handler

	webhookLimit := middleware.NewRateLimiter(a.Redis.UniversalClient(), middleware.RateLimitConfig{
		Limit:     middleware.PerMinute(cfg.RateLimit.WebhookPerMin, cfg.RateLimit.WebhookPerMin),
		KeyPrefix: "webhook",
		FailOpen:  true,
	}, logger).Handler

	authenticator := middleware.Authenticator(verifier, userSvc)

	router.Route("/v1", func(r chi.Router) {
		entitlementHandler.RegisterRoutes(r, authenticator, usageLimit)
		userHandler.RegisterRoutes(r, authenticator)
		billingHandler.RegisterRoutes(r, webhookLimit)

		r.Route("/admin", func(r chi.Router) {
			r.Use(authenticator)
			r.Use(middleware.RequireAdmin)

			adminHandler.RegisterRoutes(r)
			userHandler.RegisterAdminRoutes(r)
			entitlementHandler.RegisterAdminRoutes(r)
		})
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if sweeper != nil {
			sweeper.Stop(context.Background())
		}
		_ = a.Close() //nolint:errcheck // server already failed
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		cfg.Server.ShutdownTimeout+drainDelay+5*time.Second,
	)
	defer cancel()

	if sweeper != nil {
		sweeper.Stop(shutdownCtx)
	}

	if err := srv.Shutdown(shutdownCtx, drainDelay); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}

	if err := a.Close(); err != nil {
		logger.Error("resource close error", "error", err)
	}

	logger.Info("application stopped")
	return nil
}
