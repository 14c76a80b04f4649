// Command billing-webhook receives Stripe webhooks, keeps subscriptions and
// payments in PostgreSQL, and serves the billing API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/paywebhook/internal/config"
	"github.com/mihaimyh/paywebhook/middleware/auth"
	"github.com/mihaimyh/paywebhook/pkg/api"
	"github.com/mihaimyh/paywebhook/pkg/billing"
	zerologadapter "github.com/mihaimyh/paywebhook/pkg/billing/logger/zerolog"
	prommetrics "github.com/mihaimyh/paywebhook/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/paywebhook/pkg/billing/stripe"
	"github.com/mihaimyh/paywebhook/storage/postgres"
	"github.com/mihaimyh/paywebhook/storage/redis"
)

const metricsNamespace = "paywebhook"

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("billing webhook stopped")
	}
	logger.Info().Msg("billing webhook stopped")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = cfg.DatabaseURL
	pgConfig.MaxConns = cfg.DBMaxConns
	pgConfig.MinConns = cfg.DBMinConns
	pgConfig.LedgerTTL = cfg.EventLedgerTTL

	store, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer store.Close()

	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
		logger.Info().Msg("database schema applied")
	}

	var ledger billing.EventLedger = store
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		redisLedger, err := redis.New(goredis.NewClient(opts), redis.Config{TTL: cfg.EventLedgerTTL})
		if err != nil {
			return err
		}
		defer redisLedger.Close()

		if err := redisLedger.Ping(ctx); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		ledger = redisLedger
		logger.Info().Msg("using redis event ledger")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := prommetrics.NewMetrics(registry, metricsNamespace)

	billingLogger := zerologadapter.NewLogger(logger)

	if cfg.StripeWebhookSecret == "" {
		logger.Warn().Msg("STRIPE_WEBHOOK_SECRET is not set; webhook deliveries will be rejected")
	}

	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Store:       store,
			PlanMapping: cfg.PlanMapping,
			Ledger:      ledger,
			Metrics:     metrics,
			Logger:      billingLogger,
		},
		StripeAPIKey:        cfg.StripeSecretKey,
		StripeWebhookSecret: cfg.StripeWebhookSecret,
		SignatureScheme:     cfg.StripeSignatureScheme,
		SignatureTolerance:  cfg.StripeSignatureTolerance,
		DefaultPlan:         cfg.DefaultPlan,
		WebhookRateLimit:    cfg.WebhookRateLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to create stripe provider: %w", err)
	}

	authenticator, err := auth.New(auth.Config{
		JWTSecret:      cfg.AuthJWTSecret,
		ServiceRoleKey: cfg.DatabaseServiceRoleKey,
	})
	if err != nil {
		return err
	}

	handler, err := api.NewHandler(api.Config{
		Provider:  provider,
		Store:     store,
		GetUserID: func(r *http.Request) string { return auth.UserID(r.Context()) },
		Logger:    billingLogger,
	})
	if err != nil {
		return err
	}

	apiServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           newRouter(logger, store, provider, authenticator, handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range []*http.Server{apiServer, metricsServer} {
		srv := srv
		g.Go(func() error {
			logger.Info().Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return errors.Join(apiServer.Shutdown(shutdownCtx), metricsServer.Shutdown(shutdownCtx))
	})

	return g.Wait()
}

type pinger interface {
	Ping(ctx context.Context) error
}

func newRouter(
	logger zerolog.Logger,
	db pinger,
	provider billing.Provider,
	authenticator *auth.Authenticator,
	handler *api.Handler,
) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)

	r.Handle("/stripe-webhook", provider.WebhookHandler())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("health check failed")
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(authenticator.RequireServiceRole)
		r.Mount("/", handler.AdminRoutes())
	})
	r.Route("/billing", func(r chi.Router) {
		r.Use(authenticator.RequireUser)
		r.Mount("/", handler.UserRoutes())
	})

	return r
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if strings.EqualFold(cfg.LogFormat, "console") {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Str("service", "billing-webhook").Logger()
}
