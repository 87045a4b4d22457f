package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/execution-engine/internal/alert"
	"github.com/atmx/execution-engine/internal/api"
	"github.com/atmx/execution-engine/internal/config"
	"github.com/atmx/execution-engine/internal/correlation"
	"github.com/atmx/execution-engine/internal/engine"
	"github.com/atmx/execution-engine/internal/feed"
	"github.com/atmx/execution-engine/internal/marketdata"
	"github.com/atmx/execution-engine/internal/metrics"
	"github.com/atmx/execution-engine/internal/model"
	"github.com/atmx/execution-engine/internal/notify"
	"github.com/atmx/execution-engine/internal/retry"
	"github.com/atmx/execution-engine/internal/safety"
	"github.com/atmx/execution-engine/internal/slippage"
	"github.com/atmx/execution-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("execution-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("execution-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// --- Redis (trade cache + quote mirror) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
		logger.Info("Redis enabled")
	}

	// --- Trade log ---
	var st store.Store
	if cfg.Postgres.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("invalid postgres url: %w", err)
		}
		if cfg.Postgres.MaxConns > 0 {
			poolCfg.MaxConns = int32(cfg.Postgres.MaxConns)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer pool.Close()

		pg := store.NewPostgresStore(pool)
		if cfg.Postgres.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
		logger.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.TradeCacheTTL.Duration, logger)
		}
	} else {
		logger.Warn("postgres url not set, using in-memory trade log (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Market data ---
	var quotes *marketdata.Cache
	if rdb != nil {
		mirror := marketdata.NewRedisMirror(rdb, cfg.Redis.QuoteTTL.Duration)
		quotes = marketdata.NewCache(mirror, logger)
		if n := quotes.Warm(ctx, mirror, cfg.Feed.Symbols); n > 0 {
			logger.Info("warmed quote cache from Redis", "quotes", n)
		}
	} else {
		quotes = marketdata.NewCache(nil, logger)
	}

	// --- Safety and alerts ---
	stop := safety.NewEmergencyStop()
	breaker := safety.NewCircuitBreaker(cfg.BreakerConfig(), stop, logger)
	alerts := alert.NewPipeline(cfg.AlertConfig(), logger)
	breaker.SetAlertSink(alerts)
	alerts.SetCriticalRecorder(breaker)

	var senders []notify.Sender
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if cfg.Notify.TelegramToken != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if len(senders) > 0 {
		alerts.AddListener(notify.NewNotifier(senders, cfg.Notify.Levels, logger))
	}

	var retries *retry.Scheduler
	if cfg.Retry.MaxAttempts > 0 {
		retries = retry.NewScheduler(cfg.RetryPolicy(), stop, alerts, logger)
	}

	// --- Engine ---
	var limiter *correlation.PositionLimiter
	if cfg.Limits.MaxPerSymbol > 0 || cfg.Limits.MaxCorrelated > 0 {
		limiter = correlation.NewPositionLimiter(
			decimal.NewFromFloat(cfg.Limits.MaxPerSymbol),
			decimal.NewFromFloat(cfg.Limits.MaxCorrelated),
		)
	}
	slip, err := slippage.NewModel(cfg.SlippageParams(), nil)
	if err != nil {
		return err
	}
	eng, err := engine.New(cfg.EngineConfig(), engine.Deps{
		Quotes:   quotes,
		Slippage: slip,
		Store:    st,
		Breaker:  breaker,
		Stop:     stop,
		Limiter:  limiter,
		Alerts:   alerts,
		Retries:  retries,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	// --- WebSocket hub ---
	hub := api.NewHub(logger)
	alerts.AddListener(hub)

	handler := api.NewHandler(eng, alerts, breaker, retries, hub, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for dashboard cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"execution-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", handler.Routes)

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	// --- Background tasks ---
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("execution-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down execution-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
		return nil
	})

	g.Go(func() error { return alerts.Run(ctx) })
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return eng.Monitor(ctx, cfg.Safety.MonitorInterval.Duration) })

	if retries != nil {
		g.Go(func() error { return retries.Run(ctx, eng, cfg.Retry.ScanInterval.Duration) })
	}

	if cfg.Feed.URL != "" {
		quoteFeed := feed.NewWSFeed(cfg.FeedParams(), func(ctx context.Context, md model.MarketData) error {
			_, err := eng.OnMarketData(ctx, md)
			return err
		}, logger)
		g.Go(func() error { return quoteFeed.Run(ctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
