package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/sim-engine/internal/api"
	"github.com/atmx/sim-engine/internal/config"
	"github.com/atmx/sim-engine/internal/events"
	"github.com/atmx/sim-engine/internal/metrics"
	"github.com/atmx/sim-engine/internal/pricing"
	"github.com/atmx/sim-engine/internal/random"
	"github.com/atmx/sim-engine/internal/simconfig"
	"github.com/atmx/sim-engine/internal/simulation"
	"github.com/atmx/sim-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("store initialization failed", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	// --- Simulation ---
	provider := simconfig.NewProvider(st)
	priceModel := pricing.NewModel(random.NewSeeded(cfg.SimulationSeed))

	wsHub := api.NewWSHub()
	observers := []simulation.Option{
		simulation.WithObserver(metrics.TickObserver{}),
		simulation.WithObserver(wsHub),
	}

	var publisher *events.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		observers = append(observers, simulation.WithObserver(publisher))
		slog.Info("kafka publishing enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	orchestrator := simulation.NewOrchestrator(st, provider, priceModel, simulation.NewRevaluer(st), observers...)
	controller := simulation.NewController(orchestrator)

	effective, err := provider.Effective(ctx)
	if err != nil {
		slog.Error("load simulation config", "err", err)
		os.Exit(1)
	}
	provider.OnChange(rescheduleOnChange(controller, effective.SimulationIntervalMs))

	if cfg.SimulationAutostart {
		metrics.RecordStatus(controller.Start(effective.Interval()))
	}

	// --- HTTP router ---
	limiter := api.NewRateLimiter(cfg.RunOnceRPS, cfg.RunOnceBurst)
	svc := api.NewService(controller, orchestrator, provider, st)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"sim-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1/simulation", func(r chi.Router) {
		// WebSocket stream of tick summaries; no request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r, limiter.Middleware)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("sim-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return wsHub.Run(gctx) })
	g.Go(func() error { return limiter.Cleanup(gctx, 10*time.Minute) })
	if publisher != nil {
		g.Go(func() error { return publisher.Run(gctx) })
	}

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down sim-engine...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := controller.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("simulation shutdown: %w", err))
		}
		if publisher != nil {
			if err := publisher.Close(); err != nil {
				errs = append(errs, fmt.Errorf("kafka close: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		slog.Error("sim-engine exited with error", "err", err)
		cleanup()
		os.Exit(1)
	}
	slog.Info("sim-engine stopped")
}

// openStore picks the backend: PostgreSQL (optionally cached in Redis) when
// DATABASE_URL is set, MongoDB when MONGO_URI is set, memory otherwise.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		cleanup = nil
	}

	switch {
	case cfg.DatabaseURL != "":
		if cfg.Migrate {
			if err := store.Migrate(cfg.DatabaseURL); err != nil {
				return nil, nil, err
			}
			slog.Info("database schema migrated")
		}

		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		var st store.Store = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
		return st, closeAll, nil

	case cfg.MongoURI != "":
		ms, err := store.NewMongoStore(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			ms.Close(closeCtx)
		})
		if err := ms.EnsureIndexes(ctx); err != nil {
			closeAll()
			return nil, nil, err
		}
		slog.Info("connected to MongoDB")
		return ms, closeAll, nil

	default:
		slog.Warn("DATABASE_URL and MONGO_URI not set, using in-memory store (data will not persist)")
		ms := store.NewMemoryStore()
		if cfg.SeedDemo {
			if err := store.SeedDemo(ctx, ms); err != nil {
				return nil, nil, err
			}
			slog.Info("demo data seeded")
		}
		return ms, closeAll, nil
	}
}

// rescheduleOnChange returns a config listener that moves a running loop to a
// newly configured interval and keeps the interval gauge in step. Listeners
// run one at a time under the provider's lock.
func rescheduleOnChange(controller *simulation.Controller, intervalMs int64) func(simconfig.Config) {
	return func(c simconfig.Config) {
		metrics.ConfigUpdates.Inc()
		if c.SimulationIntervalMs == intervalMs {
			return
		}
		intervalMs = c.SimulationIntervalMs
		controller.Reschedule(c.Interval())
		metrics.RecordStatus(controller.Status())
	}
}
