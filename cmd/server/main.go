package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/powguess/market-engine/internal/api"
	"github.com/powguess/market-engine/internal/auth"
	"github.com/powguess/market-engine/internal/config"
	"github.com/powguess/market-engine/internal/custody"
	"github.com/powguess/market-engine/internal/lock"
	"github.com/powguess/market-engine/internal/market"
	"github.com/powguess/market-engine/internal/metrics"
	"github.com/powguess/market-engine/internal/snowfall"
	"github.com/powguess/market-engine/internal/store"
)

// custodian is what the engine and the demo wallet endpoints need.
type custodian interface {
	custody.Custodian
	custody.Wallet
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "optional config file (yaml, toml or json)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store, custody and locks ---
	var st store.Store
	var vault custodian
	var locker lock.Locker = lock.NewKeyedMutex()
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		pv := custody.NewPostgresVault(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("store migration failed", "err", err)
			os.Exit(1)
		}
		if err := pv.Migrate(ctx); err != nil {
			slog.Error("vault migration failed", "err", err)
			os.Exit(1)
		}
		st, vault = pg, pv
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache and share market locks across
		// instances if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			locker = lock.NewRedisLocker(rdb, cfg.LockTTL, 0)
			slog.Info("Redis cache and distributed locks enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
		vault = custody.NewVault()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Resolver authorization ---
	var authz auth.Any
	if cfg.AdminKey != "" {
		authz = append(authz, auth.NewStaticKey(cfg.AdminKey))
	}
	if resolvers := cfg.Resolvers(); len(resolvers) > 0 {
		allow := auth.NewAllowlist(resolvers...)
		authz = append(authz, allow)
		slog.Info("resolver allowlist loaded", "count", allow.Len())
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	// --- Engine ---
	engine := market.New(st, vault, authz,
		market.WithLocker(locker),
		market.WithPublisher(wsHub),
		market.WithLogger(logger),
	)

	if cfg.SeedMarkets {
		n, err := engine.SeedDefaults(ctx, snowfall.DefaultResorts, snowfall.DefaultHorizon)
		if err != nil {
			slog.Error("seeding markets failed", "err", err)
			os.Exit(1)
		}
		if n > 0 {
			slog.Info("seeded default markets", "count", n)
		}
	}
	if ids, err := engine.ActiveMarkets(ctx); err == nil {
		metrics.ActiveMarkets.Set(float64(len(ids)))
	}

	var wallet custody.Wallet
	if cfg.DemoWallet {
		wallet = vault
	}
	var apiOpts []api.Option
	if cfg.BindCaller {
		apiOpts = append(apiOpts, api.WithCallerBinding())
		slog.Info("buy, claim and approve bound to " + api.HeaderCallerAddress)
	}
	svc := api.NewService(engine, wallet, apiOpts...)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers",
				strings.Join([]string{"Content-Type", "Authorization", api.HeaderAdminKey, api.HeaderResolverAddress, api.HeaderCallerAddress}, ", "))
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time market events. Kept outside the
		// timeout middleware so long-lived connections are not cut.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("market-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down market-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market-engine stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
