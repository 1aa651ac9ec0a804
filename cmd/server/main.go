package main

import (
	"context"
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
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/navfund/pool-engine/internal/ledger"
	"github.com/navfund/pool-engine/internal/metrics"
	"github.com/navfund/pool-engine/internal/oracle"
	"github.com/navfund/pool-engine/internal/risk"
	"github.com/navfund/pool-engine/internal/store"
)

func main() {
	godotenv.Load() // best-effort; real deployments set the environment

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.InitSchema(context.Background()); err != nil {
			slog.Error("schema init failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price oracle ---
	// Development oracle; production wires a live feed behind the same
	// interface. Stablecoins price at $1 via the allow-list.
	po := oracle.NewStaticOracle(map[string]decimal.Decimal{})

	// --- Ledger configuration ---
	cfg := ledger.DefaultConfig()
	if v := os.Getenv("MIN_DEPOSIT_USD"); v != "" {
		if min, err := decimal.NewFromString(v); err == nil {
			cfg.MinDeposit = min
		}
	}
	if v := os.Getenv("MIN_INITIAL_DEPOSIT_USD"); v != "" {
		if min, err := decimal.NewFromString(v); err == nil {
			cfg.MinInitialDeposit = min
		}
	}
	if v := os.Getenv("SNAPSHOT_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			cfg.SnapshotRetention = time.Duration(days) * 24 * time.Hour
		}
	}

	// --- WebSocket hub ---
	navHub := ledger.NewNavHub()
	go navHub.Run()

	// --- Services ---
	ledgerSvc := ledger.NewService(st, po, navHub, cfg)
	riskEng := risk.NewEngine(st, nil) // no benchmark feed wired: relative metrics report neutral

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"pool-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time NAV ticks.
		r.Get("/ws", navHub.HandleWS)

		// Share ledger operations.
		r.Post("/deposit", ledgerSvc.HandleDeposit)
		r.Post("/withdraw", ledgerSvc.HandleWithdraw)
		r.Post("/allocation", ledgerSvc.HandleAllocation)
		r.Get("/nav", ledgerSvc.HandleNav)
		r.Get("/summary", ledgerSvc.HandleSummary)
		r.Get("/accounts/{wallet}", ledgerSvc.HandleAccount)

		// Scheduler hooks.
		r.Post("/snapshot", ledgerSvc.HandleSnapshot)
		r.Post("/snapshot/cleanup", ledgerSvc.HandleSnapshotCleanup)

		// Risk analytics (read-only).
		r.Get("/risk/metrics", riskEng.HandleMetrics)
		r.Get("/risk/rating", riskEng.HandleRating)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("pool-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down pool-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("pool-engine stopped")
}
