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

	"github.com/atmx/perp-engine/internal/engine"
	"github.com/atmx/perp-engine/internal/feed"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/sim"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Optional .env for local development; ignored when absent.
	_ = godotenv.Load()

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
		st = store.NewPostgresStore(pool)
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Price simulator ---
	simulator := sim.NewSimulator(st)
	markets, err := st.ListMarkets(ctx)
	if err != nil {
		slog.Error("failed to load markets", "err", err)
		os.Exit(1)
	}
	for _, m := range markets {
		simulator.AddMarket(m)
	}
	metrics.ActiveMarkets.Set(float64(len(markets)))
	slog.Info("markets loaded", "count", len(markets))

	combos := sim.NewComboPricer(simulator)

	// --- Broadcast hub ---
	hub := feed.NewHub(simulator)
	go hub.Run(ctx)

	// --- Engines ---
	orderEngine := engine.NewOrderEngine(st, simulator)
	liqSupervisor := engine.NewLiquidationSupervisor(st, simulator, hub)

	scheduler := engine.NewScheduler(simulator, combos, liqSupervisor, orderEngine,
		envDuration("TICK_MIN_SECONDS", engine.DefaultMinInterval),
		envDuration("TICK_MAX_SECONDS", engine.DefaultMaxInterval),
	)
	go scheduler.Run(ctx)

	// --- Trade service ---
	tradeSvc := trade.NewService(st, simulator, combos, orderEngine)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
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
		w.Write([]byte(`{"status":"ok","service":"perp-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time snapshots and liquidations.
		r.Get("/ws", hub.HandleWS)

		// Users.
		r.Post("/users", tradeSvc.CreateUser)

		// Markets.
		r.Get("/markets", tradeSvc.ListMarkets)
		r.Post("/markets", tradeSvc.CreateMarket)
		r.Get("/markets/{marketID}", tradeSvc.GetMarket)

		// Orders.
		r.Post("/orders", tradeSvc.PlaceOrder)
		r.Get("/orders/{orderID}", tradeSvc.GetOrder)
		r.Delete("/orders/{orderID}", tradeSvc.CancelOrder)

		// Positions.
		r.Post("/positions/{positionID}/close", tradeSvc.ClosePosition)

		// Portfolio queries.
		r.Get("/portfolio/{userID}", tradeSvc.GetPortfolio)

		// Combos.
		r.Post("/combos", tradeSvc.RegisterCombo)
		r.Get("/combos/{comboID}", tradeSvc.GetCombo)
		r.Delete("/combos/{comboID}", tradeSvc.UnregisterCombo)
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
		slog.Info("perp-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down perp-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("perp-engine stopped")
}

// envDuration reads a whole-second duration from the environment.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		slog.Warn("invalid duration env var, using default", "key", key, "value", v)
		return fallback
	}
	return time.Duration(secs) * time.Second
}
