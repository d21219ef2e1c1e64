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
	"golang.org/x/sync/errgroup"

	"github.com/ticketwhiz/listing-engine/internal/config"
	"github.com/ticketwhiz/listing-engine/internal/drawer"
	"github.com/ticketwhiz/listing-engine/internal/feed"
	"github.com/ticketwhiz/listing-engine/internal/listing"
	"github.com/ticketwhiz/listing-engine/internal/metrics"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)
	if cfg.Source != "" {
		slog.Info("config loaded", "path", cfg.Source)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize feed provider ---
	provider, cleanup, err := newProvider(ctx, cfg)
	if err != nil {
		slog.Error("feed setup failed", "err", err)
		os.Exit(1)
	}
	defer runCleanup(cleanup)

	// --- Listing service ---
	svc := listing.NewService(provider, listing.Options{
		RefreshInterval: time.Duration(cfg.RefreshInterval),
		FetchTimeout:    time.Duration(cfg.FetchTimeout),
		Viewport:        drawer.Viewport{Width: cfg.ViewportWidth, Height: cfg.ViewportHeight},
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for the listing UI and the map widget host page.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"listing-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// The map widget socket is long-lived, so the request timeout only wraps
	// the plain endpoints.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			timeout := middleware.Timeout(30 * time.Second)(next)
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if websocketUpgrade(r) {
					next.ServeHTTP(w, r)
					return
				}
				timeout.ServeHTTP(w, r)
			})
		})
		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("listing-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down listing-engine...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		svc.Shutdown()
		return err
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	fmt.Println("listing-engine stopped")
}

// openPool is replaced in tests.
var openPool = pgxpool.New

// newProvider picks the ticket source: the upstream HTTP feed when one is
// configured, else PostgreSQL, else an in-memory provider. Redis, when
// configured, caches whichever is chosen. On error everything opened so far
// is already closed and the returned cleanup is nil.
func newProvider(ctx context.Context, cfg config.Config) (feed.Provider, []func(), error) {
	var redisOpt *redis.Options
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		redisOpt = opt
	}

	var (
		p       feed.Provider
		cleanup []func()
	)

	switch {
	case cfg.FeedBaseURL != "":
		p = feed.NewHTTPProvider(cfg.FeedBaseURL, feed.HTTPOptions{
			RatePerSec: cfg.FeedRatePerSec,
			Burst:      cfg.FeedBurst,
		})
		slog.Info("using upstream ticket feed", "url", cfg.FeedBaseURL)
	case cfg.DatabaseURL != "":
		pool, err := openPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		p = feed.NewPostgresProvider(pool)
		slog.Info("connected to PostgreSQL")
	default:
		mem := feed.NewMemoryProvider()
		if cfg.SeedFile != "" {
			n, err := mem.LoadFile(cfg.SeedFile)
			if err != nil {
				return nil, nil, err
			}
			slog.Info("in-memory provider seeded", "path", cfg.SeedFile, "events", n)
		} else {
			slog.Warn("no feed or DATABASE_URL configured, using empty in-memory provider")
		}
		p = mem
	}

	if redisOpt != nil {
		rdb := redis.NewClient(redisOpt)
		cleanup = append(cleanup, func() { rdb.Close() })
		p = feed.NewCachedProvider(p, rdb, time.Duration(cfg.CacheTTL))
		slog.Info("Redis feed cache enabled", "ttl", time.Duration(cfg.CacheTTL))
	}
	return p, cleanup, nil
}

func runCleanup(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

func websocketUpgrade(r *http.Request) bool {
	return r.Header.Get("Upgrade") == "websocket"
}
