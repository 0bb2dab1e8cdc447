// Service api accepts posts over HTTP, queues them for the embedded
// worker, and serves persisted posts through the cache.
//
//	@title			allin API
//	@version		1.0
//	@description	Queued post ingestion with cache-aside reads.
//	@host			localhost:5001
//	@BasePath		/
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/Iriptembl/allin/internal/bootstrap"
	"github.com/Iriptembl/allin/internal/config"
	"github.com/Iriptembl/allin/internal/db"
	"github.com/Iriptembl/allin/internal/models"
	"github.com/Iriptembl/allin/internal/posts"
	"github.com/Iriptembl/allin/internal/worker"

	_ "github.com/Iriptembl/allin/docs/swagger" // registered swagger docs
)

func main() {
	cfg := config.LoadAPI()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	connCtx, connCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer connCancel()

	pool, err := db.Connect(connCtx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if cfg.MigrateOnUp {
		if err := db.Migrate(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
	}

	b, err := bootstrap.OpenBroker(connCtx, cfg.Broker, pool)
	if err != nil {
		slog.Error("failed to open broker", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	c, err := bootstrap.OpenCache(connCtx, cfg.Cache)
	if err != nil {
		slog.Error("failed to open cache", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	store := posts.NewStore(pool)
	svc := posts.NewService(store, b, c, posts.Options{
		Queue:          cfg.Broker.Queue,
		RequestTimeout: cfg.RequestTimeout,
		ListMaxLimit:   cfg.ListMaxLimit,
		KeyPrefix:      cfg.Cache.KeyPrefix,
		Limits:         posts.Limits{MaxTitle: cfg.MaxTitle, MaxText: cfg.MaxText},
	})
	handler := posts.NewHandler(svc, cfg.MaxBodyBytes)

	// The worker is started once here, at process start, and never from
	// a request handler.
	var wrk *worker.Worker
	if cfg.Worker.Enabled {
		wrk = worker.New(b, store, worker.Options{
			Queue:          cfg.Broker.Queue,
			Concurrency:    cfg.Worker.Concurrency,
			Prefetch:       cfg.Worker.Prefetch,
			PersistTimeout: cfg.Worker.PersistTimeout,
			RetryDelay:     cfg.Worker.RetryDelay,
			MaxAttempts:    cfg.Worker.MaxAttempts,
		})
		if err := wrk.Start(context.Background()); err != nil {
			slog.Error("failed to start worker", "error", err)
			os.Exit(1)
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// Health probes.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, models.HealthResponse{Status: "ok", Service: "api"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		status, resp := readiness(r.Context(), pool, svc, wrk)
		writeJSON(w, status, resp)
	})

	// Swagger UI.
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	// Post routes.
	handler.Routes(r)

	serve(cfg.Base, r, wrk)
}

// readiness pings every dependency. The cache is reported but does not
// fail readiness since reads fall back to the store.
func readiness(ctx context.Context, pool *sql.DB, svc *posts.Service, wrk *worker.Worker) (int, models.HealthResponse) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp := models.HealthResponse{Status: "ready", Service: "api", Checks: map[string]string{}}
	status := http.StatusOK

	checks := svc.Check(ctx)
	checks["database"] = db.Healthy(ctx, pool)
	for name, err := range checks {
		if err == nil {
			resp.Checks[name] = "ok"
			continue
		}
		resp.Checks[name] = err.Error()
		if name != "cache" {
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}

	if wrk != nil {
		s := wrk.Stats()
		resp.Checks["worker"] = fmt.Sprintf("processed=%d failed=%d malformed=%d dead_lettered=%d",
			s.Processed, s.Failed, s.Malformed, s.DeadLettered)
		if !s.Consuming {
			resp.Checks["worker"] = "not consuming"
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	return status, resp
}

func serve(cfg config.Base, handler http.Handler, wrk *worker.Worker) {
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		slog.Error("server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	// Stop consuming only after the listener is closed so that in-flight
	// deliveries are settled before the broker connection goes away.
	if wrk != nil {
		wrk.Stop()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
