package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PipeOpsHQ/hooktrap/internal/capture"
	"github.com/PipeOpsHQ/hooktrap/internal/config"
	"github.com/PipeOpsHQ/hooktrap/internal/geoip"
	"github.com/PipeOpsHQ/hooktrap/internal/handler"
	"github.com/PipeOpsHQ/hooktrap/internal/hub"
	"github.com/PipeOpsHQ/hooktrap/internal/logging"
	"github.com/PipeOpsHQ/hooktrap/internal/ratelimit"
	"github.com/PipeOpsHQ/hooktrap/internal/reaper"
	"github.com/PipeOpsHQ/hooktrap/internal/registry"
	"github.com/PipeOpsHQ/hooktrap/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	st, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		logger.Error("opening store failed", "path", cfg.Storage.Path, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	reg := registry.New(st, logger, registry.Options{
		DefaultTTL: cfg.Endpoints.DefaultTTL,
		MaxTTL:     cfg.Endpoints.MaxTTL,
	})
	liveHub := hub.New(cfg.Hub.SubscriberBuffer)

	limiter := buildLimiter(cfg, logger)
	defer limiter.Close()

	svc := capture.New(reg, st, liveHub, limiter, geoip.Disabled(), logger, capture.Options{
		MaxBodyBytes:   cfg.Capture.MaxBodyBytes,
		TrustedProxies: cfg.Capture.TrustedProxies,
	})

	h := handler.New(reg, st, svc, liveHub, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(handler.RequestLogger(logger))

	// Webhook receiver
	r.HandleFunc("/h/{endpointID}", h.CaptureWebhook)
	r.HandleFunc("/h/{endpointID}/*", h.CaptureWebhook)

	// Live views
	r.Get("/ws/{endpointID}", h.WebSocket)
	r.Get("/sse/{endpointID}", h.SSE)

	// Management API
	r.Route("/api", func(r chi.Router) {
		r.Post("/endpoints", h.CreateEndpoint)
		r.Get("/endpoints", h.ListEndpoints)
		r.Get("/endpoints/{endpointID}", h.GetEndpoint)
		r.Delete("/endpoints/{endpointID}", h.DeleteEndpoint)
		r.Put("/endpoints/{endpointID}/schema", h.SetEndpointSchema)
		r.Delete("/endpoints/{endpointID}/schema", h.DeleteEndpointSchema)
		r.Get("/endpoints/{endpointID}/requests", h.ListRequests)
		r.Get("/endpoints/{endpointID}/stats", h.EndpointStats)
		r.Get("/requests/{requestID}", h.GetRequest)
		r.Delete("/requests/{requestID}", h.DeleteRequest)
		r.Post("/requests/{requestID}/replay", h.ReplayRequest)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rp := reaper.New(st, logger, reaper.Options{
		Interval:  cfg.Reaper.Interval,
		RecordTTL: cfg.Reaper.RecordTTL,
		BatchSize: cfg.Reaper.BatchSize,
	})
	go rp.Run(ctx)

	// No Read/WriteTimeout here: they would cut off SSE streams and
	// WebSocket sessions.
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		os.Exit(1)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func buildLimiter(cfg *config.Config, logger *slog.Logger) ratelimit.Limiter {
	if !cfg.RateLimit.Enabled {
		return ratelimit.NewNoopLimiter()
	}

	var inner ratelimit.Limiter
	switch cfg.RateLimit.Backend {
	case "redis":
		rl, err := ratelimit.NewRedisLimiter(ratelimit.RedisOptions{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		}, cfg.RateLimit.Limit, cfg.RateLimit.Window)
		if err != nil {
			logger.Warn("redis limiter unavailable, falling back to memory", "error", err)
			inner = ratelimit.NewMemoryLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window)
		} else {
			inner = rl
		}
	default:
		inner = ratelimit.NewMemoryLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window)
	}

	return ratelimit.WithFailover(inner, cfg.RateLimit.FailOpen, cfg.RateLimit.Window, logger)
}
