package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	fabhttp "github.com/fabrica-dev/fabrica/internal/adapter/http"
	"github.com/fabrica-dev/fabrica/internal/adapter/litellm"
	"github.com/fabrica-dev/fabrica/internal/adapter/llm"
	"github.com/fabrica-dev/fabrica/internal/adapter/mcp"
	fabnats "github.com/fabrica-dev/fabrica/internal/adapter/nats"
	natskvcache "github.com/fabrica-dev/fabrica/internal/adapter/natskv"
	fabotel "github.com/fabrica-dev/fabrica/internal/adapter/otel"
	"github.com/fabrica-dev/fabrica/internal/adapter/postgres"
	"github.com/fabrica-dev/fabrica/internal/adapter/ristretto"
	"github.com/fabrica-dev/fabrica/internal/adapter/tiered"
	"github.com/fabrica-dev/fabrica/internal/adapter/ws"
	"github.com/fabrica-dev/fabrica/internal/config"
	"github.com/fabrica-dev/fabrica/internal/domain/project"
	"github.com/fabrica-dev/fabrica/internal/git"
	"github.com/fabrica-dev/fabrica/internal/logger"
	"github.com/fabrica-dev/fabrica/internal/port/cache"
	"github.com/fabrica-dev/fabrica/internal/port/messagequeue"
	"github.com/fabrica-dev/fabrica/internal/port/modelprovider"
	"github.com/fabrica-dev/fabrica/internal/resilience"
	"github.com/fabrica-dev/fabrica/internal/service"
)

const appVersion = "0.1.0"

func main() {
	// Bootstrap logger for everything before config is loaded; run()
	// replaces it with the configured one.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"security_level", cfg.Security.Level,
		"nats_enabled", cfg.NATS.Enabled,
	)

	ctx := context.Background()

	// --- Telemetry ---
	otelShutdown, err := fabotel.Setup(ctx, cfg.Otel)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Error("otel shutdown", "error", err)
		}
	}()

	// --- Infrastructure ---

	// PostgreSQL
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	st := postgres.NewStore(pool)

	// NATS. With NATS disabled events are dropped and WebSocket clients
	// see nothing, but the engine itself is unaffected.
	var queue messagequeue.Queue = messagequeue.Noop{}
	var natsQueue *fabnats.Queue
	if cfg.NATS.Enabled {
		natsQueue, err = fabnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = natsQueue.Drain() }()
		queue = natsQueue
		slog.Info("nats connected", "url", cfg.NATS.URL)
	}

	// --- Caches ---
	local, err := ristretto.New(cfg.Cache.MaxSizeMB * 1024 * 1024)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer local.Close()

	// Snapshots go through a NATS-backed L2 when available so that every
	// replica serves the same view.
	var snapshots cache.Cache = local
	if natsQueue != nil {
		kv, err := natsQueue.KeyValue(ctx, "fabrica-snapshots", cfg.Cache.SnapshotTTL)
		if err != nil {
			return fmt.Errorf("nats kv: %w", err)
		}
		snapshots = tiered.New(local, natskvcache.New(kv), cfg.Cache.SnapshotTTL)
	}

	// --- Model provider ---
	llmClient := litellm.NewClient(cfg.Models)
	llmClient.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	provider := modelprovider.NewMeter(llmClient)

	// --- Services ---
	securitySvc, err := service.NewSecurityService(cfg.Security, llm.NewAnalyzer(provider))
	if err != nil {
		return fmt.Errorf("security: %w", err)
	}
	securitySvc.SetVerdictCache(local, cfg.Cache.VerdictTTL)

	sandboxSvc := service.NewSandboxService(cfg.Sandbox)

	engine := service.NewEngine(
		st,
		securitySvc,
		sandboxSvc,
		llm.NewPlanner(provider),
		llm.NewGenerator(provider),
		llm.NewValidator(provider),
		queue,
		cfg.Engine.WorkspaceRoot,
	)
	if cfg.Checkpoint.Enabled {
		engine.SetCheckpoints(service.NewCheckpointService(git.NewPool(cfg.Checkpoint.MaxConcurrent)))
	}
	metrics, err := fabotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	engine.SetMetrics(metrics)

	projectSvc := service.NewProjectService(st, queue, project.EngineConfig{
		MaxProjectIterations: cfg.Engine.MaxProjectIterations,
		MaxIterationsPerTask: cfg.Engine.MaxIterationsPerTask,
		TimeoutSeconds:       cfg.Sandbox.TimeoutSeconds,
		MaxParallelTasks:     cfg.Engine.MaxParallelTasks,
	})
	projectSvc.SetSnapshotCache(snapshots, cfg.Cache.SnapshotTTL)
	projectSvc.SetEngine(engine)

	// --- Event streaming ---
	hub := ws.NewHub()
	relay := ws.NewRelay(hub, queue)
	if err := relay.Start(ctx); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	defer relay.Stop()

	// --- MCP ---
	if cfg.MCP.Enabled {
		mcpSrv := mcp.NewServer(mcp.ServerConfig{
			Addr:       cfg.MCP.Addr,
			Name:       "fabrica",
			Version:    appVersion,
			APIKeyHash: cfg.Auth.APIKeyHash,
		}, mcp.ServerDeps{
			Projects: projectSvc,
			Tasks:    projectSvc,
			Resumer:  projectSvc,
		})
		if err := mcpSrv.Start(); err != nil {
			return fmt.Errorf("mcp: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mcpSrv.Stop(stopCtx); err != nil {
				slog.Error("mcp shutdown", "error", err)
			}
		}()
	}

	// --- HTTP ---
	handlers := &fabhttp.Handlers{
		Projects: projectSvc,
	}

	r := chi.NewRouter()

	// Middleware. The rate limiter keys on RemoteAddr, so it runs before
	// RealIP rewrites it from proxy headers.
	r.Use(fabhttp.RequestID)
	r.Use(fabhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(fabhttp.SecurityHeaders)
	if cfg.Server.RateLimitRPS > 0 {
		rl := fabhttp.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
		defer rl.StartCleanup(time.Minute, 10*time.Minute)()
		r.Use(rl.Handler)
	}
	r.Use(fabhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if cfg.Otel.Enabled {
		r.Use(fabotel.HTTPMiddleware(cfg.Otel.ServiceName))
	}
	r.Use(fabhttp.APIKeyAuth(cfg.Auth.APIKeyHash))

	// Health endpoint with service status
	r.Get("/health", healthHandler(cfg, pool, queue))

	// WebSocket endpoint. Mounted outside the timeout group: connections
	// stay open for as long as the client listens.
	r.Get("/ws", hub.HandleWS)

	// API routes
	r.Group(func(api chi.Router) {
		api.Use(chimw.Timeout(30 * time.Second))
		fabhttp.MountRoutes(api, handlers)
	})

	addr := ":" + cfg.Server.Port

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr, "version", appVersion)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}

	// Interrupted runs leave their projects non-terminal; a later Resume
	// picks them up where they stopped.
	return engine.Shutdown(shutdownCtx)
}

// healthHandler returns an http.HandlerFunc that reports service health.
func healthHandler(cfg *config.Config, pool *pgxpool.Pool, queue messagequeue.Queue) http.HandlerFunc {
	type healthStatus struct {
		Status   string `json:"status"`
		Postgres string `json:"postgres"`
		NATS     string `json:"nats"`
		Models   string `json:"models"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{
			Status:   "ok",
			Postgres: "ok",
			NATS:     "disabled",
			Models:   cfg.Models.URL,
		}
		if err := pool.Ping(r.Context()); err != nil {
			status.Status = "degraded"
			status.Postgres = "unreachable"
		}
		if cfg.NATS.Enabled {
			status.NATS = "connected"
			if !queue.IsConnected() {
				status.Status = "degraded"
				status.NATS = "disconnected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}
