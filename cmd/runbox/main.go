// Package main is the entry point for the Runbox control plane.
// The single binary runs the REST API, the executor callback surface and the
// background reconciliation loops against one container runtime.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/callbacks"
	"github.com/runbox/runbox/internal/cleanup"
	"github.com/runbox/runbox/internal/common/config"
	"github.com/runbox/runbox/internal/common/httpmw"
	"github.com/runbox/runbox/internal/common/logger"
	"github.com/runbox/runbox/internal/common/tracing"
	"github.com/runbox/runbox/internal/db"
	"github.com/runbox/runbox/internal/events"
	execclient "github.com/runbox/runbox/internal/executor/client"
	"github.com/runbox/runbox/internal/monitoring"
	noderepo "github.com/runbox/runbox/internal/node/repository"
	"github.com/runbox/runbox/internal/runtime"
	"github.com/runbox/runbox/internal/runtime/docker"
	"github.com/runbox/runbox/internal/runtime/kubernetes"
	"github.com/runbox/runbox/internal/scheduler"
	sessionhandlers "github.com/runbox/runbox/internal/session/handlers"
	sessionsqlite "github.com/runbox/runbox/internal/session/repository/sqlite"
	sessionservice "github.com/runbox/runbox/internal/session/service"
	"github.com/runbox/runbox/internal/statesync"
	"github.com/runbox/runbox/internal/storage"
	"github.com/runbox/runbox/internal/tasks"
	templatehandlers "github.com/runbox/runbox/internal/template/handlers"
	templatesqlite "github.com/runbox/runbox/internal/template/repository/sqlite"
	templateservice "github.com/runbox/runbox/internal/template/service"
	"github.com/runbox/runbox/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Runbox control plane",
		zap.String("version", version.Version),
		zap.String("commit", version.GitCommit))

	if cfg.Tracing.Enabled {
		tracing.Configure(cfg.Tracing.Endpoint, cfg.Tracing.ServiceName)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	eventBus := provided.Bus

	// Database pool. SQLite gets a single writer and a read-only pool;
	// Postgres shares one pgx-backed pool for both.
	pool, err := openDatabase(cfg)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err),
			zap.String("driver", cfg.Database.Driver))
	}
	defer pool.Close()
	log.Info("Database initialized", zap.String("driver", cfg.Database.Driver))

	sessionRepo, err := sessionsqlite.NewWithDB(pool.Writer(), pool.Reader())
	if err != nil {
		log.Fatal("Failed to initialize session repository", zap.Error(err))
	}
	templateRepo, err := templatesqlite.NewWithDB(pool.Writer(), pool.Reader())
	if err != nil {
		log.Fatal("Failed to initialize template repository", zap.Error(err))
	}
	nodeRepo := noderepo.NewMemoryRepository()

	// Workspace object storage.
	store, err := storage.NewS3Store(ctx, cfg.Storage, log)
	if err != nil {
		log.Fatal("Failed to initialize object storage", zap.Error(err))
	}

	// Container runtime: config validation guarantees exactly one is enabled.
	var rt runtime.Runtime
	if cfg.Kubernetes.Enabled {
		rt, err = kubernetes.NewRuntime(cfg.Kubernetes, log)
	} else {
		rt, err = docker.NewRuntime(cfg.Docker, log)
	}
	if err != nil {
		log.Fatal("Failed to initialize container runtime", zap.Error(err))
	}
	defer rt.Close()
	if err := rt.Ping(ctx); err != nil {
		log.Fatal("Container runtime unreachable", zap.Error(err))
	}
	log.Info("Container runtime connected", zap.String("type", string(rt.Type())))

	sched, err := scheduler.NewService(ctx, rt, nodeRepo, eventBus, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize scheduler", zap.Error(err))
	}

	templateSvc := templateservice.NewService(templateRepo, eventBus, log)
	if err := templateSvc.Seed(ctx, cfg.Templates.SeedFile); err != nil {
		log.Fatal("Failed to seed templates", zap.Error(err),
			zap.String("seed_file", cfg.Templates.SeedFile))
	}

	executor := execclient.NewClient(cfg.Executor, log)
	sessionSvc := sessionservice.NewService(
		sessionRepo, sessionRepo, templateRepo,
		rt, sched, store, executor, eventBus, cfg, log,
	)

	// Reconcile persisted state against the runtime before serving traffic.
	reconciler := statesync.NewService(sessionRepo, rt, sessionSvc, log)
	if err := reconciler.ReconcileStartup(ctx); err != nil {
		log.Error("Startup reconciliation failed", zap.Error(err))
	}

	cleaner := cleanup.NewService(sessionRepo, sessionRepo, rt, sched, sessionSvc, eventBus, cfg.Cleanup, cfg.Sessions.MaxRetryAttempts, log)

	manager := tasks.NewManager(log)
	healthInterval := time.Duration(cfg.Cleanup.HealthCheckInterval) * time.Second
	cleanupInterval := time.Duration(cfg.Cleanup.CleanupInterval) * time.Second
	manager.Register(tasks.Task{
		Name:     "node-health",
		Interval: healthInterval,
		Run:      sched.RefreshNodeHealth,
	})
	manager.Register(tasks.Task{
		Name:         "state-sync",
		Interval:     healthInterval,
		InitialDelay: healthInterval,
		Run:          reconciler.ReconcilePeriodic,
	})
	manager.Register(tasks.Task{
		Name:     "idle-sessions",
		Interval: cleanupInterval,
		Run:      cleaner.CleanupIdleSessions,
	})
	manager.Register(tasks.Task{
		Name:     "expired-sessions",
		Interval: cleanupInterval,
		Run:      cleaner.CleanupExpiredSessions,
	})
	manager.Register(tasks.Task{
		Name:     "stuck-creating",
		Interval: cleanupInterval,
		Run:      cleaner.CleanupStuckCreating,
	})
	manager.Register(tasks.Task{
		Name:         "orphan-containers",
		Interval:     cleanupInterval,
		InitialDelay: cleanupInterval,
		Run:          cleaner.CleanupOrphanContainers,
	})
	manager.Register(tasks.Task{
		Name:         "abandoned-workspaces",
		Interval:     cleanupInterval,
		InitialDelay: cleanupInterval,
		Run:          cleaner.CleanupAbandonedWorkspaces,
	})
	manager.Register(tasks.Task{
		Name:         "crashed-executions",
		Interval:     cleanupInterval,
		InitialDelay: cleanupInterval,
		Run:          cleaner.CleanupCrashedExecutions,
	})
	manager.StartAll(ctx)

	// HTTP surface.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "runbox"))
	if cfg.Tracing.Enabled {
		router.Use(httpmw.OtelTracing("runbox"))
	}

	api := router.Group("/api/v1")
	sessionhandlers.RegisterRoutes(api, sessionSvc, store, cfg.Storage.InlineFileLimit, cfg.Storage.PresignTTL, log)
	templatehandlers.RegisterRoutes(api, templateSvc, log)
	mon := monitoring.RegisterRoutes(api, rt, nodeRepo, sessionRepo, log)
	router.GET("/health", mon.HTTPHealth)

	callbacks.RegisterRoutes(router, sessionSvc, cfg.Auth.CallbackToken, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Runbox...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := manager.StopAll(); err != nil {
		log.Error("Background task stop error", zap.Error(err))
	}
	if err := busCleanup(); err != nil {
		log.Error("Event bus close error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Runbox stopped")
}

// openDatabase builds the reader/writer pool for the configured driver.
func openDatabase(cfg *config.Config) (*db.Pool, error) {
	switch cfg.Database.Driver {
	case "postgres":
		raw, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(raw, "pgx")
		return db.NewPool(shared, shared), nil
	default:
		writer, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		reader, err := db.OpenSQLiteReader(cfg.Database.Path)
		if err != nil {
			writer.Close()
			return nil, err
		}
		return db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")), nil
	}
}
