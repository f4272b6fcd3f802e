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
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskdeck/taskdeck/internal/agent/credentials"
	"github.com/taskdeck/taskdeck/internal/api"
	"github.com/taskdeck/taskdeck/internal/cloud"
	"github.com/taskdeck/taskdeck/internal/common/config"
	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/events/bus"
	"github.com/taskdeck/taskdeck/internal/gateway"
	"github.com/taskdeck/taskdeck/internal/plan"
	"github.com/taskdeck/taskdeck/internal/progress"
	"github.com/taskdeck/taskdeck/internal/repo"
	"github.com/taskdeck/taskdeck/internal/run"
	"github.com/taskdeck/taskdeck/internal/session"
	"github.com/taskdeck/taskdeck/internal/state"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
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

	log.Info("Starting Taskdeck orchestrator...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 4. Execution state store: sqlite when configured, in-memory otherwise
	var store state.Store
	if cfg.Database.Path != "" {
		sqliteStore, err := state.NewSQLiteStore(cfg.Database.Path, log)
		if err != nil {
			log.Fatal("Failed to open state database", zap.Error(err))
		}
		store = sqliteStore
		log.Info("Using sqlite state store", zap.String("path", cfg.Database.Path))
	} else {
		store = state.NewMemoryStore()
		log.Info("Using in-memory state store")
	}
	defer store.Close()

	// No run session survives the process; a persisted running flag from a
	// crashed run would report a phantom run until something overwrote it.
	if stale, err := store.ResetRunning(ctx); err != nil {
		log.Fatal("Failed to reset stale run state", zap.Error(err))
	} else if stale > 0 {
		log.Warn("Cleared stale running records from previous process", zap.Int("count", stale))
	}

	// 5. Credentials
	creds := credentials.NewEnvProvider("")

	// 6. Execution boundary and cloud client
	host := run.NewHTTPHost(cfg.Host.BaseURL, cfg.Host.RequestTimeoutDuration(), log)
	cloudClient := cloud.NewClient(cfg.Cloud.BaseURL, creds, cfg.Cloud.RequestTimeoutDuration(), log)

	// 7. Orchestrator core
	registry := session.NewRegistry(log)
	planMachine := plan.NewMachine(store, eventBus, log)
	subscriber := run.NewSubscriber(eventBus, store, registry, planMachine, log)
	poller := progress.NewPoller(cloudClient, eventBus,
		cfg.Runner.PollIntervalDuration(), cfg.Runner.MaxPollIntervalDuration(), log)
	validator := repo.NewValidator(repo.NoPrompter{}, log)

	launcher := run.NewLauncher(run.LauncherConfig{
		Host:           host,
		Cloud:          cloudClient,
		Store:          store,
		EventBus:       eventBus,
		Registry:       registry,
		Validator:      validator,
		Subscriber:     subscriber,
		Poller:         poller,
		Credentials:    creds,
		PermissionMode: cfg.Runner.PermissionMode,
	}, log)
	planMachine.SetRunner(launcher)

	// 8. WebSocket gateway
	hub := gateway.NewHub(log)
	if err := hub.Attach(eventBus); err != nil {
		log.Fatal("Failed to attach gateway to event bus", zap.Error(err))
	}

	// 9. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.Recovery(log))
	router.Use(api.RequestLogger(log))
	router.Use(api.CORS())

	v1 := router.Group("/api/v1")
	api.SetupRoutes(v1, launcher, planMachine, store, log)
	gateway.SetupWebSocketRoutes(v1, gateway.NewWSHandler(hub, log))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"bus":     eventBus.IsConnected(),
			"clients": hub.GetClientCount(),
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down Taskdeck orchestrator...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		// Tear down live sessions (pollers, subscriptions)
		registry.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("Orchestrator exited with error", zap.Error(err))
	}
	log.Info("Taskdeck orchestrator stopped")
}
