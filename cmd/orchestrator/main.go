// Package main is the entry point for the orchestrator service.
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

	"github.com/kilndev/kiln/internal/agents"
	"github.com/kilndev/kiln/internal/api"
	"github.com/kilndev/kiln/internal/auth"
	"github.com/kilndev/kiln/internal/common/config"
	"github.com/kilndev/kiln/internal/common/logger"
	"github.com/kilndev/kiln/internal/container"
	"github.com/kilndev/kiln/internal/environment"
	"github.com/kilndev/kiln/internal/events/bus"
	"github.com/kilndev/kiln/internal/repocache"
	"github.com/kilndev/kiln/internal/secrets"
	"github.com/kilndev/kiln/internal/session"
	"github.com/kilndev/kiln/internal/store"
	"github.com/kilndev/kiln/internal/terminal"
	"github.com/kilndev/kiln/internal/worktree"
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

	log.Info("Starting orchestrator service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Connect to the Docker runtime
	docker, err := container.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to create Docker client", zap.Error(err))
	}
	defer docker.Close()
	if err := docker.Ping(ctx); err != nil {
		log.Fatal("Failed to reach Docker daemon", zap.Error(err))
	}
	log.Info("Connected to Docker", zap.String("host", cfg.Docker.Host))

	// 4. Open the store
	st, err := store.Open(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	// 5. Connect the event bus; an empty NATS URL selects the in-memory bus
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 6. Wire the coordination stack
	repos := repocache.NewCache(cfg.DataRoot, log)
	containers := container.NewManager(docker, cfg.Sandbox, log)
	worktrees := worktree.NewCoordinator(containers, log)
	reconciler := session.NewReconciler(st, repos, containers, worktrees, eventBus, log)

	sessions := session.NewService(st, reconciler, eventBus, log)
	environments := environment.NewService(st, repos, containers, reconciler, log)

	cipher, err := secrets.NewCipher(cfg.Auth.EncryptionKey, cfg.DataRoot)
	if err != nil {
		log.Fatal("Failed to initialize credential cipher", zap.Error(err))
	}
	agentSvc := agents.NewService(st, cipher, log)

	janitor := session.NewJanitor(st, containers, repos, eventBus, cfg.Janitor.IntervalDuration(), log)
	janitor.Start()

	// 7. HTTP surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	authn := auth.NewAuthenticator(cfg.Auth)
	terminals := terminal.NewHandler(authn, st, reconciler, terminal.NewManagerExecer(containers), log)
	checks := map[string]api.HealthCheck{
		"docker": docker.Ping,
		"store":  st.Ping,
	}
	router := api.NewRouter(cfg.Server, authn, environments, sessions, agentSvc, terminals, checks, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 8. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down orchestrator service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	janitor.Stop()

	log.Info("Orchestrator service stopped")
}
