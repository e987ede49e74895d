// Command kandev is the unified session-engine and gateway process: it
// loads configuration, wires the repository/runtime adapters/engine, mounts
// the REST and proxy HTTP surfaces, runs the cleanup loops, and serves until
// signalled to stop.
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

	"github.com/kandev/kandev/internal/cleanup"
	"github.com/kandev/kandev/internal/common/config"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/eavs"
	"github.com/kandev/kandev/internal/engine"
	"github.com/kandev/kandev/internal/events"
	gatewayhttp "github.com/kandev/kandev/internal/gateway/http"
	"github.com/kandev/kandev/internal/gateway/httpproxy"
	gatewaywebsocket "github.com/kandev/kandev/internal/gateway/websocket"
	"github.com/kandev/kandev/internal/persistence"
	"github.com/kandev/kandev/internal/portalloc"
	"github.com/kandev/kandev/internal/prober"
	container "github.com/kandev/kandev/internal/runtime/container"
	"github.com/kandev/kandev/internal/runtime/local"
	"github.com/kandev/kandev/internal/session"
	"github.com/kandev/kandev/internal/session/repository"
	"github.com/kandev/kandev/internal/usermgr"
	"github.com/kandev/kandev/internal/workspacepath"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting kandev session engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, driver, closePool, err := persistence.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize database", zap.Error(err))
	}
	defer func() {
		if err := closePool(); err != nil {
			log.Error("database close error", zap.Error(err))
		}
	}()

	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer func() {
		if err := closeBus(); err != nil {
			log.Error("event bus close error", zap.Error(err))
		}
	}()

	var containerClient *container.Client
	if cfg.Docker.Enabled {
		containerClient, err = container.NewClient(cfg.Docker, log)
		if err != nil {
			log.Warn("docker client unavailable, container-mode sessions disabled", zap.Error(err))
			containerClient = nil
		} else if err := containerClient.Ping(ctx); err != nil {
			log.Warn("docker daemon not reachable, container-mode sessions disabled", zap.Error(err))
			containerClient.Close()
			containerClient = nil
		} else {
			defer containerClient.Close()
		}
	}

	localAdapter := local.New(cfg.Session.RunnerSocketPattern)

	var usermgrClient *usermgr.Client
	if session.RuntimeMode(cfg.Session.RuntimeMode) == session.RuntimeModeLocal {
		usermgrClient = usermgr.NewClient(cfg.Session.UsermgrSocketPath)
	}

	var eavsClient *eavs.Client
	if cfg.Session.EAVSContainerURL != "" {
		eavsClient = eavs.New(cfg.Session.EAVSContainerURL, cfg.Session.EAVSMasterKey)
	}

	repo := repository.New(pool, driver)
	ports := portalloc.New(repo)
	prb := prober.New()

	paths := workspacepath.New(repo, func(userID string) workspacepath.Roots {
		sanitized := workspacepath.SanitizeUsername(userID)
		return workspacepath.Roots{
			WorkspaceRoot: fmt.Sprintf("%s/%s/workspace", cfg.Session.UserDataPath, sanitized),
			DataRoot:      fmt.Sprintf("%s/%s/data", cfg.Session.UserDataPath, sanitized),
		}
	})

	engineCfg := engine.Config{
		DefaultImage:          cfg.Session.DefaultImage,
		BasePort:              cfg.Session.BasePort,
		MaxConcurrentSessions: cfg.Session.MaxConcurrentSessions,
		RuntimeMode:           session.RuntimeMode(cfg.Session.RuntimeMode),
		LinuxUserPrefix:       cfg.Session.LinuxUserPrefix,
		LinuxUIDStart:         cfg.Session.LinuxUIDStart,
		IdleTimeout:           cfg.Session.IdleTimeout(),
		DefaultBudgetUSD:      cfg.Session.DefaultSessionBudgetUSD,
		DefaultRPM:            cfg.Session.DefaultSessionRPM,
	}
	eng := engine.New(engineCfg, repo, ports, prb, containerClient, localAdapter, usermgrClient, eavsClient, paths, eventBus.Bus, log)

	sweeper := cleanup.New(cfg.Session, repo, eng, containerClient, localAdapter, log)
	if err := sweeper.ReconcileOnStartup(ctx); err != nil {
		log.Error("startup reconciliation failed", zap.Error(err))
	}
	sweeper.Start(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	gatewayhttp.SetupRoutes(router, eng, repo, log)
	httpproxy.SetupRoutes(router, repo, log)

	wsGateway, err := gatewaywebsocket.Provide(log)
	if err != nil {
		log.Fatal("failed to initialize websocket gateway", zap.Error(err))
	}
	wsGateway.SetSessionPortLocator(gatewaywebsocket.NewRepositoryPortLocator(repo))
	wsGateway.Hub.SetSnapshotProvider(gatewaywebsocket.NewRepositorySnapshotProvider(repo))
	if err := wsGateway.BridgeEvents(eventBus.Bus); err != nil {
		log.Fatal("failed to bridge event bus into websocket gateway", zap.Error(err))
	}
	go wsGateway.Hub.Run(ctx)
	wsGateway.SetupRoutes(router)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("session engine listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down kandev session engine")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	log.Info("kandev session engine stopped")
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Kandev-User-Id, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
