// Command usermgrd is the privileged-ops daemon: it must run as root and is
// reached only over its Unix socket by the kandev gateway process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/usermgr/daemon"
)

func main() {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  envOr("KANDEV_LOG_LEVEL", "info"),
		Format: envOr("KANDEV_LOG_FORMAT", "json"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	socketPath := envOr("KANDEV_USERMGR_SOCKET", "/run/kandev/usermgr.sock")
	allowlist := []string{"kandev-fileserver", "kandev-ttyd", "kandev-runner", "ttyd"}

	d := daemon.New(log, allowlist)
	if err := d.Listen(socketPath); err != nil {
		log.Fatal("failed to bind usermgr socket", zap.String("path", socketPath), zap.Error(err))
	}
	log.Info("usermgrd listening", zap.String("socket", socketPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Serve(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("usermgrd shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error("usermgrd serve error", zap.Error(err))
		}
	}

	cancel()
	if err := d.Close(); err != nil {
		log.Error("usermgrd close error", zap.Error(err))
	}
	log.Info("usermgrd stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
