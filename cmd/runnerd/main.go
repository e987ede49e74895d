// Command runnerd is the per-user process-supervisor daemon: it runs under
// a single Linux user's identity and spawns/tracks that user's session
// processes, reached by the engine over a per-user Unix socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/runner/daemon"
)

func main() {
	if len(os.Args) == 3 && os.Args[1] == "--internal-ptyserver" {
		port, err := strconv.Atoi(os.Args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid pty server port: %v\n", err)
			os.Exit(1)
		}
		if err := daemon.RunPTYServerStandalone(port); err != nil {
			fmt.Fprintf(os.Stderr, "pty server exited: %v\n", err)
			os.Exit(1)
		}
		return
	}

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

	username := os.Getenv("USER")
	socketPath := envOr("KANDEV_RUNNER_SOCKET", fmt.Sprintf("/run/kandev/runner-sockets/%s/runner.sock", username))

	bins := daemon.BinaryPaths{
		FileserverBin: envOr("KANDEV_FILESERVER_BIN", "kandev-fileserver"),
		TTYDBin:       os.Getenv("KANDEV_TTYD_BIN"),
	}

	d := daemon.New(log, bins)
	if err := d.Listen(socketPath); err != nil {
		log.Fatal("failed to bind runner socket", zap.String("path", socketPath), zap.Error(err))
	}
	log.Info("runnerd listening", zap.String("socket", socketPath), zap.String("user", username))

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
		log.Info("runnerd shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error("runnerd serve error", zap.Error(err))
		}
	}

	cancel()
	if err := d.Close(); err != nil {
		log.Error("runnerd close error", zap.Error(err))
	}
	log.Info("runnerd stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
