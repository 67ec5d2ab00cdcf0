// Command sshd is the SSH daemon started inside every workspace container.
// The manager ships it in the read-only tools mount and launches it beside
// the IDE; it is configured entirely through SSHD_* environment variables.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lengjing/docker-workspace-manager/internal/config"
	"github.com/lengjing/docker-workspace-manager/internal/logger"
	"github.com/lengjing/docker-workspace-manager/internal/sshd"
)

func main() {
	cfg, err := config.LoadSSHD()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	l, err := logger.NewWithOptions(cfg.LogLevel, cfg.LogFormat, "")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = l.Close() }()

	srv, err := sshd.New(cfg, l)
	if err != nil {
		l.Error("failed to create ssh server", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		l.Info("shutting down ssh server", "signal", sig.String())
		_ = srv.Stop()
	case err := <-errCh:
		if err != nil {
			l.Error("ssh server exited with error", "error", err)
			os.Exit(1)
		}
	}
}
