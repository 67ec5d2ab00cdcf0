package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/lengjing/docker-workspace-manager/internal/config"
	"github.com/lengjing/docker-workspace-manager/internal/container/docker"
	"github.com/lengjing/docker-workspace-manager/internal/database"
	"github.com/lengjing/docker-workspace-manager/internal/handler"
	"github.com/lengjing/docker-workspace-manager/internal/logger"
	"github.com/lengjing/docker-workspace-manager/internal/middleware"
	"github.com/lengjing/docker-workspace-manager/internal/portalloc"
	"github.com/lengjing/docker-workspace-manager/internal/proxy"
	"github.com/lengjing/docker-workspace-manager/internal/service"
	"github.com/lengjing/docker-workspace-manager/internal/store"
	"github.com/lengjing/docker-workspace-manager/internal/terminal"
	"github.com/lengjing/docker-workspace-manager/internal/token"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	l, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = l.Close() }()

	if err := run(cfg, l); err != nil {
		l.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, l *logger.Logger) error {
	// Connect to database
	db, err := database.New(cfg, l)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	l.Info("running database migrations", "driver", cfg.DatabaseDriver)
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Seed database with anonymous user and optional admin
	if err := db.Seed(cfg); err != nil {
		return fmt.Errorf("failed to seed database: %w", err)
	}

	s := store.New(db.DB)

	runtime, err := docker.NewProvider(cfg, l)
	if err != nil {
		return fmt.Errorf("failed to initialize docker runtime: %w", err)
	}
	defer func() { _ = runtime.Close() }()
	l.Info("container runtime initialized", "type", "docker")

	issuer := token.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	authSvc := service.NewAuthService(s, issuer, l)
	workspaceSvc := service.NewWorkspaceService(s, runtime, portalloc.New(cfg.PortScanWindow), cfg, l)

	proxyRouter := proxy.NewRouter(s, runtime, cfg, l)
	workspaceSvc.OnChange(proxyRouter.InvalidateWorkspace)

	// Bring recorded statuses in line with the runtime before serving
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := workspaceSvc.SyncStatuses(ctx); err != nil {
		l.Warn("failed to sync workspace statuses", "error", err)
	}
	cancel()

	h := handler.New(authSvc, workspaceSvc, l)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SanitizedLogger(l))
	r.Use(chimiddleware.Recoverer)

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// JSON API. Long-lived proxy and terminal connections stay outside the timeout.
	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(60 * time.Second))
		r.Use(middleware.Identity(authSvc))
		h.Routes(r)
	})

	proxyRouter.Routes(r)
	r.Handle("/terminal", terminal.NewBridge(cfg.TerminalCommand, l))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          l.StdLog(),
	}

	serverErr := make(chan error, 1)
	go func() {
		l.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	l.Info("shutting down server")

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	l.Info("server stopped")
	return nil
}
