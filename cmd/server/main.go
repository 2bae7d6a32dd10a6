package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/goliatone/go-repository-live/config"
	"github.com/goliatone/go-repository-live/internal/storage"
	"github.com/goliatone/go-repository-live/pkg/di"
	"github.com/goliatone/go-repository-live/realtime/wsconn"
)

func main() {
	var envFiles []string
	if _, err := os.Stat(".env"); err == nil {
		envFiles = append(envFiles, ".env")
	}
	cfg, err := config.Load(os.Getenv(config.PathEnv), envFiles...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	container, err := di.NewContainer(ctx, cfg, di.WithLogger(logger))
	if err != nil {
		return err
	}
	defer container.Close()

	if err := storage.EnsureTables(ctx, container.DB(), (*Product)(nil)); err != nil {
		return err
	}

	router, err := newRouter(container)
	if err != nil {
		return err
	}
	if err := container.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	if reg := container.Registry(); reg != nil {
		reg.Close()
	}
	return srv.Shutdown(shutdownCtx)
}

func newRouter(container *di.Container) (http.Handler, error) {
	products, err := di.NewRepository[Product](container)
	if err != nil {
		return nil, err
	}
	api := NewProductAPI(products, container.Logger())

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := container.DB().PingContext(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/products", api.Routes)

	if reg := container.Registry(); reg != nil {
		r.Handle("/ws", wsconn.NewHandler(reg, wsconn.WithLogger(container.Logger())))
	}
	return r, nil
}
