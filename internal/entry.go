// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sanity-io/litter"
	"golang.org/x/sync/errgroup"

	"github.com/starford/scriptorium/internal/api"
	"github.com/starford/scriptorium/internal/authority"
	"github.com/starford/scriptorium/internal/mcpserver"
	"github.com/starford/scriptorium/internal/recovery"
	"github.com/starford/scriptorium/internal/sse"
	"github.com/starford/scriptorium/internal/workspace"
)

const shutdownTimeout = 10 * time.Second

// Run starts the local document node: the session, the REST API and the
// event stream.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	logger := app.logger()
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("data_dir", cfg.Storage.DataDir),
		slog.Bool("sync_enabled", cfg.Sync.Enabled),
		slog.String("sync_mode", cfg.Sync.Mode),
		slog.String("conflict_policy", cfg.Conflicts.Policy),
		slog.String("log_level", cfg.App.LogLevel.String()))

	ws, err := app.openWorkspace(ctx, logger)
	if err != nil {
		return err
	}

	broker := sse.NewBroker(2*time.Second, sse.WithKeepAlive(15*time.Second))
	detach := sse.Attach(broker, ws)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		h := ws.Health(req.Context())
		if !h.LocalStore.Available || !h.ContentStore.Available {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"degraded"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/api", api.NewRouter(ws, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker))

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		waitForShutdown(gCtx, logger)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		detach()
		broker.Close()
		if err := ws.Teardown(shutdownCtx); err != nil {
			logger.Error("workspace teardown error", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunAuthority starts the reference authority server that local nodes sync
// against. State is held in memory.
func RunAuthority(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	logger := app.logger()
	slog.SetDefault(logger)

	srv := authority.NewServer(authority.NewStore(), cfg.Authority.Token, logger)
	httpServer := &http.Server{
		Addr:              cfg.Authority.Address(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting authority server", slog.String("address", cfg.Authority.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("authority server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		waitForShutdown(gCtx, logger)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("authority shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	return g.Wait()
}

// RunMCP serves the document tools over stdio. The session is flushed when
// the client disconnects.
func RunMCP(ctx context.Context, opts ...Option) error {
	opts = append([]Option{WithLogOutput(os.Stderr)}, opts...)
	app, err := newApplication(opts)
	if err != nil {
		return err
	}

	logger := app.logger()
	slog.SetDefault(logger)

	ws, err := app.openWorkspace(ctx, logger)
	if err != nil {
		return err
	}

	serveErr := mcpserver.New(ws, app.version).ServeStdio()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ws.Teardown(shutdownCtx); err != nil {
		serveErr = errors.Join(serveErr, fmt.Errorf("teardown: %w", err))
	}
	return serveErr
}

// Inspect boots a session without sync and dumps its health, documents and
// pending outbox to w.
func Inspect(ctx context.Context, w io.Writer, opts ...Option) error {
	opts = append([]Option{WithLogOutput(io.Discard)}, opts...)
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := *app.config
	cfg.Sync.Enabled = false
	app.config = &cfg

	ws, err := app.openWorkspace(ctx, app.logger())
	if err != nil {
		return err
	}
	defer func() { _ = ws.Teardown(context.Background()) }()

	pending, err := ws.PendingEvents()
	if err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}

	report := struct {
		Health     workspace.Health
		Documents  []string
		Trash      []string
		Recovery   int
		Outbox     int
		OutboxHead any
	}{
		Health:   ws.Health(ctx),
		Recovery: len(ws.RecoveryCandidates()),
		Outbox:   len(pending),
	}
	for _, d := range ws.List() {
		report.Documents = append(report.Documents, fmt.Sprintf("%s v%d %q", d.ID, d.Version, d.Title))
	}
	for _, d := range ws.Trash() {
		report.Trash = append(report.Trash, fmt.Sprintf("%s v%d %q", d.ID, d.Version, d.Title))
	}
	if len(pending) > 0 {
		report.OutboxHead = pending[0]
	}

	_, err = fmt.Fprintln(w, litter.Sdump(report))
	return err
}

func (a *application) openWorkspace(ctx context.Context, logger *slog.Logger) (*workspace.Session, error) {
	if err := os.MkdirAll(a.config.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	wsOpts := append([]workspace.Option{workspace.WithLogger(logger)}, a.wsOpts...)
	ws, err := workspace.Open(a.config.Workspace(), wsOpts...)
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}

	res, err := ws.Boot(ctx)
	if err != nil {
		_ = ws.Teardown(context.Background())
		return nil, fmt.Errorf("boot workspace: %w", err)
	}
	if res.Status == recovery.StatusPrompt {
		logger.Warn("metadata missing, recovery prompt pending",
			slog.Int("candidates", len(res.Candidates)))
	}
	return ws, nil
}

func waitForShutdown(ctx context.Context, logger *slog.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, initiating shutdown")
	}
}
