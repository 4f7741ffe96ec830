package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/florianilch/cloudkey/internal/server"
	"github.com/florianilch/cloudkey/internal/tokenmanager"
)

// App orchestrates the lifecycle of the API server and the refresh daemon.
type App struct {
	cfg        *Config
	components *Components
	daemon     *tokenmanager.Daemon
	server     *server.Server
}

// New creates a new App instance. The settings backend is connected here;
// the credential record itself is read on Start.
func New(ctx context.Context, cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	components, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	srv, err := server.New(components.Manager,
		server.WithUpstream(cfg.Upstream.BaseURL),
		server.WithLogger(slog.Default()),
	)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create server: %w", err), components.Close())
	}

	daemon := tokenmanager.NewDaemon(components.Manager,
		tokenmanager.WithMinWait(cfg.Refresh.DaemonMinWait),
		tokenmanager.WithResyncInterval(cfg.Refresh.ResyncInterval),
	)

	return &App{
		cfg:        cfg,
		components: components,
		daemon:     daemon,
		server:     srv,
	}, nil
}

// Start starts all services and blocks until ctx is cancelled or a service fails.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Server.Host + ":" + strconv.FormatUint(uint64(a.cfg.Server.Port), 10)
	shutdownFuncs := []func(context.Context) error{
		func(context.Context) error { return a.components.Close() },
	}

	if err := a.components.Manager.Load(gCtx); err != nil {
		return errors.Join(fmt.Errorf("loading credential state: %w", err), a.components.Close())
	}
	a.logSummary(gCtx)

	// Startup phase: Start services
	slog.InfoContext(gCtx, "starting API server", "address", address)
	serverErrCh, err := a.server.Start(gCtx, address)
	if err != nil {
		return errors.Join(fmt.Errorf("server startup failed: %w", err), a.components.Close())
	}
	shutdownFuncs = append(shutdownFuncs, a.server.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-serverErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "server runtime error", "error", err)
				return fmt.Errorf("server: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	g.Go(func() error {
		if err := a.daemon.Run(gCtx); err != nil {
			return fmt.Errorf("refresh daemon: %w", err)
		}
		return nil
	})

	slog.InfoContext(gCtx, "application ready", "address", address)

	runtimeErr := g.Wait()

	slog.InfoContext(ctx, "shutting down services")

	// Shutdown phase: Stop all services
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}

// Handler exposes the API for in-process use.
func (a *App) Handler() *server.Server {
	return a.server
}

func (a *App) logSummary(ctx context.Context) {
	s, err := a.components.Manager.Summary(ctx)
	if err != nil {
		return
	}
	attrs := []any{
		"refresh_token_status", s.RefreshTokenStatus,
		"has_refresh_token", s.HasRefreshToken,
		"access_token_valid", s.AccessTokenValid,
		"auto_refresh", s.AutoRefreshEnabled,
	}
	if !s.HasRefreshToken {
		slog.WarnContext(ctx, "no refresh token stored; supply one with: cloudkey token set-refresh", attrs...)
		return
	}
	slog.InfoContext(ctx, "credential state loaded", attrs...)
}
