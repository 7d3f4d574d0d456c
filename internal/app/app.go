// Package app wires all gateway subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the prober/sweeper background loops and serves
// the HTTP API until cancelled, and Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithSessionStore,
// WithRegistry, etc.). When an option is not provided, New creates a real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veyra-ai/gateway/internal/config"
	"github.com/veyra-ai/gateway/internal/dispatch"
	"github.com/veyra-ai/gateway/internal/gateway"
	"github.com/veyra-ai/gateway/internal/observe"
	"github.com/veyra-ai/gateway/internal/registry"
	"github.com/veyra-ai/gateway/internal/router"
	"github.com/veyra-ai/gateway/internal/session"
	"github.com/veyra-ai/gateway/internal/stats"
)

const (
	readHeaderTimeout = 10 * time.Second

	// ShutdownTimeout is the recommended deadline for a caller's Shutdown
	// context (spec.md §5: in-flight requests get a grace period before
	// the process exits).
	ShutdownTimeout = 15 * time.Second
)

// App owns all subsystem lifetimes and orchestrates the gateway.
type App struct {
	cfg *config.Config

	registry   *registry.Registry
	prober     *registry.Prober
	sessions   session.Store
	sweeper    *session.Sweeper
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	stats      *stats.Collector
	metrics    *observe.Metrics
	httpServer *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a session store instead of creating one from
// cfg.SessionStoreURL.
func WithSessionStore(s session.Store) Option {
	return func(a *App) { a.sessions = s }
}

// WithRegistry injects a backend registry instead of building one from
// cfg.Backends.
func WithRegistry(r *registry.Registry) Option {
	return func(a *App) { a.registry = r }
}

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Backend registry ──────────────────────────────────────────────
	if a.registry == nil {
		backends := make([]*registry.Backend, 0, len(cfg.Backends))
		for _, bc := range cfg.Backends {
			backends = append(backends, &registry.Backend{
				Key:        bc.Key,
				BaseURL:    bc.BaseURL,
				ModelID:    bc.ModelID,
				UseCase:    bc.UseCase,
				IsFallback: bc.IsFallback,
				HealthPath: bc.HealthPath,
				TimeoutMS:  bc.TimeoutMS,
			})
		}
		a.registry = registry.New(backends)
	}

	// ── 2. Health prober ─────────────────────────────────────────────────
	a.prober = registry.NewProber(a.registry, cfg.ProbeInterval, probeTimeout(cfg.ProbeInterval))

	// ── 3. Session store ─────────────────────────────────────────────────
	if a.sessions == nil {
		if cfg.SessionStoreURL == "" {
			a.sessions = session.NewMemoryStore(cfg.SessionTTL)
		} else {
			store, err := session.NewRedisStore(cfg.SessionStoreURL, cfg.SessionTTL)
			if err != nil {
				return nil, fmt.Errorf("app: connect session store: %w", err)
			}
			a.sessions = store
		}
	}
	a.closers = append(a.closers, a.sessions.Close)

	// ── 4. Sweeper ────────────────────────────────────────────────────────
	a.sweeper = session.NewSweeper(a.sessions, session.SweepInterval, cfg.SessionTTL)

	// ── 5. Router + dispatcher + stats ───────────────────────────────────
	a.router = router.New(a.sessions, a.registry, newSessionID)
	a.dispatcher = dispatch.New(a.registry, &http.Client{}, dispatch.WithMaxRetries(cfg.MaxRetries), dispatch.WithPerBackendConcurrency(cfg.BackendConcurrencyCap))
	a.stats = stats.New()
	a.metrics = observe.DefaultMetrics()

	// ── 6. HTTP server ────────────────────────────────────────────────────
	srv := gateway.New(a.router, a.dispatcher, a.sessions, a.sweeper, a.registry, a.stats, a.metrics, cfg.RequestDeadline)
	a.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return a, nil
}

// newSessionID mints a fresh session id (spec.md §4.2: "if missing the
// server mints one").
func newSessionID() string {
	return uuid.NewString()
}

// probeTimeout derives a per-probe timeout no larger than a third of the
// probe interval, with a 2s floor matching spec.md §4.5's stated default.
func probeTimeout(interval time.Duration) time.Duration {
	t := interval / 3
	if t < 2*time.Second {
		t = 2 * time.Second
	}
	return t
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the prober and sweeper background loops and serves the HTTP
// API, blocking until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		a.prober.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.sweeper.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("gateway http server listening", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		wg.Wait()
		return err
	}

	wg.Wait()
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.httpServer.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ListenAddr returns the address the HTTP server is configured to bind.
func (a *App) ListenAddr() string {
	return a.httpServer.Addr
}
