// Package app wires the voxrelay subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the relay, the sample
// store and the status server, Run executes the relay until it fails or the
// context ends, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithRecorder,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxrelay/internal/api"
	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/health"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/relay"
	"github.com/MrWong99/voxrelay/internal/resilience"
	"github.com/MrWong99/voxrelay/internal/statsink"
	"github.com/MrWong99/voxrelay/pkg/audio"
)

// serverShutdownTimeout bounds the graceful stop of the status server.
const serverShutdownTimeout = 5 * time.Second

// ErrRelayNotRunning is reported by the readiness check while the relay is
// not in [relay.StateRunning].
var ErrRelayNotRunning = errors.New("relay not running")

// Platforms holds the voice platform of each side. Both may be the same
// value when one account serves both chats. Populated by main.go via the
// config registry.
type Platforms struct {
	Source audio.Platform
	Target audio.Platform
}

// Recorder persists monitor samples and serves them back to /stats.
type Recorder interface {
	health.Recorder
	api.History
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	platforms Platforms

	recorder       Recorder
	metrics        *observe.Metrics
	metricsHandler http.Handler

	relay   *relay.Orchestrator
	handler http.Handler
	server  *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	mu   sync.Mutex
	addr net.Addr

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRecorder injects a sample store instead of opening one from
// stats.postgres_dsn.
func WithRecorder(r Recorder) Option {
	return func(a *App) { a.recorder = r }
}

// WithMetrics injects the metric instruments instead of using
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. No voice chat is
// joined and no port is bound until [App.Run].
func New(ctx context.Context, cfg *config.Config, platforms Platforms, opts ...Option) (*App, error) {
	if platforms.Source == nil || platforms.Target == nil {
		return nil, errors.New("app: source and target platforms are required")
	}
	a := &App{
		cfg:       cfg,
		platforms: platforms,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Sample store ──────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init stats store: %w", err)
	}
	if a.recorder != nil {
		a.recorder = resilience.GuardStore(a.recorder, resilience.NewBreaker(resilience.BreakerConfig{
			Name:        "stats-store",
			CallTimeout: a.cfg.Relay.HealthCheckInterval / 2,
		}))
	}

	// ── 2. Relay ─────────────────────────────────────────────────────────
	a.initRelay()

	// ── 3. Status server ─────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the PostgreSQL sample store unless one was injected or no
// DSN is configured. The store connects lazily, so an unreachable database
// only shows up as failed Record calls behind the breaker.
func (a *App) initStore(ctx context.Context) error {
	if a.recorder != nil {
		return nil
	}
	dsn := a.cfg.Stats.PostgresDSN
	if dsn == "" {
		slog.Info("stats store disabled")
		return nil
	}
	store, err := statsink.Open(ctx, dsn)
	if err != nil {
		return err
	}
	a.recorder = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("stats store configured")
	return nil
}

func (a *App) initRelay() {
	rc := a.cfg.Relay
	cfg := relay.Config{
		Source:               relay.Endpoint{Platform: a.platforms.Source, ChatID: rc.SourceChatID},
		Target:               relay.Endpoint{Platform: a.platforms.Target, ChatID: rc.TargetChatID},
		BufferCapacity:       rc.BufferCapacity,
		ReconnectDelay:       rc.ReconnectDelay,
		MaxReconnectAttempts: rc.Attempts(),
		ConnectTimeout:       rc.ConnectTimeout,
		HealthCheckInterval:  rc.HealthCheckInterval,
		StallTimeout:         rc.Stall(),
		FrameTimeout:         rc.FrameTimeout,
		IdleBackoff:          rc.IdleBackoff,
		ShutdownGrace:        rc.ShutdownGrace,
		Metrics:              a.metrics,
	}
	if a.recorder != nil {
		cfg.Recorder = a.recorder
	}
	a.relay = relay.New(cfg)
}

func (a *App) initServer() {
	checks := health.New(
		health.Checker{Name: "relay", Check: func(context.Context) (string, error) {
			s := a.relay.State()
			if s != relay.StateRunning {
				return s.String(), ErrRelayNotRunning
			}
			return s.String(), nil
		}},
		health.LiveChecker(a.relay.Source()),
		health.LiveChecker(a.relay.Target()),
		health.BufferChecker(a.relay, nil),
	)

	rcfg := api.Config{
		Relay:          a.relay,
		Health:         checks,
		Metrics:        a.metrics,
		MetricsHandler: a.metricsHandler,
	}
	if a.recorder != nil {
		rcfg.History = a.recorder
	}
	a.handler = api.NewRouter(rcfg)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Relay returns the relay orchestrator.
func (a *App) Relay() *relay.Orchestrator { return a.relay }

// Handler returns the status HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Addr returns the bound address of the status server, or nil before Run
// has bound it.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run binds the status server and runs the relay. It blocks until ctx is
// cancelled or the relay fails, stopping the server in either case. A clean
// shutdown returns nil.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()
	slog.Info("status server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: status server: %w", err)
	})
	g.Go(func() error {
		defer a.stopServer()
		return a.relay.Run(gctx)
	})
	return g.Wait()
}

func (a *App) stopServer() {
	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		slog.Warn("status server shutdown error", "err", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the relay and tears down all subsystems in order. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.relay.Stop(ctx); err != nil {
			slog.Warn("relay ended with error", "err", err)
		}
		a.stopServer()

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
