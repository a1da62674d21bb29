// Package relay forwards voice audio from a source chat to a target chat.
//
// An [Orchestrator] owns one session manager per endpoint, the frame buffer
// between them, and the health monitor. After [Orchestrator.Start] five
// goroutines run independently under one errgroup: the capture loop (source
// to buffer), the playback loop (buffer to target), the monitor, and the
// reconnect loop of each manager. Either endpoint exhausting its reconnect
// attempts ends the run with an error; everything else is recovered in place.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxrelay/internal/buffer"
	"github.com/MrWong99/voxrelay/internal/health"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/session"
	"github.com/MrWong99/voxrelay/pkg/audio"
)

// Defaults applied by [New] to zero-valued [Config] fields.
const (
	DefaultBufferCapacity = 50
	DefaultFrameTimeout   = 2 * time.Second
	DefaultIdleBackoff    = 100 * time.Millisecond
	DefaultShutdownGrace  = 5 * time.Second
)

var (
	// ErrAlreadyStarted is returned by [Orchestrator.Start] on any call but
	// the first.
	ErrAlreadyStarted = errors.New("relay: already started")

	// ErrStopped is returned by [Orchestrator.Start] when Stop was called
	// while the endpoints were still being opened.
	ErrStopped = errors.New("relay: stopped during start")
)

// State is the lifecycle state of an [Orchestrator].
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Endpoint selects the account and chat of one side of the relay.
type Endpoint struct {
	Platform audio.Platform
	ChatID   string
}

// Config configures an [Orchestrator].
type Config struct {
	Source Endpoint
	Target Endpoint

	// BufferCapacity is the number of frames held between capture and playback.
	BufferCapacity int

	// ReconnectDelay, MaxReconnectAttempts and ConnectTimeout are passed to
	// both session managers. See [session.Config].
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	ConnectTimeout       time.Duration

	// HealthCheckInterval and StallTimeout configure the monitor. See
	// [health.MonitorConfig].
	HealthCheckInterval time.Duration
	StallTimeout        time.Duration

	// FrameTimeout bounds a single read or write.
	FrameTimeout time.Duration

	// IdleBackoff is how long a loop sleeps while its endpoint has no session.
	IdleBackoff time.Duration

	// ShutdownGrace bounds how long Stop waits for the loops to exit.
	ShutdownGrace time.Duration

	// Recorder optionally persists monitor samples.
	Recorder health.Recorder

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Clock drives the buffer, the monitor and reconnect delays. Defaults to
	// the wall clock.
	Clock clock.Clock
}

// Orchestrator runs one relay. It is single use: once stopped it cannot be
// started again.
//
// All methods are safe for concurrent use.
type Orchestrator struct {
	cfg     Config
	buf     *buffer.Buffer
	source  *session.Manager
	target  *session.Manager
	metrics *observe.Metrics

	mu      sync.Mutex
	state   State
	runID   string
	cancel  context.CancelFunc
	monitor *health.Monitor
	running bool          // tasks were launched
	tasks   chan struct{} // closed when the task group has returned
	err     error

	stopOnce sync.Once
	done     chan struct{}
}

// New creates an idle Orchestrator. No connection is made until
// [Orchestrator.Start].
func New(cfg Config) *Orchestrator {
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = DefaultBufferCapacity
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = DefaultFrameTimeout
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = DefaultIdleBackoff
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	manager := func(name string, ep Endpoint) *session.Manager {
		return session.New(session.Config{
			Name:                 name,
			Platform:             ep.Platform,
			ChatID:               ep.ChatID,
			ReconnectDelay:       cfg.ReconnectDelay,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			ConnectTimeout:       cfg.ConnectTimeout,
			Metrics:              cfg.Metrics,
			Clock:                cfg.Clock,
		})
	}

	return &Orchestrator{
		cfg:     cfg,
		buf:     buffer.New(cfg.BufferCapacity, buffer.WithClock(cfg.Clock)),
		source:  manager("source", cfg.Source),
		target:  manager("target", cfg.Target),
		metrics: cfg.Metrics,
		tasks:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start joins both chats and launches the relay. Both endpoints are opened in
// parallel under the reconnect policy; if either cannot be joined the run
// fails and Start returns the error. Cancelling ctx later stops the relay.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.state = StateStarting
	o.runID = uuid.NewString()
	runCtx, cancel := context.WithCancel(observe.WithRunID(ctx, o.runID))
	o.cancel = cancel
	runID := o.runID
	o.mu.Unlock()

	slog.Info("relay starting",
		"run_id", runID,
		"source_chat_id", o.cfg.Source.ChatID,
		"target_chat_id", o.cfg.Target.ChatID,
		"buffer_capacity", o.cfg.BufferCapacity,
	)

	open, openCtx := errgroup.WithContext(runCtx)
	open.Go(func() error { return o.source.Open(openCtx) })
	open.Go(func() error { return o.target.Open(openCtx) })
	if err := open.Wait(); err != nil {
		if ctx.Err() != nil {
			o.shutdown(context.Background(), nil)
			return fmt.Errorf("relay: open endpoints: %w", ctx.Err())
		}
		err = fmt.Errorf("relay: open endpoints: %w", err)
		o.shutdown(context.Background(), err)
		if o.State() != StateFailed {
			return ErrStopped
		}
		return err
	}

	monitor := health.NewMonitor(health.MonitorConfig{
		Interval:     o.cfg.HealthCheckInterval,
		StallTimeout: o.cfg.StallTimeout,
		Buffer:       o.buf,
		Source:       o.source,
		Target:       o.target,
		Recorder:     o.cfg.Recorder,
		Metrics:      o.metrics,
		Clock:        o.cfg.Clock,
		RunID:        runID,
	})

	o.mu.Lock()
	if o.state != StateStarting {
		o.mu.Unlock()
		return ErrStopped
	}
	o.state = StateRunning
	o.monitor = monitor
	o.running = true
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return o.source.Run(gctx) })
	g.Go(func() error { return o.target.Run(gctx) })
	g.Go(func() error { return o.captureLoop(gctx) })
	g.Go(func() error { return o.playbackLoop(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })

	go func() {
		err := g.Wait()
		close(o.tasks)
		if err != nil {
			slog.Error("relay failed", "run_id", runID, "err", err)
			err = fmt.Errorf("relay: %w", err)
		}
		o.shutdown(context.Background(), err)
	}()

	slog.Info("relay running", "run_id", runID)
	return nil
}

// Stop ends the relay: the loops are cancelled, the buffer is closed and its
// contents discarded, and both sessions are left. It waits up to
// ShutdownGrace for the loops, or less if ctx ends first. Stop is idempotent
// and returns the run's terminal error, if any.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.shutdown(ctx, nil)
	select {
	case <-o.done:
		return o.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the relay, blocks until ctx is cancelled or the run fails, and
// then stops it. It returns nil after a clean shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-o.done:
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*o.cfg.ShutdownGrace)
	defer cancel()
	return o.Stop(stopCtx)
}

// Done is closed once the relay has fully stopped.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Wait blocks until the relay has stopped and returns its terminal error.
func (o *Orchestrator) Wait() error {
	<-o.done
	return o.Err()
}

// Err returns the error that ended the run, or nil.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// RunID returns the identifier assigned by Start, or "" before.
func (o *Orchestrator) RunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runID
}

// Stats returns a snapshot of the buffer counters.
func (o *Orchestrator) Stats() buffer.Stats { return o.buf.Stats() }

// LastSample returns the monitor's most recent sample. It is the zero Sample
// until the relay has run for one health interval.
func (o *Orchestrator) LastSample() health.Sample {
	o.mu.Lock()
	m := o.monitor
	o.mu.Unlock()
	if m == nil {
		return health.Sample{}
	}
	return m.Last()
}

// Source returns the source session manager.
func (o *Orchestrator) Source() *session.Manager { return o.source }

// Target returns the target session manager.
func (o *Orchestrator) Target() *session.Manager { return o.target }

// shutdown runs the stop sequence once. cause is the terminal error; nil
// means a requested stop.
func (o *Orchestrator) shutdown(ctx context.Context, cause error) {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		prev := o.state
		o.state = StateStopping
		cancel := o.cancel
		running := o.running
		runID := o.runID
		o.mu.Unlock()

		if prev != StateIdle {
			slog.Info("relay stopping", "run_id", runID, "state", prev.String())
		}
		if cancel != nil {
			cancel()
		}
		o.buf.Close()

		if running {
			grace := time.NewTimer(o.cfg.ShutdownGrace)
			select {
			case <-o.tasks:
			case <-grace.C:
				slog.Warn("relay tasks did not exit within shutdown grace", "run_id", runID, "grace", o.cfg.ShutdownGrace)
			case <-ctx.Done():
				slog.Warn("relay stop interrupted", "run_id", runID, "err", ctx.Err())
			}
			grace.Stop()
		}

		var errs []error
		if err := o.source.Stop(); err != nil {
			errs = append(errs, err)
		}
		if err := o.target.Stop(); err != nil {
			errs = append(errs, err)
		}
		if err := errors.Join(errs...); err != nil {
			slog.Warn("leaving sessions failed", "run_id", runID, "err", err)
		}

		st := o.buf.Stats()
		o.mu.Lock()
		o.err = cause
		if cause != nil {
			o.state = StateFailed
		} else {
			o.state = StateStopped
		}
		final := o.state
		o.mu.Unlock()

		if prev != StateIdle {
			slog.Info("relay stopped",
				"run_id", runID,
				"state", final.String(),
				"received", st.Received,
				"sent", st.Sent,
				"dropped", st.Dropped,
			)
		}
		close(o.done)
	})
}
