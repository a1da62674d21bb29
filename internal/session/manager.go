// Package session manages the lifecycle of one voice endpoint: joining the
// chat, noticing when the session is lost, and rejoining with a fixed delay
// until an attempt limit is reached.
//
// A [Manager] owns at most one live [audio.Session] at a time. Loss is learned
// from the session's Disconnected channel, from [Manager.NotifyDisconnect]
// when a relay loop hits an I/O error, or from [Manager.ForceReconnect] when
// the health monitor suspects a stall. Every loss leaves the old session and
// wakes [Manager.Run], which rejoins.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/pkg/audio"
)

// Default connection parameters.
const (
	DefaultReconnectDelay = 5 * time.Second
	defaultConnectTimeout = 30 * time.Second
)

var (
	// ErrReconnectExhausted is returned once the configured number of
	// attempts failed in a row. The manager is then in [StateFailed].
	ErrReconnectExhausted = errors.New("session: reconnect attempts exhausted")

	// ErrStopped is returned by connect operations after [Manager.Stop].
	ErrStopped = errors.New("session: manager stopped")
)

// State is the connection state of a [Manager].
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ConnectError describes a failed join attempt.
type ConnectError struct {
	Endpoint string
	ChatID   string
	Attempt  int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("session: %s join %s (attempt %d): %v", e.Endpoint, e.ChatID, e.Attempt, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Config configures a [Manager].
type Config struct {
	// Name identifies the endpoint in logs and metrics ("source", "target").
	Name string

	// Platform is the voice client of the endpoint's account.
	Platform audio.Platform

	// ChatID is the voice chat to join.
	ChatID string

	// ReconnectDelay is the fixed wait before every retry. Defaults to 5s if zero.
	ReconnectDelay time.Duration

	// MaxReconnectAttempts bounds consecutive failed retries. 0 means retry forever.
	MaxReconnectAttempts int

	// ConnectTimeout bounds a single join attempt. Defaults to 30s if zero.
	ConnectTimeout time.Duration

	// Metrics receives connection metrics. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Clock drives the reconnect delay and connect timings. Defaults to the
	// wall clock.
	Clock clock.Clock
}

// Manager maintains the session of one endpoint.
//
// All methods are safe for concurrent use.
type Manager struct {
	name           string
	platform       audio.Platform
	chatID         string
	delay          time.Duration
	maxAttempts    int
	connectTimeout time.Duration
	metrics        *observe.Metrics
	clock          clock.Clock

	// connectMu serializes join attempts so at most one is in flight.
	connectMu sync.Mutex

	mu    sync.Mutex
	state State
	sess  audio.Session

	lost     chan struct{} // signalled once per lost session
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Manager in [StateDisconnected]. No connection is made until
// [Manager.Connect] or [Manager.Open].
func New(cfg Config) *Manager {
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		name:           cfg.Name,
		platform:       cfg.Platform,
		chatID:         cfg.ChatID,
		delay:          delay,
		maxAttempts:    max(cfg.MaxReconnectAttempts, 0),
		connectTimeout: timeout,
		metrics:        metrics,
		clock:          clk,
		lost:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
}

// Name returns the endpoint name.
func (m *Manager) Name() string { return m.name }

// ChatID returns the chat this manager joins.
func (m *Manager) ChatID() string { return m.chatID }

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the live session, or nil while none is established.
func (m *Manager) Session() audio.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// IsLive reports whether a session is currently established.
func (m *Manager) IsLive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected && m.sess != nil
}

// Connect makes a single join attempt. Failures are returned as
// *[ConnectError].
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.state = StateConnecting
	}
	m.mu.Unlock()

	err := m.connect(ctx, 1)
	if err != nil {
		m.mu.Lock()
		if m.state == StateConnecting {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
	}
	return err
}

// Open establishes the initial session. A failed first attempt is retried
// under the reconnect policy; when that is exhausted the manager enters
// [StateFailed] and the error wraps [ErrReconnectExhausted].
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.state = StateConnecting
	}
	m.mu.Unlock()

	err := m.connect(ctx, 1)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStopped) || ctx.Err() != nil {
		return err
	}
	slog.Warn("initial connection failed",
		"endpoint", m.name,
		"chat_id", m.chatID,
		"err", err,
	)
	return m.retry(ctx, "initial connect")
}

// Run waits for session loss and reconnects until ctx is done or
// [Manager.Stop] is called, returning nil in both cases. It returns an error
// wrapping [ErrReconnectExhausted] when a reconnect cycle gives up.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case <-m.lost:
		}

		if err := m.retry(ctx, "reconnect"); err != nil {
			if errors.Is(err, ErrStopped) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// NotifyDisconnect reports that sess failed an I/O operation. It is ignored
// unless sess is the current session, so late reports about a replaced
// session have no effect.
func (m *Manager) NotifyDisconnect(sess audio.Session) {
	m.drop(sess, "io failure")
}

// ForceReconnect drops the current session so that [Manager.Run] rejoins.
// It reports whether a live session was dropped.
func (m *Manager) ForceReconnect(reason string) bool {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return false
	}
	if !m.drop(sess, reason) {
		return false
	}
	m.metrics.RecordForcedReconnect(context.Background(), m.name)
	return true
}

// Stop leaves the current session and stops all reconnect activity. A
// manager in [StateFailed] stays failed. Stop is idempotent.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	sess := m.sess
	m.sess = nil
	if m.state != StateFailed {
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	if sess == nil {
		return nil
	}
	m.metrics.SetEndpointLive(context.Background(), m.name, false)
	slog.Info("leaving session", "endpoint", m.name, "chat_id", m.chatID, "session_id", sess.ID())
	if err := sess.Leave(); err != nil {
		return fmt.Errorf("session: %s leave: %w", m.name, err)
	}
	return nil
}

func (m *Manager) stopped() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// retry waits the fixed delay before each attempt until one succeeds or the
// attempt limit is reached.
func (m *Manager) retry(ctx context.Context, phase string) error {
	log := observe.Logger(ctx)
	start := m.clock.Now()
	var lastErr error

	for attempt := 1; m.maxAttempts == 0 || attempt <= m.maxAttempts; attempt++ {
		timer := m.clock.Timer(m.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.done:
			timer.Stop()
			return ErrStopped
		case <-timer.C:
		}

		log.Info("attempting reconnection",
			"endpoint", m.name,
			"chat_id", m.chatID,
			"phase", phase,
			"attempt", attempt,
			"max_attempts", m.maxAttempts,
			"elapsed", m.clock.Since(start).Round(time.Millisecond),
		)

		err := m.connect(ctx, attempt)
		if err == nil {
			m.metrics.RecordReconnectAttempt(ctx, m.name, "ok")
			log.Info("reconnection successful",
				"endpoint", m.name,
				"chat_id", m.chatID,
				"attempt", attempt,
				"elapsed", m.clock.Since(start).Round(time.Millisecond),
			)
			return nil
		}
		if errors.Is(err, ErrStopped) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.metrics.RecordReconnectAttempt(ctx, m.name, "error")
		log.Warn("reconnection attempt failed",
			"endpoint", m.name,
			"chat_id", m.chatID,
			"attempt", attempt,
			"max_attempts", m.maxAttempts,
			"err", err,
		)
		lastErr = err
	}

	m.mu.Lock()
	m.state = StateFailed
	m.mu.Unlock()
	m.metrics.SetEndpointLive(context.Background(), m.name, false)

	log.Error("reconnection failed after max attempts",
		"endpoint", m.name,
		"chat_id", m.chatID,
		"phase", phase,
		"max_attempts", m.maxAttempts,
		"elapsed", m.clock.Since(start).Round(time.Millisecond),
	)
	return fmt.Errorf("session: %s %s: %w after %d attempts: %w", m.name, phase, ErrReconnectExhausted, m.maxAttempts, lastErr)
}

// connect performs one join attempt and installs the resulting session.
func (m *Manager) connect(ctx context.Context, attempt int) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if m.stopped() {
		return ErrStopped
	}

	ctx, span := observe.StartConnect(ctx, m.name, m.chatID, attempt)

	joinCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	start := m.clock.Now()
	sess, err := m.platform.Join(joinCtx, m.chatID)
	m.metrics.RecordConnectDuration(ctx, m.name, m.clock.Since(start))
	if err != nil {
		observe.EndSpan(span, err)
		return &ConnectError{Endpoint: m.name, ChatID: m.chatID, Attempt: attempt, Err: err}
	}
	defer observe.EndSpan(span, nil)

	m.mu.Lock()
	if m.stopped() {
		m.mu.Unlock()
		_ = sess.Leave()
		return ErrStopped
	}
	m.sess = sess
	m.state = StateConnected
	m.mu.Unlock()

	m.metrics.SetEndpointLive(ctx, m.name, true)
	go m.watch(sess)

	observe.Logger(ctx).Info("session connected",
		"endpoint", m.name,
		"chat_id", m.chatID,
		"session_id", sess.ID(),
		"attempt", attempt,
	)
	return nil
}

// watch turns the session's asynchronous loss notification into a drop.
func (m *Manager) watch(sess audio.Session) {
	select {
	case <-sess.Disconnected():
		m.drop(sess, "remote disconnect")
	case <-m.done:
	}
}

// drop retires sess if it is still the current session: the manager moves to
// [StateReconnecting], the session is left, and Run is woken. It reports
// whether sess was current.
func (m *Manager) drop(sess audio.Session, reason string) bool {
	if sess == nil {
		return false
	}

	m.mu.Lock()
	if m.sess == nil || m.sess != sess || m.state != StateConnected {
		m.mu.Unlock()
		return false
	}
	m.sess = nil
	m.state = StateReconnecting
	m.mu.Unlock()

	m.metrics.SetEndpointLive(context.Background(), m.name, false)
	slog.Warn("session lost",
		"endpoint", m.name,
		"chat_id", m.chatID,
		"session_id", sess.ID(),
		"reason", reason,
	)
	if err := sess.Leave(); err != nil {
		slog.Debug("leave after loss failed", "endpoint", m.name, "err", err)
	}

	select {
	case m.lost <- struct{}{}:
	default:
	}
	return true
}
