package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/pkg/audio"
	audiomock "github.com/MrWong99/voxrelay/pkg/audio/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestManager(t *testing.T, p audio.Platform, maxAttempts int, delay time.Duration) *Manager {
	t.Helper()
	m := New(Config{
		Name:                 "target",
		Platform:             p,
		ChatID:               "chat-1",
		ReconnectDelay:       delay,
		MaxReconnectAttempts: maxAttempts,
		Metrics:              testMetrics(t),
	})
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

// runManager starts m.Run and returns a channel carrying its result.
func runManager(t *testing.T, m *Manager) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- m.Run(t.Context()) }()
	return errc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// failAfterFirst succeeds on the first join and fails every later one.
func failAfterFirst(calls *atomic.Int32) func(context.Context, string, int) (audio.Session, error) {
	return func(_ context.Context, chatID string, attempt int) (audio.Session, error) {
		calls.Add(1)
		if attempt == 1 {
			return audiomock.NewSession(chatID + "-first"), nil
		}
		return nil, errors.New("join refused")
	}
}

func TestManager_Connect(t *testing.T) {
	t.Parallel()

	platform := &audiomock.Platform{}
	m := newTestManager(t, platform, 3, time.Millisecond)

	if m.State() != StateDisconnected || m.IsLive() {
		t.Fatalf("new manager state = %v, live = %v", m.State(), m.IsLive())
	}
	if err := m.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.State() != StateConnected || !m.IsLive() {
		t.Errorf("state = %v, live = %v after connect", m.State(), m.IsLive())
	}
	if m.Session() != platform.Last() {
		t.Error("Session() is not the joined session")
	}
	calls := platform.JoinCalls()
	if len(calls) != 1 || calls[0].ChatID != "chat-1" {
		t.Errorf("join calls = %+v", calls)
	}
}

func TestManager_ConnectFailure(t *testing.T) {
	t.Parallel()

	joinErr := errors.New("auth failed")
	m := newTestManager(t, &audiomock.Platform{JoinError: joinErr}, 3, time.Millisecond)

	err := m.Connect(t.Context())
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("Connect error = %v, want *ConnectError", err)
	}
	if ce.Endpoint != "target" || ce.ChatID != "chat-1" || ce.Attempt != 1 {
		t.Errorf("ConnectError = %+v", ce)
	}
	if !errors.Is(err, joinErr) {
		t.Error("ConnectError does not unwrap to the join error")
	}
	if m.State() != StateDisconnected || m.Session() != nil {
		t.Errorf("state = %v, session = %v after failed connect", m.State(), m.Session())
	}
}

func TestManager_ReconnectOnRemoteDisconnect(t *testing.T) {
	t.Parallel()

	platform := &audiomock.Platform{}
	m := newTestManager(t, platform, 3, time.Millisecond)
	if err := m.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	runManager(t, m)

	first := platform.Last()
	first.Disconnect()

	waitFor(t, "new session", func() bool {
		return m.IsLive() && m.Session() != audio.Session(first)
	})
	if n := first.LeaveCalls(); n != 1 {
		t.Errorf("old session left %d times, want 1", n)
	}
	if n := len(platform.JoinCalls()); n != 2 {
		t.Errorf("join calls = %d, want 2", n)
	}
}

func TestManager_ReconnectExhausted(t *testing.T) {
	t.Parallel()

	const delay = 10 * time.Millisecond
	var calls atomic.Int32
	platform := &audiomock.Platform{JoinFunc: failAfterFirst(&calls)}
	m := newTestManager(t, platform, 3, delay)

	if err := m.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	errc := runManager(t, m)

	lostAt := time.Now()
	m.Session().(*audiomock.Session).Disconnect()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrReconnectExhausted) {
			t.Fatalf("Run error = %v, want ErrReconnectExhausted", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not give up")
	}

	if n := calls.Load(); n != 4 {
		t.Errorf("join calls = %d, want 1 initial + 3 retries", n)
	}
	if elapsed := time.Since(lostAt); elapsed < 3*delay {
		t.Errorf("gave up after %v, want at least 3 delays (%v)", elapsed, 3*delay)
	}
	if m.State() != StateFailed {
		t.Errorf("state = %v, want failed", m.State())
	}
}

func TestManager_UnlimitedAttempts(t *testing.T) {
	t.Parallel()

	const failures = 100
	var calls atomic.Int32
	platform := &audiomock.Platform{
		JoinFunc: func(_ context.Context, chatID string, attempt int) (audio.Session, error) {
			calls.Add(1)
			// First join succeeds, then 100 failures, then success again.
			if attempt == 1 || attempt > failures+1 {
				return audiomock.NewSession(chatID), nil
			}
			return nil, errors.New("temporarily unavailable")
		},
	}
	m := newTestManager(t, platform, 0, time.Microsecond)

	if err := m.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	errc := runManager(t, m)
	first := m.Session()
	first.(*audiomock.Session).Disconnect()

	waitFor(t, "reconnect after 100 failures", func() bool {
		return m.IsLive() && m.Session() != first
	})
	if n := calls.Load(); n != failures+2 {
		t.Errorf("join calls = %d, want %d", n, failures+2)
	}

	select {
	case err := <-errc:
		t.Fatalf("Run returned early: %v", err)
	default:
	}
}

func TestManager_StaleNotifyIgnored(t *testing.T) {
	t.Parallel()

	platform := &audiomock.Platform{}
	m := newTestManager(t, platform, 3, time.Millisecond)
	if err := m.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	runManager(t, m)

	first := m.Session()
	m.NotifyDisconnect(first)
	waitFor(t, "reconnect", func() bool { return m.IsLive() && m.Session() != first })
	second := m.Session()

	// Late reports about the replaced session, and a duplicate from the
	// watcher, must not disturb the new one.
	m.NotifyDisconnect(first)
	m.NotifyDisconnect(first)
	time.Sleep(20 * time.Millisecond)

	if m.Session() != second {
		t.Error("stale notification replaced the current session")
	}
	if n := len(platform.JoinCalls()); n != 2 {
		t.Errorf("join calls = %d, want 2", n)
	}
}

func TestManager_NotifyDisconnectNil(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, &audiomock.Platform{}, 3, time.Millisecond)
	m.NotifyDisconnect(nil)
	if m.State() != StateDisconnected {
		t.Errorf("state = %v", m.State())
	}
}

func TestManager_ForceReconnect(t *testing.T) {
	t.Parallel()

	platform := &audiomock.Platform{}
	m := newTestManager(t, platform, 3, time.Millisecond)

	if m.ForceReconnect("idle") {
		t.Error("ForceReconnect without a session reported true")
	}
	if err := m.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	runManager(t, m)

	first := platform.Last()
	if !m.ForceReconnect("idle") {
		t.Fatal("ForceReconnect on a live session reported false")
	}
	if !first.IsClosed() {
		t.Error("forced reconnect did not leave the old session")
	}
	waitFor(t, "reconnect", func() bool { return m.IsLive() && m.Session() != audio.Session(first) })
}

func TestManager_Stop(t *testing.T) {
	t.Parallel()

	platform := &audiomock.Platform{}
	m := newTestManager(t, platform, 3, time.Millisecond)
	if err := m.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	errc := runManager(t, m)
	sess := platform.Last()

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run after Stop = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if n := sess.LeaveCalls(); n != 1 {
		t.Errorf("session left %d times, want 1", n)
	}
	if m.State() != StateDisconnected || m.IsLive() {
		t.Errorf("state = %v after Stop", m.State())
	}
	if err := m.Connect(t.Context()); !errors.Is(err, ErrStopped) {
		t.Errorf("Connect after Stop = %v, want ErrStopped", err)
	}
}

func TestManager_StopDuringReconnectDelay(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	platform := &audiomock.Platform{JoinFunc: failAfterFirst(&calls)}
	m := newTestManager(t, platform, 0, time.Hour)
	if err := m.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	errc := runManager(t, m)

	m.Session().(*audiomock.Session).Disconnect()
	waitFor(t, "reconnecting", func() bool { return m.State() == StateReconnecting })

	_ = m.Stop()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run blocked in reconnect delay after Stop")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("join calls = %d, want 1", n)
	}
}

func TestManager_OpenRetriesThenFails(t *testing.T) {
	t.Parallel()

	platform := &audiomock.Platform{JoinError: errors.New("no such chat")}
	m := newTestManager(t, platform, 2, time.Millisecond)

	err := m.Open(t.Context())
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("Open error = %v, want ErrReconnectExhausted", err)
	}
	var ce *ConnectError
	if !errors.As(err, &ce) || ce.Attempt != 2 {
		t.Errorf("last ConnectError = %+v, want attempt 2", ce)
	}
	if n := len(platform.JoinCalls()); n != 3 {
		t.Errorf("join calls = %d, want 3", n)
	}
	if m.State() != StateFailed {
		t.Errorf("state = %v, want failed", m.State())
	}
}

func TestManager_OpenRecovers(t *testing.T) {
	t.Parallel()

	platform := &audiomock.Platform{
		JoinFunc: func(_ context.Context, chatID string, attempt int) (audio.Session, error) {
			if attempt < 3 {
				return nil, errors.New("flaky")
			}
			return audiomock.NewSession(chatID), nil
		},
	}
	m := newTestManager(t, platform, 5, time.Millisecond)
	if err := m.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !m.IsLive() {
		t.Error("not live after Open recovered")
	}
}

func TestManager_ReconnectDelayUsesClock(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	platform := &audiomock.Platform{
		JoinFunc: func(_ context.Context, chatID string, attempt int) (audio.Session, error) {
			if attempt == 1 {
				return nil, errors.New("flaky")
			}
			return audiomock.NewSession(chatID), nil
		},
	}
	m := New(Config{
		Name:           "source",
		Platform:       platform,
		ChatID:         "chat-1",
		ReconnectDelay: 5 * time.Second,
		Metrics:        testMetrics(t),
		Clock:          clk,
	})
	t.Cleanup(func() { _ = m.Stop() })

	errc := make(chan error, 1)
	go func() { errc <- m.Open(t.Context()) }()

	waitFor(t, "first join", func() bool { return len(platform.JoinCalls()) == 1 })
	clk.Add(4 * time.Second)
	time.Sleep(10 * time.Millisecond)
	if n := len(platform.JoinCalls()); n != 1 {
		t.Fatalf("join calls before the delay elapsed = %d, want 1", n)
	}

	waitFor(t, "retry after delay", func() bool {
		clk.Add(time.Second)
		return len(platform.JoinCalls()) == 2
	})
	if err := <-errc; err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !m.IsLive() {
		t.Error("not live after the delayed retry")
	}
}

func TestManager_OpenCancelled(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, &audiomock.Platform{JoinError: errors.New("down")}, 0, time.Hour)
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	if err := m.Open(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Open = %v, want DeadlineExceeded", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    State
		want string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateReconnecting, "reconnecting"},
		{StateFailed, "failed"},
		{State(42), "State(42)"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tc.s), got, tc.want)
		}
	}
}
