package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/voxrelay/internal/buffer"
	"github.com/MrWong99/voxrelay/internal/session"
)

// stateEndpoint is an EndpointState whose connection state tests can flip.
type stateEndpoint struct {
	name, chat string

	mu    sync.Mutex
	state session.State
}

func (e *stateEndpoint) Name() string   { return e.name }
func (e *stateEndpoint) ChatID() string { return e.chat }

func (e *stateEndpoint) State() session.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *stateEndpoint) IsLive() bool { return e.State() == session.StateConnected }

func (e *stateEndpoint) set(s session.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

func pass(state string) Checker {
	return Checker{Name: state, Check: func(context.Context) (string, error) { return state, nil }}
}

func readyz(t *testing.T, h *Handler) (int, Readiness) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body Readiness
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode /readyz: %v", err)
	}
	return rec.Code, body
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "relay", Check: func(context.Context) (string, error) {
		return "failed", errors.New("down")
	}})
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 even with a failing checker", rec.Code)
	}
	var body Liveness
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "alive" || body.Uptime < 0 {
		t.Errorf("body = %+v", body)
	}
}

func TestReadyz_ReportsEndpointState(t *testing.T) {
	t.Parallel()

	source := &stateEndpoint{name: "source", chat: "chat-a", state: session.StateConnected}
	target := &stateEndpoint{name: "target", chat: "chat-b", state: session.StateReconnecting}
	h := New(pass("running"), LiveChecker(source), LiveChecker(target))

	code, body := readyz(t, h)
	if code != http.StatusServiceUnavailable || body.Status != "not_ready" {
		t.Fatalf("readyz = %d %q, want 503 not_ready", code, body.Status)
	}
	want := map[string]CheckReport{
		"running": {Ready: true, State: "running"},
		"source":  {Ready: true, State: "connected", ChatID: "chat-a"},
		"target":  {Ready: false, State: "reconnecting", ChatID: "chat-b", Error: ErrNotLive.Error()},
	}
	for name, w := range want {
		if got := body.Checks[name]; got != w {
			t.Errorf("check %s = %+v, want %+v", name, got, w)
		}
	}

	target.set(session.StateConnected)
	if code, body := readyz(t, h); code != http.StatusOK || body.Status != "ready" {
		t.Errorf("after rejoin readyz = %d %q, want 200 ready", code, body.Status)
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	t.Parallel()

	code, body := readyz(t, New())
	if code != http.StatusOK || body.Status != "ready" {
		t.Errorf("readyz = %d %q, want 200 ready", code, body.Status)
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()

	// Each checker waits for the other; run sequentially they would hit the
	// check timeout instead.
	a, b := make(chan struct{}), make(chan struct{})
	meet := func(mine, theirs chan struct{}) func(context.Context) (string, error) {
		return func(ctx context.Context) (string, error) {
			close(mine)
			select {
			case <-theirs:
				return "met", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	h := New(Checker{Name: "a", Check: meet(a, b)}, Checker{Name: "b", Check: meet(b, a)})

	start := time.Now()
	code, _ := readyz(t, h)
	if code != http.StatusOK {
		t.Errorf("readyz = %d, want 200", code)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("readyz took %s", elapsed)
	}
}

func TestReadyz_CancelledRequest(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "slow", Check: func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), context.Canceled.Error()) {
		t.Errorf("body %s does not name the cancellation", rec.Body.String())
	}
}

func TestBufferChecker(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	now := clk.Now()
	tests := []struct {
		name    string
		st      buffer.Stats
		wantErr error
		state   string
	}{
		{"fresh buffer", buffer.Stats{Capacity: 50}, nil, "0/50 queued, 0.0% dropped"},
		{"active", buffer.Stats{Received: 100, Dropped: 20, Size: 3, Capacity: 50, LastActivity: now.Add(-MaxReadyIdle)}, nil, "3/50 queued, 20.0% dropped"},
		{"idle too long", buffer.Stats{Received: 10, Capacity: 50, LastActivity: now.Add(-MaxReadyIdle - time.Second)}, ErrBufferIdle, "0/50 queued, 0.0% dropped"},
		{"dropping too much", buffer.Stats{Received: 100, Dropped: 21, Size: 50, Capacity: 50, LastActivity: now}, ErrDropRate, "50/50 queued, 21.0% dropped"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := BufferChecker(&fakeStats{st: tc.st}, clk)
			state, err := c.Check(context.Background())
			if !errors.Is(err, tc.wantErr) || (tc.wantErr == nil && err != nil) {
				t.Errorf("Check err = %v, want %v", err, tc.wantErr)
			}
			if state != tc.state {
				t.Errorf("state = %q, want %q", state, tc.state)
			}
		})
	}
}

func TestBufferChecker_RecoversWhenFramesFlow(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	src := &fakeStats{st: buffer.Stats{Received: 5, Capacity: 10, LastActivity: clk.Now()}}
	h := New(BufferChecker(src, clk))

	clk.Add(MaxReadyIdle + time.Second)
	if code, body := readyz(t, h); code != http.StatusServiceUnavailable || body.Checks["buffer"].Ready {
		t.Fatalf("idle buffer readyz = %d %+v", code, body.Checks["buffer"])
	}

	src.update(func(st *buffer.Stats) {
		st.Received++
		st.LastActivity = clk.Now()
	})
	if code, _ := readyz(t, h); code != http.StatusOK {
		t.Errorf("readyz after a frame = %d, want 200", code)
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	New(pass("ok")).Register(r)

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/readyz", http.StatusOK},
		{http.MethodPost, "/healthz", http.StatusMethodNotAllowed},
	}
	for _, tc := range tests {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != tc.want {
			t.Errorf("%s %s = %d, want %d", tc.method, tc.path, rec.Code, tc.want)
		}
	}
}
