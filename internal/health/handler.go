// Package health watches the relay while it runs and reports on it.
//
// [Monitor] samples buffer statistics on a fixed interval, logs them, and asks
// an endpoint to reconnect when its side of the stream has stalled.
//
// [Handler] serves /healthz, which answers 200 while the process can serve
// HTTP, and /readyz, which answers 200 only while every [Checker] passes.
// Readiness reports the state of each part of the relay, for example:
//
//	{"status":"not_ready","checks":{
//	  "relay":{"ready":true,"state":"running"},
//	  "source":{"ready":true,"state":"connected","chat_id":"123"},
//	  "target":{"ready":false,"state":"reconnecting","chat_id":"456","error":"no live session"},
//	  "buffer":{"ready":true,"state":"3/50 queued, 0.0% dropped"}}}
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxrelay/internal/session"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Buffer readiness thresholds.
const (
	MaxReadyIdle     = 60 * time.Second
	MaxReadyDropRate = 0.20
)

var (
	// ErrNotLive is reported by [LiveChecker] while its endpoint has no session.
	ErrNotLive = errors.New("no live session")

	// ErrBufferIdle is reported by [BufferChecker] once no frame moved for
	// longer than [MaxReadyIdle].
	ErrBufferIdle = errors.New("buffer idle")

	// ErrDropRate is reported by [BufferChecker] once more than
	// [MaxReadyDropRate] of received frames were dropped.
	ErrDropRate = errors.New("frame drop rate too high")
)

// Checker reports on one part of the relay. Check returns a short state
// description and a non-nil error while that part is not ready. It must
// respect ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) (state string, err error)

	// ChatID is echoed in the report when set.
	ChatID string
}

// CheckReport is the /readyz entry of one [Checker].
type CheckReport struct {
	Ready  bool   `json:"ready"`
	State  string `json:"state,omitempty"`
	ChatID string `json:"chat_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Readiness is the /readyz body.
type Readiness struct {
	Status string                 `json:"status"`
	Checks map[string]CheckReport `json:"checks,omitempty"`
}

// Liveness is the /healthz body.
type Liveness struct {
	Status string  `json:"status"`
	Uptime float64 `json:"uptime_seconds"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	started  time.Time
}

// New creates a Handler evaluating checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...), started: time.Now()}
}

// Healthz always answers 200 with the process uptime.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Liveness{Status: "alive", Uptime: time.Since(h.started).Seconds()})
}

// Readyz runs all checkers concurrently, each under [checkTimeout], and
// answers 503 if any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := h.Check(r.Context())
	status := http.StatusOK
	if res.Status != "ready" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Check evaluates every checker and returns the combined report.
func (h *Handler) Check(ctx context.Context) Readiness {
	reports := make([]CheckReport, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			state, err := c.Check(cctx)
			rep := CheckReport{Ready: err == nil, State: state, ChatID: c.ChatID}
			if err != nil {
				rep.Error = err.Error()
			}
			reports[i] = rep
			return nil
		})
	}
	_ = g.Wait()

	res := Readiness{Status: "ready", Checks: make(map[string]CheckReport, len(reports))}
	for i, rep := range reports {
		res.Checks[h.checkers[i].Name] = rep
		if !rep.Ready {
			res.Status = "not_ready"
		}
	}
	return res
}

// Register adds the /healthz and /readyz routes to r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
}

// EndpointState is the readiness view of one endpoint.
// *session.Manager satisfies it.
type EndpointState interface {
	Name() string
	ChatID() string
	IsLive() bool
	State() session.State
}

// LiveChecker passes while ep holds a live session and reports its
// connection state.
func LiveChecker(ep EndpointState) Checker {
	return Checker{
		Name:   ep.Name(),
		ChatID: ep.ChatID(),
		Check: func(context.Context) (string, error) {
			state := ep.State().String()
			if !ep.IsLive() {
				return state, ErrNotLive
			}
			return state, nil
		},
	}
}

// BufferChecker fails while the buffer has been idle for more than
// [MaxReadyIdle] or has dropped more than [MaxReadyDropRate] of the frames it
// received. clk defaults to the wall clock.
func BufferChecker(src StatsSource, clk clock.Clock) Checker {
	if clk == nil {
		clk = clock.New()
	}
	return Checker{
		Name: "buffer",
		Check: func(context.Context) (string, error) {
			st := src.Stats()
			rate := st.DropRate()
			state := fmt.Sprintf("%d/%d queued, %.1f%% dropped", st.Size, st.Capacity, rate*100)
			if idle := st.Idle(clk.Now()); idle > MaxReadyIdle {
				return state, fmt.Errorf("%w for %s", ErrBufferIdle, idle.Round(time.Second))
			}
			if st.Received > 0 && rate > MaxReadyDropRate {
				return state, fmt.Errorf("%w: %.1f%%", ErrDropRate, rate*100)
			}
			return state, nil
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
