// Package api serves the relay's status endpoints: liveness and readiness
// checks, a JSON statistics snapshot, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/voxrelay/internal/buffer"
	"github.com/MrWong99/voxrelay/internal/health"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/relay"
)

// maxHistory caps the ?history= parameter of /stats.
const maxHistory = 500

// Relay is the view of the running relay served by /stats.
// *relay.Orchestrator satisfies it.
type Relay interface {
	State() relay.State
	RunID() string
	Stats() buffer.Stats
	LastSample() health.Sample
}

// History serves persisted samples. *statsink.Store satisfies it.
type History interface {
	Recent(ctx context.Context, runID string, limit int) ([]health.Sample, error)
}

// Config holds the dependencies of the router.
type Config struct {
	Relay  Relay
	Health *health.Handler

	// History is optional; without it /stats?history= answers 404.
	History History

	// Metrics instruments every request. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics. Optional.
	MetricsHandler http.Handler
}

type server struct {
	relay   Relay
	history History
}

// NewRouter builds the status HTTP handler.
func NewRouter(cfg Config) http.Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	s := &server{relay: cfg.Relay, history: cfg.History}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(cfg.Metrics))

	cfg.Health.Register(r)
	r.Get("/stats", s.handleStats)
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}
	return r
}

type statsResponse struct {
	RunID       string          `json:"run_id"`
	State       string          `json:"state"`
	Stats       buffer.Stats    `json:"stats"`
	IdleSeconds float64         `json:"idle_seconds"`
	DropRate    float64         `json:"drop_rate"`
	LastSample  *health.Sample  `json:"last_sample,omitempty"`
	History     []health.Sample `json:"history,omitempty"`
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.relay.Stats()
	resp := statsResponse{
		RunID:       s.relay.RunID(),
		State:       s.relay.State().String(),
		Stats:       st,
		IdleSeconds: st.Idle(time.Now()).Seconds(),
		DropRate:    st.DropRate(),
	}
	if last := s.relay.LastSample(); !last.At.IsZero() {
		resp.LastSample = &last
	}

	if raw := r.URL.Query().Get("history"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistory {
			writeAPIError(w, http.StatusBadRequest, "invalid_request", "history must be between 1 and "+strconv.Itoa(maxHistory))
			return
		}
		if s.history == nil {
			writeAPIError(w, http.StatusNotFound, "not_found", "stats history is not configured")
			return
		}
		samples, err := s.history.Recent(r.Context(), resp.RunID, n)
		if err != nil {
			observe.Logger(r.Context()).Warn("stats history query failed", "err", err)
			writeAPIError(w, http.StatusServiceUnavailable, "unavailable", "stats history unavailable")
			return
		}
		resp.History = samples
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
