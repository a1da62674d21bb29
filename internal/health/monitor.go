package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/voxrelay/internal/buffer"
	"github.com/MrWong99/voxrelay/internal/observe"
)

// Monitor defaults.
const (
	DefaultInterval = 30 * time.Second

	// dropRateWarn is the drop ratio above which each sample logs a warning.
	dropRateWarn = 0.10
)

// Endpoint is the view the monitor needs of one side of the relay.
// *session.Manager satisfies it.
type Endpoint interface {
	Name() string
	IsLive() bool
	ForceReconnect(reason string) bool
}

// StatsSource supplies buffer snapshots. *buffer.Buffer satisfies it.
type StatsSource interface {
	Stats() buffer.Stats
}

// Sample is one monitor observation.
type Sample struct {
	RunID      string        `json:"run_id"`
	At         time.Time     `json:"at"`
	Stats      buffer.Stats  `json:"stats"`
	Idle       time.Duration `json:"idle_ns"`
	SourceLive bool          `json:"source_live"`
	TargetLive bool          `json:"target_live"`

	// Forced lists the endpoints asked to reconnect during this check.
	Forced []string `json:"forced,omitempty"`
}

// Recorder persists samples. A failing Recorder is logged and otherwise
// ignored.
type Recorder interface {
	Record(ctx context.Context, s Sample) error
}

// MonitorConfig configures a [Monitor].
type MonitorConfig struct {
	// Interval between checks. Defaults to [DefaultInterval].
	Interval time.Duration

	// StallTimeout is how long an endpoint may make no progress before it is
	// asked to reconnect. Defaults to twice Interval.
	StallTimeout time.Duration

	Buffer StatsSource
	Source Endpoint
	Target Endpoint

	// Recorder is optional.
	Recorder Recorder

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Clock defaults to the wall clock.
	Clock clock.Clock

	RunID string
}

// progress tracks when a counter last moved.
type progress struct {
	value uint64
	since time.Time
}

// reset restarts the stall window at now with value v.
func (p *progress) reset(v uint64, now time.Time) {
	p.value = v
	p.since = now
}

// stalled reports whether the counter sat at v for at least d.
func (p *progress) stalled(v uint64, now time.Time, d time.Duration) bool {
	return !p.since.IsZero() && p.value == v && now.Sub(p.since) >= d
}

// Monitor periodically samples the relay and escalates stalls.
type Monitor struct {
	cfg MonitorConfig

	// mu guards the baselines and last sample. Check is normally called
	// from Run only, but the HTTP status handler reads Last concurrently.
	mu     sync.Mutex
	source progress
	target progress
	last   Sample
}

// NewMonitor creates a Monitor. Buffer, Source and Target are required.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 2 * cfg.Interval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Monitor{cfg: cfg}
}

// Run checks once per interval until ctx is cancelled. It always returns nil.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.cfg.Clock.Ticker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check takes one sample: it logs the buffer statistics, updates gauges,
// hands the sample to the recorder, and asks stalled endpoints to reconnect.
func (m *Monitor) Check(ctx context.Context) Sample {
	now := m.cfg.Clock.Now()
	st := m.cfg.Buffer.Stats()
	s := Sample{
		RunID:      m.cfg.RunID,
		At:         now,
		Stats:      st,
		Idle:       st.Idle(now),
		SourceLive: m.cfg.Source.IsLive(),
		TargetLive: m.cfg.Target.IsLive(),
	}

	slog.Info("relay stats",
		"run_id", s.RunID,
		"size", fmt.Sprintf("%d/%d", st.Size, st.Capacity),
		"received", st.Received,
		"sent", st.Sent,
		"dropped", st.Dropped,
		"idle", s.Idle.Round(time.Millisecond),
		"source_live", s.SourceLive,
		"target_live", s.TargetLive,
	)
	if s.Idle > m.cfg.StallTimeout/2 {
		slog.Warn("relay idle", "run_id", s.RunID, "idle", s.Idle.Round(time.Millisecond))
	}
	if rate := st.DropRate(); rate > dropRateWarn {
		slog.Warn("high frame drop rate", "run_id", s.RunID, "drop_rate", fmt.Sprintf("%.1f%%", rate*100))
	}

	m.cfg.Metrics.RecordBuffer(ctx, st.Size, s.Idle)
	m.cfg.Metrics.SetEndpointLive(ctx, m.cfg.Source.Name(), s.SourceLive)
	m.cfg.Metrics.SetEndpointLive(ctx, m.cfg.Target.Name(), s.TargetLive)

	var forceSource, forceTarget string
	m.mu.Lock()
	if !s.SourceLive || m.source.since.IsZero() || m.source.value != st.Received {
		m.source.reset(st.Received, now)
	} else if m.source.stalled(st.Received, now, m.cfg.StallTimeout) {
		forceSource = fmt.Sprintf("no frames received for %s", now.Sub(m.source.since))
		m.source.reset(st.Received, now)
	}
	if !s.TargetLive || st.Size == 0 || m.target.since.IsZero() || m.target.value != st.Sent {
		m.target.reset(st.Sent, now)
	} else if m.target.stalled(st.Sent, now, m.cfg.StallTimeout) {
		forceTarget = fmt.Sprintf("%d frames queued, none sent for %s", st.Size, now.Sub(m.target.since))
		m.target.reset(st.Sent, now)
	}
	m.mu.Unlock()

	// ForceReconnect leaves the old session, so it runs outside mu.
	if forceSource != "" && m.escalate(m.cfg.Source, forceSource) {
		s.Forced = append(s.Forced, m.cfg.Source.Name())
	}
	if forceTarget != "" && m.escalate(m.cfg.Target, forceTarget) {
		s.Forced = append(s.Forced, m.cfg.Target.Name())
	}

	m.mu.Lock()
	m.last = s
	m.mu.Unlock()

	if m.cfg.Recorder != nil {
		if err := m.cfg.Recorder.Record(ctx, s); err != nil {
			slog.Warn("failed to record stats sample", "run_id", s.RunID, "err", err)
		}
	}
	return s
}

// Last returns the most recent sample, or the zero Sample before the first
// check.
func (m *Monitor) Last() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Monitor) escalate(ep Endpoint, reason string) bool {
	slog.Warn("endpoint stalled, forcing reconnect", "run_id", m.cfg.RunID, "endpoint", ep.Name(), "reason", reason)
	if !ep.ForceReconnect(reason) {
		slog.Debug("forced reconnect not applied", "endpoint", ep.Name())
		return false
	}
	return true
}
