// Package statsink persists health monitor samples to PostgreSQL so that a
// relay's throughput and drop history outlives the process.
package statsink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxrelay/internal/buffer"
	"github.com/MrWong99/voxrelay/internal/health"
)

var _ health.Recorder = (*Store)(nil)

// DB is the subset of [pgxpool.Pool] used by [Store].
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store writes and reads [health.Sample] rows.
//
// All methods are safe for concurrent use.
type Store struct {
	db   DB
	pool *pgxpool.Pool

	// ready is set once the schema is known to exist. Until then every
	// Record and Recent call tries [Migrate] first.
	ready     atomic.Bool
	migrateMu sync.Mutex
}

// New wraps db whose schema is already in place; see [Migrate].
func New(db DB) *Store {
	s := &Store{db: db}
	s.ready.Store(true)
	return s
}

// NewMigrating wraps db and creates the schema on first use. A failed
// migration is retried by the next call.
func NewMigrating(db DB) *Store {
	return &Store{db: db}
}

// Open creates a connection pool for dsn without connecting. The database
// is first contacted by Record or Recent, which also migrate the schema, so
// an unreachable stats database never blocks the relay from starting. Only
// a malformed dsn fails here.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("statsink: create pool: %w", err)
	}
	s := NewMigrating(pool)
	s.pool = pool
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if s.ready.Load() {
		return nil
	}
	s.migrateMu.Lock()
	defer s.migrateMu.Unlock()
	if s.ready.Load() {
		return nil
	}
	if err := Migrate(ctx, s.db); err != nil {
		return err
	}
	s.ready.Store(true)
	return nil
}

// Close releases the connection pool if the Store owns one.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const insertSample = `
INSERT INTO relay_samples
    (run_id, sampled_at, received, sent, dropped, buffer_size, buffer_cap,
     last_activity, idle_ns, source_live, target_live, forced)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

// Record implements [health.Recorder].
func (s *Store) Record(ctx context.Context, sample health.Sample) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	forced := sample.Forced
	if forced == nil {
		forced = []string{}
	}
	_, err := s.db.Exec(ctx, insertSample,
		sample.RunID,
		sample.At,
		int64(sample.Stats.Received),
		int64(sample.Stats.Sent),
		int64(sample.Stats.Dropped),
		sample.Stats.Size,
		sample.Stats.Capacity,
		sample.Stats.LastActivity,
		int64(sample.Idle),
		sample.SourceLive,
		sample.TargetLive,
		forced,
	)
	if err != nil {
		return fmt.Errorf("statsink: record sample: %w", err)
	}
	return nil
}

const selectRecent = `
SELECT run_id, sampled_at, received, sent, dropped, buffer_size, buffer_cap,
       last_activity, idle_ns, source_live, target_live, forced
FROM relay_samples
WHERE run_id = $1
ORDER BY sampled_at DESC
LIMIT $2`

// Recent returns up to limit samples of runID, newest first.
func (s *Store) Recent(ctx context.Context, runID string, limit int) ([]health.Sample, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, selectRecent, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("statsink: query samples: %w", err)
	}
	defer rows.Close()

	var out []health.Sample
	for rows.Next() {
		var (
			smp                     health.Sample
			received, sent, dropped int64
			idle                    int64
			last                    time.Time
		)
		if err := rows.Scan(
			&smp.RunID, &smp.At, &received, &sent, &dropped,
			&smp.Stats.Size, &smp.Stats.Capacity, &last, &idle,
			&smp.SourceLive, &smp.TargetLive, &smp.Forced,
		); err != nil {
			return nil, fmt.Errorf("statsink: scan sample: %w", err)
		}
		smp.Stats = buffer.Stats{
			Received:     uint64(received),
			Sent:         uint64(sent),
			Dropped:      uint64(dropped),
			Size:         smp.Stats.Size,
			Capacity:     smp.Stats.Capacity,
			LastActivity: last,
		}
		smp.Idle = time.Duration(idle)
		if len(smp.Forced) == 0 {
			smp.Forced = nil
		}
		out = append(out, smp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statsink: iterate samples: %w", err)
	}
	return out, nil
}
