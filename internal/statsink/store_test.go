package statsink

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/MrWong99/voxrelay/internal/buffer"
	"github.com/MrWong99/voxrelay/internal/health"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		mock.Close()
	})
	return mock
}

func sample() health.Sample {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return health.Sample{
		RunID: "run-1",
		At:    at,
		Stats: buffer.Stats{
			Received:     5,
			Sent:         4,
			Dropped:      1,
			Size:         2,
			Capacity:     50,
			LastActivity: at.Add(-time.Second),
		},
		Idle:       time.Second,
		SourceLive: true,
		Forced:     []string{"target"},
	}
}

func TestMigrate(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS relay_samples")).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	if err := Migrate(context.Background(), mock); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
}

func TestMigrate_Error(t *testing.T) {
	mock := newMock(t)
	boom := errors.New("permission denied")
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE")).WillReturnError(boom)

	err := Migrate(context.Background(), mock)
	if !errors.Is(err, boom) {
		t.Fatalf("Migrate = %v, want wrapped %v", err, boom)
	}
}

func TestRecord(t *testing.T) {
	mock := newMock(t)
	s := sample()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO relay_samples")).
		WithArgs("run-1", s.At, int64(5), int64(4), int64(1), 2, 50,
			s.Stats.LastActivity, int64(time.Second), true, false, []string{"target"}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := New(mock).Record(context.Background(), s); err != nil {
		t.Fatalf("Record: %v", err)
	}
}

func TestRecord_NoForcedStoresEmptyArray(t *testing.T) {
	mock := newMock(t)
	s := sample()
	s.Forced = nil
	anyArg := pgxmock.AnyArg()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO relay_samples")).
		WithArgs(anyArg, anyArg, anyArg, anyArg, anyArg, anyArg, anyArg, anyArg, anyArg, anyArg, anyArg, []string{}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := New(mock).Record(context.Background(), s); err != nil {
		t.Fatalf("Record: %v", err)
	}
}

func TestRecord_Error(t *testing.T) {
	mock := newMock(t)
	boom := errors.New("connection reset")
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO relay_samples")).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(boom)

	err := New(mock).Record(context.Background(), sample())
	if !errors.Is(err, boom) {
		t.Fatalf("Record = %v, want wrapped %v", err, boom)
	}
}

func TestRecent(t *testing.T) {
	mock := newMock(t)
	want := sample()
	older := want.At.Add(-30 * time.Second)

	rows := pgxmock.NewRows([]string{
		"run_id", "sampled_at", "received", "sent", "dropped", "buffer_size", "buffer_cap",
		"last_activity", "idle_ns", "source_live", "target_live", "forced",
	}).
		AddRow("run-1", want.At, int64(5), int64(4), int64(1), 2, 50,
			want.Stats.LastActivity, int64(time.Second), true, false, []string{"target"}).
		AddRow("run-1", older, int64(3), int64(3), int64(0), 0, 50,
			older, int64(0), true, true, []string{})
	mock.ExpectQuery(regexp.QuoteMeta("FROM relay_samples")).
		WithArgs("run-1", 10).
		WillReturnRows(rows)

	got, err := New(mock).Recent(context.Background(), "run-1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d samples, want 2", len(got))
	}
	if got[0].Stats != want.Stats {
		t.Errorf("Stats = %+v, want %+v", got[0].Stats, want.Stats)
	}
	if got[0].Idle != time.Second || !got[0].SourceLive || got[0].TargetLive {
		t.Errorf("sample = %+v", got[0])
	}
	if len(got[0].Forced) != 1 || got[0].Forced[0] != "target" {
		t.Errorf("Forced = %v, want [target]", got[0].Forced)
	}
	if got[1].Forced != nil {
		t.Errorf("Forced = %v, want nil", got[1].Forced)
	}
	if !got[1].At.Equal(older) {
		t.Errorf("At = %v, want %v", got[1].At, older)
	}
}

func TestRecent_QueryError(t *testing.T) {
	mock := newMock(t)
	boom := errors.New("relation does not exist")
	mock.ExpectQuery(regexp.QuoteMeta("FROM relay_samples")).
		WithArgs("run-1", 5).
		WillReturnError(boom)

	if _, err := New(mock).Recent(context.Background(), "run-1", 5); !errors.Is(err, boom) {
		t.Fatalf("Recent = %v, want wrapped %v", err, boom)
	}
}

func TestClose_WithoutPool(t *testing.T) {
	mock := newMock(t)
	New(mock).Close()
}

func TestNewMigrating_MigratesOnFirstUseOnly(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS relay_samples")).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO relay_samples")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM relay_samples")).
		WithArgs("run-1", 1).
		WillReturnRows(pgxmock.NewRows([]string{"run_id"}))

	s := NewMigrating(mock)
	if err := s.Record(context.Background(), sample()); err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, err := s.Recent(context.Background(), "run-1", 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Recent = %d samples, want 0", len(got))
	}
}

func TestNewMigrating_RetriesFailedMigration(t *testing.T) {
	mock := newMock(t)
	down := errors.New("connection refused")
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE")).WillReturnError(down)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE")).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO relay_samples")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s := NewMigrating(mock)
	if err := s.Record(context.Background(), sample()); !errors.Is(err, down) {
		t.Fatalf("first Record = %v, want wrapped %v", err, down)
	}
	if err := s.Record(context.Background(), sample()); err != nil {
		t.Fatalf("Record after the database came back: %v", err)
	}
}

func TestOpen_UnreachableDatabase(t *testing.T) {
	s, err := Open(context.Background(), "postgres://voxrelay@127.0.0.1:1/stats?connect_timeout=1")
	if err != nil {
		t.Fatalf("Open = %v, want a lazily connecting store", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Record(ctx, sample()); err == nil {
		t.Fatal("Record against an unreachable database succeeded")
	}
}

func TestOpen_MalformedDSN(t *testing.T) {
	if _, err := Open(context.Background(), "postgres://%zz"); err == nil {
		t.Fatal("Open accepted a malformed dsn")
	}
}
