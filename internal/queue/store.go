package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"

	"conductor/internal/domain"
)

var sqliteSchema = []string{
	`PRAGMA journal_mode=WAL`,
	`PRAGMA busy_timeout=5000`,
}

// Timeout columns are BIGINT so that "seconds * 1000" never overflows on postgres.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  payload TEXT NOT NULL,
  group_key TEXT NOT NULL,
  group_max_concurrency INTEGER NOT NULL DEFAULT 0,
  retry_key TEXT,
  retry_count INTEGER NOT NULL DEFAULT 0,
  retry_max INTEGER NOT NULL DEFAULT 0,
  owner_key TEXT,
  schedule_id TEXT,
  starts_after BIGINT NOT NULL,
  created_to_started_timeout_secs BIGINT NOT NULL,
  started_to_completed_timeout_secs BIGINT NOT NULL,
  heartbeat_timeout_secs BIGINT NOT NULL,
  created_at BIGINT NOT NULL,
  last_state_transition_at BIGINT NOT NULL,
  last_heartbeat_at BIGINT NOT NULL,
  state TEXT NOT NULL CHECK(state IN ('CREATED','STARTED','SUCCEEDED','FAILED','EXPIRED','CANCELLED')),
  output TEXT
)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_dequeue ON tasks(group_key, state, starts_after)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_transition ON tasks(state, last_state_transition_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_heartbeat ON tasks(state, last_heartbeat_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_schedule_occurrence ON tasks(schedule_id, starts_after) WHERE schedule_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  state TEXT NOT NULL CHECK(state IN ('STARTED','PAUSED','DELETED')),
  starts_at BIGINT NOT NULL,
  frequency_ms BIGINT NOT NULL,
  payload TEXT NOT NULL,
  group_key TEXT NOT NULL,
  group_max_concurrency INTEGER NOT NULL DEFAULT 0,
  retry_max INTEGER NOT NULL DEFAULT 0,
  created_to_started_timeout_secs BIGINT NOT NULL,
  started_to_completed_timeout_secs BIGINT NOT NULL,
  heartbeat_timeout_secs BIGINT NOT NULL,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL,
  deleted_at BIGINT,
  last_scheduled_task_id TEXT
)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_state ON schedules(state)`,
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(ctx context.Context, db *sql.DB, dialect Dialect) error {
	stmts := schema
	if dialect == SQLite {
		stmts = append(append([]string{}, sqliteSchema...), schema...)
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Open connects to the configured database. SQLite is opened with a single
// connection since it only supports one writer.
func Open(dialect Dialect, dsn string) (*sql.DB, error) {
	if dialect == SQLite && !strings.HasPrefix(dsn, "file:") {
		dsn = fmt.Sprintf("file:%s?mode=rwc&_pragma=busy_timeout(5000)", dsn)
	}
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == SQLite {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

type Repository interface {
	Create(ctx context.Context, props domain.TaskProps) (domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	Search(ctx context.Context, params SearchParams) ([]domain.Task, error)
	Heartbeat(ctx context.Context, id string) (domain.Task, error)
	TransitionState(ctx context.Context, props TransitionProps) (domain.Task, error)
	Dequeue(ctx context.Context, groupKey string, limit int) ([]domain.Task, error)
	ExpiresIfTimeout(ctx context.Context) ([]domain.Task, error)
	HardDeleteOlderThan(ctx context.Context, days int) (int, error)

	// Schedule operations
	CreateSchedule(ctx context.Context, props domain.ScheduleProps) (domain.Schedule, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	SearchSchedules(ctx context.Context, params ScheduleSearchParams) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, id string, props domain.ScheduleProps) (domain.Schedule, error)
	TransitionScheduleState(ctx context.Context, id string, to domain.ScheduleState) (domain.Schedule, error)
	CreateScheduledTask(ctx context.Context, scheduleID string, occurrence time.Time) (domain.Task, bool, error)
}

type sqlRepo struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

type Option func(*sqlRepo)

// WithClock overrides the wall clock used for every timestamp the store writes.
func WithClock(now func() time.Time) Option {
	return func(r *sqlRepo) {
		r.now = now
	}
}

func NewRepository(db *sql.DB, dialect Dialect, opts ...Option) Repository {
	r := &sqlRepo{db: db, dialect: dialect, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func NewSQLiteRepo(db *sql.DB, opts ...Option) Repository {
	return NewRepository(db, SQLite, opts...)
}

func (r *sqlRepo) q(query string) string {
	return r.dialect.rebind(query)
}

// inTx runs fn in one serializable transaction.
func (r *sqlRepo) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				log.Warn().Err(rbErr).Msg("rollback failed")
			}
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMs(v int64) time.Time { return time.UnixMilli(v).UTC() }

// advance returns now unless it would not move past prev.
func advance(now, prev int64) int64 {
	if now > prev {
		return now
	}
	return prev + 1
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if raw == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
