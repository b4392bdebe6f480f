package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"conductor/internal/domain"
)

const scheduleColumns = `id,name,state,starts_at,frequency_ms,payload,group_key,group_max_concurrency,retry_max,` +
	`created_to_started_timeout_secs,started_to_completed_timeout_secs,heartbeat_timeout_secs,` +
	`created_at,updated_at,deleted_at,last_scheduled_task_id`

type ScheduleSearchParams struct {
	Names  []string
	States []domain.ScheduleState
	Limit  int
}

func scanSchedule(s rowScanner) (domain.Schedule, error) {
	var (
		sc                   domain.Schedule
		payload              string
		startsAt             int64
		createdAt, updatedAt int64
		deletedAt            sql.NullInt64
		lastTask             sql.NullString
	)
	err := s.Scan(&sc.ID, &sc.Name, &sc.State, &startsAt, &sc.FrequencyMs, &payload, &sc.GroupKey,
		&sc.GroupMaxConcurrency, &sc.RetryMax, &sc.CreatedToStartedTimeoutSecs, &sc.StartedToCompletedTimeoutSecs,
		&sc.HeartbeatTimeoutSecs, &createdAt, &updatedAt, &deletedAt, &lastTask)
	if err != nil {
		return domain.Schedule{}, err
	}
	sc.Payload = json.RawMessage(payload)
	sc.StartsAt = fromMs(startsAt)
	sc.CreatedAt = fromMs(createdAt)
	sc.UpdatedAt = fromMs(updatedAt)
	if deletedAt.Valid {
		d := fromMs(deletedAt.Int64)
		sc.DeletedAt = &d
	}
	sc.LastScheduledTaskID = stringPtr(lastTask)
	return sc, nil
}

func validateScheduleProps(p domain.ScheduleProps) error {
	if strings.TrimSpace(p.Name) == "" {
		return invalidProps("name is required")
	}
	return validateScheduleTemplate(p)
}

func validateScheduleTemplate(p domain.ScheduleProps) error {
	switch {
	case strings.TrimSpace(p.GroupKey) == "" || strings.Contains(p.GroupKey, "*"):
		return invalidProps("groupKey %q is invalid", p.GroupKey)
	case p.FrequencyMs <= 0:
		return invalidProps("frequencyMs must be positive")
	case p.StartsAt.IsZero():
		return invalidProps("startsAt is required")
	case p.State != "" && p.State != domain.ScheduleStateStarted && p.State != domain.ScheduleStatePaused:
		return invalidProps("schedule cannot be created in state %s", p.State)
	case p.GroupMaxConcurrency < 0:
		return invalidProps("groupMaxConcurrency must be >= 0")
	case p.RetryMax < 0:
		return invalidProps("retryMax must be >= 0")
	case p.CreatedToStartedTimeoutSecs <= 0 || p.StartedToCompletedTimeoutSecs <= 0 || p.HeartbeatTimeoutSecs <= 0:
		return invalidProps("timeouts must be positive")
	case len(p.Payload) > 0 && !json.Valid(p.Payload):
		return invalidProps("payload is not valid JSON")
	}
	return nil
}

func (r *sqlRepo) CreateSchedule(ctx context.Context, props domain.ScheduleProps) (domain.Schedule, error) {
	if err := validateScheduleProps(props); err != nil {
		return domain.Schedule{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("generate schedule id: %w", err)
	}
	now := fromMs(ms(r.now()))
	state := props.State
	if state == "" {
		state = domain.ScheduleStateStarted
	}
	payload := props.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	s := domain.Schedule{
		ID:                            id.String(),
		Name:                          props.Name,
		State:                         state,
		StartsAt:                      fromMs(ms(props.StartsAt)),
		FrequencyMs:                   props.FrequencyMs,
		Payload:                       payload,
		GroupKey:                      props.GroupKey,
		GroupMaxConcurrency:           props.GroupMaxConcurrency,
		RetryMax:                      props.RetryMax,
		CreatedToStartedTimeoutSecs:   props.CreatedToStartedTimeoutSecs,
		StartedToCompletedTimeoutSecs: props.StartedToCompletedTimeoutSecs,
		HeartbeatTimeoutSecs:          props.HeartbeatTimeoutSecs,
		CreatedAt:                     now,
		UpdatedAt:                     now,
	}
	_, err = r.db.ExecContext(ctx, r.q(`
INSERT INTO schedules (`+scheduleColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,NULL,NULL)`),
		s.ID, s.Name, string(s.State), ms(s.StartsAt), s.FrequencyMs, string(s.Payload), s.GroupKey,
		s.GroupMaxConcurrency, s.RetryMax, s.CreatedToStartedTimeoutSecs, s.StartedToCompletedTimeoutSecs,
		s.HeartbeatTimeoutSecs, ms(s.CreatedAt), ms(s.UpdatedAt))
	if r.dialect.isUniqueViolation(err) {
		return domain.Schedule{}, invalidProps("schedule %q already exists", props.Name)
	}
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("insert schedule: %w", err)
	}
	return s, nil
}

func (r *sqlRepo) getSchedule(ctx context.Context, db queryRower, id string) (domain.Schedule, error) {
	s, err := scanSchedule(db.QueryRowContext(ctx, r.q(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, notFound("schedule", id)
	}
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("get schedule %s: %w", id, err)
	}
	return s, nil
}

func (r *sqlRepo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	return r.getSchedule(ctx, r.db, id)
}

func (r *sqlRepo) SearchSchedules(ctx context.Context, params ScheduleSearchParams) ([]domain.Schedule, error) {
	var (
		where []string
		args  []any
	)
	if len(params.Names) > 0 {
		where = append(where, "name IN ("+placeholders(len(params.Names))+")")
		for _, n := range params.Names {
			args = append(args, n)
		}
	}
	if len(params.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(params.States))+")")
		for _, s := range params.States {
			args = append(args, string(s))
		}
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("search schedules: %w", err)
	}
	defer rows.Close()

	schedules := []domain.Schedule{}
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// UpdateSchedule replaces the template fields of a schedule. Name and state are
// left untouched.
func (r *sqlRepo) UpdateSchedule(ctx context.Context, id string, props domain.ScheduleProps) (domain.Schedule, error) {
	if err := validateScheduleTemplate(props); err != nil {
		return domain.Schedule{}, err
	}
	payload := props.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var out domain.Schedule
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		s, err := r.getSchedule(ctx, tx, id)
		if err != nil {
			return err
		}
		if s.State == domain.ScheduleStateDeleted {
			return invalidProps("schedule %s is deleted", id)
		}
		now := fromMs(ms(r.now()))
		_, err = tx.ExecContext(ctx, r.q(`
UPDATE schedules
SET starts_at = ?, frequency_ms = ?, payload = ?, group_key = ?, group_max_concurrency = ?, retry_max = ?,
    created_to_started_timeout_secs = ?, started_to_completed_timeout_secs = ?, heartbeat_timeout_secs = ?, updated_at = ?
WHERE id = ?`),
			ms(props.StartsAt), props.FrequencyMs, string(payload), props.GroupKey, props.GroupMaxConcurrency,
			props.RetryMax, props.CreatedToStartedTimeoutSecs, props.StartedToCompletedTimeoutSecs,
			props.HeartbeatTimeoutSecs, ms(now), id)
		if err != nil {
			return fmt.Errorf("update schedule %s: %w", id, err)
		}
		s.StartsAt = fromMs(ms(props.StartsAt))
		s.FrequencyMs = props.FrequencyMs
		s.Payload = payload
		s.GroupKey = props.GroupKey
		s.GroupMaxConcurrency = props.GroupMaxConcurrency
		s.RetryMax = props.RetryMax
		s.CreatedToStartedTimeoutSecs = props.CreatedToStartedTimeoutSecs
		s.StartedToCompletedTimeoutSecs = props.StartedToCompletedTimeoutSecs
		s.HeartbeatTimeoutSecs = props.HeartbeatTimeoutSecs
		s.UpdatedAt = now
		out = s
		return nil
	})
	return out, err
}

func (r *sqlRepo) TransitionScheduleState(ctx context.Context, id string, to domain.ScheduleState) (domain.Schedule, error) {
	var out domain.Schedule
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		s, err := r.getSchedule(ctx, tx, id)
		if err != nil {
			return err
		}
		if !domain.CanTransitionSchedule(s.State, to) {
			return invalidScheduleTransition(id, s.State, to)
		}
		now := fromMs(ms(r.now()))
		var deletedAt sql.NullInt64
		if to == domain.ScheduleStateDeleted {
			deletedAt = sql.NullInt64{Int64: ms(now), Valid: true}
			s.DeletedAt = &now
		}
		res, err := tx.ExecContext(ctx, r.q(`
UPDATE schedules SET state = ?, updated_at = ?, deleted_at = ? WHERE id = ? AND state = ?`),
			string(to), ms(now), deletedAt, id, string(s.State))
		if err != nil {
			return fmt.Errorf("transition schedule %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return invalidScheduleTransition(id, s.State, to)
		}
		s.State = to
		s.UpdatedAt = now
		out = s
		return nil
	})
	return out, err
}

// CreateScheduledTask materializes one occurrence of a schedule. It is a no-op
// (created=false) when the schedule is not STARTED, when its previous task is
// still running, or when the occurrence already has a task.
func (r *sqlRepo) CreateScheduledTask(ctx context.Context, scheduleID string, occurrence time.Time) (domain.Task, bool, error) {
	var (
		out     domain.Task
		created bool
	)
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		created = false
		s, err := r.getSchedule(ctx, tx, scheduleID)
		if err != nil {
			return err
		}
		if s.State != domain.ScheduleStateStarted {
			return nil
		}
		if s.LastScheduledTaskID != nil {
			last, err := r.getTask(ctx, tx, *s.LastScheduledTaskID)
			switch {
			case err == nil && !last.Terminated:
				return nil
			case err == nil && !fromMs(ms(occurrence)).After(last.StartsAfter):
				return nil
			case err != nil && Code(err) != CodeNotFound:
				return err
			}
		}

		existing, err := scanTask(tx.QueryRowContext(ctx, r.q(`
SELECT `+taskColumns+` FROM tasks WHERE schedule_id = ? AND starts_after = ?`), s.ID, ms(occurrence)))
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup occurrence: %w", err)
		}

		t, err := r.newTask(domain.TaskProps{
			Name:                          s.Name,
			Payload:                       s.Payload,
			GroupKey:                      s.GroupKey,
			GroupMaxConcurrency:           s.GroupMaxConcurrency,
			RetryMax:                      s.RetryMax,
			ScheduleID:                    &s.ID,
			StartsAfter:                   occurrence,
			CreatedToStartedTimeoutSecs:   s.CreatedToStartedTimeoutSecs,
			StartedToCompletedTimeoutSecs: s.StartedToCompletedTimeoutSecs,
			HeartbeatTimeoutSecs:          s.HeartbeatTimeoutSecs,
		})
		if err != nil {
			return err
		}
		if err := r.insertTask(ctx, tx, t); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, r.q(`
UPDATE schedules SET last_scheduled_task_id = ?, updated_at = ? WHERE id = ?`), t.ID, ms(t.CreatedAt), s.ID); err != nil {
			return fmt.Errorf("update last scheduled task: %w", err)
		}
		out = t
		created = true
		return nil
	})
	if r.dialect.isUniqueViolation(err) || r.dialect.isContention(err) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("materialize schedule %s: %w", scheduleID, err)
	}
	return out, created, nil
}
