package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"conductor/internal/domain"
)

const (
	defaultSearchLimit = 100
	maxSearchLimit     = 10000
)

const taskColumns = `id,name,payload,group_key,group_max_concurrency,retry_key,retry_count,retry_max,owner_key,schedule_id,` +
	`starts_after,created_to_started_timeout_secs,started_to_completed_timeout_secs,heartbeat_timeout_secs,` +
	`created_at,last_state_transition_at,last_heartbeat_at,state,output`

type SearchParams struct {
	IDs        []string
	GroupKey   string
	States     []domain.TaskState
	ScheduleID string
	Limit      int
}

// TransitionProps moves a task to NewState. Output must be set exactly when
// NewState is terminal.
type TransitionProps struct {
	ID       string
	NewState domain.TaskState
	Output   json.RawMessage
}

func scanTask(s rowScanner) (domain.Task, error) {
	var (
		t                                   domain.Task
		payload                             string
		retryKey, ownerKey, scheduleID, out sql.NullString
		startsAfter, createdAt              int64
		lastTransition, lastHeartbeat       int64
	)
	err := s.Scan(&t.ID, &t.Name, &payload, &t.GroupKey, &t.GroupMaxConcurrency, &retryKey, &t.RetryCount, &t.RetryMax,
		&ownerKey, &scheduleID, &startsAfter, &t.CreatedToStartedTimeoutSecs, &t.StartedToCompletedTimeoutSecs,
		&t.HeartbeatTimeoutSecs, &createdAt, &lastTransition, &lastHeartbeat, &t.State, &out)
	if err != nil {
		return domain.Task{}, err
	}
	t.Payload = json.RawMessage(payload)
	t.RetryKey = stringPtr(retryKey)
	t.OwnerKey = stringPtr(ownerKey)
	t.ScheduleID = stringPtr(scheduleID)
	t.StartsAfter = fromMs(startsAfter)
	t.CreatedAt = fromMs(createdAt)
	t.LastStateTransitionAt = fromMs(lastTransition)
	t.LastHeartbeatAt = fromMs(lastHeartbeat)
	if out.Valid {
		t.Output = json.RawMessage(out.String)
	}
	t.Terminated = t.State.Terminal()
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func validateTaskProps(p domain.TaskProps) error {
	switch {
	case strings.TrimSpace(p.Name) == "":
		return invalidProps("name is required")
	case strings.TrimSpace(p.GroupKey) == "":
		return invalidProps("groupKey is required")
	case strings.Contains(p.GroupKey, "*"):
		return invalidProps("groupKey %q must not contain '*'", p.GroupKey)
	case p.GroupMaxConcurrency < 0:
		return invalidProps("groupMaxConcurrency must be >= 0")
	case p.RetryMax < 0:
		return invalidProps("retryMax must be >= 0")
	case p.RetryCount < 0:
		return invalidProps("retryCount must be >= 0")
	case p.CreatedToStartedTimeoutSecs <= 0:
		return invalidProps("createdToStartedTimeoutSecs must be positive")
	case p.StartedToCompletedTimeoutSecs <= 0:
		return invalidProps("startedToCompletedTimeoutSecs must be positive")
	case p.HeartbeatTimeoutSecs <= 0:
		return invalidProps("heartbeatTimeoutSecs must be positive")
	case len(p.Payload) > 0 && !json.Valid(p.Payload):
		return invalidProps("payload is not valid JSON")
	}
	return nil
}

func (r *sqlRepo) newTask(p domain.TaskProps) (domain.Task, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return domain.Task{}, fmt.Errorf("generate task id: %w", err)
	}
	now := fromMs(ms(r.now()))
	startsAfter := now
	if !p.StartsAfter.IsZero() {
		startsAfter = fromMs(ms(p.StartsAfter))
	}
	payload := p.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return domain.Task{
		ID:                            id.String(),
		Name:                          p.Name,
		Payload:                       payload,
		GroupKey:                      p.GroupKey,
		GroupMaxConcurrency:           p.GroupMaxConcurrency,
		RetryKey:                      p.RetryKey,
		RetryCount:                    p.RetryCount,
		RetryMax:                      p.RetryMax,
		OwnerKey:                      p.OwnerKey,
		ScheduleID:                    p.ScheduleID,
		StartsAfter:                   startsAfter,
		CreatedToStartedTimeoutSecs:   p.CreatedToStartedTimeoutSecs,
		StartedToCompletedTimeoutSecs: p.StartedToCompletedTimeoutSecs,
		HeartbeatTimeoutSecs:          p.HeartbeatTimeoutSecs,
		CreatedAt:                     now,
		LastStateTransitionAt:         now,
		LastHeartbeatAt:               now,
		State:                         domain.TaskStateCreated,
	}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *sqlRepo) insertTask(ctx context.Context, db execer, t domain.Task) error {
	_, err := db.ExecContext(ctx, r.q(`
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		t.ID, t.Name, string(t.Payload), t.GroupKey, t.GroupMaxConcurrency, nullString(t.RetryKey), t.RetryCount, t.RetryMax,
		nullString(t.OwnerKey), nullString(t.ScheduleID), ms(t.StartsAfter), t.CreatedToStartedTimeoutSecs,
		t.StartedToCompletedTimeoutSecs, t.HeartbeatTimeoutSecs, ms(t.CreatedAt), ms(t.LastStateTransitionAt),
		ms(t.LastHeartbeatAt), string(t.State), nullJSON(t.Output))
	return err
}

func (r *sqlRepo) Create(ctx context.Context, props domain.TaskProps) (domain.Task, error) {
	if err := validateTaskProps(props); err != nil {
		return domain.Task{}, err
	}
	t, err := r.newTask(props)
	if err != nil {
		return domain.Task{}, err
	}
	if err := r.insertTask(ctx, r.db, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *sqlRepo) getTask(ctx context.Context, db queryRower, id string) (domain.Task, error) {
	t, err := scanTask(db.QueryRowContext(ctx, r.q(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, notFound("task", id)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (r *sqlRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	return r.getTask(ctx, r.db, id)
}

// groupFilter matches either one group or, for keys ending in '*', every group
// sharing the prefix.
func groupFilter(column, groupKey string) (string, any) {
	if prefix, ok := strings.CutSuffix(groupKey, "*"); ok {
		return fmt.Sprintf("substr(%s, 1, %d) = ?", column, utf8.RuneCountInString(prefix)), prefix
	}
	return column + " = ?", groupKey
}

func (r *sqlRepo) Search(ctx context.Context, params SearchParams) ([]domain.Task, error) {
	var (
		where []string
		args  []any
	)
	if len(params.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(params.IDs))+")")
		for _, id := range params.IDs {
			args = append(args, id)
		}
	}
	if params.GroupKey != "" {
		clause, arg := groupFilter("group_key", params.GroupKey)
		where = append(where, clause)
		args = append(args, arg)
	}
	if len(params.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(params.States))+")")
		for _, s := range params.States {
			args = append(args, string(s))
		}
	}
	if params.ScheduleID != "" {
		where = append(where, "schedule_id = ?")
		args = append(args, params.ScheduleID)
	}

	limit := params.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("search tasks: %w", err)
	}
	return scanTasks(rows)
}

func (r *sqlRepo) Heartbeat(ctx context.Context, id string) (domain.Task, error) {
	var out domain.Task
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		t, err := r.getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Terminated {
			return terminated(id, t.State)
		}
		next := advance(ms(r.now()), ms(t.LastHeartbeatAt))
		res, err := tx.ExecContext(ctx, r.q(`
UPDATE tasks SET last_heartbeat_at = ?
WHERE id = ? AND state = ? AND last_heartbeat_at = ?`), next, id, string(t.State), ms(t.LastHeartbeatAt))
		if err != nil {
			return fmt.Errorf("heartbeat %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return conflict(id)
		}
		t.LastHeartbeatAt = fromMs(next)
		out = t
		return nil
	})
	if r.dialect.isContention(err) {
		return domain.Task{}, conflict(id)
	}
	return out, err
}

func validateTransition(p TransitionProps) error {
	if !p.NewState.Valid() {
		return invalidProps("unknown state %q", p.NewState)
	}
	if p.NewState.Terminal() {
		if p.Output == nil {
			return invalidProps("output is required when transitioning to %s", p.NewState)
		}
		if !json.Valid(p.Output) {
			return invalidProps("output is not valid JSON")
		}
	} else if p.Output != nil {
		return invalidProps("output is not allowed when transitioning to %s", p.NewState)
	}
	return nil
}

func (r *sqlRepo) TransitionState(ctx context.Context, props TransitionProps) (domain.Task, error) {
	if err := validateTransition(props); err != nil {
		return domain.Task{}, err
	}
	var out domain.Task
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		t, err := r.getTask(ctx, tx, props.ID)
		if err != nil {
			return err
		}
		if props.NewState == domain.TaskStateStarted && t.State == domain.TaskStateCreated && t.GroupMaxConcurrency > 0 {
			running, err := r.runningByGroup(ctx, tx, []domain.Task{t})
			if err != nil {
				return err
			}
			if running[t.GroupKey] >= t.GroupMaxConcurrency {
				return groupFull(t)
			}
		}
		t, err = r.transitionTx(ctx, tx, t, props.NewState, props.Output)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	if r.dialect.isContention(err) {
		return domain.Task{}, conflict(props.ID)
	}
	return out, err
}

// transitionTx applies a compare-and-swap on the state read in the same transaction.
func (r *sqlRepo) transitionTx(ctx context.Context, tx *sql.Tx, t domain.Task, to domain.TaskState, output json.RawMessage) (domain.Task, error) {
	if !domain.CanTransition(t.State, to) {
		return domain.Task{}, invalidTransition(t.ID, t.State, to)
	}
	now := ms(r.now())
	next := advance(now, ms(t.LastStateTransitionAt))
	query := `UPDATE tasks SET state = ?, output = ?, last_state_transition_at = ? WHERE id = ? AND state = ?`
	args := []any{string(to), nullJSON(output), next, t.ID, string(t.State)}
	hb := ms(t.LastHeartbeatAt)
	if to == domain.TaskStateStarted {
		// a freshly started task gets a full heartbeat window
		hb = advance(now, hb)
		query = `UPDATE tasks SET state = ?, output = ?, last_state_transition_at = ?, last_heartbeat_at = ? WHERE id = ? AND state = ?`
		args = []any{string(to), nullJSON(output), next, hb, t.ID, string(t.State)}
	}
	res, err := tx.ExecContext(ctx, r.q(query), args...)
	if err != nil {
		return domain.Task{}, fmt.Errorf("transition %s to %s: %w", t.ID, to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := r.getTask(ctx, tx, t.ID)
		if err != nil {
			return domain.Task{}, err
		}
		return domain.Task{}, invalidTransition(t.ID, current.State, to)
	}
	t.State = to
	t.Output = output
	t.LastStateTransitionAt = fromMs(next)
	t.LastHeartbeatAt = fromMs(hb)
	t.Terminated = to.Terminal()
	return t, nil
}

func groupFull(t domain.Task) error {
	return &Error{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("task %s cannot start: group %s already runs %d tasks", t.ID, t.GroupKey, t.GroupMaxConcurrency),
		Err:     ErrInvalidTransition,
	}
}

func conflict(id string) error {
	return &Error{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("task %s was modified concurrently", id),
		Err:     ErrInvalidTransition,
	}
}
