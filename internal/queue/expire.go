package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"conductor/internal/domain"
)

const (
	ReasonCreatedToStarted   = "createdToStartedTimeoutSecs_exceeded"
	ReasonHeartbeat          = "heartbeatTimeoutSecs_exceeded"
	ReasonStartedToCompleted = "startedToCompletedTimeoutSecs_exceeded"
)

const sweepBatch = 1000

// ExpiryOutput is the output written on a task the sweeper expires.
type ExpiryOutput struct {
	Reason string `json:"reason"`
}

// expiryReason checks the deadlines in a fixed order: created phase, then
// heartbeat, then started phase. The created phase is measured from the later
// of createdAt and startsAfter so delayed tasks are not expired before they
// become visible.
func expiryReason(t domain.Task, now int64) string {
	switch t.State {
	case domain.TaskStateCreated:
		base := ms(t.CreatedAt)
		if sa := ms(t.StartsAfter); sa > base {
			base = sa
		}
		if base+int64(t.CreatedToStartedTimeoutSecs)*1000 < now {
			return ReasonCreatedToStarted
		}
	case domain.TaskStateStarted:
		if ms(t.LastHeartbeatAt)+int64(t.HeartbeatTimeoutSecs)*1000 < now {
			return ReasonHeartbeat
		}
		if ms(t.LastStateTransitionAt)+int64(t.StartedToCompletedTimeoutSecs)*1000 < now {
			return ReasonStartedToCompleted
		}
	}
	return ""
}

// ExpiresIfTimeout expires every task whose current phase overstayed its
// deadline. Each task is expired at most once.
func (r *sqlRepo) ExpiresIfTimeout(ctx context.Context) ([]domain.Task, error) {
	expired := []domain.Task{}
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		expired = expired[:0]
		now := ms(r.now())
		rows, err := tx.QueryContext(ctx, r.q(`
SELECT `+taskColumns+` FROM tasks
WHERE (state = ? AND (CASE WHEN starts_after > created_at THEN starts_after ELSE created_at END) + created_to_started_timeout_secs * 1000 < ?)
   OR (state = ? AND last_heartbeat_at + heartbeat_timeout_secs * 1000 < ?)
   OR (state = ? AND last_state_transition_at + started_to_completed_timeout_secs * 1000 < ?)
ORDER BY id
LIMIT ?`),
			string(domain.TaskStateCreated), now,
			string(domain.TaskStateStarted), now,
			string(domain.TaskStateStarted), now,
			sweepBatch)
		if err != nil {
			return fmt.Errorf("select timed out tasks: %w", err)
		}
		candidates, err := scanTasks(rows)
		if err != nil {
			return err
		}

		for _, c := range candidates {
			reason := expiryReason(c, now)
			if reason == "" {
				continue
			}
			output, err := json.Marshal(ExpiryOutput{Reason: reason})
			if err != nil {
				return err
			}
			t, err := r.transitionTx(ctx, tx, c, domain.TaskStateExpired, output)
			if err != nil {
				if Code(err) == CodeInvalidTransition {
					continue
				}
				return err
			}
			expired = append(expired, t)
		}
		return nil
	})
	if r.dialect.isContention(err) {
		return []domain.Task{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("expire tasks: %w", err)
	}
	return expired, nil
}

// HardDeleteOlderThan purges terminated tasks whose last transition is older
// than days, keeping the latest task of every schedule.
func (r *sqlRepo) HardDeleteOlderThan(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		return 0, invalidProps("days must be positive")
	}
	cutoff := ms(r.now()) - int64(days)*24*60*60*1000
	res, err := r.db.ExecContext(ctx, r.q(`
DELETE FROM tasks WHERE id IN (
  SELECT t.id FROM tasks t
  LEFT JOIN schedules s ON s.last_scheduled_task_id = t.id
  WHERE t.state IN (?,?,?,?) AND t.last_state_transition_at < ? AND s.id IS NULL
  ORDER BY t.id
  LIMIT ?
)`),
		string(domain.TaskStateSucceeded), string(domain.TaskStateFailed),
		string(domain.TaskStateExpired), string(domain.TaskStateCancelled),
		cutoff, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("hard delete: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
