package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"conductor/internal/domain"
)

// patternWindow widens the candidate scan for prefix dequeues so that capped
// groups do not starve their siblings.
const patternWindow = 4

// Dequeue selects up to limit visible CREATED tasks of groupKey, oldest first,
// honours every group's running cap and flips the admitted tasks to STARTED,
// all inside one serializable transaction. Losing a race yields no tasks.
func (r *sqlRepo) Dequeue(ctx context.Context, groupKey string, limit int) ([]domain.Task, error) {
	if strings.TrimSpace(groupKey) == "" {
		return nil, invalidProps("groupKey is required")
	}
	if limit <= 0 {
		return nil, invalidProps("limit must be positive")
	}

	started := []domain.Task{}
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		started = started[:0]
		now := ms(r.now())

		window := limit
		if strings.HasSuffix(groupKey, "*") {
			window = limit * patternWindow
		}
		clause, arg := groupFilter("group_key", groupKey)
		rows, err := tx.QueryContext(ctx, r.q(`
SELECT `+taskColumns+` FROM tasks
WHERE state = ? AND starts_after <= ? AND `+clause+`
ORDER BY starts_after, created_at, id
LIMIT ?`), string(domain.TaskStateCreated), now, arg, window)
		if err != nil {
			return fmt.Errorf("select candidates: %w", err)
		}
		candidates, err := scanTasks(rows)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		running, err := r.runningByGroup(ctx, tx, candidates)
		if err != nil {
			return err
		}

		for _, c := range candidates {
			if len(started) == limit {
				break
			}
			if c.GroupMaxConcurrency > 0 && running[c.GroupKey] >= c.GroupMaxConcurrency {
				continue
			}
			t, err := r.transitionTx(ctx, tx, c, domain.TaskStateStarted, nil)
			if err != nil {
				if Code(err) == CodeInvalidTransition {
					continue
				}
				return err
			}
			running[c.GroupKey]++
			started = append(started, t)
		}
		return nil
	})
	if r.dialect.isContention(err) {
		return []domain.Task{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", groupKey, err)
	}
	return started, nil
}

// runningByGroup counts STARTED tasks per group by live query.
func (r *sqlRepo) runningByGroup(ctx context.Context, tx *sql.Tx, candidates []domain.Task) (map[string]int, error) {
	seen := map[string]bool{}
	var groups []any
	for _, c := range candidates {
		if !seen[c.GroupKey] {
			seen[c.GroupKey] = true
			groups = append(groups, c.GroupKey)
		}
	}
	args := append([]any{string(domain.TaskStateStarted)}, groups...)
	rows, err := tx.QueryContext(ctx, r.q(`
SELECT group_key, COUNT(*) FROM tasks
WHERE state = ? AND group_key IN (`+placeholders(len(groups))+`)
GROUP BY group_key`), args...)
	if err != nil {
		return nil, fmt.Errorf("count running: %w", err)
	}
	defer rows.Close()

	running := make(map[string]int, len(groups))
	for rows.Next() {
		var (
			group string
			n     int
		)
		if err := rows.Scan(&group, &n); err != nil {
			return nil, err
		}
		running[group] = n
	}
	return running, rows.Err()
}
