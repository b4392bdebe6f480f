package scheduler

import (
	"context"
	"time"

	"conductor/internal/domain"
	"conductor/internal/events"
	"conductor/internal/queue"
)

const materializeBatch = 1000

// MaterializeDue creates the task of the latest due occurrence of every
// STARTED schedule. A schedule whose previous task is still running is
// skipped, as is an occurrence that already has a task.
func (s *Scheduler) MaterializeDue(ctx context.Context, now time.Time) (int, error) {
	schedules, err := s.repo.SearchSchedules(ctx, queue.ScheduleSearchParams{
		States: []domain.ScheduleState{domain.ScheduleStateStarted},
		Limit:  materializeBatch,
	})
	if err != nil {
		return 0, err
	}

	created := 0
	for _, sched := range schedules {
		occurrence, ok := sched.LatestOccurrence(now)
		if !ok {
			continue
		}
		task, ok, err := s.repo.CreateScheduledTask(ctx, sched.ID, occurrence)
		if err != nil {
			s.logger.Error().Err(err).Str("schedule_id", sched.ID).Msg("failed to materialize schedule")
			continue
		}
		if !ok {
			continue
		}
		created++
		s.metrics.TasksCreated.Inc()
		s.metrics.TasksScheduled.Inc()
		s.notifier.Publish(events.TaskCreated(task.GroupKey))
		s.logger.Info().
			Str("schedule_id", sched.ID).
			Str("schedule_name", sched.Name).
			Str("task_id", task.ID).
			Time("occurrence", occurrence).
			Time("next_due", domain.ComputeNextDueDate(sched.StartsAt, sched.Frequency(), now)).
			Msg("scheduled task created")
	}
	return created, nil
}
