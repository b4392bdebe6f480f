package scheduler

import (
	"context"
	"time"

	"conductor/internal/domain"
	"conductor/internal/events"
)

// WaitForTasks dequeues for groupKey and, when nothing is eligible, suspends
// until a task event for the group arrives or timeout elapses. An elapsed
// timeout or a cancelled ctx yields an empty result.
func (s *Scheduler) WaitForTasks(ctx context.Context, groupKey string, limit int, timeout time.Duration) ([]domain.Task, error) {
	// subscribe before the first attempt so no event falls in between
	ready, release := s.notifier.Subscribe(events.TaskCreated(groupKey))
	defer release()

	waiting := s.metrics.LongPollWaiting.WithLabelValues("dequeue")
	waiting.Inc()
	defer waiting.Dec()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		tasks, err := s.Dequeue(ctx, groupKey, limit)
		if err != nil || len(tasks) > 0 {
			return tasks, err
		}
		select {
		case <-ready:
		case <-timer.C:
			return tasks, nil
		case <-ctx.Done():
			return tasks, nil
		}
	}
}

// WaitForOutput returns the task once it is terminated, or its current
// non-terminal view when timeout elapses or ctx ends first.
func (s *Scheduler) WaitForOutput(ctx context.Context, id string, timeout time.Duration) (domain.Task, error) {
	done, release := s.notifier.Subscribe(events.TaskCompleted(id))
	defer release()

	waiting := s.metrics.LongPollWaiting.WithLabelValues("output")
	waiting.Inc()
	defer waiting.Dec()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		task, err := s.repo.Get(ctx, id)
		if err != nil || task.Terminated {
			return task, err
		}
		select {
		case <-done:
		case <-timer.C:
			return task, nil
		case <-ctx.Done():
			return task, nil
		}
	}
}
