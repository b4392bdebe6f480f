package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"conductor/internal/domain"
	"conductor/internal/events"
	"conductor/internal/metrics"
	"conductor/internal/queue"
)

// Scheduler is the entry point the API and the daemons use to change tasks.
// Every state change is published to the notifier so long-polls wake up.
type Scheduler struct {
	repo     queue.Repository
	notifier events.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func New(repo queue.Repository, notifier events.Notifier, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		repo:     repo,
		notifier: notifier,
		metrics:  m,
		logger:   log.With().Str("component", "scheduler").Logger(),
	}
}

func (s *Scheduler) Repository() queue.Repository { return s.repo }

func (s *Scheduler) Notifier() events.Notifier { return s.notifier }

func (s *Scheduler) Schedule(ctx context.Context, props domain.TaskProps) (domain.Task, error) {
	task, err := s.repo.Create(ctx, props)
	if err != nil {
		return domain.Task{}, err
	}
	s.metrics.TasksCreated.Inc()
	s.notifier.Publish(events.TaskCreated(task.GroupKey))
	return task, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (domain.Task, error) {
	return s.repo.Get(ctx, id)
}

func (s *Scheduler) Search(ctx context.Context, params queue.SearchParams) ([]domain.Task, error) {
	return s.repo.Search(ctx, params)
}

func (s *Scheduler) Dequeue(ctx context.Context, groupKey string, limit int) ([]domain.Task, error) {
	start := time.Now()
	tasks, err := s.repo.Dequeue(ctx, groupKey, limit)
	s.metrics.DequeueDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	s.metrics.TasksDequeued.Add(float64(len(tasks)))
	s.metrics.TaskTransitions.WithLabelValues(string(domain.TaskStateStarted)).Add(float64(len(tasks)))
	return tasks, nil
}

func (s *Scheduler) Heartbeat(ctx context.Context, id string) (domain.Task, error) {
	return s.repo.Heartbeat(ctx, id)
}

func (s *Scheduler) Succeed(ctx context.Context, id string, output json.RawMessage) (domain.Task, error) {
	return s.Transition(ctx, queue.TransitionProps{ID: id, NewState: domain.TaskStateSucceeded, Output: output})
}

func (s *Scheduler) Fail(ctx context.Context, id string, output json.RawMessage) (domain.Task, error) {
	return s.Transition(ctx, queue.TransitionProps{ID: id, NewState: domain.TaskStateFailed, Output: output})
}

type CancelOutput struct {
	Reason string `json:"reason"`
}

func (s *Scheduler) Cancel(ctx context.Context, id, reason string) (domain.Task, error) {
	output, err := json.Marshal(CancelOutput{Reason: reason})
	if err != nil {
		return domain.Task{}, err
	}
	return s.Transition(ctx, queue.TransitionProps{ID: id, NewState: domain.TaskStateCancelled, Output: output})
}

// Transition applies a state change and its side effects: completion events
// for terminal states and a retry task for failures with attempts left.
func (s *Scheduler) Transition(ctx context.Context, props queue.TransitionProps) (domain.Task, error) {
	task, err := s.repo.TransitionState(ctx, props)
	if err != nil {
		return domain.Task{}, err
	}
	s.metrics.TaskTransitions.WithLabelValues(string(task.State)).Inc()
	if task.Terminated {
		s.announce(task)
	}
	if task.State == domain.TaskStateFailed && task.RetryMax > task.RetryCount {
		s.retry(ctx, task)
	}
	return task, nil
}

func (s *Scheduler) retry(ctx context.Context, task domain.Task) {
	retryKey := task.RetryKey
	if retryKey == nil {
		retryKey = &task.ID
	}
	next, err := s.Schedule(ctx, domain.TaskProps{
		Name:                          task.Name,
		Payload:                       task.Payload,
		GroupKey:                      task.GroupKey,
		GroupMaxConcurrency:           task.GroupMaxConcurrency,
		RetryKey:                      retryKey,
		RetryCount:                    task.RetryCount + 1,
		RetryMax:                      task.RetryMax,
		OwnerKey:                      task.OwnerKey,
		CreatedToStartedTimeoutSecs:   task.CreatedToStartedTimeoutSecs,
		StartedToCompletedTimeoutSecs: task.StartedToCompletedTimeoutSecs,
		HeartbeatTimeoutSecs:          task.HeartbeatTimeoutSecs,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to schedule retry")
		return
	}
	s.metrics.TasksRetried.Inc()
	s.logger.Info().
		Str("task_id", task.ID).
		Str("retry_task_id", next.ID).
		Int("retry_count", next.RetryCount).
		Msg("task retried")
}

// announce publishes a terminated task to output waiters, and to dequeue
// waiters of its group since it frees one running slot.
func (s *Scheduler) announce(task domain.Task) {
	s.notifier.Publish(events.TaskCompleted(task.ID))
	s.notifier.Publish(events.TaskCreated(task.GroupKey))
}

// Expire runs one sweeper pass.
func (s *Scheduler) Expire(ctx context.Context) ([]domain.Task, error) {
	expired, err := s.repo.ExpiresIfTimeout(ctx)
	if err != nil {
		return nil, err
	}
	for _, task := range expired {
		var out queue.ExpiryOutput
		_ = json.Unmarshal(task.Output, &out)
		s.metrics.TasksExpired.WithLabelValues(out.Reason).Inc()
		s.metrics.TaskTransitions.WithLabelValues(string(task.State)).Inc()
		s.announce(task)
		s.logger.Warn().
			Str("task_id", task.ID).
			Str("task_name", task.Name).
			Str("reason", out.Reason).
			Msg("task expired")
	}
	return expired, nil
}

// Recurring schedules

func (s *Scheduler) CreateSchedule(ctx context.Context, props domain.ScheduleProps) (domain.Schedule, error) {
	return s.repo.CreateSchedule(ctx, props)
}

func (s *Scheduler) SearchSchedules(ctx context.Context, params queue.ScheduleSearchParams) ([]domain.Schedule, error) {
	return s.repo.SearchSchedules(ctx, params)
}

// SetScheduleState moves the schedule called name to state.
func (s *Scheduler) SetScheduleState(ctx context.Context, name string, state domain.ScheduleState) (domain.Schedule, error) {
	sched, err := s.scheduleByName(ctx, name)
	if err != nil {
		return domain.Schedule{}, err
	}
	return s.repo.TransitionScheduleState(ctx, sched.ID, state)
}

// UpsertSchedule creates the schedule or replaces the template of the live
// schedule with the same name. A non-empty props.State is applied to an
// existing schedule too.
func (s *Scheduler) UpsertSchedule(ctx context.Context, props domain.ScheduleProps) (domain.Schedule, error) {
	existing, err := s.repo.SearchSchedules(ctx, queue.ScheduleSearchParams{
		Names:  []string{props.Name},
		States: []domain.ScheduleState{domain.ScheduleStateStarted, domain.ScheduleStatePaused},
	})
	if err != nil {
		return domain.Schedule{}, err
	}
	if len(existing) == 0 {
		return s.repo.CreateSchedule(ctx, props)
	}
	updated, err := s.repo.UpdateSchedule(ctx, existing[0].ID, props)
	if err != nil {
		return domain.Schedule{}, err
	}
	if props.State == "" || props.State == updated.State {
		return updated, nil
	}
	return s.repo.TransitionScheduleState(ctx, updated.ID, props.State)
}

func (s *Scheduler) scheduleByName(ctx context.Context, name string) (domain.Schedule, error) {
	found, err := s.repo.SearchSchedules(ctx, queue.ScheduleSearchParams{Names: []string{name}, Limit: 1})
	if err != nil {
		return domain.Schedule{}, err
	}
	if len(found) == 0 {
		return domain.Schedule{}, &queue.Error{Code: queue.CodeNotFound, Message: "schedule " + name + " not found", Err: queue.ErrNotFound}
	}
	return found[0], nil
}
