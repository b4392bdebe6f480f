package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/domain"
)

func scheduleProps(name string, startsAt time.Time) domain.ScheduleProps {
	return domain.ScheduleProps{
		Name:                          name,
		StartsAt:                      startsAt,
		FrequencyMs:                   time.Minute.Milliseconds(),
		Payload:                       json.RawMessage(`{"type":"sync","syncName":"users"}`),
		GroupKey:                      "sync:" + name,
		GroupMaxConcurrency:           1,
		RetryMax:                      1,
		CreatedToStartedTimeoutSecs:   3600,
		StartedToCompletedTimeoutSecs: 86400,
		HeartbeatTimeoutSecs:          1800,
	}
}

func TestCreateSchedule(t *testing.T) {
	clock := newFakeClock()
	repo := newTestRepo(t, WithClock(clock.Now))
	ctx := context.Background()

	s, err := repo.CreateSchedule(ctx, scheduleProps("users", clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleStateStarted, s.State)
	assert.Nil(t, s.LastScheduledTaskID)

	got, err := repo.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	_, err = repo.CreateSchedule(ctx, scheduleProps("users", clock.Now()))
	assert.ErrorIs(t, err, ErrInvalidProps)

	bad := scheduleProps("bad", clock.Now())
	bad.FrequencyMs = 0
	_, err = repo.CreateSchedule(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidProps)

	_, err = repo.GetSchedule(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionScheduleState(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	s, err := repo.CreateSchedule(ctx, scheduleProps("orders", time.Now()))
	require.NoError(t, err)

	paused, err := repo.TransitionScheduleState(ctx, s.ID, domain.ScheduleStatePaused)
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleStatePaused, paused.State)

	_, err = repo.TransitionScheduleState(ctx, s.ID, domain.ScheduleStatePaused)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	started, err := repo.TransitionScheduleState(ctx, s.ID, domain.ScheduleStateStarted)
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleStateStarted, started.State)

	deleted, err := repo.TransitionScheduleState(ctx, s.ID, domain.ScheduleStateDeleted)
	require.NoError(t, err)
	require.NotNil(t, deleted.DeletedAt)

	_, err = repo.TransitionScheduleState(ctx, s.ID, domain.ScheduleStateStarted)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = repo.UpdateSchedule(ctx, s.ID, scheduleProps("orders", time.Now()))
	assert.ErrorIs(t, err, ErrInvalidProps)
}

func TestUpdateAndSearchSchedules(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a, err := repo.CreateSchedule(ctx, scheduleProps("a", time.Now()))
	require.NoError(t, err)
	b, err := repo.CreateSchedule(ctx, scheduleProps("b", time.Now()))
	require.NoError(t, err)
	_, err = repo.TransitionScheduleState(ctx, b.ID, domain.ScheduleStatePaused)
	require.NoError(t, err)

	p := scheduleProps("ignored", time.Now())
	p.FrequencyMs = time.Hour.Milliseconds()
	updated, err := repo.UpdateSchedule(ctx, a.ID, p)
	require.NoError(t, err)
	assert.Equal(t, "a", updated.Name)
	assert.Equal(t, time.Hour.Milliseconds(), updated.FrequencyMs)

	started, err := repo.SearchSchedules(ctx, ScheduleSearchParams{States: []domain.ScheduleState{domain.ScheduleStateStarted}})
	require.NoError(t, err)
	require.Len(t, started, 1)
	assert.Equal(t, a.ID, started[0].ID)

	byName, err := repo.SearchSchedules(ctx, ScheduleSearchParams{Names: []string{"b"}})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, domain.ScheduleStatePaused, byName[0].State)
}

func TestCreateScheduledTask(t *testing.T) {
	clock := newFakeClock()
	repo := newTestRepo(t, WithClock(clock.Now))
	ctx := context.Background()

	s, err := repo.CreateSchedule(ctx, scheduleProps("users", clock.Now().Add(-time.Minute)))
	require.NoError(t, err)
	occurrence := clock.Now()

	task, created, err := repo.CreateScheduledTask(ctx, s.ID, occurrence)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, occurrence, task.StartsAfter)
	require.NotNil(t, task.ScheduleID)
	assert.Equal(t, s.ID, *task.ScheduleID)
	assert.Equal(t, s.GroupKey, task.GroupKey)
	assert.Equal(t, s.RetryMax, task.RetryMax)
	assert.JSONEq(t, string(s.Payload), string(task.Payload))

	got, err := repo.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastScheduledTaskID)
	assert.Equal(t, task.ID, *got.LastScheduledTaskID)

	again, created, err := repo.CreateScheduledTask(ctx, s.ID, occurrence)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Empty(t, again.ID, "previous occurrence still running")

	_, err = repo.Dequeue(ctx, s.GroupKey, 1)
	require.NoError(t, err)
	_, err = repo.TransitionState(ctx, TransitionProps{ID: task.ID, NewState: domain.TaskStateSucceeded, Output: json.RawMessage(`{}`)})
	require.NoError(t, err)

	_, created, err = repo.CreateScheduledTask(ctx, s.ID, occurrence)
	require.NoError(t, err)
	assert.False(t, created, "same occurrence is never materialized twice")

	next, created, err := repo.CreateScheduledTask(ctx, s.ID, occurrence.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, task.ID, next.ID)

	tasks, err := repo.Search(ctx, SearchParams{ScheduleID: s.ID})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestCreateScheduledTask_PausedSchedule(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	s, err := repo.CreateSchedule(ctx, scheduleProps("paused", time.Now()))
	require.NoError(t, err)
	_, err = repo.TransitionScheduleState(ctx, s.ID, domain.ScheduleStatePaused)
	require.NoError(t, err)

	_, created, err := repo.CreateScheduledTask(ctx, s.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, created)

	tasks, err := repo.Search(ctx, SearchParams{ScheduleID: s.ID})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}
