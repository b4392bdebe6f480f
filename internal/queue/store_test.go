package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestRepo(t *testing.T, opts ...Option) Repository {
	t.Helper()
	db, err := Open(SQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, EnsureSchema(context.Background(), db, SQLite))
	return NewSQLiteRepo(db, opts...)
}

func taskProps(group string) domain.TaskProps {
	return domain.TaskProps{
		Name:                          "sync:users",
		Payload:                       json.RawMessage(`{"type":"sync"}`),
		GroupKey:                      group,
		RetryMax:                      2,
		CreatedToStartedTimeoutSecs:   60,
		StartedToCompletedTimeoutSecs: 300,
		HeartbeatTimeoutSecs:          30,
	}
}

// taskInState drives a fresh task to state through legal transitions only.
func taskInState(t *testing.T, repo Repository, state domain.TaskState) domain.Task {
	t.Helper()
	ctx := context.Background()
	group := "g-" + uuid.NewString()
	task, err := repo.Create(ctx, taskProps(group))
	require.NoError(t, err)
	if state == domain.TaskStateCreated {
		return task
	}
	if state == domain.TaskStateCancelled || state == domain.TaskStateExpired {
		task, err = repo.TransitionState(ctx, TransitionProps{ID: task.ID, NewState: state, Output: json.RawMessage(`{"why":"test"}`)})
		require.NoError(t, err)
		return task
	}
	started, err := repo.Dequeue(ctx, group, 1)
	require.NoError(t, err)
	require.Len(t, started, 1)
	if state == domain.TaskStateStarted {
		return started[0]
	}
	task, err = repo.TransitionState(ctx, TransitionProps{ID: task.ID, NewState: state, Output: json.RawMessage(`{"done":true}`)})
	require.NoError(t, err)
	return task
}

func TestCreate(t *testing.T) {
	clock := newFakeClock()
	repo := newTestRepo(t, WithClock(clock.Now))
	ctx := context.Background()

	task, err := repo.Create(ctx, taskProps("A"))
	require.NoError(t, err)

	assert.Equal(t, domain.TaskStateCreated, task.State)
	assert.False(t, task.Terminated)
	assert.Nil(t, task.Output)
	assert.Equal(t, clock.Now(), task.CreatedAt)
	assert.Equal(t, task.CreatedAt, task.LastStateTransitionAt)
	assert.Equal(t, task.CreatedAt, task.LastHeartbeatAt)
	assert.Equal(t, task.CreatedAt, task.StartsAfter)

	got, err := repo.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task, got)
	assert.JSONEq(t, `{"type":"sync"}`, string(got.Payload))
}

func TestCreate_Validation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	cases := map[string]func(p *domain.TaskProps){
		"missing name":        func(p *domain.TaskProps) { p.Name = "" },
		"missing group":       func(p *domain.TaskProps) { p.GroupKey = " " },
		"wildcard group":      func(p *domain.TaskProps) { p.GroupKey = "a*" },
		"negative retryMax":   func(p *domain.TaskProps) { p.RetryMax = -1 },
		"zero created":        func(p *domain.TaskProps) { p.CreatedToStartedTimeoutSecs = 0 },
		"zero started":        func(p *domain.TaskProps) { p.StartedToCompletedTimeoutSecs = 0 },
		"negative heartbeat":  func(p *domain.TaskProps) { p.HeartbeatTimeoutSecs = -5 },
		"negative cap":        func(p *domain.TaskProps) { p.GroupMaxConcurrency = -1 },
		"payload not json":    func(p *domain.TaskProps) { p.Payload = json.RawMessage(`{nope`) },
		"negative retryCount": func(p *domain.TaskProps) { p.RetryCount = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := taskProps("A")
			mutate(&p)
			_, err := repo.Create(ctx, p)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidProps))
			assert.Equal(t, CodeInvalidProps, Code(err))
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Get(context.Background(), uuid.NewString())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, CodeNotFound, Code(err))
}

func TestTransitionState_Table(t *testing.T) {
	clock := newFakeClock()
	repo := newTestRepo(t, WithClock(clock.Now))
	ctx := context.Background()

	for _, from := range domain.TaskStates {
		for _, to := range domain.TaskStates {
			t.Run(fmt.Sprintf("%s to %s", from, to), func(t *testing.T) {
				task := taskInState(t, repo, from)
				var output json.RawMessage
				if to.Terminal() {
					output = json.RawMessage(`{"result":[1,2,3]}`)
				}

				got, err := repo.TransitionState(ctx, TransitionProps{ID: task.ID, NewState: to, Output: output})
				stored, getErr := repo.Get(ctx, task.ID)
				require.NoError(t, getErr)

				if !domain.CanTransition(from, to) {
					require.Error(t, err)
					assert.ErrorIs(t, err, ErrInvalidTransition)
					assert.Equal(t, from, stored.State)
					assert.Equal(t, task.LastStateTransitionAt, stored.LastStateTransitionAt)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, to, got.State)
				assert.Equal(t, to, stored.State)
				assert.True(t, stored.LastStateTransitionAt.After(task.LastStateTransitionAt))
				if to.Terminal() {
					assert.True(t, stored.Terminated)
					assert.JSONEq(t, string(output), string(stored.Output))
				}
			})
		}
	}
}

func TestTransitionState_OutputRules(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	task := taskInState(t, repo, domain.TaskStateStarted)

	_, err := repo.TransitionState(ctx, TransitionProps{ID: task.ID, NewState: domain.TaskStateSucceeded})
	assert.ErrorIs(t, err, ErrInvalidProps)

	created := taskInState(t, repo, domain.TaskStateCreated)
	_, err = repo.TransitionState(ctx, TransitionProps{ID: created.ID, NewState: domain.TaskStateStarted, Output: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrInvalidProps)

	_, err = repo.TransitionState(ctx, TransitionProps{ID: task.ID, NewState: "DONE", Output: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrInvalidProps)

	// null is a legitimate output value
	done, err := repo.TransitionState(ctx, TransitionProps{ID: task.ID, NewState: domain.TaskStateSucceeded, Output: json.RawMessage(`null`)})
	require.NoError(t, err)
	assert.Equal(t, "null", string(done.Output))

	_, err = repo.TransitionState(ctx, TransitionProps{ID: task.ID, NewState: domain.TaskStateFailed, Output: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	stored, err := repo.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "null", string(stored.Output))
}

func TestTransitionState_StrictlyIncreasesWithFrozenClock(t *testing.T) {
	clock := newFakeClock()
	repo := newTestRepo(t, WithClock(clock.Now))
	ctx := context.Background()

	task, err := repo.Create(ctx, taskProps("frozen"))
	require.NoError(t, err)
	started, err := repo.Dequeue(ctx, "frozen", 1)
	require.NoError(t, err)
	require.Len(t, started, 1)
	assert.True(t, started[0].LastStateTransitionAt.After(task.LastStateTransitionAt))

	done, err := repo.TransitionState(ctx, TransitionProps{ID: task.ID, NewState: domain.TaskStateSucceeded, Output: json.RawMessage(`1`)})
	require.NoError(t, err)
	assert.True(t, done.LastStateTransitionAt.After(started[0].LastStateTransitionAt))
}

func TestHeartbeat(t *testing.T) {
	clock := newFakeClock()
	repo := newTestRepo(t, WithClock(clock.Now))
	ctx := context.Background()

	task := taskInState(t, repo, domain.TaskStateStarted)
	prev := task.LastHeartbeatAt
	for i := 0; i < 3; i++ {
		hb, err := repo.Heartbeat(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, hb.LastHeartbeatAt.After(prev))
		assert.Equal(t, domain.TaskStateStarted, hb.State)
		assert.Equal(t, task.LastStateTransitionAt, hb.LastStateTransitionAt)
		prev = hb.LastHeartbeatAt
	}

	clock.Advance(time.Second)
	hb, err := repo.Heartbeat(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), hb.LastHeartbeatAt)

	created := taskInState(t, repo, domain.TaskStateCreated)
	_, err = repo.Heartbeat(ctx, created.ID)
	assert.NoError(t, err)
}

func TestHeartbeat_TerminalRejected(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, s := range []domain.TaskState{domain.TaskStateSucceeded, domain.TaskStateFailed, domain.TaskStateExpired, domain.TaskStateCancelled} {
		task := taskInState(t, repo, s)
		_, err := repo.Heartbeat(ctx, task.ID)
		assert.ErrorIs(t, err, ErrTaskTerminated, s)
		stored, err := repo.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, task.LastHeartbeatAt, stored.LastHeartbeatAt)
		assert.Equal(t, s, stored.State)
	}

	_, err := repo.Heartbeat(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSearch(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a1, err := repo.Create(ctx, taskProps("A"))
	require.NoError(t, err)
	a2, err := repo.Create(ctx, taskProps("A"))
	require.NoError(t, err)
	b1, err := repo.Create(ctx, taskProps("B"))
	require.NoError(t, err)
	_, err = repo.Dequeue(ctx, "A", 1)
	require.NoError(t, err)

	ids := func(tasks []domain.Task) []string {
		out := []string{}
		for _, t := range tasks {
			out = append(out, t.ID)
		}
		return out
	}

	all, err := repo.Search(ctx, SearchParams{})
	require.NoError(t, err)
	assert.Equal(t, []string{a1.ID, a2.ID, b1.ID}, ids(all))

	byGroup, err := repo.Search(ctx, SearchParams{GroupKey: "A"})
	require.NoError(t, err)
	assert.Equal(t, []string{a1.ID, a2.ID}, ids(byGroup))

	byState, err := repo.Search(ctx, SearchParams{States: []domain.TaskState{domain.TaskStateCreated}})
	require.NoError(t, err)
	assert.Equal(t, []string{a2.ID, b1.ID}, ids(byState))

	both, err := repo.Search(ctx, SearchParams{GroupKey: "A", States: []domain.TaskState{domain.TaskStateCreated}})
	require.NoError(t, err)
	assert.Equal(t, []string{a2.ID}, ids(both))

	byIDs, err := repo.Search(ctx, SearchParams{IDs: []string{b1.ID, a1.ID}})
	require.NoError(t, err)
	assert.Equal(t, []string{a1.ID, b1.ID}, ids(byIDs))

	limited, err := repo.Search(ctx, SearchParams{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := repo.Search(ctx, SearchParams{GroupKey: "C"})
	require.NoError(t, err)
	assert.Empty(t, none)
}
