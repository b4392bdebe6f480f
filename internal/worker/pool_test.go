package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/domain"
	"conductor/internal/orchestrator"
	"conductor/internal/queue"
)

type fakeClient struct {
	mu           sync.Mutex
	pending      []orchestrator.Task
	succeeded    map[string]json.RawMessage
	failed       map[string]error
	heartbeats   map[string]int
	terminated   map[string]bool
	dequeueErr   error
	heartbeatErr error
	limits       []int
}

func newFakeClient(tasks ...orchestrator.Task) *fakeClient {
	return &fakeClient{
		pending:    tasks,
		succeeded:  map[string]json.RawMessage{},
		failed:     map[string]error{},
		heartbeats: map[string]int{},
		terminated: map[string]bool{},
	}
}

func (f *fakeClient) Dequeue(ctx context.Context, _ string, limit int, _ bool) ([]orchestrator.Task, error) {
	f.mu.Lock()
	f.limits = append(f.limits, limit)
	if f.dequeueErr != nil {
		f.mu.Unlock()
		return nil, f.dequeueErr
	}
	n := min(limit, len(f.pending))
	out := f.pending[:n]
	f.pending = f.pending[n:]
	f.mu.Unlock()

	if len(out) == 0 {
		// long-poll stand-in
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return out, nil
}

func (f *fakeClient) Heartbeat(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats[id]++
	return f.heartbeatErr
}

func (f *fakeClient) Succeed(_ context.Context, id string, output json.RawMessage) (orchestrator.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.succeeded[id] = output
	return nil, nil
}

func (f *fakeClient) Failed(_ context.Context, id string, err error) (orchestrator.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = err
	return nil, nil
}

func (f *fakeClient) Search(_ context.Context, props orchestrator.SearchProps) ([]orchestrator.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []orchestrator.Task
	for _, id := range props.IDs {
		state := domain.TaskStateStarted
		if f.terminated[id] {
			state = domain.TaskStateCancelled
		}
		out = append(out, actionTask(id, state))
	}
	return out, nil
}

func (f *fakeClient) reported() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.succeeded) + len(f.failed)
}

func actionTask(id string, state domain.TaskState) orchestrator.ActionTask {
	return orchestrator.ActionTask{
		TaskCommon: orchestrator.TaskCommon{ID: id, Name: "action:" + id, GroupKey: "actions", State: state, Attempt: 1, AttemptMax: 1},
		ActionArgs: orchestrator.ActionArgs{ActionName: "do"},
	}
}

func newID() string { return uuid.Must(uuid.NewV7()).String() }

// run starts p and returns a func that stops it and waits for Run to return.
func run(t *testing.T, p *Processor) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("processor did not stop")
		}
	}
}

func TestProcessor_ReportsOutcome(t *testing.T) {
	ok, bad, boom := newID(), newID(), newID()
	client := newFakeClient(
		actionTask(ok, domain.TaskStateStarted),
		actionTask(bad, domain.TaskStateStarted),
		actionTask(boom, domain.TaskStateStarted),
	)
	handler := HandlerFunc(func(_ context.Context, task orchestrator.Task) (json.RawMessage, error) {
		switch task.Common().ID {
		case ok:
			return json.RawMessage(`{"done":true}`), nil
		case bad:
			return nil, errors.New("provider unavailable")
		}
		panic("handler bug")
	})

	stop := run(t, NewProcessor(client, handler, NewRegistry(), Options{GroupKey: "actions", MaxConcurrency: 3}))
	require.Eventually(t, func() bool { return client.reported() == 3 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.JSONEq(t, `{"done":true}`, string(client.succeeded[ok]))
	assert.EqualError(t, client.failed[bad], "provider unavailable")
	require.Error(t, client.failed[boom])
	assert.Contains(t, client.failed[boom].Error(), "handler bug")
}

func TestProcessor_BoundedConcurrency(t *testing.T) {
	var tasks []orchestrator.Task
	for range 6 {
		tasks = append(tasks, actionTask(newID(), domain.TaskStateStarted))
	}
	client := newFakeClient(tasks...)

	var active, peak atomic.Int32
	handler := HandlerFunc(func(context.Context, orchestrator.Task) (json.RawMessage, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return json.RawMessage(`null`), nil
	})

	reg := NewRegistry()
	stop := run(t, NewProcessor(client, handler, reg, Options{GroupKey: "actions", MaxConcurrency: 2}))
	require.Eventually(t, func() bool { return client.reported() == 6 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Zero(t, reg.Len())
	client.mu.Lock()
	defer client.mu.Unlock()
	for _, l := range client.limits {
		assert.LessOrEqual(t, l, 2)
	}
}

func TestProcessor_CancelsTerminatedTasks(t *testing.T) {
	id := newID()
	client := newFakeClient(actionTask(id, domain.TaskStateStarted))

	started := make(chan struct{})
	causes := make(chan error, 1)
	handler := HandlerFunc(func(ctx context.Context, _ orchestrator.Task) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		causes <- context.Cause(ctx)
		return nil, ctx.Err()
	})

	p := NewProcessor(client, handler, NewRegistry(), Options{GroupKey: "actions", CheckTerminatedInterval: 10 * time.Millisecond})
	stop := run(t, p)
	defer stop()

	<-started
	client.mu.Lock()
	client.terminated[id] = true
	client.mu.Unlock()

	select {
	case cause := <-causes:
		assert.ErrorIs(t, cause, ErrTaskTerminated)
	case <-time.After(2 * time.Second):
		t.Fatal("task was not cancelled")
	}
	// the server already holds the final state
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, client.reported())
}

func TestProcessor_Heartbeats(t *testing.T) {
	t.Run("while running", func(t *testing.T) {
		id := newID()
		client := newFakeClient(actionTask(id, domain.TaskStateStarted))
		handler := HandlerFunc(func(context.Context, orchestrator.Task) (json.RawMessage, error) {
			time.Sleep(80 * time.Millisecond)
			return json.RawMessage(`1`), nil
		})

		stop := run(t, NewProcessor(client, handler, NewRegistry(), Options{GroupKey: "actions", HeartbeatInterval: 10 * time.Millisecond}))
		require.Eventually(t, func() bool { return client.reported() == 1 }, 2*time.Second, 5*time.Millisecond)
		stop()

		client.mu.Lock()
		defer client.mu.Unlock()
		assert.GreaterOrEqual(t, client.heartbeats[id], 2)
	})

	t.Run("terminated task is cancelled", func(t *testing.T) {
		client := newFakeClient(actionTask(newID(), domain.TaskStateStarted))
		client.heartbeatErr = &orchestrator.ClientError{Code: queue.CodeTaskTerminated, Message: "task is terminated"}

		causes := make(chan error, 1)
		handler := HandlerFunc(func(ctx context.Context, _ orchestrator.Task) (json.RawMessage, error) {
			<-ctx.Done()
			causes <- context.Cause(ctx)
			return nil, ctx.Err()
		})

		stop := run(t, NewProcessor(client, handler, NewRegistry(), Options{GroupKey: "actions", HeartbeatInterval: 10 * time.Millisecond}))
		defer stop()

		select {
		case cause := <-causes:
			assert.ErrorIs(t, cause, ErrTaskTerminated)
		case <-time.After(2 * time.Second):
			t.Fatal("task was not cancelled")
		}
	})
}

func TestProcessor_BacksOffOnDequeueError(t *testing.T) {
	client := newFakeClient()
	client.dequeueErr = errors.New("connection refused")

	p := NewProcessor(client, HandlerFunc(func(context.Context, orchestrator.Task) (json.RawMessage, error) {
		return nil, nil
	}), NewRegistry(), Options{GroupKey: "actions"})

	var mu sync.Mutex
	var waits []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		time.Sleep(time.Millisecond)
	}

	stop := run(t, p)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(waits) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, waits[:3])
}

func TestBackoffExp(t *testing.T) {
	assert.Equal(t, time.Second, backoffExp(0))
	assert.Equal(t, time.Second, backoffExp(1))
	assert.Equal(t, 8*time.Second, backoffExp(4))
	assert.Equal(t, 60*time.Second, backoffExp(12))
}
