package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/domain"
	"conductor/internal/orchestrator"
	"conductor/internal/worker"
)

var conn = orchestrator.Connection{ID: 1, ConnectionID: "c-1", ProviderConfigKey: "github", EnvironmentID: 2}

type fakeRunner struct {
	reqs []RunRequest
	res  RunResult
	err  error
	// block until ctx is done when set
	block bool
}

func (f *fakeRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	f.reqs = append(f.reqs, req)
	if f.block {
		<-ctx.Done()
		return RunResult{}, context.Cause(ctx)
	}
	return f.res, f.err
}

func newCatalog() *Catalog {
	return NewCatalog([]Integration{{
		ProviderConfig: ProviderConfig{ID: 10, Key: "github", Provider: "github", EnvironmentID: 2},
		Scripts: []Definition{
			{ID: 1, Name: "commits", Enabled: true, Script: "commits.js"},
			{ID: 2, Name: "create-issue", IsAction: true, Enabled: true},
			{ID: 3, Name: "old-sync", Enabled: false},
		},
	}})
}

func newTestRouter(t *testing.T, runner Runner) (*Router, *BoltRunStore, *worker.Registry) {
	t.Helper()
	runs, err := OpenBoltRunStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { runs.Close() })
	reg := worker.NewRegistry()
	cat := newCatalog()
	return NewRouter(cat, cat, runner, runs, reg), runs, reg
}

func common(kind string) orchestrator.TaskCommon {
	return orchestrator.TaskCommon{ID: uuid.NewString(), Name: kind + ":x", GroupKey: kind, State: domain.TaskStateStarted, Attempt: 1, AttemptMax: 1}
}

func syncTask(name string) orchestrator.SyncTask {
	return orchestrator.SyncTask{TaskCommon: common("sync"), SyncArgs: orchestrator.SyncArgs{SyncID: "s-1", SyncName: name, Connection: conn}}
}

func codeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func TestRouter_Sync(t *testing.T) {
	runner := &fakeRunner{res: RunResult{Success: true, Response: json.RawMessage(`{"added":3}`)}}
	r, runs, _ := newTestRouter(t, runner)
	ctx := context.Background()

	task := syncTask("commits")
	out, err := r.Handle(ctx, task)
	require.NoError(t, err)
	assert.JSONEq(t, `{"added":3}`, string(out))

	require.Len(t, runner.reqs, 1)
	assert.False(t, runner.reqs[0].IsAction)
	assert.Equal(t, "commits.js", runner.reqs[0].Definition.Script)

	run, err := runs.FindByTaskID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, RunTypeSync, run.Type)
	assert.Equal(t, RunStatusSuccess, run.Status)
	assert.Equal(t, run.ID, runner.reqs[0].RunID)
}

func TestRouter_SyncFailureMarksRun(t *testing.T) {
	runner := &fakeRunner{res: RunResult{Error: &RunError{Type: "script_http_error", Message: "401 from provider"}}}
	r, runs, _ := newTestRouter(t, runner)

	task := syncTask("commits")
	_, err := r.Handle(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, "script_http_error", codeOf(err))

	run, err := runs.FindByTaskID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusError, run.Status)
	assert.Contains(t, run.Error, "401 from provider")
}

func TestRouter_Action(t *testing.T) {
	runner := &fakeRunner{res: RunResult{Success: true, Response: json.RawMessage(`[1,2]`)}}
	r, runs, _ := newTestRouter(t, runner)

	task := orchestrator.ActionTask{TaskCommon: common("action"), ActionArgs: orchestrator.ActionArgs{
		ActionName: "create-issue", Connection: conn, Input: json.RawMessage(`{"title":"bug"}`),
	}}
	out, err := r.Handle(context.Background(), task)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(out))
	require.Len(t, runner.reqs, 1)
	assert.True(t, runner.reqs[0].IsAction)
	assert.JSONEq(t, `{"title":"bug"}`, string(runner.reqs[0].Input))

	_, err = runs.FindByTaskID(context.Background(), task.ID)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRouter_Webhook(t *testing.T) {
	runner := &fakeRunner{res: RunResult{Success: true}}
	r, runs, _ := newTestRouter(t, runner)

	task := orchestrator.WebhookTask{TaskCommon: common("webhook"), WebhookArgs: orchestrator.WebhookArgs{
		WebhookName: "on-push", ParentSyncName: "commits", Connection: conn,
	}}
	out, err := r.Handle(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))

	run, err := runs.FindByTaskID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, RunTypeWebhook, run.Type)
	assert.Equal(t, RunStatusSuccess, run.Status)
}

func TestRouter_Failures(t *testing.T) {
	tests := []struct {
		name   string
		runner *fakeRunner
		task   orchestrator.Task
		code   string
	}{
		{"invalid response", &fakeRunner{res: RunResult{Success: true, Response: json.RawMessage(`{"a":`)}}, syncTask("commits"), CodeInvalidResponse},
		{"runner error", &fakeRunner{err: errors.New("dial tcp: refused")}, syncTask("commits"), CodeScriptFailure},
		{"unknown sync", &fakeRunner{}, syncTask("missing"), CodeConfigNotFound},
		{"disabled sync", &fakeRunner{}, syncTask("old-sync"), CodeConfigNotFound},
		{"on-event", &fakeRunner{}, orchestrator.OnEventTask{TaskCommon: common("on-event"), OnEventArgs: orchestrator.OnEventArgs{OnEventName: "post-connection"}}, CodeNotImplemented},
		{"abort", &fakeRunner{}, orchestrator.AbortTask{TaskCommon: common("abort"), AbortArgs: orchestrator.AbortArgs{Reason: "user", AbortedTask: orchestrator.AbortedTask{ID: uuid.NewString()}}}, CodeAbortNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, _ := newTestRouter(t, tt.runner)
			out, err := r.Handle(context.Background(), tt.task)
			require.Error(t, err)
			assert.Nil(t, out)
			assert.Equal(t, tt.code, codeOf(err))
		})
	}

	t.Run("invalid response message", func(t *testing.T) {
		r, _, _ := newTestRouter(t, &fakeRunner{res: RunResult{Success: true, Response: json.RawMessage(`nope`)}})
		_, err := r.Handle(context.Background(), syncTask("commits"))
		assert.EqualError(t, err, "invalid response format")
	})

	t.Run("unknown provider config", func(t *testing.T) {
		r, _, _ := newTestRouter(t, &fakeRunner{})
		task := syncTask("commits")
		task.Connection.ProviderConfigKey = "gitlab"
		_, err := r.Handle(context.Background(), task)
		assert.Equal(t, CodeConfigNotFound, codeOf(err))
	})
}

func TestRouter_SyncAbort(t *testing.T) {
	runner := &fakeRunner{block: true}
	r, runs, reg := newTestRouter(t, runner)
	ctx := context.Background()

	// a sync running on this worker
	running := syncTask("commits")
	runCtx, cancel := context.WithCancelCause(ctx)
	reg.Add(running.ID, running.SyncID, cancel)
	done := make(chan error, 1)
	go func() {
		_, err := r.Handle(runCtx, running)
		done <- err
	}()
	require.Eventually(t, func() bool {
		_, err := runs.FindByTaskID(ctx, running.ID)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	abort := orchestrator.SyncAbortTask{
		TaskCommon: common("sync"),
		SyncArgs:   running.SyncArgs,
		AbortArgs:  orchestrator.AbortArgs{Reason: "stopped by user", AbortedTask: orchestrator.AbortedTask{ID: running.ID, State: domain.TaskStateCancelled}},
	}
	out, err := r.Handle(ctx, abort)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(out))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, worker.ErrAborted)
	case <-time.After(time.Second):
		t.Fatal("sync was not aborted")
	}

	run, err := runs.FindByTaskID(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusError, run.Status)

	// nothing left to cancel
	_, err = r.Handle(ctx, abort)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, CodeAbortFailed, e.Code)
	assert.True(t, e.Recoverable)
}
