// Package handlers turns validated tasks into runs: it resolves the
// integration and the script definition a task points at, keeps a run record
// for syncs and webhooks, and hands the work to a Runner.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"conductor/internal/orchestrator"
)

const (
	CodeNotImplemented    = "not_implemented"
	CodeAbortNotSupported = "abort_not_supported"
	CodeAbortFailed       = "abort_failed"
	CodeInvalidResponse   = "invalid_response"
	CodeScriptFailure     = "script_failure"
	CodeConfigNotFound    = "config_not_found"
)

// Error is the failure a task ends with. Recoverable errors leave room for a
// retry of the same task.
type Error struct {
	Code        string
	Message     string
	Recoverable bool
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode names the failure in the task output.
func (e *Error) ErrorCode() string { return e.Code }

type ProviderConfig struct {
	ID            int64  `json:"id"`
	Key           string `json:"key"`
	Provider      string `json:"provider"`
	EnvironmentID int64  `json:"environmentId"`
}

type Definition struct {
	ID       int64  `json:"id"`
	ConfigID int64  `json:"configId"`
	Name     string `json:"name"`
	IsAction bool   `json:"isAction"`
	Enabled  bool   `json:"enabled"`
	Script   string `json:"script"`
}

// ConfigLookup returns nil, nil when no integration matches.
type ConfigLookup interface {
	ProviderConfig(ctx context.Context, key string, environmentID int64) (*ProviderConfig, error)
}

// DefinitionLookup returns nil, nil when the integration has no such script.
type DefinitionLookup interface {
	Definition(ctx context.Context, configID int64, name string, isAction bool) (*Definition, error)
}

type RunRequest struct {
	TaskID        string                  `json:"taskId"`
	RunID         string                  `json:"runId,omitempty"`
	Kind          orchestrator.Kind       `json:"kind"`
	IsAction      bool                    `json:"isAction"`
	Debug         bool                    `json:"debug"`
	ActivityLogID string                  `json:"activityLogId,omitempty"`
	Connection    orchestrator.Connection `json:"connection"`
	Config        ProviderConfig          `json:"config"`
	Definition    Definition              `json:"definition"`
	Input         json.RawMessage         `json:"input,omitempty"`
	Attempt       int                     `json:"attempt"`
}

type RunError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type RunResult struct {
	Success  bool            `json:"success"`
	Error    *RunError       `json:"error,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

// Runner executes a script. ctx is cancelled when the task is aborted or
// terminated.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

type Canceller interface {
	CancelBySyncID(ctx context.Context, syncID string) error
}

type Router struct {
	configs     ConfigLookup
	definitions DefinitionLookup
	runner      Runner
	runs        RunStore
	canceller   Canceller
	logger      zerolog.Logger
}

func NewRouter(configs ConfigLookup, definitions DefinitionLookup, runner Runner, runs RunStore, canceller Canceller) *Router {
	return &Router{
		configs:     configs,
		definitions: definitions,
		runner:      runner,
		runs:        runs,
		canceller:   canceller,
		logger:      log.With().Str("component", "router").Logger(),
	}
}

// Handle runs task and returns its output. Every path ends in either a JSON
// value or an error.
func (r *Router) Handle(ctx context.Context, task orchestrator.Task) (json.RawMessage, error) {
	r.logger.Debug().Str("task_id", task.Common().ID).Str("kind", string(task.Kind())).Msg("routing task")

	switch t := task.(type) {
	case orchestrator.SyncTask:
		return r.sync(ctx, t)
	case orchestrator.ActionTask:
		return r.action(ctx, t)
	case orchestrator.WebhookTask:
		return r.webhook(ctx, t)
	case orchestrator.OnEventTask:
		return nil, &Error{Code: CodeNotImplemented, Message: fmt.Sprintf("on-event %q is not implemented", t.OnEventName)}
	case orchestrator.SyncAbortTask:
		return r.abortSync(ctx, t)
	case orchestrator.AbortTask:
		return nil, &Error{Code: CodeAbortNotSupported, Message: fmt.Sprintf("abort of task %s is not supported", t.AbortedTask.ID)}
	}
	return nil, &Error{Code: CodeNotImplemented, Message: fmt.Sprintf("unsupported task kind %q", task.Kind())}
}

func (r *Router) resolve(ctx context.Context, conn orchestrator.Connection, name string, isAction bool) (*ProviderConfig, *Definition, error) {
	cfg, err := r.configs.ProviderConfig(ctx, conn.ProviderConfigKey, conn.EnvironmentID)
	if err != nil {
		return nil, nil, &Error{Code: CodeConfigNotFound, Message: "failed to look up provider config", Recoverable: true, Err: err}
	}
	if cfg == nil {
		return nil, nil, &Error{Code: CodeConfigNotFound, Message: fmt.Sprintf("provider config not found for connection %s", conn.ConnectionID)}
	}
	def, err := r.definitions.Definition(ctx, cfg.ID, name, isAction)
	if err != nil {
		return nil, nil, &Error{Code: CodeConfigNotFound, Message: fmt.Sprintf("failed to look up %q", name), Recoverable: true, Err: err}
	}
	if def == nil {
		return nil, nil, &Error{Code: CodeConfigNotFound, Message: fmt.Sprintf("%q not found for %s", name, cfg.Key)}
	}
	if !def.Enabled {
		return nil, nil, &Error{Code: CodeConfigNotFound, Message: fmt.Sprintf("%q is disabled", name)}
	}
	return cfg, def, nil
}

func (r *Router) sync(ctx context.Context, t orchestrator.SyncTask) (json.RawMessage, error) {
	cfg, def, err := r.resolve(ctx, t.Connection, t.SyncName, false)
	if err != nil {
		return nil, err
	}
	run, err := r.runs.Create(ctx, Run{TaskID: t.ID, SyncID: t.SyncID, Type: RunTypeSync, Status: RunStatusRunning})
	if err != nil {
		return nil, &Error{Code: CodeScriptFailure, Message: "failed to create run record", Recoverable: true, Err: err}
	}

	out, err := r.run(ctx, RunRequest{
		TaskID:     t.ID,
		RunID:      run.ID,
		Kind:       orchestrator.KindSync,
		Debug:      t.Debug != nil && *t.Debug,
		Connection: t.Connection,
		Config:     *cfg,
		Definition: *def,
		Attempt:    t.Attempt,
	})
	r.finish(ctx, run.ID, err)
	return out, err
}

func (r *Router) action(ctx context.Context, t orchestrator.ActionTask) (json.RawMessage, error) {
	cfg, def, err := r.resolve(ctx, t.Connection, t.ActionName, true)
	if err != nil {
		return nil, err
	}
	return r.run(ctx, RunRequest{
		TaskID:        t.ID,
		Kind:          orchestrator.KindAction,
		IsAction:      true,
		ActivityLogID: t.ActivityLogID,
		Connection:    t.Connection,
		Config:        *cfg,
		Definition:    *def,
		Input:         t.Input,
		Attempt:       t.Attempt,
	})
}

func (r *Router) webhook(ctx context.Context, t orchestrator.WebhookTask) (json.RawMessage, error) {
	cfg, def, err := r.resolve(ctx, t.Connection, t.ParentSyncName, false)
	if err != nil {
		return nil, err
	}
	run, err := r.runs.Create(ctx, Run{TaskID: t.ID, Type: RunTypeWebhook, Status: RunStatusRunning})
	if err != nil {
		return nil, &Error{Code: CodeScriptFailure, Message: "failed to create run record", Recoverable: true, Err: err}
	}

	out, err := r.run(ctx, RunRequest{
		TaskID:        t.ID,
		RunID:         run.ID,
		Kind:          orchestrator.KindWebhook,
		ActivityLogID: t.ActivityLogID,
		Connection:    t.Connection,
		Config:        *cfg,
		Definition:    *def,
		Input:         t.Input,
		Attempt:       t.Attempt,
	})
	r.finish(ctx, run.ID, err)
	return out, err
}

// abortSync cancels the sync running locally for the aborted task and closes
// its run record.
func (r *Router) abortSync(ctx context.Context, t orchestrator.SyncAbortTask) (json.RawMessage, error) {
	if err := r.canceller.CancelBySyncID(ctx, t.SyncID); err != nil {
		r.logger.Warn().Err(err).Str("sync_id", t.SyncID).Msg("failed to cancel sync")
		return nil, &Error{Code: CodeAbortFailed, Message: fmt.Sprintf("failed to abort sync %s", t.SyncID), Recoverable: true, Err: err}
	}

	run, err := r.runs.FindByTaskID(ctx, t.AbortedTask.ID)
	switch {
	case errors.Is(err, ErrRunNotFound):
		r.logger.Warn().Str("aborted_task_id", t.AbortedTask.ID).Msg("no run record for aborted task")
	case err != nil:
		return nil, &Error{Code: CodeAbortFailed, Message: "failed to load run record", Recoverable: true, Err: err}
	default:
		if err := r.runs.UpdateStatus(ctx, run.ID, RunStatusError, t.Reason); err != nil {
			return nil, &Error{Code: CodeAbortFailed, Message: "failed to update run record", Recoverable: true, Err: err}
		}
	}
	return json.RawMessage(`{}`), nil
}

func (r *Router) run(ctx context.Context, req RunRequest) (json.RawMessage, error) {
	res, err := r.runner.Run(ctx, req)
	if err != nil {
		return nil, &Error{Code: CodeScriptFailure, Message: fmt.Sprintf("failed to run %s %q", req.Kind, req.Definition.Name), Recoverable: true, Err: err}
	}
	if !res.Success {
		msg := "script failed"
		code := CodeScriptFailure
		if res.Error != nil {
			msg = res.Error.Message
			if res.Error.Type != "" {
				code = res.Error.Type
			}
		}
		return nil, &Error{Code: code, Message: msg}
	}
	if len(res.Response) == 0 {
		return json.RawMessage(`null`), nil
	}
	if !json.Valid(res.Response) {
		return nil, &Error{Code: CodeInvalidResponse, Message: "invalid response format"}
	}
	return res.Response, nil
}

func (r *Router) finish(ctx context.Context, runID string, runErr error) {
	status, msg := RunStatusSuccess, ""
	if runErr != nil {
		status, msg = RunStatusError, runErr.Error()
	}
	// the run record outlives an aborted task context
	if err := r.runs.UpdateStatus(context.WithoutCancel(ctx), runID, status, msg); err != nil {
		r.logger.Error().Err(err).Str("run_id", runID).Msg("failed to update run status")
	}
}
