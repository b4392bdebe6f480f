package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"conductor/internal/domain"
)

const (
	CodeTaskInProgress = "task_in_progress_error"
	CodeTaskFailed     = "task_failed_error"
	CodeTaskExpired    = "task_expired_error"
	CodeTaskCancelled  = "task_cancelled_error"
)

// noHeartbeatSecs is used by execution paths that never heartbeat.
const noHeartbeatSecs = 30 * 24 * 60 * 60

var defaultTimeouts = Timeouts{CreatedToStartedSecs: 30, StartedToCompletedSecs: 30, HeartbeatSecs: 60}

// Execute schedules a task and waits for its result. A task still running
// when the wait ends yields CodeTaskInProgress; other unsuccessful outcomes
// are reported by their terminal state, with the task output as payload.
func (c *Client) Execute(ctx context.Context, props SchedulingProps) (json.RawMessage, error) {
	if props.Timeouts == (Timeouts{}) {
		props.Timeouts = defaultTimeouts
	}
	taskID, err := c.Schedule(ctx, props)
	if err != nil {
		return nil, err
	}

	res, err := c.GetOutput(ctx, taskID, true)
	if err != nil {
		var ce *ClientError
		if errors.As(err, &ce) {
			ce.Payload = map[string]string{"taskId": taskID}
		}
		return nil, err
	}

	switch res.State {
	case domain.TaskStateSucceeded:
		return res.Output, nil
	case domain.TaskStateCreated, domain.TaskStateStarted:
		return nil, outcome(CodeTaskInProgress, taskID, "is in progress", res.Output)
	case domain.TaskStateFailed:
		return nil, outcome(CodeTaskFailed, taskID, "failed", res.Output)
	case domain.TaskStateExpired:
		return nil, outcome(CodeTaskExpired, taskID, "expired", res.Output)
	case domain.TaskStateCancelled:
		return nil, outcome(CodeTaskCancelled, taskID, "cancelled", res.Output)
	}
	return nil, &ClientError{Code: CodeTransport, Message: fmt.Sprintf("task %s has unknown state %q", taskID, res.State)}
}

func outcome(code, taskID, what string, output json.RawMessage) *ClientError {
	var payload any = output
	if len(output) > 0 {
		var v any
		if json.Unmarshal(output, &v) == nil {
			payload = v
		}
	}
	return &ClientError{Code: code, Message: fmt.Sprintf("Task %s %s", taskID, what), Payload: payload}
}

// ExecuteAction runs an action and waits for its output.
func (c *Client) ExecuteAction(ctx context.Context, props SchedulingProps, args ActionArgs) (json.RawMessage, error) {
	return c.executeTagged(ctx, props, KindAction, args)
}

func (c *Client) ExecuteWebhook(ctx context.Context, props SchedulingProps, args WebhookArgs) (json.RawMessage, error) {
	return c.executeTagged(ctx, props, KindWebhook, args)
}

// ExecutePostConnection runs the on-event script of a new connection.
func (c *Client) ExecutePostConnection(ctx context.Context, props SchedulingProps, args OnEventArgs) (json.RawMessage, error) {
	return c.executeTagged(ctx, props, KindOnEvent, args)
}

// executeTagged stamps the payload type and fills the timeouts of an
// execution that does not heartbeat.
func (c *Client) executeTagged(ctx context.Context, props SchedulingProps, kind Kind, args any) (json.RawMessage, error) {
	payload, err := tag(kind, args)
	if err != nil {
		return nil, &ClientError{Code: "invalid_props", Message: err.Error(), Payload: args, Err: err}
	}
	props.Args = payload

	t := props.Timeouts
	if t.CreatedToStartedSecs == 0 {
		t.CreatedToStartedSecs = defaultTimeouts.CreatedToStartedSecs
	}
	if t.StartedToCompletedSecs == 0 {
		t.StartedToCompletedSecs = 15 * 60
	}
	if t.HeartbeatSecs == 0 {
		t.HeartbeatSecs = noHeartbeatSecs
	}
	props.Timeouts = t
	return c.Execute(ctx, props)
}

// tag returns args as a JSON object with its type field set to kind.
func tag(kind Kind, args any) (json.RawMessage, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("args must be an object: %w", err)
	}
	fields["type"], _ = json.Marshal(kind)
	return json.Marshal(fields)
}
