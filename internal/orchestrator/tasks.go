package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"conductor/internal/api"
	"conductor/internal/domain"
)

type Retry struct {
	Count int `json:"count"`
	Max   int `json:"max"`
}

type Timeouts struct {
	CreatedToStartedSecs   int `json:"createdToStarted"`
	StartedToCompletedSecs int `json:"startedToCompleted"`
	HeartbeatSecs          int `json:"heartbeat"`
}

// SchedulingProps describe a task to schedule. Args is marshalled into the
// task payload.
type SchedulingProps struct {
	Name                string    `json:"name"`
	GroupKey            string    `json:"groupKey"`
	GroupMaxConcurrency int       `json:"groupMaxConcurrency,omitempty"`
	Retry               Retry     `json:"retry"`
	Timeouts            Timeouts  `json:"timeoutSettingsInSecs"`
	StartsAfter         time.Time `json:"startsAfter"`
	OwnerKey            *string   `json:"ownerKey,omitempty"`
	Args                any       `json:"args"`
}

func (p SchedulingProps) taskProps() (domain.TaskProps, error) {
	payload, err := json.Marshal(p.Args)
	if err != nil {
		return domain.TaskProps{}, fmt.Errorf("encode args: %w", err)
	}
	return domain.TaskProps{
		Name:                          p.Name,
		Payload:                       payload,
		GroupKey:                      p.GroupKey,
		GroupMaxConcurrency:           p.GroupMaxConcurrency,
		RetryCount:                    p.Retry.Count,
		RetryMax:                      p.Retry.Max,
		OwnerKey:                      p.OwnerKey,
		StartsAfter:                   p.StartsAfter,
		CreatedToStartedTimeoutSecs:   p.Timeouts.CreatedToStartedSecs,
		StartedToCompletedTimeoutSecs: p.Timeouts.StartedToCompletedSecs,
		HeartbeatTimeoutSecs:          p.Timeouts.HeartbeatSecs,
	}, nil
}

// Schedule creates a task and returns its id.
func (c *Client) Schedule(ctx context.Context, props SchedulingProps) (string, error) {
	body, err := props.taskProps()
	if err != nil {
		return "", &ClientError{Code: "invalid_props", Message: err.Error(), Payload: props, Err: err}
	}
	var res api.ScheduleResponse
	if err := c.do(ctx, call{method: "POST", path: "/v1/schedule", body: body, payload: props}, &res); err != nil {
		return "", err
	}
	return res.TaskID, nil
}

// Dequeue starts up to limit tasks of groupKey. With longPolling the server
// holds the request until a task is available or its timeout elapses. Tasks
// that fail validation are logged and skipped.
func (c *Client) Dequeue(ctx context.Context, groupKey string, limit int, longPolling bool) ([]Task, error) {
	var tasks []domain.Task
	req := api.DequeueRequest{GroupKey: groupKey, Limit: limit, LongPolling: longPolling}
	if err := c.do(ctx, call{method: "POST", path: "/v1/dequeue", body: req}, &tasks); err != nil {
		return nil, err
	}
	return c.validateAll(tasks), nil
}

type SearchProps struct {
	IDs      []string
	GroupKey string
	Limit    int
}

func (c *Client) Search(ctx context.Context, props SearchProps) ([]Task, error) {
	var tasks []domain.Task
	req := api.SearchRequest{IDs: props.IDs, GroupKey: props.GroupKey, Limit: props.Limit}
	if err := c.do(ctx, call{method: "POST", path: "/v1/search", body: req, idempotent: true}, &tasks); err != nil {
		return nil, err
	}
	return c.validateAll(tasks), nil
}

func (c *Client) validateAll(tasks []domain.Task) []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		v, err := ValidateTask(t)
		if err != nil {
			c.logger.Error().Err(err).Str("task_id", t.ID).Msg("skipping invalid task")
			continue
		}
		out = append(out, v)
	}
	return out
}

func (c *Client) Heartbeat(ctx context.Context, taskID string) error {
	return c.do(ctx, call{
		method:     "POST",
		path:       "/v1/tasks/" + url.PathEscape(taskID) + "/heartbeat",
		idempotent: true,
		payload:    map[string]string{"taskId": taskID},
	}, nil)
}

func (c *Client) Succeed(ctx context.Context, taskID string, output json.RawMessage) (Task, error) {
	return c.resolve(ctx, taskID, domain.TaskStateSucceeded, output, "succeed_failed")
}

// ErrorOutput is the output stored on a failed task.
type ErrorOutput struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Failed marks the task FAILED with err as its output. An error carrying a
// code (ClientError or anything with an ErrorCode method) keeps that code as
// the output name.
func (c *Client) Failed(ctx context.Context, taskID string, err error) (Task, error) {
	out := ErrorOutput{Name: "task_failed", Message: err.Error()}
	var ce *ClientError
	var coded interface{ ErrorCode() string }
	switch {
	case errors.As(err, &ce):
		out = ErrorOutput{Name: ce.Code, Message: ce.Message}
	case errors.As(err, &coded):
		out.Name = coded.ErrorCode()
	}
	output, _ := json.Marshal(out)
	return c.resolve(ctx, taskID, domain.TaskStateFailed, output, "failed_failed")
}

func (c *Client) Cancel(ctx context.Context, taskID, reason string) (Task, error) {
	output, _ := json.Marshal(map[string]string{"reason": reason})
	return c.resolve(ctx, taskID, domain.TaskStateCancelled, output, "cancel_failed")
}

func (c *Client) resolve(ctx context.Context, taskID string, state domain.TaskState, output json.RawMessage, invalidCode string) (Task, error) {
	var task domain.Task
	req := api.TransitionRequest{State: state, Output: output}
	payload := map[string]any{"taskId": taskID, "output": output}
	if err := c.do(ctx, call{method: "PUT", path: "/v1/tasks/" + url.PathEscape(taskID), body: req, payload: payload}, &task); err != nil {
		return nil, err
	}
	v, err := ValidateTask(task)
	if err != nil {
		return nil, &ClientError{
			Code:    invalidCode,
			Message: fmt.Sprintf("task %s was marked %s but is invalid: %v", taskID, state, err),
			Payload: payload,
			Err:     err,
		}
	}
	return v, nil
}

// GetOutput returns the state and output of a task. With longPolling the
// server waits for the task to terminate, up to its timeout.
func (c *Client) GetOutput(ctx context.Context, taskID string, longPolling bool) (api.OutputResponse, error) {
	path := "/v1/tasks/" + url.PathEscape(taskID) + "/output"
	if longPolling {
		path += "?longPolling=true"
	}
	var res api.OutputResponse
	err := c.do(ctx, call{method: "GET", path: path, idempotent: true, payload: map[string]string{"taskId": taskID}}, &res)
	return res, err
}
