package domain

import (
	"encoding/json"
	"time"
)

type TaskState string

const (
	TaskStateCreated   TaskState = "CREATED"
	TaskStateStarted   TaskState = "STARTED"
	TaskStateSucceeded TaskState = "SUCCEEDED"
	TaskStateFailed    TaskState = "FAILED"
	TaskStateExpired   TaskState = "EXPIRED"
	TaskStateCancelled TaskState = "CANCELLED"
)

var TaskStates = []TaskState{
	TaskStateCreated,
	TaskStateStarted,
	TaskStateSucceeded,
	TaskStateFailed,
	TaskStateExpired,
	TaskStateCancelled,
}

func (s TaskState) Valid() bool {
	for _, st := range TaskStates {
		if s == st {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateSucceeded, TaskStateFailed, TaskStateExpired, TaskStateCancelled:
		return true
	}
	return false
}

type TaskTransition struct {
	From TaskState
	To   TaskState
}

var TaskTransitions = []TaskTransition{
	{From: TaskStateCreated, To: TaskStateStarted},
	{From: TaskStateCreated, To: TaskStateCancelled},
	{From: TaskStateCreated, To: TaskStateExpired},
	{From: TaskStateStarted, To: TaskStateSucceeded},
	{From: TaskStateStarted, To: TaskStateFailed},
	{From: TaskStateStarted, To: TaskStateExpired},
	{From: TaskStateStarted, To: TaskStateCancelled},
}

func CanTransition(from, to TaskState) bool {
	for _, t := range TaskTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// Task is one schedulable unit of work. Payload is opaque to the store.
type Task struct {
	ID                            string          `json:"id"`
	Name                          string          `json:"name"`
	Payload                       json.RawMessage `json:"payload"`
	GroupKey                      string          `json:"groupKey"`
	GroupMaxConcurrency           int             `json:"groupMaxConcurrency"`
	RetryKey                      *string         `json:"retryKey"`
	RetryCount                    int             `json:"retryCount"`
	RetryMax                      int             `json:"retryMax"`
	OwnerKey                      *string         `json:"ownerKey"`
	ScheduleID                    *string         `json:"scheduleId"`
	StartsAfter                   time.Time       `json:"startsAfter"`
	CreatedToStartedTimeoutSecs   int             `json:"createdToStartedTimeoutSecs"`
	StartedToCompletedTimeoutSecs int             `json:"startedToCompletedTimeoutSecs"`
	HeartbeatTimeoutSecs          int             `json:"heartbeatTimeoutSecs"`
	CreatedAt                     time.Time       `json:"createdAt"`
	LastStateTransitionAt         time.Time       `json:"lastStateTransitionAt"`
	LastHeartbeatAt               time.Time       `json:"lastHeartbeatAt"`
	State                         TaskState       `json:"state"`
	Output                        json.RawMessage `json:"output"`
	Terminated                    bool            `json:"terminated"`
}

// TaskProps are the caller-supplied fields of a new task.
type TaskProps struct {
	Name                          string          `json:"name"`
	Payload                       json.RawMessage `json:"payload"`
	GroupKey                      string          `json:"groupKey"`
	GroupMaxConcurrency           int             `json:"groupMaxConcurrency"`
	RetryKey                      *string         `json:"retryKey,omitempty"`
	RetryCount                    int             `json:"retryCount"`
	RetryMax                      int             `json:"retryMax"`
	OwnerKey                      *string         `json:"ownerKey,omitempty"`
	ScheduleID                    *string         `json:"scheduleId,omitempty"`
	StartsAfter                   time.Time       `json:"startsAfter"`
	CreatedToStartedTimeoutSecs   int             `json:"createdToStartedTimeoutSecs"`
	StartedToCompletedTimeoutSecs int             `json:"startedToCompletedTimeoutSecs"`
	HeartbeatTimeoutSecs          int             `json:"heartbeatTimeoutSecs"`
}
