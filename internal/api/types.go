package api

import (
	"encoding/json"
	"time"

	"conductor/internal/domain"
)

// Wire types shared by the server and internal/orchestrator.

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the body of every failed request. A present error key is
// authoritative regardless of the HTTP status.
type ErrorResponse struct {
	Error *ErrorBody `json:"error"`
}

type ScheduleResponse struct {
	TaskID string `json:"taskId"`
}

type DequeueRequest struct {
	GroupKey    string `json:"groupKey"`
	Limit       int    `json:"limit"`
	LongPolling bool   `json:"longPolling"`
}

type SearchRequest struct {
	IDs        []string           `json:"ids,omitempty"`
	GroupKey   string             `json:"groupKey,omitempty"`
	States     []domain.TaskState `json:"states,omitempty"`
	ScheduleID string             `json:"scheduleId,omitempty"`
	Limit      int                `json:"limit,omitempty"`
}

type TaskPath struct {
	TaskID string `in:"path=taskId"`
}

type OutputRequest struct {
	TaskID      string `in:"path=taskId"`
	LongPolling bool   `in:"query=longPolling"`
}

type OutputResponse struct {
	ID     string           `json:"id"`
	State  domain.TaskState `json:"state"`
	Output json.RawMessage  `json:"output"`
}

type TransitionRequest struct {
	State  domain.TaskState `json:"state"`
	Output json.RawMessage  `json:"output,omitempty"`
}

type RecurringResponse struct {
	ScheduleID string `json:"scheduleId"`
}

type SchedulePath struct {
	Name string `in:"path=name"`
}

type ScheduleStateRequest struct {
	State domain.ScheduleState `json:"state"`
}

type SchedulesSearchRequest struct {
	Names []string `json:"names,omitempty"`
	Limit int      `json:"limit,omitempty"`
}

// ScheduleView is a schedule plus its next due date, which is null unless
// the schedule is STARTED.
type ScheduleView struct {
	domain.Schedule
	NextDueDate *time.Time `json:"nextDueDate"`
}

func NewScheduleView(s domain.Schedule, now time.Time) ScheduleView {
	return ScheduleView{Schedule: s, NextDueDate: s.NextDueDate(now)}
}
