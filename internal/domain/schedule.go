package domain

import (
	"encoding/json"
	"time"
)

type ScheduleState string

const (
	ScheduleStateStarted ScheduleState = "STARTED"
	ScheduleStatePaused  ScheduleState = "PAUSED"
	ScheduleStateDeleted ScheduleState = "DELETED"
)

func (s ScheduleState) Valid() bool {
	switch s {
	case ScheduleStateStarted, ScheduleStatePaused, ScheduleStateDeleted:
		return true
	}
	return false
}

var scheduleTransitions = map[ScheduleState][]ScheduleState{
	ScheduleStateStarted: {ScheduleStatePaused, ScheduleStateDeleted},
	ScheduleStatePaused:  {ScheduleStateStarted, ScheduleStateDeleted},
}

func CanTransitionSchedule(from, to ScheduleState) bool {
	for _, s := range scheduleTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Schedule is a template that periodically materializes tasks.
type Schedule struct {
	ID                            string          `json:"id"`
	Name                          string          `json:"name"`
	State                         ScheduleState   `json:"state"`
	StartsAt                      time.Time       `json:"startsAt"`
	FrequencyMs                   int64           `json:"frequencyMs"`
	Payload                       json.RawMessage `json:"payload"`
	GroupKey                      string          `json:"groupKey"`
	GroupMaxConcurrency           int             `json:"groupMaxConcurrency"`
	RetryMax                      int             `json:"retryMax"`
	CreatedToStartedTimeoutSecs   int             `json:"createdToStartedTimeoutSecs"`
	StartedToCompletedTimeoutSecs int             `json:"startedToCompletedTimeoutSecs"`
	HeartbeatTimeoutSecs          int             `json:"heartbeatTimeoutSecs"`
	CreatedAt                     time.Time       `json:"createdAt"`
	UpdatedAt                     time.Time       `json:"updatedAt"`
	DeletedAt                     *time.Time      `json:"deletedAt"`
	LastScheduledTaskID           *string         `json:"lastScheduledTaskId"`
}

func (s Schedule) Frequency() time.Duration {
	return time.Duration(s.FrequencyMs) * time.Millisecond
}

// NextDueDate is nil unless the schedule is STARTED.
func (s Schedule) NextDueDate(now time.Time) *time.Time {
	if s.State != ScheduleStateStarted {
		return nil
	}
	next := ComputeNextDueDate(s.StartsAt, s.Frequency(), now)
	return &next
}

// LatestOccurrence returns the most recent due instant at or before now.
func (s Schedule) LatestOccurrence(now time.Time) (time.Time, bool) {
	f := s.Frequency()
	if f <= 0 || now.Before(s.StartsAt) {
		return time.Time{}, false
	}
	elapsed := now.Sub(s.StartsAt)
	return s.StartsAt.Add(elapsed - elapsed%f), true
}

// ComputeNextDueDate returns startsAt when it has not passed yet, otherwise the
// first instant after now that lies on the startsAt + k*frequency grid.
func ComputeNextDueDate(startsAt time.Time, frequency time.Duration, now time.Time) time.Time {
	if !startsAt.Before(now) || frequency <= 0 {
		return startsAt
	}
	elapsed := now.Sub(startsAt)
	return now.Add(frequency - elapsed%frequency)
}

// ScheduleProps are the caller-supplied fields of a new schedule.
type ScheduleProps struct {
	Name                          string          `json:"name"`
	State                         ScheduleState   `json:"state"`
	StartsAt                      time.Time       `json:"startsAt"`
	FrequencyMs                   int64           `json:"frequencyMs"`
	Payload                       json.RawMessage `json:"payload"`
	GroupKey                      string          `json:"groupKey"`
	GroupMaxConcurrency           int             `json:"groupMaxConcurrency"`
	RetryMax                      int             `json:"retryMax"`
	CreatedToStartedTimeoutSecs   int             `json:"createdToStartedTimeoutSecs"`
	StartedToCompletedTimeoutSecs int             `json:"startedToCompletedTimeoutSecs"`
	HeartbeatTimeoutSecs          int             `json:"heartbeatTimeoutSecs"`
}
