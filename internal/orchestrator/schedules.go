package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"conductor/internal/api"
	"conductor/internal/domain"
)

// Schedule is the caller-facing view of a recurring schedule. NextDueDate
// is nil unless the schedule is STARTED.
type Schedule struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	State       domain.ScheduleState `json:"state"`
	FrequencyMs int64                `json:"frequencyMs"`
	NextDueDate *time.Time           `json:"nextDueDate"`
}

// SyncScheduleName is the name of the schedule driving a sync.
func SyncScheduleName(environmentID int64, syncID string) string {
	return fmt.Sprintf("environment:%d:sync:%s", environmentID, syncID)
}

// ScheduleRecurring creates a schedule and returns its id.
func (c *Client) ScheduleRecurring(ctx context.Context, props domain.ScheduleProps) (string, error) {
	var res api.RecurringResponse
	if err := c.do(ctx, call{method: "POST", path: "/v1/recurring", body: props}, &res); err != nil {
		return "", err
	}
	return res.ScheduleID, nil
}

func (c *Client) PauseSync(ctx context.Context, scheduleName string) error {
	return c.setScheduleState(ctx, scheduleName, domain.ScheduleStatePaused)
}

func (c *Client) UnpauseSync(ctx context.Context, scheduleName string) error {
	return c.setScheduleState(ctx, scheduleName, domain.ScheduleStateStarted)
}

func (c *Client) DeleteSync(ctx context.Context, scheduleName string) error {
	return c.setScheduleState(ctx, scheduleName, domain.ScheduleStateDeleted)
}

func (c *Client) setScheduleState(ctx context.Context, name string, state domain.ScheduleState) error {
	return c.do(ctx, call{
		method:  "PUT",
		path:    "/v1/schedules/" + url.PathEscape(name),
		body:    api.ScheduleStateRequest{State: state},
		payload: map[string]string{"scheduleName": name, "state": string(state)},
	}, nil)
}

func (c *Client) SearchSchedules(ctx context.Context, names []string, limit int) ([]Schedule, error) {
	var views []api.ScheduleView
	req := api.SchedulesSearchRequest{Names: names, Limit: limit}
	if err := c.do(ctx, call{method: "POST", path: "/v1/schedules/search", body: req, idempotent: true}, &views); err != nil {
		return nil, err
	}
	out := make([]Schedule, 0, len(views))
	for _, v := range views {
		out = append(out, Schedule{
			ID:          v.ID,
			Name:        v.Name,
			State:       v.State,
			FrequencyMs: v.FrequencyMs,
			NextDueDate: v.NextDueDate,
		})
	}
	return out, nil
}
