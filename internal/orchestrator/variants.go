// Package orchestrator is the worker-facing side of the scheduler: an HTTP
// client for the task protocol and the typed task variants it hands out.
package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"conductor/internal/domain"
)

type Kind string

const (
	KindSync      Kind = "sync"
	KindSyncAbort Kind = "sync-abort"
	KindAction    Kind = "action"
	KindWebhook   Kind = "webhook"
	KindOnEvent   Kind = "on-event"
	KindAbort     Kind = "abort"
)

var ErrInvalidTask = errors.New("invalid task")

var validate = validator.New(validator.WithRequiredStructEnabled())

type Connection struct {
	ID                int64  `json:"id" validate:"gt=0"`
	ConnectionID      string `json:"connection_id" validate:"required"`
	ProviderConfigKey string `json:"provider_config_key" validate:"required"`
	EnvironmentID     int64  `json:"environment_id" validate:"gt=0"`
}

// TaskCommon holds the fields every variant shares. Attempt and AttemptMax
// are 1-based.
type TaskCommon struct {
	ID         string           `json:"id" validate:"required,uuid"`
	Name       string           `json:"name" validate:"required"`
	GroupKey   string           `json:"groupKey" validate:"required"`
	State      domain.TaskState `json:"state" validate:"required"`
	Attempt    int              `json:"attempt"`
	AttemptMax int              `json:"attemptMax"`
}

type SyncArgs struct {
	SyncID     string     `json:"syncId" validate:"required"`
	SyncName   string     `json:"syncName" validate:"required"`
	Debug      *bool      `json:"debug" validate:"required"`
	Connection Connection `json:"connection"`
}

type AbortedTask struct {
	ID    string           `json:"id" validate:"required,uuid"`
	State domain.TaskState `json:"state" validate:"required"`
}

type AbortArgs struct {
	AbortedTask AbortedTask `json:"abortedTask"`
	Reason      string      `json:"reason" validate:"required"`
}

type ActionArgs struct {
	ActionName    string          `json:"actionName" validate:"required"`
	Connection    Connection      `json:"connection"`
	ActivityLogID string          `json:"activityLogId" validate:"required"`
	Input         json.RawMessage `json:"input" validate:"required"`
}

type WebhookArgs struct {
	WebhookName    string          `json:"webhookName" validate:"required"`
	ParentSyncName string          `json:"parentSyncName" validate:"required"`
	Connection     Connection      `json:"connection"`
	ActivityLogID  string          `json:"activityLogId" validate:"required"`
	Input          json.RawMessage `json:"input" validate:"required"`
}

type OnEventArgs struct {
	OnEventName   string     `json:"onEventName" validate:"required"`
	Version       string     `json:"version" validate:"required"`
	FileLocation  string     `json:"fileLocation" validate:"required"`
	Connection    Connection `json:"connection"`
	ActivityLogID string     `json:"activityLogId" validate:"required"`
}

// Task is one validated variant.
type Task interface {
	Common() TaskCommon
	Kind() Kind
}

type SyncTask struct {
	TaskCommon
	SyncArgs
}

type SyncAbortTask struct {
	TaskCommon
	SyncArgs
	AbortArgs
}

type ActionTask struct {
	TaskCommon
	ActionArgs
}

type WebhookTask struct {
	TaskCommon
	WebhookArgs
}

type OnEventTask struct {
	TaskCommon
	OnEventArgs
}

// AbortTask aborts a task that is not a sync.
type AbortTask struct {
	TaskCommon
	AbortArgs
	Connection Connection `json:"connection"`
}

func (t SyncTask) Common() TaskCommon      { return t.TaskCommon }
func (t SyncAbortTask) Common() TaskCommon { return t.TaskCommon }
func (t ActionTask) Common() TaskCommon    { return t.TaskCommon }
func (t WebhookTask) Common() TaskCommon   { return t.TaskCommon }
func (t OnEventTask) Common() TaskCommon   { return t.TaskCommon }
func (t AbortTask) Common() TaskCommon     { return t.TaskCommon }

func (SyncTask) Kind() Kind      { return KindSync }
func (SyncAbortTask) Kind() Kind { return KindSyncAbort }
func (ActionTask) Kind() Kind    { return KindAction }
func (WebhookTask) Kind() Kind   { return KindWebhook }
func (OnEventTask) Kind() Kind   { return KindOnEvent }
func (AbortTask) Kind() Kind     { return KindAbort }

type variant struct {
	kind Kind
	// wire lists the payload type values this variant accepts.
	wire  []Kind
	parse func(common TaskCommon, payload []byte) (Task, error)
}

// variants in the order they are tried for one type value.
var variants = []variant{
	{KindSync, []Kind{KindSync}, func(c TaskCommon, p []byte) (Task, error) {
		args, err := parseArgs[SyncArgs](p)
		return SyncTask{TaskCommon: c, SyncArgs: args}, err
	}},
	{KindSyncAbort, []Kind{KindAbort, KindSyncAbort}, func(c TaskCommon, p []byte) (Task, error) {
		args, err := parseArgs[struct {
			SyncArgs
			AbortArgs
		}](p)
		if err == nil {
			err = validState(args.AbortedTask.State)
		}
		return SyncAbortTask{TaskCommon: c, SyncArgs: args.SyncArgs, AbortArgs: args.AbortArgs}, err
	}},
	{KindAction, []Kind{KindAction}, func(c TaskCommon, p []byte) (Task, error) {
		args, err := parseArgs[ActionArgs](p)
		return ActionTask{TaskCommon: c, ActionArgs: args}, err
	}},
	{KindWebhook, []Kind{KindWebhook}, func(c TaskCommon, p []byte) (Task, error) {
		args, err := parseArgs[WebhookArgs](p)
		return WebhookTask{TaskCommon: c, WebhookArgs: args}, err
	}},
	{KindOnEvent, []Kind{KindOnEvent}, func(c TaskCommon, p []byte) (Task, error) {
		args, err := parseArgs[OnEventArgs](p)
		return OnEventTask{TaskCommon: c, OnEventArgs: args}, err
	}},
	{KindAbort, []Kind{KindAbort}, func(c TaskCommon, p []byte) (Task, error) {
		args, err := parseArgs[struct {
			AbortArgs
			Connection Connection `json:"connection"`
		}](p)
		if err == nil {
			err = validState(args.AbortedTask.State)
		}
		return AbortTask{TaskCommon: c, AbortArgs: args.AbortArgs, Connection: args.Connection}, err
	}},
}

func parseArgs[A any](payload []byte) (A, error) {
	var args A
	if err := json.Unmarshal(payload, &args); err != nil {
		return args, err
	}
	return args, validate.Struct(args)
}

func validState(s domain.TaskState) error {
	if !s.Valid() {
		return fmt.Errorf("unknown task state %q", s)
	}
	return nil
}

func (v variant) accepts(k Kind) bool {
	for _, w := range v.wire {
		if w == k {
			return true
		}
	}
	return false
}

// ValidateTask turns a stored task into its variant. The payload's type field
// selects the candidate variants; a missing or unknown type is rejected. The
// error carries the raw task.
func ValidateTask(task domain.Task) (Task, error) {
	common := TaskCommon{
		ID:         task.ID,
		Name:       task.Name,
		GroupKey:   task.GroupKey,
		State:      task.State,
		Attempt:    task.RetryCount + 1,
		AttemptMax: task.RetryMax + 1,
	}
	err := validate.Struct(common)
	if err == nil {
		err = validState(task.State)
	}
	if err == nil {
		var head struct {
			Type Kind `json:"type"`
		}
		if err = json.Unmarshal(task.Payload, &head); err == nil {
			candidates := variantsFor(head.Type)
			if len(candidates) == 0 {
				err = unknownType(head.Type, common, task.Payload)
			}
			for i, v := range candidates {
				t, perr := v.parse(common, task.Payload)
				if perr == nil {
					return t, nil
				}
				if i == 0 {
					err = perr
				}
			}
		}
	}

	raw, _ := json.Marshal(task)
	return nil, fmt.Errorf("%w: cannot validate task %s: %v", ErrInvalidTask, raw, err)
}

func variantsFor(k Kind) []variant {
	var matched []variant
	for _, v := range variants {
		if v.accepts(k) {
			matched = append(matched, v)
		}
	}
	return matched
}

// unknownType reports a type value that names no variant, along with the
// variants the payload fields would satisfy.
func unknownType(k Kind, common TaskCommon, payload []byte) error {
	var resembles []string
	for _, v := range variants {
		if _, err := v.parse(common, payload); err == nil {
			resembles = append(resembles, string(v.kind))
		}
	}
	msg := fmt.Sprintf("unknown task type %q", k)
	if k == "" {
		msg = "missing task type"
	}
	if len(resembles) > 0 {
		msg += fmt.Sprintf(", fields match %s", strings.Join(resembles, ", "))
	}
	return errors.New(msg)
}
