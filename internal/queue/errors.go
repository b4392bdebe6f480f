package queue

import (
	"errors"
	"fmt"

	"conductor/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidProps      = errors.New("invalid props")
	ErrTaskTerminated    = errors.New("task terminated")
)

const (
	CodeNotFound          = "not_found"
	CodeInvalidTransition = "invalid_state_transition"
	CodeInvalidProps      = "invalid_props"
	CodeTaskTerminated    = "task_terminated"
	CodeInternal          = "internal_error"
)

// Error is the typed failure returned for expected store conditions.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Code extracts the machine-readable code of err.
func Code(err error) string {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code
	}
	return CodeInternal
}

func notFound(kind, id string) error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", kind, id), Err: ErrNotFound}
}

func invalidTransition(id string, from, to domain.TaskState) error {
	return &Error{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("task %s: cannot transition from %s to %s", id, from, to),
		Err:     ErrInvalidTransition,
	}
}

func invalidScheduleTransition(id string, from, to domain.ScheduleState) error {
	return &Error{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("schedule %s: cannot transition from %s to %s", id, from, to),
		Err:     ErrInvalidTransition,
	}
}

func invalidProps(format string, args ...any) error {
	return &Error{Code: CodeInvalidProps, Message: fmt.Sprintf(format, args...), Err: ErrInvalidProps}
}

func terminated(id string, state domain.TaskState) error {
	return &Error{
		Code:    CodeTaskTerminated,
		Message: fmt.Sprintf("task %s is already %s", id, state),
		Err:     ErrTaskTerminated,
	}
}
