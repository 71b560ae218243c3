// Package apperrors defines the error taxonomy surfaced by the dispatch
// engine. Callers classify with errors.As; none of these are retried by the
// engine itself except GatewayError values marked retryable, which feed the
// per-job retry loop.
package apperrors

import "fmt"

// ValidationError reports bad input: empty contact list, unknown speed,
// missing required field.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func NewValidation(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown dispatch or job.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func NewNotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// InvalidStateError reports a lifecycle operation applied in the wrong
// status, e.g. starting an already running dispatch.
type InvalidStateError struct {
	Msg string
}

func (e *InvalidStateError) Error() string { return e.Msg }

func NewInvalidState(format string, args ...any) *InvalidStateError {
	return &InvalidStateError{Msg: fmt.Sprintf(format, args...)}
}

// GatewayError is a failed gateway call. Retryable errors (timeouts, 429,
// 5xx) are absorbed by the job retry loop up to the attempt cap; terminal
// ones (bad number, permanent rejection) fail the job immediately.
type GatewayError struct {
	Code      int
	Body      string
	Retryable bool
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error: status=%d retryable=%t body=%q", e.Code, e.Retryable, e.Body)
}
