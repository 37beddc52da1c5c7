package types

import (
	"errors"
	"fmt"
)

// ErrorCode is the wire-level error classification exposed to API adapters.
type ErrorCode string

const (
	ErrorCodeInvalidArgument     ErrorCode = "INVALID_ARGUMENT"
	ErrorCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrorCodeAlreadyExists       ErrorCode = "ALREADY_EXISTS"
	ErrorCodeFailedPrecondition  ErrorCode = "FAILED_PRECONDITION"
	ErrorCodeConcurrencyConflict ErrorCode = "CONCURRENCY_CONFLICT"
	ErrorCodeShardUnavailable    ErrorCode = "SHARD_UNAVAILABLE"
	ErrorCodeTaskLeaseExpired    ErrorCode = "TASK_LEASE_EXPIRED"
	ErrorCodeHistoryEventError   ErrorCode = "HISTORY_EVENT_ERROR"
	ErrorCodeTimeout             ErrorCode = "TIMEOUT"
	ErrorCodePersistenceError    ErrorCode = "PERSISTENCE_ERROR"
	ErrorCodeInternal            ErrorCode = "INTERNAL"
)

// BadRequestError is returned for malformed requests. Never retried.
type BadRequestError struct {
	Message string
}

func (e *BadRequestError) Error() string {
	return e.Message
}

// EntityNotExistsError is returned when a referenced resource is absent.
type EntityNotExistsError struct {
	Message string
}

func (e *EntityNotExistsError) Error() string {
	return e.Message
}

// WorkflowExecutionAlreadyStartedError is returned on a duplicate workflow id.
type WorkflowExecutionAlreadyStartedError struct {
	WorkflowID string
	RunID      string
}

func (e *WorkflowExecutionAlreadyStartedError) Error() string {
	return fmt.Sprintf("workflow execution already started: workflow-id %s, run-id %s", e.WorkflowID, e.RunID)
}

// FailedPreconditionError is returned on state-machine violations, e.g.
// signaling a closed workflow.
type FailedPreconditionError struct {
	Message string
}

func (e *FailedPreconditionError) Error() string {
	return e.Message
}

// ConcurrencyConflictError is returned when a versioned update lost the race.
// No row changes when it is returned.
type ConcurrencyConflictError struct {
	Expected int64
	Actual   int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict: expected version %d, actual %d", e.Expected, e.Actual)
}

// ShardUnavailableError is returned when the calling host does not hold the
// shard lease. Callers back off and retry, possibly on another host.
type ShardUnavailableError struct {
	ShardID int
	Owner   string
}

func (e *ShardUnavailableError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("shard %d unavailable", e.ShardID)
	}
	return fmt.Sprintf("shard %d unavailable, owned by %s", e.ShardID, e.Owner)
}

// TaskLeaseExpiredError is returned when a lease has been reclaimed or never
// existed. The worker abandons the task; the sweep requeues it.
type TaskLeaseExpiredError struct {
	LeaseID string
}

func (e *TaskLeaseExpiredError) Error() string {
	return fmt.Sprintf("task lease expired or unknown: %s", e.LeaseID)
}

// HistoryEventError is returned on an event ID sequence violation. The whole
// batch is rejected; nothing is appended.
type HistoryEventError struct {
	Message string
}

func (e *HistoryEventError) Error() string {
	return e.Message
}

// TimeoutError is returned when a deadline was exceeded.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string {
	return e.Message
}

// InternalServiceError is the catch-all for unexpected failures. The cause is
// logged at the point of wrapping.
type InternalServiceError struct {
	Message string
}

func (e *InternalServiceError) Error() string {
	return e.Message
}

// ErrorToCode maps a typed service error to its wire code.
func ErrorToCode(err error) ErrorCode {
	var (
		badRequest     *BadRequestError
		notExists      *EntityNotExistsError
		alreadyStarted *WorkflowExecutionAlreadyStartedError
		precondition   *FailedPreconditionError
		conflict       *ConcurrencyConflictError
		shard          *ShardUnavailableError
		lease          *TaskLeaseExpiredError
		history        *HistoryEventError
		timeout        *TimeoutError
	)
	switch {
	case errors.As(err, &badRequest):
		return ErrorCodeInvalidArgument
	case errors.As(err, &notExists):
		return ErrorCodeNotFound
	case errors.As(err, &alreadyStarted):
		return ErrorCodeAlreadyExists
	case errors.As(err, &precondition):
		return ErrorCodeFailedPrecondition
	case errors.As(err, &conflict):
		return ErrorCodeConcurrencyConflict
	case errors.As(err, &shard):
		return ErrorCodeShardUnavailable
	case errors.As(err, &lease):
		return ErrorCodeTaskLeaseExpired
	case errors.As(err, &history):
		return ErrorCodeHistoryEventError
	case errors.As(err, &timeout):
		return ErrorCodeTimeout
	}
	return ErrorCodeInternal
}

// IsConflict reports whether err is a versioned-update conflict.
func IsConflict(err error) bool {
	var conflict *ConcurrencyConflictError
	return errors.As(err, &conflict)
}

// IsTransient reports whether err is worth a local bounded retry. Validation,
// precondition and not-found failures are never retried.
func IsTransient(err error) bool {
	var (
		conflict *ConcurrencyConflictError
		timeout  *TimeoutError
		internal *InternalServiceError
	)
	return errors.As(err, &conflict) || errors.As(err, &timeout) || errors.As(err, &internal)
}
