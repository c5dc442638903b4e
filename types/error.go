package types

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrorCode classifies engine errors. Ordinary task failures never carry an
// ErrorCode: they are recorded per task and resolved through routing.
type ErrorCode string

const (
	ErrValidation    ErrorCode = "VALIDATION"     // malformed graph or unresolved required variable
	ErrExecution     ErrorCode = "EXECUTION"      // task-level failure surfaced as final outcome
	ErrTimeout       ErrorCode = "TIMEOUT"        // dispatch exceeded its configured timeout
	ErrDependency    ErrorCode = "DEPENDENCY"     // resume refused, forward reference unsatisfiable
	ErrLockConflict  ErrorCode = "LOCK_CONFLICT"  // another live instance holds the run
	ErrRecoveryStale ErrorCode = "RECOVERY_STALE" // recovery record does not match current workflow
	ErrInterrupted   ErrorCode = "INTERRUPTED"    // run stopped by a termination signal
	ErrInternal      ErrorCode = "INTERNAL"       // unexpected internal fault
)

// Error is the structured error carried across engine boundaries.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	TaskID  int       `json:"task_id,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, TaskID: -1}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithTask associates the error with a task id.
func (e *Error) WithTask(id int) *Error {
	e.TaskID = id
	return e
}

// CodeOf extracts the error code from an error chain.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// Process exit statuses. Task-level timeout results do not exit the process;
// they are recorded with TimeoutExitCode in the TaskResult instead.
const (
	ExitSuccess       = 0
	ExitTaskFailure   = 1
	ExitValidation    = 2
	ExitDependency    = 3
	ExitLockConflict  = 4
	ExitRecoveryStale = 5
	ExitInternal      = 10
)

// TimeoutExitCode is the reserved synthetic exit code recorded for a task
// whose dispatch exceeded its timeout.
const TimeoutExitCode = 124

// ExitFromSignal maps a termination signal to the conventional 128+signo
// process exit status.
func ExitFromSignal(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 128 + int(syscall.SIGTERM)
}

// ExitCodeFor maps a terminal engine error to a process exit status.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}
	switch CodeOf(err) {
	case ErrValidation:
		return ExitValidation
	case ErrDependency:
		return ExitDependency
	case ErrLockConflict:
		return ExitLockConflict
	case ErrRecoveryStale:
		return ExitRecoveryStale
	case ErrExecution, ErrTimeout:
		return ExitTaskFailure
	case ErrInternal:
		return ExitInternal
	default:
		return ExitTaskFailure
	}
}
