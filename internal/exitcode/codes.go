// Package exitcode defines the process exit codes used by workers and the CLI.
//
// Worker codes are observed by callers waiting on a task, so they are part of
// the external contract:
//   - 0: normal completion
//   - 1: host process died
//   - 2: exit key, end-task request, power suspend or session lock
//   - 3: refused by the single-instance guard
//   - 4: handoff handshake failed
//
// CLI errors use the 10+ range so they never collide with a task's own code.
package exitcode

import (
	"errors"
	"fmt"
)

// Worker exit codes.
const (
	Success      = 0
	HostDied     = 1
	Ended        = 2
	SingleRefuse = 3
	Handoff      = 4
)

// CLI exit codes.
const (
	ErrUsage    = 10 // Invalid arguments or usage
	ErrNoHost   = 11 // Host not running
	ErrNotFound = 12 // Task target not found
	ErrFailed   = 13 // Host failed to start the task
	ErrTimeout  = 14 // Operation timed out
	ErrInternal = 15 // Internal error
)

// Error wraps an error with a specific exit code.
type Error struct {
	Code    int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new coded error.
func New(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap wraps an existing error with a code and message.
func Wrap(code int, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Wrapf wraps an existing error with a code and printf-style message.
func Wrapf(code int, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Code extracts the exit code from an error. Uncoded errors map to ErrInternal.
func Code(err error) int {
	if err == nil {
		return Success
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ErrInternal
}

// Describe returns a short label for a worker exit code.
func Describe(code int) string {
	switch code {
	case Success:
		return "ok"
	case HostDied:
		return "host died"
	case Ended:
		return "ended"
	case SingleRefuse:
		return "single instance"
	case Handoff:
		return "handoff failed"
	default:
		return fmt.Sprintf("exit %d", code)
	}
}
