package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedType is returned when encoding a value outside the convertible set.
	ErrUnsupportedType = errors.New("unsupported value type")

	// ErrMalformedMessage marks framing or size mismatches. The connection that
	// produced it must be treated as corrupted.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrConnectionClosed is returned when the peer hung up or the socket was closed locally.
	ErrConnectionClosed = errors.New("connection closed")
)

// WorkerExecutionError is a failure reported by a worker while running a command.
type WorkerExecutionError struct {
	Index   int
	Command Command
	Message string
}

func (e *WorkerExecutionError) Error() string {
	return fmt.Sprintf("worker %d failed to execute %s: %s", e.Index, e.Command, e.Message)
}

// RetryBoundExceededError is raised when a session produced more wrong samples than
// allowed in one round. It is a warning: the last sample is accepted anyway.
type RetryBoundExceededError struct {
	Index    int
	Attempts int
	Limit    int
}

func (e *RetryBoundExceededError) Error() string {
	return fmt.Sprintf("worker %d exceeded %d wrong samples (%d attempts), forcing last sample", e.Index, e.Limit, e.Attempts)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}
