package executor

import (
	"context"
	"errors"
	"fmt"
)

// Executor is an abstraction that represents some parameterless
// invocation, such as a command list bound to an entry.
//
// Context is used for cancellation of the running Executors
type Executor interface {
	Execute(context.Context) error
}

// ExecutorFunc adapts a plain function to an Executor
type ExecutorFunc func(context.Context) error

func (f ExecutorFunc) Execute(ctx context.Context) error { return f(ctx) }

// ErrTimeoutExceeded is an err that indicates the configured timeout for the
// execution has been exceeded.
var ErrTimeoutExceeded = errors.New("Execution timeout exceeded")

// ErrEmptyCommand is returned when asked to run a blank command string
var ErrEmptyCommand = errors.New("Empty command")

// ExitError reports a command that ran but exited with a non-zero status
type ExitError struct {
	Command string
	Code    int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited with status %d", e.Command, e.Code)
}

// Phase identifies which command list of an entry is being run
type Phase string

const (
	Start Phase = "start"
	End   Phase = "end"
)

// ParsePhase accepts "start" or "end"
func ParsePhase(s string) (Phase, error) {
	switch Phase(s) {
	case Start, End:
		return Phase(s), nil
	}
	return "", fmt.Errorf("unknown phase %q, expected start or end", s)
}
