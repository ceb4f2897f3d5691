package executor

import (
	"fmt"
	"time"

	"github.com/nekrolabs/sandpool/internal/bridge"
)

// ExecutionTimeoutError reports a task force-cancelled at the deadline.
// An infrastructure failure: the caller may retry with a narrower
// instruction. Never returned as a TaskResult.
type ExecutionTimeoutError struct {
	SessionKey string
	Timeout    time.Duration
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("task execution exceeded %s timeout (session %s)", e.Timeout, e.SessionKey)
}

// ErrorKind classifies the timeout for bridge.MapError.
func (e *ExecutionTimeoutError) ErrorKind() bridge.ErrorKind { return bridge.KindTimeout }

// RuntimeExecutionError wraps a failure raised by the runtime backend,
// carrying its classification. An infrastructure failure, distinct from
// the sandboxed program reporting its own failure.
type RuntimeExecutionError struct {
	SessionKey string
	Info       bridge.ErrorInfo
	Err        error
}

func (e *RuntimeExecutionError) Error() string {
	return fmt.Sprintf("runtime execution failed (session %s): %s", e.SessionKey, e.Info.Message)
}

func (e *RuntimeExecutionError) Unwrap() error { return e.Err }

// ErrorKind reports the wrapped classification.
func (e *RuntimeExecutionError) ErrorKind() bridge.ErrorKind { return e.Info.Kind }
