// Package runtime defines the pluggable sandboxed execution backend
// contract and its two implementations: isolated OS processes and
// ephemeral Docker containers. The interpreter's semantics are opaque
// to the rest of the system: a backend only promises to run one
// instruction, honor cancellation, and leave nothing behind.
package runtime

import (
	"context"
	"fmt"

	"github.com/nekrolabs/sandpool/internal/bridge"
)

// Handle is an opaque reference to a constructed per-session runtime.
// Handles are exclusive to one session and never shared.
type Handle interface {
	// Workdir returns the session directory the handle is bound to.
	Workdir() string
}

// Outcome is the raw result of running one instruction.
// Success=false means the sandboxed program ran and reported its own
// failure; that is not a Go error.
type Outcome struct {
	Success   bool           `json:"success"`
	Rounds    []string       `json:"rounds"`
	Error     string         `json:"error,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Runtime is the sandboxed execution backend contract.
type Runtime interface {
	// Construct builds a session-scoped runtime handle bound to the given
	// exclusive workdir. Called once per session under the pool's
	// per-session construction lock.
	Construct(ctx context.Context, workdir string, config map[string]string) (Handle, error)

	// Run executes one instruction against the handle. Must honor ctx
	// cancellation: when the deadline fires, no interpreter process may
	// survive the call's return. taskCtx carries the merged execution
	// context (session identity plus caller-threaded variables).
	Run(ctx context.Context, h Handle, instruction string, taskCtx map[string]any) (*Outcome, error)

	// Shutdown releases any resources held by the handle.
	Shutdown(h Handle) error

	// ReusableAfterKill reports whether a handle remains safe to reuse
	// after an in-flight Run was force-cancelled. Backends that spawn a
	// fresh process per Run return true; the pool poisons and evicts the
	// session when this is false.
	ReusableAfterKill() bool
}

// Error is a classified infrastructure failure raised by a backend.
// It carries a bridge.ErrorKind so the executor can surface a stable
// recovery suggestion regardless of which backend produced it.
type Error struct {
	Kind bridge.ErrorKind
	Op   string // "construct" or "run"
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("runtime %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind reports the classification, satisfying bridge.MapError.
func (e *Error) ErrorKind() bridge.ErrorKind { return e.Kind }

// newError wraps err as a classified runtime failure.
func newError(kind bridge.ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
