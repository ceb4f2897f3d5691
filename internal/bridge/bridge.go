// Package bridge translates between the orchestrating agent's conversation
// identity and the sandbox execution layer: context derivation, result
// normalization, and error classification. Every function here is pure:
// no I/O, no failure modes.
package bridge

import (
	"errors"
	"time"
)

// Metadata constants stamped onto every derived execution context.
const (
	createdBy    = "nekro-agent"
	orchestrator = "nekro-agent"
)

// AgentContext identifies the conversation on whose behalf a task runs.
// Immutable per call.
type AgentContext struct {
	ChatKey      string
	UserID       string
	PlatformType string
	BotID        string
}

// ExecutionContext is the sandbox-side view of an AgentContext.
// Derived deterministically, never persisted.
type ExecutionContext struct {
	SessionKey   string
	Workdir      string
	ChatKey      string
	UserID       string
	PlatformType string
	BotID        string
	CreatedBy    string
	Orchestrator string
}

// CreateContext derives the execution context for an agent conversation.
// The session key is scoped to (chat, user) so two users in the same chat
// never share interpreter state.
func CreateContext(ctx AgentContext) ExecutionContext {
	return ExecutionContext{
		SessionKey:   "nekro_" + ctx.ChatKey + "_" + ctx.UserID,
		Workdir:      "/tmp/aipyapp_" + ctx.ChatKey,
		ChatKey:      ctx.ChatKey,
		UserID:       ctx.UserID,
		PlatformType: ctx.PlatformType,
		BotID:        ctx.BotID,
		CreatedBy:    createdBy,
		Orchestrator: orchestrator,
	}
}

// Map renders the execution context as a plain map, the shape the runtime
// receives as its task context seed. Explicit caller-supplied keys are
// merged on top by the executor.
func (e ExecutionContext) Map() map[string]any {
	return map[string]any{
		"session_key":   e.SessionKey,
		"workdir":       e.Workdir,
		"chat_key":      e.ChatKey,
		"user_id":       e.UserID,
		"platform_type": e.PlatformType,
		"bot_id":        e.BotID,
		"created_by":    e.CreatedBy,
		"orchestrator":  e.Orchestrator,
	}
}

// TaskResult is the normalized outcome of one task execution.
// Success=false means the sandboxed program itself reported failure;
// infrastructure failures are returned as typed errors, never as a
// TaskResult.
type TaskResult struct {
	Success       bool           `json:"success"`
	Output        string         `json:"output"`
	Error         string         `json:"error,omitempty"`
	Artifacts     []string       `json:"artifacts"`
	ExecutionTime time.Duration  `json:"execution_time"`
	Variables     map[string]any `json:"variables"`
}

// FormatResult normalizes a partial raw result map into a TaskResult.
// Total: every missing or mistyped field takes its fixed default.
func FormatResult(raw map[string]any) TaskResult {
	res := TaskResult{
		Artifacts: []string{},
		Variables: map[string]any{},
	}
	if raw == nil {
		return res
	}
	if v, ok := raw["success"].(bool); ok {
		res.Success = v
	}
	if v, ok := raw["output"].(string); ok {
		res.Output = v
	}
	if v, ok := raw["error"].(string); ok {
		res.Error = v
	}
	switch v := raw["artifacts"].(type) {
	case []string:
		if v != nil {
			res.Artifacts = v
		}
	case []any:
		for _, a := range v {
			if s, ok := a.(string); ok {
				res.Artifacts = append(res.Artifacts, s)
			}
		}
	}
	switch v := raw["execution_time"].(type) {
	case time.Duration:
		res.ExecutionTime = v
	case float64:
		res.ExecutionTime = time.Duration(v * float64(time.Second))
	case int:
		res.ExecutionTime = time.Duration(v) * time.Second
	}
	if v, ok := raw["variables"].(map[string]any); ok && v != nil {
		res.Variables = v
	}
	return res
}

// ErrorKind is the closed classification of sandbox execution failures.
// Decoupled from any interpreter's exception type names: runtimes attach
// a kind to the errors they raise, and everything unrecognized falls
// through to KindUnknown.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindSyntax
	KindTimeout
	KindMemory
	KindMissingDependency
	KindInvalidInput
)

// String returns the stable wire name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindSyntax:
		return "syntax"
	case KindTimeout:
		return "timeout"
	case KindMemory:
		return "memory"
	case KindMissingDependency:
		return "missing_dependency"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

// KindFromString parses a wire name back into an ErrorKind.
// Unrecognized names map to KindUnknown.
func KindFromString(s string) ErrorKind {
	switch s {
	case "syntax":
		return KindSyntax
	case "timeout":
		return KindTimeout
	case "memory":
		return KindMemory
	case "missing_dependency":
		return KindMissingDependency
	case "invalid_input":
		return KindInvalidInput
	default:
		return KindUnknown
	}
}

// ErrorInfo is a classified execution failure with a recovery hint for
// the orchestrating agent.
type ErrorInfo struct {
	Kind               ErrorKind `json:"error_kind"`
	Message            string    `json:"message"`
	RecoverySuggestion string    `json:"recovery_suggestion"`
}

// defaultSuggestion is the mandatory fallback for unclassified failures.
const defaultSuggestion = "review task requirements and retry"

var suggestions = map[ErrorKind]string{
	KindSyntax:            "check the syntax of the generated code",
	KindTimeout:           "task exceeded the time limit, consider breaking it into smaller tasks",
	KindMemory:            "task used too much memory, optimize data processing",
	KindMissingDependency: "a required module is not available in the sandbox",
	KindInvalidInput:      "invalid input data, check task parameters",
}

// kinded is implemented by errors that carry their own classification.
type kinded interface {
	ErrorKind() ErrorKind
}

// MapError classifies an execution error into a stable ErrorInfo.
// Total: nil-safe, and any error that carries no kind maps to KindUnknown
// with the default suggestion.
func MapError(err error) ErrorInfo {
	if err == nil {
		return ErrorInfo{Kind: KindUnknown, RecoverySuggestion: defaultSuggestion}
	}

	kind := KindUnknown
	var ke kinded
	if errors.As(err, &ke) {
		kind = ke.ErrorKind()
	}

	suggestion, ok := suggestions[kind]
	if !ok {
		suggestion = defaultSuggestion
	}

	return ErrorInfo{
		Kind:               kind,
		Message:            err.Error(),
		RecoverySuggestion: suggestion,
	}
}
