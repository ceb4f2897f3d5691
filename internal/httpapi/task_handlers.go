package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/nekrolabs/sandpool/internal/bridge"
	"github.com/nekrolabs/sandpool/internal/executor"
)

// TaskRequest is the JSON body for POST /v1/tasks.
type TaskRequest struct {
	ChatKey      string         `json:"chat_key"`
	UserID       string         `json:"user_id"`
	PlatformType string         `json:"platform_type,omitempty"`
	BotID        string         `json:"bot_id,omitempty"`
	Instruction  string         `json:"instruction"`
	Context      map[string]any `json:"context,omitempty"` // Merged over the derived execution context.
}

func (r TaskRequest) agentContext() bridge.AgentContext {
	return bridge.AgentContext{
		ChatKey:      r.ChatKey,
		UserID:       r.UserID,
		PlatformType: r.PlatformType,
		BotID:        r.BotID,
	}
}

// TaskResponse is the JSON response for POST /v1/tasks.
type TaskResponse struct {
	Success         bool           `json:"success"`
	Output          string         `json:"output"`
	Error           string         `json:"error,omitempty"`
	Artifacts       []string       `json:"artifacts,omitempty"`
	Variables       map[string]any `json:"variables,omitempty"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
	CorrelationID   string         `json:"correlation_id"`
}

func taskResponse(result *bridge.TaskResult, correlationID string) TaskResponse {
	return TaskResponse{
		Success:         result.Success,
		Output:          result.Output,
		Error:           result.Error,
		Artifacts:       result.Artifacts,
		Variables:       result.Variables,
		ExecutionTimeMS: result.ExecutionTime.Milliseconds(),
		CorrelationID:   correlationID,
	}
}

func (g *Gateway) handleTaskExecute(c *okapi.Context) error {
	clientID := c.GetString("clientID")

	if g.limiter != nil {
		if err := g.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req TaskRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ChatKey == "" || req.UserID == "" {
		return c.AbortBadRequest("chat_key and user_id are required")
	}
	if req.Instruction == "" {
		return c.AbortBadRequest("instruction is required")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http task",
		slog.String("client_id", clientID),
		slog.String("chat_key", req.ChatKey),
		slog.String("correlation_id", correlationID),
	)

	result, err := g.exec.ExecuteTask(c.Context(), req.agentContext(), req.Instruction, req.Context)
	if err != nil {
		return g.executionError(c, err, correlationID)
	}

	return c.OK(taskResponse(result, correlationID))
}

// WorkflowRequest is the JSON body for POST /v1/workflows.
type WorkflowRequest struct {
	ChatKey      string   `json:"chat_key"`
	UserID       string   `json:"user_id"`
	PlatformType string   `json:"platform_type,omitempty"`
	BotID        string   `json:"bot_id,omitempty"`
	Instructions []string `json:"instructions"`
}

// WorkflowResponse is the JSON response for POST /v1/workflows.
type WorkflowResponse struct {
	Success         bool           `json:"success"`
	Steps           []TaskResponse `json:"steps"`
	Artifacts       []string       `json:"artifacts,omitempty"`
	Error           string         `json:"error,omitempty"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
	CorrelationID   string         `json:"correlation_id"`
}

func (g *Gateway) handleWorkflowExecute(c *okapi.Context) error {
	clientID := c.GetString("clientID")

	if g.limiter != nil {
		if err := g.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req WorkflowRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ChatKey == "" || req.UserID == "" {
		return c.AbortBadRequest("chat_key and user_id are required")
	}
	if len(req.Instructions) == 0 {
		return c.AbortBadRequest("instructions must not be empty")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http workflow",
		slog.String("client_id", clientID),
		slog.String("chat_key", req.ChatKey),
		slog.Int("steps", len(req.Instructions)),
		slog.String("correlation_id", correlationID),
	)

	agent := bridge.AgentContext{
		ChatKey:      req.ChatKey,
		UserID:       req.UserID,
		PlatformType: req.PlatformType,
		BotID:        req.BotID,
	}
	// ExecuteWorkflow always returns the partial result; an error means
	// the workflow aborted mid-sequence. The completed steps still go
	// back to the caller, with the abort reason in the error field.
	wf, err := g.exec.ExecuteWorkflow(c.Context(), agent, req.Instructions)
	if err != nil {
		g.logger.Error("workflow aborted",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}

	steps := make([]TaskResponse, len(wf.Steps))
	for i := range wf.Steps {
		steps[i] = taskResponse(&wf.Steps[i], correlationID)
	}
	resp := WorkflowResponse{
		Success:         wf.Success,
		Steps:           steps,
		Artifacts:       wf.Artifacts,
		Error:           wf.Error,
		ExecutionTimeMS: wf.ExecutionTime.Milliseconds(),
		CorrelationID:   correlationID,
	}
	return c.OK(resp)
}

// executionError maps executor errors to HTTP responses. Timeouts and
// classified runtime failures carry the mapped kind and recovery
// suggestion so agent callers can act on them.
func (g *Gateway) executionError(c *okapi.Context, err error, correlationID string) error {
	var timeoutErr *executor.ExecutionTimeoutError
	if errors.As(err, &timeoutErr) {
		info := bridge.MapError(err)
		return c.JSON(http.StatusGatewayTimeout, ErrorBody{
			Error:      info.Message,
			ErrorKind:  info.Kind.String(),
			Suggestion: info.RecoverySuggestion,
		})
	}

	var runErr *executor.RuntimeExecutionError
	if errors.As(err, &runErr) {
		return c.JSON(http.StatusUnprocessableEntity, ErrorBody{
			Error:      runErr.Info.Message,
			ErrorKind:  runErr.Info.Kind.String(),
			Suggestion: runErr.Info.RecoverySuggestion,
		})
	}

	g.logger.Error("task execution failed",
		slog.String("correlation_id", correlationID),
		slog.String("error", err.Error()),
	)
	return c.AbortInternalServerError("execution failed")
}
