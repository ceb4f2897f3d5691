package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/nekrolabs/sandpool/internal/bridge"
	"github.com/nekrolabs/sandpool/internal/executor"
)

// SessionRequest is the JSON body for POST /v1/sessions.
type SessionRequest struct {
	ChatKey      string `json:"chat_key"`
	UserID       string `json:"user_id"`
	PlatformType string `json:"platform_type,omitempty"`
	BotID        string `json:"bot_id,omitempty"`
}

// SessionResponse is the JSON response for POST /v1/sessions.
type SessionResponse struct {
	SessionKey string    `json:"session_key"`
	Workdir    string    `json:"workdir"`
	CreatedAt  time.Time `json:"created_at"`
	TaskCount  int       `json:"task_count"`
}

func (g *Gateway) handleSessionCreate(c *okapi.Context) error {
	clientID := c.GetString("clientID")

	if g.limiter != nil {
		if err := g.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req SessionRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ChatKey == "" || req.UserID == "" {
		return c.AbortBadRequest("chat_key and user_id are required")
	}

	agent := bridge.AgentContext{
		ChatKey:      req.ChatKey,
		UserID:       req.UserID,
		PlatformType: req.PlatformType,
		BotID:        req.BotID,
	}
	session, err := g.exec.PrepareSession(c.Context(), agent)
	if err != nil {
		g.logger.Error("session pre-create failed",
			slog.String("client_id", clientID),
			slog.String("chat_key", req.ChatKey),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("session construction failed")
	}

	return c.JSON(http.StatusCreated, SessionResponse{
		SessionKey: session.Key,
		Workdir:    session.Workdir,
		CreatedAt:  session.CreatedAt,
		TaskCount:  session.TaskCount,
	})
}

// SessionDeleteResponse is the JSON response for DELETE /v1/sessions/{chat_key}/{user_id}.
type SessionDeleteResponse struct {
	SessionKey string `json:"session_key"`
	Removed    bool   `json:"removed"`
}

func (g *Gateway) handleSessionDelete(c *okapi.Context) error {
	agent := bridge.AgentContext{
		ChatKey: c.Param("chat_key"),
		UserID:  c.Param("user_id"),
	}
	if agent.ChatKey == "" || agent.UserID == "" {
		return c.AbortBadRequest("chat_key and user_id are required")
	}

	sessionKey := bridge.CreateContext(agent).SessionKey
	removed := g.exec.CleanupSession(c.Context(), agent)

	g.logger.Info("http session delete",
		slog.String("session_key", sessionKey),
		slog.Bool("removed", removed),
	)
	return c.OK(SessionDeleteResponse{SessionKey: sessionKey, Removed: removed})
}

// ExecutionResponse is one audit row in the executions listing.
type ExecutionResponse struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	Success       bool      `json:"success"`
	Instruction   string    `json:"instruction"`
	Output        string    `json:"output,omitempty"`
	Error         string    `json:"error,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	ArtifactCount int       `json:"artifact_count"`
	DurationMS    int64     `json:"duration_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

func (g *Gateway) handleExecutionsList(c *okapi.Context) error {
	if g.audit == nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "audit storage not configured"})
	}

	agent := bridge.AgentContext{
		ChatKey: c.Param("chat_key"),
		UserID:  c.Param("user_id"),
	}
	if agent.ChatKey == "" || agent.UserID == "" {
		return c.AbortBadRequest("chat_key and user_id are required")
	}
	sessionKey := bridge.CreateContext(agent).SessionKey

	records, err := g.audit.ListBySession(c.Context(), sessionKey, 0)
	if err != nil {
		g.logger.Error("executions listing failed",
			slog.String("session_key", sessionKey),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("listing failed")
	}

	resp := make([]ExecutionResponse, len(records))
	for i, rec := range records {
		resp[i] = executionResponse(rec)
	}
	return c.OK(resp)
}

func executionResponse(rec executor.ExecutionRecord) ExecutionResponse {
	return ExecutionResponse{
		ID:            rec.ID.String(),
		State:         string(rec.State),
		Success:       rec.Success,
		Instruction:   rec.Instruction,
		Output:        rec.Output,
		Error:         rec.Error,
		ErrorKind:     rec.ErrorKind,
		ArtifactCount: rec.ArtifactCount,
		DurationMS:    rec.DurationMS,
		CreatedAt:     rec.CreatedAt,
	}
}
