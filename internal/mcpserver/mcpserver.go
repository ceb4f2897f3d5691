// Package mcpserver exposes the sandbox execution pool as an MCP
// (Model Context Protocol) server over stdio, so agent frameworks can
// drive sessions as tools without the HTTP surface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nekrolabs/sandpool/internal/bridge"
	"github.com/nekrolabs/sandpool/internal/executor"
	"github.com/nekrolabs/sandpool/internal/pool"
)

// Server wraps an MCP stdio server around the executor and pool.
type Server struct {
	mcp    *server.MCPServer
	exec   *executor.Executor
	pool   *pool.Pool
	logger *slog.Logger
}

// New creates the MCP server and registers the sandbox tools.
func New(version string, exec *executor.Executor, p *pool.Pool, logger *slog.Logger) *Server {
	s := &Server{
		mcp:    server.NewMCPServer("sandpool", version),
		exec:   exec,
		pool:   p,
		logger: logger,
	}

	s.mcp.AddTool(mcp.NewTool("execute_task",
		mcp.WithDescription("Execute one instruction in the caller's persistent session sandbox. Variables survive between calls for the same chat_key and user_id."),
		mcp.WithString("chat_key", mcp.Required(), mcp.Description("Conversation identifier")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User identifier")),
		mcp.WithString("instruction", mcp.Required(), mcp.Description("Natural-language task instruction")),
		mcp.WithString("platform_type", mcp.Description("Originating platform, e.g. onebot_v11")),
	), s.handleExecuteTask)

	s.mcp.AddTool(mcp.NewTool("execute_workflow",
		mcp.WithDescription("Execute a sequence of instructions sharing one session. Each step sees the previous step's variables. Stops at the first failure."),
		mcp.WithString("chat_key", mcp.Required(), mcp.Description("Conversation identifier")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User identifier")),
		mcp.WithArray("instructions", mcp.Required(), mcp.Description("Ordered task instructions")),
	), s.handleExecuteWorkflow)

	s.mcp.AddTool(mcp.NewTool("cleanup_session",
		mcp.WithDescription("Tear down the caller's session sandbox and delete its state."),
		mcp.WithString("chat_key", mcp.Required(), mcp.Description("Conversation identifier")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User identifier")),
	), s.handleCleanupSession)

	s.mcp.AddTool(mcp.NewTool("pool_stats",
		mcp.WithDescription("Report active session count, capacity, and total executed tasks."),
	), s.handlePoolStats)

	return s
}

// ServeStdio blocks serving MCP over stdin/stdout until the transport closes.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server starting on stdio")
	return server.ServeStdio(s.mcp)
}

func (s *Server) handleExecuteTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := agentFromRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	instruction, err := req.RequireString("instruction")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := s.exec.ExecuteTask(ctx, agent, instruction, nil)
	if err != nil {
		info := bridge.MapError(err)
		return mcp.NewToolResultError(fmt.Sprintf("%s (%s): %s", info.Message, info.Kind, info.RecoverySuggestion)), nil
	}
	return jsonResult(result)
}

func (s *Server) handleExecuteWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := agentFromRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, ok := req.GetArguments()["instructions"].([]any)
	if !ok || len(raw) == 0 {
		return mcp.NewToolResultError("instructions must be a non-empty array of strings"), nil
	}
	instructions := make([]string, 0, len(raw))
	for _, item := range raw {
		step, ok := item.(string)
		if !ok {
			return mcp.NewToolResultError("instructions must be a non-empty array of strings"), nil
		}
		instructions = append(instructions, step)
	}

	// The partial result is still worth returning when a step aborts the
	// workflow; the abort reason rides in the error field.
	result, _ := s.exec.ExecuteWorkflow(ctx, agent, instructions)
	return jsonResult(result)
}

func (s *Server) handleCleanupSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := agentFromRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	removed := s.exec.CleanupSession(ctx, agent)
	sessionKey := bridge.CreateContext(agent).SessionKey
	return jsonResult(map[string]any{
		"session_key": sessionKey,
		"removed":     removed,
	})
}

func (s *Server) handlePoolStats(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.pool.Stats())
}

// agentFromRequest extracts the required session identity arguments.
func agentFromRequest(req mcp.CallToolRequest) (bridge.AgentContext, error) {
	chatKey, err := req.RequireString("chat_key")
	if err != nil {
		return bridge.AgentContext{}, err
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return bridge.AgentContext{}, err
	}
	return bridge.AgentContext{
		ChatKey:      chatKey,
		UserID:       userID,
		PlatformType: req.GetString("platform_type", ""),
	}, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
