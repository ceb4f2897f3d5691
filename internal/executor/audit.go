package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nekrolabs/sandpool/internal/bridge"
)

// ExecutionRecord is one persisted task execution. Output is truncated
// before persistence; the full result only ever flows back to the
// caller.
type ExecutionRecord struct {
	ID            uuid.UUID
	SessionKey    string
	ChatKey       string
	UserID        string
	PlatformType  string
	Instruction   string
	State         TaskState
	Success       bool
	Output        string
	Error         string
	ErrorKind     string
	ArtifactCount int
	DurationMS    int64
	CreatedAt     time.Time
}

// AuditStore persists execution records. Implemented by the storage
// backends; persistence failures are logged, never surfaced to the task.
type AuditStore interface {
	Append(ctx context.Context, rec *ExecutionRecord) error
	ListBySession(ctx context.Context, sessionKey string, limit int) ([]ExecutionRecord, error)
}

// maxPersistedOutput caps how much task output lands in the audit row.
const maxPersistedOutput = 4096

// recordExecution writes the audit row for one task, best effort.
func (e *Executor) recordExecution(
	ctx context.Context,
	agent bridge.AgentContext,
	sessionKey, instruction string,
	state TaskState,
	result *bridge.TaskResult,
	execErr error,
	elapsed time.Duration,
) {
	if e.audit == nil {
		return
	}

	rec := &ExecutionRecord{
		ID:           uuid.New(),
		SessionKey:   sessionKey,
		ChatKey:      agent.ChatKey,
		UserID:       agent.UserID,
		PlatformType: agent.PlatformType,
		Instruction:  instruction,
		State:        state,
		DurationMS:   elapsed.Milliseconds(),
		CreatedAt:    time.Now().UTC(),
	}
	if result != nil {
		rec.Success = result.Success
		rec.Output = truncate(result.Output, maxPersistedOutput)
		rec.Error = result.Error
		rec.ArtifactCount = len(result.Artifacts)
	}
	if execErr != nil {
		info := bridge.MapError(execErr)
		rec.Error = info.Message
		rec.ErrorKind = info.Kind.String()
	}

	if err := e.audit.Append(ctx, rec); err != nil {
		e.logger.Warn("execution audit append failed",
			slog.String("session_key", sessionKey),
			slog.String("error", err.Error()),
		)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
