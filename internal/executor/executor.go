// Package executor drives single-task execution against a session's
// sandboxed runtime: handle resolution, deadline enforcement, result
// collection, and the infrastructure-vs-program failure split.
//
// A task that ran but reported its own failure comes back as a
// TaskResult with Success=false. A broken sandbox (construction
// failure, deadline kill, runtime error) comes back as a typed error.
// Callers rely on that distinction to tell "my sandbox is broken" from
// "the requested computation failed".
package executor

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nekrolabs/sandpool/internal/bridge"
	"github.com/nekrolabs/sandpool/internal/observability"
	"github.com/nekrolabs/sandpool/internal/pool"
	"github.com/nekrolabs/sandpool/internal/runtime"
)

// TaskState is the per-task execution state machine.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskTimedOut  TaskState = "timed_out"
)

// Config bounds task execution.
type Config struct {
	Timeout            time.Duration // Hard per-task deadline.
	MaxMemoryMB        int           // Advisory, forwarded to the runtime via session config.
	ArtifactExtensions []string      // Allow-list for artifact collection.
}

// Executor composes the bridge, the session pool, and a runtime backend.
type Executor struct {
	config  Config
	pool    *pool.Pool
	rt      runtime.Runtime
	audit   AuditStore // nil = audit persistence disabled
	metrics *observability.MetricsCollector
	tracer  trace.Tracer
	logger  *slog.Logger

	artifactExts map[string]struct{}
}

// New creates an executor. metrics, tracer, and audit may be nil.
func New(cfg Config, p *pool.Pool, rt runtime.Runtime, logger *slog.Logger) *Executor {
	exts := make(map[string]struct{}, len(cfg.ArtifactExtensions))
	for _, ext := range cfg.ArtifactExtensions {
		exts[strings.ToLower(ext)] = struct{}{}
	}
	return &Executor{
		config:       cfg,
		pool:         p,
		rt:           rt,
		logger:       logger,
		artifactExts: exts,
	}
}

// WithAudit attaches an execution audit store.
func (e *Executor) WithAudit(store AuditStore) *Executor {
	e.audit = store
	return e
}

// WithObservability attaches metrics and tracing.
func (e *Executor) WithObservability(m *observability.MetricsCollector, tracer trace.Tracer) *Executor {
	e.metrics = m
	e.tracer = tracer
	return e
}

// ExecuteTask runs one instruction in the caller's session sandbox.
//
// extra carries caller-supplied context merged on top of the derived
// execution context; explicit keys win. The returned TaskResult's
// Success=false is reserved for the sandboxed program's own reported
// failure; infrastructure failures surface as typed errors.
func (e *Executor) ExecuteTask(ctx context.Context, agent bridge.AgentContext, instruction string, extra map[string]any) (*bridge.TaskResult, error) {
	execCtx := bridge.CreateContext(agent)
	sessionKey := execCtx.SessionKey

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "executor.execute_task",
			trace.WithAttributes(
				attribute.String("session_key", sessionKey),
				attribute.String("platform_type", agent.PlatformType),
			))
		defer span.End()
	}

	if e.metrics != nil {
		e.metrics.ActiveTasks.Inc()
		defer e.metrics.ActiveTasks.Dec()
	}

	state := TaskPending
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.TasksTotal.WithLabelValues(string(state)).Inc()
			e.metrics.TaskDuration.WithLabelValues(string(state)).Observe(time.Since(start).Seconds())
		}
	}()

	// Resolve the session and its runtime handle.
	session, err := e.pool.GetOrCreate(sessionKey, e.sessionConfig())
	if err != nil {
		state = TaskFailed
		e.recordExecution(ctx, agent, sessionKey, instruction, state, nil, err, time.Since(start))
		return nil, err
	}
	handle, err := e.pool.ResolveHandle(ctx, session)
	if err != nil {
		state = TaskFailed
		e.recordExecution(ctx, agent, sessionKey, instruction, state, nil, err, time.Since(start))
		return nil, err
	}

	// Merge derived context with caller extras; explicit keys override.
	taskCtx := execCtx.Map()
	for k, v := range extra {
		taskCtx[k] = v
	}

	state = TaskRunning
	e.logger.Info("task starting",
		slog.String("session_key", sessionKey),
		slog.Int("instruction_len", len(instruction)),
	)

	runCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	outcome, runErr := e.rt.Run(runCtx, handle, instruction, taskCtx)
	elapsed := time.Since(start)

	// Deadline fired: the runtime has already killed the in-flight work.
	// Whether the session survives the kill is the pool's decision, not
	// the runtime's.
	if runCtx.Err() == context.DeadlineExceeded {
		state = TaskTimedOut
		if e.metrics != nil {
			e.metrics.TaskTimeouts.Inc()
		}
		if !e.rt.ReusableAfterKill() {
			e.pool.Poison(sessionKey)
		} else {
			e.pool.RecordTask(sessionKey)
		}
		timeoutErr := &ExecutionTimeoutError{SessionKey: sessionKey, Timeout: e.config.Timeout}
		e.logger.Error("task deadline exceeded",
			slog.String("session_key", sessionKey),
			slog.Duration("timeout", e.config.Timeout),
		)
		e.recordExecution(ctx, agent, sessionKey, instruction, state, nil, timeoutErr, elapsed)
		return nil, timeoutErr
	}

	if runErr != nil {
		state = TaskFailed
		info := bridge.MapError(runErr)
		execErr := &RuntimeExecutionError{SessionKey: sessionKey, Info: info, Err: runErr}
		e.pool.RecordTask(sessionKey)
		e.logger.Error("task execution failed",
			slog.String("session_key", sessionKey),
			slog.String("error_kind", info.Kind.String()),
			slog.String("error", info.Message),
		)
		e.recordExecution(ctx, agent, sessionKey, instruction, state, nil, execErr, elapsed)
		return nil, execErr
	}

	state = TaskCompleted
	e.pool.RecordTask(sessionKey)

	result := e.collectResult(session, outcome, elapsed)
	e.logger.Info("task completed",
		slog.String("session_key", sessionKey),
		slog.Bool("success", result.Success),
		slog.Int("artifacts", len(result.Artifacts)),
		slog.Duration("duration", elapsed),
	)
	e.recordExecution(ctx, agent, sessionKey, instruction, state, &result, nil, elapsed)
	return &result, nil
}

// PrepareSession creates the caller's session and eagerly constructs
// its runtime handle so the first task pays no cold-start cost. Safe to
// call for an existing session.
func (e *Executor) PrepareSession(ctx context.Context, agent bridge.AgentContext) (*pool.Session, error) {
	sessionKey := bridge.CreateContext(agent).SessionKey
	session, err := e.pool.GetOrCreate(sessionKey, e.sessionConfig())
	if err != nil {
		return nil, err
	}
	if _, err := e.pool.ResolveHandle(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// CleanupSession tears down the caller's session and its runtime handle.
func (e *Executor) CleanupSession(_ context.Context, agent bridge.AgentContext) bool {
	sessionKey := bridge.CreateContext(agent).SessionKey
	return e.pool.Cleanup(sessionKey)
}

// sessionConfig is the per-session runtime configuration forwarded at
// handle construction. The memory cap is advisory; enforcement belongs
// to the backend.
func (e *Executor) sessionConfig() map[string]string {
	return map[string]string{
		"SANDPOOL_MAX_MEMORY_MB": strconv.Itoa(e.config.MaxMemoryMB),
	}
}

// collectResult assembles the normalized TaskResult from a runtime
// outcome: concatenated rounds, allow-listed artifacts, filtered
// variables, and wall-clock time.
func (e *Executor) collectResult(session *pool.Session, outcome *runtime.Outcome, elapsed time.Duration) bridge.TaskResult {
	output := strings.Join(outcome.Rounds, "\n")
	if output == "" && outcome.Success {
		output = "task completed successfully"
	}

	raw := map[string]any{
		"success":        outcome.Success,
		"output":         output,
		"artifacts":      e.scanArtifacts(session.Workdir),
		"execution_time": elapsed,
		"variables":      filterVariables(outcome.Variables),
	}
	if outcome.Error != "" {
		raw["error"] = outcome.Error
	}
	return bridge.FormatResult(raw)
}

// scanArtifacts walks the session workdir collecting files whose
// extension is on the allow-list. Paths are workdir-relative and sorted
// for stable ordering. Scan errors degrade to an empty list; artifact
// collection never fails a completed task.
func (e *Executor) scanArtifacts(workdir string) []string {
	var artifacts []string
	err := filepath.WalkDir(workdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if _, ok := e.artifactExts[ext]; !ok {
			return nil
		}
		rel, relErr := filepath.Rel(workdir, path)
		if relErr != nil {
			return nil
		}
		artifacts = append(artifacts, rel)
		return nil
	})
	if err != nil {
		e.logger.Warn("artifact scan failed",
			slog.String("workdir", workdir),
			slog.String("error", err.Error()),
		)
		return []string{}
	}
	sort.Strings(artifacts)
	if artifacts == nil {
		return []string{}
	}
	return artifacts
}

// filterVariables keeps only JSON-safe values and drops private
// (underscore-prefixed) names.
func filterVariables(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for key, value := range vars {
		if strings.HasPrefix(key, "_") {
			continue
		}
		if jsonSafe(value) {
			out[key] = value
		}
	}
	return out
}

// jsonSafe reports whether a value is a JSON-representable primitive or
// composite of primitives.
func jsonSafe(v any) bool {
	switch val := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	case []any:
		for _, item := range val {
			if !jsonSafe(item) {
				return false
			}
		}
		return true
	case map[string]any:
		for _, item := range val {
			if !jsonSafe(item) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
