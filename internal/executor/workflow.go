package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/nekrolabs/sandpool/internal/bridge"
)

// WorkflowResult aggregates a sequence of task executions against one
// session. Success is true only when every step ran and reported
// success.
type WorkflowResult struct {
	Success       bool                `json:"success"`
	Steps         []bridge.TaskResult `json:"steps"`
	Artifacts     []string            `json:"artifacts"`
	ExecutionTime time.Duration       `json:"execution_time"`
	Error         string              `json:"error,omitempty"`
}

// ExecuteWorkflow runs instructions sequentially against the caller's
// session, threading each step's variables forward as the next step's
// extra context. Execution stops at the first step that reports failure
// or raises; the partial result (with all completed steps' artifacts and
// elapsed time) is returned alongside any infrastructure error.
func (e *Executor) ExecuteWorkflow(ctx context.Context, agent bridge.AgentContext, instructions []string) (*WorkflowResult, error) {
	start := time.Now()
	result := &WorkflowResult{
		Steps:     []bridge.TaskResult{},
		Artifacts: []string{},
	}

	carried := map[string]any{}
	for i, instruction := range instructions {
		if e.metrics != nil {
			e.metrics.WorkflowSteps.Inc()
		}

		stepResult, err := e.ExecuteTask(ctx, agent, instruction, carried)
		if err != nil {
			result.Success = false
			result.Error = err.Error()
			result.ExecutionTime = time.Since(start)
			e.logger.Error("workflow aborted",
				slog.Int("step", i),
				slog.Int("total", len(instructions)),
				slog.String("error", err.Error()),
			)
			return result, err
		}

		result.Steps = append(result.Steps, *stepResult)
		result.Artifacts = mergeArtifacts(result.Artifacts, stepResult.Artifacts)

		if !stepResult.Success {
			result.Success = false
			result.Error = stepResult.Error
			result.ExecutionTime = time.Since(start)
			e.logger.Info("workflow stopped at failed step",
				slog.Int("step", i),
				slog.Int("total", len(instructions)),
			)
			return result, nil
		}

		// Thread this step's variables into the next step's context.
		carried = map[string]any{}
		for k, v := range stepResult.Variables {
			carried[k] = v
		}
	}

	result.Success = true
	result.ExecutionTime = time.Since(start)
	return result, nil
}

// mergeArtifacts appends artifacts not already present, preserving
// first-seen order across steps.
func mergeArtifacts(have, add []string) []string {
	seen := make(map[string]struct{}, len(have))
	for _, a := range have {
		seen[a] = struct{}{}
	}
	for _, a := range add {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		have = append(have, a)
	}
	return have
}
