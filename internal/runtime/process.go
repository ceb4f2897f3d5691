package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/nekrolabs/sandpool/internal/bridge"
)

const (
	// maxOutputBytes caps interpreter stdout/stderr to prevent OOM from
	// chatty programs.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultCPUSeconds = 300
	defaultMemoryMB   = 512
)

// ProcessConfig configures the process-based runtime backend.
type ProcessConfig struct {
	// Interpreter is the program and arguments that execute one
	// instruction. The instruction and task context are delivered as a
	// JSON document on stdin; the interpreter reports an Outcome as JSON
	// on stdout.
	Interpreter []string

	// MaxMemoryMB is the virtual memory cap per run (ulimit -v).
	MaxMemoryMB int

	// MaxCPUSeconds is the CPU time cap per run (ulimit -t).
	MaxCPUSeconds int
}

// ProcessRuntime runs each instruction as an isolated OS process inside
// the session workdir.
//
// Isolation guarantees:
//   - Fresh process per Run, own process group (Setpgid)
//   - Entire process group SIGKILLed on deadline/cancel
//   - No environment inheritance, minimal safe set only
//   - Memory and CPU enforced via ulimit
//   - stdout/stderr capped
type ProcessRuntime struct {
	config ProcessConfig
	logger *slog.Logger
}

// processHandle binds a session workdir to its interpreter configuration.
type processHandle struct {
	workdir string
	env     []string
}

func (h *processHandle) Workdir() string { return h.workdir }

// NewProcessRuntime creates a process-based runtime backend.
func NewProcessRuntime(cfg ProcessConfig, logger *slog.Logger) (*ProcessRuntime, error) {
	if len(cfg.Interpreter) == 0 {
		return nil, fmt.Errorf("process runtime: interpreter command is required")
	}
	if cfg.MaxMemoryMB <= 0 {
		cfg.MaxMemoryMB = defaultMemoryMB
	}
	if cfg.MaxCPUSeconds <= 0 {
		cfg.MaxCPUSeconds = defaultCPUSeconds
	}
	return &ProcessRuntime{config: cfg, logger: logger}, nil
}

// Construct verifies the workdir and returns a handle bound to it.
func (r *ProcessRuntime) Construct(_ context.Context, workdir string, config map[string]string) (Handle, error) {
	info, err := os.Stat(workdir)
	if err != nil {
		return nil, newError(bridge.KindUnknown, "construct", fmt.Errorf("workdir %s: %w", workdir, err))
	}
	if !info.IsDir() {
		return nil, newError(bridge.KindUnknown, "construct", fmt.Errorf("workdir %s is not a directory", workdir))
	}

	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + workdir,
		"TMPDIR=" + workdir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range config {
		env = append(env, k+"="+v)
	}
	return &processHandle{workdir: workdir, env: env}, nil
}

// runRequest is the JSON document written to the interpreter's stdin.
type runRequest struct {
	Instruction string         `json:"instruction"`
	Context     map[string]any `json:"context,omitempty"`
}

// Run executes one instruction in a fresh interpreter process.
func (r *ProcessRuntime) Run(ctx context.Context, h Handle, instruction string, taskCtx map[string]any) (*Outcome, error) {
	ph, ok := h.(*processHandle)
	if !ok {
		return nil, newError(bridge.KindInvalidInput, "run", fmt.Errorf("handle is not a process handle"))
	}
	if instruction == "" {
		return nil, newError(bridge.KindInvalidInput, "run", fmt.Errorf("empty instruction"))
	}

	request, err := json.Marshal(runRequest{Instruction: instruction, Context: taskCtx})
	if err != nil {
		return nil, newError(bridge.KindInvalidInput, "run", fmt.Errorf("encoding request: %w", err))
	}

	// Wrap the interpreter: sh -c 'ulimit -v KB; ulimit -t SEC; exec "$@"' _ cmd args...
	// Positional parameters keep the interpreter command out of the shell string.
	memKB := r.config.MaxMemoryMB * 1024
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		memKB, r.config.MaxCPUSeconds,
	)
	args := make([]string, 0, 3+len(r.config.Interpreter))
	args = append(args, "-c", shellScript, "_")
	args = append(args, r.config.Interpreter...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = ph.workdir
	cmd.Env = ph.env
	cmd.Stdin = bytes.NewReader(request)

	// Own process group; negative PID kill takes the whole group with it
	// on deadline or cancel.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	r.logger.Info("process runtime executing",
		slog.String("workdir", ph.workdir),
		slog.Int("memory_limit_mb", r.config.MaxMemoryMB),
		slog.Int("cpu_limit_sec", r.config.MaxCPUSeconds),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if ctx.Err() != nil {
		r.logger.Warn("process runtime cancelled",
			slog.String("workdir", ph.workdir),
			slog.Duration("duration", duration),
		)
		return nil, newError(bridge.KindTimeout, "run", ctx.Err())
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			kind := bridge.KindUnknown
			if errors.Is(runErr, exec.ErrNotFound) {
				kind = bridge.KindMissingDependency
			}
			return nil, newError(kind, "run", runErr)
		}
		return nil, interpretExit(exitErr, stdoutBuf.Bytes(), stderrBuf.Bytes())
	}

	outcome, decodeErr := decodeOutcome(stdoutBuf.Bytes())
	if decodeErr != nil {
		// A zero-exit interpreter that printed no outcome document is
		// treated as a single successful output round.
		outcome = &Outcome{Success: true, Rounds: []string{stdoutBuf.String()}}
	}

	r.logger.Info("process runtime completed",
		slog.String("workdir", ph.workdir),
		slog.Bool("success", outcome.Success),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
	)
	return outcome, nil
}

// Shutdown is a no-op: each Run owns its own process and nothing outlives it.
func (r *ProcessRuntime) Shutdown(_ Handle) error { return nil }

// ReusableAfterKill reports true: a killed run leaves no shared state behind.
func (r *ProcessRuntime) ReusableAfterKill() bool { return true }

// interpretExit classifies a non-zero interpreter exit into a runtime error.
// An interpreter that exits non-zero but still printed a classified outcome
// document gets its own classification; a SIGKILL with no outcome is taken
// as the memory limit firing.
func interpretExit(exitErr *exec.ExitError, stdout, stderr []byte) error {
	if outcome, err := decodeOutcome(stdout); err == nil && outcome.ErrorKind != "" {
		kind := bridge.KindFromString(outcome.ErrorKind)
		msg := outcome.Error
		if msg == "" {
			msg = fmt.Sprintf("interpreter exited with code %d", exitErr.ExitCode())
		}
		return newError(kind, "run", errors.New(msg))
	}

	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() && status.Signal() == syscall.SIGKILL {
		return newError(bridge.KindMemory, "run", fmt.Errorf("interpreter killed (likely memory limit): %s", tail(stderr)))
	}

	return newError(bridge.KindUnknown, "run",
		fmt.Errorf("interpreter exited with code %d: %s", exitErr.ExitCode(), tail(stderr)))
}

// decodeOutcome parses the interpreter's stdout as an Outcome document.
func decodeOutcome(stdout []byte) (*Outcome, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("no outcome document")
	}
	var outcome Outcome
	if err := json.Unmarshal(trimmed, &outcome); err != nil {
		return nil, fmt.Errorf("decoding outcome: %w", err)
	}
	return &outcome, nil
}

// tail returns the last line of diagnostic output, for error messages.
func tail(b []byte) string {
	s := string(bytes.TrimSpace(b))
	if s == "" {
		return "(no stderr)"
	}
	if idx := bytes.LastIndexByte([]byte(s), '\n'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

// limitedWriter stops writing after a byte limit. Excess output is
// silently discarded, not an error.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
