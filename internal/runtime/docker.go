package runtime

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/nekrolabs/sandpool/internal/bridge"
)

const (
	defaultDockerPIDsLimit = 64
	defaultDockerCPUCores  = 1.0
	defaultDockerImage     = "sandpool-runtime:latest"

	// containerWorkdir is where the session workdir is mounted inside
	// the container, the only writable path besides tmpfs.
	containerWorkdir = "/workspace"
)

// DockerConfig configures the Docker-based runtime backend.
type DockerConfig struct {
	Image          string   // Container image with the interpreter entrypoint.
	Interpreter    []string // Command run inside the container. Empty = image entrypoint.
	MemoryMB       int      // --memory hard limit.
	CPUCores       float64  // --cpus rate limit.
	PIDsLimit      int      // --pids-limit (fork bomb protection).
	NetworkAllowed bool     // false = --network=none.
}

// DockerRuntime runs each instruction inside an ephemeral hardened
// container with the session workdir bind-mounted as the only writable
// host path.
//
// Hardening per container:
//   - --rm plus a deferred docker rm -f safety net
//   - --cap-drop=ALL, --security-opt=no-new-privileges
//   - read-only root filesystem, tmpfs /tmp
//   - non-root user, no host PID namespace
//   - memory hard limit with swap disabled, pids limit, CPU rate limit
//   - network disabled by default
type DockerRuntime struct {
	config DockerConfig
	logger *slog.Logger
}

// dockerHandle binds a session workdir to the container configuration.
type dockerHandle struct {
	workdir  string
	extraEnv map[string]string
}

func (h *dockerHandle) Workdir() string { return h.workdir }

// NewDockerRuntime creates a Docker-based runtime backend.
func NewDockerRuntime(cfg DockerConfig, logger *slog.Logger) *DockerRuntime {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerRuntime{config: cfg, logger: logger}
}

// Construct returns a handle bound to the session workdir.
func (r *DockerRuntime) Construct(_ context.Context, workdir string, config map[string]string) (Handle, error) {
	if workdir == "" {
		return nil, newError(bridge.KindUnknown, "construct", fmt.Errorf("empty workdir"))
	}
	return &dockerHandle{workdir: workdir, extraEnv: config}, nil
}

// Run executes one instruction in a fresh container.
func (r *DockerRuntime) Run(ctx context.Context, h Handle, instruction string, taskCtx map[string]any) (*Outcome, error) {
	dh, ok := h.(*dockerHandle)
	if !ok {
		return nil, newError(bridge.KindInvalidInput, "run", fmt.Errorf("handle is not a docker handle"))
	}
	if instruction == "" {
		return nil, newError(bridge.KindInvalidInput, "run", fmt.Errorf("empty instruction"))
	}

	request, err := json.Marshal(runRequest{Instruction: instruction, Context: taskCtx})
	if err != nil {
		return nil, newError(bridge.KindInvalidInput, "run", fmt.Errorf("encoding request: %w", err))
	}

	containerName, err := generateContainerName()
	if err != nil {
		return nil, newError(bridge.KindUnknown, "run", fmt.Errorf("generating container name: %w", err))
	}

	args := r.buildDockerArgs(containerName, dh)
	args = append(args, r.config.Interpreter...)

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdin = bytes.NewReader(request)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	r.logger.Info("docker runtime executing",
		slog.String("container", containerName),
		slog.String("image", r.config.Image),
		slog.String("workdir", dh.workdir),
		slog.Int("memory_mb", r.config.MemoryMB),
		slog.Float64("cpu_cores", r.config.CPUCores),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// Safety net: --rm can miss on OOM kill, daemon restart, or a cancel
	// race. Best effort, errors logged only.
	r.forceRemoveContainer(containerName)

	if ctx.Err() != nil {
		r.logger.Warn("docker runtime cancelled",
			slog.String("container", containerName),
			slog.Duration("duration", duration),
		)
		return nil, newError(bridge.KindTimeout, "run", ctx.Err())
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, newError(bridge.KindUnknown, "run", fmt.Errorf("docker execution failed: %w", runErr))
		}
		// 137 = OOM or SIGKILL inside the container.
		if exitErr.ExitCode() == 137 {
			return nil, newError(bridge.KindMemory, "run", fmt.Errorf("container killed (likely memory limit): %s", tail(stderrBuf.Bytes())))
		}
		return nil, interpretExit(exitErr, stdoutBuf.Bytes(), stderrBuf.Bytes())
	}

	outcome, decodeErr := decodeOutcome(stdoutBuf.Bytes())
	if decodeErr != nil {
		outcome = &Outcome{Success: true, Rounds: []string{stdoutBuf.String()}}
	}

	r.logger.Info("docker runtime completed",
		slog.String("container", containerName),
		slog.Bool("success", outcome.Success),
		slog.Duration("duration", duration),
	)
	return outcome, nil
}

// Shutdown is a no-op: containers are ephemeral per Run.
func (r *DockerRuntime) Shutdown(_ Handle) error { return nil }

// ReusableAfterKill reports true: a killed container shares nothing with
// the next run besides the workdir contents.
func (r *DockerRuntime) ReusableAfterKill() bool { return true }

// buildDockerArgs constructs the docker run argument list with the full
// hardening flag set. The interpreter command is appended by the caller.
func (r *DockerRuntime) buildDockerArgs(name string, dh *dockerHandle) []string {
	memoryFlag := strconv.Itoa(r.config.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(r.config.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(r.config.PIDsLimit)

	args := []string{
		"run", "--rm", "-i",
		"--name", name,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // same as memory = no swap, OOM kill
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",

		// The session workdir is the single writable mount.
		"--volume", dh.workdir + ":" + containerWorkdir + ":rw",
		"--workdir", containerWorkdir,

		"--env", "HOME=" + containerWorkdir,
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
	}

	if r.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	for k, v := range dh.extraEnv {
		args = append(args, "--env", k+"="+v)
	}

	args = append(args, r.config.Image)
	return args
}

// forceRemoveContainer removes a container by name, ignoring the
// "No such container" case left by a successful --rm.
func (r *DockerRuntime) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		r.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

// generateContainerName returns a unique name: sandpool-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sandpool-sbx-" + hex.EncodeToString(b), nil
}
