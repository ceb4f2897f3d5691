package runtime

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nekrolabs/sandpool/internal/bridge"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newShellRuntime builds a process runtime whose interpreter is an
// inline shell script, keeping the tests hermetic.
func newShellRuntime(t *testing.T, script string) *ProcessRuntime {
	t.Helper()
	r, err := NewProcessRuntime(ProcessConfig{
		Interpreter: []string{"sh", "-c", script},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewProcessRuntime: %v", err)
	}
	return r
}

func constructHandle(t *testing.T, r *ProcessRuntime, config map[string]string) Handle {
	t.Helper()
	h, err := r.Construct(context.Background(), t.TempDir(), config)
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	return h
}

func wantKind(t *testing.T, err error, kind bridge.ErrorKind) *Error {
	t.Helper()
	var rtErr *Error
	if !errors.As(err, &rtErr) {
		t.Fatalf("error = %v, want *runtime.Error", err)
	}
	if rtErr.Kind != kind {
		t.Fatalf("error kind = %v, want %v (err: %v)", rtErr.Kind, kind, err)
	}
	return rtErr
}

// --- Construction ---

func TestNewProcessRuntime_RequiresInterpreter(t *testing.T) {
	if _, err := NewProcessRuntime(ProcessConfig{}, testLogger()); err == nil {
		t.Fatal("expected an error for an empty interpreter command")
	}
}

func TestConstruct_MissingWorkdir(t *testing.T) {
	r := newShellRuntime(t, "true")
	_, err := r.Construct(context.Background(), filepath.Join(t.TempDir(), "absent"), nil)
	wantKind(t, err, bridge.KindUnknown)
}

func TestConstruct_WorkdirIsAFile(t *testing.T) {
	r := newShellRuntime(t, "true")
	path := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	_, err := r.Construct(context.Background(), path, nil)
	wantKind(t, err, bridge.KindUnknown)
}

func TestConstruct_EnvironmentIsMinimal(t *testing.T) {
	r, err := NewProcessRuntime(ProcessConfig{Interpreter: []string{"env"}}, testLogger())
	if err != nil {
		t.Fatalf("NewProcessRuntime: %v", err)
	}
	h := constructHandle(t, r, map[string]string{"EXTRA_VAR": "42"})

	outcome, err := r.Run(context.Background(), h, "print env", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outcome.Rounds) != 1 {
		t.Fatalf("rounds = %v, want the raw env listing", outcome.Rounds)
	}
	env := outcome.Rounds[0]
	if !strings.Contains(env, "HOME="+h.Workdir()) {
		t.Errorf("HOME not bound to workdir:\n%s", env)
	}
	if !strings.Contains(env, "EXTRA_VAR=42") {
		t.Errorf("config var not forwarded:\n%s", env)
	}
	if strings.Contains(env, "GOPATH=") {
		t.Errorf("host environment leaked into the sandbox:\n%s", env)
	}
}

// --- Run ---

func TestRun_DecodesOutcomeDocument(t *testing.T) {
	r := newShellRuntime(t, `echo '{"success":true,"rounds":["step one","step two"],"variables":{"total":3}}'`)
	h := constructHandle(t, r, nil)

	outcome, err := r.Run(context.Background(), h, "compute", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.Success {
		t.Error("outcome not successful")
	}
	if len(outcome.Rounds) != 2 || outcome.Rounds[0] != "step one" {
		t.Errorf("rounds = %v", outcome.Rounds)
	}
	if outcome.Variables["total"] != float64(3) {
		t.Errorf("variables = %v", outcome.Variables)
	}
}

func TestRun_DeliversRequestOnStdin(t *testing.T) {
	// The interpreter checks that its stdin carries the instruction.
	r := newShellRuntime(t, `if grep -q "compute totals" -; then echo '{"success":true,"rounds":["seen"]}'; else echo '{"success":false,"error":"instruction missing"}'; fi`)
	h := constructHandle(t, r, nil)

	outcome, err := r.Run(context.Background(), h, "compute totals", map[string]any{"rows": 10})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("instruction did not reach the interpreter: %+v", outcome)
	}
}

func TestRun_PlainOutputBecomesSingleRound(t *testing.T) {
	r := newShellRuntime(t, `echo "hello from the sandbox"`)
	h := constructHandle(t, r, nil)

	outcome, err := r.Run(context.Background(), h, "greet", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.Success {
		t.Error("plain zero-exit output should be a success")
	}
	if len(outcome.Rounds) != 1 || !strings.Contains(outcome.Rounds[0], "hello from the sandbox") {
		t.Errorf("rounds = %v", outcome.Rounds)
	}
}

func TestRun_RunsInsideWorkdir(t *testing.T) {
	r := newShellRuntime(t, `pwd`)
	h := constructHandle(t, r, nil)

	outcome, err := r.Run(context.Background(), h, "where", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.TrimSpace(outcome.Rounds[0]); got != h.Workdir() {
		t.Errorf("cwd = %q, want %q", got, h.Workdir())
	}
}

func TestRun_EmptyInstruction(t *testing.T) {
	r := newShellRuntime(t, "true")
	h := constructHandle(t, r, nil)
	_, err := r.Run(context.Background(), h, "", nil)
	wantKind(t, err, bridge.KindInvalidInput)
}

func TestRun_ForeignHandle(t *testing.T) {
	r := newShellRuntime(t, "true")
	_, err := r.Run(context.Background(), fakeHandle{}, "x", nil)
	wantKind(t, err, bridge.KindInvalidInput)
}

type fakeHandle struct{}

func (fakeHandle) Workdir() string { return "/nowhere" }

// --- Exit classification ---

func TestRun_NonZeroExitWithoutOutcome(t *testing.T) {
	r := newShellRuntime(t, `echo "boom: stack trace" >&2; exit 3`)
	h := constructHandle(t, r, nil)

	_, err := r.Run(context.Background(), h, "explode", nil)
	rtErr := wantKind(t, err, bridge.KindUnknown)
	if !strings.Contains(rtErr.Error(), "code 3") {
		t.Errorf("error lost the exit code: %v", rtErr)
	}
	if !strings.Contains(rtErr.Error(), "boom: stack trace") {
		t.Errorf("error lost the stderr tail: %v", rtErr)
	}
}

func TestRun_NonZeroExitWithClassifiedOutcome(t *testing.T) {
	r := newShellRuntime(t, `echo '{"success":false,"error":"no module named pandas","error_kind":"missing_dependency"}'; exit 1`)
	h := constructHandle(t, r, nil)

	_, err := r.Run(context.Background(), h, "import pandas", nil)
	rtErr := wantKind(t, err, bridge.KindMissingDependency)
	if !strings.Contains(rtErr.Error(), "no module named pandas") {
		t.Errorf("error lost the interpreter message: %v", rtErr)
	}
}

func TestRun_MissingInterpreterBinary(t *testing.T) {
	r, err := NewProcessRuntime(ProcessConfig{
		Interpreter: []string{"sandpool-no-such-binary"},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewProcessRuntime: %v", err)
	}
	h := constructHandle(t, r, nil)

	// The shell wrapper exits 127 when the interpreter is absent.
	_, runErr := r.Run(context.Background(), h, "x", nil)
	rtErr := wantKind(t, runErr, bridge.KindUnknown)
	if !strings.Contains(rtErr.Error(), "127") {
		t.Errorf("error = %v, want exit code 127", rtErr)
	}
}

// --- Cancellation ---

func TestRun_DeadlineKillsInterpreter(t *testing.T) {
	r := newShellRuntime(t, `sleep 30`)
	h := constructHandle(t, r, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Run(ctx, h, "stall", nil)
	elapsed := time.Since(start)

	wantKind(t, err, bridge.KindTimeout)
	if elapsed > 5*time.Second {
		t.Errorf("Run took %v after a 100ms deadline; interpreter was not killed", elapsed)
	}
}

func TestRun_CancelBeforeStart(t *testing.T) {
	r := newShellRuntime(t, `sleep 30`)
	h := constructHandle(t, r, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, h, "stall", nil)
	wantKind(t, err, bridge.KindTimeout)
}

// --- Lifecycle ---

func TestProcessRuntime_ReusableAfterKill(t *testing.T) {
	r := newShellRuntime(t, "true")
	if !r.ReusableAfterKill() {
		t.Error("process backend spawns a fresh process per run; handles must be reusable")
	}
}

func TestProcessRuntime_ShutdownIsNoop(t *testing.T) {
	r := newShellRuntime(t, "true")
	h := constructHandle(t, r, nil)
	if err := r.Shutdown(h); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

// --- Output capping ---

func TestLimitedWriter_CapsOutput(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 5}

	n, err := lw.Write([]byte("abcdefgh"))
	if err != nil || n != 5 {
		t.Fatalf("first write: n=%d err=%v", n, err)
	}
	// Past the cap, writes succeed but are discarded.
	n, err = lw.Write([]byte("more"))
	if err != nil || n != 4 {
		t.Fatalf("capped write: n=%d err=%v", n, err)
	}
	if buf.String() != "abcde" {
		t.Errorf("buffer = %q, want abcde", buf.String())
	}
}

func TestTail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "(no stderr)"},
		{"single line", "single line"},
		{"first\nsecond\nlast", "last"},
		{"trailing newline\n", "trailing newline"},
	}
	for _, tc := range tests {
		if got := tail([]byte(tc.in)); got != tc.want {
			t.Errorf("tail(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
