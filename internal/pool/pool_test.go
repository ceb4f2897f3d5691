package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nekrolabs/sandpool/internal/runtime"
)

// --- Test Doubles ---

type fakeHandle struct {
	workdir string
}

func (h *fakeHandle) Workdir() string { return h.workdir }

type fakeRuntime struct {
	mu           sync.Mutex
	constructs   int
	shutdowns    []string
	constructErr error
	delay        time.Duration
}

func (f *fakeRuntime) Construct(_ context.Context, workdir string, _ map[string]string) (runtime.Handle, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructs++
	if f.constructErr != nil {
		return nil, f.constructErr
	}
	return &fakeHandle{workdir: workdir}, nil
}

func (f *fakeRuntime) Run(_ context.Context, _ runtime.Handle, _ string, _ map[string]any) (*runtime.Outcome, error) {
	return &runtime.Outcome{Success: true}, nil
}

func (f *fakeRuntime) Shutdown(h runtime.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns = append(f.shutdowns, h.Workdir())
	return nil
}

func (f *fakeRuntime) ReusableAfterKill() bool { return true }

func (f *fakeRuntime) constructCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.constructs
}

func (f *fakeRuntime) shutdownCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.shutdowns)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, max int, idle time.Duration) (*Pool, *fakeRuntime) {
	t.Helper()
	rt := &fakeRuntime{}
	p := New(Config{
		BaseWorkdir: t.TempDir(),
		MaxSessions: max,
		IdleTimeout: idle,
	}, rt, nil, testLogger())
	return p, rt
}

// --- Registration ---

func TestPool_CreateAndGet(t *testing.T) {
	p, _ := newTestPool(t, 10, time.Hour)

	s, err := p.Create("nekro_c1_u1", map[string]string{"K": "V"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Key != "nekro_c1_u1" {
		t.Errorf("key = %q", s.Key)
	}
	if s.Config["K"] != "V" {
		t.Errorf("config not retained: %#v", s.Config)
	}

	got := p.Get("nekro_c1_u1")
	if got != s {
		t.Error("Get returned a different record")
	}
	if p.Get("absent") != nil {
		t.Error("Get for absent key should return nil")
	}
}

func TestPool_CreateExistingReusesSilently(t *testing.T) {
	p, _ := newTestPool(t, 10, time.Hour)

	a, err := p.Create("s", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b, err := p.Create("s", nil)
	if err != nil {
		t.Fatalf("second Create must not fail: %v", err)
	}
	if a != b {
		t.Error("second Create should return the existing record")
	}
	if got := p.Stats().ActiveSessions; got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestPool_WorkdirsAreExclusive(t *testing.T) {
	p, _ := newTestPool(t, 10, time.Hour)

	a, _ := p.Create("s1", nil)
	b, _ := p.Create("s2", nil)
	if a.Workdir == b.Workdir {
		t.Errorf("two sessions share workdir %q", a.Workdir)
	}
}

func TestPool_GetBumpsLastAccessed(t *testing.T) {
	p, _ := newTestPool(t, 10, time.Hour)

	now := time.Unix(1000, 0)
	p.SetClock(func() time.Time { return now })

	s, _ := p.Create("s", nil)
	first := s.LastAccessed

	now = now.Add(time.Minute)
	p.Get("s")
	if !s.LastAccessed.After(first) {
		t.Error("Get did not bump last-accessed time")
	}
}

// --- Capacity and Eviction ---

func TestPool_CapacityEvictsLRU(t *testing.T) {
	p, _ := newTestPool(t, 5, time.Hour)

	now := time.Unix(1000, 0)
	p.SetClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		now = now.Add(time.Second)
		if _, err := p.Create(fmt.Sprintf("s%d", i), nil); err != nil {
			t.Fatalf("Create s%d: %v", i, err)
		}
	}

	// s0 is the least recently used; inserting s5 must evict it.
	now = now.Add(time.Second)
	if _, err := p.Create("s5", nil); err != nil {
		t.Fatalf("Create s5: %v", err)
	}

	if got := p.Stats().ActiveSessions; got != 5 {
		t.Errorf("active sessions = %d, want 5", got)
	}
	if p.Get("s0") != nil {
		t.Error("s0 should have been evicted")
	}
	for i := 1; i <= 5; i++ {
		if p.Get(fmt.Sprintf("s%d", i)) == nil {
			t.Errorf("s%d should have survived", i)
		}
	}
}

func TestPool_EvictionTieBreaksOnKey(t *testing.T) {
	p, _ := newTestPool(t, 2, time.Hour)

	now := time.Unix(1000, 0)
	p.SetClock(func() time.Time { return now })

	// Identical last-accessed times: the smaller key goes first.
	p.Create("sb", nil)
	p.Create("sa", nil)
	p.Create("sc", nil)

	if p.Get("sa") != nil {
		t.Error("sa should have been evicted on tie")
	}
	if p.Get("sb") == nil || p.Get("sc") == nil {
		t.Error("sb and sc should have survived")
	}
}

// --- Idle Reclamation ---

func TestPool_CleanupIdle(t *testing.T) {
	p, _ := newTestPool(t, 10, 10*time.Minute)

	now := time.Unix(1000, 0)
	p.SetClock(func() time.Time { return now })

	p.Create("old1", nil)
	p.Create("old2", nil)

	now = now.Add(11 * time.Minute)
	p.Create("fresh", nil)

	if got := p.CleanupIdle(); got != 2 {
		t.Errorf("CleanupIdle = %d, want 2", got)
	}
	if p.Get("fresh") == nil {
		t.Error("fresh session should survive the sweep")
	}
	if p.Get("old1") != nil || p.Get("old2") != nil {
		t.Error("idle sessions should be gone")
	}
}

func TestPool_CleanupIdleExactThreshold(t *testing.T) {
	p, _ := newTestPool(t, 10, 10*time.Minute)

	now := time.Unix(1000, 0)
	p.SetClock(func() time.Time { return now })

	p.Create("s", nil)

	// Exactly at the threshold is not yet idle.
	now = now.Add(10 * time.Minute)
	if got := p.CleanupIdle(); got != 0 {
		t.Errorf("CleanupIdle at threshold = %d, want 0", got)
	}

	now = now.Add(time.Nanosecond)
	if got := p.CleanupIdle(); got != 1 {
		t.Errorf("CleanupIdle past threshold = %d, want 1", got)
	}
}

// --- Teardown ---

func TestPool_CleanupShutsDownReadyHandle(t *testing.T) {
	p, rt := newTestPool(t, 10, time.Hour)

	s, _ := p.Create("s", nil)
	if _, err := p.ResolveHandle(context.Background(), s); err != nil {
		t.Fatalf("ResolveHandle: %v", err)
	}

	if !p.Cleanup("s") {
		t.Fatal("Cleanup should report removal")
	}
	if rt.shutdownCount() != 1 {
		t.Errorf("shutdowns = %d, want 1", rt.shutdownCount())
	}
	if p.Cleanup("s") {
		t.Error("second Cleanup should report nothing removed")
	}
}

func TestPool_CleanupWithoutHandleSkipsShutdown(t *testing.T) {
	p, rt := newTestPool(t, 10, time.Hour)

	p.Create("s", nil)
	p.Cleanup("s")
	if rt.shutdownCount() != 0 {
		t.Errorf("shutdowns = %d, want 0 for unconstructed handle", rt.shutdownCount())
	}
}

func TestPool_ShutdownRemovesEverything(t *testing.T) {
	p, _ := newTestPool(t, 10, time.Hour)

	p.Create("a", nil)
	p.Create("b", nil)
	p.Shutdown()
	if got := p.Stats().ActiveSessions; got != 0 {
		t.Errorf("active sessions after Shutdown = %d", got)
	}
}

func TestPool_Poison(t *testing.T) {
	p, rt := newTestPool(t, 10, time.Hour)

	s, _ := p.Create("s", nil)
	if _, err := p.ResolveHandle(context.Background(), s); err != nil {
		t.Fatalf("ResolveHandle: %v", err)
	}

	p.Poison("s")
	if !s.Poisoned {
		t.Error("session should be marked poisoned")
	}
	if p.Get("s") != nil {
		t.Error("poisoned session should be evicted")
	}
	if rt.shutdownCount() != 1 {
		t.Errorf("shutdowns = %d, want 1", rt.shutdownCount())
	}

	// Poisoning an absent key is a no-op.
	p.Poison("absent")
}

// --- Handle Construction ---

func TestPool_ResolveHandleLazyAndCached(t *testing.T) {
	p, rt := newTestPool(t, 10, time.Hour)

	s, _ := p.Create("s", nil)
	if rt.constructCount() != 0 {
		t.Fatal("Create must not construct the handle")
	}

	h1, err := p.ResolveHandle(context.Background(), s)
	if err != nil {
		t.Fatalf("ResolveHandle: %v", err)
	}
	h2, err := p.ResolveHandle(context.Background(), s)
	if err != nil {
		t.Fatalf("second ResolveHandle: %v", err)
	}
	if h1 != h2 {
		t.Error("handle should be cached after construction")
	}
	if rt.constructCount() != 1 {
		t.Errorf("constructs = %d, want 1", rt.constructCount())
	}
}

func TestPool_ResolveHandleSingleFlight(t *testing.T) {
	p, rt := newTestPool(t, 10, time.Hour)
	rt.delay = 20 * time.Millisecond

	s, _ := p.Create("s", nil)

	const waiters = 8
	handles := make([]runtime.Handle, waiters)
	errs := make([]error, waiters)

	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = p.ResolveHandle(context.Background(), s)
		}(i)
	}
	wg.Wait()

	if rt.constructCount() != 1 {
		t.Errorf("constructs = %d, want exactly 1", rt.constructCount())
	}
	for i := 0; i < waiters; i++ {
		if errs[i] != nil {
			t.Fatalf("waiter %d: %v", i, errs[i])
		}
		if handles[i] != handles[0] {
			t.Error("waiters received different handles")
		}
	}
}

func TestPool_ResolveHandleFailureUnregisters(t *testing.T) {
	p, rt := newTestPool(t, 10, time.Hour)
	rt.constructErr = errors.New("backend down")

	s, _ := p.Create("s", nil)
	_, err := p.ResolveHandle(context.Background(), s)

	var cerr *SessionConstructionError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v, want SessionConstructionError", err)
	}
	if cerr.SessionKey != "s" {
		t.Errorf("SessionKey = %q", cerr.SessionKey)
	}
	if p.Get("s") != nil {
		t.Error("failed construction should unregister the session")
	}

	// A fresh registration under the same key starts clean.
	rt.constructErr = nil
	s2, err := p.Create("s", nil)
	if err != nil {
		t.Fatalf("re-Create: %v", err)
	}
	if _, err := p.ResolveHandle(context.Background(), s2); err != nil {
		t.Fatalf("ResolveHandle after re-Create: %v", err)
	}
}

func TestPool_ResolveHandleContextCanceled(t *testing.T) {
	p, rt := newTestPool(t, 10, time.Hour)
	rt.delay = 100 * time.Millisecond

	s, _ := p.Create("s", nil)

	// First caller holds the construction slot.
	go p.ResolveHandle(context.Background(), s)
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.ResolveHandle(ctx, s); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

// --- Accounting ---

func TestPool_RecordTaskAndStats(t *testing.T) {
	p, _ := newTestPool(t, 10, time.Hour)

	p.Create("a", nil)
	p.Create("b", nil)
	p.RecordTask("a")
	p.RecordTask("a")
	p.RecordTask("b")
	p.RecordTask("absent") // no-op

	stats := p.Stats()
	if stats.ActiveSessions != 2 {
		t.Errorf("active = %d, want 2", stats.ActiveSessions)
	}
	if stats.TotalTasks != 3 {
		t.Errorf("total tasks = %d, want 3", stats.TotalTasks)
	}
	if stats.MaxSessions != 10 {
		t.Errorf("max = %d, want 10", stats.MaxSessions)
	}
}
