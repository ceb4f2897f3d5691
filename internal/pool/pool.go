// Package pool maintains the capacity-bounded registry of per-session
// sandbox handles: LRU eviction at capacity, idle reclamation, and
// race-free lazy construction of each session's runtime handle.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nekrolabs/sandpool/internal/observability"
	"github.com/nekrolabs/sandpool/internal/runtime"
)

// HandleState is the lifecycle of a session's lazily-built runtime handle.
type HandleState int

const (
	HandleUninitialized HandleState = iota
	HandleConstructing
	HandleReady
)

// SessionConstructionError reports a failed workdir or runtime-handle
// creation. Fatal for the call; the session is not left registered.
type SessionConstructionError struct {
	SessionKey string
	Err        error
}

func (e *SessionConstructionError) Error() string {
	return fmt.Sprintf("constructing session %s: %v", e.SessionKey, e.Err)
}

func (e *SessionConstructionError) Unwrap() error { return e.Err }

// Session is one registered sandbox session. The pool owns all records
// exclusively; callers receive pointers but mutate nothing directly.
type Session struct {
	Key     string
	Workdir string
	Config  map[string]string

	CreatedAt    time.Time
	LastAccessed time.Time
	TaskCount    int
	Poisoned     bool

	// Handle construction state, guarded by mu. ready is closed when a
	// construction attempt finishes (success or failure).
	mu           sync.Mutex
	state        HandleState
	handle       runtime.Handle
	ready        chan struct{}
	constructErr error
}

// Config configures the session pool.
type Config struct {
	BaseWorkdir string        // Root directory; each session gets <root>/<key>.
	MaxSessions int           // Registry capacity. Insertion above it evicts the LRU record.
	IdleTimeout time.Duration // Idle threshold for CleanupIdle.
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	ActiveSessions int `json:"active_sessions"`
	MaxSessions    int `json:"max_sessions"`
	TotalTasks     int `json:"total_tasks"`
}

// Pool is the bounded session registry. All map mutations happen under
// a single registry-wide mutex, independent of any per-session work the
// runtime performs.
type Pool struct {
	config  Config
	rt      runtime.Runtime
	metrics *observability.MetricsCollector // nil = metrics disabled
	logger  *slog.Logger
	clock   func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a session pool.
func New(cfg Config, rt runtime.Runtime, metrics *observability.MetricsCollector, logger *slog.Logger) *Pool {
	return &Pool{
		config:   cfg,
		rt:       rt,
		metrics:  metrics,
		logger:   logger,
		clock:    time.Now,
		sessions: make(map[string]*Session),
	}
}

// Create registers a session, creating its exclusive workdir. An
// existing session is reused silently (logged, not an error). At
// capacity, the least-recently-used record is evicted first.
func (p *Pool) Create(key string, config map[string]string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createLocked(key, config)
}

func (p *Pool) createLocked(key string, config map[string]string) (*Session, error) {
	if s, ok := p.sessions[key]; ok {
		p.logger.Warn("session already exists, reusing", slog.String("session_key", key))
		return s, nil
	}

	if len(p.sessions) >= p.config.MaxSessions {
		p.evictOldestLocked()
	}

	workdir := filepath.Join(p.config.BaseWorkdir, key)
	if err := os.MkdirAll(workdir, 0o750); err != nil {
		return nil, &SessionConstructionError{SessionKey: key, Err: fmt.Errorf("creating workdir: %w", err)}
	}

	if config == nil {
		config = map[string]string{}
	}
	now := p.clock()
	s := &Session{
		Key:          key,
		Workdir:      workdir,
		Config:       config,
		CreatedAt:    now,
		LastAccessed: now,
	}
	p.sessions[key] = s

	if p.metrics != nil {
		p.metrics.SessionsCreated.Inc()
		p.metrics.SessionsActive.Set(float64(len(p.sessions)))
	}
	p.logger.Info("session created",
		slog.String("session_key", key),
		slog.String("workdir", workdir),
	)
	return s, nil
}

// Get returns the session for key, bumping its last-accessed time.
// Returns nil when absent.
func (p *Pool) Get(key string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[key]
	if !ok {
		return nil
	}
	s.LastAccessed = p.clock()
	return s
}

// GetOrCreate resolves the session for key, registering it on first use.
func (p *Pool) GetOrCreate(key string, config map[string]string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[key]; ok {
		s.LastAccessed = p.clock()
		return s, nil
	}
	return p.createLocked(key, config)
}

// RecordTask bumps the session's task counter and access time.
func (p *Pool) RecordTask(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[key]; ok {
		s.TaskCount++
		s.LastAccessed = p.clock()
	}
}

// Cleanup removes a session, shutting down its runtime handle when one
// was constructed. Reports whether a record was removed.
func (p *Pool) Cleanup(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cleanupLocked(key, "explicit")
}

func (p *Pool) cleanupLocked(key, reason string) bool {
	s, ok := p.sessions[key]
	if !ok {
		return false
	}
	delete(p.sessions, key)

	s.mu.Lock()
	handle := s.handle
	state := s.state
	s.mu.Unlock()

	if state == HandleReady && handle != nil {
		if err := p.rt.Shutdown(handle); err != nil {
			p.logger.Warn("runtime shutdown failed",
				slog.String("session_key", key),
				slog.String("error", err.Error()),
			)
		}
	}

	if p.metrics != nil {
		p.metrics.SessionsEvicted.WithLabelValues(reason).Inc()
		p.metrics.SessionsActive.Set(float64(len(p.sessions)))
	}
	p.logger.Info("session removed",
		slog.String("session_key", key),
		slog.String("reason", reason),
		slog.Int("task_count", s.TaskCount),
	)
	return true
}

// CleanupIdle removes every session idle past the configured threshold
// and returns how many were removed. Driven by the sweeper.
func (p *Pool) CleanupIdle() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	var idle []string
	for key, s := range p.sessions {
		if now.Sub(s.LastAccessed) > p.config.IdleTimeout {
			idle = append(idle, key)
		}
	}
	for _, key := range idle {
		p.cleanupLocked(key, "idle")
	}

	if len(idle) > 0 {
		p.logger.Info("idle sessions reclaimed", slog.Int("count", len(idle)))
	}
	return len(idle)
}

// Poison marks a session unsafe for reuse and evicts it. Called after a
// forced cancellation when the runtime cannot guarantee that the
// session's handle survived the kill intact.
func (p *Pool) Poison(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[key]
	if !ok {
		return
	}
	s.Poisoned = true
	if p.metrics != nil {
		p.metrics.SessionsPoisoned.Inc()
	}
	p.logger.Warn("session poisoned", slog.String("session_key", key))
	p.cleanupLocked(key, "poisoned")
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	for _, s := range p.sessions {
		total += s.TaskCount
	}
	return Stats{
		ActiveSessions: len(p.sessions),
		MaxSessions:    p.config.MaxSessions,
		TotalTasks:     total,
	}
}

// Shutdown removes every session, shutting down constructed handles.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key := range p.sessions {
		p.cleanupLocked(key, "shutdown")
	}
}

// evictOldestLocked removes the record with the minimum last-accessed
// time. Ties break toward the lexicographically smallest key so eviction
// is deterministic.
func (p *Pool) evictOldestLocked() {
	if len(p.sessions) == 0 {
		return
	}

	var oldest *Session
	for _, s := range p.sessions {
		if oldest == nil ||
			s.LastAccessed.Before(oldest.LastAccessed) ||
			(s.LastAccessed.Equal(oldest.LastAccessed) && s.Key < oldest.Key) {
			oldest = s
		}
	}

	p.logger.Info("evicting least-recently-used session to make room",
		slog.String("session_key", oldest.Key),
	)
	p.cleanupLocked(oldest.Key, "capacity")
}

// ResolveHandle returns the session's runtime handle, constructing it on
// first use. Construction is serialized per session: concurrent callers
// for the same session wait for the single in-flight attempt instead of
// constructing twice. A failed construction unregisters the session.
func (p *Pool) ResolveHandle(ctx context.Context, s *Session) (runtime.Handle, error) {
	for {
		s.mu.Lock()
		switch s.state {
		case HandleReady:
			h := s.handle
			s.mu.Unlock()
			return h, nil

		case HandleConstructing:
			ready := s.ready
			s.mu.Unlock()
			select {
			case <-ready:
				// Re-check: the attempt may have failed.
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		case HandleUninitialized:
			// A prior attempt in this session's lifetime failed and
			// unregistered the record; waiters get the same error.
			if s.constructErr != nil {
				err := s.constructErr
				s.mu.Unlock()
				return nil, &SessionConstructionError{SessionKey: s.Key, Err: err}
			}
			s.state = HandleConstructing
			s.ready = make(chan struct{})
			ready := s.ready
			s.mu.Unlock()

			start := p.clock()
			h, err := p.rt.Construct(ctx, s.Workdir, s.Config)

			s.mu.Lock()
			if err != nil {
				s.state = HandleUninitialized
				s.constructErr = err
			} else {
				s.state = HandleReady
				s.handle = h
			}
			s.mu.Unlock()
			close(ready)

			if err != nil {
				p.mu.Lock()
				p.cleanupLocked(s.Key, "construct_failed")
				p.mu.Unlock()
				return nil, &SessionConstructionError{SessionKey: s.Key, Err: err}
			}

			if p.metrics != nil {
				p.metrics.ConstructDuration.Observe(p.clock().Sub(start).Seconds())
			}
			p.logger.Info("runtime handle constructed",
				slog.String("session_key", s.Key),
				slog.Duration("took", p.clock().Sub(start)),
			)
			return h, nil
		}
	}
}

// SetClock overrides the pool's time source. Test hook.
func (p *Pool) SetClock(clock func() time.Time) { p.clock = clock }
