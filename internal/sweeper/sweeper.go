// Package sweeper drives periodic idle-session reclamation on a cron
// schedule. The pool owns the reclamation policy; the sweeper only
// fires it.
package sweeper

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/nekrolabs/sandpool/internal/pool"
)

// Metrics holds Prometheus metrics for the sweeper.
type Metrics struct {
	SweepsTotal       prometheus.Counter
	SessionsReclaimed prometheus.Counter
	SweepDuration     prometheus.Histogram
}

// NewMetrics creates and registers sweeper metrics. Returns nil when
// reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		SweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandpool",
			Subsystem: "sweeper",
			Name:      "sweeps_total",
			Help:      "Total idle sweeps fired.",
		}),
		SessionsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandpool",
			Subsystem: "sweeper",
			Name:      "sessions_reclaimed_total",
			Help:      "Total sessions removed by idle sweeps.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sandpool",
			Subsystem: "sweeper",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each idle sweep.",
			Buckets:   []float64{0.001, 0.01, 0.1, 1, 10},
		}),
	}

	reg.MustRegister(m.SweepsTotal, m.SessionsReclaimed, m.SweepDuration)
	return m
}

// Sweeper runs pool.CleanupIdle on a cron schedule.
type Sweeper struct {
	pool    *pool.Pool
	cron    *cron.Cron
	metrics *Metrics
	logger  *slog.Logger
}

// New creates a sweeper for the given cron expression (standard five
// field syntax). The expression is validated eagerly so a bad schedule
// fails at startup, not at first fire.
func New(schedule string, p *pool.Pool, metrics *Metrics, logger *slog.Logger) (*Sweeper, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	s := &Sweeper{
		pool:    p,
		cron:    cron.New(cron.WithParser(parser)),
		metrics: metrics,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("registering sweep schedule: %w", err)
	}

	s.logger.Info("idle sweeper configured", slog.String("schedule", schedule))
	return s, nil
}

// Start begins firing sweeps in a background goroutine.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// sweep fires one idle reclamation pass.
func (s *Sweeper) sweep() {
	start := time.Now()
	reclaimed := s.pool.CleanupIdle()
	elapsed := time.Since(start)

	if s.metrics != nil {
		s.metrics.SweepsTotal.Inc()
		s.metrics.SessionsReclaimed.Add(float64(reclaimed))
		s.metrics.SweepDuration.Observe(elapsed.Seconds())
	}
	if reclaimed > 0 {
		s.logger.Info("idle sweep completed",
			slog.Int("reclaimed", reclaimed),
			slog.Duration("took", elapsed),
		)
	}
}
