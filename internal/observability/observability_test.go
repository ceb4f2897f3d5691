package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- MetricsCollector ---

func gatherFamily(t *testing.T, m *MetricsCollector, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestMetricsCollector_RegistersAndRecords(t *testing.T) {
	m := NewMetricsCollector()

	m.TasksTotal.WithLabelValues("succeeded").Inc()
	m.TasksTotal.WithLabelValues("succeeded").Inc()
	m.TasksTotal.WithLabelValues("failed").Inc()
	m.ActiveTasks.Inc()
	m.SessionsEvicted.WithLabelValues("idle").Inc()

	mf := gatherFamily(t, m, "sandpool_executor_tasks_total")
	if mf == nil {
		t.Fatal("tasks_total not registered")
	}
	byState := map[string]float64{}
	for _, metric := range mf.GetMetric() {
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == "state" {
				byState[lp.GetValue()] = metric.GetCounter().GetValue()
			}
		}
	}
	if byState["succeeded"] != 2 {
		t.Errorf("succeeded count = %v, want 2", byState["succeeded"])
	}
	if byState["failed"] != 1 {
		t.Errorf("failed count = %v, want 1", byState["failed"])
	}

	if mf := gatherFamily(t, m, "sandpool_executor_active_tasks"); mf == nil {
		t.Error("active_tasks not registered")
	} else if mf.GetMetric()[0].GetGauge().GetValue() != 1 {
		t.Errorf("active_tasks = %v, want 1", mf.GetMetric()[0].GetGauge().GetValue())
	}

	if mf := gatherFamily(t, m, "sandpool_pool_sessions_evicted_total"); mf == nil {
		t.Error("sessions_evicted_total not registered")
	}
}

func TestMetricsCollector_IndependentRegistries(t *testing.T) {
	// Two collectors must not share a registry; a second construction
	// would otherwise panic on duplicate registration.
	a := NewMetricsCollector()
	b := NewMetricsCollector()

	a.TaskTimeouts.Inc()

	mf := gatherFamily(t, b, "sandpool_executor_task_timeouts_total")
	if mf == nil {
		t.Fatal("task_timeouts_total not registered on second collector")
	}
	if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 0 {
		t.Errorf("second collector saw %v timeouts, want 0", got)
	}
}

// --- HealthChecker ---

func TestHealthChecker_NoChecksIsOK(t *testing.T) {
	h := NewHealthChecker(testLogger())
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if len(status.Checks) != 0 {
		t.Errorf("checks = %v, want none", status.Checks)
	}
}

func TestHealthChecker_AllPassing(t *testing.T) {
	h := NewHealthChecker(testLogger())
	h.AddCheck("storage", func(ctx context.Context) error { return nil })
	h.AddCheck("runtime", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if len(status.Checks) != 2 {
		t.Fatalf("checks = %v, want 2 entries", status.Checks)
	}
	for name, res := range status.Checks {
		if res.Status != "ok" {
			t.Errorf("check %s = %+v, want ok", name, res)
		}
	}
}

func TestHealthChecker_OneFailureDegrades(t *testing.T) {
	h := NewHealthChecker(testLogger())
	h.AddCheck("storage", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("runtime", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if res := status.Checks["storage"]; res.Status != "fail" || res.Message != "connection refused" {
		t.Errorf("storage check = %+v", res)
	}
	if res := status.Checks["runtime"]; res.Status != "ok" {
		t.Errorf("runtime check = %+v, want ok", res)
	}
}

func TestHealthChecker_ChecksSeeDeadline(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("deadline", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline on check context")
		}
		return nil
	})

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok (checks should run under a timeout)", status.Status)
	}
}
