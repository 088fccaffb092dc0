package observability

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

func TestMetricsIndependentRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.RunStarted()
	a.RunFinished("echo", "success", 50*time.Millisecond)
	a.RecordCronFire("ok")

	if got := testutil.ToFloat64(a.runsTotal.WithLabelValues("echo", "success")); got != 1 {
		t.Errorf("runs_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(a.activeRuns); got != 0 {
		t.Errorf("active_runs = %v, want 0", got)
	}
	if got := testutil.ToFloat64(b.cronFiresTotal.WithLabelValues("ok")); got != 0 {
		t.Errorf("second registry should be untouched, got %v", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordHTTPRequest("GET", "/ok", "200", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "agentserver_http_requests_total") {
		t.Error("expected http request counter in output")
	}
}

func TestHealthChecker(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck(StorageCheck(func(context.Context) error { return nil }))

	resp := hc.Check(context.Background())
	if resp.Status != HealthStatusHealthy {
		t.Errorf("status = %s, want healthy", resp.Status)
	}
	if resp.Version != "test" {
		t.Errorf("version = %s", resp.Version)
	}

	running := false
	hc.RegisterCheck(SchedulerCheck(func() bool { return running }))
	resp = hc.Check(context.Background())
	if resp.Status != HealthStatusDegraded {
		t.Errorf("status = %s, want degraded", resp.Status)
	}

	hc.RegisterCheck(StorageCheck(func(context.Context) error { return errors.New("down") }))
	resp = hc.Check(context.Background())
	if resp.Status != HealthStatusUnhealthy {
		t.Errorf("status = %s, want unhealthy", resp.Status)
	}
	if resp.Checks["storage"].Message != "down" {
		t.Errorf("storage message = %q", resp.Checks["storage"].Message)
	}
}

func TestHealthWorkload(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.ReportWorkload(func() Workload { return Workload{ActiveRuns: 2, ArmedCronJobs: 1} })

	resp := hc.Check(context.Background())
	if resp.Workload.ActiveRuns != 2 || resp.Workload.ArmedCronJobs != 1 {
		t.Errorf("workload = %+v", resp.Workload)
	}
	if resp.Workload.Goroutines == 0 {
		t.Error("expected goroutine count")
	}
}

func TestHealthCheckTimeout(t *testing.T) {
	hc := NewHealthChecker("test")
	block := make(chan struct{})
	defer close(block)
	hc.RegisterCheck(&HealthCheck{
		Name:      "slow",
		CheckFunc: func(context.Context) error { <-block; return nil },
		Timeout:   10 * time.Millisecond,
	})

	resp := hc.Check(context.Background())
	if resp.Status != HealthStatusDegraded {
		t.Errorf("status = %s, want degraded", resp.Status)
	}
}

func TestInitTracingNone(t *testing.T) {
	shutdown, err := InitTracing(TracingConfig{Exporter: ExporterNone}, zap.NewNop())
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestInitTracingUnknownExporter(t *testing.T) {
	if _, err := InitTracing(TracingConfig{Exporter: "zipkin"}, zap.NewNop()); err == nil {
		t.Error("expected error for unknown exporter")
	}
}

func TestAttr(t *testing.T) {
	if got := Attr("n", 3).Value.AsInt64(); got != 3 {
		t.Errorf("int attr = %d", got)
	}
	if got := Attr("s", struct{}{}).Value.AsString(); got != "{}" {
		t.Errorf("fallback attr = %q", got)
	}
}
