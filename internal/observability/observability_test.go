package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jkaninda/kazi/internal/config"
)

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when disabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when disabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsOnSharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
	}, reg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obs.Metrics == nil {
		t.Fatal("expected metrics collector")
	}
	if obs.Metrics.Registry != reg {
		t.Error("collector should use the shared registry")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background()) // must not panic
}

func TestTracerOrNil_Nil(t *testing.T) {
	var obs *Observability
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer setup")
	}
	var ts *TracerSetup
	if ts.Tracer() == nil {
		t.Error("nil TracerSetup should still hand out a noop tracer")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("nil shutdown: %v", err)
	}
}

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Fatalf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(ctx context.Context) error { return nil })
	h.AddCheck("bus", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Fatalf("status = %q, want ok", status.Status)
	}
	if len(status.Checks) != 2 {
		t.Fatalf("checks = %d, want 2", len(status.Checks))
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(ctx context.Context) error { return nil })
	h.AddCheck("bus", func(ctx context.Context) error { return errors.New("connection refused") })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Fatalf("status = %q, want degraded", status.Status)
	}
	if status.Checks["bus"].Status != "fail" {
		t.Errorf("bus check = %+v, want fail", status.Checks["bus"])
	}
	if status.Checks["store"].Status != "ok" {
		t.Errorf("store check = %+v, want ok", status.Checks["store"])
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("always-fails", func(ctx context.Context) error { return errors.New("down") })
	if status := h.CheckHealth(); status.Status != "ok" {
		t.Fatalf("liveness = %q, want ok regardless of checks", status.Status)
	}
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetricsCollector(nil)
	handler := HTTPMetricsMiddleware(m, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", rec.Code)
	}
	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/tasks", "418"))
	if got != 1 {
		t.Errorf("requests_total = %v, want 1", got)
	}
	if active := testutil.ToFloat64(m.ActiveRequests); active != 0 {
		t.Errorf("active_requests = %v, want 0 after completion", active)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}
