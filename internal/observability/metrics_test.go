package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	expected := []string{
		"flowline_http_requests_total",
		"flowline_http_request_duration_seconds",
		"flowline_http_request_size_bytes",
		"flowline_http_response_size_bytes",
		"flowline_flow_starts_total",
		"flowline_flow_completions_total",
		"flowline_flow_stalls_total",
		"flowline_task_completions_total",
		"flowline_task_rejections_total",
		"flowline_task_reassignments_total",
		"flowline_templates_loaded",
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.FlowStartsTotal.WithLabelValues("tpl-1").Inc()
	m.FlowCompletionsTotal.WithLabelValues("tpl-1", "completed").Inc()
	m.FlowStallsTotal.WithLabelValues("tpl-1").Inc()
	m.TaskCompletionsTotal.WithLabelValues("tpl-1").Inc()
	m.TaskRejectionsTotal.WithLabelValues("tpl-1").Inc()
	m.TaskReassignmentsTotal.WithLabelValues("tpl-1").Inc()
	m.TemplatesLoaded.Set(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/api/flow-instances/{instanceId}", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/api/flow-instances/{instanceId}", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/api/tasks/{taskId}/complete", 500, 200*time.Millisecond, 512, 256)

	// Verify counter values.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/flow-instances/{instanceId}", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/tasks/{taskId}/complete", "500"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestFlowLifecycleCounters(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.FlowStartsTotal.WithLabelValues("onboarding").Inc()
	m.FlowStartsTotal.WithLabelValues("onboarding").Inc()
	m.FlowCompletionsTotal.WithLabelValues("onboarding", "completed").Inc()
	m.FlowCompletionsTotal.WithLabelValues("onboarding", "terminated").Inc()
	m.FlowStallsTotal.WithLabelValues("onboarding").Inc()

	starts := testutil.ToFloat64(m.FlowStartsTotal.WithLabelValues("onboarding"))
	if starts != 2 {
		t.Errorf("starts = %v, want 2", starts)
	}
	completed := testutil.ToFloat64(m.FlowCompletionsTotal.WithLabelValues("onboarding", "completed"))
	if completed != 1 {
		t.Errorf("completions(completed) = %v, want 1", completed)
	}
	terminated := testutil.ToFloat64(m.FlowCompletionsTotal.WithLabelValues("onboarding", "terminated"))
	if terminated != 1 {
		t.Errorf("completions(terminated) = %v, want 1", terminated)
	}
	stalls := testutil.ToFloat64(m.FlowStallsTotal.WithLabelValues("onboarding"))
	if stalls != 1 {
		t.Errorf("stalls = %v, want 1", stalls)
	}
}

func TestTaskCounters(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.TaskCompletionsTotal.WithLabelValues("tpl-1").Inc()
	m.TaskRejectionsTotal.WithLabelValues("tpl-1").Inc()
	m.TaskRejectionsTotal.WithLabelValues("tpl-1").Inc()
	m.TaskReassignmentsTotal.WithLabelValues("tpl-1").Inc()

	if v := testutil.ToFloat64(m.TaskCompletionsTotal.WithLabelValues("tpl-1")); v != 1 {
		t.Errorf("completions = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.TaskRejectionsTotal.WithLabelValues("tpl-1")); v != 2 {
		t.Errorf("rejections = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.TaskReassignmentsTotal.WithLabelValues("tpl-1")); v != 1 {
		t.Errorf("reassignments = %v, want 1", v)
	}
}

func TestTemplatesLoadedGauge(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.TemplatesLoaded.Set(5)
	if v := testutil.ToFloat64(m.TemplatesLoaded); v != 5 {
		t.Errorf("templates loaded = %v, want 5", v)
	}

	m.TemplatesLoaded.Set(10)
	if v := testutil.ToFloat64(m.TemplatesLoaded); v != 10 {
		t.Errorf("templates loaded = %v, want 10", v)
	}
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Build a chi router so route patterns are captured.
	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/api/flow-instances/{instanceId}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/flow-instances/abc", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Verify metrics were recorded with the route pattern, not the actual path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/flow-instances/{instanceId}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesResponseSize(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("healthy"))
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	// Response size should have been recorded.
	count := testutil.CollectAndCount(m.HTTPResponseSizeBytes)
	if count == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/api/tasks/{taskId}/complete", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/t-1/complete", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/tasks/{taskId}/complete", "400"))
	if val != 1 {
		t.Errorf("400 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Use middleware directly without chi router.
	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// Without chi, should fall back to raw path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	handler := Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	// Prometheus handler should return at least go runtime metrics.
	if !strings.Contains(body, "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}

func TestHistogramBuckets(t *testing.T) {
	// Verify bucket configurations are correct.
	if len(httpDurationBuckets) != 11 {
		t.Errorf("httpDurationBuckets length = %d, want 11", len(httpDurationBuckets))
	}
	if len(bodySizeBuckets) != 5 {
		t.Errorf("bodySizeBuckets length = %d, want 5", len(bodySizeBuckets))
	}

	// Verify buckets are sorted ascending.
	for i := 1; i < len(httpDurationBuckets); i++ {
		if httpDurationBuckets[i] <= httpDurationBuckets[i-1] {
			t.Errorf("httpDurationBuckets not sorted at index %d", i)
		}
	}
}
