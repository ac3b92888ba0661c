package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestMetricsServer_MetricsEndpoint(t *testing.T) {
	// Vec metrics only show up after WithLabelValues() is called.
	PipelineLaunches.WithLabelValues("TEST").Add(0)
	PipelineLaunchFailures.WithLabelValues("TEST").Add(0)
	PipelineExits.WithLabelValues("TEST", "0").Add(0)
	PipelineUp.WithLabelValues("TEST").Set(0)
	PipelineRunDuration.WithLabelValues("TEST").Observe(0)
	DiagnosticLines.WithLabelValues("TEST").Add(0)
	JanitorSweeps.WithLabelValues("noop").Add(0)
	ArchiveUploads.WithLabelValues("TEST", "ok").Add(0)
	ArchiveUploadDuration.WithLabelValues("TEST").Observe(0)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	body := w.Body.String()

	expectedMetrics := []string{
		"recorder_pipeline_launches_total",
		"recorder_pipeline_launch_failures_total",
		"recorder_pipeline_exits_total",
		"recorder_pipeline_up",
		"recorder_pipeline_run_duration_seconds",
		"recorder_diagnostic_lines_total",
		"recorder_janitor_sweeps_total",
		"recorder_janitor_sweep_duration_seconds",
		"recorder_usage_bytes",
		"recorder_limit_bytes",
		"recorder_segment_files",
		"recorder_evicted_files_total",
		"recorder_evicted_bytes_total",
		"recorder_eviction_errors_total",
		"recorder_archive_uploads_total",
		"recorder_archive_upload_duration_seconds",
	}

	for _, name := range expectedMetrics {
		if !strings.Contains(body, name) {
			t.Errorf("expected /metrics to contain %q", name)
		}
	}

	ct := w.Header().Get("Content-Type")
	if !strings.Contains(ct, "text/plain") && !strings.Contains(ct, "text/openmetrics") {
		t.Errorf("expected text/plain or openmetrics content type, got %s", ct)
	}
}
