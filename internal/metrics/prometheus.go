package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gftdcojp/segment-recorder/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Supervisor metrics
	PipelineLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_pipeline_launches_total",
		Help: "Recording pipelines started successfully",
	}, []string{"stream"})

	PipelineLaunchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_pipeline_launch_failures_total",
		Help: "Recording pipelines that could not be started",
	}, []string{"stream"})

	PipelineExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_pipeline_exits_total",
		Help: "Recording pipeline exits by exit code",
	}, []string{"stream", "code"})

	PipelineUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "recorder_pipeline_up",
		Help: "1 while a recording pipeline is running for the stream",
	}, []string{"stream"})

	PipelineRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recorder_pipeline_run_duration_seconds",
		Help:    "Lifetime of recording pipeline instances",
		Buckets: []float64{1, 5, 30, 60, 300, 900, 3600, 6 * 3600, 24 * 3600},
	}, []string{"stream"})

	DiagnosticLines = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_diagnostic_lines_total",
		Help: "Diagnostic lines drained from recording pipelines",
	}, []string{"stream"})

	// Janitor metrics
	JanitorSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_janitor_sweeps_total",
		Help: "Janitor sweeps by result (noop, evicted, error)",
	}, []string{"result"})

	JanitorSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recorder_janitor_sweep_duration_seconds",
		Help:    "Time to scan and evict",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	UsageBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recorder_usage_bytes",
		Help: "Bytes of recordable segments at the last janitor scan",
	})

	LimitBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recorder_limit_bytes",
		Help: "Configured ceiling for recordable segments",
	})

	SegmentFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recorder_segment_files",
		Help: "Recordable segments found at the last janitor scan",
	})

	EvictedFiles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_evicted_files_total",
		Help: "Segments deleted to honour the disk quota",
	})

	EvictedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_evicted_bytes_total",
		Help: "Bytes deleted to honour the disk quota",
	})

	EvictionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_eviction_errors_total",
		Help: "Segments the janitor failed to delete",
	})

	// Archive metrics
	ArchiveUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_archive_uploads_total",
		Help: "Segment uploads to object storage by status",
	}, []string{"stream", "status"})

	ArchiveUploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recorder_archive_upload_duration_seconds",
		Help:    "Segment upload latency",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"stream"})

	// Event bus metrics
	NATSConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recorder_nats_connected",
		Help: "1 while the event bus connection is up",
	})

	NATSReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_nats_reconnects_total",
		Help: "Event bus reconnections",
	})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
