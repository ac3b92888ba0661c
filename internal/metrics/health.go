package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gftdcojp/segment-recorder/internal/config"
	"github.com/gftdcojp/segment-recorder/internal/journal"
	"github.com/gftdcojp/segment-recorder/internal/types"
	"github.com/gftdcojp/segment-recorder/pkg/s3util"
	"github.com/nats-io/nats.go"
)

// HealthStatus represents the overall health state.
type HealthStatus struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks,omitempty"`
}

// Check represents an individual health check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// StatusSource reports the state of every supervised stream.
type StatusSource interface {
	Statuses() []types.StreamStatus
}

// HealthDeps lists what readiness inspects. Every field is optional; a zero
// one is not checked.
type HealthDeps struct {
	NATS    *nats.Conn
	Journal journal.Store
	S3      *s3util.Client
	RootDir string
	Streams StatusSource
}

// HealthChecker runs health probes.
type HealthChecker struct {
	deps HealthDeps
}

func NewHealthChecker(deps HealthDeps) *HealthChecker {
	return &HealthChecker{deps: deps}
}

// Liveness checks if the process is alive.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{OK: true}
}

// Readiness reports whether recording can proceed. Only the journal and the
// recording root are fatal; the event bus and the archive bucket are not.
func (h *HealthChecker) Readiness() HealthStatus {
	status := HealthStatus{OK: true}
	add := func(name string, err error, fatal bool, okStatus string) {
		if err == nil {
			status.Checks = append(status.Checks, Check{Name: name, Status: okStatus})
			return
		}
		if fatal {
			status.OK = false
		}
		status.Checks = append(status.Checks, Check{Name: name, Status: "error", Error: err.Error()})
	}

	if nc := h.deps.NATS; nc != nil {
		if nc.IsConnected() {
			status.Checks = append(status.Checks, Check{Name: "nats", Status: "connected"})
		} else {
			status.Checks = append(status.Checks, Check{Name: "nats", Status: "disconnected"})
		}
	}

	if h.deps.Journal != nil {
		add("journal", h.deps.Journal.Ping(), true, "ok")
	}

	if h.deps.RootDir != "" {
		add("storage", checkDir(h.deps.RootDir), true, "ok")
	}

	if h.deps.S3 != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		add("s3", h.deps.S3.Ping(ctx), false, "ok")
	}

	if h.deps.Streams != nil {
		statuses := h.deps.Streams.Statuses()
		running := 0
		for _, st := range statuses {
			if st.State == types.StateRunning {
				running++
			}
		}
		status.Checks = append(status.Checks, Check{
			Name:   "pipelines",
			Status: fmt.Sprintf("%d/%d running", running, len(statuses)),
		})
	}

	return status
}

func checkDir(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}

// Handler serves the liveness and readiness probes.
func Handler(cfg config.HealthConfig, checker *HealthChecker) http.Handler {
	livenessPath := cfg.LivenessPath
	if livenessPath == "" {
		livenessPath = "/healthz"
	}
	readinessPath := cfg.ReadinessPath
	if readinessPath == "" {
		readinessPath = "/readyz"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(livenessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Liveness())
	})
	mux.HandleFunc(readinessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Readiness())
	})
	return mux
}

func writeStatus(w http.ResponseWriter, status HealthStatus) {
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// RunHealthServer starts the health check HTTP server.
func RunHealthServer(ctx context.Context, cfg config.HealthConfig, checker *HealthChecker) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: Handler(cfg, checker),
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
