package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gftdcojp/segment-recorder/internal/config"
	"github.com/gftdcojp/segment-recorder/internal/journal"
	"github.com/gftdcojp/segment-recorder/internal/types"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

func startEmbeddedNATS(t *testing.T) (*server.Server, string) {
	t.Helper()
	opts := &server.Options{
		Host:     "127.0.0.1",
		Port:     -1,
		NoLog:    true,
		NoSigs:   true,
		StoreDir: filepath.Join(t.TempDir(), "nats"),
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("failed to create nats-server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats-server failed to start")
	}

	t.Cleanup(func() { ns.Shutdown() })
	return ns, ns.ClientURL()
}

func newTestJournal(t *testing.T) journal.Store {
	t.Helper()
	store, err := journal.NewBoltStore(filepath.Join(t.TempDir(), "journal.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func checkStatus(t *testing.T, status HealthStatus, name, want string) {
	t.Helper()
	for _, c := range status.Checks {
		if c.Name == name {
			if c.Status != want {
				t.Fatalf("expected %s %s, got %s", name, want, c.Status)
			}
			return
		}
	}
	t.Fatalf("%s check missing: %+v", name, status.Checks)
}

func TestHealthChecker_Liveness(t *testing.T) {
	checker := NewHealthChecker(HealthDeps{})
	if !checker.Liveness().OK {
		t.Fatal("liveness should always return OK=true")
	}
}

func TestHealthChecker_Readiness_AllOK(t *testing.T) {
	_, url := startEmbeddedNATS(t)
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	checker := NewHealthChecker(HealthDeps{NATS: nc, Journal: newTestJournal(t), RootDir: t.TempDir()})
	status := checker.Readiness()
	if !status.OK {
		t.Fatalf("expected readiness OK=true, got checks: %+v", status.Checks)
	}
	checkStatus(t, status, "nats", "connected")
	checkStatus(t, status, "journal", "ok")
	checkStatus(t, status, "storage", "ok")
}

func TestHealthChecker_Readiness_NATSDownIsNotFatal(t *testing.T) {
	ns, url := startEmbeddedNATS(t)
	nc, err := nats.Connect(url, nats.NoReconnect())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	ns.Shutdown()
	time.Sleep(100 * time.Millisecond)

	status := NewHealthChecker(HealthDeps{NATS: nc}).Readiness()
	if !status.OK {
		t.Fatal("a lost event broker must not fail readiness")
	}
	checkStatus(t, status, "nats", "disconnected")
}

func TestHealthChecker_Readiness_JournalError(t *testing.T) {
	store := newTestJournal(t)
	store.Close()

	status := NewHealthChecker(HealthDeps{Journal: store}).Readiness()
	if status.OK {
		t.Fatal("expected readiness OK=false when the journal is closed")
	}
	checkStatus(t, status, "journal", "error")
}

func TestHealthChecker_Readiness_MissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "gone")
	status := NewHealthChecker(HealthDeps{RootDir: root}).Readiness()
	if status.OK {
		t.Fatal("expected readiness OK=false without a recording root")
	}
	checkStatus(t, status, "storage", "error")
}

type staticStatuses []types.StreamStatus

func (s staticStatuses) Statuses() []types.StreamStatus { return s }

func TestHealthChecker_Readiness_Pipelines(t *testing.T) {
	status := NewHealthChecker(HealthDeps{Streams: staticStatuses{
		{Stream: "gate", State: types.StateRunning},
		{Stream: "yard", State: types.StateBackoffError},
	}}).Readiness()
	if !status.OK {
		t.Fatal("stopped pipelines must not fail readiness")
	}
	checkStatus(t, status, "pipelines", "1/2 running")
}

func TestHealthChecker_Readiness_NilDeps(t *testing.T) {
	status := NewHealthChecker(HealthDeps{}).Readiness()
	if !status.OK || len(status.Checks) != 0 {
		t.Fatalf("expected OK with no checks, got %+v", status)
	}
}

func TestHealthHandler(t *testing.T) {
	store := newTestJournal(t)
	h := Handler(config.HealthConfig{LivenessPath: "/healthz", ReadinessPath: "/readyz"}, NewHealthChecker(HealthDeps{Journal: store}))

	for _, path := range []string{"/healthz", "/readyz"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, w.Code)
		}
		var resp HealthStatus
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || !resp.OK {
			t.Fatalf("%s: unexpected body %s", path, w.Body.String())
		}
	}

	store.Close()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with a closed journal, got %d", w.Code)
	}
}
