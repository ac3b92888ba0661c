package events

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/gftdcojp/segment-recorder/internal/types"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

func startEmbeddedNATS(t *testing.T) string {
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
	return ns.ClientURL()
}

func connect(t *testing.T, url string) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func TestNATSPublisher_Subject(t *testing.T) {
	p := NewNATSPublisher(nil, "", zap.NewNop())
	if got := p.Subject(Event{Type: PipelineExited, Stream: "front.door"}); got != "recorder.front_door.pipeline_exited" {
		t.Fatalf("unexpected subject %q", got)
	}
	if got := p.Subject(Event{Type: SegmentEvicted}); got != "recorder._janitor.segment_evicted" {
		t.Fatalf("unexpected janitor subject %q", got)
	}
}

func TestNATSPublisher_Publish(t *testing.T) {
	url := startEmbeddedNATS(t)
	nc := connect(t, url)

	sub, err := nc.SubscribeSync("rec.>")
	if err != nil {
		t.Fatal(err)
	}

	pub := NewNATSPublisher(nc, "rec", zap.NewNop())
	code := 1
	pub.Publish(context.Background(), Event{Type: PipelineExited, Stream: "gate", RunID: "r1", ExitCode: &code})
	nc.Flush()

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("no event received: %v", err)
	}
	if msg.Subject != "rec.gate.pipeline_exited" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}

	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.RunID != "r1" || ev.ExitCode == nil || *ev.ExitCode != 1 || ev.Time.IsZero() {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

type staticStatuses []types.StreamStatus

func (s staticStatuses) Statuses() []types.StreamStatus { return s }

func TestStatusResponder(t *testing.T) {
	url := startEmbeddedNATS(t)
	nc := connect(t, url)

	src := staticStatuses{
		{Stream: "gate", State: types.StateRunning, PID: 42},
		{Stream: "yard", State: types.StateBackoffCrash},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunStatusResponder(ctx, nc, "rec", src, zap.NewNop()) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the subscription a moment to register.
	var resp *nats.Msg
	var err error
	for i := 0; i < 20; i++ {
		resp, err = nc.Request("rec.status", nil, 200*time.Millisecond)
		if err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}

	var all []map[string]any
	if err := json.Unmarshal(resp.Data, &all); err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0]["state"] != "running" {
		t.Fatalf("unexpected status reply: %s", resp.Data)
	}

	resp, err = nc.Request("rec.status.yard", nil, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var one map[string]any
	json.Unmarshal(resp.Data, &one)
	if one["stream"] != "yard" || one["state"] != "backoff_crash" {
		t.Fatalf("unexpected single status reply: %s", resp.Data)
	}

	resp, err = nc.Request("rec.status.nope", nil, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	json.Unmarshal(resp.Data, &one)
	if one["error"] == nil {
		t.Fatalf("expected error for unknown stream: %s", resp.Data)
	}
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	p.Publish(context.Background(), Event{Type: PipelineStarted})
}
