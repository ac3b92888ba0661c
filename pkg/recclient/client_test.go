package recclient

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/segment-recorder/internal/events"
	"github.com/gftdcojp/segment-recorder/internal/types"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

func startEmbeddedNATS(t *testing.T) (*nats.Conn, jetstream.JetStream) {
	t.Helper()
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  filepath.Join(t.TempDir(), "jetstream"),
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("failed to create nats-server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats-server failed to start")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		t.Fatal(err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		t.Fatal(err)
	}

	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
	})
	return nc, js
}

type staticStatuses []types.StreamStatus

func (s staticStatuses) Statuses() []types.StreamStatus { return s }

// startResponder runs the recorder's status responder and waits until it
// answers.
func startResponder(t *testing.T, nc *nats.Conn, c *Client, src events.StatusSource) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		events.RunStatusResponder(ctx, nc, "rec", src, zap.NewNop())
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rctx, rcancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		_, err := c.Status(rctx)
		rcancel()
		if err == nil {
			return
		}
	}
	t.Fatal("status responder did not answer")
}

func TestClient_New(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without a NATS connection")
	}

	nc, _ := startEmbeddedNATS(t)
	c, err := New(Config{NC: nc})
	if err != nil {
		t.Fatal(err)
	}
	if c.prefix != "recorder" || c.eventStream != "RECORDER_EVENTS" || c.timeout != 5*time.Second {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}

func TestClient_Status(t *testing.T) {
	nc, _ := startEmbeddedNATS(t)
	c, _ := New(Config{NC: nc, SubjectPrefix: "rec", Timeout: time.Second})

	code := 1
	src := staticStatuses{
		{Stream: "front.door", State: types.StateRunning, PID: 42, Launches: 3},
		{Stream: "yard", State: types.StateBackoffCrash, LastExitCode: &code},
	}
	startResponder(t, nc, c, src)

	ctx := context.Background()
	all, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].PID != 42 || all[1].LastExitCode == nil || *all[1].LastExitCode != 1 {
		t.Fatalf("unexpected statuses: %+v", all)
	}

	st, err := c.StreamStatus(ctx, "front.door")
	if err != nil {
		t.Fatal(err)
	}
	if st.Stream != "front.door" || st.State != types.StateRunning.String() || st.Launches != 3 {
		t.Fatalf("unexpected status: %+v", st)
	}

	if _, err := c.StreamStatus(ctx, "garage"); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestClient_StatusNoResponder(t *testing.T) {
	nc, _ := startEmbeddedNATS(t)
	c, _ := New(Config{NC: nc, Timeout: 200 * time.Millisecond})
	if _, err := c.Status(context.Background()); err == nil {
		t.Fatal("expected an error with no recorder listening")
	}
}

func TestClient_Watch(t *testing.T) {
	nc, _ := startEmbeddedNATS(t)
	c, _ := New(Config{NC: nc, SubjectPrefix: "rec"})

	var (
		mu   sync.Mutex
		seen []Event
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, func(ev Event) {
			mu.Lock()
			seen = append(seen, ev)
			mu.Unlock()
		})
	}()

	pub := events.NewNATSPublisher(nc, "rec", zap.NewNop())
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		// Status requests on the same prefix are not events.
		nc.PublishRequest("rec.status", "_INBOX.ignored", nil)
		pub.Publish(ctx, events.Event{Type: events.PipelineStarted, Stream: "gate", RunID: "r1"})
		nc.Flush()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n > 0 {
			break
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Fatal("no events delivered")
	}
	for _, ev := range seen {
		if ev.Type != events.PipelineStarted || ev.Stream != "gate" || ev.RunID != "r1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	}
}

func TestClient_WatchStreamNamedLikeStatus(t *testing.T) {
	nc, _ := startEmbeddedNATS(t)
	c, _ := New(Config{NC: nc, SubjectPrefix: "rec"})

	got := make(chan Event, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Watch(ctx, func(ev Event) {
		select {
		case got <- ev:
		default:
		}
	})

	pub := events.NewNATSPublisher(nc, "rec", zap.NewNop())
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ev := <-got:
			if ev.Stream != "status_gate" {
				t.Fatalf("unexpected event: %+v", ev)
			}
			return
		case <-tick.C:
			pub.Publish(ctx, events.Event{Type: events.PipelineStarted, Stream: "status_gate", RunID: "r1"})
		case <-deadline:
			t.Fatal("events of stream status_gate were not delivered")
		}
	}
}

func TestClient_Replay(t *testing.T) {
	nc, js := startEmbeddedNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	stream, err := events.EnsureStream(ctx, js, "RECORDER_EVENTS", "rec", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	pub := events.NewNATSPublisher(nc, "rec", zap.NewNop())
	code := 1
	pub.Publish(ctx, events.Event{Type: events.PipelineStarted, Stream: "gate", RunID: "r1", PID: 7})
	pub.Publish(ctx, events.Event{Type: events.PipelineExited, Stream: "gate", RunID: "r1", ExitCode: &code})
	pub.Publish(ctx, events.Event{Type: events.SegmentEvicted, Path: "/rec/gate/a.ts", Size: 100})
	nc.Flush()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		info, err := stream.Info(ctx)
		if err == nil && info.State.Msgs == 3 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	c, _ := New(Config{NC: nc, JS: js, SubjectPrefix: "rec"})
	c.fetchWait = 200 * time.Millisecond

	var got []Event
	n, err := c.Replay(ctx, time.Time{}, func(ev Event) { got = append(got, ev) })
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || len(got) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", n, got)
	}
	if got[0].Type != events.PipelineStarted || got[1].ExitCode == nil || *got[1].ExitCode != 1 || got[2].Size != 100 {
		t.Fatalf("unexpected replay order or content: %+v", got)
	}

	n, err = c.Replay(ctx, time.Now().Add(time.Hour), func(Event) {})
	if err != nil || n != 0 {
		t.Fatalf("expected nothing after the last event, got n=%d err=%v", n, err)
	}
}

func TestClient_ReplayWithoutJetStream(t *testing.T) {
	nc, _ := startEmbeddedNATS(t)
	c, _ := New(Config{NC: nc})
	if _, err := c.Replay(context.Background(), time.Time{}, func(Event) {}); !errors.Is(err, ErrNoEventStream) {
		t.Fatalf("expected ErrNoEventStream, got %v", err)
	}
}

func TestReplyError(t *testing.T) {
	if replyError("") != nil {
		t.Fatal("empty message is not an error")
	}
	if !errors.Is(replyError("stream gate not found"), ErrStreamNotFound) {
		t.Fatal("expected ErrStreamNotFound")
	}
	if err := replyError("encoding status"); err == nil || errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("unexpected error mapping: %v", err)
	}
}
