package recclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Config configures the recorder client.
type Config struct {
	// NC is the NATS connection.
	NC *nats.Conn

	// JS is the JetStream context. Only Replay needs it.
	JS jetstream.JetStream

	// SubjectPrefix must match the recorder's events.subject_prefix.
	// Defaults to "recorder".
	SubjectPrefix string

	// EventStream names the JetStream stream retaining events.
	// Defaults to "RECORDER_EVENTS".
	EventStream string

	// Timeout for status requests when the context has no deadline.
	// Defaults to 5s.
	Timeout time.Duration
}

// Client talks to a segment-recorder over NATS.
type Client struct {
	nc          *nats.Conn
	js          jetstream.JetStream
	prefix      string
	eventStream string
	timeout     time.Duration
	fetchWait   time.Duration
}

// Status is the supervisor state of one stream.
type Status struct {
	Stream          string    `json:"stream"`
	State           string    `json:"state"`
	RunID           string    `json:"run_id,omitempty"`
	PID             int       `json:"pid,omitempty"`
	Launches        uint64    `json:"launches"`
	LaunchFailures  uint64    `json:"launch_failures"`
	LastExitCode    *int      `json:"last_exit_code,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	Since           time.Time `json:"since"`
	DiagnosticLines uint64    `json:"diagnostic_lines"`
}

// Event is a recorder lifecycle or retention event.
type Event struct {
	Type     string    `json:"type"`
	Stream   string    `json:"stream"`
	Time     time.Time `json:"time"`
	RunID    string    `json:"run_id,omitempty"`
	PID      int       `json:"pid,omitempty"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Error    string    `json:"error,omitempty"`
	Path     string    `json:"path,omitempty"`
	Size     int64     `json:"size,omitempty"`
	Key      string    `json:"key,omitempty"`
}

// New creates a recorder client.
func New(cfg Config) (*Client, error) {
	if cfg.NC == nil {
		return nil, fmt.Errorf("recclient: NC (NATS connection) is required")
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "recorder"
	}
	eventStream := cfg.EventStream
	if eventStream == "" {
		eventStream = "RECORDER_EVENTS"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		nc:          cfg.NC,
		js:          cfg.JS,
		prefix:      prefix,
		eventStream: eventStream,
		timeout:     timeout,
		fetchWait:   time.Second,
	}, nil
}

// Status returns the state of every supervised stream.
func (c *Client) Status(ctx context.Context) ([]Status, error) {
	data, err := c.request(ctx, c.prefix+".status")
	if err != nil {
		return nil, err
	}
	var statuses []Status
	if err := json.Unmarshal(data, &statuses); err != nil {
		var reply struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &reply) == nil && reply.Error != "" {
			return nil, replyError(reply.Error)
		}
		return nil, fmt.Errorf("recclient: decoding status: %w", err)
	}
	return statuses, nil
}

// StreamStatus returns the state of one stream, or ErrStreamNotFound.
func (c *Client) StreamStatus(ctx context.Context, name string) (*Status, error) {
	data, err := c.request(ctx, c.prefix+".status."+token(name))
	if err != nil {
		return nil, err
	}
	var reply struct {
		Status
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("recclient: decoding status: %w", err)
	}
	if err := replyError(reply.Error); err != nil {
		return nil, err
	}
	return &reply.Status, nil
}

func (c *Client) request(ctx context.Context, subject string) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	msg, err := c.nc.RequestWithContext(ctx, subject, nil)
	if err != nil {
		return nil, fmt.Errorf("recclient: request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// Watch delivers live events to fn until ctx is done. fn runs on a single
// goroutine and must not block for long.
func (c *Client) Watch(ctx context.Context, fn func(Event)) error {
	statusSubject := c.prefix + ".status"
	sub, err := c.nc.Subscribe(c.prefix+".>", func(msg *nats.Msg) {
		if msg.Reply != "" || msg.Subject == statusSubject || strings.HasPrefix(msg.Subject, statusSubject+".") {
			return
		}
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		fn(ev)
	})
	if err != nil {
		return fmt.Errorf("recclient: subscribing to events: %w", err)
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	return nil
}

// Replay delivers retained events published at or after since, oldest first,
// and returns once it has caught up. A zero since replays everything.
func (c *Client) Replay(ctx context.Context, since time.Time, fn func(Event)) (int, error) {
	if c.js == nil {
		return 0, ErrNoEventStream
	}

	cfg := jetstream.OrderedConsumerConfig{DeliverPolicy: jetstream.DeliverAllPolicy}
	if !since.IsZero() {
		cfg.DeliverPolicy = jetstream.DeliverByStartTimePolicy
		cfg.OptStartTime = &since
	}
	cons, err := c.js.OrderedConsumer(ctx, c.eventStream, cfg)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return 0, ErrNoEventStream
		}
		return 0, fmt.Errorf("recclient: consumer on %s: %w", c.eventStream, err)
	}

	delivered := 0
	for {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}

		batch, err := cons.Fetch(256, jetstream.FetchMaxWait(c.fetchWait))
		if err != nil {
			return delivered, fmt.Errorf("recclient: fetching events: %w", err)
		}

		got, caughtUp := 0, false
		for msg := range batch.Messages() {
			got++
			if meta, err := msg.Metadata(); err == nil && meta.NumPending == 0 {
				caughtUp = true
			}
			var ev Event
			if err := json.Unmarshal(msg.Data(), &ev); err != nil {
				continue
			}
			fn(ev)
			delivered++
		}
		if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) && !errors.Is(err, nats.ErrTimeout) {
			return delivered, fmt.Errorf("recclient: fetching events: %w", err)
		}
		if got == 0 || caughtUp {
			return delivered, nil
		}
	}
}

// token mirrors how the recorder turns a stream name into a subject token.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
