// Package events publishes recorder lifecycle and retention events to NATS.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gftdcojp/segment-recorder/internal/config"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event types, used as the last subject token.
const (
	PipelineStarted   = "pipeline_started"
	PipelineExited    = "pipeline_exited"
	LaunchFailed      = "launch_failed"
	SegmentEvicted    = "segment_evicted"
	SegmentArchived   = "segment_archived"
	janitorStreamName = "_janitor"
)

// Event is the JSON payload published for every lifecycle change.
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

// Publisher delivers events. Implementations must not block the caller for
// long and must never fail it: events are best-effort.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// NATSPublisher publishes events on {prefix}.{stream}.{type}.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "recorder"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(ev Event) string {
	stream := ev.Stream
	if stream == "" {
		stream = janitorStreamName
	}
	return p.prefix + "." + config.SubjectToken(stream) + "." + config.SubjectToken(ev.Type)
}

func (p *NATSPublisher) Publish(_ context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("encoding event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	if err := p.nc.Publish(p.Subject(ev), data); err != nil {
		p.logger.Warn("publishing event",
			zap.String("type", ev.Type),
			zap.String("stream", ev.Stream),
			zap.Error(err),
		)
	}
}
