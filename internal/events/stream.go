package events

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Types lists every event type, in publication order of a typical run.
var Types = []string{PipelineStarted, PipelineExited, LaunchFailed, SegmentEvicted, SegmentArchived}

// StreamSubjects returns the subjects that carry events under prefix. Status
// requests share the prefix and are not matched.
func StreamSubjects(prefix string) []string {
	if prefix == "" {
		prefix = "recorder"
	}
	subjects := make([]string, 0, len(Types))
	for _, typ := range Types {
		subjects = append(subjects, prefix+".*."+typ)
	}
	return subjects
}

// EnsureStream creates or updates the JetStream stream that retains events.
// maxAge <= 0 keeps events until the stream's limits are reached.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name, prefix string, maxAge time.Duration) (jetstream.Stream, error) {
	cfg := jetstream.StreamConfig{
		Name:        name,
		Description: "segment recorder lifecycle events",
		Subjects:    StreamSubjects(prefix),
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		Discard:     jetstream.DiscardOld,
	}
	if maxAge > 0 {
		cfg.MaxAge = maxAge
	}
	s, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating event stream %s: %w", name, err)
	}
	return s, nil
}
