package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gftdcojp/segment-recorder/internal/config"
	"github.com/gftdcojp/segment-recorder/internal/types"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// StatusSource reports the current state of every stream.
type StatusSource interface {
	Statuses() []types.StreamStatus
}

// RunStatusResponder answers request-reply queries on {prefix}.status with
// the JSON status of all streams, or of one stream on {prefix}.status.{stream}.
func RunStatusResponder(ctx context.Context, nc *nats.Conn, prefix string, src StatusSource, logger *zap.Logger) error {
	if prefix == "" {
		prefix = "recorder"
	}

	handler := func(msg *nats.Msg) {
		statuses := src.Statuses()
		want := ""
		if len(msg.Subject) > len(prefix)+len(".status.") {
			want = msg.Subject[len(prefix)+len(".status."):]
		}

		var payload any = statuses
		if want != "" {
			payload = map[string]string{"error": fmt.Sprintf("stream %s not found", want)}
			for _, st := range statuses {
				if config.SubjectToken(st.Stream) == want {
					payload = st
					break
				}
			}
		}

		resp, err := json.Marshal(payload)
		if err != nil {
			resp = []byte(`{"error":"encoding status"}`)
		}
		if err := msg.Respond(resp); err != nil {
			logger.Debug("status reply failed", zap.Error(err))
		}
	}

	var subs []*nats.Subscription
	for _, subject := range []string{prefix + ".status", prefix + ".status.*"} {
		sub, err := nc.Subscribe(subject, handler)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	logger.Info("NATS status responder started", zap.String("subject", prefix+".status"))

	<-ctx.Done()
	for _, s := range subs {
		s.Unsubscribe()
	}
	return nil
}
