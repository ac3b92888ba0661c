package recclient

import (
	"errors"
	"strings"
)

// ErrStreamNotFound is returned when the recorder does not supervise the
// requested stream.
var ErrStreamNotFound = errors.New("recclient: stream not found")

// ErrNoEventStream is returned by Replay when the client has no JetStream
// context or the recorder does not retain events.
var ErrNoEventStream = errors.New("recclient: event stream not available")

// replyError converts an {"error": "..."} reply into an error.
func replyError(msg string) error {
	if msg == "" {
		return nil
	}
	if strings.HasSuffix(msg, "not found") {
		return ErrStreamNotFound
	}
	return errors.New("recclient: recorder: " + msg)
}
