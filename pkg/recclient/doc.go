// Package recclient queries a running segment-recorder over NATS.
//
// The recorder answers status requests and publishes lifecycle events on
// subjects under a configurable prefix ("recorder" by default):
//
//	recorder.status                  all streams
//	recorder.status.{stream}         one stream
//	recorder.{stream}.{event}        lifecycle events
//	recorder._janitor.{event}        quota evictions
//
// # Basic Usage
//
//	nc, _ := nats.Connect("nats://localhost:4222")
//	client, _ := recclient.New(recclient.Config{NC: nc})
//
//	statuses, _ := client.Status(ctx)
//	for _, st := range statuses {
//		fmt.Println(st.Stream, st.State)
//	}
//
//	// Live events
//	client.Watch(ctx, func(ev recclient.Event) {
//		fmt.Println(ev.Type, ev.Stream)
//	})
//
// When the recorder retains events in a JetStream stream, [Client.Replay]
// reads the history since a point in time. It requires [Config.JS].
package recclient
