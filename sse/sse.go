// Package sse implements the streaming fabric's server-sent-events layer:
// parsing provider event streams, emitting canonical chunk streams to
// clients, heartbeats, bounded-channel backpressure, and cooperative
// cancellation. Provider adapters that ship an SDK-native SSE decoder use
// that decoder; this package covers the outbound (runtime to client) leg
// and inbound parsing for providers without one.
package sse

// Event is a single server-sent event in canonical field form.
type Event struct {
	// ID is the event id, when the server supplies one.
	ID string
	// Type is the event name from the "event:" field; empty means the
	// default "message" type.
	Type string
	// Data is the event payload with multi-line data fields joined by
	// newlines, as the SSE specification requires.
	Data string
	// Retry carries a reconnection delay hint in milliseconds, or 0.
	Retry int
}

// DoneSentinel is the terminal data payload ending a chat completion
// stream.
const DoneSentinel = "[DONE]"

// IsDone reports whether ev is the end-of-stream sentinel.
func (ev Event) IsDone() bool { return ev.Data == DoneSentinel }
