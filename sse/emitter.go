package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// DefaultHeartbeatInterval is how long an Emitter waits without chunks
// before sending a keepalive comment.
const DefaultHeartbeatInterval = 30 * time.Second

// Emitter frames events onto an HTTP response (or any writer) in SSE wire
// form. Writes are serialized; the emitter flushes after every event so
// chunks reach the client promptly.
type Emitter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewEmitter wraps w. When w implements http.Flusher (a chi/net-http
// ResponseWriter does), every event is flushed immediately.
func NewEmitter(w io.Writer) *Emitter {
	e := &Emitter{w: w}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

// WriteHeaders sets the SSE response headers. Call before the first event
// when emitting onto an http.ResponseWriter.
func WriteHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// WriteEvent frames ev as SSE lines and flushes.
func (e *Emitter) WriteEvent(ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ev.Type != "" {
		if _, err := fmt.Fprintf(e.w, "event: %s\n", ev.Type); err != nil {
			return err
		}
	}
	if ev.ID != "" {
		if _, err := fmt.Fprintf(e.w, "id: %s\n", ev.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", ev.Data); err != nil {
		return err
	}
	e.flush()
	return nil
}

// WriteJSON marshals v and emits it as a data event.
func (e *Emitter) WriteJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.WriteEvent(Event{Data: string(payload)})
}

// WriteComment emits a comment line, used for keepalives.
func (e *Emitter) WriteComment(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := fmt.Fprintf(e.w, ": %s\n\n", text); err != nil {
		return err
	}
	e.flush()
	return nil
}

// WriteDone emits the terminal [DONE] sentinel.
func (e *Emitter) WriteDone() error {
	return e.WriteEvent(Event{Data: DoneSentinel})
}

func (e *Emitter) flush() {
	if e.flusher != nil {
		e.flusher.Flush()
	}
}

// Pump drains events until the channel closes or ctx is cancelled,
// emitting a keepalive comment whenever heartbeat elapses with no event.
// A zero heartbeat uses DefaultHeartbeatInterval. Pump does not emit the
// [DONE] sentinel; callers decide how the stream terminates (an error
// event precedes [DONE] on failure).
func (e *Emitter) Pump(ctx context.Context, events <-chan Event, heartbeat time.Duration) error {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	timer := time.NewTimer(heartbeat)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := e.WriteEvent(ev); err != nil {
				return err
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(heartbeat)
		case <-timer.C:
			if err := e.WriteComment("keepalive"); err != nil {
				return err
			}
			timer.Reset(heartbeat)
		}
	}
}
