package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/circuitbreaker/cb/eventlog"
	"github.com/circuitbreaker/cb/telemetry"
)

// LogSink appends RoutingDecision events to the analytics stream. Appends
// are fire-and-forget with a short deadline: analytics must never slow
// down or fail the request path.
type LogSink struct {
	Log     eventlog.Log
	Tel     telemetry.Handle
	Timeout time.Duration
}

// NewLogSink constructs a LogSink with a 5s append deadline.
func NewLogSink(log eventlog.Log, tel telemetry.Handle) *LogSink {
	if tel.Log == nil {
		tel = telemetry.NewNoop()
	}
	return &LogSink{Log: log, Tel: tel, Timeout: 5 * time.Second}
}

// Record implements DecisionSink.
func (s *LogSink) Record(d RoutingDecision) {
	payload, err := json.Marshal(d)
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
		defer cancel()
		if _, err := s.Log.Append(ctx, eventlog.Subjects{}.Analytics(), payload, nil); err != nil {
			s.Tel.Log.Warn(ctx, "analytics append failed", "err", err)
		}
	}()
}

// MultiSink fans a decision out to several sinks, used to pair the NATS
// analytics stream with the Mongo archive.
type MultiSink []DecisionSink

// Record implements DecisionSink.
func (m MultiSink) Record(d RoutingDecision) {
	for _, s := range m {
		s.Record(d)
	}
}
