package eventlog

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/circuitbreaker/cb/cberr"
)

// NATS implements Store over NATS JetStream: streams back Log.Append/
// Subscribe, and JetStream key-value buckets back KV.Get/Put/Watch with
// native per-key revisions providing the required CAS semantics.
type NATS struct {
	nc *nats.Conn
	js jetstream.JetStream

	streamCache map[string]jetstream.Stream
	kvCache     map[string]jetstream.KeyValue
}

// Config configures the NATS-backed Store.
type Config struct {
	URL string
	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout time.Duration
}

// Dial connects to NATS and returns a Store backed by JetStream. Streams
// and KV buckets are created lazily on first use (CreateOrUpdate semantics)
// so callers do not need a separate provisioning step.
func Dial(ctx context.Context, cfg Config) (*NATS, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	nc, err := nats.Connect(cfg.URL, nats.Timeout(timeout), nats.MaxReconnects(-1))
	if err != nil {
		return nil, cberr.Wrap(cberr.KindTransport, "NatsConnect", "failed to connect to NATS", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, cberr.Wrap(cberr.KindTransport, "JetStreamInit", "failed to initialize jetstream context", err)
	}
	return &NATS{nc: nc, js: js, streamCache: map[string]jetstream.Stream{}, kvCache: map[string]jetstream.KeyValue{}}, nil
}

// Close drains and closes the underlying connection.
func (n *NATS) Close() {
	if n.nc != nil {
		n.nc.Close()
	}
}

func streamNameForSubject(subject string) string {
	// Subjects are of the form "cb.<domain>....". We bucket streams by the
	// second token so e.g. "cb.workflows.*" and "cb.agent.*" land on
	// distinct streams while sharing the broad CIRCUIT_BREAKER_GLOBAL
	// naming convention for workflow/definition subjects.
	return eventlogStreamName(subject)
}

func (n *NATS) ensureStream(ctx context.Context, name string, subjectFilters []string) (jetstream.Stream, error) {
	if s, ok := n.streamCache[name]; ok {
		return s, nil
	}
	s, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: subjectFilters,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, cberr.Wrap(cberr.KindTransport, "StreamEnsure", "failed to ensure jetstream stream", err)
	}
	n.streamCache[name] = s
	return s, nil
}

// Append retries with exponential backoff and jitter until the context
// deadline, so transient broker unavailability fails the request, not
// the process.
func (n *NATS) Append(ctx context.Context, subject string, payload []byte, headers map[string]string) (uint64, error) {
	name := streamNameForSubject(subject)
	if _, err := n.ensureStream(ctx, name, []string{subject[:lastWildcardableSegment(subject)] + ".>"}); err != nil {
		return 0, err
	}

	msg := &nats.Msg{Subject: subject, Data: payload, Header: nats.Header{}}
	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	var ack *jetstream.PubAck
	err := retryWithBackoff(ctx, func() error {
		var pubErr error
		ack, pubErr = n.js.PublishMsg(ctx, msg)
		return pubErr
	})
	if err != nil {
		return 0, cberr.Wrap(cberr.KindTransport, "AppendFailed", "append to event log failed after retries", err)
	}
	return ack.Sequence, nil
}

func (n *NATS) Subscribe(ctx context.Context, subjectPattern string, start StartPosition) (<-chan Record, error) {
	name := streamNameForSubject(subjectPattern)
	if _, err := n.ensureStream(ctx, name, []string{subjectPattern[:lastWildcardableSegment(subjectPattern)] + ".>"}); err != nil {
		return nil, err
	}

	cfg := jetstream.ConsumerConfig{
		FilterSubject: subjectPattern,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}
	switch {
	case start.Latest:
		cfg.DeliverPolicy = jetstream.DeliverNewPolicy
	case start.Sequence > 0:
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = start.Sequence
	case !start.Timestamp.IsZero():
		cfg.DeliverPolicy = jetstream.DeliverByStartTimePolicy
		cfg.OptStartTime = &start.Timestamp
	default:
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	}

	stream, err := n.js.Stream(ctx, name)
	if err != nil {
		return nil, cberr.Wrap(cberr.KindTransport, "StreamLookup", "stream lookup failed", err)
	}
	cons, err := stream.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return nil, cberr.Wrap(cberr.KindTransport, "ConsumerCreate", "consumer creation failed", err)
	}

	out := make(chan Record, 256)
	iter, err := cons.Messages()
	if err != nil {
		return nil, cberr.Wrap(cberr.KindTransport, "ConsumeStart", "failed to start consuming", err)
	}
	go func() {
		defer close(out)
		defer iter.Stop()
		for {
			msg, err := iter.Next()
			if err != nil {
				return
			}
			meta, _ := msg.Metadata()
			hdr := map[string]string{}
			for k, vs := range msg.Headers() {
				if len(vs) > 0 {
					hdr[k] = vs[0]
				}
			}
			rec := Record{Subject: msg.Subject(), Payload: msg.Data(), Headers: hdr}
			if meta != nil {
				rec.Sequence = meta.Sequence.Stream
				rec.Timestamp = meta.Timestamp
			}
			select {
			case out <- rec:
				_ = msg.Ack()
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (n *NATS) ensureKV(ctx context.Context, bucket string) (jetstream.KeyValue, error) {
	if kv, ok := n.kvCache[bucket]; ok {
		return kv, nil
	}
	kv, err := n.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: sanitizeBucket(bucket)})
	if err != nil {
		return nil, cberr.Wrap(cberr.KindTransport, "KVEnsure", "failed to ensure kv bucket", err)
	}
	n.kvCache[bucket] = kv
	return kv, nil
}

func (n *NATS) Get(ctx context.Context, bucket, key string) ([]byte, uint64, bool, error) {
	kv, err := n.ensureKV(ctx, bucket)
	if err != nil {
		return nil, 0, false, err
	}
	entry, err := kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, cberr.Wrap(cberr.KindTransport, "KVGet", "kv get failed", err)
	}
	return entry.Value(), entry.Revision(), true, nil
}

// Put performs a revisioned CAS write when expectedRevision is non-zero
// (kv.Update), otherwise an unconditional create-or-put.
func (n *NATS) Put(ctx context.Context, bucket, key string, value []byte, expectedRevision uint64) (uint64, error) {
	kv, err := n.ensureKV(ctx, bucket)
	if err != nil {
		return 0, err
	}
	if expectedRevision == 0 {
		rev, err := kv.Put(ctx, key, value)
		if err != nil {
			return 0, cberr.Wrap(cberr.KindTransport, "KVPut", "kv put failed", err)
		}
		return rev, nil
	}
	rev, err := kv.Update(ctx, key, value, expectedRevision)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) || isWrongLastSequence(err) {
			return 0, cberr.ErrConflict
		}
		return 0, cberr.Wrap(cberr.KindTransport, "KVUpdate", "kv cas update failed", err)
	}
	return rev, nil
}

func (n *NATS) Keys(ctx context.Context, bucket string) ([]string, error) {
	kv, err := n.ensureKV(ctx, bucket)
	if err != nil {
		return nil, err
	}
	keys, err := kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, cberr.Wrap(cberr.KindTransport, "KVKeys", "kv keys listing failed", err)
	}
	return keys, nil
}

func (n *NATS) Watch(ctx context.Context, bucket, keyPattern string) (<-chan KVEvent, error) {
	kv, err := n.ensureKV(ctx, bucket)
	if err != nil {
		return nil, err
	}
	w, err := kv.Watch(ctx, keyPattern)
	if err != nil {
		return nil, cberr.Wrap(cberr.KindTransport, "KVWatch", "kv watch failed", err)
	}
	out := make(chan KVEvent, 64)
	go func() {
		defer close(out)
		defer w.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				if entry == nil {
					continue // initial-state-complete marker
				}
				op := OpPut
				if entry.Operation() == jetstream.KeyValueDelete || entry.Operation() == jetstream.KeyValuePurge {
					op = OpDelete
				}
				select {
				case out <- KVEvent{Bucket: bucket, Key: entry.Key(), Value: entry.Value(), Revision: entry.Revision(), Op: op}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func sanitizeBucket(bucket string) string {
	out := make([]byte, 0, len(bucket))
	for i := 0; i < len(bucket); i++ {
		c := bucket[i]
		if c == '.' || c == ' ' {
			out = append(out, '_')
			continue
		}
		out = append(out, c)
	}
	return string(out)
}

func eventlogStreamName(subject string) string {
	segs := splitDot(subject)
	if len(segs) < 2 {
		return StreamGlobal
	}
	switch segs[1] {
	case "agent":
		return StreamAgent
	case "analytics":
		return StreamAnalytics
	default:
		return StreamGlobal
	}
}

func lastWildcardableSegment(subject string) int {
	segs := splitDot(subject)
	if len(segs) <= 2 {
		return len(subject)
	}
	n := 0
	for i := 0; i < 2; i++ {
		n += len(segs[i]) + 1
	}
	return n - 1
}

func splitDot(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func retryWithBackoff(ctx context.Context, fn func() error) error {
	const (
		initialDelay = 100 * time.Millisecond
		maxDelay     = 5 * time.Second
		multiplier   = 2.0
	)
	delay := initialDelay
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-time.After(delay + time.Duration(rand.Int63n(int64(delay)/2+1))):
		}
		delay = time.Duration(float64(delay) * multiplier)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
