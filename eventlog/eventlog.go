// Package eventlog abstracts the append-only, subject-partitioned,
// sequenced log plus the KV store that every other component builds on.
// The default backend is NATS JetStream; an in-memory backend implements
// the same contract for tests and the "memory" STORAGE_BACKEND value.
package eventlog

import (
	"context"
	"time"
)

// StartPosition selects where a subscription begins reading from.
type StartPosition struct {
	Earliest  bool
	Latest    bool
	Sequence  uint64
	Timestamp time.Time
}

// AtEarliest returns a StartPosition that begins at the first retained
// message on the subject.
func AtEarliest() StartPosition { return StartPosition{Earliest: true} }

// AtLatest returns a StartPosition that begins after the last retained
// message on the subject (i.e. only new messages).
func AtLatest() StartPosition { return StartPosition{Latest: true} }

// AtSequence returns a StartPosition that begins at a specific sequence
// number.
func AtSequence(seq uint64) StartPosition { return StartPosition{Sequence: seq} }

// AtTimestamp returns a StartPosition that begins at the first message at or
// after t.
func AtTimestamp(t time.Time) StartPosition { return StartPosition{Timestamp: t} }

type (
	// Record is a single delivered log entry.
	Record struct {
		Subject   string
		Sequence  uint64
		Timestamp time.Time
		Payload   []byte
		Headers   map[string]string
	}

	// Op identifies the kind of KV mutation observed by a watch.
	Op string

	// KVEvent is a single delivered KV mutation.
	KVEvent struct {
		Bucket   string
		Key      string
		Value    []byte
		Revision uint64
		Op       Op
	}

	// Log is the append/subscribe contract over a durable, ordered,
	// subject-partitioned stream.
	Log interface {
		// Append durably appends payload to subject and returns its
		// sequence number. Headers typically carry an idempotency key so
		// redelivered appends can be deduplicated downstream.
		Append(ctx context.Context, subject string, payload []byte, headers map[string]string) (uint64, error)

		// Subscribe delivers records on subjectPattern starting at start.
		// Delivery is at-least-once; per-subject order is preserved.
		// Subscribers must tolerate redeliveries.
		Subscribe(ctx context.Context, subjectPattern string, start StartPosition) (<-chan Record, error)
	}

	// KV is the mutable-snapshot contract layered over the log's broker.
	KV interface {
		// Get returns the current value and revision for key, or ok=false
		// if the key does not exist.
		Get(ctx context.Context, bucket, key string) (value []byte, revision uint64, ok bool, err error)

		// Put writes value to key. When expectedRevision is non-zero, the
		// write is a compare-and-swap: it fails with a conflict error
		// (use cberr.Is(err, cberr.KindConflict)) if the stored revision
		// does not match. A zero expectedRevision means "create or
		// unconditional put".
		Put(ctx context.Context, bucket, key string, value []byte, expectedRevision uint64) (newRevision uint64, err error)

		// Watch delivers KVEvents for keys matching keyPattern in bucket.
		Watch(ctx context.Context, bucket, keyPattern string) (<-chan KVEvent, error)

		// Keys lists the keys currently present in bucket. An absent
		// bucket yields an empty list, not an error.
		Keys(ctx context.Context, bucket string) ([]string, error)
	}

	// Store bundles Log and KV, the two primitives every component above it
	// needs.
	Store interface {
		Log
		KV
	}
)

const (
	// OpPut indicates a key was created or updated.
	OpPut Op = "put"
	// OpDelete indicates a key was removed.
	OpDelete Op = "delete"
)

// IdempotencyHeader is the header key carrying an append's idempotency key.
const IdempotencyHeader = "Cb-Idempotency-Key"
