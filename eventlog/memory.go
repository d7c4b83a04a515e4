package eventlog

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/circuitbreaker/cb/cberr"
)

// Memory is an in-process Store implementation used by tests and by
// STORAGE_BACKEND=memory deployments. It preserves the same CAS and
// sequence semantics as the NATS backend so callers are backend-agnostic.
type Memory struct {
	mu sync.Mutex

	seqs    map[string]uint64 // subject -> last sequence
	records map[string][]Record
	subs    map[string][]chan Record

	kv       map[string]map[string][]byte
	kvRev    map[string]map[string]uint64
	kvWatchers map[string][]kvWatcher
}

type kvWatcher struct {
	pattern string
	ch      chan KVEvent
}

// NewMemory constructs an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		seqs:       map[string]uint64{},
		records:    map[string][]Record{},
		subs:       map[string][]chan Record{},
		kv:         map[string]map[string][]byte{},
		kvRev:      map[string]map[string]uint64{},
		kvWatchers: map[string][]kvWatcher{},
	}
}

func (m *Memory) Append(_ context.Context, subject string, payload []byte, headers map[string]string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seqs[subject]++
	seq := m.seqs[subject]
	rec := Record{Subject: subject, Sequence: seq, Timestamp: time.Now(), Payload: payload, Headers: headers}
	m.records[subject] = append(m.records[subject], rec)

	for pattern, chans := range m.subs {
		if !subjectMatch(pattern, subject) {
			continue
		}
		for _, ch := range chans {
			select {
			case ch <- rec:
			default:
			}
		}
	}
	return seq, nil
}

func (m *Memory) Subscribe(ctx context.Context, subjectPattern string, start StartPosition) (<-chan Record, error) {
	m.mu.Lock()
	ch := make(chan Record, 64)
	m.subs[subjectPattern] = append(m.subs[subjectPattern], ch)

	// Replay retained history matching the pattern and start position.
	var backlog []Record
	for subject, recs := range m.records {
		if !subjectMatch(subjectPattern, subject) {
			continue
		}
		for _, r := range recs {
			if !afterStart(r, start) {
				continue
			}
			backlog = append(backlog, r)
		}
	}
	m.mu.Unlock()

	go func() {
		for _, r := range backlog {
			select {
			case ch <- r:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func afterStart(r Record, start StartPosition) bool {
	switch {
	case start.Latest:
		return false // memory backend treats "latest" as "no backlog"
	case start.Sequence > 0:
		return r.Sequence >= start.Sequence
	case !start.Timestamp.IsZero():
		return !r.Timestamp.Before(start.Timestamp)
	default: // Earliest or zero value
		return true
	}
}

func subjectMatch(pattern, subject string) bool {
	pSegs := strings.Split(pattern, ".")
	sSegs := strings.Split(subject, ".")
	for i, p := range pSegs {
		if p == ">" {
			return true
		}
		if i >= len(sSegs) {
			return false
		}
		if p != "*" && p != sSegs[i] {
			return false
		}
	}
	return len(pSegs) == len(sSegs)
}

func (m *Memory) Get(_ context.Context, bucket, key string) ([]byte, uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.kv[bucket]
	if !ok {
		return nil, 0, false, nil
	}
	v, ok := b[key]
	if !ok {
		return nil, 0, false, nil
	}
	return v, m.kvRev[bucket][key], true, nil
}

func (m *Memory) Put(_ context.Context, bucket, key string, value []byte, expectedRevision uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.kv[bucket] == nil {
		m.kv[bucket] = map[string][]byte{}
		m.kvRev[bucket] = map[string]uint64{}
	}
	cur := m.kvRev[bucket][key]
	if expectedRevision != 0 && expectedRevision != cur {
		return 0, cberr.ErrConflict
	}
	newRev := cur + 1
	m.kv[bucket][key] = value
	m.kvRev[bucket][key] = newRev

	ev := KVEvent{Bucket: bucket, Key: key, Value: value, Revision: newRev, Op: OpPut}
	for _, w := range m.kvWatchers[bucket] {
		if w.pattern != "*" && w.pattern != key && !subjectMatch(w.pattern, key) {
			continue
		}
		select {
		case w.ch <- ev:
		default:
		}
	}
	return newRev, nil
}

func (m *Memory) Keys(_ context.Context, bucket string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.kv[bucket]
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *Memory) Watch(ctx context.Context, bucket, keyPattern string) (<-chan KVEvent, error) {
	m.mu.Lock()
	ch := make(chan KVEvent, 64)
	m.kvWatchers[bucket] = append(m.kvWatchers[bucket], kvWatcher{pattern: keyPattern, ch: ch})
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
	}()
	return ch, nil
}
