package agent

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/eventlog"
)

// SessionStore persists agent sessions. The default implementation rides
// the KV side of the event log; a MongoDB implementation exists for
// deployments that keep agent state in Mongo.
type SessionStore interface {
	// Load returns the session, or a NotFound error. The returned
	// session carries the revision Save needs for CAS.
	Load(ctx context.Context, tenantID, sessionID string) (*Session, error)

	// Save writes the session under CAS against session.Revision (zero
	// creates). Conflict errors surface for the caller to retry its
	// read-modify-write.
	Save(ctx context.Context, session *Session) error

	// List returns a tenant's sessions.
	List(ctx context.Context, tenantID string) ([]*Session, error)
}

// KVSessionStore stores sessions in the tenant's agent-sessions KV
// bucket and appends a lifecycle event to the session's subject on every
// save, so the log remains the replayable source of truth.
type KVSessionStore struct {
	store    eventlog.Store
	buckets  eventlog.Buckets
	subjects eventlog.Subjects
}

// NewKVSessionStore constructs the default store.
func NewKVSessionStore(store eventlog.Store) *KVSessionStore {
	return &KVSessionStore{store: store}
}

func (s *KVSessionStore) Load(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	raw, rev, ok, err := s.store.Get(ctx, s.buckets.AgentSessions(tenantID), sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cberr.New(cberr.KindNotFound, "SessionNotFound", "agent: unknown session "+sessionID)
	}
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, err
	}
	session.Revision = rev
	return &session, nil
}

func (s *KVSessionStore) Save(ctx context.Context, session *Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return err
	}
	rev, err := s.store.Put(ctx, s.buckets.AgentSessions(session.TenantID), session.ID, payload, session.Revision)
	if err != nil {
		return err
	}
	session.Revision = rev

	subject := s.subjects.AgentSession(session.TenantID, session.ID)
	headers := map[string]string{eventlog.IdempotencyHeader: session.ID + ":" + strconv.Itoa(len(session.Turns))}
	if _, err := s.store.Append(ctx, subject, payload, headers); err != nil {
		// The KV snapshot is committed; a failed log append is surfaced
		// so callers can decide, but the session is not rolled back —
		// appends are facts once the snapshot advanced.
		return cberr.Wrap(cberr.KindTransport, "SessionEventAppend", "agent: session event append failed", err)
	}
	return nil
}

func (s *KVSessionStore) List(ctx context.Context, tenantID string) ([]*Session, error) {
	bucket := s.buckets.AgentSessions(tenantID)
	keys, err := s.store.Keys(ctx, bucket)
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(keys))
	for _, key := range keys {
		raw, rev, ok, err := s.store.Get(ctx, bucket, key)
		if err != nil || !ok {
			continue
		}
		var session Session
		if err := json.Unmarshal(raw, &session); err != nil {
			continue
		}
		session.Revision = rev
		out = append(out, &session)
	}
	return out, nil
}
