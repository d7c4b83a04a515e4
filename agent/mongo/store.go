// Package mongo implements agent.SessionStore on MongoDB, for
// deployments that keep agent state in Mongo rather than the NATS KV
// default. Optimistic concurrency uses a revision field so the store
// honors the same CAS contract as the KV-backed store.
package mongo

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/circuitbreaker/cb/agent"
	"github.com/circuitbreaker/cb/cberr"
)

// Options configures the Mongo session store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

const (
	defaultCollection = "agent_sessions"
	defaultTimeout    = 5 * time.Second
)

// Store implements agent.SessionStore on a Mongo collection.
type Store struct {
	coll    collection
	timeout time.Duration
}

type sessionDocument struct {
	ID       string        `bson:"_id"`
	TenantID string        `bson:"tenant_id"`
	Revision uint64        `bson:"revision"`
	Session  agent.Session `bson:"session"`
}

// New constructs a Store and ensures its indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	wrapper := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(coll)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newStoreWithCollection(wrapper, timeout), nil
}

// newStoreWithCollection wires a Store to an already-wrapped collection;
// tests use it with a fake.
func newStoreWithCollection(coll collection, timeout time.Duration) *Store {
	return &Store{coll: coll, timeout: timeout}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "tenant_id", Value: 1}},
	})
	return err
}

// Load implements agent.SessionStore.
func (s *Store) Load(ctx context.Context, tenantID, sessionID string) (*agent.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc sessionDocument
	err := s.coll.FindOne(ctx, bson.D{
		{Key: "_id", Value: sessionID},
		{Key: "tenant_id", Value: tenantID},
	}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, cberr.New(cberr.KindNotFound, "SessionNotFound", "agent: unknown session "+sessionID)
	}
	if err != nil {
		return nil, cberr.Wrap(cberr.KindTransport, "MongoFind", "agent: session lookup failed", err)
	}
	session := doc.Session
	session.Revision = doc.Revision
	return &session, nil
}

// Save implements agent.SessionStore with revision-based optimistic
// concurrency: a zero revision inserts, a non-zero revision updates only
// when the stored revision still matches.
func (s *Store) Save(ctx context.Context, session *agent.Session) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	next := session.Revision + 1
	doc := sessionDocument{
		ID:       session.ID,
		TenantID: session.TenantID,
		Revision: next,
		Session:  *session,
	}

	if session.Revision == 0 {
		err := s.coll.InsertOne(ctx, doc)
		if mongodriver.IsDuplicateKeyError(err) {
			return cberr.ErrConflict
		}
		if err != nil {
			return cberr.Wrap(cberr.KindTransport, "MongoInsert", "agent: session insert failed", err)
		}
		session.Revision = next
		return nil
	}

	matched, err := s.coll.ReplaceOne(ctx, bson.D{
		{Key: "_id", Value: session.ID},
		{Key: "revision", Value: session.Revision},
	}, doc)
	if err != nil {
		return cberr.Wrap(cberr.KindTransport, "MongoReplace", "agent: session update failed", err)
	}
	if matched == 0 {
		return cberr.ErrConflict
	}
	session.Revision = next
	return nil
}

// List implements agent.SessionStore, newest activity first.
func (s *Store) List(ctx context.Context, tenantID string) ([]*agent.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cur, err := s.coll.Find(ctx, bson.D{{Key: "tenant_id", Value: tenantID}})
	if err != nil {
		return nil, cberr.Wrap(cberr.KindTransport, "MongoFind", "agent: session listing failed", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*agent.Session
	for cur.Next(ctx) {
		var doc sessionDocument
		if err := cur.Decode(&doc); err != nil {
			continue
		}
		session := doc.Session
		session.Revision = doc.Revision
		out = append(out, &session)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}
