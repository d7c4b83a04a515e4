// Package analytics archives routing decisions beyond the NATS analytics
// stream's retention window. The Mongo archive sits behind the same
// DecisionSink interface as the stream sink, so the router fans out to
// both without knowing either.
package analytics

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/circuitbreaker/cb/router"
	"github.com/circuitbreaker/cb/telemetry"
)

// Options configures the Mongo archive.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
	Telemetry  telemetry.Handle
}

const (
	defaultCollection = "routing_decisions"
	defaultTimeout    = 5 * time.Second
)

// collection is the slice of *mongodriver.Collection the archive uses,
// narrowed to an interface so tests can substitute a fake without a
// running database.
type collection interface {
	InsertOne(ctx context.Context, doc any) error
	Find(ctx context.Context, filter any) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error)
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any) error {
	_, err := c.coll.InsertOne(ctx, doc)
	return err
}

func (c mongoCollection) Find(ctx context.Context, filter any) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error) {
	return v.view.CreateOne(ctx, model)
}

// MongoArchive implements router.DecisionSink on a Mongo collection.
// Writes are asynchronous and best-effort: analytics archiving must never
// slow down the request path.
type MongoArchive struct {
	coll    collection
	timeout time.Duration
	tel     telemetry.Handle
	now     func() time.Time
}

type decisionDocument struct {
	TenantID         string    `bson:"tenant_id"`
	RequestedModel   string    `bson:"requested_model"`
	Strategy         string    `bson:"routing_strategy,omitempty"`
	SelectedProvider string    `bson:"selected_provider"`
	Model            string    `bson:"model"`
	Attempts         int       `bson:"attempts"`
	LatencyMs        int64     `bson:"latency_ms"`
	FallbackUsed     bool      `bson:"fallback_used"`
	EstimatedCost    float64   `bson:"estimated_cost"`
	RecordedAt       time.Time `bson:"recorded_at"`
}

// New constructs a MongoArchive and ensures its indexes.
func New(opts Options) (*MongoArchive, error) {
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
	tel := opts.Telemetry
	if tel.Log == nil {
		tel = telemetry.NewNoop()
	}
	wrapper := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(coll)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newArchiveWithCollection(wrapper, timeout, tel), nil
}

// newArchiveWithCollection wires an archive to an already-wrapped
// collection; tests use it with a fake.
func newArchiveWithCollection(coll collection, timeout time.Duration, tel telemetry.Handle) *MongoArchive {
	return &MongoArchive{coll: coll, timeout: timeout, tel: tel, now: time.Now}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "recorded_at", Value: -1}},
	})
	return err
}

// Record implements router.DecisionSink.
func (a *MongoArchive) Record(d router.RoutingDecision) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.archive(ctx, d); err != nil {
			a.tel.Log.Warn(ctx, "routing decision archive failed", "tenantId", d.TenantID, "err", err)
		}
	}()
}

// archive performs the synchronous insert behind Record.
func (a *MongoArchive) archive(ctx context.Context, d router.RoutingDecision) error {
	return a.coll.InsertOne(ctx, decisionDocument{
		TenantID:         d.TenantID,
		RequestedModel:   d.RequestedModel,
		Strategy:         string(d.Strategy),
		SelectedProvider: d.SelectedProvider,
		Model:            d.Model,
		Attempts:         d.Attempts,
		LatencyMs:        d.LatencyMs,
		FallbackUsed:     d.FallbackUsed,
		EstimatedCost:    d.EstimatedCost,
		RecordedAt:       a.now().UTC(),
	})
}

// ListRecent returns a tenant's most recent decisions, newest first.
func (a *MongoArchive) ListRecent(ctx context.Context, tenantID string, limit int) ([]router.RoutingDecision, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cur, err := a.coll.Find(ctx, bson.D{{Key: "tenant_id", Value: tenantID}})
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []decisionDocument
	for cur.Next(ctx) {
		var doc decisionDocument
		if err := cur.Decode(&doc); err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].RecordedAt.After(docs[j].RecordedAt) })
	if len(docs) > limit {
		docs = docs[:limit]
	}

	out := make([]router.RoutingDecision, 0, len(docs))
	for _, doc := range docs {
		out = append(out, router.RoutingDecision{
			TenantID:         doc.TenantID,
			RequestedModel:   doc.RequestedModel,
			Strategy:         router.Strategy(doc.Strategy),
			SelectedProvider: doc.SelectedProvider,
			Model:            doc.Model,
			Attempts:         doc.Attempts,
			LatencyMs:        doc.LatencyMs,
			FallbackUsed:     doc.FallbackUsed,
			EstimatedCost:    doc.EstimatedCost,
		})
	}
	return out, nil
}
