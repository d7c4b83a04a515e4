package mongo

import (
	"context"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
)

// collection is the slice of *mongodriver.Collection the store uses,
// narrowed to an interface so tests can substitute a fake without a
// running database.
type collection interface {
	FindOne(ctx context.Context, filter any) singleResult
	InsertOne(ctx context.Context, doc any) error
	ReplaceOne(ctx context.Context, filter, doc any) (matched int64, err error)
	Find(ctx context.Context, filter any) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

// mongoCollection adapts the real driver collection to the collection
// interface.
type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any) singleResult {
	return c.coll.FindOne(ctx, filter)
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any) error {
	_, err := c.coll.InsertOne(ctx, doc)
	return err
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter, doc any) (int64, error) {
	res, err := c.coll.ReplaceOne(ctx, filter, doc)
	if err != nil {
		return 0, err
	}
	return res.MatchedCount, nil
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
