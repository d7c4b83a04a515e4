package mongo

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/stretchr/testify/require"

	"github.com/circuitbreaker/cb/agent"
	"github.com/circuitbreaker/cb/cberr"
)

// fakeCollection is an in-memory stand-in for the sessions collection,
// keyed by _id, honoring the filters the store actually issues.
type fakeCollection struct {
	mu           sync.Mutex
	indexCreated int
	docs         map[string]sessionDocument
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]sessionDocument)}
}

func filterValue(filter any, key string) (any, bool) {
	for _, e := range filter.(bson.D) {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

func (c *fakeCollection) FindOne(ctx context.Context, filter any) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, _ := filterValue(filter, "_id")
	tenantID, _ := filterValue(filter, "tenant_id")
	doc, ok := c.docs[id.(string)]
	if !ok || doc.TenantID != tenantID.(string) {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	copied := doc
	return fakeSingleResult{doc: &copied}
}

func (c *fakeCollection) InsertOne(ctx context.Context, doc any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := doc.(sessionDocument)
	if _, exists := c.docs[d.ID]; exists {
		return mongodriver.WriteException{WriteErrors: []mongodriver.WriteError{{Code: 11000}}}
	}
	c.docs[d.ID] = d
	return nil
}

func (c *fakeCollection) ReplaceOne(ctx context.Context, filter, doc any) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, _ := filterValue(filter, "_id")
	revision, _ := filterValue(filter, "revision")
	existing, ok := c.docs[id.(string)]
	if !ok || existing.Revision != revision.(uint64) {
		return 0, nil
	}
	c.docs[id.(string)] = doc.(sessionDocument)
	return 1, nil
}

func (c *fakeCollection) Find(ctx context.Context, filter any) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tenantID, _ := filterValue(filter, "tenant_id")
	var docs []sessionDocument
	for _, d := range c.docs {
		if d.TenantID == tenantID.(string) {
			docs = append(docs, d)
		}
	}
	return &fakeCursor{docs: docs, pos: -1}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{parent: &c.indexCreated}
}

type fakeIndexView struct {
	parent *int
}

func (v fakeIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error) {
	*v.parent++
	return "tenant_id_idx", nil
}

type fakeSingleResult struct {
	doc *sessionDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	*val.(*sessionDocument) = *r.doc
	return nil
}

type fakeCursor struct {
	docs []sessionDocument
	pos  int
}

func (c *fakeCursor) Next(ctx context.Context) bool {
	c.pos++
	return c.pos < len(c.docs)
}

func (c *fakeCursor) Decode(val any) error {
	*val.(*sessionDocument) = c.docs[c.pos]
	return nil
}

func (c *fakeCursor) Err() error                      { return nil }
func (c *fakeCursor) Close(ctx context.Context) error { return nil }

func newTestStore() (*Store, *fakeCollection) {
	coll := newFakeCollection()
	return newStoreWithCollection(coll, time.Second), coll
}

func testSession(id, tenantID string) *agent.Session {
	return &agent.Session{
		ID:           id,
		AgentID:      "agent-1",
		TenantID:     tenantID,
		Status:       agent.StatusActive,
		LastActivity: time.Now().UTC(),
	}
}

func TestSaveInsertsThenLoadsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	session := testSession("s1", "t1")
	require.NoError(t, store.Save(ctx, session))
	require.Equal(t, uint64(1), session.Revision)

	loaded, err := store.Load(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Equal(t, session.ID, loaded.ID)
	require.Equal(t, uint64(1), loaded.Revision)
}

func TestSaveDuplicateInsertConflicts(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	require.NoError(t, store.Save(ctx, testSession("s1", "t1")))

	// A second zero-revision writer for the same id loses the race.
	err := store.Save(ctx, testSession("s1", "t1"))
	require.True(t, cberr.Is(err, cberr.KindConflict))
}

func TestSaveCASAdvancesAndRejectsStaleRevision(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	session := testSession("s1", "t1")
	require.NoError(t, store.Save(ctx, session))

	// Matching revision advances.
	session.Status = agent.StatusIdle
	require.NoError(t, store.Save(ctx, session))
	require.Equal(t, uint64(2), session.Revision)

	// A stale writer holding revision 1 conflicts and mutates nothing.
	stale := testSession("s1", "t1")
	stale.Revision = 1
	stale.Status = agent.StatusEnded
	err := store.Save(ctx, stale)
	require.True(t, cberr.Is(err, cberr.KindConflict))

	loaded, err := store.Load(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Equal(t, agent.StatusIdle, loaded.Status)
	require.Equal(t, uint64(2), loaded.Revision)
}

func TestLoadUnknownSessionIsNotFound(t *testing.T) {
	store, _ := newTestStore()
	_, err := store.Load(context.Background(), "t1", "missing")
	require.Equal(t, cberr.KindNotFound, cberr.KindOf(err))
}

func TestLoadEnforcesTenantFilter(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	require.NoError(t, store.Save(ctx, testSession("s1", "t1")))

	_, err := store.Load(ctx, "t2", "s1")
	require.Equal(t, cberr.KindNotFound, cberr.KindOf(err))
}

func TestListReturnsTenantSessionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	older := testSession("s1", "t1")
	older.LastActivity = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	newer := testSession("s2", "t1")
	newer.LastActivity = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	other := testSession("s3", "t2")
	for _, s := range []*agent.Session{older, newer, other} {
		require.NoError(t, store.Save(ctx, s))
	}

	got, err := store.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "s2", got[0].ID)
	require.Equal(t, "s1", got[1].ID)
}

func TestNewEnsuresIndexes(t *testing.T) {
	coll := newFakeCollection()
	require.NoError(t, ensureIndexes(context.Background(), coll))
	require.Equal(t, 1, coll.indexCreated)
}
