package sync

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/registry"

	"github.com/Ramsey-B/fern/internal/repositories/entitykind"
)

func noopLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type testRecord struct {
	typ     string
	id      string
	display string
	active  bool
	meta    map[string]any
	supers  []models.SourceKey
}

func (r *testRecord) SourceType() string { return r.typ }
func (r *testRecord) SourceID() string   { return r.id }

// fakeStores is an in-memory stand-in for the kind, entity and relationship
// repositories, with enough bookkeeping to assert what a sync wrote.
type fakeStores struct {
	kinds    map[string]models.EntityKind
	entities map[models.SourceKey]models.Entity
	edges    map[models.RelationshipPair]bool
	nextID   int

	failUpdate bool

	insertCount     int
	updateCount     int
	edgeInsertCount int
	edgeDeleteCount int
}

func newFakeStores() *fakeStores {
	return &fakeStores{
		kinds:    make(map[string]models.EntityKind),
		entities: make(map[models.SourceKey]models.Entity),
		edges:    make(map[models.RelationshipPair]bool),
	}
}

func (s *fakeStores) UpsertMany(_ context.Context, kinds []entitykind.KindUpsert) ([]models.EntityKind, error) {
	var out []models.EntityKind
	for _, k := range kinds {
		kind, ok := s.kinds[k.Name]
		if !ok {
			kind = models.EntityKind{ID: "kind-" + k.Name, Name: k.Name}
		}
		kind.DisplayName = k.DisplayName
		s.kinds[k.Name] = kind
		out = append(out, kind)
	}
	return out, nil
}

func (s *fakeStores) GetBySourceKeys(_ context.Context, keys []models.SourceKey) ([]models.Entity, error) {
	var out []models.Entity
	for _, key := range keys {
		if e, ok := s.entities[key]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStores) ListForSourceType(_ context.Context, sourceType string) ([]models.Entity, error) {
	var out []models.Entity
	for _, e := range s.entities {
		if e.SourceType == sourceType {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

func (s *fakeStores) InsertMany(_ context.Context, entities []models.Entity) ([]models.Entity, error) {
	var out []models.Entity
	for _, e := range entities {
		s.nextID++
		e.ID = fmt.Sprintf("e%d", s.nextID)
		s.entities[e.Source()] = e
		out = append(out, e)
		s.insertCount++
	}
	return out, nil
}

func (s *fakeStores) Update(_ context.Context, entity models.Entity) (*models.Entity, error) {
	if s.failUpdate {
		return nil, fmt.Errorf("update failed")
	}
	s.entities[entity.Source()] = entity
	s.updateCount++
	return &entity, nil
}

func (s *fakeStores) DeleteForSource(_ context.Context, sourceType string, sourceIDs []string) ([]models.Entity, error) {
	var deleted []models.Entity
	for _, id := range sourceIDs {
		key := models.SourceKey{SourceType: sourceType, SourceID: id}
		e, ok := s.entities[key]
		if !ok {
			continue
		}
		delete(s.entities, key)
		deleted = append(deleted, e)
		// edges cascade with the entity, matching the FK constraint
		for pair := range s.edges {
			if pair.SubEntityID == e.ID || pair.SuperEntityID == e.ID {
				delete(s.edges, pair)
			}
		}
	}
	return deleted, nil
}

func (s *fakeStores) ListBySubIDs(_ context.Context, subIDs []string) ([]models.EntityRelationship, error) {
	subs := make(map[string]bool, len(subIDs))
	for _, id := range subIDs {
		subs[id] = true
	}
	var out []models.EntityRelationship
	for pair := range s.edges {
		if subs[pair.SubEntityID] {
			out = append(out, models.EntityRelationship{
				SubEntityID:   pair.SubEntityID,
				SuperEntityID: pair.SuperEntityID,
			})
		}
	}
	return out, nil
}

func (s *fakeStores) InsertManyEdges(_ context.Context, pairs []models.RelationshipPair) error {
	for _, p := range pairs {
		if !s.edges[p] {
			s.edges[p] = true
			s.edgeInsertCount++
		}
	}
	return nil
}

func (s *fakeStores) DeleteMany(_ context.Context, pairs []models.RelationshipPair) error {
	for _, p := range pairs {
		if s.edges[p] {
			delete(s.edges, p)
			s.edgeDeleteCount++
		}
	}
	return nil
}

// relStore adapts fakeStores to the RelationshipStore interface, whose
// InsertMany signature collides with the entity one.
type relStore struct {
	*fakeStores
}

func (s relStore) InsertMany(ctx context.Context, pairs []models.RelationshipPair) error {
	return s.fakeStores.InsertManyEdges(ctx, pairs)
}

type fakeTx struct {
	database.Tx
	open       bool
	committed  bool
	rolledBack bool
}

func (t *fakeTx) IsOpen() bool { return t.open }

func (t *fakeTx) Commit(_ context.Context) error {
	t.committed = true
	t.open = false
	return nil
}

func (t *fakeTx) Rollback(_ context.Context) error {
	if t.open {
		t.rolledBack = true
		t.open = false
	}
	return nil
}

type fakeTxStarter struct {
	txs []*fakeTx
}

func (s *fakeTxStarter) GetTx(ctx context.Context, _ *sql.TxOptions) (context.Context, database.Tx, error) {
	tx := &fakeTx{open: true}
	s.txs = append(s.txs, tx)
	return ctx, tx, nil
}

func (s *fakeTxStarter) last() *fakeTx {
	if len(s.txs) == 0 {
		return nil
	}
	return s.txs[len(s.txs)-1]
}

type captureSink struct {
	events []models.EntityEvent
}

func (s *captureSink) EmitEntityEvent(_ context.Context, event models.EntityEvent) error {
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) typesFor(entityID string) []string {
	var out []string
	for _, e := range s.events {
		if e.Entity.ID == entityID {
			out = append(out, e.Type)
		}
	}
	return out
}

// world wires an engine against an in-memory source and in-memory stores.
type world struct {
	reg    *registry.Registry
	stores *fakeStores
	txs    *fakeTxStarter
	engine *Engine
	sink   *captureSink
	source map[string]map[string]*testRecord
}

func newWorld(t *testing.T, sourceTypes ...string) *world {
	t.Helper()

	w := &world{
		reg:    registry.New(),
		stores: newFakeStores(),
		txs:    &fakeTxStarter{},
		sink:   &captureSink{},
		source: make(map[string]map[string]*testRecord),
	}

	logger := noopLogger()
	for _, sourceType := range sourceTypes {
		w.source[sourceType] = make(map[string]*testRecord)
		require.NoError(t, w.reg.Register(w.configFor(sourceType)))
	}

	computer := NewComputer(w.reg, logger)
	w.engine = NewEngine(w.reg, computer, w.stores, w.stores, relStore{w.stores}, w.txs, logger, 0)
	w.engine.AddSink(w.sink)
	return w
}

func (w *world) configFor(sourceType string) registry.Config {
	return registry.Config{
		SourceType: sourceType,
		Load: func(_ context.Context, ids []string) ([]registry.SourceRecord, error) {
			var out []registry.SourceRecord
			for _, id := range ids {
				if r, ok := w.source[sourceType][id]; ok {
					out = append(out, r)
				}
			}
			return out, nil
		},
		LoadAll: func(_ context.Context) ([]registry.SourceRecord, error) {
			ids := make([]string, 0, len(w.source[sourceType]))
			for id := range w.source[sourceType] {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			out := make([]registry.SourceRecord, 0, len(ids))
			for _, id := range ids {
				out = append(out, w.source[sourceType][id])
			}
			return out, nil
		},
		Kind: func(r registry.SourceRecord) (string, string) {
			return sourceType, sourceType
		},
		DisplayName: func(r registry.SourceRecord) string {
			return r.(*testRecord).display
		},
		IsActive: func(r registry.SourceRecord) bool {
			return r.(*testRecord).active
		},
		Meta: func(r registry.SourceRecord) map[string]any {
			return r.(*testRecord).meta
		},
		SuperEntities: func(r registry.SourceRecord) []models.SourceKey {
			return r.(*testRecord).supers
		},
	}
}

func (w *world) put(r *testRecord) {
	w.source[r.typ][r.id] = r
}

func (w *world) remove(sourceType, id string) {
	delete(w.source[sourceType], id)
}

func (w *world) entityID(sourceType, sourceID string) string {
	e, ok := w.stores.entities[models.SourceKey{SourceType: sourceType, SourceID: sourceID}]
	if !ok {
		return ""
	}
	return e.ID
}

func (w *world) hasEdge(subType, subID, superType, superID string) bool {
	return w.stores.edges[models.RelationshipPair{
		SubEntityID:   w.entityID(subType, subID),
		SuperEntityID: w.entityID(superType, superID),
	}]
}

func accountWorld(t *testing.T) *world {
	w := newWorld(t, "account", "team", "org")
	w.put(&testRecord{typ: "team", id: "team-a", display: "Team A", active: true})
	w.put(&testRecord{typ: "team", id: "team-b", display: "Team B", active: true})
	w.put(&testRecord{typ: "org", id: "org-1", display: "Org 1", active: true})
	w.put(&testRecord{typ: "account", id: "alice", display: "Alice", active: true, supers: []models.SourceKey{
		{SourceType: "team", SourceID: "team-a"},
		{SourceType: "org", SourceID: "org-1"},
	}})
	w.put(&testRecord{typ: "account", id: "bob", display: "Bob", active: true, supers: []models.SourceKey{
		{SourceType: "team", SourceID: "team-a"},
	}})
	return w
}

func TestEngine_SyncCreatesMirror(t *testing.T) {
	w := accountWorld(t)
	ctx := context.Background()

	result, err := w.engine.Sync(ctx, "account", nil)
	require.NoError(t, err)

	// alice and bob plus the referenced team and org supers
	assert.Len(t, result.Created, 4)
	assert.Empty(t, result.Updated)
	assert.Empty(t, result.Deleted)
	assert.Len(t, result.EdgesCreated, 3)

	assert.True(t, w.hasEdge("account", "alice", "team", "team-a"))
	assert.True(t, w.hasEdge("account", "alice", "org", "org-1"))
	assert.True(t, w.hasEdge("account", "bob", "team", "team-a"))

	assert.Contains(t, w.stores.kinds, "account")
	assert.Contains(t, w.stores.kinds, "team")
	assert.Contains(t, w.stores.kinds, "org")

	require.NotNil(t, w.txs.last())
	assert.True(t, w.txs.last().committed)
}

func TestEngine_SyncIsIdempotent(t *testing.T) {
	w := accountWorld(t)
	ctx := context.Background()

	_, err := w.engine.Sync(ctx, "account", nil)
	require.NoError(t, err)

	inserts := w.stores.insertCount
	edgeInserts := w.stores.edgeInsertCount

	result, err := w.engine.Sync(ctx, "account", nil)
	require.NoError(t, err)

	assert.Empty(t, result.Created)
	assert.Empty(t, result.Updated)
	assert.Empty(t, result.Deleted)
	assert.Empty(t, result.EdgesCreated)
	assert.Empty(t, result.EdgesDeleted)
	assert.Equal(t, inserts, w.stores.insertCount)
	assert.Equal(t, edgeInserts, w.stores.edgeInsertCount)
}

// When a record's supers change from {B, C} to {B, D}, exactly the C edge is
// removed and exactly the D edge is added.
func TestEngine_SyncReplacesEdges(t *testing.T) {
	w := accountWorld(t)
	ctx := context.Background()

	alice := w.source["account"]["alice"]
	alice.supers = []models.SourceKey{
		{SourceType: "team", SourceID: "team-a"},
		{SourceType: "team", SourceID: "team-b"},
	}

	_, err := w.engine.Sync(ctx, "account", []string{"alice"})
	require.NoError(t, err)
	require.True(t, w.hasEdge("account", "alice", "team", "team-b"))

	alice.supers = []models.SourceKey{
		{SourceType: "team", SourceID: "team-a"},
		{SourceType: "org", SourceID: "org-1"},
	}

	result, err := w.engine.Sync(ctx, "account", []string{"alice"})
	require.NoError(t, err)

	assert.Len(t, result.EdgesCreated, 1)
	assert.Len(t, result.EdgesDeleted, 1)
	assert.True(t, w.hasEdge("account", "alice", "team", "team-a"))
	assert.True(t, w.hasEdge("account", "alice", "org", "org-1"))
	assert.False(t, w.hasEdge("account", "alice", "team", "team-b"))
}

// Syncing subs never touches the edges of the supers they reference.
func TestEngine_SyncKeepsSuperEdges(t *testing.T) {
	w := accountWorld(t)
	ctx := context.Background()

	w.source["team"]["team-a"].supers = []models.SourceKey{{SourceType: "org", SourceID: "org-1"}}

	_, err := w.engine.Sync(ctx, "team", []string{"team-a"})
	require.NoError(t, err)
	require.True(t, w.hasEdge("team", "team-a", "org", "org-1"))

	_, err = w.engine.Sync(ctx, "account", nil)
	require.NoError(t, err)

	assert.True(t, w.hasEdge("team", "team-a", "org", "org-1"))
}

func TestEngine_FullSyncDeletesMissingRecords(t *testing.T) {
	w := accountWorld(t)
	ctx := context.Background()

	_, err := w.engine.Sync(ctx, "account", nil)
	require.NoError(t, err)
	bobID := w.entityID("account", "bob")
	require.NotEmpty(t, bobID)

	w.remove("account", "bob")

	result, err := w.engine.Sync(ctx, "account", nil)
	require.NoError(t, err)

	require.Len(t, result.Deleted, 1)
	assert.Equal(t, bobID, result.Deleted[0].ID)
	assert.Empty(t, w.entityID("account", "bob"))

	// bob's edge to team-a cascaded
	for pair := range w.stores.edges {
		assert.NotEqual(t, bobID, pair.SubEntityID)
	}
}

// An explicit-ID sync never deletes. A requested record the loader no longer
// returns stays mirrored until a full sync or the delete trigger removes it.
func TestEngine_PartialSyncLeavesMissingUntouched(t *testing.T) {
	w := accountWorld(t)
	ctx := context.Background()

	_, err := w.engine.Sync(ctx, "account", nil)
	require.NoError(t, err)

	w.remove("account", "bob")

	result, err := w.engine.Sync(ctx, "account", []string{"alice", "bob"})
	require.NoError(t, err)

	assert.Empty(t, result.Deleted)
	assert.NotEmpty(t, w.entityID("account", "alice"))
	assert.NotEmpty(t, w.entityID("account", "bob"))
}

// A record naming itself as a super is mirrored, but the self edge never
// lands.
func TestEngine_SelfReferenceNeverBecomesEdge(t *testing.T) {
	w := newWorld(t, "team")
	w.put(&testRecord{typ: "team", id: "team-a", display: "Team A", active: true, supers: []models.SourceKey{
		{SourceType: "team", SourceID: "team-a"},
	}})

	_, err := w.engine.Sync(context.Background(), "team", nil)
	require.NoError(t, err)

	require.NotEmpty(t, w.entityID("team", "team-a"))
	assert.False(t, w.hasEdge("team", "team-a", "team", "team-a"))
	for pair := range w.stores.edges {
		assert.NotEqual(t, pair.SubEntityID, pair.SuperEntityID)
	}
}

func TestEngine_SyncDetectsFieldDrift(t *testing.T) {
	w := accountWorld(t)
	ctx := context.Background()

	_, err := w.engine.Sync(ctx, "account", nil)
	require.NoError(t, err)

	alice := w.source["account"]["alice"]
	alice.display = "Alice Cooper"
	alice.active = false

	result, err := w.engine.Sync(ctx, "account", []string{"alice"})
	require.NoError(t, err)

	require.Len(t, result.Updated, 1)
	assert.Equal(t, "Alice Cooper", result.Updated[0].DisplayName)
	assert.False(t, result.Updated[0].IsActive)
}

func TestEngine_SyncUnregisteredSourceType(t *testing.T) {
	w := newWorld(t, "account")

	_, err := w.engine.Sync(context.Background(), "widget", nil)
	assert.Error(t, err)
}

func TestEngine_RollsBackOnError(t *testing.T) {
	w := accountWorld(t)
	ctx := context.Background()

	_, err := w.engine.Sync(ctx, "account", nil)
	require.NoError(t, err)

	w.source["account"]["alice"].display = "renamed"
	w.stores.failUpdate = true

	_, err = w.engine.Sync(ctx, "account", []string{"alice"})
	require.Error(t, err)

	last := w.txs.last()
	require.NotNil(t, last)
	assert.True(t, last.rolledBack)
	assert.False(t, last.committed)
}

func TestEngine_EmitsEventsAfterCommit(t *testing.T) {
	w := accountWorld(t)
	ctx := context.Background()

	_, err := w.engine.Sync(ctx, "account", nil)
	require.NoError(t, err)

	aliceID := w.entityID("account", "alice")
	assert.Equal(t, []string{models.EventEntityCreated}, w.sink.typesFor(aliceID))

	w.source["account"]["alice"].display = "renamed"
	_, err = w.engine.Sync(ctx, "account", []string{"alice"})
	require.NoError(t, err)
	assert.Contains(t, w.sink.typesFor(aliceID), models.EventEntityUpdated)

	_, err = w.engine.DeleteForSource(ctx, "account", []string{"alice"})
	require.NoError(t, err)
	assert.Contains(t, w.sink.typesFor(aliceID), models.EventEntityDeleted)
}

func TestEngine_SyncAll(t *testing.T) {
	w := accountWorld(t)

	results, err := w.engine.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 3)

	assert.NotEmpty(t, w.entityID("account", "alice"))
	assert.NotEmpty(t, w.entityID("team", "team-b"))
	assert.NotEmpty(t, w.entityID("org", "org-1"))
}

func TestHandler_ToggleBlocksChanges(t *testing.T) {
	w := accountWorld(t)
	toggle := NewToggle(false)
	h := NewHandler(w.engine, w.reg, toggle, noopLogger())

	err := h.HandleChange(context.Background(), models.ChangeMessage{
		SourceType: "account",
		SourceID:   "alice",
		Op:         models.ChangeOpUpsert,
	})
	require.NoError(t, err)
	assert.Empty(t, w.stores.entities)

	toggle.Enable()
	err = h.HandleChange(context.Background(), models.ChangeMessage{
		SourceType: "account",
		SourceID:   "alice",
		Op:         models.ChangeOpUpsert,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, w.entityID("account", "alice"))
}

func TestHandler_DeleteChange(t *testing.T) {
	w := accountWorld(t)
	h := NewHandler(w.engine, w.reg, NewToggle(true), noopLogger())
	ctx := context.Background()

	_, err := w.engine.Sync(ctx, "account", nil)
	require.NoError(t, err)

	err = h.HandleChange(ctx, models.ChangeMessage{
		SourceType: "account",
		SourceID:   "bob",
		Op:         models.ChangeOpDelete,
	})
	require.NoError(t, err)
	assert.Empty(t, w.entityID("account", "bob"))
}

func TestHandler_UnknownOp(t *testing.T) {
	w := accountWorld(t)
	h := NewHandler(w.engine, w.reg, NewToggle(true), noopLogger())

	err := h.HandleChange(context.Background(), models.ChangeMessage{
		SourceType: "account",
		SourceID:   "alice",
		Op:         "truncate",
	})
	assert.Error(t, err)
}

// A change to a watched record re-syncs the records its watchers report.
func TestHandler_SyncsWatchers(t *testing.T) {
	w := newWorld(t, "team")

	memberIDs := map[string][]string{"team-a": {"alice", "bob"}}
	accountCfg := w.configFor("account")
	accountCfg.SourceType = "account"
	accountCfg.Watching = []registry.Watch{{
		SourceType: "team",
		Affected: func(_ context.Context, changed registry.SourceRecord) ([]string, error) {
			return memberIDs[changed.SourceID()], nil
		},
	}}
	w.source["account"] = make(map[string]*testRecord)
	require.NoError(t, w.reg.Register(accountCfg))

	w.put(&testRecord{typ: "team", id: "team-a", display: "Team A", active: true})
	w.put(&testRecord{typ: "account", id: "alice", display: "Alice", active: true, supers: []models.SourceKey{
		{SourceType: "team", SourceID: "team-a"},
	}})
	w.put(&testRecord{typ: "account", id: "bob", display: "Bob", active: true})

	h := NewHandler(w.engine, w.reg, NewToggle(true), noopLogger())
	err := h.HandleChange(context.Background(), models.ChangeMessage{
		SourceType: "team",
		SourceID:   "team-a",
		Op:         models.ChangeOpUpsert,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, w.entityID("team", "team-a"))
	assert.NotEmpty(t, w.entityID("account", "alice"))
	assert.NotEmpty(t, w.entityID("account", "bob"))
	assert.True(t, w.hasEdge("account", "alice", "team", "team-a"))
}
