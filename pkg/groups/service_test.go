package groups

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/query"
)

func noopLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeGroupStore struct {
	groups      map[string]models.EntityGroup
	memberships map[string][]models.EntityGroupMembership
	nextID      int
}

func newFakeGroupStore() *fakeGroupStore {
	return &fakeGroupStore{
		groups:      make(map[string]models.EntityGroup),
		memberships: make(map[string][]models.EntityGroupMembership),
	}
}

func (s *fakeGroupStore) id(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s%d", prefix, s.nextID)
}

func (s *fakeGroupStore) Create(_ context.Context, req models.CreateEntityGroupRequest) (*models.EntityGroup, error) {
	group := models.EntityGroup{
		ID:          s.id("g"),
		Name:        req.Name,
		DisplayName: req.DisplayName,
		LogicString: req.LogicString,
	}
	s.groups[group.ID] = group
	return &group, nil
}

func (s *fakeGroupStore) GetByID(_ context.Context, id string) (*models.EntityGroup, error) {
	if g, ok := s.groups[id]; ok {
		return &g, nil
	}
	return nil, nil
}

func (s *fakeGroupStore) List(_ context.Context) ([]models.EntityGroup, error) {
	var out []models.EntityGroup
	for _, g := range s.groups {
		out = append(out, g)
	}
	return out, nil
}

func (s *fakeGroupStore) Update(_ context.Context, id string, req models.UpdateEntityGroupRequest) (*models.EntityGroup, error) {
	g, ok := s.groups[id]
	if !ok {
		return nil, nil
	}
	if req.DisplayName != nil {
		g.DisplayName = *req.DisplayName
	}
	if req.LogicString != nil {
		g.LogicString = req.LogicString
	}
	s.groups[id] = g
	return &g, nil
}

func (s *fakeGroupStore) Delete(_ context.Context, id string) error {
	delete(s.groups, id)
	delete(s.memberships, id)
	return nil
}

func (s *fakeGroupStore) AddMembership(_ context.Context, m models.EntityGroupMembership) (*models.EntityGroupMembership, error) {
	m.ID = s.id("m")
	s.memberships[m.GroupID] = append(s.memberships[m.GroupID], m)
	return &m, nil
}

func (s *fakeGroupStore) RemoveMembership(_ context.Context, groupID, membershipID string) error {
	rules := s.memberships[groupID]
	for i, m := range rules {
		if m.ID == membershipID {
			s.memberships[groupID] = append(rules[:i], rules[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *fakeGroupStore) ListMemberships(_ context.Context, groupID string) ([]models.EntityGroupMembership, error) {
	out := append([]models.EntityGroupMembership(nil), s.memberships[groupID]...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// fakeEntityStore evaluates filters in memory with Filter.Matches, using its
// own edge map as the relationship source.
type fakeEntityStore struct {
	entities map[string]models.Entity
	supers   map[string][]string
}

func (s *fakeEntityStore) SupersOf(_ context.Context, e models.Entity) ([]models.Entity, error) {
	var out []models.Entity
	for _, id := range s.supers[e.ID] {
		if super, ok := s.entities[id]; ok {
			out = append(out, super)
		}
	}
	return out, nil
}

func (s *fakeEntityStore) GetByID(_ context.Context, id string) (*models.Entity, error) {
	if e, ok := s.entities[id]; ok {
		return &e, nil
	}
	return nil, nil
}

func (s *fakeEntityStore) GetByIDs(_ context.Context, ids []string) ([]models.Entity, error) {
	var out []models.Entity
	for _, id := range ids {
		if e, ok := s.entities[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeEntityStore) SelectByFilter(ctx context.Context, filter query.Filter) ([]models.Entity, error) {
	ids := make([]string, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []models.Entity
	for _, id := range ids {
		ok, err := filter.Matches(ctx, s, s.entities[id])
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, s.entities[id])
		}
	}
	return out, nil
}

type fakeKindStore struct {
	kinds map[string]models.EntityKind
}

func (s *fakeKindStore) GetByName(_ context.Context, name string) (*models.EntityKind, error) {
	if k, ok := s.kinds[name]; ok {
		return &k, nil
	}
	return nil, nil
}

func strPtr(s string) *string { return &s }

func newTestService() (*Service, *fakeGroupStore, *fakeEntityStore) {
	entities := &fakeEntityStore{
		entities: map[string]models.Entity{
			"alice":  {ID: "alice", KindName: "account", SourceType: "account", SourceID: "alice", IsActive: true},
			"bob":    {ID: "bob", KindName: "account", SourceType: "account", SourceID: "bob", IsActive: true},
			"carol":  {ID: "carol", KindName: "account", SourceType: "account", SourceID: "carol", IsActive: true},
			"team-a": {ID: "team-a", KindName: "team", SourceType: "team", SourceID: "team-a", IsActive: true},
			"team-b": {ID: "team-b", KindName: "team", SourceType: "team", SourceID: "team-b", IsActive: true},
		},
		supers: map[string][]string{
			"alice": {"team-a"},
			"bob":   {"team-a", "team-b"},
			"carol": {"team-b"},
		},
	}
	kinds := &fakeKindStore{kinds: map[string]models.EntityKind{
		"account": {ID: "kind-account", Name: "account"},
		"team":    {ID: "kind-team", Name: "team"},
	}}
	groupStore := newFakeGroupStore()
	return NewService(groupStore, entities, kinds, noopLogger()), groupStore, entities
}

func memberIDs(members []models.Entity) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.ID)
	}
	return out
}

func TestCreateGroup_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.CreateGroup(ctx, models.CreateEntityGroupRequest{})
	assert.Error(t, err)

	_, err = svc.CreateGroup(ctx, models.CreateEntityGroupRequest{
		Name:        "bad",
		LogicString: strPtr("1 AND"),
	})
	assert.Error(t, err)

	group, err := svc.CreateGroup(ctx, models.CreateEntityGroupRequest{
		Name:        "good",
		LogicString: strPtr("1 AND NOT 2"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, group.ID)
}

func TestGetGroup_NotFound(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.GetGroup(context.Background(), "missing")
	assert.Error(t, err)
}

func TestAddMember_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	group, err := svc.CreateGroup(ctx, models.CreateEntityGroupRequest{Name: "g"})
	require.NoError(t, err)

	_, err = svc.AddMember(ctx, "missing", models.AddMembershipRequest{EntityID: strPtr("alice")})
	assert.Error(t, err, "unknown group")

	_, err = svc.AddMember(ctx, group.ID, models.AddMembershipRequest{})
	assert.Error(t, err, "empty rule")

	_, err = svc.AddMember(ctx, group.ID, models.AddMembershipRequest{EntityID: strPtr("ghost")})
	assert.Error(t, err, "unknown entity")

	_, err = svc.AddMember(ctx, group.ID, models.AddMembershipRequest{KindName: strPtr("widget")})
	assert.Error(t, err, "unknown kind")

	m, err := svc.AddMember(ctx, group.ID, models.AddMembershipRequest{
		EntityID: strPtr("team-a"),
		KindName: strPtr("account"),
	})
	require.NoError(t, err)
	require.NotNil(t, m.KindID)
	assert.Equal(t, "kind-account", *m.KindID)
}

func TestAddMember_AppendsSortOrder(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	group, err := svc.CreateGroup(ctx, models.CreateEntityGroupRequest{Name: "g"})
	require.NoError(t, err)

	first, err := svc.AddMember(ctx, group.ID, models.AddMembershipRequest{EntityID: strPtr("alice")})
	require.NoError(t, err)
	second, err := svc.AddMember(ctx, group.ID, models.AddMembershipRequest{EntityID: strPtr("bob")})
	require.NoError(t, err)

	assert.Equal(t, 0, first.SortOrder)
	assert.Equal(t, 1, second.SortOrder)
}

func TestResolveMembers_RuleShapes(t *testing.T) {
	ctx := context.Background()

	t.Run("single entity", func(t *testing.T) {
		svc, _, _ := newTestService()
		group, _ := svc.CreateGroup(ctx, models.CreateEntityGroupRequest{Name: "g"})
		_, err := svc.AddMember(ctx, group.ID, models.AddMembershipRequest{EntityID: strPtr("alice")})
		require.NoError(t, err)

		members, err := svc.ResolveMembers(ctx, group.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice"}, memberIDs(members))
	})

	t.Run("kind only", func(t *testing.T) {
		svc, _, _ := newTestService()
		group, _ := svc.CreateGroup(ctx, models.CreateEntityGroupRequest{Name: "g"})
		_, err := svc.AddMember(ctx, group.ID, models.AddMembershipRequest{KindName: strPtr("account")})
		require.NoError(t, err)

		members, err := svc.ResolveMembers(ctx, group.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, memberIDs(members))
	})

	t.Run("entity and kind", func(t *testing.T) {
		svc, _, _ := newTestService()
		group, _ := svc.CreateGroup(ctx, models.CreateEntityGroupRequest{Name: "g"})
		_, err := svc.AddMember(ctx, group.ID, models.AddMembershipRequest{
			EntityID: strPtr("team-a"),
			KindName: strPtr("account"),
		})
		require.NoError(t, err)

		members, err := svc.ResolveMembers(ctx, group.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"alice", "bob"}, memberIDs(members))
	})
}

func TestResolveMembers_UnionDedupes(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	group, _ := svc.CreateGroup(ctx, models.CreateEntityGroupRequest{Name: "g"})
	_, err := svc.AddMember(ctx, group.ID, models.AddMembershipRequest{EntityID: strPtr("alice")})
	require.NoError(t, err)
	_, err = svc.AddMember(ctx, group.ID, models.AddMembershipRequest{
		EntityID: strPtr("team-a"),
		KindName: strPtr("account"),
	})
	require.NoError(t, err)

	members, err := svc.ResolveMembers(ctx, group.ID)
	require.NoError(t, err)

	// alice appears in both rules but only once in the result
	assert.Equal(t, []string{"alice", "bob"}, memberIDs(members))
}

// Groups store rules, not members: a graph change shows up on the next resolve.
func TestResolveMembers_ReflectsGraphChanges(t *testing.T) {
	svc, _, entities := newTestService()
	ctx := context.Background()

	group, _ := svc.CreateGroup(ctx, models.CreateEntityGroupRequest{Name: "g"})
	_, err := svc.AddMember(ctx, group.ID, models.AddMembershipRequest{
		EntityID: strPtr("team-a"),
		KindName: strPtr("account"),
	})
	require.NoError(t, err)

	before, err := svc.ResolveMembers(ctx, group.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, memberIDs(before))

	// carol joins team-a, bob leaves
	entities.supers["carol"] = []string{"team-a", "team-b"}
	entities.supers["bob"] = []string{"team-b"}

	after, err := svc.ResolveMembers(ctx, group.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "carol"}, memberIDs(after))
}

func TestResolveMembers_LogicString(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	// rule 1: all accounts; rule 2: accounts in team-a
	group, err := svc.CreateGroup(ctx, models.CreateEntityGroupRequest{
		Name:        "not-in-team-a",
		LogicString: strPtr("1 AND NOT 2"),
	})
	require.NoError(t, err)
	_, err = svc.AddMember(ctx, group.ID, models.AddMembershipRequest{KindName: strPtr("account")})
	require.NoError(t, err)
	_, err = svc.AddMember(ctx, group.ID, models.AddMembershipRequest{
		EntityID: strPtr("team-a"),
		KindName: strPtr("account"),
	})
	require.NoError(t, err)

	members, err := svc.ResolveMembers(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, memberIDs(members))
}

func TestResolveMembers_LogicIndexOutOfRange(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	group, err := svc.CreateGroup(ctx, models.CreateEntityGroupRequest{
		Name:        "g",
		LogicString: strPtr("1 OR 5"),
	})
	require.NoError(t, err)
	_, err = svc.AddMember(ctx, group.ID, models.AddMembershipRequest{KindName: strPtr("account")})
	require.NoError(t, err)

	_, err = svc.ResolveMembers(ctx, group.ID)
	assert.Error(t, err)
}

func TestResolveMembers_DanglingEntityRule(t *testing.T) {
	svc, _, entities := newTestService()
	ctx := context.Background()

	group, _ := svc.CreateGroup(ctx, models.CreateEntityGroupRequest{Name: "g"})
	_, err := svc.AddMember(ctx, group.ID, models.AddMembershipRequest{EntityID: strPtr("alice")})
	require.NoError(t, err)

	delete(entities.entities, "alice")

	members, err := svc.ResolveMembers(ctx, group.ID)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestDeleteGroup(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	group, _ := svc.CreateGroup(ctx, models.CreateEntityGroupRequest{Name: "g"})
	require.NoError(t, svc.DeleteGroup(ctx, group.ID))
	assert.Empty(t, store.groups)

	assert.Error(t, svc.DeleteGroup(ctx, group.ID))
}
