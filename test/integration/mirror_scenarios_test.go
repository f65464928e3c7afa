package integration

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/pkg/groups"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/query"
	"github.com/Ramsey-B/fern/pkg/relcache"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

// memoryMirror is an in-memory entity mirror backing both the relationship
// cache loader and the query layer source
type memoryMirror struct {
	entities map[string]models.Entity
	// supers maps sub entity ID to its super entity IDs
	supers map[string][]string
}

func (m *memoryMirror) ListBySubIDs(ctx context.Context, subIDs []string) ([]models.EntityRelationship, error) {
	var edges []models.EntityRelationship
	for _, subID := range subIDs {
		for _, superID := range m.supers[subID] {
			edges = append(edges, models.EntityRelationship{
				SubEntityID:   subID,
				SuperEntityID: superID,
			})
		}
	}
	return edges, nil
}

func (m *memoryMirror) ListBySuperIDs(ctx context.Context, superIDs []string) ([]models.EntityRelationship, error) {
	var edges []models.EntityRelationship
	for _, superID := range superIDs {
		for subID, supers := range m.supers {
			for _, id := range supers {
				if id == superID {
					edges = append(edges, models.EntityRelationship{
						SubEntityID:   subID,
						SuperEntityID: superID,
					})
				}
			}
		}
	}
	return edges, nil
}

func (m *memoryMirror) GetByIDs(ctx context.Context, ids []string) ([]models.Entity, error) {
	var result []models.Entity
	for _, id := range ids {
		if e, ok := m.entities[id]; ok {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *memoryMirror) SupersOf(ctx context.Context, e models.Entity) ([]models.Entity, error) {
	return m.GetByIDs(ctx, m.supers[e.ID])
}

func (m *memoryMirror) add(id, kind string, active bool) models.Entity {
	e := models.Entity{
		ID:         id,
		KindName:   kind,
		SourceType: kind,
		SourceID:   id,
		IsActive:   active,
	}
	m.entities[id] = e
	return e
}

// newCompanyMirror builds the mirror used across these scenarios: two teams
// under one org, and accounts spread across the teams.
func newCompanyMirror() *memoryMirror {
	m := &memoryMirror{
		entities: make(map[string]models.Entity),
		supers:   make(map[string][]string),
	}

	m.add("org-1", "org", true)
	m.add("team-a", "team", true)
	m.add("team-b", "team", true)
	m.add("alice", "account", true)
	m.add("bob", "account", true)
	m.add("carol", "account", true)
	m.add("dave", "account", false)

	m.supers["team-a"] = []string{"org-1"}
	m.supers["team-b"] = []string{"org-1"}
	m.supers["alice"] = []string{"team-a", "org-1"}
	m.supers["bob"] = []string{"team-a", "team-b", "org-1"}
	m.supers["carol"] = []string{"team-b", "org-1"}
	m.supers["dave"] = []string{"team-a", "org-1"}

	return m
}

func (m *memoryMirror) all() []models.Entity {
	var result []models.Entity
	for _, id := range []string{"org-1", "team-a", "team-b", "alice", "bob", "carol", "dave"} {
		result = append(result, m.entities[id])
	}
	return result
}

func entityIDs(entities []models.Entity) []string {
	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}
	return ids
}

func TestQueryScenarios(t *testing.T) {
	ctx := context.Background()
	mirror := newCompanyMirror()

	t.Run("ActiveAccountsOnBothTeams", func(t *testing.T) {
		filter := query.New().Active().IsAnyKind("account").IsSubToAll("team-a", "team-b")
		result, err := filter.Select(ctx, mirror, mirror.all())
		require.NoError(t, err)
		assert.Equal(t, []string{"bob"}, entityIDs(result))
	})

	t.Run("AccountsOnEitherTeam", func(t *testing.T) {
		filter := query.New().Active().IsAnyKind("account").IsSubToAny("team-a", "team-b")
		result, err := filter.Select(ctx, mirror, mirror.all())
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob", "carol"}, entityIDs(result))
	})

	t.Run("InactiveAccounts", func(t *testing.T) {
		filter := query.New().Inactive().IsAnyKind("account")
		result, err := filter.Select(ctx, mirror, mirror.all())
		require.NoError(t, err)
		assert.Equal(t, []string{"dave"}, entityIDs(result))
	})

	t.Run("EverythingUnderTheOrgByKind", func(t *testing.T) {
		filter := query.New().IsSubToAnyKind("org")
		result, err := filter.Select(ctx, mirror, mirror.all())
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"team-a", "team-b", "alice", "bob", "carol", "dave"}, entityIDs(result))
	})
}

func TestRelationshipCacheScenarios(t *testing.T) {
	ctx := context.Background()
	mirror := newCompanyMirror()
	logger := getTestLogger()

	cache := relcache.New(mirror, logger)

	t.Run("BatchLoadAnswersFromCache", func(t *testing.T) {
		accounts := []models.Entity{
			mirror.entities["alice"],
			mirror.entities["bob"],
			mirror.entities["carol"],
		}

		handle, err := cache.Load(ctx, accounts, relcache.WithSupers())
		require.NoError(t, err)

		supers, err := handle.SupersOf(ctx, mirror.entities["alice"])
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"team-a", "org-1"}, entityIDs(supers))

		supers, err = handle.SupersOf(ctx, mirror.entities["bob"])
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"team-a", "team-b", "org-1"}, entityIDs(supers))
	})

	t.Run("SubsDirection", func(t *testing.T) {
		teams := []models.Entity{mirror.entities["team-a"]}

		handle, err := cache.Load(ctx, teams, relcache.WithSubs())
		require.NoError(t, err)

		subs, err := handle.SubsOf(ctx, mirror.entities["team-a"])
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"alice", "bob", "dave"}, entityIDs(subs))
	})
}

func TestGroupLogicScenarios(t *testing.T) {
	t.Run("TeamAButNotTeamB", func(t *testing.T) {
		logic, err := groups.ParseLogic("1 AND NOT 2")
		require.NoError(t, err)

		teamA := map[string]bool{"alice": true, "bob": true, "dave": true}
		teamB := map[string]bool{"bob": true, "carol": true}
		universe := map[string]bool{"alice": true, "bob": true, "carol": true, "dave": true}

		result := logic.Evaluate([]map[string]bool{teamA, teamB}, universe)
		assert.Equal(t, map[string]bool{"alice": true, "dave": true}, result)
	})

	t.Run("ParensChangePrecedence", func(t *testing.T) {
		one := map[string]bool{"a": true}
		two := map[string]bool{"b": true}
		three := map[string]bool{"b": true, "c": true}
		universe := map[string]bool{"a": true, "b": true, "c": true}

		flat, err := groups.ParseLogic("1 OR 2 AND 3")
		require.NoError(t, err)
		grouped, err := groups.ParseLogic("(1 OR 2) AND 3")
		require.NoError(t, err)

		assert.Equal(t, map[string]bool{"a": true, "b": true}, flat.Evaluate([]map[string]bool{one, two, three}, universe))
		assert.Equal(t, map[string]bool{"b": true}, grouped.Evaluate([]map[string]bool{one, two, three}, universe))
	})
}
