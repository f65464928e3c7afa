package groups

import (
	"context"
	"net/http"
	"sort"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/query"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// GroupStore persists groups and their membership rules
type GroupStore interface {
	Create(ctx context.Context, req models.CreateEntityGroupRequest) (*models.EntityGroup, error)
	GetByID(ctx context.Context, id string) (*models.EntityGroup, error)
	List(ctx context.Context) ([]models.EntityGroup, error)
	Update(ctx context.Context, id string, req models.UpdateEntityGroupRequest) (*models.EntityGroup, error)
	Delete(ctx context.Context, id string) error
	AddMembership(ctx context.Context, membership models.EntityGroupMembership) (*models.EntityGroupMembership, error)
	RemoveMembership(ctx context.Context, groupID, membershipID string) error
	ListMemberships(ctx context.Context, groupID string) ([]models.EntityGroupMembership, error)
}

// EntityStore reads mirrored entities for group resolution
type EntityStore interface {
	GetByID(ctx context.Context, id string) (*models.Entity, error)
	GetByIDs(ctx context.Context, ids []string) ([]models.Entity, error)
	SelectByFilter(ctx context.Context, filter query.Filter) ([]models.Entity, error)
}

// KindStore looks up kinds referenced by membership rules
type KindStore interface {
	GetByName(ctx context.Context, name string) (*models.EntityKind, error)
}

// Service owns entity groups. Groups store membership rules, never member
// lists; ResolveMembers expands the rules against the mirror at read time so
// the answer always reflects the current graph.
type Service struct {
	groups   GroupStore
	entities EntityStore
	kinds    KindStore
	logger   ectologger.Logger
}

func NewService(groups GroupStore, entities EntityStore, kinds KindStore, logger ectologger.Logger) *Service {
	return &Service{
		groups:   groups,
		entities: entities,
		kinds:    kinds,
		logger:   logger,
	}
}

// CreateGroup creates a group after validating its logic string parses
func (s *Service) CreateGroup(ctx context.Context, req models.CreateEntityGroupRequest) (*models.EntityGroup, error) {
	ctx, span := tracing.StartSpan(ctx, "groups.Service.CreateGroup")
	defer span.End()

	if req.Name == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "group name is required")
	}
	if err := validateLogicString(req.LogicString); err != nil {
		return nil, err
	}

	return s.groups.Create(ctx, req)
}

// GetGroup gets a group by ID
func (s *Service) GetGroup(ctx context.Context, id string) (*models.EntityGroup, error) {
	ctx, span := tracing.StartSpan(ctx, "groups.Service.GetGroup")
	defer span.End()

	group, err := s.groups.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "no group with id %s", id)
	}
	return group, nil
}

// ListGroups lists every group
func (s *Service) ListGroups(ctx context.Context) ([]models.EntityGroup, error) {
	ctx, span := tracing.StartSpan(ctx, "groups.Service.ListGroups")
	defer span.End()

	return s.groups.List(ctx)
}

// UpdateGroup updates a group after validating its logic string parses
func (s *Service) UpdateGroup(ctx context.Context, id string, req models.UpdateEntityGroupRequest) (*models.EntityGroup, error) {
	ctx, span := tracing.StartSpan(ctx, "groups.Service.UpdateGroup")
	defer span.End()

	if err := validateLogicString(req.LogicString); err != nil {
		return nil, err
	}

	group, err := s.groups.Update(ctx, id, req)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "no group with id %s", id)
	}
	return group, nil
}

// DeleteGroup removes a group and its membership rules
func (s *Service) DeleteGroup(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "groups.Service.DeleteGroup")
	defer span.End()

	if _, err := s.GetGroup(ctx, id); err != nil {
		return err
	}
	return s.groups.Delete(ctx, id)
}

// ListMemberships returns the membership rules of a group in sort order
func (s *Service) ListMemberships(ctx context.Context, groupID string) ([]models.EntityGroupMembership, error) {
	ctx, span := tracing.StartSpan(ctx, "groups.Service.ListMemberships")
	defer span.End()

	if _, err := s.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	return s.groups.ListMemberships(ctx, groupID)
}

// AddMember adds a membership rule to a group. The referenced entity and kind
// must exist in the mirror.
func (s *Service) AddMember(ctx context.Context, groupID string, req models.AddMembershipRequest) (*models.EntityGroupMembership, error) {
	ctx, span := tracing.StartSpan(ctx, "groups.Service.AddMember")
	defer span.End()

	if _, err := s.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	if req.EntityID == nil && req.KindName == nil {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "membership needs an entity, a kind, or both")
	}

	membership := models.EntityGroupMembership{GroupID: groupID}

	if req.EntityID != nil {
		entity, err := s.entities.GetByID(ctx, *req.EntityID)
		if err != nil {
			return nil, err
		}
		if entity == nil {
			return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "no entity with id %s", *req.EntityID)
		}
		membership.EntityID = req.EntityID
	}

	if req.KindName != nil {
		kind, err := s.kinds.GetByName(ctx, *req.KindName)
		if err != nil {
			return nil, err
		}
		if kind == nil {
			return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "no entity kind named %s", *req.KindName)
		}
		membership.KindID = &kind.ID
		membership.KindName = req.KindName
	}

	if req.SortOrder != nil {
		membership.SortOrder = *req.SortOrder
	} else {
		// append after the existing rules
		existing, err := s.groups.ListMemberships(ctx, groupID)
		if err != nil {
			return nil, err
		}
		for _, m := range existing {
			if m.SortOrder >= membership.SortOrder {
				membership.SortOrder = m.SortOrder + 1
			}
		}
	}

	return s.groups.AddMembership(ctx, membership)
}

// RemoveMember removes a membership rule from a group
func (s *Service) RemoveMember(ctx context.Context, groupID, membershipID string) error {
	ctx, span := tracing.StartSpan(ctx, "groups.Service.RemoveMember")
	defer span.End()

	if _, err := s.GetGroup(ctx, groupID); err != nil {
		return err
	}
	return s.groups.RemoveMembership(ctx, groupID, membershipID)
}

// ResolveMembers expands a group's membership rules into its current members.
// Without a logic string the result is the union of the rules in membership
// order. With one, each rule becomes an operand set and the expression is
// evaluated with NOT complementing against all entities of the first rule's
// kind.
func (s *Service) ResolveMembers(ctx context.Context, groupID string) ([]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "groups.Service.ResolveMembers")
	defer span.End()

	group, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	memberships, err := s.groups.ListMemberships(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(memberships) == 0 {
		return nil, nil
	}

	expansions := make([][]models.Entity, len(memberships))
	for i, membership := range memberships {
		expanded, err := s.expand(ctx, membership)
		if err != nil {
			return nil, err
		}
		expansions[i] = expanded
	}

	if group.LogicString == nil || *group.LogicString == "" {
		return unionInOrder(expansions), nil
	}

	logic, err := ParseLogic(*group.LogicString)
	if err != nil {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid logic string: %s", err.Error())
	}
	if logic.MaxIndex() > len(memberships) {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "logic string references membership %d but the group has %d", logic.MaxIndex(), len(memberships))
	}

	universe, err := s.universeFor(ctx, memberships[0], expansions[0])
	if err != nil {
		return nil, err
	}

	sets := make([]map[string]bool, len(expansions))
	known := make(map[string]models.Entity)
	for i, expansion := range expansions {
		sets[i] = make(map[string]bool, len(expansion))
		for _, e := range expansion {
			sets[i][e.ID] = true
			known[e.ID] = e
		}
	}
	universeSet := make(map[string]bool, len(universe))
	for _, e := range universe {
		universeSet[e.ID] = true
		known[e.ID] = e
	}

	resultIDs := logic.Evaluate(sets, universeSet)

	members := make([]models.Entity, 0, len(resultIDs))
	var missing []string
	for id := range resultIDs {
		if e, ok := known[id]; ok {
			members = append(members, e)
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		fetched, err := s.entities.GetByIDs(ctx, missing)
		if err != nil {
			return nil, err
		}
		members = append(members, fetched...)
	}

	sort.Slice(members, func(i, j int) bool {
		if members[i].SourceType != members[j].SourceType {
			return members[i].SourceType < members[j].SourceType
		}
		return members[i].SourceID < members[j].SourceID
	})
	return members, nil
}

func (s *Service) expand(ctx context.Context, membership models.EntityGroupMembership) ([]models.Entity, error) {
	switch {
	case membership.EntityID != nil && membership.KindName != nil:
		// entities of the kind that are sub to the entity
		return s.entities.SelectByFilter(ctx, query.New().
			IsAnyKind(*membership.KindName).
			IsSubToAny(*membership.EntityID))
	case membership.EntityID != nil:
		entity, err := s.entities.GetByID(ctx, *membership.EntityID)
		if err != nil {
			return nil, err
		}
		if entity == nil {
			// the entity was deleted after the rule was added
			return nil, nil
		}
		return []models.Entity{*entity}, nil
	case membership.KindName != nil:
		return s.entities.SelectByFilter(ctx, query.New().IsAnyKind(*membership.KindName))
	default:
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "membership has neither an entity nor a kind")
	}
}

// universeFor returns the complement domain for NOT: all entities of the
// first rule's kind.
func (s *Service) universeFor(ctx context.Context, first models.EntityGroupMembership, firstExpansion []models.Entity) ([]models.Entity, error) {
	if first.KindName != nil {
		return s.entities.SelectByFilter(ctx, query.New().IsAnyKind(*first.KindName))
	}
	if len(firstExpansion) > 0 {
		return s.entities.SelectByFilter(ctx, query.New().IsAnyKind(firstExpansion[0].KindName))
	}
	return nil, nil
}

func unionInOrder(expansions [][]models.Entity) []models.Entity {
	seen := make(map[string]bool)
	var out []models.Entity
	for _, expansion := range expansions {
		for _, e := range expansion {
			if !seen[e.ID] {
				seen[e.ID] = true
				out = append(out, e)
			}
		}
	}
	return out
}

func validateLogicString(logicString *string) error {
	if logicString == nil || *logicString == "" {
		return nil
	}
	if _, err := ParseLogic(*logicString); err != nil {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid logic string: %s", err.Error())
	}
	return nil
}
