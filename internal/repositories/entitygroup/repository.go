package entitygroup

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// EntityGroupRepository defines the interface for entity group operations
type EntityGroupRepository interface {
	Create(ctx context.Context, req models.CreateEntityGroupRequest) (*models.EntityGroup, error)
	GetByID(ctx context.Context, id string) (*models.EntityGroup, error)
	GetByName(ctx context.Context, name string) (*models.EntityGroup, error)
	List(ctx context.Context) ([]models.EntityGroup, error)
	Update(ctx context.Context, id string, req models.UpdateEntityGroupRequest) (*models.EntityGroup, error)
	Delete(ctx context.Context, id string) error
	AddMembership(ctx context.Context, membership models.EntityGroupMembership) (*models.EntityGroupMembership, error)
	RemoveMembership(ctx context.Context, groupID, membershipID string) error
	ListMemberships(ctx context.Context, groupID string) ([]models.EntityGroupMembership, error)
}

// Repository implements EntityGroupRepository
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new entity group repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const groupTable = "entity_groups"
const membershipTable = "entity_group_memberships"

var groupColumns = []string{"id", "name", "display_name", "logic_string", "created_at", "updated_at"}

// Create creates a new entity group
func (r *Repository) Create(ctx context.Context, req models.CreateEntityGroupRequest) (*models.EntityGroup, error) {
	ctx, span := tracing.StartSpan(ctx, "entitygroup.Repository.Create")
	defer span.End()

	now := time.Now().UTC()
	id := uuid.New().String()

	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Name
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(groupTable)
	ib.Cols(groupColumns...)
	ib.Values(id, req.Name, displayName, req.LogicString, now, now)

	q, args := ib.Build()

	_, err := database.GetQueryer(ctx, r.db).ExecContext(ctx, q, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"name": req.Name,
		}).Error("failed to create entity group")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create entity group")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"id":   id,
		"name": req.Name,
	}).Info("created entity group")

	return r.GetByID(ctx, id)
}

// GetByID gets an entity group by ID
func (r *Repository) GetByID(ctx context.Context, id string) (*models.EntityGroup, error) {
	ctx, span := tracing.StartSpan(ctx, "entitygroup.Repository.GetByID")
	defer span.End()

	return r.getBy(ctx, "id", id)
}

// GetByName gets an entity group by its unique name
func (r *Repository) GetByName(ctx context.Context, name string) (*models.EntityGroup, error) {
	ctx, span := tracing.StartSpan(ctx, "entitygroup.Repository.GetByName")
	defer span.End()

	return r.getBy(ctx, "name", name)
}

func (r *Repository) getBy(ctx context.Context, column, value string) (*models.EntityGroup, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(groupColumns...)
	sb.From(groupTable)
	sb.Where(sb.Equal(column, value))

	q, args := sb.Build()

	var group models.EntityGroup
	err := database.GetQueryer(ctx, r.db).GetContext(ctx, &group, q, args...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			column: value,
		}).Error("failed to get entity group")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entity group")
	}

	return &group, nil
}

// List lists every entity group ordered by name
func (r *Repository) List(ctx context.Context) ([]models.EntityGroup, error) {
	ctx, span := tracing.StartSpan(ctx, "entitygroup.Repository.List")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(groupColumns...)
	sb.From(groupTable)
	sb.OrderBy("name ASC")

	q, args := sb.Build()

	var groups []models.EntityGroup
	err := database.GetQueryer(ctx, r.db).SelectContext(ctx, &groups, q, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list entity groups")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list entity groups")
	}

	return groups, nil
}

// Update updates an entity group
func (r *Repository) Update(ctx context.Context, id string, req models.UpdateEntityGroupRequest) (*models.EntityGroup, error) {
	ctx, span := tracing.StartSpan(ctx, "entitygroup.Repository.Update")
	defer span.End()

	existing, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(groupTable)
	ub.Set(ub.Assign("updated_at", time.Now().UTC()))

	if req.DisplayName != nil {
		ub.Set(ub.Assign("display_name", *req.DisplayName))
	}
	if req.LogicString != nil {
		ub.Set(ub.Assign("logic_string", *req.LogicString))
	}

	ub.Where(ub.Equal("id", id))

	q, args := ub.Build()

	_, err = database.GetQueryer(ctx, r.db).ExecContext(ctx, q, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"id": id,
		}).Error("failed to update entity group")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to update entity group")
	}

	return r.GetByID(ctx, id)
}

// Delete removes an entity group and its memberships
func (r *Repository) Delete(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "entitygroup.Repository.Delete")
	defer span.End()

	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom(groupTable)
	db.Where(db.Equal("id", id))

	q, args := db.Build()

	result, err := database.GetQueryer(ctx, r.db).ExecContext(ctx, q, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"id": id,
		}).Error("failed to delete entity group")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete entity group")
	}

	rowsAffected, _ := result.RowsAffected()
	r.logger.WithContext(ctx).WithFields(map[string]any{
		"id":            id,
		"rows_affected": rowsAffected,
	}).Info("deleted entity group")

	return nil
}

// AddMembership adds one membership rule to a group
func (r *Repository) AddMembership(ctx context.Context, membership models.EntityGroupMembership) (*models.EntityGroupMembership, error) {
	ctx, span := tracing.StartSpan(ctx, "entitygroup.Repository.AddMembership")
	defer span.End()

	now := time.Now().UTC()
	id := uuid.New().String()

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(membershipTable)
	ib.Cols("id", "group_id", "entity_id", "kind_id", "sort_order", "created_at")
	ib.Values(id, membership.GroupID, membership.EntityID, membership.KindID, membership.SortOrder, now)

	q, args := ib.Build()

	_, err := database.GetQueryer(ctx, r.db).ExecContext(ctx, q, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"group_id": membership.GroupID,
		}).Error("failed to add group membership")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to add group membership")
	}

	membership.ID = id
	membership.CreatedAt = now
	return &membership, nil
}

// RemoveMembership removes one membership rule from a group
func (r *Repository) RemoveMembership(ctx context.Context, groupID, membershipID string) error {
	ctx, span := tracing.StartSpan(ctx, "entitygroup.Repository.RemoveMembership")
	defer span.End()

	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom(membershipTable)
	db.Where(
		db.Equal("id", membershipID),
		db.Equal("group_id", groupID),
	)

	q, args := db.Build()

	result, err := database.GetQueryer(ctx, r.db).ExecContext(ctx, q, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"group_id":      groupID,
			"membership_id": membershipID,
		}).Error("failed to remove group membership")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to remove group membership")
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "no membership %s in group %s", membershipID, groupID)
	}

	return nil
}

// ListMemberships lists a group's membership rules in their stable order.
// Rows are ordered by sort_order then id so resolution is deterministic and
// logic string indices are reproducible.
func (r *Repository) ListMemberships(ctx context.Context, groupID string) ([]models.EntityGroupMembership, error) {
	ctx, span := tracing.StartSpan(ctx, "entitygroup.Repository.ListMemberships")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("m.id", "m.group_id", "m.entity_id", "m.kind_id", "m.sort_order", "m.created_at", "k.name AS kind_name")
	sb.From(membershipTable + " m")
	sb.JoinWithOption(sqlbuilder.LeftJoin, "entity_kinds k", "k.id = m.kind_id")
	sb.Where(sb.Equal("m.group_id", groupID))
	sb.OrderBy("m.sort_order ASC", "m.id ASC")

	q, args := sb.Build()

	var memberships []models.EntityGroupMembership
	err := database.GetQueryer(ctx, r.db).SelectContext(ctx, &memberships, q, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"group_id": groupID,
		}).Error("failed to list group memberships")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list group memberships")
	}

	return memberships, nil
}
