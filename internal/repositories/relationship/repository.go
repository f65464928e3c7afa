package relationship

import (
	"context"
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

// RelationshipRepository defines the interface for sub/super edge operations
type RelationshipRepository interface {
	List(ctx context.Context) ([]models.EntityRelationship, error)
	ListBySubIDs(ctx context.Context, subIDs []string) ([]models.EntityRelationship, error)
	ListBySuperIDs(ctx context.Context, superIDs []string) ([]models.EntityRelationship, error)
	InsertMany(ctx context.Context, pairs []models.RelationshipPair) error
	DeleteMany(ctx context.Context, pairs []models.RelationshipPair) error
}

// Repository implements RelationshipRepository
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new relationship repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const tableName = "entity_relationships"

var edgeColumns = []string{"id", "sub_entity_id", "super_entity_id", "created_at"}

// List returns every edge in the mirror
func (r *Repository) List(ctx context.Context) ([]models.EntityRelationship, error) {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.List")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(edgeColumns...)
	sb.From(tableName)
	sb.OrderBy("created_at", "id")

	q, args := sb.Build()

	var edges []models.EntityRelationship
	err := database.GetQueryer(ctx, r.db).SelectContext(ctx, &edges, q, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list relationships")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list relationships")
	}

	return edges, nil
}

// ListBySubIDs lists every edge whose sub side is one of the given entities
func (r *Repository) ListBySubIDs(ctx context.Context, subIDs []string) ([]models.EntityRelationship, error) {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.ListBySubIDs")
	defer span.End()

	return r.listByColumn(ctx, "sub_entity_id", subIDs)
}

// ListBySuperIDs lists every edge whose super side is one of the given entities
func (r *Repository) ListBySuperIDs(ctx context.Context, superIDs []string) ([]models.EntityRelationship, error) {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.ListBySuperIDs")
	defer span.End()

	return r.listByColumn(ctx, "super_entity_id", superIDs)
}

func (r *Repository) listByColumn(ctx context.Context, column string, ids []string) ([]models.EntityRelationship, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(edgeColumns...)
	sb.From(tableName)
	sb.Where(sb.In(column, sqlbuilder.Flatten(ids)...))

	q, args := sb.Build()

	var edges []models.EntityRelationship
	err := database.GetQueryer(ctx, r.db).SelectContext(ctx, &edges, q, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"column":   column,
			"id_count": len(ids),
		}).Error("failed to list relationships")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list relationships")
	}

	return edges, nil
}

// InsertMany bulk inserts edges. Conflicting pairs are left untouched so a
// concurrent sync writing the same edge does not fail the batch.
func (r *Repository) InsertMany(ctx context.Context, pairs []models.RelationshipPair) error {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.InsertMany")
	defer span.End()

	if len(pairs) == 0 {
		return nil
	}

	now := time.Now().UTC()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	const batchSize = 500
	for i := 0; i < len(pairs); i += batchSize {
		end := i + batchSize
		if end > len(pairs) {
			end = len(pairs)
		}

		ib := database.NewInsertBuilder()
		ib.InsertInto(tableName)
		ib.Cols(edgeColumns...)
		for _, p := range pairs[i:end] {
			ib.Values(uuid.New().String(), p.SubEntityID, p.SuperEntityID, now)
		}
		ib.OnConflictDoNothing()

		q, args := ib.Build()

		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"pair_count": len(pairs),
			}).Error("failed to insert relationships")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert relationships")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit")
	}

	return nil
}

// DeleteMany removes the given edges by (sub, super) pair
func (r *Repository) DeleteMany(ctx context.Context, pairs []models.RelationshipPair) error {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.DeleteMany")
	defer span.End()

	if len(pairs) == 0 {
		return nil
	}

	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom(tableName)
	conds := make([]string, 0, len(pairs))
	for _, p := range pairs {
		conds = append(conds, db.And(
			db.Equal("sub_entity_id", p.SubEntityID),
			db.Equal("super_entity_id", p.SuperEntityID),
		))
	}
	db.Where(db.Or(conds...))

	q, args := db.Build()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"pair_count": len(pairs),
		}).Error("failed to delete relationships")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete relationships")
	}

	if err := tx.Commit(ctx); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit")
	}

	return nil
}
