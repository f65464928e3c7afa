package entity

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
	"github.com/Ramsey-B/fern/pkg/query"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// EntityRepository defines the interface for mirrored entity operations
type EntityRepository interface {
	GetByID(ctx context.Context, id string) (*models.Entity, error)
	GetByIDs(ctx context.Context, ids []string) ([]models.Entity, error)
	GetForSource(ctx context.Context, sourceType, sourceID string) (*models.Entity, error)
	GetBySourceKeys(ctx context.Context, keys []models.SourceKey) ([]models.Entity, error)
	ListForSourceType(ctx context.Context, sourceType string) ([]models.Entity, error)
	InsertMany(ctx context.Context, entities []models.Entity) ([]models.Entity, error)
	Update(ctx context.Context, entity models.Entity) (*models.Entity, error)
	DeleteForSource(ctx context.Context, sourceType string, sourceIDs []string) ([]models.Entity, error)
	Search(ctx context.Context, filter query.Filter, page, pageSize int) ([]models.Entity, int, error)
	SelectByFilter(ctx context.Context, filter query.Filter) ([]models.Entity, error)
}

// Repository implements EntityRepository
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new entity repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const tableName = "entities"

var insertColumns = []string{"id", "kind_id", "source_type", "source_id", "display_name", "is_active", "meta", "created_at", "updated_at"}

var readColumns = []string{"e.id", "e.kind_id", "e.source_type", "e.source_id", "e.display_name", "e.is_active", "e.meta", "e.created_at", "e.updated_at", "k.name AS kind_name"}

func selectEntities() *sqlbuilder.SelectBuilder {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(readColumns...)
	sb.From(tableName + " e")
	sb.Join("entity_kinds k", "k.id = e.kind_id")
	return sb
}

// GetByID gets an entity by ID
func (r *Repository) GetByID(ctx context.Context, id string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.GetByID")
	defer span.End()

	sb := selectEntities()
	sb.Where(sb.Equal("e.id", id))

	q, args := sb.Build()

	var e models.Entity
	err := database.GetQueryer(ctx, r.db).GetContext(ctx, &e, q, args...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"id": id,
		}).Error("failed to get entity by ID")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entity")
	}

	return &e, nil
}

// GetByIDs gets entities by ID in one query
func (r *Repository) GetByIDs(ctx context.Context, ids []string) ([]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.GetByIDs")
	defer span.End()

	if len(ids) == 0 {
		return nil, nil
	}

	sb := selectEntities()
	sb.Where(sb.In("e.id", sqlbuilder.Flatten(ids)...))

	q, args := sb.Build()

	var entities []models.Entity
	err := database.GetQueryer(ctx, r.db).SelectContext(ctx, &entities, q, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to get entities by IDs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entities")
	}

	return entities, nil
}

// GetForSource gets the entity mirroring one source record. Returns a 404
// error when the source record has no mirrored entity.
func (r *Repository) GetForSource(ctx context.Context, sourceType, sourceID string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.GetForSource")
	defer span.End()

	sb := selectEntities()
	sb.Where(
		sb.Equal("e.source_type", sourceType),
		sb.Equal("e.source_id", sourceID),
	)

	q, args := sb.Build()

	var e models.Entity
	err := database.GetQueryer(ctx, r.db).GetContext(ctx, &e, q, args...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "no entity for %s %s", sourceType, sourceID)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source_type": sourceType,
			"source_id":   sourceID,
		}).Error("failed to get entity for source")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entity")
	}

	return &e, nil
}

// GetBySourceKeys gets the entities mirroring the given source records in one
// query. Missing records are simply absent from the result.
func (r *Repository) GetBySourceKeys(ctx context.Context, keys []models.SourceKey) ([]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.GetBySourceKeys")
	defer span.End()

	if len(keys) == 0 {
		return nil, nil
	}

	// group by source type so each type becomes one IN clause
	idsByType := make(map[string][]any)
	for _, key := range keys {
		idsByType[key.SourceType] = append(idsByType[key.SourceType], key.SourceID)
	}

	sb := selectEntities()
	conds := make([]string, 0, len(idsByType))
	for sourceType, sourceIDs := range idsByType {
		conds = append(conds, sb.And(
			sb.Equal("e.source_type", sourceType),
			sb.In("e.source_id", sourceIDs...),
		))
	}
	sb.Where(sb.Or(conds...))

	q, args := sb.Build()

	var entities []models.Entity
	err := database.GetQueryer(ctx, r.db).SelectContext(ctx, &entities, q, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"key_count": len(keys),
		}).Error("failed to get entities by source keys")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entities")
	}

	return entities, nil
}

// ListForSourceType lists every entity mirrored from one source type
func (r *Repository) ListForSourceType(ctx context.Context, sourceType string) ([]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.ListForSourceType")
	defer span.End()

	sb := selectEntities()
	sb.Where(sb.Equal("e.source_type", sourceType))

	q, args := sb.Build()

	var entities []models.Entity
	err := database.GetQueryer(ctx, r.db).SelectContext(ctx, &entities, q, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source_type": sourceType,
		}).Error("failed to list entities for source type")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list entities")
	}

	return entities, nil
}

// InsertMany bulk inserts entities in batches and returns the created rows.
// IDs and timestamps are assigned here.
func (r *Repository) InsertMany(ctx context.Context, entities []models.Entity) ([]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.InsertMany")
	defer span.End()

	if len(entities) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	const batchSize = 500
	created := make([]models.Entity, 0, len(entities))
	for i := 0; i < len(entities); i += batchSize {
		end := i + batchSize
		if end > len(entities) {
			end = len(entities)
		}

		ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
		ib.InsertInto(tableName)
		ib.Cols(insertColumns...)
		for _, e := range entities[i:end] {
			ib.Values(uuid.New().String(), e.KindID, e.SourceType, e.SourceID, e.DisplayName, e.IsActive, e.Meta, now, now)
		}
		ib.Returning("id", "kind_id", "source_type", "source_id", "display_name", "is_active", "meta", "created_at", "updated_at")

		q, args := ib.Build()

		rows, err := tx.QueryxContext(ctx, q, args...)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"entity_count": len(entities),
			}).Error("failed to insert entities")
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert entities")
		}

		for rows.Next() {
			var e models.Entity
			if err := rows.StructScan(&e); err != nil {
				rows.Close()
				return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to scan entity")
			}
			created = append(created, e)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read inserted entities")
		}
		rows.Close()
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit")
	}

	return created, nil
}

// Update rewrites an entity's mirrored fields by ID
func (r *Repository) Update(ctx context.Context, entity models.Entity) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Update")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(tableName)
	ub.Set(
		ub.Assign("kind_id", entity.KindID),
		ub.Assign("display_name", entity.DisplayName),
		ub.Assign("is_active", entity.IsActive),
		ub.Assign("meta", entity.Meta),
		ub.Assign("updated_at", time.Now().UTC()),
	)
	ub.Where(ub.Equal("id", entity.ID))

	q, args := ub.Build()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	result, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"id": entity.ID,
		}).Error("failed to update entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to update entity")
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "no entity with id %s", entity.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit")
	}

	return r.GetByID(ctx, entity.ID)
}

// DeleteForSource removes the entities mirroring the given source records and
// returns the deleted rows. Relationship edges on either side go with them.
func (r *Repository) DeleteForSource(ctx context.Context, sourceType string, sourceIDs []string) ([]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.DeleteForSource")
	defer span.End()

	if len(sourceIDs) == 0 {
		return nil, nil
	}

	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom(tableName)
	db.Where(
		db.Equal("source_type", sourceType),
		db.In("source_id", sqlbuilder.Flatten(sourceIDs)...),
	)

	q, args := db.Build()
	q += " RETURNING id, kind_id, source_type, source_id, display_name, is_active, meta, created_at, updated_at"

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	rows, err := tx.QueryxContext(ctx, q, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source_type": sourceType,
			"id_count":    len(sourceIDs),
		}).Error("failed to delete entities for source")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete entities")
	}
	defer rows.Close()

	var deleted []models.Entity
	for rows.Next() {
		var e models.Entity
		if err := rows.StructScan(&e); err != nil {
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to scan deleted entity")
		}
		deleted = append(deleted, e)
	}
	if err := rows.Err(); err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read deleted entities")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"source_type":   sourceType,
		"deleted_count": len(deleted),
	}).Info("deleted entities for source")

	return deleted, nil
}

// SelectByFilter lists every entity matching a filter, unpaginated. Used for
// group resolution where the whole member set is needed.
func (r *Repository) SelectByFilter(ctx context.Context, filter query.Filter) ([]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.SelectByFilter")
	defer span.End()

	sb := selectEntities()
	filter.Apply(sb)
	sb.OrderBy("e.source_type ASC", "e.source_id ASC")

	q, args := sb.Build()

	var items []models.Entity
	err := database.GetQueryer(ctx, r.db).SelectContext(ctx, &items, q, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to select entities by filter")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to select entities")
	}

	return items, nil
}

// Search lists entities matching a filter with pagination
func (r *Repository) Search(ctx context.Context, filter query.Filter, page, pageSize int) ([]models.Entity, int, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Search")
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	countSb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	countSb.Select("COUNT(*)")
	countSb.From(tableName + " e")
	countSb.Join("entity_kinds k", "k.id = e.kind_id")
	filter.Apply(countSb)
	countQuery, countArgs := countSb.Build()

	queryer := database.GetQueryer(ctx, r.db)

	var totalCount int
	err := queryer.GetContext(ctx, &totalCount, countQuery, countArgs...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to count entities")
		return nil, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count entities")
	}

	sb := selectEntities()
	filter.Apply(sb)
	sb.OrderBy("e.source_type ASC", "e.source_id ASC")
	sb.Limit(pageSize)
	sb.Offset(offset)

	q, args := sb.Build()

	var items []models.Entity
	err = queryer.SelectContext(ctx, &items, q, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"page":      page,
			"page_size": pageSize,
		}).Error("failed to search entities")
		return nil, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to search entities")
	}

	return items, totalCount, nil
}
