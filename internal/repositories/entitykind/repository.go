package entitykind

import (
	"context"
	"database/sql"
	"net/http"
	"sort"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// KindUpsert carries the fields the sync engine computes for a kind.
type KindUpsert struct {
	Name        string
	DisplayName string
}

// EntityKindRepository defines the interface for entity kind operations
type EntityKindRepository interface {
	UpsertMany(ctx context.Context, kinds []KindUpsert) ([]models.EntityKind, error)
	GetByName(ctx context.Context, name string) (*models.EntityKind, error)
	List(ctx context.Context) ([]models.EntityKind, error)
}

// Repository implements EntityKindRepository
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new entity kind repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const tableName = "entity_kinds"

var kindColumns = []string{"id", "name", "display_name", "created_at", "updated_at"}

// UpsertMany inserts or refreshes kinds by name in one statement. Inputs are
// deduped and sorted by name so concurrent syncs lock rows in the same order.
func (r *Repository) UpsertMany(ctx context.Context, kinds []KindUpsert) ([]models.EntityKind, error) {
	ctx, span := tracing.StartSpan(ctx, "entitykind.Repository.UpsertMany")
	defer span.End()

	if len(kinds) == 0 {
		return nil, nil
	}

	byName := make(map[string]KindUpsert, len(kinds))
	for _, k := range kinds {
		byName[k.Name] = k
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	now := time.Now().UTC()

	ib := database.NewInsertBuilder()
	ib.InsertInto(tableName)
	ib.Cols(kindColumns...)
	for _, name := range names {
		k := byName[name]
		ib.Values(uuid.New().String(), k.Name, k.DisplayName, now, now)
	}
	ub := ib.OnConflict("name")
	ub.Set(
		ub.Assign("display_name", database.Excluded("display_name")),
		ub.Assign("updated_at", now),
	)
	ib.Returning(kindColumns...)

	query, args := ib.Build()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	rows, err := tx.QueryxContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"kind_count": len(names),
		}).Error("failed to upsert entity kinds")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert entity kinds")
	}
	defer rows.Close()

	var result []models.EntityKind
	for rows.Next() {
		var kind models.EntityKind
		if err := rows.StructScan(&kind); err != nil {
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to scan entity kind")
		}
		result = append(result, kind)
	}
	if err := rows.Err(); err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read entity kinds")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit")
	}

	return result, nil
}

// GetByName gets an entity kind by its unique name
func (r *Repository) GetByName(ctx context.Context, name string) (*models.EntityKind, error) {
	ctx, span := tracing.StartSpan(ctx, "entitykind.Repository.GetByName")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(kindColumns...)
	sb.From(tableName)
	sb.Where(sb.Equal("name", name))

	query, args := sb.Build()

	var kind models.EntityKind
	err := database.GetQueryer(ctx, r.db).GetContext(ctx, &kind, query, args...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"name": name,
		}).Error("failed to get entity kind by name")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entity kind")
	}

	return &kind, nil
}

// List lists every entity kind ordered by name
func (r *Repository) List(ctx context.Context) ([]models.EntityKind, error) {
	ctx, span := tracing.StartSpan(ctx, "entitykind.Repository.List")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(kindColumns...)
	sb.From(tableName)
	sb.OrderBy("name ASC")

	query, args := sb.Build()

	var kinds []models.EntityKind
	err := database.GetQueryer(ctx, r.db).SelectContext(ctx, &kinds, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list entity kinds")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list entity kinds")
	}

	return kinds, nil
}
