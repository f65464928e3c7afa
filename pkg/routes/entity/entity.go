package entity

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/repositories/entity"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/query"
	"github.com/Ramsey-B/fern/pkg/relcache"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Register registers entity routes
func Register(g *echo.Group) {
	g.GET("", Search)
	g.GET("/:id", Get)
	g.GET("/:id/supers", GetSupers)
	g.GET("/:id/subs", GetSubs)
	g.GET("/source/:sourceType/:sourceID", GetForSource)
}

// Search returns entities matching the given filters
func Search(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "entity_handler.Search")
	defer span.End()

	page, _ := strconv.Atoi(c.QueryParam("page"))
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	filter := filterFromParams(c)

	ctx, repo, err := ectoinject.GetContext[*entity.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get repository")
	}

	items, totalCount, err := repo.Search(ctx, filter, page, pageSize)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, models.EntityListResponse{
		Items:      items,
		TotalCount: totalCount,
		Page:       page,
		PageSize:   pageSize,
	})
}

// filterFromParams builds an entity filter from query params. Repeated params
// widen list filters, e.g. ?kind=account&kind=team.
func filterFromParams(c echo.Context) query.Filter {
	filter := query.New()

	switch c.QueryParam("active") {
	case "true":
		filter = filter.Active()
	case "false":
		filter = filter.Inactive()
	}

	if sourceType := c.QueryParam("source_type"); sourceType != "" {
		filter = filter.ForSourceType(sourceType)
	}

	params := c.QueryParams()
	if kinds, ok := params["kind"]; ok {
		filter = filter.IsAnyKind(kinds...)
	}
	if kinds, ok := params["not_kind"]; ok {
		filter = filter.IsNotAnyKind(kinds...)
	}
	if ids, ok := params["sub_to_all"]; ok {
		filter = filter.IsSubToAll(ids...)
	}
	if ids, ok := params["sub_to_any"]; ok {
		filter = filter.IsSubToAny(ids...)
	}
	if kinds, ok := params["sub_to_all_kinds"]; ok {
		filter = filter.IsSubToAllKinds(kinds...)
	}
	if kinds, ok := params["sub_to_any_kind"]; ok {
		filter = filter.IsSubToAnyKind(kinds...)
	}

	return filter
}

// Get returns a single entity by ID
func Get(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "entity_handler.Get")
	defer span.End()

	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*entity.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get repository")
	}

	result, err := repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if result == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "entity not found")
	}

	return c.JSON(http.StatusOK, result)
}

// GetForSource returns the mirrored entity for a source record
func GetForSource(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "entity_handler.GetForSource")
	defer span.End()

	sourceType := c.Param("sourceType")
	sourceID := c.Param("sourceID")

	ctx, repo, err := ectoinject.GetContext[*entity.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get repository")
	}

	result, err := repo.GetForSource(ctx, sourceType, sourceID)
	if err != nil {
		return err
	}
	if result == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "no entity mirrored for source")
	}

	return c.JSON(http.StatusOK, result)
}

// GetSupers returns the entities the given entity is sub to
func GetSupers(c echo.Context) error {
	return related(c, "entity_handler.GetSupers", relcache.WithSupers(), true)
}

// GetSubs returns the entities that are sub to the given entity
func GetSubs(c echo.Context) error {
	return related(c, "entity_handler.GetSubs", relcache.WithSubs(), false)
}

func related(c echo.Context, spanName string, opt relcache.Option, supers bool) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, spanName)
	defer span.End()

	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*entity.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get repository")
	}

	target, err := repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if target == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "entity not found")
	}

	ctx, cache, err := ectoinject.GetContext[*relcache.Cache](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get relationship cache")
	}

	handle, err := cache.Load(ctx, []models.Entity{*target}, opt)
	if err != nil {
		return err
	}

	var results []models.Entity
	if supers {
		results, err = handle.SupersOf(ctx, *target)
	} else {
		results, err = handle.SubsOf(ctx, *target)
	}
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, results)
}
