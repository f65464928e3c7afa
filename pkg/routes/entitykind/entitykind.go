package entitykind

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/repositories/entitykind"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Register registers entity kind routes
func Register(g *echo.Group) {
	g.GET("", List)
	g.GET("/:name", Get)
}

// List returns all entity kinds
func List(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "entitykind_handler.List")
	defer span.End()

	ctx, repo, err := ectoinject.GetContext[*entitykind.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get repository")
	}

	items, err := repo.List(ctx)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, models.EntityKindListResponse{
		Items:      items,
		TotalCount: len(items),
	})
}

// Get returns a single entity kind by name
func Get(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "entitykind_handler.Get")
	defer span.End()

	name := c.Param("name")

	ctx, repo, err := ectoinject.GetContext[*entitykind.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get repository")
	}

	result, err := repo.GetByName(ctx, name)
	if err != nil {
		return err
	}
	if result == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "entity kind not found")
	}

	return c.JSON(http.StatusOK, result)
}
