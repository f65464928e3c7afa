package graph

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/repositories/entity"
	"github.com/Ramsey-B/fern/internal/repositories/relationship"
	graphpkg "github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/query"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Register registers graph projection routes
func Register(g *echo.Group) {
	g.GET("/:id/ancestors", Ancestors)
	g.GET("/:id/descendants", Descendants)
	g.GET("/:id/neighbors", Neighbors)
	g.POST("/rebuild", Rebuild)
}

// Ancestors returns the entities above the given entity in the graph
func Ancestors(c echo.Context) error {
	return traverse(c, "graph_handler.Ancestors", (*graphpkg.QueryService).Ancestors)
}

// Descendants returns the entities below the given entity in the graph
func Descendants(c echo.Context) error {
	return traverse(c, "graph_handler.Descendants", (*graphpkg.QueryService).Descendants)
}

// Neighbors returns the entities connected to the given entity in either
// direction
func Neighbors(c echo.Context) error {
	return traverse(c, "graph_handler.Neighbors", (*graphpkg.QueryService).Neighbors)
}

type traverseFunc = func(s *graphpkg.QueryService, ctx context.Context, entityID string, maxHops int) ([]graphpkg.NodeResult, error)

func traverse(c echo.Context, spanName string, fn traverseFunc) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, spanName)
	defer span.End()

	id := c.Param("id")
	hops, _ := strconv.Atoi(c.QueryParam("hops"))

	ctx, service, err := ectoinject.GetContext[*graphpkg.QueryService](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get graph query service")
	}

	nodes, err := fn(service, ctx, id, hops)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, nodes)
}

// Rebuild replaces the graph projection from the relational mirror
func Rebuild(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "graph_handler.Rebuild")
	defer span.End()

	ctx, entities, err := ectoinject.GetContext[*entity.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get repository")
	}
	ctx, relationships, err := ectoinject.GetContext[*relationship.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get repository")
	}
	ctx, projector, err := ectoinject.GetContext[*graphpkg.Projector](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get graph projector")
	}

	all, err := entities.SelectByFilter(ctx, query.New())
	if err != nil {
		return err
	}

	edges, err := relationships.List(ctx)
	if err != nil {
		return err
	}
	pairs := make([]models.RelationshipPair, len(edges))
	for i, edge := range edges {
		pairs[i] = models.RelationshipPair{
			SubEntityID:   edge.SubEntityID,
			SuperEntityID: edge.SuperEntityID,
		}
	}

	if err := projector.Rebuild(ctx, all, pairs); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]int{
		"entities": len(all),
		"edges":    len(pairs),
	})
}
