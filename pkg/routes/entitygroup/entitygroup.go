package entitygroup

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/groups"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var validate = validator.New()

// Register registers entity group routes
func Register(g *echo.Group) {
	g.GET("", List)
	g.POST("", Create)
	g.GET("/:id", Get)
	g.PUT("/:id", Update)
	g.DELETE("/:id", Delete)
	g.GET("/:id/memberships", ListMemberships)
	g.POST("/:id/memberships", AddMembership)
	g.DELETE("/:id/memberships/:membershipID", RemoveMembership)
	g.GET("/:id/members", ResolveMembers)
}

// List returns all entity groups
func List(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "entitygroup_handler.List")
	defer span.End()

	ctx, service, err := ectoinject.GetContext[*groups.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get group service")
	}

	items, err := service.ListGroups(ctx)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, models.EntityGroupListResponse{
		Items:      items,
		TotalCount: len(items),
	})
}

// Create creates a new entity group
func Create(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "entitygroup_handler.Create")
	defer span.End()

	var req models.CreateEntityGroupRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, service, err := ectoinject.GetContext[*groups.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get group service")
	}

	result, err := service.CreateGroup(ctx, req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, result)
}

// Get returns a single entity group by ID
func Get(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "entitygroup_handler.Get")
	defer span.End()

	id := c.Param("id")

	ctx, service, err := ectoinject.GetContext[*groups.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get group service")
	}

	result, err := service.GetGroup(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}

// Update updates an entity group
func Update(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "entitygroup_handler.Update")
	defer span.End()

	id := c.Param("id")

	var req models.UpdateEntityGroupRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx, service, err := ectoinject.GetContext[*groups.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get group service")
	}

	result, err := service.UpdateGroup(ctx, id, req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}

// Delete deletes an entity group
func Delete(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "entitygroup_handler.Delete")
	defer span.End()

	id := c.Param("id")

	ctx, service, err := ectoinject.GetContext[*groups.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get group service")
	}

	if err := service.DeleteGroup(ctx, id); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}

// ListMemberships returns the membership rules of a group
func ListMemberships(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "entitygroup_handler.ListMemberships")
	defer span.End()

	id := c.Param("id")

	ctx, service, err := ectoinject.GetContext[*groups.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get group service")
	}

	items, err := service.ListMemberships(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, items)
}

// AddMembership adds a membership rule to a group
func AddMembership(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "entitygroup_handler.AddMembership")
	defer span.End()

	id := c.Param("id")

	var req models.AddMembershipRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx, service, err := ectoinject.GetContext[*groups.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get group service")
	}

	result, err := service.AddMember(ctx, id, req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, result)
}

// RemoveMembership removes a membership rule from a group
func RemoveMembership(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "entitygroup_handler.RemoveMembership")
	defer span.End()

	id := c.Param("id")
	membershipID := c.Param("membershipID")

	ctx, service, err := ectoinject.GetContext[*groups.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get group service")
	}

	if err := service.RemoveMember(ctx, id, membershipID); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}

// ResolveMembers expands the group's rules into its current entities
func ResolveMembers(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "entitygroup_handler.ResolveMembers")
	defer span.End()

	id := c.Param("id")

	ctx, service, err := ectoinject.GetContext[*groups.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get group service")
	}

	entities, err := service.ResolveMembers(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, entities)
}
