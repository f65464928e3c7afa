package syncing

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/sync"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var validate = validator.New()

// Register registers sync control routes
func Register(g *echo.Group) {
	g.POST("", Trigger)
	g.POST("/all", TriggerAll)
	g.DELETE("", DeleteForSource)
	g.POST("/on", TurnOn)
	g.POST("/off", TurnOff)
	g.GET("/status", Status)
}

// Trigger syncs the given source records, or the whole source type when no
// IDs are given
func Trigger(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "syncing_handler.Trigger")
	defer span.End()

	var req models.SyncSourceRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, engine, err := ectoinject.GetContext[*sync.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get sync engine")
	}

	result, err := engine.Sync(ctx, req.SourceType, req.SourceIDs)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}

// TriggerAll syncs every registered source type
func TriggerAll(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "syncing_handler.TriggerAll")
	defer span.End()

	ctx, engine, err := ectoinject.GetContext[*sync.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get sync engine")
	}

	results, err := engine.SyncAll(ctx)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, results)
}

// DeleteForSource removes the mirrored entities for the given source records
func DeleteForSource(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "syncing_handler.DeleteForSource")
	defer span.End()

	var req models.SyncSourceRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.SourceIDs) == 0 {
		return httperror.NewHTTPError(http.StatusBadRequest, "source_ids is required")
	}

	ctx, engine, err := ectoinject.GetContext[*sync.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get sync engine")
	}

	result, err := engine.DeleteForSource(ctx, req.SourceType, req.SourceIDs)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}

// TurnOn enables change-driven syncing
func TurnOn(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "syncing_handler.TurnOn")
	defer span.End()

	ctx, toggle, err := ectoinject.GetContext[*sync.Toggle](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get sync toggle")
	}

	toggle.Enable()
	return c.JSON(http.StatusOK, map[string]bool{"enabled": true})
}

// TurnOff disables change-driven syncing
func TurnOff(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "syncing_handler.TurnOff")
	defer span.End()

	ctx, toggle, err := ectoinject.GetContext[*sync.Toggle](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get sync toggle")
	}

	toggle.Disable()
	return c.JSON(http.StatusOK, map[string]bool{"enabled": false})
}

// Status reports whether change-driven syncing is enabled
func Status(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "syncing_handler.Status")
	defer span.End()

	ctx, toggle, err := ectoinject.GetContext[*sync.Toggle](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get sync toggle")
	}

	return c.JSON(http.StatusOK, map[string]bool{"enabled": toggle.Enabled()})
}
