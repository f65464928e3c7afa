// Package routes wires the HTTP surface of the entity mirror
package routes

import (
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/routes/entity"
	"github.com/Ramsey-B/fern/pkg/routes/entitygroup"
	"github.com/Ramsey-B/fern/pkg/routes/entitykind"
	"github.com/Ramsey-B/fern/pkg/routes/graph"
	"github.com/Ramsey-B/fern/pkg/routes/syncing"
)

// NewEcho builds the echo instance with the standard middleware chain and
// every API route group registered
func NewEcho(appName string, logger ectologger.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(otelecho.Middleware(appName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.HTTPErrorHandler = middleware.Error(logger)

	Register(e)

	return e
}

// Register registers every API route group
func Register(e *echo.Echo) {
	api := e.Group("/api/v1")

	entity.Register(api.Group("/entities"))
	entitykind.Register(api.Group("/kinds"))
	entitygroup.Register(api.Group("/groups"))
	syncing.Register(api.Group("/syncing"))
	graph.Register(api.Group("/graph"))
}
