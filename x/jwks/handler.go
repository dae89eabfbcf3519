package jwks

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/totegamma/clearance/core"
)

// Handler is the interface for handling HTTP requests
type Handler interface {
	Refresh(c echo.Context) error
}

type handler struct {
	service core.JwksService
	config  core.Config
}

// NewHandler creates a new handler
func NewHandler(service core.JwksService, config core.Config) Handler {
	return &handler{service, config}
}

// Refresh forces a re-fetch of a trusted issuer's key set
func (h handler) Refresh(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Jwks.Handler.Refresh")
	defer span.End()

	uri := c.QueryParam("uri")
	if uri == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"status": "error", "message": "uri is required"})
	}

	// only uris we already trust may be fetched through this endpoint
	trusted := false
	for _, issuer := range h.config.Clearance.TrustedIssuers {
		if issuer.JwksURI == uri {
			trusted = true
			break
		}
	}
	if !trusted {
		return c.JSON(http.StatusForbidden, echo.Map{"status": "error", "message": "uri is not a trusted issuer"})
	}

	err := h.service.Refresh(ctx, uri)
	if err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusBadGateway, echo.Map{"status": "error", "message": err.Error()})
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}
