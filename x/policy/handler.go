package policy

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/xid"

	"github.com/totegamma/clearance/core"
)

type Handler interface {
	Decide(c echo.Context) error
}

type handler struct {
	service core.PolicyService
}

// NewHandler creates a new policy handler
func NewHandler(service core.PolicyService) Handler {
	return &handler{service}
}

// Decide evaluates the posted request context and returns the decision
func (h handler) Decide(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Policy.Handler.Decide")
	defer span.End()

	var rctx core.RequestContext
	err := c.Bind(&rctx)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"status": "error", "message": err.Error()})
	}

	if rctx.RequestID == "" {
		rctx.RequestID = xid.New().String()
	}
	if rctx.RequestedAt.IsZero() {
		rctx.RequestedAt = time.Now()
	}
	if rctx.SourceIP == "" {
		rctx.SourceIP = c.RealIP()
	}

	if rctx.Scopes == nil && rctx.Scope != "" {
		scopes, err := core.ParseScopes(rctx.Scope)
		if err != nil {
			// a scope we cannot parse grants nothing; scripts still see the raw string
			span.RecordError(err)
		} else {
			rctx.Scopes = scopes
		}
	}

	decision := h.service.Evaluate(ctx, rctx)

	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "content": decision})
}
