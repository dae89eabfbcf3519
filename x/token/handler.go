package token

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/totegamma/clearance/core"
)

// Handler is the interface for handling HTTP requests
type Handler interface {
	Introspect(c echo.Context) error
	Revoke(c echo.Context) error
	Refresh(c echo.Context) error
	Jwks(c echo.Context) error
}

type handler struct {
	service core.TokenService
	config  core.Config
}

// NewHandler creates a new handler
func NewHandler(service core.TokenService, config core.Config) Handler {
	return &handler{service, config}
}

// Introspect implements RFC 7662 token introspection.
func (h handler) Introspect(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Token.Handler.Introspect")
	defer span.End()

	raw := c.FormValue("token")
	if raw == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_request"})
	}

	result, err := h.service.Introspect(ctx, raw)
	if err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "temporarily_unavailable"})
	}

	return c.JSON(http.StatusOK, result)
}

// Revoke implements RFC 7009 token revocation.
// Invalid tokens are ignored on purpose, the client reached its goal either way.
func (h handler) Revoke(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Token.Handler.Revoke")
	defer span.End()

	raw := c.FormValue("token")
	if raw == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_request"})
	}

	err := h.service.Revoke(ctx, raw)
	if err != nil {
		span.RecordError(err)
		var unavailable core.ErrorStorageUnavailable
		if errors.As(err, &unavailable) {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "temporarily_unavailable"})
		}
		return c.NoContent(http.StatusOK)
	}

	return c.NoContent(http.StatusOK)
}

// Refresh exchanges a refresh token for a fresh access/refresh pair.
// The spent refresh token is revoked, presenting it twice never works.
func (h handler) Refresh(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Token.Handler.Refresh")
	defer span.End()

	if c.FormValue("grant_type") != "refresh_token" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unsupported_grant_type"})
	}

	raw := c.FormValue("refresh_token")
	if raw == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_request"})
	}

	claims, err := h.service.Validate(ctx, raw)
	if err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_grant"})
	}

	if claims.Kind != core.TokenKindRefresh {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_grant"})
	}

	access, err := h.service.Issue(ctx, core.IssueOptions{
		Subject:   claims.Subject,
		ClientID:  claims.ClientID,
		Scope:     claims.Scope,
		Kind:      core.TokenKindAccess,
		Patient:   claims.Patient,
		Encounter: claims.Encounter,
		FHIRUser:  claims.FHIRUser,
	})
	if err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "server_error"})
	}

	refresh, err := h.service.Issue(ctx, core.IssueOptions{
		Subject:   claims.Subject,
		ClientID:  claims.ClientID,
		Scope:     claims.Scope,
		Kind:      core.TokenKindRefresh,
		Patient:   claims.Patient,
		Encounter: claims.Encounter,
		FHIRUser:  claims.FHIRUser,
	})
	if err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "server_error"})
	}

	err = h.service.Revoke(ctx, raw)
	if err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "temporarily_unavailable"})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"access_token":  access,
		"token_type":    "Bearer",
		"expires_in":    int(h.config.Clearance.AccessTokenLifetime().Seconds()),
		"refresh_token": refresh,
		"scope":         claims.Scope,
	})
}

// Jwks publishes the verification keys of this instance.
func (h handler) Jwks(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Token.Handler.Jwks")
	defer span.End()

	set, err := h.service.JWKS(ctx)
	if err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"status": "error", "error": err.Error()})
	}

	return c.JSON(http.StatusOK, set)
}
