package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/totegamma/clearance/core"
)

// IdentifyIdentity resolves the bearer token, if any, into requester keys on
// the echo context. Absent or invalid credentials leave the requester
// unknown; route guards decide what unknown may do.
func (s *service) IdentifyIdentity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, span := tracer.Start(c.Request().Context(), "auth.IdentifyIdentity")
		defer span.End()

		authHeader := c.Request().Header.Get("authorization")

		if authHeader != "" {
			split := strings.Split(authHeader, " ")
			if len(split) != 2 {
				span.RecordError(fmt.Errorf("malformed authorization header"))
				goto skip
			}

			if split[0] != "Bearer" {
				span.RecordError(fmt.Errorf("unsupported authorization scheme"))
				goto skip
			}

			claims, err := s.token.Validate(ctx, split[1])
			if err != nil {
				span.RecordError(err)
				goto skip
			}

			if claims.Kind != core.TokenKindAccess {
				span.RecordError(fmt.Errorf("only access tokens authenticate requests"))
				goto skip
			}

			requesterType := core.EndUser
			if claims.Subject == claims.ClientID {
				requesterType = core.ServiceClient
			}

			c.Set(core.RequesterTypeCtxKey, requesterType)
			c.Set(core.RequesterIdCtxKey, claims.Subject)
			c.Set(core.RequesterClientCtxKey, claims.ClientID)
			c.Set(core.RequesterScopeCtxKey, claims.Scope)
			c.Set(core.RequesterClaimsCtxKey, claims)

			span.SetAttributes(attribute.String("RequesterType", core.RequesterTypeString(requesterType)))
			span.SetAttributes(attribute.String("RequesterId", claims.Subject))
		}
	skip:
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

// Restrict returns a middleware that rejects requests whose requester does
// not satisfy the principal
func (s *service) Restrict(principal core.Principal) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, span := tracer.Start(c.Request().Context(), "auth.Restrict")
			defer span.End()

			requesterType, _ := c.Get(core.RequesterTypeCtxKey).(int)

			switch principal {
			case core.ISKNOWN:
				if requesterType == core.Unknown {
					return c.JSON(http.StatusForbidden, echo.Map{
						"error":  "this endpoint is restricted",
						"detail": "requester is unknown",
					})
				}

			case core.ISUSER:
				if requesterType != core.EndUser {
					return c.JSON(http.StatusForbidden, echo.Map{
						"error":  "this endpoint is restricted",
						"detail": "requester is not an end user",
					})
				}

			case core.ISSERVICE:
				if requesterType != core.ServiceClient {
					return c.JSON(http.StatusForbidden, echo.Map{
						"error":  "this endpoint is restricted",
						"detail": "requester is not a service client",
					})
				}
			}

			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
