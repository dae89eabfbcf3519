//go:generate go run go.uber.org/mock/mockgen -source=interfaces.go -destination=mock/services.go
package core

import (
	"context"
	"crypto"

	"github.com/labstack/echo/v4"
)

type AgentService interface {
	Boot()
}

type AuditService interface {
	Record(ctx context.Context, event DecisionEvent)
	Count(ctx context.Context) (int64, error)
}

type AuthService interface {
	IdentifyIdentity(next echo.HandlerFunc) echo.HandlerFunc
	Restrict(principal Principal) echo.MiddlewareFunc
}

type JwksService interface {
	GetKey(ctx context.Context, uri string, kid string) (crypto.PublicKey, error)
	Refresh(ctx context.Context, uri string) error
}

type PolicyService interface {
	Evaluate(ctx context.Context, rctx RequestContext) AccessDecision
	Matches(ctx context.Context, matcher *Matcher, rctx RequestContext) (bool, error)
	RefreshSnapshot(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
}

type SandboxService interface {
	Execute(ctx context.Context, engine EngineSpec, rctx RequestContext) AccessDecision
}

type TokenService interface {
	Issue(ctx context.Context, opts IssueOptions) (string, error)
	Validate(ctx context.Context, raw string) (ValidatedClaims, error)
	Revoke(ctx context.Context, raw string) error
	Introspect(ctx context.Context, raw string) (IntrospectionResult, error)
	RotateKeys(ctx context.Context) (SigningKey, error)
	EnsureKeys(ctx context.Context) error
	JWKS(ctx context.Context) (JWKSet, error)
	CleanupExpired(ctx context.Context) (int64, error)
	SweepRetiredKeys(ctx context.Context) (int64, error)
}

type Principal int

const (
	ISKNOWN Principal = iota
	ISUSER
	ISSERVICE
)

type IssueOptions struct {
	Subject   string
	ClientID  string
	Scope     string
	Kind      string
	Audience  []string
	TTL       int // seconds, 0 falls back to the configured default
	Patient   string
	Encounter string
	FHIRUser  string
}
