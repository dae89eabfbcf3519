package token

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/exp/slices"

	"github.com/totegamma/clearance/core"
)

var tracer = otel.Tracer("token")

// tokens larger than this are rejected before any parsing
const maxTokenSize = 8192

type service struct {
	repository Repository
	jwks       core.JwksService
	config     core.Config
}

// NewService creates a new token service
func NewService(repository Repository, jwks core.JwksService, config core.Config) core.TokenService {
	return &service{repository, jwks, config}
}

func (s *service) Issue(ctx context.Context, opts core.IssueOptions) (string, error) {
	ctx, span := tracer.Start(ctx, "Token.Service.Issue")
	defer span.End()

	key, err := s.repository.GetCurrentKey(ctx)
	if err != nil {
		span.RecordError(err)
		var notFound core.ErrorNotFound
		if errors.As(err, &notFound) {
			return "", core.NewErrorConfiguration("no current signing key")
		}
		return "", err
	}

	kind := opts.Kind
	if kind == "" {
		kind = core.TokenKindAccess
	}

	audience := opts.Audience
	if len(audience) == 0 {
		audience = s.config.Clearance.Audience
	}

	now := time.Now()
	ttl := s.lifetime(opts)
	jti := xid.New().String()

	claims := Claims{
		ClientID:  opts.ClientID,
		Scope:     opts.Scope,
		Kind:      kind,
		Patient:   opts.Patient,
		Encounter: opts.Encounter,
		FHIRUser:  opts.FHIRUser,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Clearance.IssuerID(),
			Subject:   opts.Subject,
			Audience:  jwt.ClaimStrings(audience),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
	}

	method := jwt.GetSigningMethod(key.Algorithm)
	if method == nil {
		return "", core.NewErrorConfiguration("unsupported signing algorithm " + key.Algorithm)
	}

	object := jwt.NewWithClaims(method, claims)
	object.Header["kid"] = key.KID

	priv, err := ParsePrivateKey(key)
	if err != nil {
		span.RecordError(err)
		return "", core.NewErrorConfiguration("signing key is not usable")
	}

	signed, err := object.SignedString(priv)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	if kind == core.TokenKindAccess || kind == core.TokenKindRefresh {
		_, err = s.repository.CreateToken(ctx, core.Token{
			JTI:       jti,
			Subject:   opts.Subject,
			ClientID:  opts.ClientID,
			Kind:      kind,
			Scope:     opts.Scope,
			Audience:  audience,
			IssuedAt:  now,
			ExpiresAt: now.Add(ttl),
		})
		if err != nil {
			span.RecordError(err)
			return "", err
		}
	}

	return signed, nil
}

func (s *service) lifetime(opts core.IssueOptions) time.Duration {
	if opts.TTL > 0 {
		return time.Duration(opts.TTL) * time.Second
	}
	if opts.Kind == core.TokenKindRefresh {
		return s.config.Clearance.RefreshTokenLifetime()
	}
	return s.config.Clearance.AccessTokenLifetime()
}

func (s *service) Validate(ctx context.Context, raw string) (core.ValidatedClaims, error) {
	ctx, span := tracer.Start(ctx, "Token.Service.Validate")
	defer span.End()

	if len(raw) == 0 || len(raw) > maxTokenSize {
		return core.ValidatedClaims{}, core.NewErrorTokenMalformed()
	}

	peek := Claims{}
	parsed, _, err := jwt.NewParser().ParseUnverified(raw, &peek)
	if err != nil {
		span.RecordError(err)
		return core.ValidatedClaims{}, core.NewErrorTokenMalformed()
	}

	kid, _ := parsed.Header["kid"].(string)
	span.SetAttributes(attribute.String("issuer", peek.Issuer))

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{AlgRS256, AlgES256}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)

	var claims Claims
	if peek.Issuer == s.config.Clearance.IssuerID() {
		claims, err = s.verifyLocal(ctx, parser, raw, kid)
	} else {
		issuer, ok := s.trustedIssuer(peek.Issuer)
		if !ok {
			span.RecordError(fmt.Errorf("unknown issuer %s", peek.Issuer))
			return core.ValidatedClaims{}, core.NewErrorSignatureInvalid()
		}
		claims, err = s.verifyFederated(ctx, parser, raw, issuer, kid)
	}
	if err != nil {
		span.RecordError(err)
		return core.ValidatedClaims{}, err
	}

	if len(s.config.Clearance.Audience) > 0 && !audienceMatches(claims.Audience, s.config.Clearance.Audience) {
		return core.ValidatedClaims{}, core.NewErrorPermissionDenied()
	}

	// a failed revocation lookup must never let a token through
	revoked, err := s.repository.CheckJTI(ctx, claims.ID)
	if err != nil {
		span.RecordError(err)
		return core.ValidatedClaims{}, core.NewErrorStorageUnavailable()
	}
	if revoked {
		return core.ValidatedClaims{}, core.NewErrorTokenRevoked()
	}

	validated := toValidated(claims)

	// same payload the signature just covered, widened to any
	// issuer-specific claims the typed struct drops
	rawClaims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, rawClaims); err == nil {
		validated.Raw = rawClaims
	}

	return validated, nil
}

func (s *service) trustedIssuer(issuer string) (core.TrustedIssuer, bool) {
	for _, trusted := range s.config.Clearance.TrustedIssuers {
		if trusted.Issuer == issuer {
			return trusted, true
		}
	}
	return core.TrustedIssuer{}, false
}

func (s *service) verifyLocal(ctx context.Context, parser *jwt.Parser, raw string, kid string) (Claims, error) {
	if kid != "" {
		key, err := s.repository.GetKey(ctx, kid)
		if err != nil {
			var notFound core.ErrorKeyNotFound
			if !errors.As(err, &notFound) {
				return Claims{}, core.NewErrorStorageUnavailable()
			}
			// unknown kid, fall back to scanning every verification key
		} else {
			if time.Now().After(key.NotAfter) {
				return Claims{}, core.NewErrorSignatureInvalid()
			}
			pub, err := ParsePublicKey(key)
			if err != nil {
				return Claims{}, core.NewErrorConfiguration("stored public key is not usable")
			}
			var claims Claims
			_, err = parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) { return pub, nil })
			if err != nil {
				return Claims{}, mapJwtError(err)
			}
			return claims, nil
		}
	}

	keys, err := s.repository.GetVerificationKeys(ctx)
	if err != nil {
		return Claims{}, core.NewErrorStorageUnavailable()
	}

	for _, key := range keys {
		pub, err := ParsePublicKey(key)
		if err != nil {
			continue
		}
		var claims Claims
		_, err = parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) { return pub, nil })
		if err == nil {
			return claims, nil
		}
		// the signature matched but the claims are bad, no other key can do better
		if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, jwt.ErrTokenMalformed) {
			return Claims{}, mapJwtError(err)
		}
	}

	return Claims{}, core.NewErrorSignatureInvalid()
}

func (s *service) verifyFederated(ctx context.Context, parser *jwt.Parser, raw string, issuer core.TrustedIssuer, kid string) (Claims, error) {
	if kid == "" {
		return Claims{}, core.NewErrorSignatureInvalid()
	}

	pub, err := s.jwks.GetKey(ctx, issuer.JwksURI, kid)
	if err != nil {
		return Claims{}, err
	}

	var claims Claims
	_, err = parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) { return pub, nil })
	if err != nil {
		return Claims{}, mapJwtError(err)
	}

	return claims, nil
}

func (s *service) Revoke(ctx context.Context, raw string) error {
	ctx, span := tracer.Start(ctx, "Token.Service.Revoke")
	defer span.End()

	if len(raw) == 0 || len(raw) > maxTokenSize {
		return core.NewErrorTokenMalformed()
	}

	peek := Claims{}
	parsed, _, err := jwt.NewParser().ParseUnverified(raw, &peek)
	if err != nil {
		span.RecordError(err)
		return core.NewErrorTokenMalformed()
	}

	// only locally issued tokens live in our revocation set
	if peek.Issuer != s.config.Clearance.IssuerID() {
		return core.NewErrorPermissionDenied()
	}

	if peek.ID == "" || peek.ExpiresAt == nil {
		return core.NewErrorTokenMalformed()
	}

	// expired tokens may still be presented for revocation, so skip claim checks
	kid, _ := parsed.Header["kid"].(string)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{AlgRS256, AlgES256}),
		jwt.WithoutClaimsValidation(),
	)
	_, err = s.verifyLocal(ctx, parser, raw, kid)
	if err != nil {
		span.RecordError(err)
		return err
	}

	err = s.repository.InvalidateJTI(ctx, peek.ID, peek.ExpiresAt.Time)
	if err != nil {
		span.RecordError(err)
		return core.NewErrorStorageUnavailable()
	}

	// bookkeeping only, losing it does not weaken revocation
	err = s.repository.MarkRevoked(ctx, peek.ID)
	if err != nil {
		span.RecordError(err)
	}

	return nil
}

func (s *service) Introspect(ctx context.Context, raw string) (core.IntrospectionResult, error) {
	ctx, span := tracer.Start(ctx, "Token.Service.Introspect")
	defer span.End()

	claims, err := s.Validate(ctx, raw)
	if err != nil {
		span.RecordError(err)
		return core.IntrospectionResult{Active: false}, nil
	}

	return core.IntrospectionResult{
		Active:    true,
		Scope:     claims.Scope,
		ClientID:  claims.ClientID,
		Subject:   claims.Subject,
		TokenType: "Bearer",
		Exp:       claims.ExpiresAt.Unix(),
		Iat:       claims.IssuedAt.Unix(),
		Jti:       claims.JTI,
		Issuer:    claims.Issuer,
	}, nil
}

func (s *service) RotateKeys(ctx context.Context) (core.SigningKey, error) {
	ctx, span := tracer.Start(ctx, "Token.Service.RotateKeys")
	defer span.End()

	now := time.Now()
	notAfter := now.Add(s.config.Clearance.KeyRotationInterval() + s.config.Clearance.KeyRetention())

	next, err := GenerateSigningKey(AlgRS256, now, notAfter)
	if err != nil {
		span.RecordError(err)
		return core.SigningKey{}, err
	}

	created, err := s.repository.Rotate(ctx, next)
	if err != nil {
		span.RecordError(err)
		return core.SigningKey{}, err
	}

	created.PrivatePEM = ""
	return created, nil
}

func (s *service) EnsureKeys(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Token.Service.EnsureKeys")
	defer span.End()

	key, err := s.repository.GetCurrentKey(ctx)
	if err != nil {
		var notFound core.ErrorNotFound
		if errors.As(err, &notFound) {
			_, err = s.RotateKeys(ctx)
			return err
		}
		span.RecordError(err)
		return err
	}

	if time.Since(key.CDate) > s.config.Clearance.KeyRotationInterval() {
		_, err = s.RotateKeys(ctx)
		return err
	}

	return nil
}

func (s *service) JWKS(ctx context.Context) (core.JWKSet, error) {
	ctx, span := tracer.Start(ctx, "Token.Service.JWKS")
	defer span.End()

	keys, err := s.repository.GetVerificationKeys(ctx)
	if err != nil {
		span.RecordError(err)
		return core.JWKSet{}, err
	}

	set := core.JWKSet{Keys: []core.JWK{}}
	for _, key := range keys {
		jwk, err := KeyToJWK(key)
		if err != nil {
			span.RecordError(err)
			continue
		}
		set.Keys = append(set.Keys, jwk)
	}

	return set, nil
}

func (s *service) CleanupExpired(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "Token.Service.CleanupExpired")
	defer span.End()

	return s.repository.CleanupExpired(ctx, time.Now())
}

func (s *service) SweepRetiredKeys(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "Token.Service.SweepRetiredKeys")
	defer span.End()

	// a key may not be deleted while a token it signed could still be alive
	maxLifetime := s.config.Clearance.RefreshTokenLifetime()
	if access := s.config.Clearance.AccessTokenLifetime(); access > maxLifetime {
		maxLifetime = access
	}

	return s.repository.SweepKeys(ctx, time.Now().Add(-maxLifetime))
}

func toValidated(claims Claims) core.ValidatedClaims {
	out := core.ValidatedClaims{
		Issuer:    claims.Issuer,
		Subject:   claims.Subject,
		ClientID:  claims.ClientID,
		Scope:     claims.Scope,
		JTI:       claims.ID,
		Kind:      claims.Kind,
		Patient:   claims.Patient,
		Encounter: claims.Encounter,
		FHIRUser:  claims.FHIRUser,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out
}

func audienceMatches(have jwt.ClaimStrings, want []string) bool {
	for _, audience := range want {
		if slices.Contains(have, audience) {
			return true
		}
	}
	return false
}

func mapJwtError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return core.NewErrorTokenMalformed()
	case errors.Is(err, jwt.ErrTokenExpired):
		return core.NewErrorTokenExpired()
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return core.NewErrorTokenMalformed()
	default:
		return core.NewErrorSignatureInvalid()
	}
}
