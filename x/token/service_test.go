package token

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/xid"
	"go.uber.org/mock/gomock"

	"github.com/stretchr/testify/assert"
	"github.com/totegamma/clearance/core"
	"github.com/totegamma/clearance/core/mock"
	"github.com/totegamma/clearance/internal/testutil"
)

const (
	upstreamIssuer = "https://idp.example.net"
	upstreamJwks   = "https://idp.example.net/jwks.json"
)

func mustSign(t *testing.T, key core.SigningKey, claims Claims) string {
	t.Helper()

	priv, err := ParsePrivateKey(key)
	assert.NoError(t, err)

	object := jwt.NewWithClaims(jwt.GetSigningMethod(key.Algorithm), claims)
	object.Header["kid"] = key.KID

	signed, err := object.SignedString(priv)
	assert.NoError(t, err)

	return signed
}

func TestService(t *testing.T) {

	var ctx = context.Background()

	db, cleanup_db := testutil.CreateDB()
	defer cleanup_db()

	rdb, cleanup_rdb := testutil.CreateRDB()
	defer cleanup_rdb()

	mc, cleanup_mc := testutil.CreateMC()
	defer cleanup_mc()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockJwks := mock_core.NewMockJwksService(ctrl)

	conf := core.Config{
		Clearance: core.Clearance{
			FQDN:     "clearance.example.com",
			Audience: []string{"https://fhir.example.com"},
			TrustedIssuers: []core.TrustedIssuer{
				{Issuer: upstreamIssuer, JwksURI: upstreamJwks},
			},
		},
	}

	test_repo := NewRepository(db, rdb, mc)
	test_service := NewService(test_repo, mockJwks, conf)

	// Test1. issuing fails while no signing key exists
	_, err := test_service.Issue(ctx, core.IssueOptions{
		Subject:  "Practitioner/dr-yamada",
		ClientID: "ehr-portal",
	})
	assert.Error(t, err)
	var confErr core.ErrorConfiguration
	assert.ErrorAs(t, err, &confErr)

	// Test2. EnsureKeys provisions the first key, and is a no-op right after
	err = test_service.EnsureKeys(ctx)
	assert.NoError(t, err)

	err = test_service.EnsureKeys(ctx)
	assert.NoError(t, err)

	set0, err := test_service.JWKS(ctx)
	if assert.NoError(t, err) {
		assert.Len(t, set0.Keys, 1)
	}

	// Test3. an issued access token validates and carries its claims back
	accessToken, err := test_service.Issue(ctx, core.IssueOptions{
		Subject:  "Practitioner/dr-yamada",
		ClientID: "ehr-portal",
		Scope:    "user/Observation.rs user/Patient.r",
		Patient:  "Patient/p-100",
		FHIRUser: "Practitioner/dr-yamada",
	})
	assert.NoError(t, err)

	claims0, err := test_service.Validate(ctx, accessToken)
	if assert.NoError(t, err) {
		assert.Equal(t, "https://clearance.example.com", claims0.Issuer)
		assert.Equal(t, "Practitioner/dr-yamada", claims0.Subject)
		assert.Equal(t, "ehr-portal", claims0.ClientID)
		assert.Equal(t, "user/Observation.rs user/Patient.r", claims0.Scope)
		assert.Equal(t, core.TokenKindAccess, claims0.Kind)
		assert.Equal(t, "Patient/p-100", claims0.Patient)
		assert.Equal(t, "Practitioner/dr-yamada", claims0.FHIRUser)
		assert.NotEmpty(t, claims0.JTI)
		assert.True(t, claims0.ExpiresAt.After(time.Now()))
		assert.Equal(t, claims0.Scope, claims0.Raw["scope"])
	}

	// test3.1 refresh tokens carry their kind
	refreshToken, err := test_service.Issue(ctx, core.IssueOptions{
		Subject:  "Practitioner/dr-yamada",
		ClientID: "ehr-portal",
		Scope:    "user/Observation.rs",
		Kind:     core.TokenKindRefresh,
	})
	assert.NoError(t, err)

	claims1, err := test_service.Validate(ctx, refreshToken)
	if assert.NoError(t, err) {
		assert.Equal(t, core.TokenKindRefresh, claims1.Kind)
	}

	// Test4. introspection reports the token active
	intro0, err := test_service.Introspect(ctx, accessToken)
	if assert.NoError(t, err) {
		assert.True(t, intro0.Active)
		assert.Equal(t, "ehr-portal", intro0.ClientID)
		assert.Equal(t, "Practitioner/dr-yamada", intro0.Subject)
		assert.Equal(t, claims0.JTI, intro0.Jti)
		assert.Equal(t, "Bearer", intro0.TokenType)
		assert.True(t, intro0.Exp > time.Now().Unix())
	}

	// Test5. a revoked token fails validation on the very next call
	err = test_service.Revoke(ctx, accessToken)
	assert.NoError(t, err)

	_, err = test_service.Validate(ctx, accessToken)
	assert.Error(t, err)
	var revokedErr core.ErrorTokenRevoked
	assert.ErrorAs(t, err, &revokedErr)

	intro1, err := test_service.Introspect(ctx, accessToken)
	if assert.NoError(t, err) {
		assert.False(t, intro1.Active)
		assert.Empty(t, intro1.ClientID)
		assert.Empty(t, intro1.Subject)
	}

	// test5.1 revoking something that is not a token fails
	err = test_service.Revoke(ctx, "not-a-token")
	assert.Error(t, err)
	var malformedErr core.ErrorTokenMalformed
	assert.ErrorAs(t, err, &malformedErr)

	// Test6. a tampered signature is rejected
	parts := strings.Split(refreshToken, ".")
	assert.Len(t, parts, 3)
	sig := []byte(parts[2])
	if sig[10] == 'A' {
		sig[10] = 'B'
	} else {
		sig[10] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	_, err = test_service.Validate(ctx, tampered)
	assert.Error(t, err)
	var sigErr core.ErrorSignatureInvalid
	assert.ErrorAs(t, err, &sigErr)

	// Test7. a short-lived token expires
	shortToken, err := test_service.Issue(ctx, core.IssueOptions{
		Subject:  "Patient/p-100",
		ClientID: "patient-app",
		TTL:      1,
	})
	assert.NoError(t, err)

	time.Sleep(2 * time.Second)

	_, err = test_service.Validate(ctx, shortToken)
	assert.Error(t, err)
	var expiredErr core.ErrorTokenExpired
	assert.ErrorAs(t, err, &expiredErr)

	// Test8. rotation keeps previously issued tokens verifiable
	survivor, err := test_service.Issue(ctx, core.IssueOptions{
		Subject:  "Practitioner/dr-yamada",
		ClientID: "ehr-portal",
	})
	assert.NoError(t, err)

	rotated, err := test_service.RotateKeys(ctx)
	if assert.NoError(t, err) {
		assert.True(t, rotated.Current)
		assert.Empty(t, rotated.PrivatePEM)
	}

	_, err = test_service.Validate(ctx, survivor)
	assert.NoError(t, err)

	fresh, err := test_service.Issue(ctx, core.IssueOptions{
		Subject:  "Practitioner/dr-yamada",
		ClientID: "ehr-portal",
	})
	assert.NoError(t, err)

	_, err = test_service.Validate(ctx, fresh)
	assert.NoError(t, err)

	// Test9. the JWKS document lists every verification key
	set1, err := test_service.JWKS(ctx)
	if assert.NoError(t, err) {
		assert.Len(t, set1.Keys, 2)
		for _, jwk := range set1.Keys {
			assert.Equal(t, "RSA", jwk.Kty)
			assert.Equal(t, "sig", jwk.Use)
			assert.NotEmpty(t, jwk.Kid)
		}
	}

	// Test10. tokens from an unknown issuer are rejected
	rogueKey, err := GenerateSigningKey(AlgES256, time.Now(), time.Now().Add(time.Hour))
	assert.NoError(t, err)

	rogue := mustSign(t, rogueKey, Claims{
		ClientID: "rogue-app",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://rogue.example.com",
			Subject:   "Practitioner/dr-yamada",
			Audience:  jwt.ClaimStrings{"https://fhir.example.com"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute * 5)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        xid.New().String(),
		},
	})

	_, err = test_service.Validate(ctx, rogue)
	assert.Error(t, err)
	assert.ErrorAs(t, err, &sigErr)

	// Test11. tokens from a trusted upstream issuer validate through its JWKS
	upstreamKey, err := GenerateSigningKey(AlgES256, time.Now(), time.Now().Add(time.Hour))
	assert.NoError(t, err)

	upstreamPub, err := ParsePublicKey(upstreamKey)
	assert.NoError(t, err)

	mockJwks.EXPECT().
		GetKey(gomock.Any(), upstreamJwks, upstreamKey.KID).
		Return(upstreamPub, nil).
		AnyTimes()

	federated := mustSign(t, upstreamKey, Claims{
		ClientID: "partner-app",
		Scope:    "system/Observation.r",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    upstreamIssuer,
			Subject:   "partner-service",
			Audience:  jwt.ClaimStrings{"https://fhir.example.com"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute * 5)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        xid.New().String(),
		},
	})

	claims2, err := test_service.Validate(ctx, federated)
	if assert.NoError(t, err) {
		assert.Equal(t, upstreamIssuer, claims2.Issuer)
		assert.Equal(t, "partner-service", claims2.Subject)
	}

	// Test12. tokens minted for another audience are rejected
	foreign, err := test_service.Issue(ctx, core.IssueOptions{
		Subject:  "Practitioner/dr-yamada",
		ClientID: "ehr-portal",
		Audience: []string{"https://other.example.com"},
	})
	assert.NoError(t, err)

	_, err = test_service.Validate(ctx, foreign)
	assert.Error(t, err)
	var deniedErr core.ErrorPermissionDenied
	assert.ErrorAs(t, err, &deniedErr)

	// Test13. cleanup removes the expired token record
	deleted, err := test_service.CleanupExpired(ctx)
	if assert.NoError(t, err) {
		assert.EqualValues(t, 1, deleted)
	}
}
