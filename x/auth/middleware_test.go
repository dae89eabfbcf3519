package auth

import (
	"net/http"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"

	"github.com/totegamma/clearance/core"
	"github.com/totegamma/clearance/core/mock"
	"github.com/totegamma/clearance/internal/testutil"
)

func TestIdentifyIdentity(t *testing.T) {

	checker := testutil.SetupMockTraceProvider()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	userClaims := core.ValidatedClaims{
		Issuer:    "https://clearance.example.com",
		Subject:   "Practitioner/dr-yamada",
		ClientID:  "ehr-portal",
		Scope:     "user/Observation.rs user/Patient.r",
		JTI:       "cn9g5vq6gt8mdpi8e2fg",
		Kind:      core.TokenKindAccess,
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}

	serviceClaims := core.ValidatedClaims{
		Issuer:    "https://clearance.example.com",
		Subject:   "batch-exporter",
		ClientID:  "batch-exporter",
		Scope:     "system/Observation.r",
		JTI:       "cn9g5vq6gt8mdpi8e2g0",
		Kind:      core.TokenKindAccess,
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}

	refreshClaims := core.ValidatedClaims{
		Issuer:   "https://clearance.example.com",
		Subject:  "Practitioner/dr-yamada",
		ClientID: "ehr-portal",
		Kind:     core.TokenKindRefresh,
	}

	mockToken := mock_core.NewMockTokenService(ctrl)
	mockToken.EXPECT().Validate(gomock.Any(), "validtoken").Return(userClaims, nil).AnyTimes()
	mockToken.EXPECT().Validate(gomock.Any(), "servicetoken").Return(serviceClaims, nil).AnyTimes()
	mockToken.EXPECT().Validate(gomock.Any(), "refreshtoken").Return(refreshClaims, nil).AnyTimes()
	mockToken.EXPECT().Validate(gomock.Any(), gomock.Any()).Return(core.ValidatedClaims{}, core.NewErrorSignatureInvalid()).AnyTimes()

	service := NewService(mockToken, core.Config{})

	h := service.IdentifyIdentity(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	// Test1. A valid access token resolves to an end user
	c, req, rec, traceID := testutil.CreateHttpRequest()
	req.Header.Set("Authorization", "Bearer validtoken")

	err := h(c)
	if assert.NoError(t, err) {
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, core.EndUser, c.Get(core.RequesterTypeCtxKey))
		assert.Equal(t, "Practitioner/dr-yamada", c.Get(core.RequesterIdCtxKey))
		assert.Equal(t, "ehr-portal", c.Get(core.RequesterClientCtxKey))
		assert.Equal(t, "user/Observation.rs user/Patient.r", c.Get(core.RequesterScopeCtxKey))
		claims, ok := c.Get(core.RequesterClaimsCtxKey).(core.ValidatedClaims)
		assert.True(t, ok)
		assert.Equal(t, "cn9g5vq6gt8mdpi8e2fg", claims.JTI)
	}

	// Test2. A token whose subject is its client resolves to a service client
	c, req, rec, _ = testutil.CreateHttpRequest()
	req.Header.Set("Authorization", "Bearer servicetoken")

	err = h(c)
	if assert.NoError(t, err) {
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, core.ServiceClient, c.Get(core.RequesterTypeCtxKey))
		assert.Equal(t, "batch-exporter", c.Get(core.RequesterIdCtxKey))
	}

	// Test3. A refresh token does not authenticate a request
	c, req, rec, _ = testutil.CreateHttpRequest()
	req.Header.Set("Authorization", "Bearer refreshtoken")

	err = h(c)
	if assert.NoError(t, err) {
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Nil(t, c.Get(core.RequesterTypeCtxKey))
		assert.Nil(t, c.Get(core.RequesterIdCtxKey))
	}

	// Test4. A token that fails validation leaves the requester unknown
	c, req, rec, _ = testutil.CreateHttpRequest()
	req.Header.Set("Authorization", "Bearer garbage")

	err = h(c)
	if assert.NoError(t, err) {
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Nil(t, c.Get(core.RequesterTypeCtxKey))
	}

	// Test5. No authorization header at all
	c, _, rec, _ = testutil.CreateHttpRequest()

	err = h(c)
	if assert.NoError(t, err) {
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Nil(t, c.Get(core.RequesterTypeCtxKey))
	}

	// Test6. Only the Bearer scheme is accepted
	c, req, rec, _ = testutil.CreateHttpRequest()
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")

	err = h(c)
	if assert.NoError(t, err) {
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Nil(t, c.Get(core.RequesterTypeCtxKey))
	}

	testutil.PrintSpans(checker.GetSpans(), traceID)
}

func TestRestrict(t *testing.T) {

	testutil.SetupMockTraceProvider()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockToken := mock_core.NewMockTokenService(ctrl)
	service := NewService(mockToken, core.Config{})

	ok := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	// Test1. ISKNOWN rejects anonymous requests
	c, _, rec, _ := testutil.CreateHttpRequest()
	err := service.Restrict(core.ISKNOWN)(ok)(c)
	if assert.NoError(t, err) {
		assert.Equal(t, http.StatusForbidden, rec.Code)
	}

	// Test2. ISKNOWN passes any authenticated requester
	c, _, rec, _ = testutil.CreateHttpRequest()
	c.Set(core.RequesterTypeCtxKey, core.EndUser)
	err = service.Restrict(core.ISKNOWN)(ok)(c)
	if assert.NoError(t, err) {
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	c, _, rec, _ = testutil.CreateHttpRequest()
	c.Set(core.RequesterTypeCtxKey, core.ServiceClient)
	err = service.Restrict(core.ISKNOWN)(ok)(c)
	if assert.NoError(t, err) {
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	// Test3. ISUSER admits end users only
	c, _, rec, _ = testutil.CreateHttpRequest()
	c.Set(core.RequesterTypeCtxKey, core.ServiceClient)
	err = service.Restrict(core.ISUSER)(ok)(c)
	if assert.NoError(t, err) {
		assert.Equal(t, http.StatusForbidden, rec.Code)
	}

	c, _, rec, _ = testutil.CreateHttpRequest()
	c.Set(core.RequesterTypeCtxKey, core.EndUser)
	err = service.Restrict(core.ISUSER)(ok)(c)
	if assert.NoError(t, err) {
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	// Test4. ISSERVICE admits service clients only
	c, _, rec, _ = testutil.CreateHttpRequest()
	c.Set(core.RequesterTypeCtxKey, core.EndUser)
	err = service.Restrict(core.ISSERVICE)(ok)(c)
	if assert.NoError(t, err) {
		assert.Equal(t, http.StatusForbidden, rec.Code)
	}

	c, _, rec, _ = testutil.CreateHttpRequest()
	c.Set(core.RequesterTypeCtxKey, core.ServiceClient)
	err = service.Restrict(core.ISSERVICE)(ok)(c)
	if assert.NoError(t, err) {
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}
