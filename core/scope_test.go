package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseScope(t *testing.T) {
	scope, err := ParseScope("patient/Observation.rs")
	if assert.NoError(t, err) {
		assert.Equal(t, "patient", scope.Context)
		assert.Equal(t, "Observation", scope.ResourceType)
		assert.True(t, scope.Read)
		assert.True(t, scope.Search)
		assert.False(t, scope.Create)
		assert.Equal(t, "patient/Observation.rs", scope.String())
	}

	scope, err = ParseScope("system/*.cruds?category=laboratory")
	if assert.NoError(t, err) {
		assert.Equal(t, "system", scope.Context)
		assert.Equal(t, "*", scope.ResourceType)
		assert.True(t, scope.Create)
		assert.True(t, scope.Delete)
		assert.Equal(t, "category=laboratory", scope.Filter)
	}
}

func TestParseScopeRejectsBadInput(t *testing.T) {
	cases := []string{
		"Observation.rs",          // no context
		"tenant/Observation.rs",   // unknown context
		"patient/Observation",     // no permissions
		"patient/.rs",             // no resource type
		"patient/Observation.sr",  // out of order
		"patient/Observation.rr",  // duplicate
		"patient/Observation.rx",  // unknown permission
		"patient/Observation.rs?", // empty filter
	}
	for _, input := range cases {
		_, err := ParseScope(input)
		assert.Error(t, err, input)
	}
}

func TestScopesGrants(t *testing.T) {
	scopes, err := ParseScopes("patient/Observation.rs user/Encounter.cud")
	assert.NoError(t, err)

	assert.True(t, scopes.Grants("patient", "Observation", "read"))
	assert.True(t, scopes.Grants("patient", "Observation", "vread"))
	assert.True(t, scopes.Grants("patient", "Observation", "search"))
	assert.False(t, scopes.Grants("patient", "Observation", "create"))
	assert.False(t, scopes.Grants("user", "Observation", "read"))

	assert.True(t, scopes.Grants("user", "Encounter", "update"))
	assert.True(t, scopes.Grants("user", "Encounter", "patch"))
	assert.True(t, scopes.Grants("user", "Encounter", "delete"))
	assert.False(t, scopes.Grants("user", "Encounter", "search"))

	// empty context matches any
	assert.True(t, scopes.Grants("", "Encounter", "create"))

	// unknown operation never grants
	assert.False(t, scopes.Grants("patient", "Observation", "purge"))
}

func TestScopesGrantsWildcard(t *testing.T) {
	scopes, err := ParseScopes("system/*.rs")
	assert.NoError(t, err)

	assert.True(t, scopes.Grants("system", "Observation", "read"))
	assert.True(t, scopes.Grants("system", "Patient", "search"))
	assert.False(t, scopes.Grants("system", "Patient", "delete"))

	var none *Scopes
	assert.False(t, none.Grants("system", "Patient", "read"))
}
