package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyPKCE(t *testing.T) {
	// RFC 7636 appendix B test vector
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	assert.Equal(t, challenge, PKCEChallenge(verifier))
	assert.True(t, VerifyPKCE(challenge, verifier))
	assert.False(t, VerifyPKCE(challenge, verifier+"x"))
	assert.False(t, VerifyPKCE("", verifier))
}

func TestVerifyPKCERejectsBadVerifiers(t *testing.T) {
	// too short
	short := strings.Repeat("a", 42)
	assert.False(t, VerifyPKCE(PKCEChallenge(short), short))

	// too long
	long := strings.Repeat("a", 129)
	assert.False(t, VerifyPKCE(PKCEChallenge(long), long))

	// forbidden characters
	bad := strings.Repeat("a", 42) + "!"
	assert.False(t, VerifyPKCE(PKCEChallenge(bad), bad))

	// plain method is never accepted
	plain := strings.Repeat("a", 43)
	assert.False(t, VerifyPKCE(plain, plain))
}
