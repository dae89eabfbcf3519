package core

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCEChallenge derives the S256 code challenge for a verifier (RFC 7636).
func PKCEChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func validPKCEVerifier(verifier string) bool {
	if len(verifier) < 43 || len(verifier) > 128 {
		return false
	}
	for _, c := range verifier {
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}

// VerifyPKCE checks a verifier against a stored S256 challenge.
// The plain method is not supported.
func VerifyPKCE(challenge string, verifier string) bool {
	if !validPKCEVerifier(verifier) {
		return false
	}
	derived := PKCEChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
}
