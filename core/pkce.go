package core

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCEMethodS256 is the only supported code challenge method
const PKCEMethodS256 = "S256"

// PKCEChallenge derives the S256 challenge for a verifier
func PKCEChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyPKCE reports whether verifier transforms into challenge
func VerifyPKCE(verifier, challenge, method string) bool {
	if method != PKCEMethodS256 || verifier == "" || challenge == "" {
		return false
	}
	// RFC 7636 bounds the verifier to 43..128 characters
	if len(verifier) < 43 || len(verifier) > 128 {
		return false
	}
	computed := PKCEChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
