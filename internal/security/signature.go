// Package security implements the single constant-time HMAC check that
// gates the webhook ingress endpoint (Section 4.A).
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Verify reports whether signatureHex is the hex-encoded HMAC-SHA256 of raw
// under secret. The comparison is constant-time; callers translate a false
// result to HTTP 401 and never log the raw secret or signature.
func Verify(raw []byte, signatureHex string, secret string) bool {
	if signatureHex == "" || secret == "" {
		return false
	}
	want, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	got := mac.Sum(nil)
	return hmac.Equal(want, got)
}

// Sign returns the hex-encoded HMAC-SHA256 of raw under secret. Exposed for
// tests and for any administrative tooling that needs to produce a valid
// signature.
func Sign(raw []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}
