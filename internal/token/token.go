// Package token issues and verifies the keyed tokens embedded in tracking
// pixels, click redirects and unsubscribe links. Tracking tokens are one-way
// HMAC digests verified by recomputation; unsubscribe tokens carry a
// recoverable identity payload under authenticated encryption, so the opt-out
// handler works without any session state.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Signer produces HMAC-SHA256 signatures binding a tracking request to a
// specific identity tuple. Tokens embed no expiry: a pixel in a sent email
// must keep working for months.
type Signer struct {
	key []byte
}

// NewSigner creates a Signer from the tracking secret.
func NewSigner(secret string) *Signer {
	return &Signer{key: []byte(secret)}
}

// Sign returns the token for the given identity parts.
func (s *Signer) Sign(parts ...string) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Verify recomputes the token for parts and compares in constant time.
// Malformed input never panics; it just fails verification.
func (s *Signer) Verify(token string, parts ...string) bool {
	expected := s.Sign(parts...)
	return hmac.Equal([]byte(expected), []byte(token))
}
