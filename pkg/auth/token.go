// Package auth issues, validates, and revokes opaque user tokens, and
// derives permission envelopes from grant events. Raw tokens are never
// persisted server-side; only sha256(token || pepper) plus a display
// fingerprint ever reaches the lanes.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
)

// TokenPrefix starts every user token.
const TokenPrefix = "tk_"

// tokenPattern is the accepted wire shape: tk_ then 32+ of [a-z0-9_],
// total length at least 40.
var tokenPattern = regexp.MustCompile(`^tk_[a-z0-9_]{32,}$`)

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789_"

// randomBody length keeps the full token comfortably past 40 characters.
const randomBody = 40

// GenerateToken returns a fresh cryptographically random token.
func GenerateToken() (string, error) {
	buf := make([]byte, randomBody)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return TokenPrefix + string(buf), nil
}

// ValidFormat reports whether the token matches the wire shape.
func ValidFormat(token string) bool {
	return len(token) >= 40 && tokenPattern.MatchString(token)
}

// HashToken returns sha256(token || pepper) as lowercase hex.
func HashToken(token, pepper string) string {
	sum := sha256.Sum256([]byte(token + pepper))
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns the 8-character prefix and suffix kept for display.
// The middle of the token is never stored.
func Fingerprint(token string) (prefix, suffix string) {
	if len(token) < 16 {
		return token, ""
	}
	return token[:8], token[len(token)-8:]
}

// DisplayName renders the fingerprint as shown in UIs and event object ids.
func DisplayName(token string) string {
	prefix, suffix := Fingerprint(token)
	return prefix + "..." + suffix
}
