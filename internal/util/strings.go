package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// LogPrefixLength is how many characters of a credential may appear in logs.
const LogPrefixLength = 8

// SafeTruncate truncates s to at most maxLen bytes without panicking.
// A negative maxLen yields an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TokenPrefix returns the log-safe prefix of a token, code or secret.
func TokenPrefix(s string) string {
	return SafeTruncate(s, LogPrefixLength)
}

// HashToken returns the hex encoded SHA-256 of an opaque token.
// Stores key long-lived credentials by this value so a leaked keyspace
// does not leak usable tokens.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
