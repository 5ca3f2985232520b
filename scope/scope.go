// Package scope parses and matches OAuth scope strings.
//
// Allowed scopes may end in a wildcard: "users:*" matches "users:read" and
// "users:write:all" but not "users" or "usersx:read". Matching compares the
// requested scope against the text before the '*'. All functions are pure
// and safe for concurrent use.
package scope

import (
	"errors"
	"fmt"
	"strings"
)

// Wildcard is the suffix that turns an allowed scope into a prefix pattern.
const Wildcard = "*"

// ErrInvalidScope is wrapped by every validation failure.
var ErrInvalidScope = errors.New("invalid scope")

// Error names the first requested scope that no allowed pattern matched.
type Error struct {
	Scope string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %q is not allowed", ErrInvalidScope, e.Scope)
}

// Unwrap lets callers use errors.Is(err, ErrInvalidScope).
func (e *Error) Unwrap() error {
	return ErrInvalidScope
}

// Parse splits a space separated scope parameter. Empty entries and
// duplicates are dropped; first occurrence order is kept.
func Parse(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Format joins scopes into the space separated wire form.
func Format(scopes []string) string {
	return strings.Join(scopes, " ")
}

// Match reports whether requested is covered by pattern.
func Match(pattern, requested string) bool {
	if pattern == "" || requested == "" {
		return false
	}
	if prefix, ok := strings.CutSuffix(pattern, Wildcard); ok {
		// A bare "*" would grant everything; it is never a valid pattern.
		if prefix == "" {
			return false
		}
		return len(requested) > len(prefix) && strings.HasPrefix(requested, prefix)
	}
	return pattern == requested
}

// MatchAny reports whether any pattern in allowed covers requested.
func MatchAny(allowed []string, requested string) bool {
	for _, pattern := range allowed {
		if Match(pattern, requested) {
			return true
		}
	}
	return false
}

// Validate checks requested ⊆ allowed. It returns *Error for the first
// requested scope that is not covered.
func Validate(requested, allowed []string) error {
	for _, s := range requested {
		if !MatchAny(allowed, s) {
			return &Error{Scope: s}
		}
	}
	return nil
}

// Contains reports whether the granted scopes cover every required scope.
// Granted entries may themselves be wildcard patterns.
func Contains(granted []string, required ...string) bool {
	for _, r := range required {
		if !MatchAny(granted, r) {
			return false
		}
	}
	return true
}

// Missing returns the required scopes not covered by granted.
func Missing(granted, required []string) []string {
	var missing []string
	for _, r := range required {
		if !MatchAny(granted, r) {
			missing = append(missing, r)
		}
	}
	return missing
}
