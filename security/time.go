package security

import "time"

// DefaultClockSkewGracePeriod is the slack applied to expiry checks of
// tokens verified by other systems. Zero is used for codes and refresh
// tokens, which only this server ever checks.
const DefaultClockSkewGracePeriod = 5 * time.Second

// Clock is the injectable time source.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time {
	return time.Now()
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time {
	return f()
}

// IsExpired reports whether expiresAt lies before now minus the grace period.
// A zero expiresAt never expires.
func IsExpired(expiresAt, now time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(grace))
}
