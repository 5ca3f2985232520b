package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor writes security events with hashed subject identifiers.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	limiter *RateLimiter
	clock   Clock
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		clock:   SystemClock{},
	}
}

// SetRateLimiter throttles events per (type, client) pair. Events over the
// limit are dropped and counted at debug level only.
func (a *Auditor) SetRateLimiter(rl *RateLimiter) {
	a.limiter = rl
}

// SetClock sets the timestamp source.
func (a *Auditor) SetClock(c Clock) {
	if c != nil {
		a.clock = c
	}
}

// Event is a single audit record.
type Event struct {
	Type      string
	SubjectID string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent writes event unless auditing is disabled or the event is throttled.
// It reports whether the event was written.
func (a *Auditor) LogEvent(event Event) bool {
	if a == nil || !a.enabled {
		return false
	}

	if a.limiter != nil && !a.limiter.Allow(event.Type+"|"+event.ClientID) {
		a.logger.Debug("Audit event throttled", "event_type", event.Type, "client_id", event.ClientID)
		return false
	}

	event.Timestamp = a.clock.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.SubjectID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
	return true
}

// LogTokenIssued logs a successful grant and reports whether it was written.
func (a *Auditor) LogTokenIssued(subjectID, clientID, ipAddress, grantType, scope string) bool {
	return a.LogEvent(Event{
		Type:      EventTokenIssued,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRevoked logs an explicit revocation.
func (a *Auditor) LogTokenRevoked(subjectID, clientID, tokenType string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogFamilyRevoked logs revocation of a whole refresh token family.
func (a *Auditor) LogFamilyRevoked(subjectID, clientID, familyID, reason string, revoked int) {
	a.LogEvent(Event{
		Type:      EventTokenFamilyRevoked,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"family_id": familyID,
			"reason":    reason,
			"revoked":   revoked,
		},
	})
}

// LogAuthFailure logs a failed client or user authentication and reports
// whether it was written.
func (a *Auditor) LogAuthFailure(subjectID, clientID, ipAddress, reason string) bool {
	return a.LogEvent(Event{
		Type:      EventAuthFailure,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogReplay logs a reused code or refresh token.
func (a *Auditor) LogReplay(eventType, subjectID, clientID, familyID string) {
	a.LogEvent(Event{
		Type:      eventType,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"family_id": familyID,
			"severity":  "critical",
		},
	})
}

// hashForLogging returns the first 16 hex chars of sha256(sensitive).
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
