package security

// Audit event types.
const (
	// Token lifecycle

	EventTokenIssued                = "token_issued"
	EventTokenRefreshed             = "token_refreshed"
	EventTokenRevoked               = "token_revoked"
	EventTokenFamilyRevoked         = "token_family_revoked"
	EventPersonalAccessTokenIssued  = "personal_access_token_issued" //nolint:gosec // event name, not a credential
	EventAuthorizationCodeIssued    = "authorization_code_issued"
	EventAuthorizationCodeExchanged = "authorization_code_exchanged"
	EventClientRegistered           = "client_registered"
	EventClientRevoked              = "client_revoked"

	// Security violations

	EventAuthFailure                    = "auth_failure"
	EventInvalidPKCE                    = "invalid_pkce"
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"
	EventRefreshTokenReuseDetected      = "refresh_token_reuse_detected" //nolint:gosec // event name, not a credential
	EventScopeEscalationAttempt         = "scope_escalation_attempt"
)
