package server

import (
	"log/slog"
	"time"
)

// Default token lifetimes in seconds.
const (
	DefaultAuthorizationCodeTTL      = 600
	DefaultAccessTokenTTL            = 3600
	DefaultRefreshTokenTTL           = 7776000 // 90 days
	DefaultPersonalAccessTokenMaxTTL = 31536000

	// MaxAuthorizationCodeTTL is the hard cap on code lifetime.
	MaxAuthorizationCodeTTL = 600
)

// Config holds the OAuth server configuration. The zero value of every
// security toggle is the secure behaviour.
type Config struct {
	// Issuer is the issuer identifier placed in the iss claim and in the
	// discovery document, e.g. "https://auth.example.com".
	Issuer string

	// SigningKey is the HMAC key for access tokens. At least 32 bytes.
	SigningKey []byte

	// AuthorizationCodeTTL is how long authorization codes are valid, in
	// seconds (default: 600, capped at 600).
	AuthorizationCodeTTL int64

	// AccessTokenTTL is how long access tokens are valid, in seconds
	// (default: 3600).
	AccessTokenTTL int64

	// RefreshTokenTTL is how long refresh tokens are valid, in seconds
	// (default: 7776000 = 90 days).
	RefreshTokenTTL int64

	// PersonalAccessTokenMaxTTL caps the lifetime of personal access tokens,
	// in seconds (default: 31536000 = 1 year). Requests for a longer or
	// unlimited lifetime are clamped to it.
	PersonalAccessTokenMaxTTL int64

	// SupportedScopes are advertised in the discovery document. Empty means
	// the server does not advertise scopes.
	SupportedScopes []string

	// StrictPKCEVerifierLength enforces the RFC 7636 43-128 character
	// verifier length. Off by default so short verifiers work in tests.
	StrictPKCEVerifierLength bool

	// DisablePKCEPlain rejects the plain code_challenge_method.
	DisablePKCEPlain bool

	// RequirePKCEForConfidentialClients makes confidential clients send a
	// code_challenge too.
	RequirePKCEForConfidentialClients bool

	// DisableReplayFamilyRevocation keeps the token family alive when a
	// consumed code or rotated refresh token is replayed. The replayed
	// credential is still rejected.
	DisableReplayFamilyRevocation bool

	// AllowInsecureHTTP permits an http issuer on a non-loopback host.
	// Never enable this in production.
	AllowInsecureHTTP bool

	// AllowedCustomSchemes are regex patterns for native app redirect URI
	// schemes (e.g. "^myapp$"). Empty allows every RFC 3986 scheme that is
	// not on the dangerous list.
	AllowedCustomSchemes []string

	// DisableAuditLogging turns off security audit records.
	DisableAuditLogging bool
}

// AuthorizationCodeLifetime returns AuthorizationCodeTTL as a duration.
func (c *Config) AuthorizationCodeLifetime() time.Duration {
	return time.Duration(c.AuthorizationCodeTTL) * time.Second
}

// AccessTokenLifetime returns AccessTokenTTL as a duration.
func (c *Config) AccessTokenLifetime() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Second
}

// RefreshTokenLifetime returns RefreshTokenTTL as a duration.
func (c *Config) RefreshTokenLifetime() time.Duration {
	return time.Duration(c.RefreshTokenTTL) * time.Second
}

// PersonalAccessTokenMaxLifetime returns PersonalAccessTokenMaxTTL as a duration.
func (c *Config) PersonalAccessTokenMaxLifetime() time.Duration {
	return time.Duration(c.PersonalAccessTokenMaxTTL) * time.Second
}

// PKCEMethodsSupported lists the code_challenge_method values the server accepts.
func (c *Config) PKCEMethodsSupported() []string {
	if c.DisablePKCEPlain {
		return []string{"S256"}
	}
	return []string{"S256", "plain"}
}

// applySecureDefaults fills zero values and logs a warning for every
// weakened setting.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config, logger)
	logSecurityWarnings(config, logger)
	return config
}

func applyTimeDefaults(config *Config, logger *slog.Logger) {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AuthorizationCodeTTL > MaxAuthorizationCodeTTL {
		logger.Warn("⚠️  CONFIGURATION WARNING: AuthorizationCodeTTL exceeds maximum, capping",
			"configured", config.AuthorizationCodeTTL,
			"max", MaxAuthorizationCodeTTL)
		config.AuthorizationCodeTTL = MaxAuthorizationCodeTTL
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.PersonalAccessTokenMaxTTL <= 0 {
		config.PersonalAccessTokenMaxTTL = DefaultPersonalAccessTokenMaxTTL
	}
}

func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.DisableReplayFamilyRevocation {
		logger.Warn("⚠️  SECURITY WARNING: Token family revocation on replay is DISABLED",
			"risk", "Stolen refresh tokens stay usable by the attacker after the legitimate client rotates",
			"recommendation", "Leave DisableReplayFamilyRevocation=false")
	}
	if !config.DisablePKCEPlain {
		logger.Debug("Plain PKCE method is allowed",
			"recommendation", "Set DisablePKCEPlain=true once all clients use S256")
	}
	if !config.StrictPKCEVerifierLength {
		logger.Info("PKCE verifier length bounds are not enforced",
			"recommendation", "Set StrictPKCEVerifierLength=true for RFC 7636 compliance")
	}
	if config.AllowInsecureHTTP {
		logger.Warn("⚠️  SECURITY WARNING: AllowInsecureHTTP is ENABLED",
			"risk", "Tokens, codes and client secrets may travel in cleartext",
			"recommendation", "Serve the issuer over HTTPS")
	}
	if config.DisableAuditLogging {
		logger.Warn("⚠️  SECURITY WARNING: Audit logging is DISABLED",
			"risk", "Replay and authentication failures leave no trace",
			"recommendation", "Leave DisableAuditLogging=false")
	}
}
