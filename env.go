package oauth

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
)

// EnvConfig is the complete deployment configuration read from environment
// variables. Defaults match the server defaults.
type EnvConfig struct {
	ListenAddr string `env:"OAUTH_LISTEN_ADDR" env-default:":8080"`
	Issuer     string `env:"OAUTH_ISSUER" env-required:"true"`
	SigningKey string `env:"OAUTH_SIGNING_KEY" env-required:"true"`

	AuthorizationCodeTTL      int64 `env:"OAUTH_AUTHORIZATION_CODE_TTL" env-default:"600"`
	AccessTokenTTL            int64 `env:"OAUTH_ACCESS_TOKEN_TTL" env-default:"3600"`
	RefreshTokenTTL           int64 `env:"OAUTH_REFRESH_TOKEN_TTL" env-default:"7776000"`
	PersonalAccessTokenMaxTTL int64 `env:"OAUTH_PAT_MAX_TTL" env-default:"31536000"`

	SupportedScopes      []string `env:"OAUTH_SUPPORTED_SCOPES" env-separator:" "`
	AllowedCustomSchemes []string `env:"OAUTH_ALLOWED_CUSTOM_SCHEMES" env-separator:","`

	StrictPKCEVerifierLength          bool `env:"OAUTH_STRICT_PKCE_VERIFIER_LENGTH" env-default:"false"`
	DisablePKCEPlain                  bool `env:"OAUTH_DISABLE_PKCE_PLAIN" env-default:"false"`
	RequirePKCEForConfidentialClients bool `env:"OAUTH_REQUIRE_PKCE_CONFIDENTIAL" env-default:"false"`
	DisableReplayFamilyRevocation     bool `env:"OAUTH_DISABLE_REPLAY_FAMILY_REVOCATION" env-default:"false"`
	AllowInsecureHTTP                 bool `env:"OAUTH_ALLOW_INSECURE_HTTP" env-default:"false"`
	DisableAuditLogging               bool `env:"OAUTH_DISABLE_AUDIT_LOGGING" env-default:"false"`

	// Audit events per second and burst, per event type and client.
	AuditRate  float64 `env:"OAUTH_AUDIT_RATE" env-default:"10"`
	AuditBurst int     `env:"OAUTH_AUDIT_BURST" env-default:"20"`

	TrustedProxyCount    int      `env:"OAUTH_TRUSTED_PROXY_COUNT" env-default:"0"`
	CORSAllowedOrigins   []string `env:"OAUTH_CORS_ALLOWED_ORIGINS" env-separator:","`
	CORSAllowCredentials bool     `env:"OAUTH_CORS_ALLOW_CREDENTIALS" env-default:"false"`

	RedisAddr      string `env:"OAUTH_REDIS_ADDR"`
	RedisPassword  string `env:"OAUTH_REDIS_PASSWORD"`
	RedisDB        int    `env:"OAUTH_REDIS_DB" env-default:"0"`
	RedisKeyPrefix string `env:"OAUTH_REDIS_KEY_PREFIX" env-default:"oauth2:"`

	// EncryptionKey is a base64 encoded 32 byte AES key for records at rest.
	EncryptionKey string `env:"OAUTH_ENCRYPTION_KEY"`

	InstrumentationEnabled bool   `env:"OAUTH_INSTRUMENTATION_ENABLED" env-default:"false"`
	ServiceName            string `env:"OAUTH_SERVICE_NAME" env-default:"oauth2-server"`
	ServiceVersion         string `env:"OAUTH_SERVICE_VERSION" env-default:"unknown"`
}

// LoadEnvConfig reads EnvConfig from the process environment.
func LoadEnvConfig() (*EnvConfig, error) {
	var cfg EnvConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return &cfg, nil
}

// ServerConfig converts the environment settings to a server.Config.
func (c *EnvConfig) ServerConfig() *server.Config {
	return &server.Config{
		Issuer:                            c.Issuer,
		SigningKey:                        []byte(c.SigningKey),
		AuthorizationCodeTTL:              c.AuthorizationCodeTTL,
		AccessTokenTTL:                    c.AccessTokenTTL,
		RefreshTokenTTL:                   c.RefreshTokenTTL,
		PersonalAccessTokenMaxTTL:         c.PersonalAccessTokenMaxTTL,
		SupportedScopes:                   c.SupportedScopes,
		StrictPKCEVerifierLength:          c.StrictPKCEVerifierLength,
		DisablePKCEPlain:                  c.DisablePKCEPlain,
		RequirePKCEForConfidentialClients: c.RequirePKCEForConfidentialClients,
		DisableReplayFamilyRevocation:     c.DisableReplayFamilyRevocation,
		AllowInsecureHTTP:                 c.AllowInsecureHTTP,
		AllowedCustomSchemes:              c.AllowedCustomSchemes,
		DisableAuditLogging:               c.DisableAuditLogging,
	}
}

// HandlerConfig converts the environment settings to a handler Config.
func (c *EnvConfig) HandlerConfig() *Config {
	return &Config{
		TrustedProxyCount: c.TrustedProxyCount,
		CORS: CORSConfig{
			AllowedOrigins:   c.CORSAllowedOrigins,
			AllowCredentials: c.CORSAllowCredentials,
		},
	}
}

// AuditRateLimiterConfig returns the throttle settings for audit events.
func (c *EnvConfig) AuditRateLimiterConfig() security.RateLimiterConfig {
	return security.RateLimiterConfig{
		Rate:  c.AuditRate,
		Burst: c.AuditBurst,
	}
}

// Encryptor builds the at-rest encryptor. Without OAUTH_ENCRYPTION_KEY the
// returned encryptor is disabled.
func (c *EnvConfig) Encryptor() (*security.Encryptor, error) {
	if c.EncryptionKey == "" {
		return security.NewEncryptor(nil)
	}
	key, err := security.KeyFromBase64(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid OAUTH_ENCRYPTION_KEY: %w", err)
	}
	return security.NewEncryptor(key)
}

// InstrumentationConfig converts the environment settings to an
// instrumentation.Config using the global OpenTelemetry providers.
func (c *EnvConfig) InstrumentationConfig() instrumentation.Config {
	return instrumentation.Config{
		ServiceName:    c.ServiceName,
		ServiceVersion: c.ServiceVersion,
		Enabled:        c.InstrumentationEnabled,
	}
}
