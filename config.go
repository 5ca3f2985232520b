package oauth

import (
	"fmt"
	"log/slog"
)

// Default handler settings.
const (
	DefaultRealm      = "oauth2-server"
	defaultCORSMaxAge = 3600

	// maxFormBytes bounds request bodies read by the POST endpoints.
	maxFormBytes = 64 << 10
)

// Config holds the HTTP handler configuration. Protocol settings live in
// server.Config.
type Config struct {
	// Realm is placed in WWW-Authenticate challenges (default: "oauth2-server").
	Realm string

	// TrustedProxyCount is the number of reverse proxies in front of the
	// server. Zero ignores X-Forwarded-For and X-Real-IP, which is the only
	// safe value when clients connect directly.
	TrustedProxyCount int

	// CORS configures cross-origin access for browser clients.
	CORS CORSConfig
}

// CORSConfig holds CORS settings. CORS is disabled when AllowedOrigins is empty.
type CORSConfig struct {
	// AllowedOrigins lists the exact origins allowed. "*" allows any origin
	// and is only meant for development.
	AllowedOrigins []string

	// AllowCredentials sends Access-Control-Allow-Credentials: true.
	AllowCredentials bool

	// MaxAge is the preflight cache duration in seconds (default: 3600).
	MaxAge int
}

func applyHandlerDefaults(config *Config, logger *slog.Logger) (*Config, error) {
	if config == nil {
		config = &Config{}
	}
	if config.Realm == "" {
		config.Realm = DefaultRealm
	}
	if config.TrustedProxyCount < 0 {
		return nil, fmt.Errorf("trusted proxy count must not be negative, got %d", config.TrustedProxyCount)
	}
	if config.CORS.MaxAge <= 0 {
		config.CORS.MaxAge = defaultCORSMaxAge
	}
	for _, origin := range config.CORS.AllowedOrigins {
		if origin == "*" {
			logger.Warn("⚠️  SECURITY WARNING: CORS wildcard origin (*) allows ALL origins",
				"risk", "Any website can call the token endpoints from a browser",
				"recommendation", "List specific origins in production")
			if config.CORS.AllowCredentials {
				return nil, fmt.Errorf("CORS wildcard origin cannot be combined with AllowCredentials")
			}
		}
	}
	return config, nil
}
