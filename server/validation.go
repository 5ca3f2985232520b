package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

var (
	// DangerousSchemes lists URI schemes that must never be allowed for security
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

	// DefaultRFC3986SchemePattern is the default regex pattern for custom URI schemes (RFC 3986)
	DefaultRFC3986SchemePattern = []string{"^[a-z][a-z0-9+.-]*$"}
)

// Redirect URI error categories for logging.
const (
	RedirectURIErrorCategoryInvalidFormat  = "invalid_format"
	RedirectURIErrorCategoryFragment       = "fragment_not_allowed"
	RedirectURIErrorCategoryBlockedScheme  = "blocked_scheme"
	RedirectURIErrorCategoryCustomScheme   = "custom_scheme_not_allowed"
	RedirectURIErrorCategoryHTTPNotAllowed = "http_not_allowed"
	RedirectURIErrorCategoryNotRegistered  = "not_registered"
)

// RedirectURIError is a redirect URI validation failure. Error returns a
// message safe for clients; Reason is for logs only.
type RedirectURIError struct {
	Category string
	URI      string
	Reason   string
}

func (e *RedirectURIError) Error() string {
	return "redirect_uri " + strings.ReplaceAll(e.Category, "_", " ")
}

// Unwrap makes every RedirectURIError an ErrInvalidRedirectURI.
func (e *RedirectURIError) Unwrap() error {
	return ErrInvalidRedirectURI
}

// RedirectURIErrorCategory returns the category of a redirect URI error,
// or "" for any other error.
func RedirectURIErrorCategory(err error) string {
	var rerr *RedirectURIError
	if errors.As(err, &rerr) {
		return rerr.Category
	}
	return ""
}

// validateHTTPSEnforcement rejects an http issuer on a public host.
//
//   - https: always allowed
//   - http on a loopback host: allowed with a warning
//   - http elsewhere: rejected unless AllowInsecureHTTP is set
func (s *Server) validateHTTPSEnforcement() error {
	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
	default:
		return fmt.Errorf("invalid issuer URL scheme: %q (must be http or https)", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()
	if isLocalhostHostname(hostname) {
		if !s.Config.AllowInsecureHTTP {
			s.Logger.Warn("⚠️  DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
				"issuer", s.Config.Issuer,
				"risk", "Credentials exposed on local network",
				"to_suppress", "Set AllowInsecureHTTP=true in Config")
		}
		return nil
	}

	if !s.Config.AllowInsecureHTTP {
		return fmt.Errorf("SECURITY ERROR: issuer must use HTTPS (got %s://%s); "+
			"set AllowInsecureHTTP=true only for local development", issuerURL.Scheme, hostname)
	}

	s.Logger.Error("🚨 CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
		"issuer", s.Config.Issuer,
		"hostname", hostname,
		"risk", "All tokens and credentials exposed to network sniffing",
		"action_required", "Switch to HTTPS")
	return nil
}

// isLocalhostHostname reports whether hostname is localhost, the 0.0.0.0
// bind-all address or any loopback IP (127.0.0.0/8, ::1).
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}

	// url.Hostname strips brackets but callers may not have used it.
	clean := strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if ip := net.ParseIP(clean); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// validateRedirectURIForRegistration checks a redirect URI before it is
// stored on a client: absolute, no fragment, no dangerous scheme, https for
// non-loopback hosts when the issuer is https, and custom schemes matching
// AllowedCustomSchemes.
func (s *Server) validateRedirectURIForRegistration(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil || parsed.Scheme == "" {
		return &RedirectURIError{
			Category: RedirectURIErrorCategoryInvalidFormat,
			URI:      sanitizeURIForLogging(redirectURI),
			Reason:   "redirect_uri must be an absolute URI",
		}
	}

	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return &RedirectURIError{
			Category: RedirectURIErrorCategoryFragment,
			URI:      sanitizeURIForLogging(redirectURI),
			Reason:   "redirect_uri must not contain a fragment",
		}
	}

	scheme := strings.ToLower(parsed.Scheme)
	for _, dangerous := range DangerousSchemes {
		if scheme == dangerous {
			return &RedirectURIError{
				Category: RedirectURIErrorCategoryBlockedScheme,
				URI:      sanitizeURIForLogging(redirectURI),
				Reason:   fmt.Sprintf("scheme %q is never allowed", scheme),
			}
		}
	}

	switch scheme {
	case SchemeHTTPS:
		if parsed.Host == "" {
			return &RedirectURIError{
				Category: RedirectURIErrorCategoryInvalidFormat,
				URI:      sanitizeURIForLogging(redirectURI),
				Reason:   "redirect_uri has no host",
			}
		}
		return nil
	case SchemeHTTP:
		if parsed.Host == "" {
			return &RedirectURIError{
				Category: RedirectURIErrorCategoryInvalidFormat,
				URI:      sanitizeURIForLogging(redirectURI),
				Reason:   "redirect_uri has no host",
			}
		}
		if isLocalhostHostname(parsed.Hostname()) || !strings.HasPrefix(s.Config.Issuer, SchemeHTTPS+"://") {
			return nil
		}
		return &RedirectURIError{
			Category: RedirectURIErrorCategoryHTTPNotAllowed,
			URI:      sanitizeURIForLogging(redirectURI),
			Reason:   "http redirect_uri is only allowed for loopback hosts",
		}
	default:
		if err := validateCustomScheme(scheme, s.Config.AllowedCustomSchemes); err != nil {
			return &RedirectURIError{
				Category: RedirectURIErrorCategoryCustomScheme,
				URI:      sanitizeURIForLogging(redirectURI),
				Reason:   err.Error(),
			}
		}
		return nil
	}
}

// validateCustomScheme matches a native app scheme against the allowed
// patterns, or against the RFC 3986 scheme grammar when none are set.
func validateCustomScheme(scheme string, allowedSchemes []string) error {
	if len(allowedSchemes) == 0 {
		allowedSchemes = DefaultRFC3986SchemePattern
	}

	for _, pattern := range allowedSchemes {
		matched, err := regexp.MatchString(pattern, scheme)
		if err != nil {
			return fmt.Errorf("invalid scheme pattern %q: %w", pattern, err)
		}
		if matched {
			return nil
		}
	}

	return fmt.Errorf("scheme %q does not match allowed patterns %v", scheme, allowedSchemes)
}

// sanitizeURIForLogging strips credentials and the query from uri.
func sanitizeURIForLogging(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		if len(uri) > 100 {
			return uri[:100] + "...[truncated]"
		}
		return uri
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil
	return parsed.String()
}
