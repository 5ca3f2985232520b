package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/oauth2-server/scope"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/token"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeInsufficientScope       = "insufficient_scope"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
	ErrorCodeTemporarilyUnavailable  = "temporarily_unavailable"
)

// Domain errors. Grant handlers wrap these with detail; ToOAuthError maps
// them to the RFC 6749 vocabulary.
var (
	ErrClientAuthenticationFailed = errors.New("client authentication failed")
	ErrUnknownClient              = errors.New("unknown client")
	ErrInvalidRedirectURI         = errors.New("invalid redirect_uri")
	ErrInvalidScope               = errors.New("invalid scope")
	ErrUnsupportedGrantType       = errors.New("unsupported grant type")
	ErrUnauthorizedClient         = errors.New("client not authorized for grant type")
	ErrInvalidGrant               = errors.New("invalid grant")
	ErrPKCEVerificationFailed     = errors.New("pkce verification failed")
	ErrTokenExpired               = errors.New("token expired")
	ErrTokenRevoked               = errors.New("token revoked")
	ErrInvalidRequest             = errors.New("invalid request")
	ErrAccessDenied               = errors.New("access denied")
	ErrUnsupportedResponseType    = errors.New("unsupported response type")
	ErrRepository                 = errors.New("repository failure")
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description, safe to send to clients
	Status      int    // HTTP status code

	cause error
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap returns the domain error the response was derived from.
func (e *OAuthError) Unwrap() error {
	return e.cause
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Constructors for the common OAuth errors.
var (
	// NewInvalidRequest indicates the request is malformed or missing required parameters
	NewInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// NewInvalidClient indicates client authentication failed
	NewInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// NewInvalidGrant indicates the authorization code or refresh token is invalid or expired
	NewInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// NewInvalidScope indicates the requested scope is invalid or exceeds what was granted
	NewInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// NewInvalidToken indicates a bearer token is invalid, expired or revoked
	NewInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// NewInsufficientScope indicates a bearer token lacks a required scope
	NewInsufficientScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInsufficientScope, desc, http.StatusForbidden)
	}

	// NewUnauthorizedClient indicates the client is not authorized for the requested grant type
	NewUnauthorizedClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// NewUnsupportedGrantType indicates the grant type is not supported
	NewUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// NewUnsupportedResponseType indicates the response type is not supported
	NewUnsupportedResponseType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
	}

	// NewAccessDenied indicates the resource owner or server denied the request
	NewAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// NewServerError indicates an internal server error occurred
	NewServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// NewTemporarilyUnavailable indicates storage is unreachable
	NewTemporarilyUnavailable = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeTemporarilyUnavailable, desc, http.StatusServiceUnavailable)
	}
)

// ToOAuthError maps a domain error to its RFC 6749 error. Descriptions are
// generic; the detail stays in err. An *OAuthError is returned unchanged and
// anything unrecognised becomes server_error.
func ToOAuthError(err error) *OAuthError {
	if err == nil {
		return nil
	}

	var oerr *OAuthError
	if errors.As(err, &oerr) {
		return oerr
	}

	var mapped *OAuthError
	switch {
	case errors.Is(err, ErrClientAuthenticationFailed), errors.Is(err, ErrUnknownClient):
		mapped = NewInvalidClient("client authentication failed")
	case errors.Is(err, ErrInvalidRedirectURI):
		mapped = NewInvalidRequest("redirect_uri is invalid or not registered")
	case errors.Is(err, ErrInvalidRequest):
		mapped = NewInvalidRequest("the request is missing a required parameter or is malformed")
	case errors.Is(err, ErrInvalidScope), errors.Is(err, scope.ErrInvalidScope):
		mapped = NewInvalidScope("the requested scope is invalid or exceeds the granted scope")
	case errors.Is(err, ErrUnsupportedGrantType):
		mapped = NewUnsupportedGrantType("the grant type is not supported")
	case errors.Is(err, ErrUnauthorizedClient):
		mapped = NewUnauthorizedClient("the client is not authorized to use this grant type")
	case errors.Is(err, ErrPKCEVerificationFailed), isPKCEError(err),
		errors.Is(err, ErrTokenExpired), errors.Is(err, token.ErrTokenExpired),
		errors.Is(err, ErrTokenRevoked), errors.Is(err, token.ErrTokenRevoked),
		errors.Is(err, ErrInvalidGrant):
		// One description for every rejected grant so responses do not
		// reveal which check failed.
		mapped = NewInvalidGrant(invalidGrantDescription)
	case errors.Is(err, ErrAccessDenied):
		mapped = NewAccessDenied("the request was denied")
	case errors.Is(err, ErrUnsupportedResponseType):
		mapped = NewUnsupportedResponseType("only response_type=code is supported")
	default:
		mapped = NewServerError("internal server error")
	}
	mapped.cause = err
	return mapped
}

const invalidGrantDescription = "the provided authorization grant is invalid, expired, or revoked"

func isPKCEError(err error) bool {
	return errors.Is(err, security.ErrPKCEMismatch) ||
		errors.Is(err, security.ErrPKCEVerifierMissing) ||
		errors.Is(err, security.ErrPKCEVerifierFormat) ||
		errors.Is(err, security.ErrPKCEChallengeRequired) ||
		errors.Is(err, security.ErrPKCEUnsupportedMethod)
}

// repositoryError wraps a storage failure so it maps to server_error while
// keeping the original error for logs.
func repositoryError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrRepository, op, err)
}
