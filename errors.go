package oauth

import (
	"github.com/giantswarm/oauth2-server/server"
)

// OAuth error codes, re-exported from the server package.
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeInsufficientScope       = server.ErrorCodeInsufficientScope
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeTemporarilyUnavailable  = server.ErrorCodeTemporarilyUnavailable
)

// OAuthError is an RFC 6749 error response.
type OAuthError = server.OAuthError

// NewOAuthError creates a new OAuth error.
func NewOAuthError(code, description string, status int) *OAuthError {
	return server.NewOAuthError(code, description, status)
}

// ToOAuthError maps any error to its RFC 6749 error.
func ToOAuthError(err error) *OAuthError {
	return server.ToOAuthError(err)
}

// Constructors for the common OAuth errors.
var (
	ErrInvalidRequest          = server.NewInvalidRequest
	ErrInvalidClient           = server.NewInvalidClient
	ErrInvalidGrant            = server.NewInvalidGrant
	ErrInvalidScope            = server.NewInvalidScope
	ErrInvalidToken            = server.NewInvalidToken
	ErrInsufficientScope       = server.NewInsufficientScope
	ErrUnauthorizedClient      = server.NewUnauthorizedClient
	ErrUnsupportedGrantType    = server.NewUnsupportedGrantType
	ErrUnsupportedResponseType = server.NewUnsupportedResponseType
	ErrAccessDenied            = server.NewAccessDenied
	ErrServerError             = server.NewServerError
	ErrTemporarilyUnavailable  = server.NewTemporarilyUnavailable
)
