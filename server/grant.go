package server

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/oauth2-server/storage"
)

// GrantType is one of the supported OAuth 2.0 grant types.
type GrantType string

// Supported grant types.
const (
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	GrantTypeClientCredentials GrantType = "client_credentials"
	GrantTypePassword          GrantType = "password"
	GrantTypeRefreshToken      GrantType = "refresh_token"
)

// SupportedGrantTypes lists every grant type in discovery order.
var SupportedGrantTypes = []GrantType{
	GrantTypeAuthorizationCode,
	GrantTypeClientCredentials,
	GrantTypePassword,
	GrantTypeRefreshToken,
}

// ParseGrantType parses the grant_type parameter.
func ParseGrantType(s string) (GrantType, error) {
	switch GrantType(s) {
	case GrantTypeAuthorizationCode, GrantTypeClientCredentials, GrantTypePassword, GrantTypeRefreshToken:
		return GrantType(s), nil
	case "":
		return "", fmt.Errorf("%w: grant_type is required", ErrInvalidRequest)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedGrantType, s)
	}
}

// String implements fmt.Stringer.
func (g GrantType) String() string {
	return string(g)
}

// TokenRequest is a decoded token endpoint request. Fields that do not apply
// to the grant type are ignored.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string

	// authorization_code
	Code         string
	RedirectURI  string
	CodeVerifier string

	// refresh_token
	RefreshToken string

	// password
	Username string
	Password string

	// Scope is the space separated requested scope.
	Scope string

	// IPAddress is recorded in audit events.
	IPAddress string
}

// TokenSet is a successful token response.
type TokenSet struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	Scopes       []string

	// Fields below are not part of the response body.
	JTI       string
	SubjectID string
	FamilyID  string
	ExpiresAt time.Time
}

// grantHandler exchanges one grant type for a token set. The client has
// already been authenticated and checked against its allowed grant types.
type grantHandler interface {
	exchange(ctx context.Context, client *storage.Client, req *TokenRequest, now time.Time) (*TokenSet, error)
}
