package storage

import (
	"slices"
	"time"
)

// Client is a registered OAuth client.
type Client struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	SecretHash        string    `json:"secret_hash,omitempty"` // empty for public clients
	Confidential      bool      `json:"confidential"`
	RedirectURIs      []string  `json:"redirect_uris"`
	AllowedScopes     []string  `json:"allowed_scopes"`
	AllowedGrantTypes []string  `json:"allowed_grant_types"`
	Revoked           bool      `json:"revoked"`
	CreatedAt         time.Time `json:"created_at"`
}

// Clone returns a deep copy.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.AllowedScopes = slices.Clone(c.AllowedScopes)
	cp.AllowedGrantTypes = slices.Clone(c.AllowedGrantTypes)
	return &cp
}

// HasRedirectURI reports an exact match against the registered URIs.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AllowsGrantType reports whether grantType is registered for the client.
func (c *Client) AllowsGrantType(grantType string) bool {
	return slices.Contains(c.AllowedGrantTypes, grantType)
}

// AuthorizationCode is a short-lived single-use code.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	SubjectID           string    `json:"subject_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	FamilyID            string    `json:"family_id"` // family of the tokens minted from this code
	IssuedAt            time.Time `json:"issued_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	Consumed            bool      `json:"consumed"`
}

// Clone returns a deep copy.
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

// AccessToken is the server-side record of a signed access token.
type AccessToken struct {
	JTI       string    `json:"jti"`
	ClientID  string    `json:"client_id"`
	SubjectID string    `json:"subject_id,omitempty"` // empty for client credentials
	Scopes    []string  `json:"scopes"`
	FamilyID  string    `json:"family_id,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// Clone returns a deep copy.
func (t *AccessToken) Clone() *AccessToken {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	return &cp
}

// RefreshToken is an opaque rotating refresh token.
type RefreshToken struct {
	Token          string    `json:"token"`
	AccessTokenJTI string    `json:"access_token_jti"`
	ClientID       string    `json:"client_id"`
	SubjectID      string    `json:"subject_id"`
	Scopes         []string  `json:"scopes"`
	FamilyID       string    `json:"family_id"`
	Generation     int       `json:"generation"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Revoked        bool      `json:"revoked"`
	RotatedFrom    string    `json:"rotated_from,omitempty"` // lookup only
}

// Clone returns a deep copy.
func (t *RefreshToken) Clone() *RefreshToken {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	return &cp
}

// PersonalAccessToken is a long-lived bearer token owned by a subject.
// Only the hash of the raw token is stored.
type PersonalAccessToken struct {
	ID        string    `json:"id"`
	TokenHash string    `json:"token_hash"`
	Name      string    `json:"name"`
	ClientID  string    `json:"client_id,omitempty"`
	SubjectID string    `json:"subject_id"`
	Scopes    []string  `json:"scopes"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"` // zero means no expiry
	Revoked   bool      `json:"revoked"`
}

// Clone returns a deep copy.
func (t *PersonalAccessToken) Clone() *PersonalAccessToken {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	return &cp
}
