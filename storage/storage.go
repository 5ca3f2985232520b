package storage

import (
	"context"
	"errors"
	"time"
)

// FamilyTombstoneTTL is how long RevokeFamily remembers a revoked family.
// It outlives the longest authorization code lifetime so a pair persisted
// after a concurrent replay still lands revoked.
const FamilyTombstoneTTL = time.Hour

// Errors returned by every store implementation.
var (
	// ErrNotFound means no record exists for the key.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyExists means a create would overwrite an existing record.
	ErrAlreadyExists = errors.New("storage: already exists")

	// ErrInvalidRecord means a record failed basic validation before storing.
	ErrInvalidRecord = errors.New("storage: invalid record")
)

// ClientStore looks up, stores and revokes OAuth clients.
type ClientStore interface {
	// GetClient returns ErrNotFound for unknown ids. Revoked clients are
	// returned with Revoked set; the caller decides.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// SaveClient creates or replaces a client.
	SaveClient(ctx context.Context, client *Client) error

	// RevokeClient flags the client as revoked.
	RevokeClient(ctx context.Context, clientID string) error
}

// CodeStore persists authorization codes.
type CodeStore interface {
	// SaveAuthorizationCode stores a new code. Returns ErrAlreadyExists on
	// collision.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode returns a copy of the code or ErrNotFound.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode marks the code consumed if and only if it is
	// currently unconsumed. It returns true for exactly one caller.
	ConsumeAuthorizationCode(ctx context.Context, code string) (bool, error)

	// DeleteAuthorizationCode removes a code. Missing codes are not an error.
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore persists issued tokens.
type TokenStore interface {
	// SaveAccessToken records an issued access token by jti.
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken returns a copy of the record or ErrNotFound.
	GetAccessToken(ctx context.Context, jti string) (*AccessToken, error)

	// IsAccessTokenRevoked reports true for revoked and for unknown jtis.
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	// RevokeAccessToken revokes one access token. Its refresh token is untouched.
	RevokeAccessToken(ctx context.Context, jti string) error

	// SaveRefreshToken records a new refresh token.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns a copy of the record or ErrNotFound.
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// RotateRefreshToken revokes oldToken if and only if it is currently
	// unrevoked and, in the same step, stores the successor pair. It returns
	// true for exactly one caller per oldToken.
	RotateRefreshToken(ctx context.Context, oldToken string, access *AccessToken, refresh *RefreshToken) (bool, error)

	// RevokeFamily revokes every refresh and access token of a family and
	// returns how many records changed. Tokens saved into the family for
	// FamilyTombstoneTTL afterwards are stored revoked.
	RevokeFamily(ctx context.Context, familyID string) (int, error)

	// SavePersonalAccessToken records a PAT keyed by its token hash.
	SavePersonalAccessToken(ctx context.Context, token *PersonalAccessToken) error

	// GetPersonalAccessToken looks a PAT up by the hash of the raw token.
	GetPersonalAccessToken(ctx context.Context, tokenHash string) (*PersonalAccessToken, error)

	// ListPersonalAccessTokens returns the PATs of a subject.
	ListPersonalAccessTokens(ctx context.Context, subjectID string) ([]*PersonalAccessToken, error)

	// RevokePersonalAccessToken revokes a PAT by token hash.
	RevokePersonalAccessToken(ctx context.Context, tokenHash string) error
}

// Store is implemented by backends that serve every port.
type Store interface {
	ClientStore
	CodeStore
	TokenStore
}
