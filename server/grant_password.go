package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/storage"
)

// ErrInvalidCredentials is returned by a UserAuthenticator for an unknown
// user or a wrong password. Any other error is an infrastructure failure.
var ErrInvalidCredentials = errors.New("invalid resource owner credentials")

// UserAuthenticator verifies resource owner credentials for the password
// grant and returns the subject id.
type UserAuthenticator interface {
	AuthenticateUser(ctx context.Context, username, password string) (subjectID string, err error)
}

// UserAuthenticatorFunc adapts a function to UserAuthenticator.
type UserAuthenticatorFunc func(ctx context.Context, username, password string) (string, error)

// AuthenticateUser calls f.
func (f UserAuthenticatorFunc) AuthenticateUser(ctx context.Context, username, password string) (string, error) {
	return f(ctx, username, password)
}

// passwordGrant exchanges resource owner credentials for a token pair.
type passwordGrant struct {
	s *Server
}

func (g *passwordGrant) exchange(ctx context.Context, client *storage.Client, req *TokenRequest, now time.Time) (*TokenSet, error) {
	s := g.s
	ctx, span := s.tracer.Start(ctx, "oauth.grant.password")
	defer span.End()

	if s.users == nil {
		return nil, fmt.Errorf("%w: password grant is not enabled", ErrUnsupportedGrantType)
	}
	if req.Username == "" || req.Password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrInvalidRequest)
	}

	scopes, err := grantScopes(req.Scope, client.AllowedScopes)
	if err != nil {
		return nil, err
	}

	subjectID, err := s.users.AuthenticateUser(ctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			s.authFailure(ctx, client.ID, req.IPAddress, "invalid_user_credentials")
			return nil, fmt.Errorf("%w: invalid resource owner credentials", ErrInvalidGrant)
		}
		return nil, fmt.Errorf("%w: authenticate user: %w", ErrRepository, err)
	}
	if subjectID == "" {
		return nil, fmt.Errorf("%w: authenticator returned an empty subject", ErrRepository)
	}

	familyID := uuid.NewString()
	set, access, refresh, err := s.issueTokens(client, subjectID, scopes, familyID, 1, now)
	if err != nil {
		return nil, err
	}
	if err := s.persistTokens(ctx, access, refresh); err != nil {
		return nil, err
	}

	instrumentation.AddTokenFamilyAttributes(span, familyID, 1)
	instrumentation.SetSpanSuccess(span)
	return set, nil
}
