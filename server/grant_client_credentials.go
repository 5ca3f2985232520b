package server

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/storage"
)

// clientCredentialsGrant issues an access token to the client itself. No
// subject and no refresh token.
type clientCredentialsGrant struct {
	s *Server
}

func (g *clientCredentialsGrant) exchange(ctx context.Context, client *storage.Client, req *TokenRequest, now time.Time) (*TokenSet, error) {
	s := g.s
	ctx, span := s.tracer.Start(ctx, "oauth.grant.client_credentials")
	defer span.End()

	if !client.Confidential {
		return nil, fmt.Errorf("%w: client_credentials requires a confidential client", ErrUnauthorizedClient)
	}

	scopes, err := grantScopes(req.Scope, client.AllowedScopes)
	if err != nil {
		return nil, err
	}

	set, access, _, err := s.issueTokens(client, "", scopes, "", 0, now)
	if err != nil {
		return nil, err
	}
	if err := s.persistTokens(ctx, access, nil); err != nil {
		return nil, err
	}

	instrumentation.SetSpanSuccess(span)
	return set, nil
}
