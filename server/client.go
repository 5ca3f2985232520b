package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

// ClientRegistration describes a client to create.
type ClientRegistration struct {
	Name         string
	Confidential bool
	RedirectURIs []string

	// AllowedScopes are scope patterns, e.g. "read" or "repo:*".
	AllowedScopes []string

	// AllowedGrantTypes defaults to authorization_code and refresh_token.
	AllowedGrantTypes []string
}

// RegisterClient creates a client with a random id. For confidential
// clients the generated secret is returned once; only its hash is stored.
func (s *Server) RegisterClient(ctx context.Context, reg ClientRegistration) (*storage.Client, string, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.client.register")
	defer span.End()

	grants := reg.AllowedGrantTypes
	if len(grants) == 0 {
		grants = []string{GrantTypeAuthorizationCode.String(), GrantTypeRefreshToken.String()}
	}
	for _, g := range grants {
		gt, err := ParseGrantType(g)
		if err != nil {
			return nil, "", fmt.Errorf("%w: grant type %q", ErrInvalidRequest, g)
		}
		if gt == GrantTypeClientCredentials && !reg.Confidential {
			return nil, "", fmt.Errorf("%w: client_credentials requires a confidential client", ErrInvalidRequest)
		}
		if gt == GrantTypeAuthorizationCode && len(reg.RedirectURIs) == 0 {
			return nil, "", fmt.Errorf("%w: authorization_code requires at least one redirect_uri", ErrInvalidRequest)
		}
	}

	for _, uri := range reg.RedirectURIs {
		if err := s.validateRedirectURIForRegistration(uri); err != nil {
			var rerr *RedirectURIError
			if errors.As(err, &rerr) {
				s.Logger.Warn("Rejected redirect_uri at registration",
					"category", rerr.Category,
					"uri", rerr.URI,
					"reason", rerr.Reason)
			}
			return nil, "", err
		}
	}

	client := &storage.Client{
		ID:                uuid.NewString(),
		Name:              reg.Name,
		Confidential:      reg.Confidential,
		RedirectURIs:      append([]string(nil), reg.RedirectURIs...),
		AllowedScopes:     append([]string(nil), reg.AllowedScopes...),
		AllowedGrantTypes: append([]string(nil), grants...),
		CreatedAt:         s.clock.Now(),
	}

	var secret string
	if reg.Confidential {
		secret = oauth2.GenerateVerifier()
		start := time.Now()
		hash, err := s.hasher.Hash(ctx, secret)
		s.metrics.RecordHash(ctx, "hash", float64(time.Since(start).Microseconds())/1000)
		if err != nil {
			return nil, "", fmt.Errorf("failed to hash client secret: %w", err)
		}
		client.SecretHash = hash
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return nil, "", repositoryError("save client", err)
	}

	clientType := "public"
	if client.Confidential {
		clientType = "confidential"
	}
	s.metrics.RecordClientRegistration(ctx, clientType)
	s.audit(ctx, security.Event{
		Type:     security.EventClientRegistered,
		ClientID: client.ID,
		Details:  map[string]any{"client_type": clientType},
	})
	s.Logger.Info("Registered client",
		"client_id", client.ID,
		"client_type", clientType,
		"redirect_uris", len(client.RedirectURIs))

	return client, secret, nil
}

// GetClient returns a client by id. Unknown ids yield ErrUnknownClient.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownClient, clientID)
		}
		return nil, repositoryError("get client", err)
	}
	return client, nil
}

// RevokeClient disables a client. Tokens it already holds stay valid until
// they expire or are revoked; new grants and authentication fail.
func (s *Server) RevokeClient(ctx context.Context, clientID string) error {
	if err := s.clientStore.RevokeClient(ctx, clientID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %q", ErrUnknownClient, clientID)
		}
		return repositoryError("revoke client", err)
	}

	s.audit(ctx, security.Event{Type: security.EventClientRevoked, ClientID: clientID})
	s.Logger.Info("Revoked client", "client_id", clientID)
	return nil
}
