package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/scope"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/token"
)

// PersonalAccessTokenPrefix marks raw personal access tokens.
const PersonalAccessTokenPrefix = "pat_"

// PersonalAccessTokenRequest describes a personal access token to issue.
type PersonalAccessTokenRequest struct {
	SubjectID string
	Name      string
	Scopes    []string

	// ClientID optionally binds the token to a client whose allowed scopes
	// then limit Scopes.
	ClientID string

	// TTL of zero or above PersonalAccessTokenMaxTTL is clamped to the max.
	TTL time.Duration
}

// IssuePersonalAccessToken creates a long-lived bearer token for a subject.
// The raw token is returned once; only its SHA-256 is stored.
func (s *Server) IssuePersonalAccessToken(ctx context.Context, req PersonalAccessTokenRequest) (string, *storage.PersonalAccessToken, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.pat.issue")
	defer span.End()

	if req.SubjectID == "" {
		return "", nil, fmt.Errorf("%w: subject is required", ErrInvalidRequest)
	}
	if len(req.Scopes) == 0 {
		return "", nil, fmt.Errorf("%w: at least one scope is required", ErrInvalidScope)
	}

	if req.ClientID != "" {
		client, err := s.GetClient(ctx, req.ClientID)
		if err != nil {
			return "", nil, err
		}
		if client.Revoked {
			return "", nil, fmt.Errorf("%w: client %q is revoked", ErrUnknownClient, client.ID)
		}
		if err := scope.Validate(req.Scopes, client.AllowedScopes); err != nil {
			return "", nil, fmt.Errorf("%w: %w", ErrInvalidScope, err)
		}
	} else if len(s.Config.SupportedScopes) > 0 {
		if err := scope.Validate(req.Scopes, s.Config.SupportedScopes); err != nil {
			return "", nil, fmt.Errorf("%w: %w", ErrInvalidScope, err)
		}
	}

	ttl := req.TTL
	if limit := s.Config.PersonalAccessTokenMaxLifetime(); ttl <= 0 || ttl > limit {
		ttl = limit
	}

	opaque, err := token.IssueOpaque(token.MinOpaqueBytes)
	if err != nil {
		return "", nil, fmt.Errorf("issue personal access token: %w", err)
	}
	raw := PersonalAccessTokenPrefix + opaque

	now := s.clock.Now()
	pat := &storage.PersonalAccessToken{
		ID:        uuid.NewString(),
		TokenHash: util.HashToken(raw),
		Name:      req.Name,
		ClientID:  req.ClientID,
		SubjectID: req.SubjectID,
		Scopes:    scope.Parse(scope.Format(req.Scopes)),
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.tokenStore.SavePersonalAccessToken(ctx, pat); err != nil {
		return "", nil, repositoryError("save personal access token", err)
	}

	s.audit(ctx, security.Event{
		Type:      security.EventPersonalAccessTokenIssued,
		SubjectID: req.SubjectID,
		ClientID:  req.ClientID,
		Details: map[string]any{
			"token_id": pat.ID,
			"scope":    scope.Format(pat.Scopes),
		},
	})
	s.Logger.Info("Issued personal access token",
		"token_id", pat.ID,
		"client_id", req.ClientID,
		"expires_at", pat.ExpiresAt)

	return raw, pat, nil
}

// ListPersonalAccessTokens returns the subject's tokens, oldest first.
func (s *Server) ListPersonalAccessTokens(ctx context.Context, subjectID string) ([]*storage.PersonalAccessToken, error) {
	pats, err := s.tokenStore.ListPersonalAccessTokens(ctx, subjectID)
	if err != nil {
		return nil, repositoryError("list personal access tokens", err)
	}
	return pats, nil
}

// RevokePersonalAccessToken revokes one of the subject's tokens by id.
// Unknown ids and ids of other subjects yield ErrInvalidRequest.
func (s *Server) RevokePersonalAccessToken(ctx context.Context, subjectID, tokenID string) error {
	pats, err := s.ListPersonalAccessTokens(ctx, subjectID)
	if err != nil {
		return err
	}
	for _, pat := range pats {
		if pat.ID != tokenID {
			continue
		}
		if err := s.tokenStore.RevokePersonalAccessToken(ctx, pat.TokenHash); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return repositoryError("revoke personal access token", err)
		}
		s.metrics.RecordTokenRevocation(ctx, pat.ClientID, "personal_access_token")
		s.auditor.LogTokenRevoked(subjectID, pat.ClientID, "personal_access_token")
		s.Logger.Info("Revoked personal access token", "token_id", tokenID)
		return nil
	}
	return fmt.Errorf("%w: unknown personal access token", ErrInvalidRequest)
}

// revokePersonalAccessTokenForClient handles RFC 7009 revocation of a PAT.
// Only tokens bound to the revoking client are touched.
func (s *Server) revokePersonalAccessTokenForClient(ctx context.Context, client *storage.Client, raw string) (bool, error) {
	pat, err := s.tokenStore.GetPersonalAccessToken(ctx, util.HashToken(raw))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, repositoryError("get personal access token", err)
	}
	if pat.ClientID != client.ID {
		s.Logger.Warn("Client attempted to revoke a personal access token it does not own",
			"client_id", client.ID,
			"token_id", pat.ID)
		return true, nil
	}
	if err := s.tokenStore.RevokePersonalAccessToken(ctx, pat.TokenHash); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, repositoryError("revoke personal access token", err)
	}
	s.metrics.RecordTokenRevocation(ctx, client.ID, "personal_access_token")
	s.auditor.LogTokenRevoked(pat.SubjectID, client.ID, "personal_access_token")
	return true, nil
}

// ============================================================
// Bearer verification
// ============================================================

// VerifyAccessToken validates a bearer token presented to a resource
// server. JWT access tokens and personal access tokens are accepted.
// Rejections wrap token.ErrInvalidToken, token.ErrTokenExpired or
// token.ErrTokenRevoked; any other error is a storage failure.
func (s *Server) VerifyAccessToken(ctx context.Context, raw string) (*token.Claims, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.verify_access_token")
	defer span.End()

	now := s.clock.Now()
	var (
		claims *token.Claims
		err    error
	)
	if isPersonalAccessToken(raw) {
		claims, err = s.verifyPersonalAccessToken(ctx, raw, now)
	} else {
		claims, err = s.issuer.Verify(ctx, raw, now)
	}
	if err != nil {
		s.logRejectedToken("access_token", raw, err)
		return nil, err
	}
	return claims, nil
}

func (s *Server) verifyPersonalAccessToken(ctx context.Context, raw string, now time.Time) (*token.Claims, error) {
	pat, err := s.tokenStore.GetPersonalAccessToken(ctx, util.HashToken(raw))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown personal access token", token.ErrInvalidToken)
		}
		return nil, repositoryError("get personal access token", err)
	}
	if pat.Revoked {
		return nil, token.ErrTokenRevoked
	}
	if security.IsExpired(pat.ExpiresAt, now, 0) {
		return nil, token.ErrTokenExpired
	}

	claims := &token.Claims{
		Scope:    scope.Format(pat.Scopes),
		ClientID: pat.ClientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.Config.Issuer,
			Subject:  pat.SubjectID,
			ID:       pat.ID,
			IssuedAt: jwt.NewNumericDate(pat.IssuedAt),
		},
	}
	if !pat.ExpiresAt.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(pat.ExpiresAt)
	}
	return claims, nil
}
