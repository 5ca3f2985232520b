package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/scope"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

// refreshTokenGrant rotates a refresh token: the presented token is revoked
// and a new pair in the same family is issued.
type refreshTokenGrant struct {
	s *Server
}

func (g *refreshTokenGrant) exchange(ctx context.Context, client *storage.Client, req *TokenRequest, now time.Time) (*TokenSet, error) {
	s := g.s
	ctx, span := s.tracer.Start(ctx, "oauth.grant.refresh_token")
	defer span.End()

	if req.RefreshToken == "" {
		return nil, fmt.Errorf("%w: refresh_token is required", ErrInvalidRequest)
	}

	old, err := s.tokenStore.GetRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: refresh token not found", ErrInvalidGrant)
		}
		return nil, repositoryError("get refresh token", err)
	}

	if old.ClientID != client.ID {
		s.Logger.Warn("Refresh token presented by another client",
			"client_id", client.ID,
			"token_client_id", old.ClientID,
			"token_prefix", util.TokenPrefix(req.RefreshToken))
		return nil, fmt.Errorf("%w: refresh token was issued to another client", ErrInvalidGrant)
	}

	if old.Revoked {
		g.replayed(ctx, old, req.IPAddress)
		return nil, fmt.Errorf("%w: refresh token already used or revoked", ErrTokenRevoked)
	}

	if security.IsExpired(old.ExpiresAt, now, 0) {
		return nil, fmt.Errorf("%w: refresh token expired", ErrTokenExpired)
	}

	scopes := old.Scopes
	if requested := scope.Parse(req.Scope); len(requested) > 0 {
		// Narrowing only: the new grant must stay within the original.
		if err := scope.Validate(requested, old.Scopes); err != nil {
			s.audit(ctx, security.Event{
				Type:      security.EventScopeEscalationAttempt,
				SubjectID: old.SubjectID,
				ClientID:  client.ID,
				IPAddress: req.IPAddress,
				Details:   map[string]any{"requested": req.Scope},
			})
			return nil, fmt.Errorf("%w: %w", ErrInvalidScope, err)
		}
		scopes = requested
	}

	generation := old.Generation + 1
	set, access, refresh, err := s.issueTokens(client, old.SubjectID, scopes, old.FamilyID, generation, now)
	if err != nil {
		return nil, err
	}
	refresh.RotatedFrom = util.HashToken(old.Token)

	rotated, err := s.tokenStore.RotateRefreshToken(ctx, old.Token, access, refresh)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: refresh token not found", ErrInvalidGrant)
		}
		return nil, repositoryError("rotate refresh token", err)
	}
	if !rotated {
		// A concurrent request rotated the same token first.
		g.replayed(ctx, old, req.IPAddress)
		return nil, fmt.Errorf("%w: refresh token already used", ErrTokenRevoked)
	}

	instrumentation.AddTokenFamilyAttributes(span, old.FamilyID, generation)
	instrumentation.SetSpanSuccess(span)
	s.audit(ctx, security.Event{
		Type:      security.EventTokenRefreshed,
		SubjectID: old.SubjectID,
		ClientID:  client.ID,
		IPAddress: req.IPAddress,
		Details: map[string]any{
			"family_id":  old.FamilyID,
			"generation": generation,
		},
	})
	return set, nil
}

// replayed handles presentation of an already rotated or revoked token.
func (g *refreshTokenGrant) replayed(ctx context.Context, old *storage.RefreshToken, ipAddress string) {
	s := g.s
	s.metrics.RecordTokenReuseDetected(ctx)
	s.auditor.LogReplay(security.EventRefreshTokenReuseDetected, old.SubjectID, old.ClientID, old.FamilyID)
	s.Logger.Warn("Refresh token reuse detected",
		"client_id", old.ClientID,
		"family_id", old.FamilyID,
		"generation", old.Generation,
		"token_prefix", util.TokenPrefix(old.Token),
		"ip_address", ipAddress)
	s.revokeFamilyOnReplay(ctx, old.ClientID, old.SubjectID, old.FamilyID, "refresh_token_reuse")
}
