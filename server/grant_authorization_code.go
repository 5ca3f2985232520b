package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

// authorizationCodeGrant redeems a single-use authorization code.
type authorizationCodeGrant struct {
	s *Server
}

func (g *authorizationCodeGrant) exchange(ctx context.Context, client *storage.Client, req *TokenRequest, now time.Time) (*TokenSet, error) {
	s := g.s
	ctx, span := s.tracer.Start(ctx, "oauth.grant.authorization_code")
	defer span.End()

	if req.Code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}

	code, err := s.codeStore.GetAuthorizationCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: authorization code not found", ErrInvalidGrant)
		}
		return nil, repositoryError("get authorization code", err)
	}

	if code.ClientID != client.ID {
		s.Logger.Warn("Authorization code presented by another client",
			"client_id", client.ID,
			"code_client_id", code.ClientID,
			"code_prefix", util.TokenPrefix(req.Code))
		return nil, fmt.Errorf("%w: authorization code was issued to another client", ErrInvalidGrant)
	}

	if code.Consumed {
		g.replayed(ctx, code, req.IPAddress)
		return nil, fmt.Errorf("%w: authorization code already used", ErrInvalidGrant)
	}

	if security.IsExpired(code.ExpiresAt, now, 0) {
		return nil, fmt.Errorf("%w: authorization code expired", ErrTokenExpired)
	}

	if req.RedirectURI != code.RedirectURI {
		return nil, fmt.Errorf("%w: redirect_uri does not match the authorization request", ErrInvalidGrant)
	}

	method := security.NormalizePKCEMethod(code.CodeChallenge, code.CodeChallengeMethod)
	instrumentation.AddPKCEAttributes(span, method)
	if err := security.VerifyPKCE(req.CodeVerifier, code.CodeChallenge, method, client.Confidential, s.pkceOptions()); err != nil {
		s.metrics.RecordPKCEValidationFailed(ctx, method)
		s.audit(ctx, security.Event{
			Type:      security.EventInvalidPKCE,
			SubjectID: code.SubjectID,
			ClientID:  client.ID,
			IPAddress: req.IPAddress,
			Details:   map[string]any{"method": method},
		})
		return nil, fmt.Errorf("%w: %w", ErrPKCEVerificationFailed, err)
	}

	consumed, err := s.codeStore.ConsumeAuthorizationCode(ctx, code.Code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: authorization code not found", ErrInvalidGrant)
		}
		return nil, repositoryError("consume authorization code", err)
	}
	if !consumed {
		// Lost the race against a concurrent exchange of the same code.
		g.replayed(ctx, code, req.IPAddress)
		return nil, fmt.Errorf("%w: authorization code already used", ErrInvalidGrant)
	}

	set, access, refresh, err := s.issueTokens(client, code.SubjectID, code.Scopes, code.FamilyID, 1, now)
	if err != nil {
		return nil, err
	}
	if err := s.persistTokens(ctx, access, refresh); err != nil {
		return nil, err
	}

	instrumentation.AddTokenFamilyAttributes(span, code.FamilyID, 1)
	instrumentation.SetSpanSuccess(span)
	s.audit(ctx, security.Event{
		Type:      security.EventAuthorizationCodeExchanged,
		SubjectID: code.SubjectID,
		ClientID:  client.ID,
		IPAddress: req.IPAddress,
		Details:   map[string]any{"family_id": code.FamilyID},
	})
	return set, nil
}

// replayed handles a second redemption of a code: the tokens minted from
// the first redemption are presumed leaked.
func (g *authorizationCodeGrant) replayed(ctx context.Context, code *storage.AuthorizationCode, ipAddress string) {
	s := g.s
	s.metrics.RecordCodeReuseDetected(ctx)
	s.auditor.LogReplay(security.EventAuthorizationCodeReuseDetected, code.SubjectID, code.ClientID, code.FamilyID)
	s.Logger.Warn("Authorization code reuse detected",
		"client_id", code.ClientID,
		"code_prefix", util.TokenPrefix(code.Code),
		"ip_address", ipAddress)
	s.revokeFamilyOnReplay(ctx, code.ClientID, code.SubjectID, code.FamilyID, "code_reuse")
}
