package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/scope"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/token"
)

// token_type_hint values (RFC 7009 section 2.1).
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// IntrospectionResponse is an RFC 7662 introspection response. Inactive
// tokens carry no other field.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	JTI       string `json:"jti,omitempty"`
}

func inactive() *IntrospectionResponse {
	return &IntrospectionResponse{Active: false}
}

// Introspect describes raw. Expired, revoked, unknown and malformed tokens
// are all reported as inactive; so are tokens that cannot be checked
// because storage failed.
func (s *Server) Introspect(ctx context.Context, raw, hint string) *IntrospectionResponse {
	ctx, span := s.tracer.Start(ctx, "oauth.introspect")
	defer span.End()

	resp := s.introspect(ctx, raw, hint)
	span.SetAttributes(attribute.Bool("oauth.token.active", resp.Active))
	return resp
}

func (s *Server) introspect(ctx context.Context, raw, hint string) *IntrospectionResponse {
	if raw == "" {
		return inactive()
	}
	now := s.clock.Now()

	if isPersonalAccessToken(raw) {
		claims, err := s.verifyPersonalAccessToken(ctx, raw, now)
		if err != nil {
			s.logRejectedToken("personal_access_token", raw, err)
			return inactive()
		}
		return s.activeAccessToken(claims)
	}

	lookups := []func() *IntrospectionResponse{
		func() *IntrospectionResponse { return s.introspectAccessToken(ctx, raw, now) },
		func() *IntrospectionResponse { return s.introspectRefreshToken(ctx, raw, now) },
	}
	if hint == TokenTypeHintRefreshToken {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}
	for _, lookup := range lookups {
		if resp := lookup(); resp != nil {
			return resp
		}
	}
	return inactive()
}

// introspectAccessToken returns nil when raw is not an access token so the
// refresh lookup can run.
func (s *Server) introspectAccessToken(ctx context.Context, raw string, now time.Time) *IntrospectionResponse {
	if !token.LooksLikeJWT(raw) {
		return nil
	}
	claims, err := s.issuer.Verify(ctx, raw, now)
	if err != nil {
		s.logRejectedToken("access_token", raw, err)
		return inactive()
	}
	return s.activeAccessToken(claims)
}

func (s *Server) activeAccessToken(claims *token.Claims) *IntrospectionResponse {
	resp := &IntrospectionResponse{
		Active:    true,
		Scope:     claims.Scope,
		ClientID:  claims.ClientID,
		Subject:   claims.Subject,
		TokenType: TokenTypeBearer,
		Issuer:    claims.Issuer,
		JTI:       claims.ID,
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		resp.IssuedAt = claims.IssuedAt.Unix()
	}
	return resp
}

func (s *Server) introspectRefreshToken(ctx context.Context, raw string, now time.Time) *IntrospectionResponse {
	rt, err := s.tokenStore.GetRefreshToken(ctx, raw)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.Logger.Error("Failed to look up refresh token for introspection", "error", err)
			return inactive()
		}
		return nil
	}
	if rt.Revoked || security.IsExpired(rt.ExpiresAt, now, 0) {
		s.Logger.Debug("Introspected inactive refresh token",
			"token_prefix", util.TokenPrefix(raw),
			"revoked", rt.Revoked)
		return inactive()
	}
	return &IntrospectionResponse{
		Active:    true,
		Scope:     scope.Format(rt.Scopes),
		ClientID:  rt.ClientID,
		Subject:   rt.SubjectID,
		TokenType: TokenTypeHintRefreshToken,
		ExpiresAt: rt.ExpiresAt.Unix(),
		IssuedAt:  rt.IssuedAt.Unix(),
		Issuer:    s.Config.Issuer,
	}
}

// logRejectedToken logs verification failures at debug level and storage
// failures at error level.
func (s *Server) logRejectedToken(kind, raw string, err error) {
	if errors.Is(err, token.ErrInvalidToken) || errors.Is(err, token.ErrTokenExpired) || errors.Is(err, token.ErrTokenRevoked) {
		s.Logger.Debug("Rejected token",
			"token_type", kind,
			"token_prefix", util.TokenPrefix(raw),
			"reason", err)
		return
	}
	s.Logger.Error("Token check failed", "token_type", kind, "error", err)
}

// ============================================================
// Revocation
// ============================================================

// Revoke revokes raw on behalf of client (RFC 7009). A refresh token takes
// its whole family with it; an access token is revoked alone. Unknown
// tokens and tokens of other clients are ignored. Only storage failures
// are returned.
func (s *Server) Revoke(ctx context.Context, client *storage.Client, raw, hint string) error {
	ctx, span := s.tracer.Start(ctx, "oauth.revoke")
	defer span.End()

	if client == nil || raw == "" {
		return nil
	}
	instrumentation.AddOAuthFlowAttributes(span, client.ID, "", "")
	span.SetAttributes(attribute.String(instrumentation.AttrTokenTypeHint, hint))

	var err error
	switch {
	case isPersonalAccessToken(raw):
		_, err = s.revokePersonalAccessTokenForClient(ctx, client, raw)
	case hint == TokenTypeHintRefreshToken:
		var done bool
		if done, err = s.revokeRefreshToken(ctx, client, raw); err == nil && !done {
			_, err = s.revokeAccessToken(ctx, client, raw)
		}
	default:
		var done bool
		if done, err = s.revokeAccessToken(ctx, client, raw); err == nil && !done {
			_, err = s.revokeRefreshToken(ctx, client, raw)
		}
	}

	if err != nil {
		instrumentation.RecordError(span, err)
		s.Logger.Error("Token revocation failed", "client_id", client.ID, "error", err)
		return err
	}
	instrumentation.SetSpanSuccess(span)
	return nil
}

// revokeRefreshToken reports whether raw was a refresh token of client.
func (s *Server) revokeRefreshToken(ctx context.Context, client *storage.Client, raw string) (bool, error) {
	rt, err := s.tokenStore.GetRefreshToken(ctx, raw)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, repositoryError("get refresh token", err)
	}
	if rt.ClientID != client.ID {
		s.Logger.Warn("Client attempted to revoke another client's refresh token",
			"client_id", client.ID,
			"token_client_id", rt.ClientID)
		return true, nil
	}

	n, err := s.tokenStore.RevokeFamily(ctx, rt.FamilyID)
	if err != nil {
		return false, repositoryError("revoke family", err)
	}

	s.metrics.RecordTokenRevocation(ctx, client.ID, TokenTypeHintRefreshToken)
	s.metrics.RecordFamilyRevocation(ctx, "client_revocation")
	s.auditor.LogFamilyRevoked(rt.SubjectID, client.ID, rt.FamilyID, "client_revocation", n)
	s.Logger.Info("Revoked refresh token family",
		"client_id", client.ID,
		"family_id", rt.FamilyID,
		"revoked", n)
	return true, nil
}

// revokeAccessToken reports whether raw was an access token of client.
// Expired tokens are still recognised by signature.
func (s *Server) revokeAccessToken(ctx context.Context, client *storage.Client, raw string) (bool, error) {
	if !token.LooksLikeJWT(raw) {
		return false, nil
	}
	claims, err := s.issuer.Parse(raw)
	if err != nil {
		return false, nil
	}
	if claims.ClientID != client.ID {
		s.Logger.Warn("Client attempted to revoke another client's access token",
			"client_id", client.ID,
			"token_client_id", claims.ClientID)
		return true, nil
	}

	if err := s.tokenStore.RevokeAccessToken(ctx, claims.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return true, nil
		}
		return false, repositoryError("revoke access token", err)
	}

	s.metrics.RecordTokenRevocation(ctx, client.ID, TokenTypeHintAccessToken)
	s.auditor.LogTokenRevoked(claims.Subject, client.ID, TokenTypeHintAccessToken)
	s.Logger.Info("Revoked access token", "client_id", client.ID, "jti", claims.ID)
	return true, nil
}

func isPersonalAccessToken(raw string) bool {
	return strings.HasPrefix(raw, PersonalAccessTokenPrefix)
}
