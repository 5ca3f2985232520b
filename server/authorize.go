package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/scope"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/token"
)

// ResponseTypeCode is the only supported response_type.
const ResponseTypeCode = "code"

// AuthorizationRequest is a decoded authorization endpoint request for an
// already authenticated resource owner.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string

	// SubjectID is the authenticated resource owner. Empty means the owner
	// did not authenticate or denied consent.
	SubjectID string

	IPAddress string
}

// Authorize validates req and issues an authorization code. The returned
// error is always an *OAuthError; use IsRedirectable to decide whether it
// may be sent to the redirect_uri.
func (s *Server) Authorize(ctx context.Context, req *AuthorizationRequest) (*storage.AuthorizationCode, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.authorize")
	defer span.End()

	code, err := s.authorize(ctx, req)
	if err != nil {
		oerr := ToOAuthError(err)
		if oerr.Code == ErrorCodeServerError {
			s.Logger.Error("Authorization request failed", "client_id", req.ClientID, "error", err)
			instrumentation.RecordError(span, err)
		} else {
			s.Logger.Debug("Authorization request rejected",
				"client_id", req.ClientID,
				"oauth_error", oerr.Code,
				"reason", err)
			instrumentation.SetSpanError(span, oerr.Code)
		}
		return nil, oerr
	}

	instrumentation.AddOAuthFlowAttributes(span, code.ClientID, code.SubjectID, scope.Format(code.Scopes))
	instrumentation.AddPKCEAttributes(span, code.CodeChallengeMethod)
	instrumentation.SetSpanSuccess(span)
	return code, nil
}

func (s *Server) authorize(ctx context.Context, req *AuthorizationRequest) (*storage.AuthorizationCode, error) {
	if req.ClientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", ErrUnknownClient)
	}

	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownClient, req.ClientID)
		}
		return nil, repositoryError("get client", err)
	}
	if client.Revoked {
		return nil, fmt.Errorf("%w: client %q is revoked", ErrUnknownClient, client.ID)
	}

	// Exact match against the registered set; anything else must never be
	// redirected to.
	if req.RedirectURI == "" || !client.HasRedirectURI(req.RedirectURI) {
		return nil, &RedirectURIError{
			Category: RedirectURIErrorCategoryNotRegistered,
			URI:      sanitizeURIForLogging(req.RedirectURI),
			Reason:   "redirect_uri is not registered for the client",
		}
	}

	if req.ResponseType != ResponseTypeCode {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedResponseType, req.ResponseType)
	}
	if !client.AllowsGrantType(GrantTypeAuthorizationCode.String()) {
		return nil, fmt.Errorf("%w: client %q may not use authorization_code", ErrUnauthorizedClient, client.ID)
	}

	scopes, err := grantScopes(req.Scope, client.AllowedScopes)
	if err != nil {
		return nil, err
	}

	method := security.NormalizePKCEMethod(req.CodeChallenge, req.CodeChallengeMethod)
	if err := security.ValidatePKCEMethod(method, s.pkceOptions()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if method == security.PKCEMethodNone && (!client.Confidential || s.Config.RequirePKCEForConfidentialClients) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, security.ErrPKCEChallengeRequired)
	}

	if req.SubjectID == "" {
		return nil, fmt.Errorf("%w: resource owner not authenticated", ErrAccessDenied)
	}

	raw, err := token.IssueOpaque(token.MinOpaqueBytes)
	if err != nil {
		return nil, fmt.Errorf("issue authorization code: %w", err)
	}
	now := s.clock.Now()
	code := &storage.AuthorizationCode{
		Code:                raw,
		ClientID:            client.ID,
		SubjectID:           req.SubjectID,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		FamilyID:            uuid.NewString(),
		IssuedAt:            now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeLifetime()),
	}
	if err := s.codeStore.SaveAuthorizationCode(ctx, code); err != nil {
		return nil, repositoryError("save authorization code", err)
	}

	s.metrics.RecordAuthorizationCodeIssued(ctx, client.ID, method)
	s.audit(ctx, security.Event{
		Type:      security.EventAuthorizationCodeIssued,
		SubjectID: req.SubjectID,
		ClientID:  client.ID,
		IPAddress: req.IPAddress,
		Details:   map[string]any{"pkce_method": method},
	})
	s.Logger.Debug("Issued authorization code",
		"client_id", client.ID,
		"code_prefix", util.TokenPrefix(raw),
		"scope", scope.Format(scopes))
	return code, nil
}

// IsRedirectable reports whether an Authorize error may be delivered to
// the redirect_uri. Errors about the client or the redirect_uri itself are
// shown to the user agent instead.
func IsRedirectable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrUnknownClient) &&
		!errors.Is(err, ErrInvalidRedirectURI) &&
		!errors.Is(err, ErrClientAuthenticationFailed) &&
		!errors.Is(err, ErrRepository)
}
