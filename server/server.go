package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/scope"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/token"
)

// TokenTypeBearer is the token_type of every access token.
const TokenTypeBearer = "Bearer"

// Server implements the OAuth 2.0 authorization server logic. It is
// transport agnostic; the root package adapts it to HTTP.
type Server struct {
	clientStore storage.ClientStore
	codeStore   storage.CodeStore
	tokenStore  storage.TokenStore

	issuer  *token.Issuer
	hasher  *security.Hasher
	auditor *security.Auditor
	clock   security.Clock
	users   UserAuthenticator
	grants  map[GrantType]grantHandler

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	metrics         *instrumentation.Metrics

	Logger *slog.Logger
	Config *Config
}

// New creates a new OAuth server. Zero config fields get secure defaults;
// Issuer and a SigningKey of at least 32 bytes are required.
func New(
	clientStore storage.ClientStore,
	codeStore storage.CodeStore,
	tokenStore storage.TokenStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if codeStore == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = &Config{}
	}

	config = applySecureDefaults(config, logger)

	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	issuer, err := token.NewIssuer(config.Issuer, config.SigningKey, tokenStore)
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}

	inst, err := instrumentation.New(instrumentation.Config{Enabled: false})
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation: %w", err)
	}

	srv := &Server{
		clientStore: clientStore,
		codeStore:   codeStore,
		tokenStore:  tokenStore,
		issuer:      issuer,
		hasher:      security.NewHasher(security.DefaultHashParams(), logger),
		auditor:     security.NewAuditor(logger, !config.DisableAuditLogging),
		clock:       security.SystemClock{},
		Logger:      logger,
		Config:      config,
	}
	srv.setInstrumentation(inst)

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	srv.grants = map[GrantType]grantHandler{
		GrantTypeAuthorizationCode: &authorizationCodeGrant{srv},
		GrantTypeClientCredentials: &clientCredentialsGrant{srv},
		GrantTypePassword:          &passwordGrant{srv},
		GrantTypeRefreshToken:      &refreshTokenGrant{srv},
	}

	return srv, nil
}

// SetAuditor replaces the security auditor.
func (s *Server) SetAuditor(aud *security.Auditor) {
	if aud != nil {
		s.auditor = aud
	}
}

// Auditor returns the security auditor.
func (s *Server) Auditor() *security.Auditor {
	return s.auditor
}

// SetHasher replaces the secret hasher. Tests use cheap parameters.
func (s *Server) SetHasher(h *security.Hasher) {
	if h != nil {
		s.hasher = h
	}
}

// Hasher returns the secret hasher.
func (s *Server) Hasher() *security.Hasher {
	return s.hasher
}

// SetClock replaces the time source for expiry checks and issued tokens.
func (s *Server) SetClock(clock security.Clock) {
	if clock != nil {
		s.clock = clock
	}
}

// Now returns the current time according to the server clock.
func (s *Server) Now() time.Time {
	return s.clock.Now()
}

// SetUserAuthenticator enables the password grant.
func (s *Server) SetUserAuthenticator(users UserAuthenticator) {
	s.users = users
}

// SetInstrumentation sets OpenTelemetry instrumentation for the server.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		s.setInstrumentation(inst)
	}
}

func (s *Server) setInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	s.tracer = inst.Tracer("server")
	s.metrics = inst.Metrics()
}

// Instrumentation returns the instrumentation in use. Never nil.
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// Issuer returns the issuer identifier.
func (s *Server) Issuer() string {
	return s.Config.Issuer
}

// ============================================================
// Token endpoint
// ============================================================

// Token authenticates the client and exchanges the grant for a token set.
// The returned error is always an *OAuthError.
func (s *Server) Token(ctx context.Context, req *TokenRequest) (*TokenSet, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.token")
	defer span.End()

	if req == nil {
		req = &TokenRequest{}
	}
	now := s.clock.Now()

	grantType, err := ParseGrantType(req.GrantType)
	if err != nil {
		return nil, s.tokenFailure(ctx, span, req, err)
	}
	span.SetAttributes(attribute.String(instrumentation.AttrGrantType, grantType.String()))

	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, req.IPAddress)
	if err != nil {
		return nil, s.tokenFailure(ctx, span, req, err)
	}

	if !client.AllowsGrantType(grantType.String()) {
		return nil, s.tokenFailure(ctx, span, req,
			fmt.Errorf("%w: client %q may not use %s", ErrUnauthorizedClient, client.ID, grantType))
	}

	set, err := s.grants[grantType].exchange(ctx, client, req, now)
	if err != nil {
		return nil, s.tokenFailure(ctx, span, req, err)
	}

	instrumentation.AddOAuthFlowAttributes(span, client.ID, set.SubjectID, scope.Format(set.Scopes))
	instrumentation.SetSpanSuccess(span)
	s.metrics.RecordTokenIssued(ctx, client.ID, grantType.String())
	if s.auditor.LogTokenIssued(set.SubjectID, client.ID, req.IPAddress, grantType.String(), scope.Format(set.Scopes)) {
		s.metrics.RecordAuditEvent(ctx, security.EventTokenIssued)
	}

	s.Logger.Info("Issued tokens",
		"client_id", client.ID,
		"grant_type", grantType.String(),
		"scope", scope.Format(set.Scopes))
	return set, nil
}

// tokenFailure maps err, logs it at the level matching its severity and
// records the failure.
func (s *Server) tokenFailure(ctx context.Context, span trace.Span, req *TokenRequest, err error) *OAuthError {
	oerr := ToOAuthError(err)

	if oerr.Code == ErrorCodeServerError {
		s.Logger.Error("Token request failed",
			"client_id", req.ClientID,
			"grant_type", req.GrantType,
			"error", err)
		instrumentation.RecordError(span, err)
	} else {
		s.Logger.Debug("Token request rejected",
			"client_id", req.ClientID,
			"grant_type", req.GrantType,
			"oauth_error", oerr.Code,
			"reason", err)
		instrumentation.SetSpanError(span, oerr.Code)
	}

	s.metrics.RecordTokenRequestFailed(ctx, req.GrantType, oerr.Code)
	return oerr
}

// ============================================================
// Client authentication
// ============================================================

// AuthenticateClient checks client credentials for the token, introspection
// and revocation endpoints. Public clients authenticate with their id alone.
// The returned error is always an *OAuthError.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret, ipAddress string) (*storage.Client, error) {
	client, err := s.authenticateClient(ctx, clientID, clientSecret, ipAddress)
	if err != nil {
		oerr := ToOAuthError(err)
		if oerr.Code == ErrorCodeServerError {
			s.Logger.Error("Client authentication failed", "client_id", clientID, "error", err)
		}
		return nil, oerr
	}
	return client, nil
}

func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret, ipAddress string) (*storage.Client, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", ErrClientAuthenticationFailed)
	}

	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, repositoryError("get client", err)
		}
		// Same amount of work as a wrong secret for a known client.
		s.hasher.DummyVerify(ctx, clientSecret)
		s.authFailure(ctx, clientID, ipAddress, "unknown_client")
		return nil, fmt.Errorf("%w: %q", ErrUnknownClient, clientID)
	}

	if !client.Confidential {
		if client.Revoked {
			s.authFailure(ctx, clientID, ipAddress, "client_revoked")
			return nil, fmt.Errorf("%w: client revoked", ErrClientAuthenticationFailed)
		}
		return client, nil
	}

	if clientSecret == "" {
		s.hasher.DummyVerify(ctx, "")
		s.authFailure(ctx, clientID, ipAddress, "missing_secret")
		return nil, fmt.Errorf("%w: client_secret is required", ErrClientAuthenticationFailed)
	}

	start := time.Now()
	ok, err := s.hasher.Verify(ctx, clientSecret, client.SecretHash)
	s.metrics.RecordHash(ctx, "verify", float64(time.Since(start).Microseconds())/1000)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: verify client secret: %w", ErrRepository, ctxErr)
		}
		s.Logger.Warn("Stored client secret hash is unusable", "client_id", clientID, "error", err)
		ok = false
	}
	if !ok {
		s.authFailure(ctx, clientID, ipAddress, "invalid_secret")
		return nil, fmt.Errorf("%w: secret mismatch", ErrClientAuthenticationFailed)
	}

	// Checked after the secret so a revoked client is indistinguishable
	// from a wrong secret to an unauthenticated caller.
	if client.Revoked {
		s.authFailure(ctx, clientID, ipAddress, "client_revoked")
		return nil, fmt.Errorf("%w: client revoked", ErrClientAuthenticationFailed)
	}

	return client, nil
}

func (s *Server) authFailure(ctx context.Context, clientID, ipAddress, reason string) {
	s.Logger.Warn("Client authentication failed", "client_id", clientID, "reason", reason)
	if s.auditor.LogAuthFailure("", clientID, ipAddress, reason) {
		s.metrics.RecordAuditEvent(ctx, security.EventAuthFailure)
	}
}

// ============================================================
// Token issuance
// ============================================================

// issueTokens mints an access token and, when familyID is set, a refresh
// token in that family. Nothing is persisted.
func (s *Server) issueTokens(client *storage.Client, subjectID string, scopes []string, familyID string, generation int, now time.Time) (*TokenSet, *storage.AccessToken, *storage.RefreshToken, error) {
	raw, jti, expiresAt, err := s.issuer.IssueAccessToken(client.ID, subjectID, scopes, s.Config.AccessTokenLifetime(), now)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("issue access token: %w", err)
	}

	access := &storage.AccessToken{
		JTI:       jti,
		ClientID:  client.ID,
		SubjectID: subjectID,
		Scopes:    scopes,
		FamilyID:  familyID,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}
	set := &TokenSet{
		AccessToken: raw,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   s.Config.AccessTokenTTL,
		Scopes:      scopes,
		JTI:         jti,
		SubjectID:   subjectID,
		FamilyID:    familyID,
		ExpiresAt:   expiresAt,
	}

	if familyID == "" {
		return set, access, nil, nil
	}

	opaque, err := token.IssueOpaque(token.MinOpaqueBytes)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("issue refresh token: %w", err)
	}
	refresh := &storage.RefreshToken{
		Token:          opaque,
		AccessTokenJTI: jti,
		ClientID:       client.ID,
		SubjectID:      subjectID,
		Scopes:         scopes,
		FamilyID:       familyID,
		Generation:     generation,
		IssuedAt:       now,
		ExpiresAt:      now.Add(s.Config.RefreshTokenLifetime()),
	}
	set.RefreshToken = opaque
	return set, access, refresh, nil
}

// persistTokens stores a freshly minted pair.
func (s *Server) persistTokens(ctx context.Context, access *storage.AccessToken, refresh *storage.RefreshToken) error {
	if err := s.tokenStore.SaveAccessToken(ctx, access); err != nil {
		return repositoryError("save access token", err)
	}
	if refresh == nil {
		return nil
	}
	if err := s.tokenStore.SaveRefreshToken(ctx, refresh); err != nil {
		// Orphaned access token would still be valid without its pair.
		if rerr := s.tokenStore.RevokeAccessToken(ctx, access.JTI); rerr != nil {
			s.Logger.Error("Failed to revoke orphaned access token", "jti", access.JTI, "error", rerr)
		}
		return repositoryError("save refresh token", err)
	}
	return nil
}

// grantScopes resolves the requested scope against the allowed patterns.
// An empty request grants the allowed scopes.
func grantScopes(requested string, allowed []string) ([]string, error) {
	scopes := scope.Parse(requested)
	if len(scopes) == 0 {
		return append([]string(nil), allowed...), nil
	}
	if err := scope.Validate(scopes, allowed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidScope, err)
	}
	return scopes, nil
}

// ============================================================
// Replay handling
// ============================================================

// revokeFamilyOnReplay revokes familyID unless replay revocation is disabled.
func (s *Server) revokeFamilyOnReplay(ctx context.Context, clientID, subjectID, familyID, reason string) {
	if familyID == "" {
		return
	}
	if s.Config.DisableReplayFamilyRevocation {
		s.Logger.Warn("Replay detected, family revocation disabled",
			"client_id", clientID,
			"family_id", familyID,
			"reason", reason)
		return
	}

	n, err := s.tokenStore.RevokeFamily(ctx, familyID)
	if err != nil {
		s.Logger.Error("Failed to revoke token family after replay",
			"client_id", clientID,
			"family_id", familyID,
			"error", err)
		return
	}

	s.metrics.RecordFamilyRevocation(ctx, reason)
	s.auditor.LogFamilyRevoked(subjectID, clientID, familyID, reason, n)
	s.Logger.Warn("Revoked token family after replay",
		"client_id", clientID,
		"family_id", familyID,
		"reason", reason,
		"revoked", n)
}

// audit writes event and counts it when it was not throttled.
func (s *Server) audit(ctx context.Context, event security.Event) {
	if s.auditor.LogEvent(event) {
		s.metrics.RecordAuditEvent(ctx, event.Type)
	}
}

// pkceOptions returns the verifier rules in effect.
func (s *Server) pkceOptions() security.PKCEOptions {
	return security.PKCEOptions{
		StrictLength: s.Config.StrictPKCEVerifierLength,
		DisablePlain: s.Config.DisablePKCEPlain,
	}
}
