package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/scope"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
	"github.com/giantswarm/oauth2-server/storage"
)

// Endpoint paths served by Routes.
const (
	EndpointAuthorize     = "/oauth/authorize"
	EndpointToken         = "/oauth/token"
	EndpointIntrospect    = "/oauth/introspect"
	EndpointRevoke        = "/oauth/revoke"
	EndpointMetadata      = "/.well-known/oauth-authorization-server"
	authMethodBasic       = "client_secret_basic"
	authMethodPost        = "client_secret_post"
	authMethodNone        = "none"
	challengeSchemeBasic  = "Basic"
	challengeSchemeBearer = "Bearer"
)

// SubjectResolver identifies the resource owner behind an authorization
// request, typically from a session cookie set by an external login UI.
// It returns an empty subject when nobody is logged in or consent was
// refused; errors are reserved for infrastructure failures.
type SubjectResolver interface {
	ResolveSubject(r *http.Request) (string, error)
}

// SubjectResolverFunc adapts a function to SubjectResolver.
type SubjectResolverFunc func(r *http.Request) (string, error)

// ResolveSubject calls f(r).
func (f SubjectResolverFunc) ResolveSubject(r *http.Request) (string, error) {
	return f(r)
}

// Handler is the HTTP adapter for the OAuth server.
type Handler struct {
	server   *server.Server
	subjects SubjectResolver
	config   *Config
	logger   *slog.Logger
}

// NewHandler creates a new HTTP handler. subjects may be nil, in which case
// every authorization request is answered with access_denied.
func NewHandler(srv *server.Server, subjects SubjectResolver, config *Config, logger *slog.Logger) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	config, err := applyHandlerDefaults(config, logger)
	if err != nil {
		return nil, err
	}

	return &Handler{
		server:   srv,
		subjects: subjects,
		config:   config,
		logger:   logger,
	}, nil
}

// tracer and metrics follow the server's current instrumentation, so
// Server.SetInstrumentation may be called before or after NewHandler.
func (h *Handler) tracer() trace.Tracer {
	return h.server.Instrumentation().Tracer("handler")
}

func (h *Handler) metrics() *instrumentation.Metrics {
	return h.server.Instrumentation().Metrics()
}

// Routes returns a mux serving every endpoint. Mount it at the root of the
// issuer URL.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(EndpointAuthorize, h.endpoint("authorize", EndpointAuthorize, h.ServeAuthorization))
	mux.Handle(EndpointToken, h.endpoint("token", EndpointToken, h.ServeToken))
	mux.Handle(EndpointIntrospect, h.endpoint("introspect", EndpointIntrospect, h.ServeTokenIntrospection))
	mux.Handle(EndpointRevoke, h.endpoint("revoke", EndpointRevoke, h.ServeTokenRevocation))
	mux.Handle(EndpointMetadata, h.endpoint("metadata", EndpointMetadata, h.ServeAuthorizationServerMetadata))
	return mux
}

// endpoint wraps fn with CORS preflight handling, a span and HTTP metrics.
func (h *Handler) endpoint(name, path string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			h.ServePreflightRequest(w, r)
			return
		}

		startTime := time.Now()
		ctx, span := h.tracer().Start(r.Context(), "oauth.http."+name)
		defer span.End()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h.setCORSHeaders(sw, r)
		fn(sw, r.WithContext(ctx))

		instrumentation.AddHTTPAttributes(span, r.Method, path, sw.status)
		if sw.status >= http.StatusInternalServerError {
			instrumentation.SetSpanError(span, http.StatusText(sw.status))
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		h.recordHTTPMetrics(ctx, path, r.Method, sw.status, startTime)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

// ============================================================
// Token endpoint
// ============================================================

// ServeToken handles POST /oauth/token (RFC 6749 section 3.2).
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	creds, err := h.parseClientForm(w, r)
	if err != nil {
		h.writeOAuthError(w, server.ToOAuthError(err), creds.challenge())
		return
	}

	req := &server.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		ClientID:     creds.clientID,
		ClientSecret: creds.clientSecret,
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Username:     r.PostForm.Get("username"),
		Password:     r.PostForm.Get("password"),
		Scope:        r.PostForm.Get("scope"),
		IPAddress:    h.clientIP(r),
	}

	set, err := h.server.Token(r.Context(), req)
	if err != nil {
		oerr := server.ToOAuthError(err)
		challenge := ""
		if oerr.Code == ErrorCodeInvalidClient {
			challenge = creds.challenge()
		}
		h.writeOAuthError(w, oerr, challenge)
		return
	}

	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  set.AccessToken,
		TokenType:    set.TokenType,
		ExpiresIn:    set.ExpiresIn,
		RefreshToken: set.RefreshToken,
		Scope:        scope.Format(set.Scopes),
	})
}

// ============================================================
// Authorization endpoint
// ============================================================

// ServeAuthorization handles GET /oauth/authorize (RFC 6749 section 4.1.1).
// Errors about the client or redirect_uri are rendered as JSON; every other
// error is sent back to the client's redirect_uri.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	for name, values := range query {
		if len(values) > 1 {
			h.writeOAuthError(w, ErrInvalidRequest(fmt.Sprintf("parameter %s must not be repeated", name)), "")
			return
		}
	}

	subjectID, err := h.resolveSubject(r)
	if err != nil {
		h.logger.Error("Failed to resolve resource owner", "error", err)
		h.writeOAuthError(w, ErrServerError("internal server error"), "")
		return
	}

	req := &server.AuthorizationRequest{
		ResponseType:        query.Get("response_type"),
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		Scope:               query.Get("scope"),
		State:               query.Get("state"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
		SubjectID:           subjectID,
		IPAddress:           h.clientIP(r),
	}

	code, err := h.server.Authorize(r.Context(), req)
	if err != nil {
		oerr := server.ToOAuthError(err)
		if !server.IsRedirectable(err) {
			h.writeOAuthError(w, oerr, "")
			return
		}
		params := url.Values{}
		params.Set("error", oerr.Code)
		params.Set("error_description", oerr.Description)
		h.redirect(w, r, req.RedirectURI, req.State, params)
		return
	}

	params := url.Values{}
	params.Set("code", code.Code)
	h.redirect(w, r, code.RedirectURI, req.State, params)
}

func (h *Handler) resolveSubject(r *http.Request) (string, error) {
	if h.subjects == nil {
		return "", nil
	}
	return h.subjects.ResolveSubject(r)
}

// redirect sends the authorization response to a validated redirect URI,
// keeping any query it already carries. iss is included per RFC 9207.
func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, redirectURI, state string, params url.Values) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		h.logger.Error("Validated redirect URI failed to parse", "error", err)
		h.writeOAuthError(w, ErrServerError("internal server error"), "")
		return
	}

	query := target.Query()
	for k, v := range params {
		query[k] = v
	}
	if state != "" {
		query.Set("state", state)
	}
	query.Set("iss", h.server.Issuer())
	target.RawQuery = query.Encode()

	security.SetSecurityHeaders(w, h.server.Issuer())
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// ============================================================
// Introspection and revocation
// ============================================================

// ServeTokenIntrospection handles POST /oauth/introspect (RFC 7662). The
// caller must authenticate as a confidential client.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	client, creds, ok := h.authenticateClient(w, r)
	if !ok {
		return
	}
	if !client.Confidential {
		h.logger.Warn("Public client attempted token introspection", "client_id", client.ID)
		h.writeOAuthError(w, ErrInvalidClient("client authentication failed"), creds.challenge())
		return
	}

	raw := r.PostForm.Get("token")
	if raw == "" {
		h.writeOAuthError(w, ErrInvalidRequest("token is required"), "")
		return
	}

	resp := h.server.Introspect(r.Context(), raw, r.PostForm.Get("token_type_hint"))
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeTokenRevocation handles POST /oauth/revoke (RFC 7009). Unknown tokens
// and tokens of other clients still get 200.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	client, _, ok := h.authenticateClient(w, r)
	if !ok {
		return
	}

	raw := r.PostForm.Get("token")
	if raw == "" {
		h.writeOAuthError(w, ErrInvalidRequest("token is required"), "")
		return
	}

	if err := h.server.Revoke(r.Context(), client, raw, r.PostForm.Get("token_type_hint")); err != nil {
		h.logger.Error("Token revocation failed",
			"client_id", client.ID,
			"token_prefix", util.TokenPrefix(raw),
			"error", err)
		h.writeOAuthError(w, ErrTemporarilyUnavailable("revocation is temporarily unavailable"), "")
		return
	}

	security.SetSecurityHeaders(w, h.server.Issuer())
	w.WriteHeader(http.StatusOK)
}

// ============================================================
// Metadata
// ============================================================

// ServeAuthorizationServerMetadata handles GET
// /.well-known/oauth-authorization-server (RFC 8414).
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := strings.TrimSuffix(h.server.Issuer(), "/")
	grantTypes := make([]string, 0, len(server.SupportedGrantTypes))
	for _, g := range server.SupportedGrantTypes {
		grantTypes = append(grantTypes, g.String())
	}

	meta := AuthorizationServerMetadata{
		Issuer:                                     issuer,
		AuthorizationEndpoint:                      issuer + EndpointAuthorize,
		TokenEndpoint:                              issuer + EndpointToken,
		IntrospectionEndpoint:                      issuer + EndpointIntrospect,
		RevocationEndpoint:                         issuer + EndpointRevoke,
		ScopesSupported:                            h.server.Config.SupportedScopes,
		ResponseTypesSupported:                     []string{server.ResponseTypeCode},
		GrantTypesSupported:                        grantTypes,
		TokenEndpointAuthMethodsSupported:          []string{authMethodBasic, authMethodPost, authMethodNone},
		CodeChallengeMethodsSupported:              h.server.Config.PKCEMethodsSupported(),
		IntrospectionEndpointAuthMethodsSupported:  []string{authMethodBasic, authMethodPost},
		RevocationEndpointAuthMethodsSupported:     []string{authMethodBasic, authMethodPost, authMethodNone},
		AuthorizationResponseIssParameterSupported: true,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if err := json.NewEncoder(w).Encode(meta); err != nil {
		h.logger.Error("Failed to encode metadata", "error", err)
	}
}

// ============================================================
// Client authentication
// ============================================================

// clientCredentials are the client_id and client_secret of a request and
// the method used to send them.
type clientCredentials struct {
	clientID     string
	clientSecret string
	basic        bool
	realm        string
}

// challenge is the WWW-Authenticate value for a failed client
// authentication. RFC 6749 section 5.2 requires it only for Basic.
func (c clientCredentials) challenge() string {
	if !c.basic {
		return ""
	}
	return formatWWWAuthenticate(challengeSchemeBasic, [][2]string{{"realm", c.realm}})
}

// parseClientForm reads the form body and the client credentials. Using
// more than one authentication method in a request is an error.
func (h *Handler) parseClientForm(w http.ResponseWriter, r *http.Request) (clientCredentials, error) {
	creds := clientCredentials{realm: h.config.Realm}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		return creds, fmt.Errorf("%w: malformed form body: %w", server.ErrInvalidRequest, err)
	}

	if user, pass, ok := r.BasicAuth(); ok {
		creds.basic = true
		id, err := url.QueryUnescape(user)
		if err != nil {
			return creds, fmt.Errorf("%w: malformed basic credentials", server.ErrClientAuthenticationFailed)
		}
		secret, err := url.QueryUnescape(pass)
		if err != nil {
			return creds, fmt.Errorf("%w: malformed basic credentials", server.ErrClientAuthenticationFailed)
		}
		if r.PostForm.Get("client_secret") != "" {
			return creds, fmt.Errorf("%w: multiple client authentication methods", server.ErrInvalidRequest)
		}
		if formID := r.PostForm.Get("client_id"); formID != "" && formID != id {
			return creds, fmt.Errorf("%w: client_id does not match basic credentials", server.ErrInvalidRequest)
		}
		creds.clientID, creds.clientSecret = id, secret
		return creds, nil
	}

	creds.clientID = r.PostForm.Get("client_id")
	creds.clientSecret = r.PostForm.Get("client_secret")
	return creds, nil
}

// authenticateClient parses the form and authenticates the calling client.
// On failure the error response has been written and ok is false.
func (h *Handler) authenticateClient(w http.ResponseWriter, r *http.Request) (*storage.Client, clientCredentials, bool) {
	creds, err := h.parseClientForm(w, r)
	if err != nil {
		h.writeOAuthError(w, server.ToOAuthError(err), creds.challenge())
		return nil, creds, false
	}

	client, err := h.server.AuthenticateClient(r.Context(), creds.clientID, creds.clientSecret, h.clientIP(r))
	if err != nil {
		oerr := server.ToOAuthError(err)
		challenge := ""
		if oerr.Code == ErrorCodeInvalidClient {
			challenge = creds.challenge()
		}
		h.writeOAuthError(w, oerr, challenge)
		return nil, creds, false
	}
	return client, creds, true
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.ClientIP(r, h.config.TrustedProxyCount)
}

// ============================================================
// Response helpers
// ============================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.server.Issuer())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeOAuthError renders oerr as a JSON error body. challenge, when set,
// becomes the WWW-Authenticate header.
func (h *Handler) writeOAuthError(w http.ResponseWriter, oerr *OAuthError, challenge string) {
	if challenge != "" {
		w.Header().Set("WWW-Authenticate", challenge)
	}
	h.writeJSON(w, oerr.Status, ErrorResponse{
		Error:            oerr.Code,
		ErrorDescription: oerr.Description,
	})
}

// formatWWWAuthenticate builds an RFC 7235 challenge. Parameters with an
// empty value are skipped.
func formatWWWAuthenticate(scheme string, params [][2]string) string {
	var parts []string
	for _, p := range params {
		if p[1] == "" {
			continue
		}
		parts = append(parts, p[0]+`="`+escapeQuotedString(p[1])+`"`)
	}
	if len(parts) == 0 {
		return scheme
	}
	return scheme + " " + strings.Join(parts, ", ")
}

func escapeQuotedString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// ============================================================
// CORS
// ============================================================

func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(h.config.CORS.AllowedOrigins) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	if !h.isAllowedOrigin(origin) {
		h.logger.Debug("CORS request from disallowed origin", "origin", origin)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	if h.config.CORS.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", strconv.Itoa(h.config.CORS.MaxAge))
}

func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.config.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServePreflightRequest handles CORS preflight (OPTIONS) requests.
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodOptions {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNoContent)
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	duration := float64(time.Since(startTime).Microseconds()) / 1000
	h.metrics().RecordHTTPRequest(ctx, method, endpoint, status, duration)
}
