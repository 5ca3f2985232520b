package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/memory"
	"github.com/giantswarm/oauth2-server/storage/mock"
)

var testSigningKey = []byte("0123456789abcdef0123456789abcdef")

const (
	testIssuer         = "https://auth.example.com"
	testPublicClientID = "public-app"
)

// testHandlerSetup holds common handler test dependencies
type testHandlerSetup struct {
	handler *Handler
	mux     http.Handler
	clock   *testutil.MockTime

	// subject is what the resource owner resolver returns.
	subject string
}

// setupTestHandler creates a handler over store with the confidential
// fixture client (app1) and a public client (public-app) registered.
func setupTestHandler(t *testing.T, store storage.Store, mutate ...func(*server.Config, *Config)) *testHandlerSetup {
	t.Helper()

	config := &server.Config{
		Issuer:     testIssuer,
		SigningKey: testSigningKey,
	}
	handlerConfig := &Config{}
	for _, m := range mutate {
		m(config, handlerConfig)
	}

	srv, err := server.New(store, store, store, config, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	setup := &testHandlerSetup{
		clock:   testutil.NewMockTime(time.Now()),
		subject: testutil.TestSubjectID,
	}
	srv.SetClock(setup.clock)
	srv.SetHasher(testutil.NewFastHasher())

	resolver := SubjectResolverFunc(func(*http.Request) (string, error) {
		return setup.subject, nil
	})
	setup.handler, err = NewHandler(srv, resolver, handlerConfig, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	setup.mux = setup.handler.Routes()

	confidential := testutil.GenerateConfidentialClient(testutil.HashSecret(t, testutil.TestClientSecret))
	public := testutil.GenerateTestClient()
	public.ID = testPublicClientID
	for _, c := range []*storage.Client{confidential, public} {
		if err := store.SaveClient(context.Background(), c); err != nil {
			t.Fatalf("SaveClient() error = %v", err)
		}
	}
	return setup
}

func newMemoryStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)
	return store
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error body %q: %v", rr.Body.String(), err)
	}
	return resp
}

func decodeToken(t *testing.T, rr *httptest.ResponseRecorder) TokenResponse {
	t.Helper()
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rr.Code, rr.Body.String())
	}
	var resp TokenResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode token body: %v", err)
	}
	return resp
}

func clientCredentialsForm(scope string) url.Values {
	form := url.Values{"grant_type": {"client_credentials"}}
	if scope != "" {
		form.Set("scope", scope)
	}
	return form
}

// authorize runs the authorization endpoint and returns the redirect query.
func (s *testHandlerSetup) authorize(t *testing.T, params url.Values) url.Values {
	t.Helper()
	rr := testutil.NewHTTPRequest(http.MethodGet, EndpointAuthorize+"?"+params.Encode()).Do(s.mux)
	if rr.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, want 302 (body %s)", rr.Code, rr.Body.String())
	}
	location, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad Location header: %v", err)
	}
	return location.Query()
}

func authorizeParams(clientID, challenge, method string) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {testutil.TestRedirectURI},
		"scope":                 {"read"},
		"state":                 {"xyz"},
		"code_challenge":        {challenge},
		"code_challenge_method": {method},
	}
}

func TestNewHandler(t *testing.T) {
	if _, err := NewHandler(nil, nil, nil, nil); err == nil {
		t.Error("expected error for nil server")
	}

	setup := setupTestHandler(t, newMemoryStore(t))
	if setup.handler.logger == nil {
		t.Error("logger should not be nil")
	}
	testutil.AssertEqual(t, setup.handler.config.Realm, DefaultRealm)
	if setup.handler.Server() == nil {
		t.Error("Server() returned nil")
	}
}

func TestNew(t *testing.T) {
	h, err := New(newMemoryStore(t), &server.Config{Issuer: testIssuer, SigningKey: testSigningKey}, nil, nil, testutil.DiscardLogger())
	testutil.AssertNoError(t, err)
	if h.Routes() == nil {
		t.Fatal("Routes() returned nil")
	}

	if _, err := New(newMemoryStore(t), &server.Config{Issuer: testIssuer, SigningKey: []byte("short")}, nil, nil, nil); err == nil {
		t.Error("expected error for weak signing key")
	}
}

func TestHandler_InstrumentationSetAfterNewHandler(t *testing.T) {
	setup := setupTestHandler(t, newMemoryStore(t))

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true, TracerProvider: tp})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	setup.handler.Server().SetInstrumentation(inst)

	rr := testutil.NewHTTPRequest(http.MethodGet, EndpointMetadata).Do(setup.mux)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	if len(names) != 1 || names[0] != "oauth.http.metadata" {
		t.Errorf("ended spans = %v, want [oauth.http.metadata]", names)
	}
}

func TestHandler_ServeToken_ClientCredentials(t *testing.T) {
	tests := []struct {
		name    string
		request *testutil.HTTPRequest
	}{
		{
			name: "basic auth",
			request: testutil.NewHTTPRequest(http.MethodPost, EndpointToken).
				WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
				WithForm(clientCredentialsForm("read")),
		},
		{
			name: "form credentials",
			request: testutil.NewHTTPRequest(http.MethodPost, EndpointToken).
				WithForm(url.Values{
					"grant_type":    {"client_credentials"},
					"scope":         {"read"},
					"client_id":     {testutil.TestClientID},
					"client_secret": {testutil.TestClientSecret},
				}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setup := setupTestHandler(t, newMemoryStore(t))

			rr := tt.request.Do(setup.mux)
			resp := decodeToken(t, rr)

			testutil.AssertEqual(t, resp.TokenType, "Bearer")
			testutil.AssertEqual(t, resp.ExpiresIn, int64(3600))
			testutil.AssertEqual(t, resp.Scope, "read")
			testutil.AssertEqual(t, resp.RefreshToken, "")
			if resp.AccessToken == "" {
				t.Error("access_token is empty")
			}
			testutil.AssertEqual(t, rr.Header().Get("Cache-Control"), "no-store")
			testutil.AssertEqual(t, rr.Header().Get("Content-Type"), "application/json")
		})
	}
}

func TestHandler_ServeToken_Errors(t *testing.T) {
	tests := []struct {
		name          string
		request       *testutil.HTTPRequest
		wantStatus    int
		wantCode      string
		wantChallenge string
	}{
		{
			name: "wrong secret with basic auth",
			request: testutil.NewHTTPRequest(http.MethodPost, EndpointToken).
				WithBasicAuth(testutil.TestClientID, "wrong").
				WithForm(clientCredentialsForm("")),
			wantStatus:    http.StatusUnauthorized,
			wantCode:      ErrorCodeInvalidClient,
			wantChallenge: `Basic realm="oauth2-server"`,
		},
		{
			name: "wrong secret in form",
			request: testutil.NewHTTPRequest(http.MethodPost, EndpointToken).
				WithForm(url.Values{
					"grant_type":    {"client_credentials"},
					"client_id":     {testutil.TestClientID},
					"client_secret": {"wrong"},
				}),
			wantStatus: http.StatusUnauthorized,
			wantCode:   ErrorCodeInvalidClient,
		},
		{
			name: "unknown client",
			request: testutil.NewHTTPRequest(http.MethodPost, EndpointToken).
				WithBasicAuth("ghost", "secret").
				WithForm(clientCredentialsForm("")),
			wantStatus:    http.StatusUnauthorized,
			wantCode:      ErrorCodeInvalidClient,
			wantChallenge: `Basic realm="oauth2-server"`,
		},
		{
			name: "two authentication methods",
			request: testutil.NewHTTPRequest(http.MethodPost, EndpointToken).
				WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
				WithForm(url.Values{
					"grant_type":    {"client_credentials"},
					"client_secret": {testutil.TestClientSecret},
				}),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
		},
		{
			name: "missing grant type",
			request: testutil.NewHTTPRequest(http.MethodPost, EndpointToken).
				WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
				WithForm(url.Values{}),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
		},
		{
			name: "unsupported grant type",
			request: testutil.NewHTTPRequest(http.MethodPost, EndpointToken).
				WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
				WithForm(url.Values{"grant_type": {"implicit"}}),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeUnsupportedGrantType,
		},
		{
			name: "scope outside client",
			request: testutil.NewHTTPRequest(http.MethodPost, EndpointToken).
				WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
				WithForm(clientCredentialsForm("admin")),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidScope,
		},
		{
			name: "public client cannot use client credentials",
			request: testutil.NewHTTPRequest(http.MethodPost, EndpointToken).
				WithForm(url.Values{
					"grant_type": {"client_credentials"},
					"client_id":  {testPublicClientID},
				}),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeUnauthorizedClient,
		},
		{
			name: "unknown authorization code",
			request: testutil.NewHTTPRequest(http.MethodPost, EndpointToken).
				WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
				WithForm(url.Values{
					"grant_type":   {"authorization_code"},
					"code":         {"does-not-exist"},
					"redirect_uri": {testutil.TestRedirectURI},
				}),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setup := setupTestHandler(t, newMemoryStore(t))

			rr := tt.request.Do(setup.mux)
			testutil.AssertEqual(t, rr.Code, tt.wantStatus)
			testutil.AssertEqual(t, decodeError(t, rr).Error, tt.wantCode)
			testutil.AssertEqual(t, rr.Header().Get("WWW-Authenticate"), tt.wantChallenge)
			testutil.AssertEqual(t, rr.Header().Get("Cache-Control"), "no-store")
		})
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	setup := setupTestHandler(t, newMemoryStore(t))

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, EndpointToken},
		{http.MethodPost, EndpointAuthorize},
		{http.MethodGet, EndpointIntrospect},
		{http.MethodGet, EndpointRevoke},
		{http.MethodPost, EndpointMetadata},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := testutil.NewHTTPRequest(tt.method, tt.path).Do(setup.mux)
			testutil.AssertEqual(t, rr.Code, http.StatusMethodNotAllowed)
		})
	}
}

func TestHandler_ServeAuthorization(t *testing.T) {
	setup := setupTestHandler(t, newMemoryStore(t))
	challenge, _ := testutil.GeneratePKCEPair()

	query := setup.authorize(t, authorizeParams(testPublicClientID, challenge, security.PKCEMethodS256))

	if len(query.Get("code")) < 43 {
		t.Errorf("code %q is too short", query.Get("code"))
	}
	testutil.AssertEqual(t, query.Get("state"), "xyz")
	testutil.AssertEqual(t, query.Get("iss"), testIssuer)
	if query.Get("error") != "" {
		t.Errorf("unexpected error %q", query.Get("error"))
	}
}

func TestHandler_ServeAuthorization_KeepsRedirectQuery(t *testing.T) {
	store := newMemoryStore(t)
	setup := setupTestHandler(t, store)

	client := testutil.GenerateTestClient()
	client.ID = "query-app"
	client.RedirectURIs = []string{"https://app.example.com/cb?tenant=acme"}
	testutil.AssertNoError(t, store.SaveClient(context.Background(), client))

	challenge, _ := testutil.GeneratePKCEPair()
	params := authorizeParams("query-app", challenge, security.PKCEMethodS256)
	params.Set("redirect_uri", "https://app.example.com/cb?tenant=acme")

	query := setup.authorize(t, params)
	testutil.AssertEqual(t, query.Get("tenant"), "acme")
	if query.Get("code") == "" {
		t.Error("code missing from redirect")
	}
}

func TestHandler_ServeAuthorization_RedirectedErrors(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(url.Values)
		subject  string
		wantCode string
	}{
		{
			name:     "scope not allowed",
			mutate:   func(v url.Values) { v.Set("scope", "admin") },
			subject:  testutil.TestSubjectID,
			wantCode: ErrorCodeInvalidScope,
		},
		{
			name:     "unsupported response type",
			mutate:   func(v url.Values) { v.Set("response_type", "token") },
			subject:  testutil.TestSubjectID,
			wantCode: ErrorCodeUnsupportedResponseType,
		},
		{
			name:     "public client without challenge",
			mutate:   func(v url.Values) { v.Del("code_challenge"); v.Del("code_challenge_method") },
			subject:  testutil.TestSubjectID,
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "resource owner not logged in",
			mutate:   func(url.Values) {},
			subject:  "",
			wantCode: ErrorCodeAccessDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setup := setupTestHandler(t, newMemoryStore(t))
			setup.subject = tt.subject

			challenge, _ := testutil.GeneratePKCEPair()
			params := authorizeParams(testPublicClientID, challenge, security.PKCEMethodS256)
			tt.mutate(params)

			query := setup.authorize(t, params)
			testutil.AssertEqual(t, query.Get("error"), tt.wantCode)
			testutil.AssertEqual(t, query.Get("state"), "xyz")
			if query.Get("code") != "" {
				t.Error("error redirect must not carry a code")
			}
		})
	}
}

func TestHandler_ServeAuthorization_DirectErrors(t *testing.T) {
	tests := []struct {
		name       string
		rawQuery   func(url.Values) string
		wantStatus int
		wantCode   string
	}{
		{
			name: "unknown client",
			rawQuery: func(v url.Values) string {
				v.Set("client_id", "ghost")
				return v.Encode()
			},
			wantStatus: http.StatusUnauthorized,
			wantCode:   ErrorCodeInvalidClient,
		},
		{
			name: "unregistered redirect uri",
			rawQuery: func(v url.Values) string {
				v.Set("redirect_uri", "https://evil.example.com/cb")
				return v.Encode()
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
		},
		{
			name: "repeated parameter",
			rawQuery: func(v url.Values) string {
				return v.Encode() + "&redirect_uri=" + url.QueryEscape("https://evil.example.com/cb")
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setup := setupTestHandler(t, newMemoryStore(t))
			challenge, _ := testutil.GeneratePKCEPair()
			params := authorizeParams(testPublicClientID, challenge, security.PKCEMethodS256)

			rr := testutil.NewHTTPRequest(http.MethodGet, EndpointAuthorize+"?"+tt.rawQuery(params)).Do(setup.mux)
			testutil.AssertEqual(t, rr.Code, tt.wantStatus)
			if loc := rr.Header().Get("Location"); loc != "" {
				t.Errorf("must not redirect, got Location %q", loc)
			}
			testutil.AssertEqual(t, decodeError(t, rr).Error, tt.wantCode)
		})
	}
}

func TestHandler_ServeAuthorization_ResolverFailure(t *testing.T) {
	setup := setupTestHandler(t, newMemoryStore(t))
	setup.handler.subjects = SubjectResolverFunc(func(*http.Request) (string, error) {
		return "", errors.New("session store down")
	})

	challenge, _ := testutil.GeneratePKCEPair()
	params := authorizeParams(testPublicClientID, challenge, security.PKCEMethodS256)
	rr := testutil.NewHTTPRequest(http.MethodGet, EndpointAuthorize+"?"+params.Encode()).Do(setup.mux)

	testutil.AssertEqual(t, rr.Code, http.StatusInternalServerError)
	testutil.AssertEqual(t, decodeError(t, rr).Error, ErrorCodeServerError)
}

func TestHandler_ServeAuthorization_NoResolver(t *testing.T) {
	setup := setupTestHandler(t, newMemoryStore(t))
	setup.handler.subjects = nil

	challenge, _ := testutil.GeneratePKCEPair()
	query := setup.authorize(t, authorizeParams(testPublicClientID, challenge, security.PKCEMethodS256))
	testutil.AssertEqual(t, query.Get("error"), ErrorCodeAccessDenied)
}

func TestHandler_ServeTokenIntrospection(t *testing.T) {
	setup := setupTestHandler(t, newMemoryStore(t))

	issued := decodeToken(t, testutil.NewHTTPRequest(http.MethodPost, EndpointToken).
		WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
		WithForm(clientCredentialsForm("read write")).
		Do(setup.mux))

	introspect := func(user, pass, raw string) *httptest.ResponseRecorder {
		req := testutil.NewHTTPRequest(http.MethodPost, EndpointIntrospect).WithForm(url.Values{"token": {raw}})
		if user != "" {
			req = req.WithBasicAuth(user, pass)
		}
		return req.Do(setup.mux)
	}

	t.Run("active", func(t *testing.T) {
		rr := introspect(testutil.TestClientID, testutil.TestClientSecret, issued.AccessToken)
		testutil.AssertEqual(t, rr.Code, http.StatusOK)

		var resp IntrospectionResponse
		testutil.AssertNoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		testutil.AssertEqual(t, resp.Active, true)
		testutil.AssertEqual(t, resp.Scope, "read write")
		testutil.AssertEqual(t, resp.ClientID, testutil.TestClientID)
		testutil.AssertEqual(t, resp.Subject, "")
		testutil.AssertEqual(t, rr.Header().Get("Cache-Control"), "no-store")
	})

	t.Run("unknown token is inactive", func(t *testing.T) {
		rr := introspect(testutil.TestClientID, testutil.TestClientSecret, "nope")
		testutil.AssertEqual(t, rr.Code, http.StatusOK)
		testutil.AssertEqual(t, strings.TrimSpace(rr.Body.String()), `{"active":false}`)
	})

	t.Run("missing token", func(t *testing.T) {
		rr := introspect(testutil.TestClientID, testutil.TestClientSecret, "")
		testutil.AssertEqual(t, rr.Code, http.StatusBadRequest)
		testutil.AssertEqual(t, decodeError(t, rr).Error, ErrorCodeInvalidRequest)
	})

	t.Run("unauthenticated caller", func(t *testing.T) {
		rr := introspect(testutil.TestClientID, "wrong", issued.AccessToken)
		testutil.AssertEqual(t, rr.Code, http.StatusUnauthorized)
		testutil.AssertEqual(t, rr.Header().Get("WWW-Authenticate"), `Basic realm="oauth2-server"`)
	})

	t.Run("public client", func(t *testing.T) {
		rr := testutil.NewHTTPRequest(http.MethodPost, EndpointIntrospect).
			WithForm(url.Values{"token": {issued.AccessToken}, "client_id": {testPublicClientID}}).
			Do(setup.mux)
		testutil.AssertEqual(t, rr.Code, http.StatusUnauthorized)
		testutil.AssertEqual(t, decodeError(t, rr).Error, ErrorCodeInvalidClient)
	})
}

func TestHandler_ServeTokenRevocation(t *testing.T) {
	setup := setupTestHandler(t, newMemoryStore(t))

	issued := decodeToken(t, testutil.NewHTTPRequest(http.MethodPost, EndpointToken).
		WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
		WithForm(clientCredentialsForm("")).
		Do(setup.mux))

	revoke := func(raw string) *httptest.ResponseRecorder {
		return testutil.NewHTTPRequest(http.MethodPost, EndpointRevoke).
			WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
			WithForm(url.Values{"token": {raw}, "token_type_hint": {"access_token"}}).
			Do(setup.mux)
	}

	rr := revoke(issued.AccessToken)
	testutil.AssertEqual(t, rr.Code, http.StatusOK)
	testutil.AssertEqual(t, rr.Body.Len(), 0)

	resp := setup.handler.server.Introspect(context.Background(), issued.AccessToken, "")
	testutil.AssertEqual(t, resp.Active, false)

	// RFC 7009: revoking an unknown or already revoked token still succeeds.
	testutil.AssertEqual(t, revoke(issued.AccessToken).Code, http.StatusOK)
	testutil.AssertEqual(t, revoke("unknown").Code, http.StatusOK)

	missing := testutil.NewHTTPRequest(http.MethodPost, EndpointRevoke).
		WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
		WithForm(url.Values{}).
		Do(setup.mux)
	testutil.AssertEqual(t, missing.Code, http.StatusBadRequest)
}

func TestHandler_ServeTokenRevocation_StorageFailure(t *testing.T) {
	store := mock.New()
	t.Cleanup(store.Stop)
	setup := setupTestHandler(t, store)

	store.GetRefreshTokenFunc = func(context.Context, string) (*storage.RefreshToken, error) {
		return nil, errors.New("connection refused")
	}

	rr := testutil.NewHTTPRequest(http.MethodPost, EndpointRevoke).
		WithForm(url.Values{
			"client_id":       {testPublicClientID},
			"token":           {testutil.GenerateRandomString(43)},
			"token_type_hint": {"refresh_token"},
		}).
		Do(setup.mux)

	testutil.AssertEqual(t, rr.Code, http.StatusServiceUnavailable)
	testutil.AssertEqual(t, decodeError(t, rr).Error, ErrorCodeTemporarilyUnavailable)
}

func TestHandler_ServeAuthorizationServerMetadata(t *testing.T) {
	setup := setupTestHandler(t, newMemoryStore(t), func(c *server.Config, _ *Config) {
		c.SupportedScopes = []string{"read", "write"}
		c.DisablePKCEPlain = true
	})

	rr := testutil.NewHTTPRequest(http.MethodGet, EndpointMetadata).Do(setup.mux)
	testutil.AssertEqual(t, rr.Code, http.StatusOK)

	var meta AuthorizationServerMetadata
	testutil.AssertNoError(t, json.NewDecoder(rr.Body).Decode(&meta))

	testutil.AssertEqual(t, meta.Issuer, testIssuer)
	testutil.AssertEqual(t, meta.AuthorizationEndpoint, testIssuer+EndpointAuthorize)
	testutil.AssertEqual(t, meta.TokenEndpoint, testIssuer+EndpointToken)
	testutil.AssertEqual(t, meta.IntrospectionEndpoint, testIssuer+EndpointIntrospect)
	testutil.AssertEqual(t, meta.RevocationEndpoint, testIssuer+EndpointRevoke)
	testutil.AssertEqual(t, strings.Join(meta.ResponseTypesSupported, " "), "code")
	testutil.AssertEqual(t, strings.Join(meta.CodeChallengeMethodsSupported, " "), "S256")
	testutil.AssertEqual(t, strings.Join(meta.ScopesSupported, " "), "read write")
	testutil.AssertEqual(t, len(meta.GrantTypesSupported), len(server.SupportedGrantTypes))
	testutil.AssertEqual(t, meta.AuthorizationResponseIssParameterSupported, true)
}

func TestHandler_CORS(t *testing.T) {
	setup := setupTestHandler(t, newMemoryStore(t), func(_ *server.Config, h *Config) {
		h.CORS.AllowedOrigins = []string{"https://spa.example.com"}
	})

	t.Run("preflight from allowed origin", func(t *testing.T) {
		rr := testutil.NewHTTPRequest(http.MethodOptions, EndpointToken).
			WithHeader("Origin", "https://spa.example.com").
			Do(setup.mux)
		testutil.AssertEqual(t, rr.Code, http.StatusNoContent)
		testutil.AssertEqual(t, rr.Header().Get("Access-Control-Allow-Origin"), "https://spa.example.com")
		testutil.AssertEqual(t, rr.Header().Get("Access-Control-Max-Age"), "3600")
	})

	t.Run("disallowed origin", func(t *testing.T) {
		rr := testutil.NewHTTPRequest(http.MethodGet, EndpointMetadata).
			WithHeader("Origin", "https://evil.example.com").
			Do(setup.mux)
		testutil.AssertEqual(t, rr.Code, http.StatusOK)
		testutil.AssertEqual(t, rr.Header().Get("Access-Control-Allow-Origin"), "")
	})

	t.Run("actual request from allowed origin", func(t *testing.T) {
		rr := testutil.NewHTTPRequest(http.MethodGet, EndpointMetadata).
			WithHeader("Origin", "https://spa.example.com").
			Do(setup.mux)
		testutil.AssertEqual(t, rr.Header().Get("Access-Control-Allow-Origin"), "https://spa.example.com")
	})
}

func TestFormatWWWAuthenticate(t *testing.T) {
	tests := []struct {
		name   string
		scheme string
		params [][2]string
		want   string
	}{
		{"bare scheme", "Bearer", nil, "Bearer"},
		{"empty values skipped", "Bearer", [][2]string{{"realm", "api"}, {"scope", ""}}, `Bearer realm="api"`},
		{
			name:   "quotes and backslashes escaped",
			scheme: "Bearer",
			params: [][2]string{{"error", "invalid_token"}, {"error_description", `bad "token" \ here`}},
			want:   `Bearer error="invalid_token", error_description="bad \"token\" \\ here"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.AssertEqual(t, formatWWWAuthenticate(tt.scheme, tt.params), tt.want)
		})
	}
}
