package testutil

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

// Fixture values shared across packages.
const (
	TestClientID     = "app1"
	TestClientSecret = "app1-secret"
	TestRedirectURI  = "https://app.example.com/cb"
	TestSubjectID    = "user-42"
)

// MockTime provides a controllable time source for deterministic testing.
// It implements security.Clock and is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

var _ security.Clock = (*MockTime)(nil)

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair returns (challenge, verifier) where challenge is the S256
// transform of a 64 character verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(64)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// NewFastHasher returns a hasher with minimal Argon2id cost so tests that
// register clients stay fast.
func NewFastHasher() *security.Hasher {
	return security.NewHasher(security.HashParams{
		Memory:      1024,
		Iterations:  1,
		Parallelism: 1,
	}, DiscardLogger())
}

// HashSecret hashes secret with NewFastHasher or fails the test.
func HashSecret(t *testing.T, secret string) string {
	t.Helper()
	h, err := NewFastHasher().Hash(context.Background(), secret)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	return h
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// GenerateTestClient returns a public client allowed the authorization code
// and refresh grants for "read" and "write".
func GenerateTestClient() *storage.Client {
	return &storage.Client{
		ID:                TestClientID,
		Name:              "Test Client",
		RedirectURIs:      []string{TestRedirectURI},
		AllowedScopes:     []string{"read", "write"},
		AllowedGrantTypes: []string{"authorization_code", "refresh_token"},
		CreatedAt:         time.Now(),
	}
}

// GenerateConfidentialClient returns a confidential variant of
// GenerateTestClient with secretHash and client_credentials enabled.
func GenerateConfidentialClient(secretHash string) *storage.Client {
	c := GenerateTestClient()
	c.Confidential = true
	c.SecretHash = secretHash
	c.AllowedGrantTypes = append(c.AllowedGrantTypes, "client_credentials")
	return c
}

// GenerateTestAuthorizationCode returns an unconsumed code for the test client.
func GenerateTestAuthorizationCode(now time.Time) *storage.AuthorizationCode {
	challenge, _ := GeneratePKCEPair()
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(43),
		ClientID:            TestClientID,
		SubjectID:           TestSubjectID,
		RedirectURI:         TestRedirectURI,
		Scopes:              []string{"read"},
		CodeChallenge:       challenge,
		CodeChallengeMethod: security.PKCEMethodS256,
		FamilyID:            GenerateRandomString(22),
		IssuedAt:            now,
		ExpiresAt:           now.Add(10 * time.Minute),
	}
}

// GenerateTestTokenPair returns an access token record and a refresh token
// of the same family.
func GenerateTestTokenPair(familyID string, generation int, now time.Time) (*storage.AccessToken, *storage.RefreshToken) {
	access := &storage.AccessToken{
		JTI:       GenerateRandomString(22),
		ClientID:  TestClientID,
		SubjectID: TestSubjectID,
		Scopes:    []string{"read"},
		FamilyID:  familyID,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
	refresh := &storage.RefreshToken{
		Token:          GenerateRandomString(43),
		AccessTokenJTI: access.JTI,
		ClientID:       TestClientID,
		SubjectID:      TestSubjectID,
		Scopes:         []string{"read"},
		FamilyID:       familyID,
		Generation:     generation,
		IssuedAt:       now,
		ExpiresAt:      now.Add(24 * time.Hour),
	}
	return access, refresh
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertErrorIs fails the test unless errors.Is(err, target).
func AssertErrorIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("error = %v, want %v", err, target)
	}
}

// AssertEqual fails the test if got != want
func AssertEqual[T comparable](t *testing.T, got, want T) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// HTTPRequest is a helper for making test HTTP requests
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Form    url.Values
}

// NewHTTPRequest creates a new HTTP request helper
func NewHTTPRequest(method, target string) *HTTPRequest {
	return &HTTPRequest{
		Method:  method,
		URL:     target,
		Headers: make(map[string]string),
	}
}

// WithHeader adds a header to the request
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithBasicAuth sets HTTP Basic credentials.
func (r *HTTPRequest) WithBasicAuth(user, password string) *HTTPRequest {
	cred := base64.StdEncoding.EncodeToString([]byte(url.QueryEscape(user) + ":" + url.QueryEscape(password)))
	return r.WithHeader("Authorization", "Basic "+cred)
}

// WithForm sets a form-encoded body.
func (r *HTTPRequest) WithForm(form url.Values) *HTTPRequest {
	r.Form = form
	return r
}

// Do executes the request against handler.
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	var body io.Reader
	if r.Form != nil {
		body = strings.NewReader(r.Form.Encode())
	}
	req := httptest.NewRequest(r.Method, r.URL, body)
	if r.Form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
