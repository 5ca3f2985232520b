package server

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/token"
)

// initialTokens runs a full authorization code exchange for the public
// client with the given scope.
func initialTokens(t *testing.T, srv *Server, scope string) *TokenSet {
	t.Helper()
	ctx := context.Background()

	challenge, verifier := testutil.GeneratePKCEPair()
	code, err := srv.Authorize(ctx, &AuthorizationRequest{
		ResponseType:        ResponseTypeCode,
		ClientID:            "public-app",
		RedirectURI:         testutil.TestRedirectURI,
		Scope:               scope,
		CodeChallenge:       challenge,
		CodeChallengeMethod: security.PKCEMethodS256,
		SubjectID:           testutil.TestSubjectID,
	})
	testutil.AssertNoError(t, err)

	set, err := srv.Token(ctx, codeRequest("public-app", "", code.Code, verifier))
	testutil.AssertNoError(t, err)
	return set
}

func refreshRequest(refreshToken, scope string) *TokenRequest {
	return &TokenRequest{
		GrantType:    GrantTypeRefreshToken.String(),
		ClientID:     "public-app",
		RefreshToken: refreshToken,
		Scope:        scope,
	}
}

func TestRefreshTokenGrant_Rotation(t *testing.T) {
	srv, setup := newTestServer(t)
	ctx := context.Background()

	first := initialTokens(t, srv, "read write")

	second, err := srv.Token(ctx, refreshRequest(first.RefreshToken, ""))
	testutil.AssertNoError(t, err)

	if second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh token must rotate")
	}
	testutil.AssertEqual(t, second.FamilyID, first.FamilyID)
	testutil.AssertEqual(t, second.SubjectID, testutil.TestSubjectID)
	if len(second.Scopes) != 2 {
		t.Errorf("scopes = %v, want the original grant", second.Scopes)
	}

	old, err := setup.store.GetRefreshToken(ctx, first.RefreshToken)
	testutil.AssertNoError(t, err)
	if !old.Revoked {
		t.Error("presented refresh token should be revoked after rotation")
	}

	next, err := setup.store.GetRefreshToken(ctx, second.RefreshToken)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, next.Generation, 2)
	testutil.AssertEqual(t, next.RotatedFrom, util.HashToken(first.RefreshToken))

	third, err := srv.Token(ctx, refreshRequest(second.RefreshToken, ""))
	testutil.AssertNoError(t, err)
	latest, err := setup.store.GetRefreshToken(ctx, third.RefreshToken)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, latest.Generation, 3)
}

func TestRefreshTokenGrant_ScopeNarrowing(t *testing.T) {
	tests := []struct {
		name       string
		requested  string
		wantScopes []string
		wantCode   string
	}{
		{name: "omitted keeps original", requested: "", wantScopes: []string{"read", "write"}},
		{name: "subset", requested: "read", wantScopes: []string{"read"}},
		{name: "same set", requested: "write read", wantScopes: []string{"write", "read"}},
		{name: "escalation", requested: "read admin", wantCode: ErrorCodeInvalidScope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t)
			first := initialTokens(t, srv, "read write")

			set, err := srv.Token(context.Background(), refreshRequest(first.RefreshToken, tt.requested))
			if tt.wantCode != "" {
				requireOAuthError(t, err, tt.wantCode)
				return
			}
			testutil.AssertNoError(t, err)
			if len(set.Scopes) != len(tt.wantScopes) {
				t.Fatalf("scopes = %v, want %v", set.Scopes, tt.wantScopes)
			}
			for i := range tt.wantScopes {
				testutil.AssertEqual(t, set.Scopes[i], tt.wantScopes[i])
			}
		})
	}
}

func TestRefreshTokenGrant_EscalationKeepsToken(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	first := initialTokens(t, srv, "read")

	_, err := srv.Token(ctx, refreshRequest(first.RefreshToken, "read write"))
	requireOAuthError(t, err, ErrorCodeInvalidScope)

	// The rejected request must not have rotated the token.
	_, err = srv.Token(ctx, refreshRequest(first.RefreshToken, ""))
	testutil.AssertNoError(t, err)
}

func TestRefreshTokenGrant_ReplayRevokesFamily(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	first := initialTokens(t, srv, "read")
	second, err := srv.Token(ctx, refreshRequest(first.RefreshToken, ""))
	testutil.AssertNoError(t, err)

	_, err = srv.Token(ctx, refreshRequest(first.RefreshToken, ""))
	requireOAuthError(t, err, ErrorCodeInvalidGrant)
	testutil.AssertErrorIs(t, err, ErrTokenRevoked)

	// The legitimate successor is gone with the family.
	_, err = srv.Token(ctx, refreshRequest(second.RefreshToken, ""))
	requireOAuthError(t, err, ErrorCodeInvalidGrant)

	for _, raw := range []string{first.AccessToken, second.AccessToken} {
		if _, err := srv.VerifyAccessToken(ctx, raw); !errors.Is(err, token.ErrTokenRevoked) {
			t.Errorf("VerifyAccessToken() error = %v, want revoked", err)
		}
	}
}

func TestRefreshTokenGrant_ReplayWithoutFamilyRevocation(t *testing.T) {
	srv, _ := newTestServer(t, func(c *Config) { c.DisableReplayFamilyRevocation = true })
	ctx := context.Background()

	first := initialTokens(t, srv, "read")
	second, err := srv.Token(ctx, refreshRequest(first.RefreshToken, ""))
	testutil.AssertNoError(t, err)

	_, err = srv.Token(ctx, refreshRequest(first.RefreshToken, ""))
	requireOAuthError(t, err, ErrorCodeInvalidGrant)

	_, err = srv.Token(ctx, refreshRequest(second.RefreshToken, ""))
	testutil.AssertNoError(t, err)
}

func TestRefreshTokenGrant_Failures(t *testing.T) {
	srv, setup := newTestServer(t)
	ctx := context.Background()
	first := initialTokens(t, srv, "read")

	t.Run("missing token", func(t *testing.T) {
		_, err := srv.Token(ctx, refreshRequest("", ""))
		requireOAuthError(t, err, ErrorCodeInvalidRequest)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := srv.Token(ctx, refreshRequest("not-a-token", ""))
		requireOAuthError(t, err, ErrorCodeInvalidGrant)
	})

	t.Run("other client", func(t *testing.T) {
		_, err := srv.Token(ctx, &TokenRequest{
			GrantType:    GrantTypeRefreshToken.String(),
			ClientID:     testutil.TestClientID,
			ClientSecret: testutil.TestClientSecret,
			RefreshToken: first.RefreshToken,
		})
		requireOAuthError(t, err, ErrorCodeInvalidGrant)

		// Presenting someone else's token is not a replay of it.
		rt, err := setup.store.GetRefreshToken(ctx, first.RefreshToken)
		testutil.AssertNoError(t, err)
		if rt.Revoked {
			t.Error("token revoked by another client's attempt")
		}
	})

	t.Run("expired", func(t *testing.T) {
		setup.clock.Advance(srv.Config.RefreshTokenLifetime() + time.Second)
		_, err := srv.Token(ctx, refreshRequest(first.RefreshToken, ""))
		requireOAuthError(t, err, ErrorCodeInvalidGrant)
		testutil.AssertErrorIs(t, err, ErrTokenExpired)
	})
}

func TestRefreshTokenGrant_ConcurrentRotation(t *testing.T) {
	srv, _ := newTestServer(t, func(c *Config) { c.DisableReplayFamilyRevocation = true })
	first := initialTokens(t, srv, "read")

	const attempts = 16
	var winners atomic.Int32
	var winner atomic.Value

	var g errgroup.Group
	for range attempts {
		g.Go(func() error {
			set, err := srv.Token(context.Background(), refreshRequest(first.RefreshToken, ""))
			if err == nil {
				winners.Add(1)
				winner.Store(set.RefreshToken)
				return nil
			}
			var oerr *OAuthError
			if errors.As(err, &oerr) && oerr.Code == ErrorCodeInvalidGrant {
				return nil
			}
			return err
		})
	}
	testutil.AssertNoError(t, g.Wait())
	testutil.AssertEqual(t, winners.Load(), int32(1))

	// With family revocation off the single winner keeps a working token.
	_, err := srv.Token(context.Background(), refreshRequest(winner.Load().(string), ""))
	testutil.AssertNoError(t, err)
}
