package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/mock"
)

func TestServer_Introspect_AccessToken(t *testing.T) {
	srv, _ := newTestServer(t)
	set := initialTokens(t, srv, "read write")

	resp := srv.Introspect(context.Background(), set.AccessToken, "")
	if !resp.Active {
		t.Fatal("fresh access token should be active")
	}
	testutil.AssertEqual(t, resp.Scope, "read write")
	testutil.AssertEqual(t, resp.ClientID, "public-app")
	testutil.AssertEqual(t, resp.Subject, testutil.TestSubjectID)
	testutil.AssertEqual(t, resp.TokenType, TokenTypeBearer)
	testutil.AssertEqual(t, resp.Issuer, testIssuer)
	testutil.AssertEqual(t, resp.JTI, set.JTI)
	testutil.AssertEqual(t, resp.ExpiresAt, set.ExpiresAt.Unix())
}

func TestServer_Introspect_RefreshToken(t *testing.T) {
	srv, _ := newTestServer(t)
	set := initialTokens(t, srv, "read")

	for _, hint := range []string{"", TokenTypeHintAccessToken, TokenTypeHintRefreshToken} {
		t.Run("hint="+hint, func(t *testing.T) {
			resp := srv.Introspect(context.Background(), set.RefreshToken, hint)
			if !resp.Active {
				t.Fatal("fresh refresh token should be active")
			}
			testutil.AssertEqual(t, resp.TokenType, TokenTypeHintRefreshToken)
			testutil.AssertEqual(t, resp.Scope, "read")
			testutil.AssertEqual(t, resp.Subject, testutil.TestSubjectID)
		})
	}
}

func TestServer_Introspect_Inactive(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, srv *Server, setup *testServerSetup, set *TokenSet) string
	}{
		{
			name: "empty",
			prepare: func(*testing.T, *Server, *testServerSetup, *TokenSet) string {
				return ""
			},
		},
		{
			name: "garbage",
			prepare: func(*testing.T, *Server, *testServerSetup, *TokenSet) string {
				return "not.a.token"
			},
		},
		{
			name: "unknown opaque",
			prepare: func(*testing.T, *Server, *testServerSetup, *TokenSet) string {
				return testutil.GenerateRandomString(43)
			},
		},
		{
			name: "tampered access token",
			prepare: func(_ *testing.T, _ *Server, _ *testServerSetup, set *TokenSet) string {
				return set.AccessToken[:len(set.AccessToken)-2] + "xx"
			},
		},
		{
			name: "expired access token",
			prepare: func(_ *testing.T, _ *Server, setup *testServerSetup, set *TokenSet) string {
				setup.clock.Advance(time.Hour + time.Minute)
				return set.AccessToken
			},
		},
		{
			name: "revoked access token",
			prepare: func(t *testing.T, srv *Server, _ *testServerSetup, set *TokenSet) string {
				client, err := srv.GetClient(context.Background(), "public-app")
				testutil.AssertNoError(t, err)
				testutil.AssertNoError(t, srv.Revoke(context.Background(), client, set.AccessToken, ""))
				return set.AccessToken
			},
		},
		{
			name: "rotated refresh token",
			prepare: func(t *testing.T, srv *Server, _ *testServerSetup, set *TokenSet) string {
				_, err := srv.Token(context.Background(), refreshRequest(set.RefreshToken, ""))
				testutil.AssertNoError(t, err)
				return set.RefreshToken
			},
		},
		{
			name: "expired refresh token",
			prepare: func(_ *testing.T, srv *Server, setup *testServerSetup, set *TokenSet) string {
				setup.clock.Advance(srv.Config.RefreshTokenLifetime() + time.Second)
				return set.RefreshToken
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, setup := newTestServer(t)
			set := initialTokens(t, srv, "read")

			raw := tt.prepare(t, srv, setup, set)
			resp := srv.Introspect(context.Background(), raw, "")
			if resp.Active {
				t.Fatalf("expected inactive, got %+v", resp)
			}
			if *resp != (IntrospectionResponse{}) {
				t.Errorf("inactive response must carry no other fields, got %+v", resp)
			}
		})
	}
}

func TestServer_Introspect_StorageFailureIsInactive(t *testing.T) {
	store := mock.New()
	defer store.Stop()
	store.GetRefreshTokenFunc = func(context.Context, string) (*storage.RefreshToken, error) {
		return nil, errors.New("timeout")
	}

	srv, err := New(store, store, store, testConfig(), testutil.DiscardLogger())
	testutil.AssertNoError(t, err)

	resp := srv.Introspect(context.Background(), testutil.GenerateRandomString(43), TokenTypeHintRefreshToken)
	if resp.Active {
		t.Error("a token that cannot be checked must be reported inactive")
	}
}

func TestServer_Revoke_RefreshTokenRevokesFamily(t *testing.T) {
	srv, setup := newTestServer(t)
	ctx := context.Background()
	set := initialTokens(t, srv, "read")
	client, err := srv.GetClient(ctx, "public-app")
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, srv.Revoke(ctx, client, set.RefreshToken, TokenTypeHintRefreshToken))

	if srv.Introspect(ctx, set.AccessToken, "").Active {
		t.Error("access token of the revoked family should be inactive")
	}
	rt, err := setup.store.GetRefreshToken(ctx, set.RefreshToken)
	testutil.AssertNoError(t, err)
	if !rt.Revoked {
		t.Error("refresh token should be revoked")
	}
}

func TestServer_Revoke_AccessTokenOnly(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	set := initialTokens(t, srv, "read")
	client, err := srv.GetClient(ctx, "public-app")
	testutil.AssertNoError(t, err)

	// Wrong hint still finds the token.
	testutil.AssertNoError(t, srv.Revoke(ctx, client, set.AccessToken, TokenTypeHintRefreshToken))

	if srv.Introspect(ctx, set.AccessToken, "").Active {
		t.Error("revoked access token should be inactive")
	}
	if !srv.Introspect(ctx, set.RefreshToken, "").Active {
		t.Error("revoking an access token must leave its refresh token alone")
	}
	_, err = srv.Token(ctx, refreshRequest(set.RefreshToken, ""))
	testutil.AssertNoError(t, err)
}

func TestServer_Revoke_IgnoresOtherClientsAndUnknownTokens(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	set := initialTokens(t, srv, "read")
	other, err := srv.GetClient(ctx, testutil.TestClientID)
	testutil.AssertNoError(t, err)

	for _, raw := range []string{set.AccessToken, set.RefreshToken, "unknown-token", ""} {
		testutil.AssertNoError(t, srv.Revoke(ctx, other, raw, ""))
	}

	if !srv.Introspect(ctx, set.AccessToken, "").Active {
		t.Error("another client must not be able to revoke the access token")
	}
	if !srv.Introspect(ctx, set.RefreshToken, "").Active {
		t.Error("another client must not be able to revoke the refresh token")
	}
}

func TestServer_Revoke_StorageFailure(t *testing.T) {
	store := mock.New()
	defer store.Stop()
	store.GetRefreshTokenFunc = func(context.Context, string) (*storage.RefreshToken, error) {
		return nil, errors.New("connection refused")
	}

	srv, err := New(store, store, store, testConfig(), testutil.DiscardLogger())
	testutil.AssertNoError(t, err)

	err = srv.Revoke(context.Background(), testutil.GenerateTestClient(), "opaque-token", TokenTypeHintRefreshToken)
	testutil.AssertErrorIs(t, err, ErrRepository)
}
