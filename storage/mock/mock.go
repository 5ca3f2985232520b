// Package mock provides a fault-injecting implementation of the storage ports
// for tests.
//
// Every method has a matching function field. When the field is nil the call
// is forwarded to Fallback, an in-memory store by default, so tests only stub
// the operation they want to break:
//
//	store := mock.New()
//	defer store.Stop()
//	store.RotateRefreshTokenFunc = func(context.Context, string, *storage.AccessToken, *storage.RefreshToken) (bool, error) {
//		return false, nil // simulate a lost race
//	}
package mock

import (
	"context"
	"sync"

	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/memory"
)

// Store is a mock implementation of storage.Store.
type Store struct {
	Fallback storage.Store

	GetClientFunc    func(ctx context.Context, clientID string) (*storage.Client, error)
	SaveClientFunc   func(ctx context.Context, client *storage.Client) error
	RevokeClientFunc func(ctx context.Context, clientID string) error

	SaveAuthorizationCodeFunc    func(ctx context.Context, code *storage.AuthorizationCode) error
	GetAuthorizationCodeFunc     func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	ConsumeAuthorizationCodeFunc func(ctx context.Context, code string) (bool, error)
	DeleteAuthorizationCodeFunc  func(ctx context.Context, code string) error

	SaveAccessTokenFunc           func(ctx context.Context, token *storage.AccessToken) error
	GetAccessTokenFunc            func(ctx context.Context, jti string) (*storage.AccessToken, error)
	IsAccessTokenRevokedFunc      func(ctx context.Context, jti string) (bool, error)
	RevokeAccessTokenFunc         func(ctx context.Context, jti string) error
	SaveRefreshTokenFunc          func(ctx context.Context, token *storage.RefreshToken) error
	GetRefreshTokenFunc           func(ctx context.Context, token string) (*storage.RefreshToken, error)
	RotateRefreshTokenFunc        func(ctx context.Context, oldToken string, access *storage.AccessToken, refresh *storage.RefreshToken) (bool, error)
	RevokeFamilyFunc              func(ctx context.Context, familyID string) (int, error)
	SavePersonalAccessTokenFunc   func(ctx context.Context, token *storage.PersonalAccessToken) error
	GetPersonalAccessTokenFunc    func(ctx context.Context, tokenHash string) (*storage.PersonalAccessToken, error)
	ListPersonalAccessTokensFunc  func(ctx context.Context, subjectID string) ([]*storage.PersonalAccessToken, error)
	RevokePersonalAccessTokenFunc func(ctx context.Context, tokenHash string) error

	mu         sync.Mutex
	callCounts map[string]int
	stop       func()
}

var _ storage.Store = (*Store)(nil)

// New creates a mock that forwards to a fresh in-memory store.
func New() *Store {
	mem := memory.New()
	return &Store{
		Fallback:   mem,
		callCounts: make(map[string]int),
		stop:       mem.Stop,
	}
}

// Stop stops the fallback store's cleanup goroutine.
func (m *Store) Stop() {
	if m.stop != nil {
		m.stop()
	}
}

// CallCount returns how many times method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

// ResetCallCounts resets all call counters
func (m *Store) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.callCounts)
}

func (m *Store) called(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.callCounts == nil {
		m.callCounts = make(map[string]int)
	}
	m.callCounts[method]++
}

// GetClient implements storage.ClientStore
func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.called("GetClient")
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	return m.Fallback.GetClient(ctx, clientID)
}

// SaveClient implements storage.ClientStore
func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	m.called("SaveClient")
	if m.SaveClientFunc != nil {
		return m.SaveClientFunc(ctx, client)
	}
	return m.Fallback.SaveClient(ctx, client)
}

// RevokeClient implements storage.ClientStore
func (m *Store) RevokeClient(ctx context.Context, clientID string) error {
	m.called("RevokeClient")
	if m.RevokeClientFunc != nil {
		return m.RevokeClientFunc(ctx, clientID)
	}
	return m.Fallback.RevokeClient(ctx, clientID)
}

// SaveAuthorizationCode implements storage.CodeStore
func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.called("SaveAuthorizationCode")
	if m.SaveAuthorizationCodeFunc != nil {
		return m.SaveAuthorizationCodeFunc(ctx, code)
	}
	return m.Fallback.SaveAuthorizationCode(ctx, code)
}

// GetAuthorizationCode implements storage.CodeStore
func (m *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.called("GetAuthorizationCode")
	if m.GetAuthorizationCodeFunc != nil {
		return m.GetAuthorizationCodeFunc(ctx, code)
	}
	return m.Fallback.GetAuthorizationCode(ctx, code)
}

// ConsumeAuthorizationCode implements storage.CodeStore
func (m *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (bool, error) {
	m.called("ConsumeAuthorizationCode")
	if m.ConsumeAuthorizationCodeFunc != nil {
		return m.ConsumeAuthorizationCodeFunc(ctx, code)
	}
	return m.Fallback.ConsumeAuthorizationCode(ctx, code)
}

// DeleteAuthorizationCode implements storage.CodeStore
func (m *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	m.called("DeleteAuthorizationCode")
	if m.DeleteAuthorizationCodeFunc != nil {
		return m.DeleteAuthorizationCodeFunc(ctx, code)
	}
	return m.Fallback.DeleteAuthorizationCode(ctx, code)
}

// SaveAccessToken implements storage.TokenStore
func (m *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	m.called("SaveAccessToken")
	if m.SaveAccessTokenFunc != nil {
		return m.SaveAccessTokenFunc(ctx, token)
	}
	return m.Fallback.SaveAccessToken(ctx, token)
}

// GetAccessToken implements storage.TokenStore
func (m *Store) GetAccessToken(ctx context.Context, jti string) (*storage.AccessToken, error) {
	m.called("GetAccessToken")
	if m.GetAccessTokenFunc != nil {
		return m.GetAccessTokenFunc(ctx, jti)
	}
	return m.Fallback.GetAccessToken(ctx, jti)
}

// IsAccessTokenRevoked implements storage.TokenStore
func (m *Store) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	m.called("IsAccessTokenRevoked")
	if m.IsAccessTokenRevokedFunc != nil {
		return m.IsAccessTokenRevokedFunc(ctx, jti)
	}
	return m.Fallback.IsAccessTokenRevoked(ctx, jti)
}

// RevokeAccessToken implements storage.TokenStore
func (m *Store) RevokeAccessToken(ctx context.Context, jti string) error {
	m.called("RevokeAccessToken")
	if m.RevokeAccessTokenFunc != nil {
		return m.RevokeAccessTokenFunc(ctx, jti)
	}
	return m.Fallback.RevokeAccessToken(ctx, jti)
}

// SaveRefreshToken implements storage.TokenStore
func (m *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	m.called("SaveRefreshToken")
	if m.SaveRefreshTokenFunc != nil {
		return m.SaveRefreshTokenFunc(ctx, token)
	}
	return m.Fallback.SaveRefreshToken(ctx, token)
}

// GetRefreshToken implements storage.TokenStore
func (m *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	m.called("GetRefreshToken")
	if m.GetRefreshTokenFunc != nil {
		return m.GetRefreshTokenFunc(ctx, token)
	}
	return m.Fallback.GetRefreshToken(ctx, token)
}

// RotateRefreshToken implements storage.TokenStore
func (m *Store) RotateRefreshToken(ctx context.Context, oldToken string, access *storage.AccessToken, refresh *storage.RefreshToken) (bool, error) {
	m.called("RotateRefreshToken")
	if m.RotateRefreshTokenFunc != nil {
		return m.RotateRefreshTokenFunc(ctx, oldToken, access, refresh)
	}
	return m.Fallback.RotateRefreshToken(ctx, oldToken, access, refresh)
}

// RevokeFamily implements storage.TokenStore
func (m *Store) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	m.called("RevokeFamily")
	if m.RevokeFamilyFunc != nil {
		return m.RevokeFamilyFunc(ctx, familyID)
	}
	return m.Fallback.RevokeFamily(ctx, familyID)
}

// SavePersonalAccessToken implements storage.TokenStore
func (m *Store) SavePersonalAccessToken(ctx context.Context, token *storage.PersonalAccessToken) error {
	m.called("SavePersonalAccessToken")
	if m.SavePersonalAccessTokenFunc != nil {
		return m.SavePersonalAccessTokenFunc(ctx, token)
	}
	return m.Fallback.SavePersonalAccessToken(ctx, token)
}

// GetPersonalAccessToken implements storage.TokenStore
func (m *Store) GetPersonalAccessToken(ctx context.Context, tokenHash string) (*storage.PersonalAccessToken, error) {
	m.called("GetPersonalAccessToken")
	if m.GetPersonalAccessTokenFunc != nil {
		return m.GetPersonalAccessTokenFunc(ctx, tokenHash)
	}
	return m.Fallback.GetPersonalAccessToken(ctx, tokenHash)
}

// ListPersonalAccessTokens implements storage.TokenStore
func (m *Store) ListPersonalAccessTokens(ctx context.Context, subjectID string) ([]*storage.PersonalAccessToken, error) {
	m.called("ListPersonalAccessTokens")
	if m.ListPersonalAccessTokensFunc != nil {
		return m.ListPersonalAccessTokensFunc(ctx, subjectID)
	}
	return m.Fallback.ListPersonalAccessTokens(ctx, subjectID)
}

// RevokePersonalAccessToken implements storage.TokenStore
func (m *Store) RevokePersonalAccessToken(ctx context.Context, tokenHash string) error {
	m.called("RevokePersonalAccessToken")
	if m.RevokePersonalAccessTokenFunc != nil {
		return m.RevokePersonalAccessTokenFunc(ctx, tokenHash)
	}
	return m.Fallback.RevokePersonalAccessToken(ctx, tokenHash)
}
