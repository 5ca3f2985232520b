package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

const storageType = "memory"

// family indexes the tokens minted under one authorization.
type family struct {
	accessJTIs    []string
	refreshTokens []string
	revokedAt     time.Time // zero until RevokeFamily
}

// Store is an in-memory implementation of all storage ports.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	codes         map[string]*storage.AuthorizationCode
	accessTokens  map[string]*storage.AccessToken  // jti -> record
	refreshTokens map[string]*storage.RefreshToken // raw token -> record
	families      map[string]*family
	pats          map[string]*storage.PersonalAccessToken // token hash -> record

	clock security.Clock

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// lock-free counts for the size gauges
	clientsCount       atomic.Int64
	codesCount         atomic.Int64
	accessTokensCount  atomic.Int64
	refreshTokensCount atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.Store       = (*Store)(nil)
)

// New creates a new in-memory store with a one minute cleanup interval.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		codes:           make(map[string]*storage.AuthorizationCode),
		accessTokens:    make(map[string]*storage.AccessToken),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		families:        make(map[string]*family),
		pats:            make(map[string]*storage.PersonalAccessToken),
		clock:           security.SystemClock{},
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the time source used for expiry cleanup.
func (s *Store) SetClock(clock security.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clock != nil {
		s.clock = clock
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.syncCountsLocked()
	s.mu.Unlock()

	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(instrumentation.StorageSizeCallbacks{
		Clients:       s.clientsCount.Load,
		Codes:         s.codesCount.Load,
		AccessTokens:  s.accessTokensCount.Load,
		RefreshTokens: s.refreshTokensCount.Load,
	})
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ClientStore Implementation
// ============================================================

// GetClient returns a copy of the client or storage.ErrNotFound.
func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_client", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("client %q: %w", clientID, storage.ErrNotFound)
	}
	return c.Clone(), nil
}

// SaveClient creates or replaces a client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_client", &err, time.Now())

	if client == nil || client.ID == "" {
		return fmt.Errorf("%w: client id cannot be empty", storage.ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.clients[client.ID]; !existed {
		s.clientsCount.Add(1)
	}
	s.clients[client.ID] = client.Clone()

	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

// RevokeClient flags a client as revoked.
func (s *Store) RevokeClient(ctx context.Context, clientID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "revoke_client", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[clientID]
	if !ok {
		return fmt.Errorf("client %q: %w", clientID, storage.ErrNotFound)
	}
	c.Revoked = true
	return nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode stores a new authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_authorization_code", &err, time.Now())

	if code == nil || code.Code == "" {
		return fmt.Errorf("%w: authorization code cannot be empty", storage.ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.Code]; exists {
		return storage.ErrAlreadyExists
	}
	s.codes[code.Code] = code.Clone()
	s.codesCount.Add(1)

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.TokenPrefix(code.Code),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode returns a copy of the code.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (ac *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_authorization_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_authorization_code", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return c.Clone(), nil
}

// ConsumeAuthorizationCode atomically flips Consumed from false to true.
// Exactly one caller per code sees true.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (consumed bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "consume_authorization_code", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[code]
	if !ok {
		return false, storage.ErrNotFound
	}
	if c.Consumed {
		span.SetAttributes(attribute.Bool(instrumentation.AttrCodeReuse, true))
		return false, nil
	}
	c.Consumed = true

	s.logger.Debug("Marked authorization code as consumed",
		"code_prefix", util.TokenPrefix(code))
	return true, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_authorization_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "delete_authorization_code", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codes[code]; ok {
		delete(s.codes, code)
		s.codesCount.Add(-1)
	}
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveAccessToken records an issued access token.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_access_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_access_token", &err, time.Now())

	if token == nil || token.JTI == "" {
		return fmt.Errorf("%w: access token jti cannot be empty", storage.ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.putAccessTokenLocked(token)
	return nil
}

// GetAccessToken returns a copy of the access token record.
func (s *Store) GetAccessToken(ctx context.Context, jti string) (at *storage.AccessToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_access_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_access_token", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.accessTokens[jti]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t.Clone(), nil
}

// IsAccessTokenRevoked reports true for revoked or unknown jtis.
func (s *Store) IsAccessTokenRevoked(ctx context.Context, jti string) (revoked bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "is_access_token_revoked")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "is_access_token_revoked", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.accessTokens[jti]
	return !ok || t.Revoked, nil
}

// RevokeAccessToken revokes one access token.
func (s *Store) RevokeAccessToken(ctx context.Context, jti string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_access_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "revoke_access_token", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.accessTokens[jti]
	if !ok {
		return storage.ErrNotFound
	}
	t.Revoked = true
	return nil
}

// SaveRefreshToken records a new refresh token.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_refresh_token", &err, time.Now())

	if token == nil || token.Token == "" || token.FamilyID == "" {
		return fmt.Errorf("%w: refresh token and family id are required", storage.ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.refreshTokens[token.Token]; exists {
		return storage.ErrAlreadyExists
	}
	s.putRefreshTokenLocked(token)
	return nil
}

// GetRefreshToken returns a copy of the refresh token record.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (rt *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_refresh_token", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t.Clone(), nil
}

// RotateRefreshToken revokes oldToken and stores the successor pair in one
// critical section. Only the first caller per oldToken gets true.
func (s *Store) RotateRefreshToken(ctx context.Context, oldToken string, access *storage.AccessToken, refresh *storage.RefreshToken) (rotated bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "rotate_refresh_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "rotate_refresh_token", &err, time.Now())

	if access == nil || refresh == nil || access.JTI == "" || refresh.Token == "" {
		return false, fmt.Errorf("%w: successor tokens are required", storage.ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.refreshTokens[oldToken]
	if !ok {
		return false, storage.ErrNotFound
	}
	if old.Revoked {
		span.SetAttributes(attribute.Bool(instrumentation.AttrTokenReuse, true))
		return false, nil
	}
	if _, exists := s.refreshTokens[refresh.Token]; exists {
		return false, storage.ErrAlreadyExists
	}

	old.Revoked = true
	s.putAccessTokenLocked(access)
	s.putRefreshTokenLocked(refresh)

	instrumentation.AddTokenFamilyAttributes(span, refresh.FamilyID, refresh.Generation)
	s.logger.Debug("Rotated refresh token",
		"family_id", refresh.FamilyID,
		"generation", refresh.Generation)
	return true, nil
}

// RevokeFamily revokes every token of a family.
func (s *Store) RevokeFamily(ctx context.Context, familyID string) (n int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_family")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "revoke_family", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.familyLocked(familyID)
	if f.revokedAt.IsZero() {
		f.revokedAt = s.clock.Now()
	}
	for _, jti := range f.accessJTIs {
		if t, ok := s.accessTokens[jti]; ok && !t.Revoked {
			t.Revoked = true
			n++
		}
	}
	for _, raw := range f.refreshTokens {
		if t, ok := s.refreshTokens[raw]; ok && !t.Revoked {
			t.Revoked = true
			n++
		}
	}

	s.logger.Info("Revoked token family", "family_id", familyID, "revoked", n)
	return n, nil
}

// SavePersonalAccessToken records a PAT keyed by its hash.
func (s *Store) SavePersonalAccessToken(ctx context.Context, token *storage.PersonalAccessToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_personal_access_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_personal_access_token", &err, time.Now())

	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("%w: token hash cannot be empty", storage.ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pats[token.TokenHash]; exists {
		return storage.ErrAlreadyExists
	}
	s.pats[token.TokenHash] = token.Clone()
	return nil
}

// GetPersonalAccessToken looks a PAT up by token hash.
func (s *Store) GetPersonalAccessToken(ctx context.Context, tokenHash string) (pat *storage.PersonalAccessToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_personal_access_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_personal_access_token", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.pats[tokenHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t.Clone(), nil
}

// ListPersonalAccessTokens returns a subject's PATs, oldest first.
func (s *Store) ListPersonalAccessTokens(ctx context.Context, subjectID string) (out []*storage.PersonalAccessToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_personal_access_tokens")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "list_personal_access_tokens", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.pats {
		if t.SubjectID == subjectID {
			out = append(out, t.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *storage.PersonalAccessToken) int {
		return a.IssuedAt.Compare(b.IssuedAt)
	})
	return out, nil
}

// RevokePersonalAccessToken revokes a PAT by token hash.
func (s *Store) RevokePersonalAccessToken(ctx context.Context, tokenHash string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_personal_access_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "revoke_personal_access_token", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.pats[tokenHash]
	if !ok {
		return storage.ErrNotFound
	}
	t.Revoked = true
	return nil
}

// ============================================================
// Internal helpers (callers hold s.mu)
// ============================================================

func (s *Store) putAccessTokenLocked(token *storage.AccessToken) {
	if _, existed := s.accessTokens[token.JTI]; !existed {
		s.accessTokensCount.Add(1)
	}
	stored := token.Clone()
	if token.FamilyID != "" {
		f := s.familyLocked(token.FamilyID)
		f.accessJTIs = append(f.accessJTIs, token.JTI)
		if !f.revokedAt.IsZero() {
			stored.Revoked = true
		}
	}
	s.accessTokens[token.JTI] = stored
}

func (s *Store) putRefreshTokenLocked(token *storage.RefreshToken) {
	stored := token.Clone()
	f := s.familyLocked(token.FamilyID)
	f.refreshTokens = append(f.refreshTokens, token.Token)
	if !f.revokedAt.IsZero() {
		stored.Revoked = true
	}
	s.refreshTokens[token.Token] = stored
	s.refreshTokensCount.Add(1)
}

func (s *Store) familyLocked(id string) *family {
	f, ok := s.families[id]
	if !ok {
		f = &family{}
		s.families[id] = f
	}
	return f
}

func (s *Store) syncCountsLocked() {
	s.clientsCount.Store(int64(len(s.clients)))
	s.codesCount.Store(int64(len(s.codes)))
	s.accessTokensCount.Store(int64(len(s.accessTokens)))
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup drops records past their expiry plus the clock skew grace period
// and returns how many were removed.
func (s *Store) cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	expired := func(t time.Time) bool {
		return !t.IsZero() && security.IsExpired(t, now, security.DefaultClockSkewGracePeriod)
	}

	cleaned := 0
	for k, c := range s.codes {
		if expired(c.ExpiresAt) {
			delete(s.codes, k)
			cleaned++
		}
	}
	for k, t := range s.accessTokens {
		if expired(t.ExpiresAt) {
			delete(s.accessTokens, k)
			cleaned++
		}
	}
	for k, t := range s.refreshTokens {
		if expired(t.ExpiresAt) {
			delete(s.refreshTokens, k)
			cleaned++
		}
	}
	for k, t := range s.pats {
		if expired(t.ExpiresAt) {
			delete(s.pats, k)
			cleaned++
		}
	}
	for id, f := range s.families {
		f.accessJTIs = slices.DeleteFunc(f.accessJTIs, func(jti string) bool {
			_, ok := s.accessTokens[jti]
			return !ok
		})
		f.refreshTokens = slices.DeleteFunc(f.refreshTokens, func(raw string) bool {
			_, ok := s.refreshTokens[raw]
			return !ok
		})
		tombstoned := !f.revokedAt.IsZero() && now.Sub(f.revokedAt) < storage.FamilyTombstoneTTL
		if len(f.accessJTIs) == 0 && len(f.refreshTokens) == 0 && !tombstoned {
			delete(s.families, id)
		}
	}

	s.syncCountsLocked()

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired records", "count", cleaned)
	}
	return cleaned
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		// never hand back the caller's span; callers end what they get
		return ctx, tracenoop.Span{}
	}
	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, storageType)
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets
// span status. errp is read when the deferred call runs.
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, errp *error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	result := "success"
	if err := *errp; err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
