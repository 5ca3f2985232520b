package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveAccessToken records an issued access token and indexes it in its family.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_access_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_access_token", &err, time.Now())

	if token == nil || token.JTI == "" {
		return fmt.Errorf("%w: access token jti cannot be empty", storage.ErrInvalidRecord)
	}

	key := s.accessKey(token.JTI)
	data, err := s.encode(key, token)
	if err != nil {
		return err
	}
	var index, tombstone string
	if token.FamilyID != "" {
		index = s.familyKey(token.FamilyID)
		tombstone = s.familyTombstoneKey(token.FamilyID)
	}
	return s.create(ctx, key, fieldRevoked, data, s.ttlUntil(token.ExpiresAt), index, key, tombstone, true)
}

// GetAccessToken returns the access token record or storage.ErrNotFound.
func (s *Store) GetAccessToken(ctx context.Context, jti string) (at *storage.AccessToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_access_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_access_token", &err, time.Now())

	var t storage.AccessToken
	fields, err := s.load(ctx, s.accessKey(jti), &t)
	if err != nil {
		return nil, err
	}
	t.Revoked = isSet(fields, fieldRevoked)
	return &t, nil
}

// IsAccessTokenRevoked reports true for revoked and unknown jtis. Only the
// flag field is read.
func (s *Store) IsAccessTokenRevoked(ctx context.Context, jti string) (revoked bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "is_access_token_revoked")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "is_access_token_revoked", &err, time.Now())

	vals, err := s.client.HMGet(ctx, s.accessKey(jti), fieldData, fieldRevoked).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check access token: %w", err)
	}
	if vals[0] == nil {
		return true, nil
	}
	v, _ := vals[1].(string)
	return v == "1", nil
}

// RevokeAccessToken revokes one access token.
func (s *Store) RevokeAccessToken(ctx context.Context, jti string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_access_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "revoke_access_token", &err, time.Now())

	return s.revoke(ctx, s.accessKey(jti))
}

// SaveRefreshToken records a new refresh token in its family.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_refresh_token", &err, time.Now())

	if token == nil || token.Token == "" || token.FamilyID == "" {
		return fmt.Errorf("%w: refresh token and family id are required", storage.ErrInvalidRecord)
	}

	key := s.refreshKey(token.Token)
	data, err := s.encode(key, token)
	if err != nil {
		return err
	}
	return s.create(ctx, key, fieldRevoked, data, s.ttlUntil(token.ExpiresAt),
		s.familyKey(token.FamilyID), key, s.familyTombstoneKey(token.FamilyID), true)
}

// GetRefreshToken returns the refresh token record or storage.ErrNotFound.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (rt *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_refresh_token", &err, time.Now())

	var t storage.RefreshToken
	fields, err := s.load(ctx, s.refreshKey(token), &t)
	if err != nil {
		return nil, err
	}
	t.Revoked = isSet(fields, fieldRevoked)
	return &t, nil
}

// RotateRefreshToken revokes oldToken and stores the successor pair in one
// Lua script.
func (s *Store) RotateRefreshToken(ctx context.Context, oldToken string, access *storage.AccessToken, refresh *storage.RefreshToken) (rotated bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "rotate_refresh_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "rotate_refresh_token", &err, time.Now())

	if access == nil || refresh == nil || access.JTI == "" || refresh.Token == "" {
		return false, fmt.Errorf("%w: successor tokens are required", storage.ErrInvalidRecord)
	}

	accessKey := s.accessKey(access.JTI)
	refreshKey := s.refreshKey(refresh.Token)
	accessData, err := s.encode(accessKey, access)
	if err != nil {
		return false, err
	}
	refreshData, err := s.encode(refreshKey, refresh)
	if err != nil {
		return false, err
	}

	keys := []string{s.refreshKey(oldToken), accessKey, refreshKey, s.familyKey(refresh.FamilyID)}
	res, err := rotateScript.Run(ctx, s.client, keys,
		accessData, s.ttlUntil(access.ExpiresAt),
		refreshData, s.ttlUntil(refresh.ExpiresAt),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	switch res {
	case scriptNotFound:
		return false, storage.ErrNotFound
	case scriptExists:
		return false, storage.ErrAlreadyExists
	case scriptLost:
		return false, nil
	}

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

	keys := []string{s.familyKey(familyID), s.familyTombstoneKey(familyID)}
	n, err = revokeFamilyScript.Run(ctx, s.client, keys, storage.FamilyTombstoneTTL.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke token family: %w", err)
	}

	s.logger.Info("Revoked token family", "family_id", familyID, "revoked", n)
	return n, nil
}

// SavePersonalAccessToken records a PAT and indexes it under its subject.
func (s *Store) SavePersonalAccessToken(ctx context.Context, token *storage.PersonalAccessToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_personal_access_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_personal_access_token", &err, time.Now())

	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("%w: token hash cannot be empty", storage.ErrInvalidRecord)
	}

	key := s.patKey(token.TokenHash)
	data, err := s.encode(key, token)
	if err != nil {
		return err
	}
	// the subject index never expires; stale members are pruned on list
	return s.create(ctx, key, fieldRevoked, data, s.ttlUntil(token.ExpiresAt), s.patSubjectKey(token.SubjectID), token.TokenHash, "", false)
}

// GetPersonalAccessToken looks a PAT up by token hash.
func (s *Store) GetPersonalAccessToken(ctx context.Context, tokenHash string) (pat *storage.PersonalAccessToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_personal_access_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_personal_access_token", &err, time.Now())

	var t storage.PersonalAccessToken
	fields, err := s.load(ctx, s.patKey(tokenHash), &t)
	if err != nil {
		return nil, err
	}
	t.Revoked = isSet(fields, fieldRevoked)
	return &t, nil
}

// ListPersonalAccessTokens returns a subject's PATs, oldest first.
func (s *Store) ListPersonalAccessTokens(ctx context.Context, subjectID string) (out []*storage.PersonalAccessToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_personal_access_tokens")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "list_personal_access_tokens", &err, time.Now())

	indexKey := s.patSubjectKey(subjectID)
	hashes, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list personal access tokens: %w", err)
	}

	var stale []any
	for _, h := range hashes {
		var t storage.PersonalAccessToken
		fields, err := s.load(ctx, s.patKey(h), &t)
		if errors.Is(err, storage.ErrNotFound) {
			stale = append(stale, h)
			continue
		}
		if err != nil {
			return nil, err
		}
		t.Revoked = isSet(fields, fieldRevoked)
		out = append(out, &t)
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, indexKey, stale...).Err(); err != nil {
			s.logger.Warn("Failed to prune personal access token index", "error", err)
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

	return s.revoke(ctx, s.patKey(tokenHash))
}
