package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode stores a new code with a TTL matching its expiry.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_authorization_code", &err, time.Now())

	if code == nil || code.Code == "" {
		return fmt.Errorf("%w: authorization code cannot be empty", storage.ErrInvalidRecord)
	}

	key := s.codeKey(code.Code)
	data, err := s.encode(key, code)
	if err != nil {
		return err
	}
	if err := s.create(ctx, key, fieldConsumed, data, s.ttlUntil(code.ExpiresAt), "", "", "", false); err != nil {
		return err
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.TokenPrefix(code.Code),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode returns the code or storage.ErrNotFound.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (ac *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_authorization_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_authorization_code", &err, time.Now())

	var c storage.AuthorizationCode
	fields, err := s.load(ctx, s.codeKey(code), &c)
	if err != nil {
		return nil, err
	}
	c.Consumed = isSet(fields, fieldConsumed)
	return &c, nil
}

// ConsumeAuthorizationCode flips the consumed flag in a Lua script, so only
// one caller per code sees true.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (consumed bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "consume_authorization_code", &err, time.Now())

	res, err := consumeScript.Run(ctx, s.client, []string{s.codeKey(code)}).Int()
	if err != nil {
		return false, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	switch res {
	case scriptNotFound:
		return false, storage.ErrNotFound
	case scriptLost:
		return false, nil
	}
	return true, nil
}

// DeleteAuthorizationCode removes a code.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_authorization_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "delete_authorization_code", &err, time.Now())

	if err := s.client.Del(ctx, s.codeKey(code)).Err(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}
