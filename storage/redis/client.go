package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/oauth2-server/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// GetClient returns the client or storage.ErrNotFound.
func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_client", &err, time.Now())

	var c storage.Client
	fields, err := s.load(ctx, s.clientKey(clientID), &c)
	if err != nil {
		return nil, err
	}
	c.Revoked = isSet(fields, fieldRevoked)
	return &c, nil
}

// SaveClient creates or replaces a client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_client", &err, time.Now())

	if client == nil || client.ID == "" {
		return fmt.Errorf("%w: client id cannot be empty", storage.ErrInvalidRecord)
	}

	key := s.clientKey(client.ID)
	data, err := s.encode(key, client)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, key, fieldData, data, fieldRevoked, flagValue(client.Revoked)).Err(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

// RevokeClient flags a client as revoked.
func (s *Store) RevokeClient(ctx context.Context, clientID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "revoke_client", &err, time.Now())

	return s.revoke(ctx, s.clientKey(clientID))
}
