package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Redis keys
	DefaultKeyPrefix = "oauth2:"

	storageType = "redis"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxRecordSize bounds a stored record. Larger records are rejected.
	MaxRecordSize = 64 * 1024

	fieldData     = "data"
	fieldRevoked  = "revoked"
	fieldConsumed = "consumed"
)

// Config holds configuration for the Redis storage backend.
type Config struct {
	// Address is the Redis server address, e.g. "localhost:6379"
	Address string

	// Password is the optional password for Redis authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth2:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Redis-backed implementation of all storage ports.
type Store struct {
	client goredis.UniversalClient
	prefix string
	logger *slog.Logger
	clock  security.Clock

	encryptorMu sync.RWMutex
	encryptor   *security.Encryptor

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// Compile-time interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.Store       = (*Store)(nil)
)

// New connects to Redis and verifies the connection with PING.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:      cfg.Address,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: cfg.TLS,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewWithClient(client, cfg.KeyPrefix, cfg.Logger)
	s.logger.Info("Connected to Redis storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)
	return s, nil
}

// NewWithClient wraps an existing client, for example a Sentinel failover
// client or one pointed at miniredis in tests.
func NewWithClient(client goredis.UniversalClient, keyPrefix string, logger *slog.Logger) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: client,
		prefix: keyPrefix,
		logger: logger,
		clock:  security.SystemClock{},
	}
}

// Close closes the Redis client connection.
func (s *Store) Close() error {
	s.logger.Info("Redis storage connection closed")
	return s.client.Close()
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the time source used to derive key TTLs.
func (s *Store) SetClock(clock security.Clock) {
	if clock != nil {
		s.clock = clock
	}
}

// SetEncryptor enables sealing of stored records.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Record encryption at rest enabled for Redis storage")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// ============================================================
// Key Helpers
// ============================================================

func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

func (s *Store) codeKey(code string) string {
	return s.prefix + "code:" + util.HashToken(code)
}

func (s *Store) accessKey(jti string) string {
	return s.prefix + "access:" + jti
}

func (s *Store) refreshKey(token string) string {
	return s.prefix + "refresh:" + util.HashToken(token)
}

func (s *Store) familyKey(familyID string) string {
	return s.prefix + "family:" + familyID
}

func (s *Store) familyTombstoneKey(familyID string) string {
	return s.prefix + "family_revoked:" + familyID
}

func (s *Store) patKey(tokenHash string) string {
	return s.prefix + "pat:" + tokenHash
}

func (s *Store) patSubjectKey(subjectID string) string {
	return s.prefix + "pat:subject:" + subjectID
}

// ============================================================
// Record encoding
// ============================================================

// encode marshals v and seals it bound to key.
func (s *Store) encode(key string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	if len(data) > MaxRecordSize {
		return nil, fmt.Errorf("%w: record exceeds %d bytes", storage.ErrInvalidRecord, MaxRecordSize)
	}
	return s.getEncryptor().Seal(data, []byte(key))
}

// load fetches the hash at key, decodes its data field into v and returns
// the remaining fields. storage.ErrNotFound is returned for missing keys.
func (s *Store) load(ctx context.Context, key string, v any) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.redact(key), err)
	}
	raw, ok := fields[fieldData]
	if !ok {
		return nil, storage.ErrNotFound
	}
	data, err := s.getEncryptor().Open([]byte(raw), []byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to open record: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return fields, nil
}

// ttlUntil returns the TTL in milliseconds for a record expiring at t.
// Zero means no expiry; already expired records get one millisecond.
func (s *Store) ttlUntil(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	ms := t.Sub(s.clock.Now()).Milliseconds()
	if ms < 1 {
		return 1
	}
	return ms
}

// create runs createScript and maps its result.
// The index TTL is stretched to cover the record when stretchIndex is set.
// tombstone is only honoured together with an index.
func (s *Store) create(ctx context.Context, key, flag string, data []byte, ttl int64, index, member, tombstone string, stretchIndex bool) error {
	keys := []string{key}
	if index != "" {
		keys = append(keys, index)
		if tombstone != "" {
			keys = append(keys, tombstone)
		}
	}
	res, err := createScript.Run(ctx, s.client, keys, data, flag, ttl, member, flagValue(stretchIndex)).Int()
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", s.redact(key), err)
	}
	if res == scriptExists {
		return storage.ErrAlreadyExists
	}
	return nil
}

// revoke runs revokeScript and maps its result.
func (s *Store) revoke(ctx context.Context, key string) error {
	res, err := revokeScript.Run(ctx, s.client, []string{key}).Int()
	if err != nil {
		return fmt.Errorf("failed to revoke %s: %w", s.redact(key), err)
	}
	if res == scriptNotFound {
		return storage.ErrNotFound
	}
	return nil
}

// redact shortens a key for logs and errors.
func (s *Store) redact(key string) string {
	return util.SafeTruncate(key, len(s.prefix)+16)
}

func isSet(fields map[string]string, name string) bool {
	return fields[name] == "1"
}

func flagValue(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		// never hand back the caller's span; callers end what they get
		return ctx, tracenoop.Span{}
	}
	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, storageType)
	return ctx, span
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, errp *error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}
	result := "success"
	if err := *errp; err != nil && !errors.Is(err, storage.ErrNotFound) {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
