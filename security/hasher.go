package security

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// Hash encoding errors.
var (
	ErrEmptySecret         = errors.New("secret cannot be empty")
	ErrInvalidHashFormat   = errors.New("invalid hash format")
	ErrIncompatibleHash    = errors.New("incompatible hash algorithm")
	ErrIncompatibleVersion = errors.New("incompatible argon2id version")
)

// HashParams are the Argon2id cost parameters used for new hashes.
type HashParams struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultHashParams returns 64 MiB, 3 passes, 2 lanes.
func DefaultHashParams() HashParams {
	return HashParams{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Hasher hashes and verifies secrets with Argon2id.
//
// Every computation is admitted through a weighted semaphore so concurrent
// logins cannot take more than MaxConcurrent cores, and the calling request
// can give up waiting when its context ends.
type Hasher struct {
	params HashParams
	sem    *semaphore.Weighted
	logger *slog.Logger

	dummyOnce sync.Once
	dummyHash string
}

// NewHasher creates a hasher admitting up to GOMAXPROCS concurrent hashes.
func NewHasher(params HashParams, logger *slog.Logger) *Hasher {
	return NewHasherWithConcurrency(params, runtime.GOMAXPROCS(0), logger)
}

// NewHasherWithConcurrency creates a hasher with an explicit pool size.
func NewHasherWithConcurrency(params HashParams, maxConcurrent int, logger *slog.Logger) *Hasher {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	def := DefaultHashParams()
	if params.Memory == 0 {
		params.Memory = def.Memory
	}
	if params.Iterations == 0 {
		params.Iterations = def.Iterations
	}
	if params.Parallelism == 0 {
		params.Parallelism = def.Parallelism
	}
	if params.SaltLength == 0 {
		params.SaltLength = def.SaltLength
	}
	if params.KeyLength == 0 {
		params.KeyLength = def.KeyLength
	}
	return &Hasher{
		params: params,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		logger: logger,
	}
}

// Hash returns the PHC encoded Argon2id hash of secret with a fresh salt:
// $argon2id$v=19$m=65536,t=3,p=2$<salt>$<hash>
func (h *Hasher) Hash(ctx context.Context, secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	var key []byte
	err := h.run(ctx, func() {
		key = argon2.IDKey([]byte(secret), salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, h.params.KeyLength)
	})
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory,
		h.params.Iterations,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether secret matches encoded. Malformed hashes return an
// error; a mismatch returns (false, nil).
func (h *Hasher) Verify(ctx context.Context, secret, encoded string) (bool, error) {
	if secret == "" || encoded == "" {
		return false, nil
	}

	if isBcryptHash(encoded) {
		var cmpErr error
		if err := h.run(ctx, func() {
			cmpErr = bcrypt.CompareHashAndPassword([]byte(encoded), []byte(secret))
		}); err != nil {
			return false, err
		}
		if cmpErr != nil {
			if errors.Is(cmpErr, bcrypt.ErrMismatchedHashAndPassword) {
				return false, nil
			}
			return false, fmt.Errorf("%w: %v", ErrInvalidHashFormat, cmpErr)
		}
		return true, nil
	}

	p, salt, want, err := decodeArgon2id(encoded)
	if err != nil {
		return false, err
	}

	var got []byte
	if err := h.run(ctx, func() {
		got = argon2.IDKey([]byte(secret), salt, p.Iterations, p.Memory, p.Parallelism, uint32(len(want)))
	}); err != nil {
		return false, err
	}

	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

// DummyVerify burns one verification against a throwaway hash. Callers use it
// when the client or user is unknown so the response time does not reveal it.
func (h *Hasher) DummyVerify(ctx context.Context, secret string) {
	h.dummyOnce.Do(func() {
		encoded, err := h.Hash(context.Background(), "dummy-secret-for-timing")
		if err != nil {
			h.logger.Warn("Failed to prepare dummy hash", "error", err)
			return
		}
		h.dummyHash = encoded
	})
	if h.dummyHash == "" {
		return
	}
	if secret == "" {
		secret = "x"
	}
	_, _ = h.Verify(ctx, secret, h.dummyHash)
}

// run executes fn on its own goroutine once a pool slot is free. It returns
// early with the context error if ctx ends first; fn still completes and
// releases its slot.
func (h *Hasher) run(ctx context.Context, fn func()) error {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for hasher: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer h.sem.Release(1)
		defer close(done)
		fn()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isBcryptHash(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") ||
		strings.HasPrefix(encoded, "$2b$") ||
		strings.HasPrefix(encoded, "$2y$")
}

func decodeArgon2id(encoded string) (HashParams, []byte, []byte, error) {
	var p HashParams

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return p, nil, nil, ErrInvalidHashFormat
	}
	if parts[1] != "argon2id" {
		return p, nil, nil, ErrIncompatibleHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return p, nil, nil, ErrInvalidHashFormat
	}
	if version != argon2.Version {
		return p, nil, nil, ErrIncompatibleVersion
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return p, nil, nil, ErrInvalidHashFormat
	}
	if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 {
		return p, nil, nil, ErrInvalidHashFormat
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, fmt.Errorf("%w: salt encoding", ErrInvalidHashFormat)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return p, nil, nil, fmt.Errorf("%w: hash encoding", ErrInvalidHashFormat)
	}

	return p, salt, key, nil
}
