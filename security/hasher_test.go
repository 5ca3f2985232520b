package security

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func newTestHasher() *Hasher {
	return NewHasherWithConcurrency(HashParams{Memory: 1024, Iterations: 1, Parallelism: 1}, 2, nil)
}

func TestHasher_HashAndVerify(t *testing.T) {
	ctx := context.Background()
	h := newTestHasher()

	encoded, err := h.Hash(ctx, "s3cret")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$m=1024,t=1,p=1$") {
		t.Errorf("Hash() = %q, want argon2id PHC string", encoded)
	}
	if strings.Contains(encoded, "s3cret") {
		t.Error("Hash() output contains the plaintext secret")
	}

	ok, err := h.Verify(ctx, "s3cret", encoded)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !ok {
		t.Error("Verify() = false for the correct secret")
	}

	ok, err = h.Verify(ctx, "s3cre", encoded)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if ok {
		t.Error("Verify() = true for a wrong secret")
	}
}

func TestHasher_SaltIsRandom(t *testing.T) {
	ctx := context.Background()
	h := newTestHasher()

	a, err := h.Hash(ctx, "same")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	b, err := h.Hash(ctx, "same")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if a == b {
		t.Error("two hashes of the same secret are identical")
	}
}

func TestHasher_EmptySecret(t *testing.T) {
	h := newTestHasher()
	if _, err := h.Hash(context.Background(), ""); !errors.Is(err, ErrEmptySecret) {
		t.Errorf("Hash(\"\") error = %v, want ErrEmptySecret", err)
	}
	ok, err := h.Verify(context.Background(), "", "$argon2id$v=19$m=1024,t=1,p=1$c2FsdA$aGFzaA")
	if ok || err != nil {
		t.Errorf("Verify(\"\") = %v, %v; want false, nil", ok, err)
	}
}

func TestHasher_VerifyBcrypt(t *testing.T) {
	legacy, err := bcrypt.GenerateFromPassword([]byte("legacy"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() error = %v", err)
	}

	h := newTestHasher()
	ok, err := h.Verify(context.Background(), "legacy", string(legacy))
	if err != nil || !ok {
		t.Errorf("Verify(bcrypt) = %v, %v; want true, nil", ok, err)
	}
	ok, err = h.Verify(context.Background(), "other", string(legacy))
	if err != nil || ok {
		t.Errorf("Verify(bcrypt, wrong) = %v, %v; want false, nil", ok, err)
	}
}

func TestHasher_VerifyMalformed(t *testing.T) {
	h := newTestHasher()

	tests := []struct {
		name    string
		encoded string
		wantErr error
	}{
		{name: "too few parts", encoded: "$argon2id$v=19$abc", wantErr: ErrInvalidHashFormat},
		{name: "wrong algorithm", encoded: "$argon2i$v=19$m=1024,t=1,p=1$c2FsdA$aGFzaA", wantErr: ErrIncompatibleHash},
		{name: "wrong version", encoded: "$argon2id$v=16$m=1024,t=1,p=1$c2FsdA$aGFzaA", wantErr: ErrIncompatibleVersion},
		{name: "bad params", encoded: "$argon2id$v=19$m=x,t=1,p=1$c2FsdA$aGFzaA", wantErr: ErrInvalidHashFormat},
		{name: "zero params", encoded: "$argon2id$v=19$m=0,t=1,p=1$c2FsdA$aGFzaA", wantErr: ErrInvalidHashFormat},
		{name: "bad salt", encoded: "$argon2id$v=19$m=1024,t=1,p=1$!!!$aGFzaA", wantErr: ErrInvalidHashFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := h.Verify(context.Background(), "secret", tt.encoded)
			if ok {
				t.Error("Verify() = true for malformed hash")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestHasher_ContextCancelledWhileWaiting(t *testing.T) {
	h := NewHasherWithConcurrency(HashParams{Memory: 1024, Iterations: 1, Parallelism: 1}, 1, nil)

	// Occupy the only slot.
	if err := h.sem.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer h.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := h.Hash(ctx, "secret"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Hash() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestHasher_DummyVerify(t *testing.T) {
	h := newTestHasher()
	h.DummyVerify(context.Background(), "anything")
	if h.dummyHash == "" {
		t.Error("DummyVerify() did not prepare a dummy hash")
	}
}
