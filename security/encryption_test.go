package security

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func TestEncryptor_SealOpen(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	if !enc.IsEnabled() {
		t.Fatal("IsEnabled() = false with a key")
	}

	plaintext := []byte(`{"token":"abc"}`)
	aad := []byte("oauth:refresh:abc")

	sealed, err := enc.Seal(plaintext, aad)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Error("sealed record contains the plaintext")
	}

	opened, err := enc.Open(sealed, aad)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() = %q, want %q", opened, plaintext)
	}

	if _, err := enc.Open(sealed, []byte("oauth:refresh:other")); err == nil {
		t.Error("Open() with different additional data should fail")
	}
	if _, err := enc.Open(sealed[:4], aad); !errors.Is(err, ErrCiphertextTooShort) {
		t.Errorf("Open(truncated) error = %v, want ErrCiphertextTooShort", err)
	}
}

func TestEncryptor_Disabled(t *testing.T) {
	enc, err := NewEncryptor(nil)
	if err != nil {
		t.Fatalf("NewEncryptor(nil) error = %v", err)
	}
	if enc.IsEnabled() {
		t.Error("IsEnabled() = true without a key")
	}
	got, err := enc.Seal([]byte("plain"), nil)
	if err != nil || string(got) != "plain" {
		t.Errorf("Seal() = %q, %v; want passthrough", got, err)
	}
}

func TestNewEncryptor_BadKey(t *testing.T) {
	if _, err := NewEncryptor([]byte("short")); err == nil {
		t.Error("NewEncryptor() with a 5 byte key should fail")
	}
}

func TestKeyFromBase64(t *testing.T) {
	key, _ := GenerateKey()
	got, err := KeyFromBase64(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("KeyFromBase64() error = %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Error("KeyFromBase64() did not round trip")
	}
	if _, err := KeyFromBase64("not base64!"); err == nil {
		t.Error("KeyFromBase64() should reject invalid base64")
	}
	if _, err := KeyFromBase64(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Error("KeyFromBase64() should reject short keys")
	}
}
