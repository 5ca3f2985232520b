package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

// PKCE code challenge methods.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
	PKCEMethodNone  = "none"
)

// RFC 7636 section 4.1 verifier bounds.
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

// PKCE verification errors. All of them surface to clients as invalid_grant.
var (
	ErrPKCEMismatch          = errors.New("pkce: code_verifier does not match code_challenge")
	ErrPKCEVerifierMissing   = errors.New("pkce: code_verifier is required")
	ErrPKCEVerifierFormat    = errors.New("pkce: code_verifier is malformed")
	ErrPKCEChallengeRequired = errors.New("pkce: public clients must use a code_challenge")
	ErrPKCEUnsupportedMethod = errors.New("pkce: unsupported code_challenge_method")
)

// PKCEOptions tunes verifier validation.
type PKCEOptions struct {
	// StrictLength enforces the 43-128 character verifier length.
	StrictLength bool

	// DisablePlain rejects the plain method.
	DisablePlain bool
}

// NormalizePKCEMethod maps an absent method to the RFC default. A challenge
// without a method means plain; no challenge at all means none.
func NormalizePKCEMethod(challenge, method string) string {
	if challenge == "" {
		return PKCEMethodNone
	}
	if method == "" {
		return PKCEMethodPlain
	}
	return method
}

// ValidatePKCEMethod checks a method at authorization time.
func ValidatePKCEMethod(method string, opts PKCEOptions) error {
	switch method {
	case PKCEMethodS256, PKCEMethodNone:
		return nil
	case PKCEMethodPlain:
		if opts.DisablePlain {
			return fmt.Errorf("%w: plain is disabled", ErrPKCEUnsupportedMethod)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrPKCEUnsupportedMethod, method)
	}
}

// VerifyPKCE checks verifier against the challenge stored with a code.
//
// Method none is accepted only for confidential clients, and then the
// verifier must be absent too so a client cannot downgrade a flow that was
// started with a challenge.
func VerifyPKCE(verifier, challenge, method string, confidential bool, opts PKCEOptions) error {
	method = NormalizePKCEMethod(challenge, method)

	if method == PKCEMethodNone {
		if !confidential {
			return ErrPKCEChallengeRequired
		}
		if verifier != "" {
			return fmt.Errorf("%w: no challenge was registered", ErrPKCEMismatch)
		}
		return nil
	}

	if verifier == "" {
		return ErrPKCEVerifierMissing
	}
	if err := validateVerifier(verifier, opts.StrictLength); err != nil {
		return err
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		computed = S256Challenge(verifier)
	case PKCEMethodPlain:
		if opts.DisablePlain {
			return fmt.Errorf("%w: plain is disabled", ErrPKCEUnsupportedMethod)
		}
		computed = verifier
	default:
		return fmt.Errorf("%w: %q", ErrPKCEUnsupportedMethod, method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrPKCEMismatch
	}
	return nil
}

// S256Challenge returns base64url(sha256(verifier)) without padding.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// validateVerifier enforces the unreserved character set of RFC 7636 and,
// when strict, the length bounds.
func validateVerifier(verifier string, strict bool) error {
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("%w: longer than %d characters", ErrPKCEVerifierFormat, MaxCodeVerifierLength)
	}
	if strict && len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("%w: shorter than %d characters", ErrPKCEVerifierFormat, MinCodeVerifierLength)
	}
	for i := 0; i < len(verifier); i++ {
		if !isUnreserved(verifier[i]) {
			return fmt.Errorf("%w: invalid character", ErrPKCEVerifierFormat)
		}
	}
	return nil
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}
