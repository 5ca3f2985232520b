package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/oauth2-server/scope"
)

const (
	// MinKeyLength is the minimum HMAC signing key length in bytes (256 bits).
	MinKeyLength = 32

	// MinOpaqueBytes is the minimum entropy of opaque tokens in bytes.
	MinOpaqueBytes = 32
)

// Verification errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("token revoked")
	ErrWeakKey      = fmt.Errorf("signing key must be at least %d bytes", MinKeyLength)
)

// RevocationChecker reports whether a jti may no longer be used. Unknown
// jtis must be reported as revoked.
type RevocationChecker interface {
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// Claims are the JWT claims of an access token.
type Claims struct {
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// Scopes returns the parsed scope claim.
func (c *Claims) Scopes() []string {
	return scope.Parse(c.Scope)
}

// Issuer signs and verifies access tokens.
type Issuer struct {
	issuer      string
	key         []byte
	revocations RevocationChecker
}

// NewIssuer creates an issuer. revocations may be nil, in which case Verify
// skips the revocation lookup.
func NewIssuer(issuer string, key []byte, revocations RevocationChecker) (*Issuer, error) {
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("%w, got %d", ErrWeakKey, len(key))
	}
	return &Issuer{
		issuer:      issuer,
		key:         append([]byte(nil), key...),
		revocations: revocations,
	}, nil
}

// Issuer returns the iss value stamped into tokens.
func (i *Issuer) Issuer() string {
	return i.issuer
}

// IssueAccessToken signs a new access token. subjectID may be empty for
// client credentials tokens, in which case the sub claim is omitted.
func (i *Issuer) IssueAccessToken(clientID, subjectID string, scopes []string, ttl time.Duration, now time.Time) (raw, jti string, expiresAt time.Time, err error) {
	jti = uuid.NewString()
	expiresAt = now.Add(ttl)

	claims := Claims{
		Scope:    scope.Format(scopes),
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subjectID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        jti,
		},
	}

	raw, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return raw, jti, expiresAt, nil
}

// Verify checks algorithm, signature, issuer, time claims against now and
// the revocation state of the jti.
func (i *Issuer) Verify(ctx context.Context, raw string, now time.Time) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)

	if _, err := parser.ParseWithClaims(raw, claims, i.keyFunc); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}

	if i.revocations != nil {
		revoked, err := i.revocations.IsAccessTokenRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to check revocation: %w", err)
		}
		if revoked {
			return nil, ErrTokenRevoked
		}
	}
	return claims, nil
}

// Parse checks only the signature and algorithm. Introspection and
// revocation use it to identify expired tokens.
func (i *Issuer) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := parser.ParseWithClaims(raw, claims, i.keyFunc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Issuer != i.issuer {
		return nil, fmt.Errorf("%w: unexpected issuer", ErrInvalidToken)
	}
	return claims, nil
}

func (i *Issuer) keyFunc(*jwt.Token) (any, error) {
	return i.key, nil
}

// IssueOpaque returns n random bytes as unpadded base64url.
func IssueOpaque(n int) (string, error) {
	if n < MinOpaqueBytes {
		return "", fmt.Errorf("opaque tokens need at least %d bytes of entropy, got %d", MinOpaqueBytes, n)
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// LooksLikeJWT reports whether raw has the three dot-separated segments of a
// compact JWS.
func LooksLikeJWT(raw string) bool {
	dots := 0
	for i := 0; i < len(raw); i++ {
		if raw[i] == '.' {
			dots++
		}
	}
	return dots == 2
}
