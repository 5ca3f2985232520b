// Package security holds the credential-handling primitives of the
// authorization server.
//
// # Secret hashing
//
// Hasher stores client secrets and user passwords as Argon2id PHC strings and
// verifies them in constant time. Hashing is CPU and memory bound, so every
// call is admitted through a weighted semaphore sized to GOMAXPROCS:
//
//	hasher := security.NewHasher(security.DefaultHashParams(), logger)
//	encoded, err := hasher.Hash(ctx, secret)
//	ok, err := hasher.Verify(ctx, secret, encoded)
//
// Legacy bcrypt hashes ($2a$, $2b$, $2y$) are accepted by Verify.
//
// # PKCE
//
// VerifyPKCE checks a code_verifier against the stored challenge for the S256
// and plain methods. All comparisons use crypto/subtle.
//
// # Audit logging
//
// Auditor writes "security_audit" records through slog. Subject identifiers
// are hashed before they are logged. An optional RateLimiter throttles
// repeated events per key so a replay storm cannot flood the log.
//
// # Encryption at rest
//
// Encryptor seals stored records with AES-256-GCM. A nil key disables it.
//
// # Time
//
// Clock abstracts the current time for deterministic expiry tests.
// IsExpired applies a small clock skew grace period.
package security
