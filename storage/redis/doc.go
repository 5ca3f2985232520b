// Package redis provides a Redis-backed implementation of the storage ports
// for deployments that run several server instances.
//
// # Key layout
//
// Every key starts with Config.KeyPrefix (default "oauth2:"). Raw
// authorization codes and refresh tokens never appear in key names; they are
// replaced by their SHA-256 hex digest.
//
//	{prefix}client:{client_id}          hash  data, revoked
//	{prefix}code:{sha256(code)}         hash  data, consumed
//	{prefix}access:{jti}                hash  data, revoked
//	{prefix}refresh:{sha256(token)}     hash  data, revoked
//	{prefix}family:{family_id}          set   member record keys
//	{prefix}pat:{token_hash}            hash  data, revoked
//	{prefix}pat:subject:{subject_id}    set   token hashes
//
// The data field holds the JSON record, optionally sealed with
// security.Encryptor using the record key as additional data. Mutable flags
// live in their own hash fields so the Lua scripts behind
// ConsumeAuthorizationCode, RotateRefreshToken and RevokeFamily can flip
// them atomically without decrypting anything.
//
// Records carry a TTL derived from their ExpiresAt, so Redis itself performs
// the expiry sweep.
//
// RevokeFamily touches keys that are not passed as KEYS to its script, so
// the adapter targets a single Redis primary (optionally behind Sentinel),
// not Redis Cluster.
package redis
