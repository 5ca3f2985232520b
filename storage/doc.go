// Package storage defines the persistence ports of the authorization server
// and the records that flow through them:
//   - ClientStore: registered OAuth clients
//   - CodeStore: authorization codes with single-use consumption
//   - TokenStore: access, refresh and personal access tokens, rotation and
//     family revocation
//
// The two operations that carry the server's concurrency guarantees are
// compare-and-swap: ConsumeAuthorizationCode and RotateRefreshToken return
// true for exactly one caller per code or refresh token, however requests
// interleave. Callers must check the flag before issuing anything.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process reference implementation
//   - storage/redis: Redis adapter using Lua scripts for the atomic operations
//   - storage/mock: function-field stubs for fault injection in tests
package storage
