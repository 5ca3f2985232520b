// Package memory provides an in-memory implementation of the storage ports.
//
// Every operation runs under a single sync.RWMutex, which makes the
// compare-and-swap operations (ConsumeAuthorizationCode and
// RotateRefreshToken) trivially linearizable. A background goroutine removes
// expired records; revoked refresh tokens are retained until they expire so
// replays are still recognised.
//
// It is suitable for development, tests and single-instance deployments. Use
// storage/redis when several server instances share state.
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(store, store, store, config, logger)
package memory
