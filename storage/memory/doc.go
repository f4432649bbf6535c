// Package memory provides an in-memory implementation of the storage interfaces.
//
// This package implements UserStore, CodeStore, and TokenStore using Go's
// built-in maps with mutex protection for thread safety. It is suitable for
// development and testing where persistence is not required: revocations and
// the single-use guarantee do not survive a restart.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Atomic single-use enforcement for authorization codes
//   - Automatic cleanup of expired codes and token pairs
//   - Configurable cleanup intervals
//
// For production deployments use the storage/sqlite package instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, _ := server.New(store, store, store, cfg, logger)
package memory
