// Package storage provides interfaces and types for user, authorization code,
// and token ledger persistence.
//
// The storage package defines the core storage interfaces used throughout the
// mcpx-auth library:
//   - UserStore: Manages user credential records
//   - CodeStore: Manages single-use authorization codes
//   - TokenStore: Manages the durable ledger of issued token pairs
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/sqlite: SQLite-backed durable storage for production
package storage
