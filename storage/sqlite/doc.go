// Package sqlite provides a durable SQLite-backed implementation of all
// storage interfaces. It is the production backend: authorization codes and
// the token ledger survive process restarts, which is what makes revocation
// and single-use enforcement trustworthy.
//
// The driver is modernc.org/sqlite (pure Go, no cgo). The database is opened
// in WAL mode with foreign keys enforced. Exactly-once state transitions
// (consuming a code, revoking a pair) are implemented as conditional UPDATEs
// checked via RowsAffected, so they hold across concurrent connections.
package sqlite
