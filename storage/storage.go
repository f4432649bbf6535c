// Package storage defines interfaces for persisting users, authorization
// codes, and issued token pairs. It supports various backend implementations
// including in-memory and SQLite.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by storage implementations. Callers use errors.Is
// to distinguish exactly-once violations (already used, already revoked) from
// plain lookup misses.
var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")

	ErrCodeNotFound = errors.New("authorization code not found")
	ErrCodeUsed     = errors.New("authorization code already used")
	ErrCodeExpired  = errors.New("authorization code expired")

	ErrTokenNotFound = errors.New("token pair not found")
	ErrTokenRevoked  = errors.New("token pair revoked")
	ErrTokenExpired  = errors.New("token pair expired")
)

// User is a credential record. PasswordHash is a bcrypt hash and never
// leaves the credential verification path.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	LastLogin    time.Time // zero until the first successful login
}

// AuthorizationCode is an issued one-time code bound to a PKCE challenge.
// Used transitions false -> true exactly once; ExpiresAt is fixed at issuance.
type AuthorizationCode struct {
	Code                string
	UserID              int64
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// TokenPair is the durable record of one access+refresh token issuance.
// JWTs are self-describing but not self-revoking: the Revoked flag here is
// the single source of truth for revocation, looked up by jti.
type TokenPair struct {
	ID               int64
	UserID           int64
	AccessToken      string
	RefreshToken     string
	AccessJTI        string
	RefreshJTI       string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	CreatedAt        time.Time
	Revoked          bool
}

// UserStore defines the interface for managing user credential records.
// All methods accept context.Context for tracing and cancellation.
type UserStore interface {
	// CreateUser inserts a user. Returns ErrUserExists if the username is taken.
	CreateUser(ctx context.Context, username, passwordHash string) (*User, error)

	// GetUserByUsername retrieves a user by username
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// GetUserByID retrieves a user by ID
	GetUserByID(ctx context.Context, id int64) (*User, error)

	// TouchLastLogin records a successful login timestamp
	TouchLastLogin(ctx context.Context, id int64, at time.Time) error
}

// CodeStore defines the interface for managing authorization codes.
// All methods accept context.Context for tracing and cancellation.
type CodeStore interface {
	// SaveAuthorizationCode persists a freshly issued code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically looks up a code, checks expiry, and
	// marks it used. Exactly one of N concurrent consumers succeeds; the rest
	// receive ErrCodeUsed. Returns an error if:
	// - Code not found
	// - Code expired
	// - Code already used (reuse detected)
	// SECURITY: This operation MUST be atomic (conditional write, not
	// read-then-write) to prevent concurrent code exchange attacks.
	//
	// On ErrCodeUsed the stored code is still returned so callers can
	// attribute the reuse attempt; on other errors nil is returned.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteExpiredCodes removes codes past their expiry and returns the
	// number deleted. Correctness does not depend on this sweep: expiry is
	// always re-checked on consumption.
	DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error)
}

// TokenStore defines the interface for the durable token ledger.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveTokenPair persists a newly minted pair and assigns its ID
	SaveTokenPair(ctx context.Context, pair *TokenPair) error

	// GetTokenPairByJTI retrieves a pair by either its access or refresh jti
	GetTokenPairByJTI(ctx context.Context, jti string) (*TokenPair, error)

	// RevokeTokenPair conditionally flips Revoked false -> true. Exactly one
	// of N concurrent callers succeeds; the rest receive ErrTokenRevoked.
	// SECURITY: This is the synchronization point for refresh token rotation.
	RevokeTokenPair(ctx context.Context, id int64) error

	// RevokeByToken marks the pair owning the given raw token string as
	// revoked. The revocation endpoint must stay idempotent, so revoking an
	// unknown or already-revoked token is not an error.
	RevokeByToken(ctx context.Context, token string) error

	// ListTokenPairsByUser retrieves all pairs for a user (bulk revocation)
	ListTokenPairsByUser(ctx context.Context, userID int64) ([]*TokenPair, error)

	// DeleteExpiredTokenPairs removes pairs whose refresh expiry has passed
	DeleteExpiredTokenPairs(ctx context.Context, now time.Time) (int64, error)
}

// Store combines the three ownership domains. Each entity is mutated only
// through its owning interface; implementations may back all three with a
// single database.
type Store interface {
	UserStore
	CodeStore
	TokenStore
}
