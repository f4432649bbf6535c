package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/mcpx-lol/mcpx-auth/instrumentation"
	"github.com/mcpx-lol/mcpx-auth/internal/util"
	"github.com/mcpx-lol/mcpx-auth/security"
	"github.com/mcpx-lol/mcpx-auth/storage"
)

// tokenIDLogLength is the number of characters to include when logging token
// and code identifiers. Enough uniqueness for debugging, never the full value.
const tokenIDLogLength = 8

// schema is applied on every Open. Statements are idempotent so opening an
// existing database is a no-op.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT    NOT NULL UNIQUE,
	password_hash TEXT    NOT NULL,
	created_at    INTEGER NOT NULL,
	last_login    INTEGER
);

CREATE TABLE IF NOT EXISTS oauth_auth_codes (
	code                  TEXT    PRIMARY KEY,
	user_id               INTEGER NOT NULL REFERENCES users(id),
	client_id             TEXT    NOT NULL,
	redirect_uri          TEXT    NOT NULL,
	code_challenge        TEXT    NOT NULL,
	code_challenge_method TEXT    NOT NULL,
	created_at            INTEGER NOT NULL,
	expires_at            INTEGER NOT NULL,
	used                  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS oauth_tokens (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id            INTEGER NOT NULL REFERENCES users(id),
	access_token       TEXT    NOT NULL UNIQUE,
	refresh_token      TEXT    NOT NULL UNIQUE,
	access_jti         TEXT    NOT NULL UNIQUE,
	refresh_jti        TEXT    NOT NULL UNIQUE,
	access_expires_at  INTEGER NOT NULL,
	refresh_expires_at INTEGER NOT NULL,
	created_at         INTEGER NOT NULL,
	revoked            INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_oauth_tokens_user_id ON oauth_tokens(user_id);
CREATE INDEX IF NOT EXISTS idx_oauth_auth_codes_expires_at ON oauth_auth_codes(expires_at);
`

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store is a SQLite-backed implementation of all storage interfaces.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// Compile-time interface checks
var (
	_ storage.UserStore  = (*Store)(nil)
	_ storage.CodeStore  = (*Store)(nil)
	_ storage.TokenStore = (*Store)(nil)
	_ storage.Store      = (*Store)(nil)
)

// Open opens (creating if necessary) the SQLite database at path and applies
// the schema. The file is opened in WAL mode with foreign keys enforced.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: slog.Default(),
	}, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the raw database handle for maintenance callers.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// ============================================================
// UserStore Implementation
// ============================================================

// CreateUser inserts a user record. The username is unique; inserting a
// duplicate returns storage.ErrUserExists.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*storage.User, error) {
	ctx, span := s.startStorageSpan(ctx, "create_user")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "create_user", err, startTime)
	}()

	if username == "" {
		err = fmt.Errorf("username cannot be empty")
		return nil, err
	}
	if passwordHash == "" {
		err = fmt.Errorf("passwordHash cannot be empty")
		return nil, err
	}

	now := time.Now().UTC()
	res, execErr := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, passwordHash, toMillis(now))
	if execErr != nil {
		if isUniqueViolation(execErr) {
			err = fmt.Errorf("%w: %s", storage.ErrUserExists, username)
			return nil, err
		}
		err = fmt.Errorf("insert user: %w", execErr)
		return nil, err
	}

	id, idErr := res.LastInsertId()
	if idErr != nil {
		err = fmt.Errorf("user id: %w", idErr)
		return nil, err
	}

	s.logger.Info("Created user", "user_id", id, "username", username)

	return &storage.User{
		ID:           id,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    now,
	}, nil
}

// GetUserByUsername retrieves a user by username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	ctx, span := s.startStorageSpan(ctx, "get_user_by_username")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_user_by_username", err, startTime)
	}()

	user, err := s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at, last_login FROM users WHERE username = ?`,
		username))
	return user, err
}

// GetUserByID retrieves a user by ID
func (s *Store) GetUserByID(ctx context.Context, id int64) (*storage.User, error) {
	ctx, span := s.startStorageSpan(ctx, "get_user_by_id")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_user_by_id", err, startTime)
	}()

	user, err := s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at, last_login FROM users WHERE id = ?`,
		id))
	return user, err
}

// TouchLastLogin records a successful login timestamp
func (s *Store) TouchLastLogin(ctx context.Context, id int64, at time.Time) error {
	ctx, span := s.startStorageSpan(ctx, "touch_last_login")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "touch_last_login", err, startTime)
	}()

	res, execErr := s.db.ExecContext(ctx,
		`UPDATE users SET last_login = ? WHERE id = ?`,
		toMillis(at), id)
	if execErr != nil {
		err = fmt.Errorf("update last_login: %w", execErr)
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		err = fmt.Errorf("%w: id %d", storage.ErrUserNotFound, id)
		return err
	}
	return nil
}

// scanUser maps a user row onto the domain type, translating sql.ErrNoRows
// into the storage sentinel.
func (s *Store) scanUser(row *sql.Row) (*storage.User, error) {
	var (
		user      storage.User
		createdAt int64
		lastLogin sql.NullInt64
	)
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &createdAt, &lastLogin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrUserNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	user.CreatedAt = fromMillis(createdAt)
	if lastLogin.Valid {
		user.LastLogin = fromMillis(lastLogin.Int64)
	}
	return &user, nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode persists a freshly issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_auth_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_auth_code", err, startTime)
	}()

	if code == nil {
		err = fmt.Errorf("code cannot be nil")
		return err
	}
	if code.Code == "" {
		err = fmt.Errorf("code value cannot be empty")
		return err
	}

	_, execErr := s.db.ExecContext(ctx,
		`INSERT INTO oauth_auth_codes
		 (code, user_id, client_id, redirect_uri, code_challenge, code_challenge_method, created_at, expires_at, used)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		code.Code, code.UserID, code.ClientID, code.RedirectURI,
		code.CodeChallenge, code.CodeChallengeMethod,
		toMillis(code.CreatedAt), toMillis(code.ExpiresAt))
	if execErr != nil {
		err = fmt.Errorf("insert authorization code: %w", execErr)
		return err
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"user_id", code.UserID)
	return nil
}

// ConsumeAuthorizationCode atomically marks a code used and returns it.
// The used flag is flipped by a conditional UPDATE, so exactly one of N
// concurrent exchanges wins even across separate connections.
// SECURITY: an expired code is still marked used on the way through; single
// use holds regardless of which check fails.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_auth_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_auth_code", err, startTime)
	}()

	res, execErr := s.db.ExecContext(ctx,
		`UPDATE oauth_auth_codes SET used = 1 WHERE code = ? AND used = 0`,
		code)
	if execErr != nil {
		err = fmt.Errorf("mark authorization code used: %w", execErr)
		return nil, err
	}
	won, _ := res.RowsAffected()

	stored, scanErr := s.getAuthorizationCode(ctx, code)
	if scanErr != nil {
		err = scanErr
		return nil, err
	}

	if won == 0 {
		// SECURITY: Code already used - return it to enable reuse attribution.
		// The caller needs userID for token revocation.
		err = storage.ErrCodeUsed
		return stored, err
	}

	// Check expiry with clock skew grace period
	if security.IsTokenExpired(stored.ExpiresAt) {
		err = fmt.Errorf("%w: %s", storage.ErrCodeExpired, util.SafeTruncate(code, tokenIDLogLength))
		return nil, err
	}

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return stored, nil
}

// DeleteExpiredCodes removes codes whose expiry has passed
func (s *Store) DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_auth_codes WHERE expires_at < ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired codes: %w", err)
	}
	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		s.logger.Debug("Cleaned up expired authorization codes", "count", deleted)
	}
	return deleted, nil
}

func (s *Store) getAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	var (
		ac        storage.AuthorizationCode
		createdAt int64
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT code, user_id, client_id, redirect_uri, code_challenge, code_challenge_method, created_at, expires_at, used
		 FROM oauth_auth_codes WHERE code = ?`,
		code).Scan(&ac.Code, &ac.UserID, &ac.ClientID, &ac.RedirectURI,
		&ac.CodeChallenge, &ac.CodeChallengeMethod, &createdAt, &expiresAt, &ac.Used)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrCodeNotFound
		}
		return nil, fmt.Errorf("scan authorization code: %w", err)
	}
	ac.CreatedAt = fromMillis(createdAt)
	ac.ExpiresAt = fromMillis(expiresAt)
	return &ac, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveTokenPair persists a newly minted token pair and assigns its ID
func (s *Store) SaveTokenPair(ctx context.Context, pair *storage.TokenPair) error {
	ctx, span := s.startStorageSpan(ctx, "save_token_pair")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_token_pair", err, startTime)
	}()

	if pair == nil {
		err = fmt.Errorf("pair cannot be nil")
		return err
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		err = fmt.Errorf("tokens cannot be empty")
		return err
	}

	res, execErr := s.db.ExecContext(ctx,
		`INSERT INTO oauth_tokens
		 (user_id, access_token, refresh_token, access_jti, refresh_jti, access_expires_at, refresh_expires_at, created_at, revoked)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		pair.UserID, pair.AccessToken, pair.RefreshToken,
		pair.AccessJTI, pair.RefreshJTI,
		toMillis(pair.AccessExpiresAt), toMillis(pair.RefreshExpiresAt),
		toMillis(pair.CreatedAt))
	if execErr != nil {
		err = fmt.Errorf("insert token pair: %w", execErr)
		return err
	}

	id, idErr := res.LastInsertId()
	if idErr != nil {
		err = fmt.Errorf("token pair id: %w", idErr)
		return err
	}
	pair.ID = id

	s.logger.Debug("Saved token pair",
		"pair_id", id,
		"user_id", pair.UserID,
		"access_jti", util.SafeTruncate(pair.AccessJTI, tokenIDLogLength))
	return nil
}

// GetTokenPairByJTI retrieves a pair by either its access or refresh jti
func (s *Store) GetTokenPairByJTI(ctx context.Context, jti string) (*storage.TokenPair, error) {
	ctx, span := s.startStorageSpan(ctx, "get_token_pair_by_jti")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_token_pair_by_jti", err, startTime)
	}()

	pair, err := s.scanTokenPair(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, access_token, refresh_token, access_jti, refresh_jti,
		        access_expires_at, refresh_expires_at, created_at, revoked
		 FROM oauth_tokens WHERE access_jti = ? OR refresh_jti = ?`,
		jti, jti))
	return pair, err
}

// RevokeTokenPair conditionally flips the revoked flag. Exactly one of N
// concurrent callers wins; losers receive storage.ErrTokenRevoked. This is
// the synchronization point for refresh token rotation.
func (s *Store) RevokeTokenPair(ctx context.Context, id int64) error {
	ctx, span := s.startStorageSpan(ctx, "revoke_token_pair")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_token_pair", err, startTime)
	}()

	res, execErr := s.db.ExecContext(ctx,
		`UPDATE oauth_tokens SET revoked = 1 WHERE id = ? AND revoked = 0`,
		id)
	if execErr != nil {
		err = fmt.Errorf("revoke token pair: %w", execErr)
		return err
	}

	if affected, _ := res.RowsAffected(); affected == 0 {
		var exists int
		if scanErr := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM oauth_tokens WHERE id = ?`, id).Scan(&exists); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				err = fmt.Errorf("%w: id %d", storage.ErrTokenNotFound, id)
				return err
			}
			err = fmt.Errorf("check token pair: %w", scanErr)
			return err
		}
		err = storage.ErrTokenRevoked
		return err
	}

	s.logger.Debug("Revoked token pair", "pair_id", id)
	return nil
}

// RevokeByToken marks the pair owning the given raw token string as revoked.
// Idempotent: revoking an unknown or already-revoked token is not an error.
func (s *Store) RevokeByToken(ctx context.Context, token string) error {
	ctx, span := s.startStorageSpan(ctx, "revoke_by_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_by_token", err, startTime)
	}()

	res, execErr := s.db.ExecContext(ctx,
		`UPDATE oauth_tokens SET revoked = 1 WHERE access_token = ? OR refresh_token = ?`,
		token, token)
	if execErr != nil {
		err = fmt.Errorf("revoke by token: %w", execErr)
		return err
	}

	if affected, _ := res.RowsAffected(); affected > 0 {
		s.logger.Info("Revoked token pair by token value",
			"token_prefix", util.SafeTruncate(token, tokenIDLogLength))
	}
	return nil
}

// ListTokenPairsByUser retrieves all pairs for a user, newest first
func (s *Store) ListTokenPairsByUser(ctx context.Context, userID int64) ([]*storage.TokenPair, error) {
	ctx, span := s.startStorageSpan(ctx, "list_token_pairs_by_user")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "list_token_pairs_by_user", err, startTime)
	}()

	rows, queryErr := s.db.QueryContext(ctx,
		`SELECT id, user_id, access_token, refresh_token, access_jti, refresh_jti,
		        access_expires_at, refresh_expires_at, created_at, revoked
		 FROM oauth_tokens WHERE user_id = ? ORDER BY created_at DESC`,
		userID)
	if queryErr != nil {
		err = fmt.Errorf("list token pairs: %w", queryErr)
		return nil, err
	}
	defer rows.Close()

	var pairs []*storage.TokenPair
	for rows.Next() {
		pair, scanErr := scanTokenPairRow(rows)
		if scanErr != nil {
			err = scanErr
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		err = fmt.Errorf("iterate token pairs: %w", rowsErr)
		return nil, err
	}
	return pairs, nil
}

// DeleteExpiredTokenPairs removes pairs whose refresh expiry has passed
func (s *Store) DeleteExpiredTokenPairs(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_tokens WHERE refresh_expires_at < ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired token pairs: %w", err)
	}
	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		s.logger.Debug("Cleaned up expired token pairs", "count", deleted)
	}
	return deleted, nil
}

// scanner abstracts *sql.Row and *sql.Rows for token pair scans.
type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanTokenPair(row *sql.Row) (*storage.TokenPair, error) {
	pair, err := scanTokenPairRow(row)
	if err != nil {
		return nil, err
	}
	return pair, nil
}

func scanTokenPairRow(row scanner) (*storage.TokenPair, error) {
	var (
		pair             storage.TokenPair
		accessExpiresAt  int64
		refreshExpiresAt int64
		createdAt        int64
	)
	if err := row.Scan(&pair.ID, &pair.UserID, &pair.AccessToken, &pair.RefreshToken,
		&pair.AccessJTI, &pair.RefreshJTI, &accessExpiresAt, &refreshExpiresAt,
		&createdAt, &pair.Revoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("scan token pair: %w", err)
	}
	pair.AccessExpiresAt = fromMillis(accessExpiresAt)
	pair.RefreshExpiresAt = fromMillis(refreshExpiresAt)
	pair.CreatedAt = fromMillis(createdAt)
	return &pair, nil
}

// isUniqueViolation detects SQLite unique constraint failures without
// depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else {
		if span != nil {
			span.SetStatus(codes.Ok, "")
		}
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
