package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcpx-lol/mcpx-auth/instrumentation"
	"github.com/mcpx-lol/mcpx-auth/internal/util"
	"github.com/mcpx-lol/mcpx-auth/security"
	"github.com/mcpx-lol/mcpx-auth/storage"
)

// tokenIDLogLength is the number of characters to include when logging token
// and code identifiers. This provides enough uniqueness for debugging while
// keeping logs secure.
const tokenIDLogLength = 8

// Store is an in-memory implementation of all storage interfaces.
// It implements UserStore, CodeStore, and TokenStore.
type Store struct {
	mu sync.RWMutex

	// User storage
	users      map[int64]*storage.User
	byUsername map[string]int64
	nextUserID int64

	// Authorization code storage
	authCodes map[string]*storage.AuthorizationCode

	// Token ledger
	pairs      map[int64]*storage.TokenPair
	byJTI      map[string]int64 // access or refresh jti -> pair ID
	byToken    map[string]int64 // raw token value -> pair ID
	nextPairID int64

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	usersCountAtomic     atomic.Int64
	authCodesCountAtomic atomic.Int64
	pairsCountAtomic     atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	logger          *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.UserStore  = (*Store)(nil)
	_ storage.CodeStore  = (*Store)(nil)
	_ storage.TokenStore = (*Store)(nil)
	_ storage.Store      = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		users:           make(map[int64]*storage.User),
		byUsername:      make(map[string]int64),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		pairs:           make(map[int64]*storage.TokenPair),
		byJTI:           make(map[string]int64),
		byToken:         make(map[string]int64),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	// Start background cleanup
	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}

	// Initialize atomic counters with current counts
	s.usersCountAtomic.Store(int64(len(s.users)))
	s.authCodesCountAtomic.Store(int64(len(s.authCodes)))
	s.pairsCountAtomic.Store(int64(len(s.pairs)))
	s.mu.Unlock()

	if inst != nil {
		// Register storage size callbacks using atomic counters (lock-free).
		// These provide visibility into storage size for capacity planning
		// and memory leak detection.
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.usersCountAtomic.Load() },
			func() int64 { return s.authCodesCountAtomic.Load() },
			func() int64 { return s.pairsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	close(s.stopCleanup)
}

// ============================================================
// UserStore Implementation
// ============================================================

// CreateUser inserts a user record. Usernames are unique.
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byUsername[username]; exists {
		err = fmt.Errorf("%w: %s", storage.ErrUserExists, username)
		return nil, err
	}

	s.nextUserID++
	user := &storage.User{
		ID:           s.nextUserID,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	s.users[user.ID] = user
	s.byUsername[username] = user.ID
	s.usersCountAtomic.Add(1)

	s.logger.Info("Created user", "user_id", user.ID, "username", username)

	clone := *user
	return &clone, nil
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

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUsername[username]
	if !ok {
		err = storage.ErrUserNotFound
		return nil, err
	}
	clone := *s.users[id]
	return &clone, nil
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

	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		err = storage.ErrUserNotFound
		return nil, err
	}
	clone := *user
	return &clone, nil
}

// TouchLastLogin records a successful login timestamp
func (s *Store) TouchLastLogin(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return storage.ErrUserNotFound
	}
	user.LastLogin = at
	return nil
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

	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *code
	s.authCodes[code.Code] = &clone
	s.authCodesCountAtomic.Add(1)

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"user_id", code.UserID)
	return nil
}

// ConsumeAuthorizationCode atomically checks a code and marks it used.
// SECURITY: This operation MUST hold the write lock across check and set so
// exactly one of N concurrent exchanges succeeds.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_auth_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_auth_code", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		err = storage.ErrCodeNotFound
		return nil, err
	}

	// ATOMIC check-and-set: only one caller can pass this check
	if authCode.Used {
		// SECURITY: Code already used - return it to enable reuse attribution.
		// The caller needs userID for token revocation.
		err = storage.ErrCodeUsed
		clone := *authCode
		return &clone, err
	}

	// Mark as used before the expiry check so single use holds regardless
	// of which check fails
	authCode.Used = true

	// Check expiry with clock skew grace period
	if security.IsTokenExpired(authCode.ExpiresAt) {
		err = fmt.Errorf("%w: %s", storage.ErrCodeExpired, util.SafeTruncate(code, tokenIDLogLength))
		return nil, err
	}

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	clone := *authCode
	return &clone, nil
}

// DeleteExpiredCodes removes codes whose expiry has passed
func (s *Store) DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for code, authCode := range s.authCodes {
		if authCode.ExpiresAt.Before(now) {
			delete(s.authCodes, code)
			s.authCodesCountAtomic.Add(-1)
			deleted++
		}
	}
	return deleted, nil
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

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextPairID++
	pair.ID = s.nextPairID

	clone := *pair
	s.pairs[pair.ID] = &clone
	s.byJTI[pair.AccessJTI] = pair.ID
	s.byJTI[pair.RefreshJTI] = pair.ID
	s.byToken[pair.AccessToken] = pair.ID
	s.byToken[pair.RefreshToken] = pair.ID
	s.pairsCountAtomic.Add(1)

	s.logger.Debug("Saved token pair",
		"pair_id", pair.ID,
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

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byJTI[jti]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}
	clone := *s.pairs[id]
	return &clone, nil
}

// RevokeTokenPair conditionally flips the revoked flag. Exactly one of N
// concurrent callers succeeds; the rest receive storage.ErrTokenRevoked.
func (s *Store) RevokeTokenPair(ctx context.Context, id int64) error {
	ctx, span := s.startStorageSpan(ctx, "revoke_token_pair")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_token_pair", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	pair, ok := s.pairs[id]
	if !ok {
		err = storage.ErrTokenNotFound
		return err
	}
	if pair.Revoked {
		err = storage.ErrTokenRevoked
		return err
	}
	pair.Revoked = true

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

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byToken[token]
	if !ok {
		return nil
	}
	if pair := s.pairs[id]; !pair.Revoked {
		pair.Revoked = true
		s.logger.Info("Revoked token pair by token value",
			"token_prefix", util.SafeTruncate(token, tokenIDLogLength))
	}
	return nil
}

// ListTokenPairsByUser retrieves all pairs for a user
func (s *Store) ListTokenPairsByUser(ctx context.Context, userID int64) ([]*storage.TokenPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pairs []*storage.TokenPair
	for _, pair := range s.pairs {
		if pair.UserID == userID {
			clone := *pair
			pairs = append(pairs, &clone)
		}
	}
	return pairs, nil
}

// DeleteExpiredTokenPairs removes pairs whose refresh expiry has passed
func (s *Store) DeleteExpiredTokenPairs(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, pair := range s.pairs {
		if pair.RefreshExpiresAt.Before(now) {
			s.removePairLocked(id, pair)
			deleted++
		}
	}
	return deleted, nil
}

// removePairLocked drops a pair and its lookup entries. Caller holds the
// write lock.
func (s *Store) removePairLocked(id int64, pair *storage.TokenPair) {
	delete(s.pairs, id)
	delete(s.byJTI, pair.AccessJTI)
	delete(s.byJTI, pair.RefreshJTI)
	delete(s.byToken, pair.AccessToken)
	delete(s.byToken, pair.RefreshToken)
	s.pairsCountAtomic.Add(-1)
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	// Cleanup expired authorization codes (with clock skew grace period)
	for code, authCode := range s.authCodes {
		if security.IsTokenExpired(authCode.ExpiresAt) {
			delete(s.authCodes, code)
			s.authCodesCountAtomic.Add(-1)
			cleaned++
		}
	}

	// Cleanup token pairs past their refresh expiry (with clock skew grace
	// period). Revoked pairs are kept until then so revocation stays
	// observable for the token's whole lifetime.
	for id, pair := range s.pairs {
		if security.IsTokenExpired(pair.RefreshExpiresAt) {
			s.removePairLocked(id, pair)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
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
