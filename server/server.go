package server

import (
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/mcpx-lol/mcpx-auth/security"
	"github.com/mcpx-lol/mcpx-auth/storage"
)

// MinJWTSecretLength is the minimum accepted HMAC key length in bytes.
// HS256 keys shorter than the hash output weaken the signature.
const MinJWTSecretLength = 32

// safeTruncate safely truncates a string to maxLen characters without panicking.
// Returns the original string if it's shorter than maxLen, otherwise returns
// the first maxLen characters. This prevents index out of bounds errors when logging.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Server implements the OAuth 2.1 authorization server logic.
// It verifies user credentials, issues single-use authorization codes,
// mints and rotates JWT token pairs, and records revocations against
// the durable token ledger.
type Server struct {
	userStore                storage.UserStore
	codeStore                storage.CodeStore
	tokenStore               storage.TokenStore
	Auditor                  *security.Auditor
	SecurityEventRateLimiter *security.RateLimiter // Rate limiter for security event logging (DoS prevention)
	Logger                   *slog.Logger
	Config                   *Config

	// dummyPasswordHash is compared against when a login names an unknown
	// user, so unknown-user and wrong-password failures burn comparable
	// time. It must carry the same bcrypt cost as stored password hashes;
	// a cheaper hash would make the two failure paths distinguishable by
	// latency.
	dummyPasswordHash []byte
}

// New creates a new OAuth server
func New(
	userStore storage.UserStore,
	codeStore storage.CodeStore,
	tokenStore storage.TokenStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if userStore == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if codeStore == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if config == nil {
		config = &Config{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	// Apply secure defaults
	config = applySecureDefaults(config, logger)

	if len(config.JWTSecret) < MinJWTSecretLength {
		return nil, fmt.Errorf("JWT secret must be at least %d bytes", MinJWTSecretLength)
	}

	dummyHash, err := bcrypt.GenerateFromPassword([]byte(generateRandomToken()), config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("generate dummy password hash: %w", err)
	}

	srv := &Server{
		userStore:         userStore,
		codeStore:         codeStore,
		tokenStore:        tokenStore,
		Config:            config,
		Logger:            logger,
		dummyPasswordHash: dummyHash,
	}

	// Validate HTTPS enforcement (OAuth 2.1 security requirement)
	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging
// This prevents DoS attacks via log flooding from repeated security events
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// allowSecurityEvent reports whether a security event keyed by key should be
// logged, honoring the security event rate limiter when configured.
func (s *Server) allowSecurityEvent(key string) bool {
	return s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(key)
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for authorization codes, JTIs, etc.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
