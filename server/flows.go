package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/mcpx-lol/mcpx-auth/storage"
)

// OAuth 2.0 error codes from RFC 6749.
// Note: These are intentionally duplicated from the root package's errors.go
// to avoid circular imports (root package imports server for type aliases,
// server can't import root). Keep these in sync with errors.go.
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
)

// ValidateAuthorizationRequest checks the query parameters of a GET/POST
// authorize request before any login form is shown. These errors are
// rendered to the resource owner, not the client, so they stay descriptive.
// The redirect URI is never followed when it fails validation.
func (s *Server) ValidateAuthorizationRequest(responseType, clientID, redirectURI, codeChallenge, codeChallengeMethod string) error {
	if responseType != "code" {
		return fmt.Errorf("unsupported response_type: only 'code' is supported")
	}

	if clientID != s.Config.ClientID {
		return fmt.Errorf("unknown client_id")
	}

	if redirectURI == "" {
		return fmt.Errorf("redirect_uri is required")
	}
	if err := validateRedirectURISecurity(redirectURI, s.Config.Issuer, s.Config.AllowedCustomSchemes); err != nil {
		return err
	}

	if codeChallenge == "" {
		if s.Config.RequirePKCE {
			return fmt.Errorf("code_challenge is required (PKCE)")
		}
		return nil
	}

	switch codeChallengeMethod {
	case PKCEMethodS256:
	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("code_challenge_method 'plain' is not allowed")
		}
	case "":
		return fmt.Errorf("code_challenge_method is required when code_challenge is present")
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", codeChallengeMethod)
	}

	return nil
}

// IssueAuthorizationCode mints a single-use authorization code for a user who
// just authenticated, binding it to the client, redirect URI, and PKCE
// challenge presented at the authorization endpoint.
func (s *Server) IssueAuthorizationCode(ctx context.Context, user *storage.User, clientID, redirectURI, codeChallenge, codeChallengeMethod string) (string, error) {
	now := time.Now().UTC()
	authCode := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		UserID:              user.ID,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}

	if err := s.codeStore.SaveAuthorizationCode(ctx, authCode); err != nil {
		return "", fmt.Errorf("save authorization code: %w", err)
	}

	s.Logger.Debug("Authorization code issued",
		"user_id", user.ID,
		"client_id", clientID,
		"code_prefix", safeTruncate(authCode.Code, 8))

	return authCode.Code, nil
}

// ExchangeAuthorizationCode exchanges an authorization code for a token pair.
// All validation failures collapse to a generic invalid_grant error per
// RFC 6749; the specific reason is logged and audited but never revealed to
// the client.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, redirectURI, codeVerifier, clientIP string) (*oauth2.Token, error) {
	// SECURITY: Atomically check and mark the authorization code as used.
	// This prevents race conditions where multiple concurrent requests could
	// exchange the same code.
	authCode, err := s.codeStore.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrCodeUsed) && authCode != nil {
			// CRITICAL SECURITY: Code reuse indicates a potential token theft
			// attack. OAuth 2.1 requires revoking ALL tokens issued to this
			// user when code reuse is detected.
			// Rate limit logging to prevent DoS via log flooding.
			if s.allowSecurityEvent(strconv.FormatInt(authCode.UserID, 10) + ":" + clientID) {
				s.Logger.Error("Authorization code reuse detected - revoking all tokens",
					"user_id", authCode.UserID,
					"client_id", clientID,
					"oauth_spec", "OAuth 2.1 Section 4.1.2")
			}

			if revErr := s.revokeAllTokensForUser(ctx, authCode.UserID); revErr != nil {
				s.Logger.Error("Failed to revoke tokens after code reuse detection", "error", revErr)
			}

			if s.Auditor != nil {
				s.Auditor.LogCodeReuseDetected(authCode.UserID, clientID, clientIP)
				s.Auditor.LogAuthFailure(authCode.UserID, "", clientIP, "authorization_code_reuse")
			}

			// Return generic error per RFC 6749 (don't reveal details to attacker)
			return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
		}

		// Other error (not found, expired, etc.)
		// SECURITY: Log the detailed reason for debugging, return generic error to client
		s.Logger.Debug("Authorization code validation failed",
			"reason", err.Error(),
			"client_id", clientID,
			"code_prefix", safeTruncate(code, 8))

		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(0, "", clientIP, "invalid_authorization_code")
		}
		return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	// Code is now atomically marked as used - no other request can use it

	// Validate client ID matches the one the code was issued to
	if authCode.ClientID != clientID {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", authCode.ClientID,
			"provided_client_id", clientID,
			"code_prefix", safeTruncate(code, 8))

		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(authCode.UserID, "", clientIP, "client_id_mismatch")
		}
		return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	// Validate redirect URI matches the one presented at authorization
	if authCode.RedirectURI != redirectURI {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"expected_uri", authCode.RedirectURI,
			"provided_uri", redirectURI,
			"client_id", clientID,
			"code_prefix", safeTruncate(code, 8))

		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(authCode.UserID, "", clientIP, "redirect_uri_mismatch")
		}
		return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	// Validate PKCE if the code carries a challenge
	if authCode.CodeChallenge != "" {
		if err := s.validatePKCE(authCode.CodeChallenge, authCode.CodeChallengeMethod, codeVerifier); err != nil {
			s.Logger.Debug("Authorization code validation failed",
				"reason", "pkce_verification_failed",
				"detail", err.Error(),
				"client_id", clientID,
				"code_prefix", safeTruncate(code, 8))

			if s.Auditor != nil {
				s.Auditor.LogInvalidPKCE(authCode.UserID, clientID, clientIP, authCode.CodeChallengeMethod)
				s.Auditor.LogAuthFailure(authCode.UserID, "", clientIP, "pkce_verification_failed")
			}
			return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
		}
	}

	user, err := s.userStore.GetUserByID(ctx, authCode.UserID)
	if err != nil {
		s.Logger.Error("Failed to load user for code exchange",
			"user_id", authCode.UserID, "error", err)
		return nil, fmt.Errorf("%s: internal error", ErrorCodeServerError)
	}

	token, err := s.mintTokenPair(ctx, user)
	if err != nil {
		s.Logger.Error("Failed to mint token pair", "user_id", user.ID, "error", err)
		return nil, fmt.Errorf("%s: internal error", ErrorCodeServerError)
	}

	// NOTE: The authorization code is NOT deleted here (OAuth 2.1 security).
	// It stays marked as used so later exchange attempts are detected as
	// reuse, a token theft indicator. The cleanup sweep removes it after
	// expiry.

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(user.ID, clientID, clientIP, "authorization_code")
	}

	return token, nil
}

// RefreshAccessToken rotates a refresh token: it verifies and revokes the
// presented pair and mints a fresh one. The conditional revocation is the
// synchronization point - only one of N concurrent requests with the same
// refresh token succeeds, the rest are treated as reuse.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientIP string) (*oauth2.Token, error) {
	_, pair, err := s.verifyToken(ctx, refreshToken, TokenTypeRefresh)
	if err != nil {
		if errors.Is(err, ErrTokenRevoked) && pair != nil {
			return nil, s.handleRefreshReuse(ctx, pair, clientIP)
		}

		s.Logger.Debug("Refresh token validation failed",
			"reason", err.Error(),
			"token_prefix", safeTruncate(refreshToken, 8))

		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(0, "", clientIP, "invalid_refresh_token")
		}
		return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	// SECURITY: Atomically revoke the old pair BEFORE minting the new one.
	// Exactly one concurrent refresh wins this conditional update; losers
	// land in the reuse path.
	if err := s.tokenStore.RevokeTokenPair(ctx, pair.ID); err != nil {
		if errors.Is(err, storage.ErrTokenRevoked) {
			return nil, s.handleRefreshReuse(ctx, pair, clientIP)
		}
		s.Logger.Error("Failed to revoke rotated token pair", "pair_id", pair.ID, "error", err)
		return nil, fmt.Errorf("%s: internal error", ErrorCodeServerError)
	}

	user, err := s.userStore.GetUserByID(ctx, pair.UserID)
	if err != nil {
		s.Logger.Error("Failed to load user for token refresh",
			"user_id", pair.UserID, "error", err)
		return nil, fmt.Errorf("%s: internal error", ErrorCodeServerError)
	}

	token, err := s.mintTokenPair(ctx, user)
	if err != nil {
		s.Logger.Error("Failed to mint rotated token pair", "user_id", user.ID, "error", err)
		return nil, fmt.Errorf("%s: internal error", ErrorCodeServerError)
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(user.ID, s.Config.ClientID, clientIP)
	}

	s.Logger.Debug("Refresh token rotated", "user_id", user.ID)

	return token, nil
}

// handleRefreshReuse handles a refresh token that was already rotated or
// revoked: a strong signal the token was stolen. All of the user's
// outstanding tokens are revoked per OAuth 2.1.
func (s *Server) handleRefreshReuse(ctx context.Context, pair *storage.TokenPair, clientIP string) error {
	// Rate limit logging to prevent DoS via log flooding
	if s.allowSecurityEvent("refresh_reuse:" + strconv.FormatInt(pair.UserID, 10)) {
		s.Logger.Error("Refresh token reuse detected - revoking all tokens",
			"user_id", pair.UserID,
			"pair_id", pair.ID,
			"oauth_spec", "OAuth 2.1 Section 4.3.1")
	}

	if err := s.revokeAllTokensForUser(ctx, pair.UserID); err != nil {
		s.Logger.Error("Failed to revoke tokens after refresh reuse detection", "error", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogRefreshReuseDetected(pair.UserID, clientIP)
		s.Auditor.LogAuthFailure(pair.UserID, "", clientIP, "refresh_token_reuse")
	}

	// Return generic error per RFC 6749 (don't reveal details to attacker)
	return fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
}

// RevokeToken revokes the token pair owning the given raw token string
// (access or refresh). Per RFC 7009 revocation is idempotent: unknown or
// already-revoked tokens are not an error.
func (s *Server) RevokeToken(ctx context.Context, token, tokenTypeHint, clientIP string) error {
	if err := s.tokenStore.RevokeByToken(ctx, token); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}

	// The hint is advisory (RFC 7009 Section 2.1): the ledger lookup matches
	// either column, so it is only recorded for audit purposes.
	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(0, clientIP, tokenTypeHint)
	}

	s.Logger.Info("Token revoked", "token_prefix", safeTruncate(token, 8), "ip", clientIP)
	return nil
}

// revokeAllTokensForUser revokes every outstanding token pair for a user.
// Called on code or refresh token reuse detection.
func (s *Server) revokeAllTokensForUser(ctx context.Context, userID int64) error {
	pairs, err := s.tokenStore.ListTokenPairsByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list token pairs: %w", err)
	}

	var failed int
	for _, pair := range pairs {
		if pair.Revoked {
			continue
		}
		if err := s.tokenStore.RevokeTokenPair(ctx, pair.ID); err != nil {
			// Losing the race to another revocation is fine
			if errors.Is(err, storage.ErrTokenRevoked) {
				continue
			}
			failed++
			s.Logger.Error("Failed to revoke token pair", "pair_id", pair.ID, "error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("failed to revoke %d of %d token pairs", failed, len(pairs))
	}

	s.Logger.Info("Revoked all tokens for user", "user_id", userID, "count", len(pairs))
	return nil
}
