package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/mcpx-lol/mcpx-auth/storage"
)

// Token type discriminator carried in the "type" claim. It prevents a
// refresh token from being replayed as an access token and vice versa.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Token verification errors. VerifyAccessToken callers map these onto the
// single external invalid_token response; internally they stay distinct for
// logging and audit attribution.
var (
	ErrTokenMalformed        = errors.New("token is malformed")
	ErrTokenSignatureInvalid = errors.New("token signature is invalid")
	ErrTokenExpired          = errors.New("token is expired")
	ErrTokenRevoked          = errors.New("token is revoked")
	ErrWrongTokenType        = errors.New("unexpected token type")
)

// Claims is the JWT payload minted by this server.
type Claims struct {
	Username  string `json:"username"`
	TokenType string `json:"type"`
	jwt.RegisteredClaims
}

// signToken mints one signed HS256 JWT for the user.
func (s *Server) signToken(user *storage.User, jti, tokenType string, issuedAt, expiresAt time.Time) (string, error) {
	claims := &Claims{
		Username:  user.Username,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Config.Issuer,
			Subject:   strconv.FormatInt(user.ID, 10),
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.Config.JWTSecret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", tokenType, err)
	}
	return signed, nil
}

// mintTokenPair creates a fresh access+refresh pair for the user, records it
// in the token ledger, and returns the tokens. The ledger row is written
// before the tokens are released so revocation checks never miss a live jti.
func (s *Server) mintTokenPair(ctx context.Context, user *storage.User) (*oauth2.Token, error) {
	now := time.Now().UTC()
	accessExpiry := now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second)
	refreshExpiry := now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second)

	accessJTI := uuid.NewString()
	refreshJTI := uuid.NewString()

	accessToken, err := s.signToken(user, accessJTI, TokenTypeAccess, now, accessExpiry)
	if err != nil {
		return nil, err
	}
	refreshToken, err := s.signToken(user, refreshJTI, TokenTypeRefresh, now, refreshExpiry)
	if err != nil {
		return nil, err
	}

	pair := &storage.TokenPair{
		UserID:           user.ID,
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessJTI:        accessJTI,
		RefreshJTI:       refreshJTI,
		AccessExpiresAt:  accessExpiry,
		RefreshExpiresAt: refreshExpiry,
		CreatedAt:        now,
	}
	if err := s.tokenStore.SaveTokenPair(ctx, pair); err != nil {
		return nil, fmt.Errorf("save token pair: %w", err)
	}

	return &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		Expiry:       accessExpiry,
	}, nil
}

// parseToken verifies the JWT signature and registered claims and checks the
// "type" claim. It does NOT consult the token ledger; use verifyToken for
// the full check including revocation.
func (s *Server) parseToken(tokenString, wantType string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return s.Config.JWTSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(time.Duration(s.Config.ClockSkewGracePeriod)*time.Second),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrTokenMalformed
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrTokenSignatureInvalid
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		default:
			return nil, fmt.Errorf("parse token: %w", err)
		}
	}

	if claims.TokenType != wantType {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// verifyToken fully verifies a token: signature, expiry, type claim, and
// revocation state in the durable ledger. A signature-valid token whose jti
// is missing from the ledger is treated as revoked.
//
// On ErrTokenRevoked the ledger pair is still returned so callers can
// attribute the reuse attempt to a user.
func (s *Server) verifyToken(ctx context.Context, tokenString, wantType string) (*Claims, *storage.TokenPair, error) {
	claims, err := s.parseToken(tokenString, wantType)
	if err != nil {
		return nil, nil, err
	}

	pair, err := s.tokenStore.GetTokenPairByJTI(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return claims, nil, ErrTokenRevoked
		}
		return claims, nil, fmt.Errorf("look up token pair: %w", err)
	}
	if pair.Revoked {
		return claims, pair, ErrTokenRevoked
	}

	return claims, pair, nil
}

// VerifyAccessToken validates a bearer access token and resolves the user it
// was issued to. Used by the authentication middleware on every protected
// request.
func (s *Server) VerifyAccessToken(ctx context.Context, tokenString string) (*storage.User, *Claims, error) {
	claims, _, err := s.verifyToken(ctx, tokenString, TokenTypeAccess)
	if err != nil {
		return nil, nil, err
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, nil, ErrTokenMalformed
	}

	user, err := s.userStore.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			// Token outlived its user account
			return nil, nil, ErrTokenRevoked
		}
		return nil, nil, fmt.Errorf("look up user: %w", err)
	}

	return user, claims, nil
}
