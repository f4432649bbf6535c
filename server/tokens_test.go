package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func TestMintTokenPair(t *testing.T) {
	srv, store := newTestServer(t, nil)
	user := createTestUser(t, srv, store, "alice", "hunter2hunter2")

	token, err := srv.mintTokenPair(context.Background(), user)
	if err != nil {
		t.Fatalf("mintTokenPair() error = %v", err)
	}

	if token.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", token.TokenType)
	}
	if token.AccessToken == "" || token.RefreshToken == "" {
		t.Fatal("both tokens must be set")
	}
	if token.AccessToken == token.RefreshToken {
		t.Error("access and refresh tokens must differ")
	}

	wantExpiry := time.Now().Add(time.Duration(srv.Config.AccessTokenTTL) * time.Second)
	if d := token.Expiry.Sub(wantExpiry); d < -5*time.Second || d > 5*time.Second {
		t.Errorf("Expiry %v not near configured access TTL", token.Expiry)
	}

	// The pair is in the ledger before the tokens are released
	pairs, err := store.ListTokenPairsByUser(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("ListTokenPairsByUser() error = %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("ledger has %d pairs, want 1", len(pairs))
	}
	if pairs[0].Revoked {
		t.Error("fresh pair must not be revoked")
	}
}

func TestMintTokenPair_ClaimShape(t *testing.T) {
	srv, store := newTestServer(t, nil)
	user := createTestUser(t, srv, store, "alice", "hunter2hunter2")

	token, err := srv.mintTokenPair(context.Background(), user)
	if err != nil {
		t.Fatalf("mintTokenPair() error = %v", err)
	}

	claims, err := srv.parseToken(token.AccessToken, TokenTypeAccess)
	if err != nil {
		t.Fatalf("parseToken(access) error = %v", err)
	}
	if claims.Username != "alice" {
		t.Errorf("username claim = %q, want alice", claims.Username)
	}
	if claims.Subject != "1" {
		t.Errorf("sub = %q, want user ID as string", claims.Subject)
	}
	if claims.Issuer != srv.Config.Issuer {
		t.Errorf("iss = %q, want %q", claims.Issuer, srv.Config.Issuer)
	}
	if _, err := uuid.Parse(claims.ID); err != nil {
		t.Errorf("jti %q is not a UUID: %v", claims.ID, err)
	}

	refreshClaims, err := srv.parseToken(token.RefreshToken, TokenTypeRefresh)
	if err != nil {
		t.Fatalf("parseToken(refresh) error = %v", err)
	}
	if refreshClaims.ID == claims.ID {
		t.Error("access and refresh tokens must carry distinct jtis")
	}
}

func TestParseToken_RejectsWrongType(t *testing.T) {
	srv, store := newTestServer(t, nil)
	user := createTestUser(t, srv, store, "alice", "hunter2hunter2")

	token, err := srv.mintTokenPair(context.Background(), user)
	if err != nil {
		t.Fatalf("mintTokenPair() error = %v", err)
	}

	// A refresh token presented where an access token is expected (and vice
	// versa) is rejected on the type claim even though the signature is valid.
	if _, err := srv.parseToken(token.RefreshToken, TokenTypeAccess); !errors.Is(err, ErrWrongTokenType) {
		t.Errorf("refresh-as-access error = %v, want ErrWrongTokenType", err)
	}
	if _, err := srv.parseToken(token.AccessToken, TokenTypeRefresh); !errors.Is(err, ErrWrongTokenType) {
		t.Errorf("access-as-refresh error = %v, want ErrWrongTokenType", err)
	}
}

func TestParseToken_RejectsTamperedSignature(t *testing.T) {
	srv, store := newTestServer(t, nil)
	user := createTestUser(t, srv, store, "alice", "hunter2hunter2")

	token, err := srv.mintTokenPair(context.Background(), user)
	if err != nil {
		t.Fatalf("mintTokenPair() error = %v", err)
	}

	// Flip a character in the signature segment
	tampered := token.AccessToken[:len(token.AccessToken)-2] + "xx"
	if _, err := srv.parseToken(tampered, TokenTypeAccess); !errors.Is(err, ErrTokenSignatureInvalid) {
		t.Errorf("tampered token error = %v, want ErrTokenSignatureInvalid", err)
	}

	if _, err := srv.parseToken("not-a-jwt", TokenTypeAccess); !errors.Is(err, ErrTokenMalformed) {
		t.Errorf("garbage token error = %v, want ErrTokenMalformed", err)
	}
}

func TestParseToken_RejectsExpired(t *testing.T) {
	srv, store := newTestServer(t, nil)
	user := createTestUser(t, srv, store, "alice", "hunter2hunter2")

	// Sign a token that expired beyond the clock skew grace period
	past := time.Now().UTC().Add(-time.Hour)
	expired, err := srv.signToken(user, uuid.NewString(), TokenTypeAccess, past, past.Add(time.Minute))
	if err != nil {
		t.Fatalf("signToken() error = %v", err)
	}

	if _, err := srv.parseToken(expired, TokenTypeAccess); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expired token error = %v, want ErrTokenExpired", err)
	}
}

func TestParseToken_ClockSkewGracePeriod(t *testing.T) {
	srv, store := newTestServer(t, func(c *Config) {
		c.ClockSkewGracePeriod = 30
	})
	user := createTestUser(t, srv, store, "alice", "hunter2hunter2")

	// Expired 5 seconds ago: inside the 30s grace window
	now := time.Now().UTC()
	justExpired, err := srv.signToken(user, uuid.NewString(), TokenTypeAccess, now.Add(-time.Hour), now.Add(-5*time.Second))
	if err != nil {
		t.Fatalf("signToken() error = %v", err)
	}
	if _, err := srv.parseToken(justExpired, TokenTypeAccess); err != nil {
		t.Errorf("token inside grace period rejected: %v", err)
	}
}

func TestParseToken_RejectsAlgNone(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	// Unsigned token claiming alg=none must never validate
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		Username:  "alice",
		TokenType: TokenTypeAccess,
	})
	tokenString, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	if _, err := srv.parseToken(tokenString, TokenTypeAccess); err == nil {
		t.Fatal("alg=none token must be rejected")
	}
}

func TestVerifyToken_LedgerMissIsRevoked(t *testing.T) {
	srv, store := newTestServer(t, nil)
	user := createTestUser(t, srv, store, "alice", "hunter2hunter2")

	// Signature-valid token whose jti was never recorded (e.g. the ledger
	// was wiped): treated as revoked, not as valid.
	now := time.Now().UTC()
	orphan, err := srv.signToken(user, uuid.NewString(), TokenTypeAccess, now, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("signToken() error = %v", err)
	}

	_, pair, err := srv.verifyToken(context.Background(), orphan, TokenTypeAccess)
	if !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("orphan token error = %v, want ErrTokenRevoked", err)
	}
	if pair != nil {
		t.Error("no ledger pair should be returned for an unknown jti")
	}
}

func TestVerifyAccessToken(t *testing.T) {
	srv, store := newTestServer(t, nil)
	user := createTestUser(t, srv, store, "alice", "hunter2hunter2")

	token, err := srv.mintTokenPair(context.Background(), user)
	if err != nil {
		t.Fatalf("mintTokenPair() error = %v", err)
	}

	got, claims, err := srv.VerifyAccessToken(context.Background(), token.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken() error = %v", err)
	}
	if got.ID != user.ID || got.Username != "alice" {
		t.Errorf("resolved user = %+v, want alice (ID %d)", got, user.ID)
	}
	if claims.TokenType != TokenTypeAccess {
		t.Errorf("type claim = %q, want %q", claims.TokenType, TokenTypeAccess)
	}
}

func TestVerifyAccessToken_RevokedPair(t *testing.T) {
	srv, store := newTestServer(t, nil)
	user := createTestUser(t, srv, store, "alice", "hunter2hunter2")

	token, err := srv.mintTokenPair(context.Background(), user)
	if err != nil {
		t.Fatalf("mintTokenPair() error = %v", err)
	}

	pairs, _ := store.ListTokenPairsByUser(context.Background(), user.ID)
	if err := store.RevokeTokenPair(context.Background(), pairs[0].ID); err != nil {
		t.Fatalf("RevokeTokenPair() error = %v", err)
	}

	if _, _, err := srv.VerifyAccessToken(context.Background(), token.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("revoked token error = %v, want ErrTokenRevoked", err)
	}
}

func TestVerifyAccessToken_RejectsRefreshToken(t *testing.T) {
	srv, store := newTestServer(t, nil)
	user := createTestUser(t, srv, store, "alice", "hunter2hunter2")

	token, err := srv.mintTokenPair(context.Background(), user)
	if err != nil {
		t.Fatalf("mintTokenPair() error = %v", err)
	}

	if _, _, err := srv.VerifyAccessToken(context.Background(), token.RefreshToken); !errors.Is(err, ErrWrongTokenType) {
		t.Errorf("refresh token on protected request error = %v, want ErrWrongTokenType", err)
	}
}

func TestTokensSignedWithDifferentSecretRejected(t *testing.T) {
	srvA, storeA := newTestServer(t, nil)
	user := createTestUser(t, srvA, storeA, "alice", "hunter2hunter2")

	token, err := srvA.mintTokenPair(context.Background(), user)
	if err != nil {
		t.Fatalf("mintTokenPair() error = %v", err)
	}

	srvB, _ := newTestServer(t, func(c *Config) {
		c.JWTSecret = []byte(strings.Repeat("B", MinJWTSecretLength))
	})

	if _, err := srvB.parseToken(token.AccessToken, TokenTypeAccess); !errors.Is(err, ErrTokenSignatureInvalid) {
		t.Errorf("cross-secret token error = %v, want ErrTokenSignatureInvalid", err)
	}
}
