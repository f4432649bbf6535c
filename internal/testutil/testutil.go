package testutil

import (
	"io"
	"log/slog"

	"golang.org/x/oauth2"
)

// JWTSecret returns a fixed 32-byte HMAC key for tests. Never use a static
// key outside of tests.
func JWTSecret() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

// PKCEPair generates a fresh RFC 7636 code verifier and its S256 challenge.
func PKCEPair() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	return verifier, oauth2.S256ChallengeFromVerifier(verifier)
}

// DiscardLogger returns a logger that swallows all output. Tests that assert
// on log content should use their own buffer-backed logger instead.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
