// Package server implements the core OAuth 2.1 authorization server logic.
//
// This package verifies user credentials against the user store, issues
// single-use authorization codes bound to PKCE challenges, mints HS256 JWT
// access/refresh token pairs, rotates refresh tokens with reuse detection,
// and records revocations in the durable token ledger. HTTP concerns live
// in the root package; this package holds the protocol semantics.
//
// The Server type delegates to specialized modules:
//   - User, code, and token persistence (storage package)
//   - Security features (security package)
//
// Key Features:
//   - OAuth 2.1 compliance with mandatory PKCE (S256)
//   - Atomic single-use authorization codes with reuse detection
//   - Refresh token rotation with reuse detection
//   - JWT revocation backed by a durable ledger
//   - Comprehensive security auditing
//
// Example usage:
//
//	store := memory.New()
//
//	config := &server.Config{
//	    Issuer:    "https://auth.example.com",
//	    JWTSecret: secret,
//	}
//
//	srv, err := server.New(store, store, store, config, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
