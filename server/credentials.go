package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mcpx-lol/mcpx-auth/storage"
)

// ErrInvalidCredentials is returned for any credential verification failure.
// Unknown usernames and wrong passwords are deliberately indistinguishable
// to callers so the login endpoint cannot be used as a username oracle.
var ErrInvalidCredentials = errors.New("invalid credentials")

// HashPassword hashes a plaintext password with the configured bcrypt cost.
func (s *Server) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.Config.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyCredentials checks a username/password pair against the user store.
// On success it updates the user's last-login timestamp and returns the user.
// All failures collapse to ErrInvalidCredentials.
func (s *Server) VerifyCredentials(ctx context.Context, username, password, clientIP string) (*storage.User, error) {
	user, err := s.userStore.GetUserByUsername(ctx, username)
	if err != nil {
		// Burn a bcrypt comparison anyway to keep timing uniform
		_ = bcrypt.CompareHashAndPassword(s.dummyPasswordHash, []byte(password))

		if !errors.Is(err, storage.ErrUserNotFound) {
			s.Logger.Error("User lookup failed", "error", err)
			return nil, fmt.Errorf("look up user: %w", err)
		}

		if s.allowSecurityEvent("login:" + clientIP) {
			s.Logger.Warn("Login failed", "reason", "unknown_user", "ip", clientIP)
		}
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(0, username, clientIP, "unknown_user")
		}
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		if s.allowSecurityEvent("login:" + clientIP) {
			s.Logger.Warn("Login failed", "reason", "wrong_password", "user_id", user.ID, "ip", clientIP)
		}
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(user.ID, username, clientIP, "wrong_password")
		}
		return nil, ErrInvalidCredentials
	}

	if err := s.userStore.TouchLastLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		// Last-login is informational, a failed update must not block the login
		s.Logger.Warn("Failed to update last login", "user_id", user.ID, "error", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogLoginSuccess(user.ID, username, clientIP)
	}

	return user, nil
}

// Bootstrap seeds the configured bootstrap user when it does not exist yet.
// It is safe to call on every boot and safe to call concurrently from
// multiple replicas racing on the same database.
func (s *Server) Bootstrap(ctx context.Context) error {
	username := s.Config.BootstrapUsername
	if username == "" {
		return nil
	}

	_, err := s.userStore.GetUserByUsername(ctx, username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrUserNotFound) {
		return fmt.Errorf("check bootstrap user: %w", err)
	}

	hash, err := s.HashPassword(s.Config.BootstrapPassword)
	if err != nil {
		return err
	}

	user, err := s.userStore.CreateUser(ctx, username, hash)
	if err != nil {
		// Another replica won the race, that's fine
		if errors.Is(err, storage.ErrUserExists) {
			return nil
		}
		return fmt.Errorf("create bootstrap user: %w", err)
	}

	s.Logger.Info("Bootstrap user created", "user_id", user.ID, "username", username)
	return nil
}
