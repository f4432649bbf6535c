package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection. Usernames are
// hashed before they reach the log; numeric user IDs are logged as-is.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// AuditEvent represents a security audit event
type AuditEvent struct {
	Type      string
	UserID    int64
	Username  string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event AuditEvent) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id", event.UserID,
		"username_hash", hashForLogging(event.Username),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogLoginSuccess logs a successful credential check during authorization
func (a *Auditor) LogLoginSuccess(userID int64, username, ipAddress string) {
	a.LogEvent(AuditEvent{
		Type:      EventLoginSuccess,
		UserID:    userID,
		Username:  username,
		IPAddress: ipAddress,
	})
}

// LogAuthFailure logs an authentication failure. The reason stays internal
// to the log; clients only ever see the generic error.
func (a *Auditor) LogAuthFailure(userID int64, username, ipAddress, reason string) {
	a.LogEvent(AuditEvent{
		Type:      EventAuthFailure,
		UserID:    userID,
		Username:  username,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogTokenIssued logs when a token pair is issued
func (a *Auditor) LogTokenIssued(userID int64, clientID, ipAddress, grantType string) {
	a.LogEvent(AuditEvent{
		Type:      EventTokenIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
		},
	})
}

// LogTokenRefreshed logs when a token pair is rotated via refresh
func (a *Auditor) LogTokenRefreshed(userID int64, clientID, ipAddress string) {
	a.LogEvent(AuditEvent{
		Type:      EventTokenRefreshed,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"rotated": true,
		},
	})
}

// LogTokenRevoked logs when a token pair is revoked
func (a *Auditor) LogTokenRevoked(userID int64, ipAddress, tokenType string) {
	a.LogEvent(AuditEvent{
		Type:      EventTokenRevoked,
		UserID:    userID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogCodeReuseDetected logs an authorization code replay attempt
func (a *Auditor) LogCodeReuseDetected(userID int64, clientID, ipAddress string) {
	a.LogEvent(AuditEvent{
		Type:      EventCodeReuseDetected,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogRefreshReuseDetected logs a refresh attempt with an already-rotated or
// revoked token
func (a *Auditor) LogRefreshReuseDetected(userID int64, ipAddress string) {
	a.LogEvent(AuditEvent{
		Type:      EventRefreshReuseDetected,
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogInvalidPKCE logs a failed PKCE verification
func (a *Auditor) LogInvalidPKCE(userID int64, clientID, ipAddress, method string) {
	a.LogEvent(AuditEvent{
		Type:      EventInvalidPKCE,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"method": method,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
