package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Credential events

	// EventLoginSuccess is logged when a credential check succeeds during authorization
	EventLoginSuccess = "login_success"

	// EventAuthFailure is logged when authentication fails (wrong credentials,
	// unknown user, bad bearer token)
	EventAuthFailure = "auth_failure"

	// Token lifecycle events

	// EventTokenIssued is logged when a new token pair is issued
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a token pair is rotated using a refresh token
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token pair is revoked
	EventTokenRevoked = "token_revoked"

	// Replay and violation events

	// EventCodeReuseDetected is logged when an authorization code is presented twice
	EventCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshReuseDetected is logged when a rotated or revoked refresh
	// token is presented again
	EventRefreshReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event type name, not a credential

	// EventInvalidPKCE is logged when PKCE code_verifier validation fails
	EventInvalidPKCE = "invalid_pkce"

	// EventRateLimitExceeded is logged when the security-event throttle engages
	EventRateLimitExceeded = "rate_limit_exceeded"

	// Operational events

	// EventOpenModeEnabled is logged at boot when the gateway runs with
	// authentication disabled
	EventOpenModeEnabled = "open_mode_enabled"
)
