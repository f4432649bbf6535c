package oauth

import "time"

// TokenResponse represents an OAuth 2.0 token response
type TokenResponse struct {
	// AccessToken is the access token
	AccessToken string `json:"access_token"`

	// TokenType is the type of token (always "Bearer")
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in"`

	// RefreshToken is the refresh token
	RefreshToken string `json:"refresh_token,omitempty"`
}

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// RevocationResponse is the body of a successful revocation call.
// Revocation is idempotent, so this is the only body the endpoint returns.
type RevocationResponse struct {
	Status string `json:"status"`
}

// UserInfoResponse is the body of the userinfo endpoint.
type UserInfoResponse struct {
	// Sub is the subject identifier (the user ID as a string)
	Sub string `json:"sub"`

	// Username is the login name
	Username string `json:"username"`

	// LastLogin is the last successful login time, omitted before first login
	LastLogin *time.Time `json:"last_login,omitempty"`
}

// Principal identifies the authenticated caller of a protected request.
// In open (noauth) mode every request carries the anonymous principal.
type Principal struct {
	// UserID is the ledger user ID; 0 for the anonymous principal
	UserID int64

	// Username is the login name; "anonymous" in open mode
	Username string

	// Anonymous is true when authentication was bypassed by open mode
	Anonymous bool
}

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server Metadata (RFC 8414)
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// RevocationEndpoint is the URL of the OAuth 2.0 token revocation endpoint (RFC 7009)
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// ResponseTypesSupported lists the OAuth response types supported
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists the OAuth grant types supported
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods supported at the token endpoint
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods supported
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}
