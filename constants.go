package oauth

// PKCE validation constants (RFC 7636).
// Note: the server package duplicates these to avoid circular imports.
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// MinStateLength is the minimum accepted length for the state parameter.
// Short state values have too little entropy for CSRF protection.
const MinStateLength = 8

// tokenTypeBearer is the token_type value in token responses (RFC 6750).
const tokenTypeBearer = "Bearer"

// Grant type identifiers (RFC 6749).
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// DefaultBasePath is the prefix the OAuth endpoints are mounted under when
// Config.BasePath is left at its default.
const DefaultBasePath = "/oauth"

// Endpoint paths registered by Routes, relative to the base path. The
// discovery document is the exception: RFC 8414 pins it to the host root,
// so PathMetadata is absolute and never moves with the base path.
const (
	PathAuthorize = "/authorize"
	PathToken     = "/token"
	PathRevoke    = "/revoke"
	PathUserInfo  = "/userinfo"
	PathMetadata  = "/.well-known/oauth-authorization-server"
)

// defaultCORSMaxAge is the preflight cache duration in seconds.
const defaultCORSMaxAge = 3600
