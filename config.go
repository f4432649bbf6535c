package oauth

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"golang.org/x/oauth2"
)

// Mode selects how the gateway treats protected requests. It is resolved
// exactly once at boot; request handling switches on the typed value, never
// on the raw environment string.
type Mode uint8

const (
	// ModeEnforced requires a valid bearer token on every protected request.
	ModeEnforced Mode = iota

	// ModeOpen disables authentication: every request is attributed to the
	// anonymous principal and the token path is never touched. Development
	// only.
	ModeOpen
)

// ParseMode parses the AUTH_MODE environment value. An empty string resolves
// to ModeEnforced; anything other than "oauth" or "noauth" is a boot error
// rather than a silent fallback.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "oauth":
		return ModeEnforced, nil
	case "noauth":
		return ModeOpen, nil
	default:
		return ModeEnforced, fmt.Errorf("invalid auth mode %q (must be \"oauth\" or \"noauth\")", s)
	}
}

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m == ModeOpen {
		return "noauth"
	}
	return "oauth"
}

// UnmarshalText implements encoding.TextUnmarshaler for env parsing.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Secret is a string that refuses to render itself. Formatting, logging, and
// JSON encoding all produce "[redacted]"; the only way at the value is the
// explicit Bytes/Value accessors. This keeps keys and passwords out of logs
// regardless of how carelessly a Config is printed.
type Secret string

const redacted = "[redacted]"

// String implements fmt.Stringer.
func (s Secret) String() string { return redacted }

// GoString implements fmt.GoStringer, covering the %#v verb.
func (s Secret) GoString() string { return redacted }

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue(redacted) }

// MarshalJSON renders the redaction marker, never the value.
func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

// UnmarshalText implements encoding.TextUnmarshaler for env parsing.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}

// Bytes returns the raw secret material.
func (s Secret) Bytes() []byte { return []byte(s) }

// Value returns the raw secret string.
func (s Secret) Value() string { return string(s) }

// IsZero reports whether the secret is unset.
func (s Secret) IsZero() bool { return s == "" }

// Config is the environment-driven configuration of the authorization
// server. Field defaults match the documented deployment defaults.
type Config struct {
	// Mode gates all protected endpoints: "oauth" (enforced) or "noauth" (open)
	Mode Mode `env:"AUTH_MODE" envDefault:"oauth"`

	// DBPath is the SQLite database location. Empty selects the in-memory store.
	DBPath string `env:"AUTH_DB_PATH" envDefault:"./data/auth.db"`

	// Issuer is the server's external base URL. Derived from Port when empty.
	Issuer string `env:"AUTH_ISSUER"`

	// JWTSecret signs access and refresh tokens. When unset a random secret
	// is generated at boot and a warning is logged: tokens will not survive
	// restarts.
	JWTSecret Secret `env:"JWT_SECRET_KEY"`

	// AccessTokenExpireMinutes is the access token lifetime
	AccessTokenExpireMinutes int64 `env:"JWT_ACCESS_TOKEN_EXPIRE_MINUTES" envDefault:"60"`

	// RefreshTokenExpireDays is the refresh token lifetime
	RefreshTokenExpireDays int64 `env:"JWT_REFRESH_TOKEN_EXPIRE_DAYS" envDefault:"30"`

	// AuthorizationCodeExpireMinutes is the authorization code lifetime
	AuthorizationCodeExpireMinutes int64 `env:"OAUTH_AUTHORIZATION_CODE_EXPIRE_MINUTES" envDefault:"10"`

	// ClientID is the single registered public client
	ClientID string `env:"OAUTH_CLIENT_ID" envDefault:"mcpx-client"`

	// BasePath is the URL prefix the OAuth endpoints are mounted under.
	// Empty means the default "/oauth"; "/" mounts them at the root. The
	// RFC 8414 discovery document stays at /.well-known regardless.
	BasePath string `env:"OAUTH_BASE_PATH" envDefault:"/oauth"`

	// AllowPKCEPlain keeps the deprecated 'plain' challenge method accepted
	// for legacy clients. S256 is always preferred.
	AllowPKCEPlain bool `env:"OAUTH_ALLOW_PKCE_PLAIN" envDefault:"true"`

	// BootstrapUsername and BootstrapPassword seed the default account on
	// first boot. Set BootstrapUsername empty to disable.
	BootstrapUsername string `env:"AUTH_BOOTSTRAP_USERNAME" envDefault:"mcpuser"`
	BootstrapPassword Secret `env:"AUTH_BOOTSTRAP_PASSWORD" envDefault:"OMG!letmein"`

	// BcryptCost is the password hashing work factor
	BcryptCost int `env:"AUTH_BCRYPT_COST" envDefault:"12"`

	// Host and Port are the listen address of the bundled binary
	Host string `env:"MCP_SERVER_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"MCP_SERVER_PORT" envDefault:"8000"`

	// LogLevel sets the slog level: debug, info, warn, or error
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// TrustProxy enables X-Forwarded-For parsing behind a trusted proxy
	TrustProxy bool `env:"AUTH_TRUST_PROXY" envDefault:"false"`

	// TrustedProxyCount is the length of the trusted proxy chain
	TrustedProxyCount int `env:"AUTH_TRUSTED_PROXY_COUNT" envDefault:"1"`

	// EnableAuditLog toggles the security audit log
	EnableAuditLog bool `env:"AUTH_AUDIT_LOG" envDefault:"true"`

	// AllowedOrigins lists CORS origins permitted to call the token endpoints
	AllowedOrigins []string `env:"AUTH_ALLOWED_ORIGINS"`

	// AllowInsecureHTTP permits a non-localhost http:// issuer
	AllowInsecureHTTP bool `env:"AUTH_ALLOW_INSECURE_HTTP" envDefault:"false"`
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.Issuer == "" {
		cfg.Issuer = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	return cfg, nil
}

// EnsureJWTSecret fills in a random signing key when none was configured.
// The generated key is process-local, so issued tokens die with the process.
func (c *Config) EnsureJWTSecret(logger *slog.Logger) {
	if !c.JWTSecret.IsZero() {
		return
	}
	// Two verifiers concatenated: 86 base64 characters, well past the HS256 floor
	c.JWTSecret = Secret(oauth2.GenerateVerifier() + oauth2.GenerateVerifier())
	logger.Warn("⚠️  JWT_SECRET_KEY not set - generated a random signing key",
		"consequence", "All issued tokens become invalid when this process exits",
		"recommendation", "Set JWT_SECRET_KEY to a stable random value in production")
}

// SlogLevel maps the LOG_LEVEL string onto a slog.Level, defaulting to Info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
