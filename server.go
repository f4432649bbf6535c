package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mcpx-lol/mcpx-auth/instrumentation"
	"github.com/mcpx-lol/mcpx-auth/security"
	"github.com/mcpx-lol/mcpx-auth/server"
	"github.com/mcpx-lol/mcpx-auth/storage"
	"github.com/mcpx-lol/mcpx-auth/storage/memory"
	"github.com/mcpx-lol/mcpx-auth/storage/sqlite"
)

// securityEventRate bounds how often repeated security events (reuse storms,
// credential stuffing) reach the log, per offending key.
const (
	securityEventRate  = 1
	securityEventBurst = 5
)

// Gateway is the one-call wiring of the authorization server: storage,
// flow engine, auditing, and HTTP surface, assembled from a Config.
// Library users who need finer control can assemble the pieces from the
// server and storage packages directly.
type Gateway struct {
	config  *Config
	store   storage.Store
	server  *server.Server
	handler *Handler
	auditor *security.Auditor
	limiter *security.RateLimiter
	logger  *slog.Logger

	closers []func() error
}

// New builds a Gateway from the configuration. A non-empty DBPath opens the
// SQLite store; an empty one selects the in-memory store (development and
// tests). The bootstrap account is seeded before New returns.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg.EnsureJWTSecret(logger)

	g := &Gateway{
		config: cfg,
		logger: logger,
	}

	if cfg.DBPath != "" {
		store, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		store.SetLogger(logger)
		g.store = store
		g.closers = append(g.closers, store.Close)
	} else {
		store := memory.New()
		store.SetLogger(logger)
		g.store = store
		g.closers = append(g.closers, func() error { store.Stop(); return nil })
	}

	srvConfig := &server.Config{
		Issuer:               cfg.Issuer,
		ClientID:             cfg.ClientID,
		JWTSecret:            cfg.JWTSecret.Bytes(),
		AuthorizationCodeTTL: cfg.AuthorizationCodeExpireMinutes * 60,
		AccessTokenTTL:       cfg.AccessTokenExpireMinutes * 60,
		RefreshTokenTTL:      cfg.RefreshTokenExpireDays * 24 * 3600,
		BcryptCost:           cfg.BcryptCost,
		BootstrapUsername:    cfg.BootstrapUsername,
		BootstrapPassword:    cfg.BootstrapPassword.Value(),
		TrustProxy:           cfg.TrustProxy,
		TrustedProxyCount:    cfg.TrustedProxyCount,
		AllowPKCEPlain:       cfg.AllowPKCEPlain,
		RequirePKCE:          true,
		AllowInsecureHTTP:    cfg.AllowInsecureHTTP,
	}

	srv, err := server.New(g.store, g.store, g.store, srvConfig, logger)
	if err != nil {
		g.closeAll()
		return nil, err
	}
	g.server = srv

	g.auditor = security.NewAuditor(logger, cfg.EnableAuditLog)
	srv.SetAuditor(g.auditor)

	g.limiter = security.NewRateLimiter(securityEventRate, securityEventBurst, logger)
	srv.SetSecurityEventRateLimiter(g.limiter)
	g.closers = append(g.closers, func() error { g.limiter.Stop(); return nil })

	if err := srv.Bootstrap(ctx); err != nil {
		g.closeAll()
		return nil, err
	}

	g.handler = NewHandler(srv, cfg.Mode, logger)
	if cfg.BasePath != "" {
		g.handler.SetBasePath(cfg.BasePath)
	}
	g.handler.SetAllowedOrigins(cfg.AllowedOrigins)

	if cfg.Mode == ModeOpen {
		logger.Warn("🚨 AUTHENTICATION IS DISABLED (noauth mode)",
			"consequence", "Every request is served as the anonymous principal",
			"recommendation", "Set AUTH_MODE=oauth for any non-local deployment")
		g.auditor.LogEvent(security.AuditEvent{
			Type:    security.EventOpenModeEnabled,
			Details: map[string]any{"mode": cfg.Mode.String()},
		})
	}

	return g, nil
}

// SetInstrumentation attaches the OTel layer to the handler and storage.
func (g *Gateway) SetInstrumentation(inst *instrumentation.Instrumentation) {
	g.handler.SetInstrumentation(inst)

	type instrumentable interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}
	if s, ok := g.store.(instrumentable); ok {
		s.SetInstrumentation(inst)
	}
}

// SetRateLimiter sets the IP rate limiter used by the gateway middleware.
func (g *Gateway) SetRateLimiter(rl *security.RateLimiter) {
	g.handler.SetRateLimiter(rl)
}

// Handler returns the HTTP adapter.
func (g *Gateway) Handler() *Handler {
	return g.handler
}

// Server returns the underlying flow engine.
func (g *Gateway) Server() *server.Server {
	return g.server
}

// Store returns the storage backend.
func (g *Gateway) Store() storage.Store {
	return g.store
}

// Mode reports the gateway mode resolved at boot.
func (g *Gateway) Mode() Mode {
	return g.config.Mode
}

// Routes registers the OAuth endpoints on the mux.
func (g *Gateway) Routes(mux *http.ServeMux) {
	g.handler.Routes(mux)
}

// Middleware gates a protected handler behind the gateway.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return g.handler.Middleware(next)
}

// Authenticate resolves the principal for a protected request.
func (g *Gateway) Authenticate(r *http.Request) (*Principal, error) {
	return g.handler.Authenticate(r)
}

// Close releases the storage backend and background workers.
func (g *Gateway) Close() error {
	return g.closeAll()
}

func (g *Gateway) closeAll() error {
	var firstErr error
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	g.closers = nil
	return firstErr
}
