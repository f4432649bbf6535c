package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/mcpx-lol/mcpx-auth/instrumentation"
	"github.com/mcpx-lol/mcpx-auth/security"
	"github.com/mcpx-lol/mcpx-auth/server"
)

// Handler is a thin HTTP adapter for the OAuth Server.
// It handles HTTP requests and delegates to the Server for business logic.
// The gateway Mode is fixed at construction: open mode short-circuits the
// authentication middleware without ever touching the token path.
type Handler struct {
	server         *server.Server
	mode           Mode
	logger         *slog.Logger
	tracer         trace.Tracer // OpenTelemetry tracer for HTTP layer
	inst           *instrumentation.Instrumentation
	rateLimiter    *security.RateLimiter // IP-based rate limiter for protected endpoints
	allowedOrigins []string
	basePath       string // prefix the OAuth endpoints are mounted under
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, mode Mode, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		server:   srv,
		mode:     mode,
		logger:   logger,
		basePath: DefaultBasePath,
	}
}

// SetBasePath mounts the OAuth endpoints under a different prefix. "" or "/"
// serves them at the root. The discovery document stays at PathMetadata
// regardless; only the endpoint routes and the URLs it advertises move.
func (h *Handler) SetBasePath(basePath string) {
	h.basePath = normalizeBasePath(basePath)
}

// normalizeBasePath canonicalizes a mount prefix: a leading slash, no
// trailing slash, and "" for a root mount, so basePath+PathToken is always
// a clean absolute path.
func normalizeBasePath(basePath string) string {
	basePath = strings.TrimRight(basePath, "/")
	if basePath == "" {
		return ""
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	return basePath
}

// SetInstrumentation attaches the OTel layer. Nil is fine; all recording is
// nil-safe.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.inst = inst
	if inst != nil {
		h.tracer = inst.Tracer("http")
	}
}

// SetRateLimiter sets the IP-based rate limiter used by the gateway middleware
func (h *Handler) SetRateLimiter(rl *security.RateLimiter) {
	h.rateLimiter = rl
}

// SetAllowedOrigins configures CORS origins for browser-based clients
func (h *Handler) SetAllowedOrigins(origins []string) {
	h.allowedOrigins = origins
}

// Mode reports the gateway mode resolved at boot.
func (h *Handler) Mode() Mode {
	return h.mode
}

// Routes registers all OAuth endpoints on the mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc(h.basePath+PathAuthorize, h.ServeAuthorization)
	mux.HandleFunc(h.basePath+PathToken, h.ServeToken)
	mux.HandleFunc(h.basePath+PathRevoke, h.ServeTokenRevocation)
	mux.HandleFunc(h.basePath+PathUserInfo, h.ServeUserInfo)
	mux.HandleFunc(PathMetadata, h.ServeAuthorizationServerMetadata)
}

// loginFormTemplate is the HTML template for the credential form served by
// the authorization endpoint. The OAuth request parameters ride along as
// hidden fields so the POST can re-validate and bind the issued code to the
// exact request the user saw.
//
// SECURITY: inline styles only, no scripts; the CSP set by
// security.SetSecurityHeaders allows 'unsafe-inline' styles and nothing else.
const loginFormTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Sign in</title>
<style>
  body { font-family: system-ui, sans-serif; background: #f5f5f5; display: flex;
         justify-content: center; align-items: center; min-height: 100vh; margin: 0; }
  .card { background: #fff; border-radius: 8px; box-shadow: 0 2px 8px rgba(0,0,0,.1);
          padding: 2rem; width: 320px; }
  h1 { font-size: 1.25rem; margin: 0 0 1rem; }
  label { display: block; font-size: .875rem; margin-bottom: .25rem; }
  input[type=text], input[type=password] { width: 100%; box-sizing: border-box;
          padding: .5rem; margin-bottom: 1rem; border: 1px solid #ccc; border-radius: 4px; }
  button { width: 100%; padding: .6rem; border: 0; border-radius: 4px;
           background: #2563eb; color: #fff; font-size: 1rem; cursor: pointer; }
  .error { color: #b91c1c; font-size: .875rem; margin-bottom: 1rem; }
</style>
</head>
<body>
<div class="card">
  <h1>Sign in to continue</h1>
  {{if .Error}}<p class="error">{{.Error}}</p>{{end}}
  <form method="post" action="{{.Action}}">
    <label for="username">Username</label>
    <input type="text" id="username" name="username" autocomplete="username" required>
    <label for="password">Password</label>
    <input type="password" id="password" name="password" autocomplete="current-password" required>
    <input type="hidden" name="response_type" value="{{.ResponseType}}">
    <input type="hidden" name="client_id" value="{{.ClientID}}">
    <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
    <input type="hidden" name="state" value="{{.State}}">
    <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
    <input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
    <button type="submit">Sign in</button>
  </form>
</div>
</body>
</html>`

var loginFormTmpl = template.Must(template.New("login").Parse(loginFormTemplate))

// loginFormData carries the OAuth request parameters through the login form.
type loginFormData struct {
	Action              string
	Error               string
	ResponseType        string
	ClientID            string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// authorizationRequest is the validated parameter set of one authorize call.
type authorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// parseAuthorizationRequest reads the OAuth parameters from query (GET) or
// form values (POST) and validates them. The redirect URI is never followed
// on validation failure.
func (h *Handler) parseAuthorizationRequest(r *http.Request) (*authorizationRequest, *OAuthError) {
	get := r.URL.Query().Get
	if r.Method == http.MethodPost {
		get = r.FormValue
	}

	req := &authorizationRequest{
		ResponseType:        get("response_type"),
		ClientID:            get("client_id"),
		RedirectURI:         get("redirect_uri"),
		State:               get("state"),
		CodeChallenge:       get("code_challenge"),
		CodeChallengeMethod: get("code_challenge_method"),
	}

	if req.ResponseType != "code" {
		return nil, NewOAuthError(ErrorCodeUnsupportedResponseType,
			"Only response_type=code is supported", http.StatusBadRequest)
	}

	// CRITICAL SECURITY: State parameter is required for CSRF protection
	if req.State == "" {
		return nil, ErrInvalidRequest("state parameter is required for CSRF protection")
	}
	if len(req.State) < MinStateLength {
		return nil, ErrInvalidRequest(
			fmt.Sprintf("state parameter must be at least %d characters for security", MinStateLength))
	}

	if err := h.server.ValidateAuthorizationRequest(
		req.ResponseType, req.ClientID, req.RedirectURI,
		req.CodeChallenge, req.CodeChallengeMethod,
	); err != nil {
		return nil, ErrInvalidRequest(err.Error())
	}

	return req, nil
}

// ServeAuthorization handles the authorization endpoint. GET renders the
// credential form with the OAuth parameters embedded; POST verifies the
// credentials and redirects back to the client with a fresh code.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	// Create span if tracing is enabled
	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.authorization")
		defer span.End()
		r = r.WithContext(ctx)
	}

	switch r.Method {
	case http.MethodGet:
		h.serveLoginForm(w, r, span, startTime)
	case http.MethodPost:
		h.handleLogin(w, r, span, startTime)
	default:
		h.recordHTTPMetrics("authorization", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// serveLoginForm validates the authorization request and renders the form.
func (h *Handler) serveLoginForm(w http.ResponseWriter, r *http.Request, span trace.Span, startTime time.Time) {
	req, oauthErr := h.parseAuthorizationRequest(r)
	if oauthErr != nil {
		h.recordHTTPMetrics("authorization", http.MethodGet, oauthErr.Status, startTime)
		instrumentation.SetSpanError(span, oauthErr.Code)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrPKCEMethod, req.CodeChallengeMethod),
	)

	if h.inst != nil {
		h.inst.Metrics().RecordAuthorizationStarted(r.Context(), req.ClientID)
	}

	h.recordHTTPMetrics("authorization", http.MethodGet, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.renderLoginForm(w, req, "", http.StatusOK)
}

// handleLogin verifies the posted credentials and, on success, issues an
// authorization code and redirects to the client. On failure the form is
// re-rendered with a generic error: unknown users and wrong passwords are
// indistinguishable by status, body, and (thanks to the dummy bcrypt
// comparison) timing.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request, span trace.Span, startTime time.Time) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("authorization", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	req, oauthErr := h.parseAuthorizationRequest(r)
	if oauthErr != nil {
		h.recordHTTPMetrics("authorization", http.MethodPost, oauthErr.Status, startTime)
		instrumentation.SetSpanError(span, oauthErr.Code)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	username := r.FormValue("username")
	password := r.FormValue("password")

	user, err := h.server.VerifyCredentials(ctx, username, password, clientIP)
	if err != nil {
		if !errors.Is(err, server.ErrInvalidCredentials) {
			h.recordHTTPMetrics("authorization", http.MethodPost, http.StatusInternalServerError, startTime)
			instrumentation.RecordError(span, err)
			h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
			return
		}

		h.recordHTTPMetrics("authorization", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.SetSpanError(span, "credential verification failed")
		h.renderLoginForm(w, req, "Invalid username or password", http.StatusUnauthorized)
		return
	}

	code, err := h.server.IssueAuthorizationCode(ctx, user, req.ClientID, req.RedirectURI, req.CodeChallenge, req.CodeChallengeMethod)
	if err != nil {
		h.logger.Error("Failed to issue authorization code", "user_id", user.ID, "error", err)
		h.recordHTTPMetrics("authorization", http.MethodPost, http.StatusInternalServerError, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "code issuance failed")
		h.writeError(w, ErrorCodeServerError, "Failed to issue authorization code", http.StatusInternalServerError)
		return
	}

	redirectURL, err := buildCodeRedirect(req.RedirectURI, code, req.State)
	if err != nil {
		h.recordHTTPMetrics("authorization", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Invalid redirect_uri", http.StatusBadRequest)
		return
	}

	h.recordHTTPMetrics("authorization", http.MethodPost, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// renderLoginForm writes the credential form carrying the OAuth parameters.
func (h *Handler) renderLoginForm(w http.ResponseWriter, req *authorizationRequest, errMsg string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)

	data := loginFormData{
		Action:              h.basePath + PathAuthorize,
		Error:               errMsg,
		ResponseType:        req.ResponseType,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	}
	if err := loginFormTmpl.Execute(w, data); err != nil {
		h.logger.Error("Failed to render login form", "error", err)
	}
}

// buildCodeRedirect appends code and state to the client redirect URI,
// preserving any query parameters the client included.
func buildCodeRedirect(redirectURI, code, state string) (string, error) {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect_uri: %w", err)
	}

	query := parsed.Query()
	query.Set("code", code)
	query.Set("state", state)
	parsed.RawQuery = query.Encode()

	return parsed.String(), nil
}

// ServeToken handles the token endpoint.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Set CORS headers for browser-based clients
	h.setCORSHeaders(w, r)

	// Parse form data
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	grantType := r.FormValue("grant_type")

	switch grantType {
	case GrantTypeAuthorizationCode:
		h.handleAuthorizationCodeGrant(w, r)
	case GrantTypeRefreshToken:
		h.handleRefreshTokenGrant(w, r)
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType, fmt.Sprintf("Grant type %s not supported", grantType), http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	// Create span if tracing is enabled
	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_exchange")
		defer span.End()
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	// Parse parameters
	code := r.FormValue("code")
	clientID := r.FormValue("client_id")
	redirectURI := r.FormValue("redirect_uri")
	codeVerifier := r.FormValue("code_verifier")

	if code == "" {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "code missing")
		h.writeError(w, ErrorCodeInvalidRequest, "Required parameter 'code' missing", http.StatusBadRequest)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, GrantTypeAuthorizationCode),
	)

	// Exchange authorization code for tokens
	token, err := h.server.ExchangeAuthorizationCode(ctx, code, clientID, redirectURI, codeVerifier, clientIP)
	if err != nil {
		h.logger.Warn("Failed to exchange authorization code", "client_id", clientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "code exchange failed")
		if h.inst != nil {
			h.inst.Metrics().RecordGrantFailure(ctx, GrantTypeAuthorizationCode, ErrorCodeInvalidGrant)
		}

		if strings.HasPrefix(err.Error(), server.ErrorCodeServerError) {
			h.recordHTTPMetrics("token", http.MethodPost, http.StatusInternalServerError, startTime)
			h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
			return
		}

		// SECURITY: Don't leak the failure reason to the client.
		// Audit logging is done in ExchangeAuthorizationCode.
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidGrant, "Authorization code is invalid or expired", http.StatusBadRequest)
		return
	}

	h.logger.Info("Token exchange successful", "client_id", clientID, "ip", clientIP)

	if h.inst != nil {
		pkceMethod := ""
		if codeVerifier != "" {
			pkceMethod = PKCEMethodS256
		}
		h.inst.Metrics().RecordCodeExchange(ctx, clientID, pkceMethod)
	}

	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, token)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	// Create span if tracing is enabled
	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_refresh")
		defer span.End()
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "refresh_token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, GrantTypeRefreshToken),
	)

	token, err := h.server.RefreshAccessToken(ctx, refreshToken, clientIP)
	if err != nil {
		h.logger.Warn("Failed to refresh token", "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "token refresh failed")
		if h.inst != nil {
			h.inst.Metrics().RecordGrantFailure(ctx, GrantTypeRefreshToken, ErrorCodeInvalidGrant)
		}

		if strings.HasPrefix(err.Error(), server.ErrorCodeServerError) {
			h.recordHTTPMetrics("token", http.MethodPost, http.StatusInternalServerError, startTime)
			h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
			return
		}

		// SECURITY: Don't leak the failure reason to the client.
		// Audit logging is already done in RefreshAccessToken.
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidGrant, "Refresh token is invalid or expired", http.StatusBadRequest)
		return
	}

	if h.inst != nil {
		h.inst.Metrics().RecordTokenRefresh(ctx, h.server.Config.ClientID)
	}

	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, token)
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint.
// It always answers 200 with {"status":"success"}: unknown and
// already-revoked tokens are indistinguishable from fresh revocations.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	// Create span if tracing is enabled
	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_revocation")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("revoke", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Set CORS headers for browser-based clients
	h.setCORSHeaders(w, r)

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "parse form failed")
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	token := r.FormValue("token")
	tokenTypeHint := r.FormValue("token_type_hint")

	if token == "" {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}

	if err := h.server.RevokeToken(ctx, token, tokenTypeHint, clientIP); err != nil {
		h.logger.Error("Failed to revoke token", "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		// Per RFC 7009, don't fail the request even if revocation failed
	}

	if h.inst != nil {
		h.inst.Metrics().RecordTokenRevocation(ctx, tokenTypeHint)
	}

	h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(RevocationResponse{Status: "success"})
}

// ServeUserInfo returns the identity behind a bearer token. The endpoint
// always requires a valid token, even in open mode: it describes tokens,
// and open mode has none.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("userinfo", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	accessToken, ok := h.extractBearerToken(w, r)
	if !ok {
		h.recordHTTPMetrics("userinfo", http.MethodGet, http.StatusUnauthorized, startTime)
		return
	}

	user, _, err := h.server.VerifyAccessToken(ctx, accessToken)
	if err != nil {
		h.recordHTTPMetrics("userinfo", http.MethodGet, http.StatusUnauthorized, startTime)
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Token validation failed")
		return
	}

	resp := UserInfoResponse{
		Sub:      fmt.Sprintf("%d", user.ID),
		Username: user.Username,
	}
	if !user.LastLogin.IsZero() {
		resp.LastLogin = &user.LastLogin
	}

	h.recordHTTPMetrics("userinfo", http.MethodGet, http.StatusOK, startTime)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// ServeAuthorizationServerMetadata serves RFC 8414 discovery metadata.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := strings.TrimSuffix(h.server.Config.Issuer, "/")
	methods := []string{PKCEMethodS256}
	if h.server.Config.AllowPKCEPlain {
		methods = append(methods, PKCEMethodPlain)
	}

	metadata := AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + h.basePath + PathAuthorize,
		TokenEndpoint:                     issuer + h.basePath + PathToken,
		RevocationEndpoint:                issuer + h.basePath + PathRevoke,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		CodeChallengeMethodsSupported:     methods,
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	// Discovery metadata is static; allow brief caching
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(w).Encode(metadata)
}

// Authenticate resolves the principal for a protected request. In open mode
// it returns the anonymous principal without reading the request at all. In
// enforced mode it requires a valid bearer access token.
//
// This is the collaborator contract for transport layers that dispatch
// requests themselves instead of using Middleware.
func (h *Handler) Authenticate(r *http.Request) (*Principal, error) {
	if h.mode == ModeOpen {
		return AnonymousPrincipal, nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, ErrInvalidToken("Missing Authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, ErrInvalidToken("Invalid Authorization header format")
	}

	user, _, err := h.server.VerifyAccessToken(r.Context(), parts[1])
	if err != nil {
		h.logger.Warn("Token validation failed", "error", err)
		return nil, ErrInvalidToken("Token validation failed")
	}

	return &Principal{UserID: user.ID, Username: user.Username}, nil
}

// Middleware gates a protected handler behind the gateway. Open mode
// attaches the anonymous principal and passes every request through;
// enforced mode rejects requests without a valid bearer token.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.mode == ModeOpen {
			ctx := ContextWithPrincipal(r.Context(), AnonymousPrincipal)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
		if h.checkIPRateLimit(w, r, clientIP) {
			return
		}

		principal, err := h.Authenticate(r)
		if err != nil {
			var oauthErr *OAuthError
			if errors.As(err, &oauthErr) {
				h.writeUnauthorizedError(w, oauthErr.Code, oauthErr.Description)
			} else {
				h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Token validation failed")
			}
			return
		}

		ctx := ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.rateLimiter == nil || h.rateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP)
	if h.inst != nil {
		h.inst.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	if h.server.Auditor != nil {
		h.server.Auditor.LogEvent(security.AuditEvent{
			Type:      security.EventRateLimitExceeded,
			IPAddress: clientIP,
			Details:   map[string]any{"endpoint": r.URL.Path},
		})
	}
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// extractBearerToken extracts the Bearer token from the Authorization header.
// Returns the token and true if successful, or writes an error and returns false.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Missing Authorization header")
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Invalid Authorization header format")
		return "", false
	}

	return parts[1], true
}

// writeTokenResponse writes a successful token response. expires_in is the
// configured access TTL, not a recomputed remainder, so clients always see
// the full window.
func (h *Handler) writeTokenResponse(w http.ResponseWriter, token *oauth2.Token) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = tokenTypeBearer
	}

	response := TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    tokenType,
		ExpiresIn:    h.server.Config.AccessTokenTTL,
		RefreshToken: token.RefreshToken,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(code, description))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeUnauthorizedError writes a 401 with a WWW-Authenticate challenge per
// RFC 6750 Section 3.
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, code, description string) {
	h.writeError(w, code, description, http.StatusUnauthorized)
}

// formatWWWAuthenticate formats the Bearer challenge header value (RFC 6750).
func formatWWWAuthenticate(code, description string) string {
	return fmt.Sprintf("%s error=%q, error_description=%q", tokenTypeBearer, code, description)
}

// setCORSHeaders sets CORS headers for allowed browser origins.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	// Skip if CORS not configured
	if len(h.allowedOrigins) == 0 {
		return
	}

	// Skip if not a browser CORS request (no Origin header)
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	if !h.isAllowedOrigin(origin) {
		h.logger.Debug("CORS request from disallowed origin", "origin", origin)
		return
	}

	// Echo back the specific origin rather than using "*" for security
	w.Header().Set("Access-Control-Allow-Origin", origin)

	// Vary prevents caches serving one origin's headers to another
	w.Header().Add("Vary", "Origin")

	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", defaultCORSMaxAge))
}

// isAllowedOrigin checks if the given origin is in the allowed origins list.
// Supports exact matching and wildcard "*" for development.
func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" {
			h.logger.Warn("⚠️  CORS: Wildcard origin (*) allows ALL origins",
				"risk", "CSRF attacks possible from any website",
				"recommendation", "Use specific origins in production")
			return true
		}

		// Exact match (case-sensitive per CORS spec)
		if allowed == origin {
			return true
		}
	}

	return false
}

// ServePreflightRequest handles CORS preflight (OPTIONS) requests.
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodOptions {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNoContent)
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.inst == nil {
		return
	}

	duration := time.Since(startTime).Seconds() * 1000 // milliseconds
	h.inst.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}
