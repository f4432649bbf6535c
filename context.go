package oauth

import "context"

type contextKey string

const principalContextKey contextKey = "oauth.principal"

// ContextWithPrincipal returns a context carrying the authenticated principal.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext extracts the principal attached by the gateway
// middleware. The second return is false when the request did not pass
// through the middleware.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	return p, ok
}

// AnonymousPrincipal is attached to every request in open (noauth) mode.
var AnonymousPrincipal = &Principal{Username: "anonymous", Anonymous: true}
