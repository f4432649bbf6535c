package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP resolves the client address a request originated from. The
// result keys audit events and the security-event throttle, so it must not
// be attacker-controlled: forwarding headers are honored only when
// trustProxy is set, meaning the server sits behind a reverse proxy that
// overwrites them. trustedProxyCount is how many proxies in the chain are
// ours, counted from the right of X-Forwarded-For; it guards against a
// client prepending fake hops.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := r.Header.Get("X-Real-IP"); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientIPFromForwardedFor picks the client entry out of an X-Forwarded-For
// chain of the form "client, hop1, hop2". With proxyCount trusted hops on
// the right, the client sits at len-proxyCount-1; a zero count assumes one
// trusted hop. Returns "" when the header is absent or the candidate does
// not parse as an IP, letting the caller fall back to RemoteAddr.
func clientIPFromForwardedFor(header string, proxyCount int) string {
	if header == "" {
		return ""
	}
	if proxyCount == 0 {
		proxyCount = 1
	}

	hops := strings.Split(header, ",")
	idx := len(hops) - proxyCount - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
