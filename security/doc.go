// Package security provides security-related functionality for the
// authorization server, including audit logging with PII protection,
// security-event throttling, clock-skew tolerant expiry checks, client IP
// extraction, request ID propagation, and secure header management.
//
// # Event Throttling
//
// The RateLimiter provides per-identifier throttling using a token bucket
// algorithm with automatic memory management through LRU eviction. It is used
// to keep repeated authentication failures from flooding the audit log while
// still recording that the flood happened.
//
// Example usage:
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if limiter.Allow(clientIP) {
//	    auditor.LogAuthFailure(0, username, clientIP, "invalid credentials")
//	}
//
// The LRU eviction strategy ensures that identifiers seen repeatedly are less
// likely to be evicted, while one-shot identifiers age out first.
package security
