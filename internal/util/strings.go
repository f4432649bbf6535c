package util

// SafeTruncate returns at most the first maxLen bytes of s without
// panicking. It exists so token, code, and jti values can be logged as
// short prefixes; the full value must never reach a log line. A negative
// maxLen yields the empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
