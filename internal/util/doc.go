// Package util provides small helpers shared across the mcpx-auth packages,
// chiefly SafeTruncate for logging secret material as bounded prefixes.
package util
