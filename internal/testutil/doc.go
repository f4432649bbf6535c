// Package testutil provides testing utilities and fixtures for the mcpx-auth
// library: fixed test keys, PKCE pair generation, and quiet loggers.
package testutil
