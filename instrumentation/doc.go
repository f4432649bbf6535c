// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for
// the mcpx-auth library.
//
// This package enables observability across all library layers through:
//   - Metrics: counters, histograms, and gauges for grant flow operations
//   - Traces: distributed tracing for request flows across components
//
// # Quick Start
//
//	import "github.com/mcpx-lol/mcpx-auth/instrumentation"
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "mcpx-auth",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	srv.SetInstrumentation(inst)
//
// # Available Metrics
//
// HTTP layer:
//   - auth.http.requests.total{method, endpoint, status}
//   - auth.http.request.duration{endpoint}
//
// Grant flows:
//   - auth.authorization.started{client_id}
//   - auth.code.exchanged{client_id, pkce_method}
//   - auth.token.refreshed{client_id}
//   - auth.token.revoked{token_type}
//   - auth.grant.failures{grant_type, reason}
//
// Security:
//   - auth.pkce.validation_failed{method}
//   - auth.code.reuse_detected
//   - auth.token.reuse_detected
//   - auth.rate_limit.exceeded{limiter_type}
//   - auth.audit.events.total{event_type}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.size.users / storage.size.codes / storage.size.token_pairs
//
// When Enabled is false, no-op providers are installed and every recording
// call is a cheap nil-safe no-op, so instrumented code paths need no guards.
package instrumentation
