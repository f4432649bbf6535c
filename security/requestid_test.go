package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	id1 := GenerateRequestID()
	id2 := GenerateRequestID()

	if id1 == "" || id2 == "" {
		t.Fatal("GenerateRequestID() returned empty ID")
	}
	if id1 == id2 {
		t.Error("consecutive IDs should differ")
	}
	// 16 bytes encode to 22 base64url characters
	if len(id1) != 22 {
		t.Errorf("ID length = %d, want 22", len(id1))
	}
	if !isValidRequestID(id1) {
		t.Errorf("generated ID %q fails its own validation", id1)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-abc-123")
	if got := GetRequestID(ctx); got != "req-abc-123" {
		t.Errorf("GetRequestID() = %q, want %q", got, "req-abc-123")
	}

	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() on bare context = %q, want empty", got)
	}
}

func TestIsValidRequestID(t *testing.T) {
	tests := []struct {
		name      string
		requestID string
		valid     bool
	}{
		{"alphanumeric", "abc123", true},
		{"hyphens and underscores", "req_ID-123_abc", true},
		{"uuid shape", "550e8400-e29b-41d4-a716-446655440000", true},
		{"single character", "a", true},
		{"max length 128", strings.Repeat("a", 128), true},

		{"empty", "", false},
		{"over max length", strings.Repeat("a", 129), false},
		{"newline injection", "id123\nX-Injected: evil", false},
		{"carriage return injection", "id123\rmalicious", false},
		{"null byte", "id\x00123", false},
		{"space", "id 123", false},
		{"equals sign", "Root=1-abcdef", false},
		{"slash", "id/123", false},
		{"angle brackets", "<script>alert(1)</script>", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidRequestID(tt.requestID); got != tt.valid {
				t.Errorf("isValidRequestID(%q) = %v, want %v", tt.requestID, got, tt.valid)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name         string
		upstreamID   string
		wantUpstream bool
	}{
		{
			name:         "missing ID is generated",
			upstreamID:   "",
			wantUpstream: false,
		},
		{
			name:         "valid upstream ID is preserved",
			upstreamID:   "alb-550e8400-e29b-41d4",
			wantUpstream: true,
		},
		{
			name:         "malformed upstream ID is replaced",
			upstreamID:   "evil\r\nSet-Cookie: session=hijacked",
			wantUpstream: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ctxID string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxID = GetRequestID(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/oauth/authorize", nil)
			if tt.upstreamID != "" {
				req.Header["X-Request-Id"] = []string{tt.upstreamID}
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			respID := w.Header().Get(RequestIDHeader)
			if respID == "" {
				t.Fatal("response is missing the request ID header")
			}
			if respID != ctxID {
				t.Errorf("response ID %q != context ID %q", respID, ctxID)
			}
			if !isValidRequestID(respID) {
				t.Errorf("response carries invalid request ID %q", respID)
			}

			if tt.wantUpstream && respID != tt.upstreamID {
				t.Errorf("upstream ID %q was replaced with %q", tt.upstreamID, respID)
			}
			if !tt.wantUpstream && respID == tt.upstreamID {
				t.Errorf("malformed upstream ID %q was trusted", tt.upstreamID)
			}
		})
	}
}

func TestRequestIDMiddleware_DistinctPerRequest(t *testing.T) {
	var ids []string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids = append(ids, GetRequestID(r.Context()))
	}))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/oauth/token", nil)
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			t.Errorf("request ID %q reused across requests", id)
		}
		seen[id] = true
	}
}
