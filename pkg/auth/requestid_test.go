package auth_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/chronicle/pkg/auth"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := auth.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if _, err := uuid.Parse(seen); err != nil {
		t.Fatalf("expected generated uuid, got %q", seen)
	}
	if w.Header().Get("X-Request-ID") != seen {
		t.Errorf("response header %q does not match context %q", w.Header().Get("X-Request-ID"), seen)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "client-abc-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "client-abc-123" {
		t.Errorf("expected client id to be reused, got %q", seen)
	}

	for _, bad := range []string{"has space", strings.Repeat("x", 200), "tab\there"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", bad)
		handler.ServeHTTP(httptest.NewRecorder(), req)
		if seen == bad {
			t.Errorf("malformed id %q was reused", bad)
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := auth.CORSMiddleware([]string{"http://localhost:3000"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/field/cases", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("expected allowed origin echoed, got %q", got)
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("expected credentials to be allowed")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/field/cases", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allow-origin %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/field/intake", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204 preflight, got %d", w.Code)
	}
}
