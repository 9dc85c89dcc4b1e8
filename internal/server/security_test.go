package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func serveWithSecurity(cfg SecurityConfig) *httptest.ResponseRecorder {
	handler := securityHeaders(cfg)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	handler(inner).ServeHTTP(rec, req)
	return rec
}

func TestSecurityHeaders_CSPIncludesStorageEndpoint(t *testing.T) {
	rec := serveWithSecurity(SecurityConfig{
		BaseURL:         "https://app.test",
		StorageEndpoint: "https://storage.example.com",
	})

	csp := rec.Header().Get("Content-Security-Policy")
	for _, want := range []string{
		"connect-src 'self' https://storage.example.com",
		"media-src 'self' blob: https://storage.example.com",
		"img-src 'self' https://storage.example.com",
	} {
		if !strings.Contains(csp, want) {
			t.Errorf("CSP should contain %q, got: %s", want, csp)
		}
	}
}

func TestSecurityHeaders_CSPOmitsStorageWhenEmpty(t *testing.T) {
	rec := serveWithSecurity(SecurityConfig{BaseURL: "https://app.test"})

	csp := rec.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "connect-src 'self';") {
		t.Errorf("CSP connect-src should be just 'self' when no storage endpoint, got: %s", csp)
	}
}

func TestSecurityHeaders_CSPOmitsUnsafeInline(t *testing.T) {
	csp := serveWithSecurity(SecurityConfig{}).Header().Get("Content-Security-Policy")
	if strings.Contains(csp, "'unsafe-inline'") {
		t.Errorf("CSP should not contain 'unsafe-inline', got: %s", csp)
	}
	if !strings.Contains(csp, "frame-ancestors 'none'") {
		t.Errorf("CSP should forbid framing, got: %s", csp)
	}
}

func TestSecurityHeaders_HSTS(t *testing.T) {
	tests := []struct {
		baseURL string
		want    bool
	}{
		{"https://app.test", true},
		{"http://localhost:8080", false},
		{"", false},
	}
	for _, tc := range tests {
		hsts := serveWithSecurity(SecurityConfig{BaseURL: tc.baseURL}).Header().Get("Strict-Transport-Security")
		if (hsts != "") != tc.want {
			t.Errorf("%q: expected HSTS=%v, got %q", tc.baseURL, tc.want, hsts)
		}
	}
}

func TestSecurityHeaders_Static(t *testing.T) {
	rec := serveWithSecurity(SecurityConfig{})
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Errorf("expected X-Frame-Options DENY, got %q", rec.Header().Get("X-Frame-Options"))
	}
	if rec.Header().Get("Referrer-Policy") != "no-referrer" {
		t.Errorf("expected Referrer-Policy no-referrer, got %q", rec.Header().Get("Referrer-Policy"))
	}
}
