package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nightcast/livechat/backend/filter"
)

func TestAdminAuthMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		username       string
		password       string
		token          string
		reqUsername    string
		reqPassword    string
		reqToken       string
		expectedStatus int
	}{
		{
			name:           "no auth configured - allows request",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "valid basic auth",
			username:       "admin",
			password:       "secret123",
			reqUsername:    "admin",
			reqPassword:    "secret123",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid basic auth username",
			username:       "admin",
			password:       "secret123",
			reqUsername:    "wrong",
			reqPassword:    "secret123",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "invalid basic auth password",
			username:       "admin",
			password:       "secret123",
			reqUsername:    "admin",
			reqPassword:    "wrong",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "valid token auth",
			token:          "test-token-12345",
			reqToken:       "test-token-12345",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid token auth",
			token:          "test-token-12345",
			reqToken:       "wrong-token",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "token auth takes precedence over basic auth",
			username:       "admin",
			password:       "secret123",
			token:          "test-token-12345",
			reqToken:       "test-token-12345",
			reqUsername:    "wrong",
			reqPassword:    "wrong",
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &authConfig{
				adminUsername: tt.username,
				adminPassword: tt.password,
				adminToken:    tt.token,
				enabled:       (tt.username != "" && tt.password != "") || tt.token != "",
			}

			handler := adminAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			}), cfg)

			req := httptest.NewRequest(http.MethodGet, "/admin/test", nil)
			if tt.reqUsername != "" || tt.reqPassword != "" {
				req.SetBasicAuth(tt.reqUsername, tt.reqPassword)
			}
			if tt.reqToken != "" {
				req.Header.Set("X-Admin-Token", tt.reqToken)
			}

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rr.Code)
			}
			if tt.expectedStatus == http.StatusUnauthorized {
				if auth := rr.Header().Get("WWW-Authenticate"); auth == "" {
					t.Error("expected WWW-Authenticate header on 401 response")
				}
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := filter.NewLimiter(ctx, nil, "test-admin", 2, time.Second)

	handler := rateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), limiter)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/admin/test", nil)
		req.RemoteAddr = "192.0.2.1:12345"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i+1, rr.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/test", nil)
	req.RemoteAddr = "192.0.2.1:12345"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("request 3: expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429 response")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"plain remote addr", "192.0.2.1:12345", "", "192.0.2.1"},
		{"forwarded single", "10.0.0.1:12345", "203.0.113.1", "203.0.113.1"},
		{"forwarded chain uses first", "10.0.0.1:12345", "203.0.113.1, 10.0.0.2", "203.0.113.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCORSConfig(t *testing.T) {
	tests := []struct {
		name              string
		permissive        bool
		allowedOrigins    []string
		requestOrigin     string
		expectAllowOrigin string
	}{
		{
			name:              "permissive mode allows all origins",
			permissive:        true,
			requestOrigin:     "https://example.com",
			expectAllowOrigin: "*",
		},
		{
			name:              "restricted mode with matching origin",
			permissive:        false,
			allowedOrigins:    []string{"https://example.com"},
			requestOrigin:     "https://example.com",
			expectAllowOrigin: "https://example.com",
		},
		{
			name:              "restricted mode with non-matching origin",
			permissive:        false,
			allowedOrigins:    []string{"https://example.com"},
			requestOrigin:     "https://evil.com",
			expectAllowOrigin: "",
		},
		{
			name:              "wildcard subdomain matching",
			permissive:        false,
			allowedOrigins:    []string{"*.example.com"},
			requestOrigin:     "https://app.example.com",
			expectAllowOrigin: "https://app.example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &corsConfig{permissive: tt.permissive, allowedOrigins: tt.allowedOrigins}
			handler := withCORSConfig(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}), cfg)

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.Header.Set("Origin", tt.requestOrigin)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.expectAllowOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.expectAllowOrigin)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	cfg := &corsConfig{permissive: true}
	handler := withCORSConfig(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for OPTIONS request")
	}), cfg)

	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	req.Header.Set("Origin", "https://example.com")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected 204 for OPTIONS, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("expected Allow-Methods header on OPTIONS response")
	}
}

func TestIsOriginAllowed(t *testing.T) {
	tests := []struct {
		name           string
		origin         string
		allowedOrigins []string
		want           bool
	}{
		{"exact match", "https://example.com", []string{"https://example.com"}, true},
		{"no match", "https://evil.com", []string{"https://example.com"}, false},
		{"wildcard subdomain", "https://app.example.com", []string{"*.example.com"}, true},
		{"wildcard deeper subdomain", "https://api.v2.example.com", []string{"*.example.com"}, true},
		{"wildcard matches bare domain", "https://example.com", []string{"*.example.com"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isOriginAllowed(tt.origin, tt.allowedOrigins); got != tt.want {
				t.Errorf("isOriginAllowed(%q, %v) = %v, want %v", tt.origin, tt.allowedOrigins, got, tt.want)
			}
		})
	}
}
