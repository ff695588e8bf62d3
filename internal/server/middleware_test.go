package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/gatekeep/internal/cookie"
	"github.com/dgellow/gatekeep/internal/web"
)

func TestCorsMiddleware(t *testing.T) {
	tests := []struct {
		name              string
		allowedOrigins    []string
		requestOrigin     string
		expectAllowOrigin string
		expectCredentials bool
		expectWildcard    bool
	}{
		{
			name:              "allowed origin",
			allowedOrigins:    []string{"https://app.example.com", "https://example.com"},
			requestOrigin:     "https://app.example.com",
			expectAllowOrigin: "https://app.example.com",
			expectCredentials: true,
		},
		{
			name:              "disallowed origin",
			allowedOrigins:    []string{"https://app.example.com", "https://example.com"},
			requestOrigin:     "https://evil.test",
			expectAllowOrigin: "",
			expectCredentials: false,
		},
		{
			name:              "no origin header",
			allowedOrigins:    []string{"https://app.example.com"},
			requestOrigin:     "",
			expectAllowOrigin: "",
			expectCredentials: false,
		},
		{
			name:              "empty allowed origins with origin",
			allowedOrigins:    []string{},
			requestOrigin:     "https://app.example.com",
			expectAllowOrigin: "*",
			expectWildcard:    true,
		},
		{
			name:              "empty allowed origins no origin",
			allowedOrigins:    []string{},
			requestOrigin:     "",
			expectAllowOrigin: "*",
			expectWildcard:    true,
		},
		{
			name:              "preflight request",
			allowedOrigins:    []string{"https://app.example.com"},
			requestOrigin:     "https://app.example.com",
			expectAllowOrigin: "https://app.example.com",
			expectCredentials: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Create a test handler that just returns 200 OK
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			// Wrap with CORS middleware
			corsHandler := NewCORSMiddleware(tt.allowedOrigins)(handler)

			// Create request
			method := "GET"
			if tt.name == "preflight request" {
				method = "OPTIONS"
			}
			req := httptest.NewRequest(method, "/test", nil)
			if tt.requestOrigin != "" {
				req.Header.Set("Origin", tt.requestOrigin)
			}

			// Execute request
			rr := httptest.NewRecorder()
			corsHandler.ServeHTTP(rr, req)

			// Check Access-Control-Allow-Origin header
			if tt.expectAllowOrigin != "" {
				assert.Equal(t, tt.expectAllowOrigin, rr.Header().Get("Access-Control-Allow-Origin"))
			} else {
				assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
			}

			// Check Access-Control-Allow-Credentials header
			if tt.expectCredentials {
				assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))
			} else if !tt.expectWildcard {
				// When using wildcard (*), credentials header should not be set
				assert.Empty(t, rr.Header().Get("Access-Control-Allow-Credentials"))
			}

			// Check that standard CORS headers are always set
			assert.Equal(t, "GET, POST, OPTIONS", rr.Header().Get("Access-Control-Allow-Methods"))
			assert.Equal(t, "Content-Type, Authorization, Cache-Control", rr.Header().Get("Access-Control-Allow-Headers"))
			assert.Equal(t, "3600", rr.Header().Get("Access-Control-Max-Age"))

			// For OPTIONS requests, check status code
			if method == "OPTIONS" {
				assert.Equal(t, http.StatusOK, rr.Code)
			}
		})
	}
}

func TestCorsMiddleware_CaseSensitivity(t *testing.T) {
	// Test that origin matching is case-sensitive
	allowedOrigins := []string{"https://App.Example.com"}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	corsHandler := NewCORSMiddleware(allowedOrigins)(handler)

	// Test with different case
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Origin", "https://app.example.com")

	rr := httptest.NewRecorder()
	corsHandler.ServeHTTP(rr, req)

	// Should not match due to case difference
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestCorsMiddleware_MultipleOrigins(t *testing.T) {
	// Test with multiple allowed origins
	allowedOrigins := []string{
		"https://app.example.com",
		"https://admin.example.com",
		"https://dev.example.com",
		"https://staging.example.com",
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	corsHandler := NewCORSMiddleware(allowedOrigins)(handler)

	// Test each allowed origin
	for _, origin := range allowedOrigins {
		t.Run(origin, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.Header.Set("Origin", origin)

			rr := httptest.NewRecorder()
			corsHandler.ServeHTTP(rr, req)

			assert.Equal(t, origin, rr.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}

// authFunc adapts a function to Authenticator
type authFunc func(ctx context.Context, req *web.Request) (*web.Response, error)

func (f authFunc) Handle(ctx context.Context, req *web.Request) (*web.Response, error) {
	return f(ctx, req)
}

func TestRecoverMiddleware(t *testing.T) {
	handler := NewRecoverMiddleware("test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	require.NotPanics(t, func() {
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "internal_server_error")
}

func TestLoggerMiddlewarePassesThrough(t *testing.T) {
	handler := NewLoggerMiddleware("test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/pot", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Equal(t, "short and stout", rr.Body.String())
}

func TestSessionMiddleware(t *testing.T) {
	policy := cookie.NewPolicy("test", false)
	echoUser := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(user.(string)))
	})

	tests := []struct {
		name        string
		auth        authFunc
		currentUser func(*web.Request) any
		cookie      *http.Cookie
		wantStatus  int
		wantBody    string
		wantCookies []string
	}{
		{
			name: "refresh sets user and cookies",
			auth: func(ctx context.Context, req *web.Request) (*web.Response, error) {
				return &web.Response{
					Cookies: []cookie.Cookie{policy.Set(policy.Names.AccessToken, "fresh", time.Hour)},
					User:    "refreshed-user",
				}, nil
			},
			wantStatus:  http.StatusOK,
			wantBody:    "refreshed-user",
			wantCookies: []string{policy.Names.AccessToken},
		},
		{
			name: "pass through falls back to current user",
			auth: func(ctx context.Context, req *web.Request) (*web.Response, error) {
				return nil, nil
			},
			currentUser: func(req *web.Request) any {
				if v, ok := req.Cookie("test.access-token"); ok {
					return "user-" + v
				}
				return nil
			},
			cookie:     &http.Cookie{Name: "test.access-token", Value: "a"},
			wantStatus: http.StatusOK,
			wantBody:   "user-a",
		},
		{
			name: "refresh failure is anonymous",
			auth: func(ctx context.Context, req *web.Request) (*web.Response, error) {
				return nil, errors.New("refresh hook failed")
			},
			currentUser: func(*web.Request) any { return nil },
			wantStatus:  http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewSessionMiddleware(tt.auth, tt.currentUser)(echoUser)
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.cookie != nil {
				req.AddCookie(tt.cookie)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, tt.wantBody, rr.Body.String())
			var names []string
			for _, c := range rr.Result().Cookies() {
				names = append(names, c.Name)
			}
			assert.Equal(t, tt.wantCookies, names)
		})
	}
}
