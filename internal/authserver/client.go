// Package authserver talks to OAuth2 authorization servers and OIDC issuers:
// discovery, authorization URLs, token exchange, refresh, userinfo and ID
// token validation. Every call that can reach the network takes a context,
// and every failure it reports is an autherr protocol error.
package authserver

import (
	"context"
	"net/http"
	"slices"
	"time"
)

// Endpoints are the locations published by an authorization server
type Endpoints struct {
	Issuer               string   `json:"issuer"`
	AuthorizationURL     string   `json:"authorization_endpoint"`
	TokenURL             string   `json:"token_endpoint"`
	UserInfoURL          string   `json:"userinfo_endpoint,omitempty"`
	JWKSURL              string   `json:"jwks_uri,omitempty"`
	EndSessionURL        string   `json:"end_session_endpoint,omitempty"`
	CodeChallengeMethods []string `json:"code_challenge_methods_supported,omitempty"`
}

// SupportsPKCE reports whether the server advertises the S256 challenge method
func (e *Endpoints) SupportsPKCE() bool {
	if e == nil {
		return false
	}
	return slices.Contains(e.CodeChallengeMethods, "S256")
}

// AuthStyle selects how client credentials reach the token endpoint
type AuthStyle int

const (
	AuthStyleAutoDetect AuthStyle = iota
	AuthStyleInParams
	AuthStyleInHeader
)

// AuthorizationRequest describes the front-channel redirect to the server
type AuthorizationRequest struct {
	Endpoint    string
	ClientID    string
	RedirectURI string
	Scopes      []string
	State       string
	// Params are appended as-is, after the standard parameters
	Params map[string]string
}

// ExchangeRequest redeems an authorization code at the token endpoint
type ExchangeRequest struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	AuthStyle    AuthStyle
	RedirectURI  string
	Code         string
	CodeVerifier string
	Params       map[string]string
}

// RefreshRequest trades a refresh token for a new token set
type RefreshRequest struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	AuthStyle    AuthStyle
	RefreshToken string
	Scopes       []string
}

// TokenResponse is the token endpoint's answer
type TokenResponse struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	Expiry       time.Time `json:"expiry,omitzero"`
}

// IDTokenRequest asks for an ID token to be verified. An empty Issuer skips the
// issuer check, for providers configured with explicit endpoints only.
type IDTokenRequest struct {
	Issuer      string
	JWKSURL     string
	ClientID    string
	RawIDToken  string
	Nonce       string
	SigningAlgs []string
}

// IDTokenClaims are the verified contents of an ID token
type IDTokenClaims struct {
	Issuer   string
	Subject  string
	Audience []string
	Nonce    string
	Expiry   time.Time
	IssuedAt time.Time
	Claims   map[string]any
}

// Client is the collaborator the flow engines use to reach authorization
// servers. HTTPClient is the production implementation.
type Client interface {
	Discover(ctx context.Context, issuer string) (*Endpoints, error)
	AuthorizationURL(req AuthorizationRequest) (string, error)
	ExchangeCode(ctx context.Context, req ExchangeRequest) (*TokenResponse, error)
	Refresh(ctx context.Context, req RefreshRequest) (*TokenResponse, error)
	UserInfo(ctx context.Context, endpoint, accessToken string) (map[string]any, error)
	ValidateIDToken(ctx context.Context, req IDTokenRequest) (*IDTokenClaims, error)
}

// DefaultTimeout bounds each outbound request
const DefaultTimeout = 10 * time.Second

// DefaultDiscoveryAttempts is the number of discovery tries before giving up
const DefaultDiscoveryAttempts = 3

// Option configures an HTTPClient
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.http = c }
}

// WithDiscoveryAttempts sets how many times discovery is tried
func WithDiscoveryAttempts(n uint) Option {
	return func(h *HTTPClient) {
		if n > 0 {
			h.discoveryAttempts = n
		}
	}
}

// WithDiscoveryInterval sets the first retry delay for discovery
func WithDiscoveryInterval(d time.Duration) Option {
	return func(h *HTTPClient) { h.discoveryInterval = d }
}

// WithClock overrides the time used for ID token expiry checks
func WithClock(now func() time.Time) Option {
	return func(h *HTTPClient) { h.now = now }
}
