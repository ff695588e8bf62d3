package authserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/ioutil"
	"github.com/dgellow/gatekeep/internal/log"
)

// maxUserInfoSize caps userinfo response bodies
const maxUserInfoSize = 1 << 20

var (
	// ErrNonceMissing is returned when a nonce was expected but the ID token has none
	ErrNonceMissing = errors.New("id token nonce missing")
	// ErrNonceMismatch is returned when the ID token nonce differs from the expected one
	ErrNonceMismatch = errors.New("id token nonce mismatch")
)

// HTTPClient implements Client with golang.org/x/oauth2 and go-oidc
type HTTPClient struct {
	http              *http.Client
	discoveryAttempts uint
	discoveryInterval time.Duration
	now               func() time.Time

	verifiers sync.Map // verifierKey -> *oidc.IDTokenVerifier
}

var _ Client = (*HTTPClient)(nil)

type verifierKey struct {
	issuer, jwksURL, clientID string
}

// NewHTTPClient creates the default authorization-server client
func NewHTTPClient(opts ...Option) *HTTPClient {
	c := &HTTPClient{
		http:              &http.Client{Timeout: DefaultTimeout},
		discoveryAttempts: DefaultDiscoveryAttempts,
		discoveryInterval: 200 * time.Millisecond,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HTTP returns the client used for every outbound request
func (c *HTTPClient) HTTP() *http.Client {
	return c.http
}

// HTTPClientOf returns the HTTP client behind c, so calls made outside the
// Client interface share its timeout and transport. Clients that expose none
// get a fresh one bounded by DefaultTimeout.
func HTTPClientOf(c Client) *http.Client {
	if hc, ok := c.(interface{ HTTP() *http.Client }); ok {
		if h := hc.HTTP(); h != nil {
			return h
		}
	}
	return &http.Client{Timeout: DefaultTimeout}
}

func (c *HTTPClient) clientContext(ctx context.Context) context.Context {
	return context.WithValue(oidc.ClientContext(ctx, c.http), oauth2.HTTPClient, c.http)
}

// Discover fetches the issuer's OpenID configuration, retrying transient
// failures with exponential backoff.
func (c *HTTPClient) Discover(ctx context.Context, issuer string) (*Endpoints, error) {
	if issuer == "" {
		return nil, autherr.Configuration("discover", "issuer is required")
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.discoveryInterval
	expBackoff.Reset()

	operation := func() (*Endpoints, error) {
		provider, err := oidc.NewProvider(c.clientContext(ctx), issuer)
		if err != nil {
			return nil, err
		}
		var endpoints Endpoints
		if err := provider.Claims(&endpoints); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to parse discovery document: %w", err))
		}
		return &endpoints, nil
	}

	endpoints, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(c.discoveryAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.LogWarnWithFields("authserver", "Discovery failed, retrying", map[string]any{
				"issuer": issuer,
				"error":  err.Error(),
				"delay":  d.String(),
			})
		}),
	)
	if err != nil {
		return nil, autherr.Protocol("discover", "failed to discover %s", issuer).WithCause(err)
	}

	log.LogDebugWithFields("authserver", "Discovered issuer", map[string]any{
		"issuer":         endpoints.Issuer,
		"pkce_supported": endpoints.SupportsPKCE(),
		"has_userinfo":   endpoints.UserInfoURL != "",
	})

	return endpoints, nil
}

func oauth2AuthStyle(s AuthStyle) oauth2.AuthStyle {
	switch s {
	case AuthStyleInParams:
		return oauth2.AuthStyleInParams
	case AuthStyleInHeader:
		return oauth2.AuthStyleInHeader
	default:
		return oauth2.AuthStyleAutoDetect
	}
}

// AuthorizationURL renders the redirect URL for req
func (c *HTTPClient) AuthorizationURL(req AuthorizationRequest) (string, error) {
	if req.Endpoint == "" {
		return "", autherr.Configuration("authorization_url", "authorization endpoint is not configured")
	}
	if _, err := url.Parse(req.Endpoint); err != nil {
		return "", autherr.Configuration("authorization_url", "invalid authorization endpoint").WithCause(err)
	}

	cfg := oauth2.Config{
		ClientID:    req.ClientID,
		RedirectURL: req.RedirectURI,
		Scopes:      req.Scopes,
		Endpoint:    oauth2.Endpoint{AuthURL: req.Endpoint},
	}

	opts := make([]oauth2.AuthCodeOption, 0, len(req.Params))
	for k, v := range req.Params {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	return cfg.AuthCodeURL(req.State, opts...), nil
}

// ExchangeCode redeems req.Code, sending the PKCE verifier when present
func (c *HTTPClient) ExchangeCode(ctx context.Context, req ExchangeRequest) (*TokenResponse, error) {
	if req.TokenURL == "" {
		return nil, autherr.Configuration("exchange", "token endpoint is not configured")
	}

	cfg := oauth2.Config{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		RedirectURL:  req.RedirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL:  req.TokenURL,
			AuthStyle: oauth2AuthStyle(req.AuthStyle),
		},
	}

	var opts []oauth2.AuthCodeOption
	if req.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(req.CodeVerifier))
	}
	for k, v := range req.Params {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	tok, err := cfg.Exchange(c.clientContext(ctx), req.Code, opts...)
	if err != nil {
		return nil, tokenError("exchange", err)
	}

	log.LogDebugWithFields("authserver", "Authorization code exchanged", map[string]any{
		"has_refresh_token": tok.RefreshToken != "",
		"has_id_token":      tok.Extra("id_token") != nil,
	})

	return fromOAuth2Token(tok), nil
}

// Refresh trades req.RefreshToken for a new token set
func (c *HTTPClient) Refresh(ctx context.Context, req RefreshRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, autherr.Validation("refresh", "refresh token is empty")
	}

	cfg := oauth2.Config{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		Scopes:       req.Scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL:  req.TokenURL,
			AuthStyle: oauth2AuthStyle(req.AuthStyle),
		},
	}

	tok, err := cfg.TokenSource(c.clientContext(ctx), &oauth2.Token{RefreshToken: req.RefreshToken}).Token()
	if err != nil {
		return nil, tokenError("refresh", err)
	}
	return fromOAuth2Token(tok), nil
}

func fromOAuth2Token(tok *oauth2.Token) *TokenResponse {
	resp := &TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if v, ok := tok.Extra("id_token").(string); ok {
		resp.IDToken = v
	}
	if v, ok := tok.Extra("scope").(string); ok {
		resp.Scope = v
	}
	return resp
}

func tokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode != "" {
			msg := re.ErrorCode
			if re.ErrorDescription != "" {
				msg += ": " + re.ErrorDescription
			}
			return autherr.Protocol(op, "token endpoint returned %s", msg).WithCause(err)
		}
		if re.Response != nil {
			return autherr.Protocol(op, "token endpoint returned status %d", re.Response.StatusCode).WithCause(err)
		}
	}
	return autherr.Protocol(op, "token request failed").WithCause(err)
}

// UserInfo fetches the profile at endpoint with a bearer access token
func (c *HTTPClient) UserInfo(ctx context.Context, endpoint, accessToken string) (map[string]any, error) {
	if endpoint == "" {
		return nil, autherr.Configuration("userinfo", "userinfo endpoint is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, autherr.Configuration("userinfo", "invalid userinfo endpoint").WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, autherr.Protocol("userinfo", "request failed").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoSize))
	if err != nil {
		return nil, autherr.Protocol("userinfo", "failed to read response").WithCause(err)
	}

	if resp.StatusCode != http.StatusOK {
		log.LogWarnWithFields("authserver", "Userinfo request failed", map[string]any{
			"endpoint": endpoint,
			"status":   resp.StatusCode,
			"body":     ioutil.ErrorBody(bytes.NewReader(body)),
		})
		return nil, autherr.Protocol("userinfo", "endpoint returned status %d", resp.StatusCode)
	}

	var profile map[string]any
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, autherr.Protocol("userinfo", "response is not a JSON object").WithCause(err)
	}
	return profile, nil
}

func (c *HTTPClient) verifier(req IDTokenRequest) *oidc.IDTokenVerifier {
	key := verifierKey{issuer: req.Issuer, jwksURL: req.JWKSURL, clientID: req.ClientID}
	if v, ok := c.verifiers.Load(key); ok {
		return v.(*oidc.IDTokenVerifier)
	}

	// The key set outlives any single request, so it fetches keys with a
	// background context carrying only the HTTP client.
	keySet := oidc.NewRemoteKeySet(oidc.ClientContext(context.Background(), c.http), req.JWKSURL)
	v := oidc.NewVerifier(req.Issuer, keySet, &oidc.Config{
		ClientID:             req.ClientID,
		SupportedSigningAlgs: req.SigningAlgs,
		SkipIssuerCheck:      req.Issuer == "",
		Now:                  c.now,
	})

	actual, _ := c.verifiers.LoadOrStore(key, v)
	return actual.(*oidc.IDTokenVerifier)
}

// ValidateIDToken verifies signature, issuer, audience and expiry, then
// compares the nonce claim with req.Nonce when one was sent.
func (c *HTTPClient) ValidateIDToken(ctx context.Context, req IDTokenRequest) (*IDTokenClaims, error) {
	if req.JWKSURL == "" {
		return nil, autherr.Configuration("id_token", "jwks endpoint is not configured")
	}
	if req.RawIDToken == "" {
		return nil, autherr.Protocol("id_token", "id token missing from token response")
	}

	token, err := c.verifier(req).Verify(c.clientContext(ctx), req.RawIDToken)
	if err != nil {
		return nil, autherr.Protocol("id_token", "verification failed").WithCause(err)
	}

	if req.Nonce != "" {
		if token.Nonce == "" {
			return nil, autherr.Protocol("id_token", "nonce check failed").WithCause(ErrNonceMissing)
		}
		if token.Nonce != req.Nonce {
			return nil, autherr.Protocol("id_token", "nonce check failed").WithCause(ErrNonceMismatch)
		}
	}

	claims := map[string]any{}
	if err := token.Claims(&claims); err != nil {
		return nil, autherr.Protocol("id_token", "failed to read claims").WithCause(err)
	}

	return &IDTokenClaims{
		Issuer:   token.Issuer,
		Subject:  token.Subject,
		Audience: token.Audience,
		Nonce:    token.Nonce,
		Expiry:   token.Expiry,
		IssuedAt: token.IssuedAt,
		Claims:   claims,
	}, nil
}
