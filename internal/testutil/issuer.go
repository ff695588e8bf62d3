// Package testutil provides an in-process authorization server and mocks for
// exercising login flows in tests.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/dgellow/gatekeep/internal/checks"
)

const (
	TestClientID     = "test-client"
	TestClientSecret = "test-secret"
	keyID            = "test-key"
)

// pendingCode is what the authorize step remembers for the token step
type pendingCode struct {
	redirectURI string
	challenge   string
	nonce       string
}

// Issuer is an httptest-backed OAuth2/OIDC authorization server. It serves
// discovery, token, userinfo and JWKS endpoints; the authorize step is driven
// directly by tests through Authorize.
type Issuer struct {
	Server *httptest.Server

	// AdvertisePKCE controls code_challenge_methods_supported in discovery
	AdvertisePKCE bool
	// IssueIDTokens adds a signed id_token to token responses
	IssueIDTokens bool
	// Subject and Profile describe the user returned by userinfo and id tokens
	Subject string
	Profile map[string]any
	// TokenError, when set, makes the token endpoint answer with this OAuth error
	TokenError string
	// IDTokenNonce, when set, overrides the nonce placed in id tokens
	IDTokenNonce string

	key *rsa.PrivateKey

	mu            sync.Mutex
	codes         map[string]pendingCode
	refreshTokens map[string]string
	lastToken     url.Values
	discoveries   int
	tokenCalls    int
}

// NewIssuer starts an issuer that is shut down when t finishes
func NewIssuer(t *testing.T) *Issuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	iss := &Issuer{
		AdvertisePKCE: true,
		IssueIDTokens: true,
		Subject:       "user-123",
		Profile: map[string]any{
			"email":          "alice@example.com",
			"email_verified": true,
			"name":           "Alice",
			"picture":        "https://example.com/alice.png",
		},
		key:           key,
		codes:         map[string]pendingCode{},
		refreshTokens: map[string]string{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", iss.handleDiscovery)
	mux.HandleFunc("POST /token", iss.handleToken)
	mux.HandleFunc("GET /userinfo", iss.handleUserInfo)
	mux.HandleFunc("GET /jwks", iss.handleJWKS)

	iss.Server = httptest.NewServer(mux)
	t.Cleanup(iss.Server.Close)
	return iss
}

func (i *Issuer) URL() string          { return i.Server.URL }
func (i *Issuer) AuthorizeURL() string { return i.Server.URL + "/authorize" }
func (i *Issuer) TokenURL() string     { return i.Server.URL + "/token" }
func (i *Issuer) UserInfoURL() string  { return i.Server.URL + "/userinfo" }
func (i *Issuer) JWKSURL() string      { return i.Server.URL + "/jwks" }

// Authorize plays the user agent at the authorization endpoint: it reads the
// redirect produced by a login, mints a code and returns the callback URL the
// server would redirect back to.
func (i *Issuer) Authorize(t *testing.T, loginRedirect string) string {
	t.Helper()

	u, err := url.Parse(loginRedirect)
	if err != nil {
		t.Fatalf("parse login redirect: %v", err)
	}
	q := u.Query()

	code := "code-" + rand.Text()
	i.mu.Lock()
	i.codes[code] = pendingCode{
		redirectURI: q.Get("redirect_uri"),
		challenge:   q.Get("code_challenge"),
		nonce:       q.Get("nonce"),
	}
	i.mu.Unlock()

	cb, err := url.Parse(q.Get("redirect_uri"))
	if err != nil {
		t.Fatalf("parse redirect_uri: %v", err)
	}
	cbq := cb.Query()
	cbq.Set("code", code)
	if s := q.Get("state"); s != "" {
		cbq.Set("state", s)
	}
	cb.RawQuery = cbq.Encode()
	return cb.String()
}

// LastTokenRequest returns the form of the most recent token request
func (i *Issuer) LastTokenRequest() url.Values {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastToken
}

// TokenCalls returns how many token requests were served
func (i *Issuer) TokenCalls() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.tokenCalls
}

// Discoveries returns how many discovery documents were served
func (i *Issuer) Discoveries() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.discoveries
}

func (i *Issuer) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	i.mu.Lock()
	i.discoveries++
	i.mu.Unlock()

	doc := map[string]any{
		"issuer":                 i.URL(),
		"authorization_endpoint": i.AuthorizeURL(),
		"token_endpoint":         i.TokenURL(),
		"userinfo_endpoint":      i.UserInfoURL(),
		"jwks_uri":               i.JWKSURL(),
		"id_token_signing_alg_values_supported": []string{"RS256"},
	}
	if i.AdvertisePKCE {
		doc["code_challenge_methods_supported"] = []string{"S256"}
	}
	writeJSON(w, http.StatusOK, doc)
}

func (i *Issuer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	i.mu.Lock()
	i.lastToken = r.PostForm
	i.tokenCalls++
	i.mu.Unlock()

	if i.TokenError != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             i.TokenError,
			"error_description": "rejected by test issuer",
		})
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID, clientSecret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if clientID != TestClientID || clientSecret != TestClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		i.exchange(w, r.PostForm)
	case "refresh_token":
		i.refresh(w, r.PostForm)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (i *Issuer) exchange(w http.ResponseWriter, form url.Values) {
	i.mu.Lock()
	pending, ok := i.codes[form.Get("code")]
	delete(i.codes, form.Get("code"))
	i.mu.Unlock()

	if !ok || pending.redirectURI != form.Get("redirect_uri") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	if pending.challenge != "" && !checks.VerifyPKCE(form.Get("code_verifier"), pending.challenge) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "PKCE verification failed",
		})
		return
	}

	i.writeTokens(w, pending.nonce)
}

func (i *Issuer) refresh(w http.ResponseWriter, form url.Values) {
	i.mu.Lock()
	_, ok := i.refreshTokens[form.Get("refresh_token")]
	delete(i.refreshTokens, form.Get("refresh_token"))
	i.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	i.writeTokens(w, "")
}

func (i *Issuer) writeTokens(w http.ResponseWriter, nonce string) {
	refresh := "rt-" + rand.Text()
	i.mu.Lock()
	i.refreshTokens[refresh] = i.Subject
	i.mu.Unlock()

	resp := map[string]any{
		"access_token":  "at-" + rand.Text(),
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": refresh,
		"scope":         "openid email profile",
	}
	if i.IssueIDTokens {
		if i.IDTokenNonce != "" {
			nonce = i.IDTokenNonce
		}
		idToken, err := i.SignIDToken(i.Claims(nonce))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
			return
		}
		resp["id_token"] = idToken
	}
	writeJSON(w, http.StatusOK, resp)
}

// Claims returns standard ID token claims for the configured user
func (i *Issuer) Claims(nonce string) map[string]any {
	now := time.Now()
	claims := map[string]any{
		"iss": i.URL(),
		"sub": i.Subject,
		"aud": TestClientID,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	for k, v := range i.Profile {
		claims[k] = v
	}
	return claims
}

// SignIDToken signs claims with the issuer's key as an RS256 JWT
func (i *Issuer) SignIDToken(claims map[string]any) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: i.key, KeyID: keyID}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	obj, err := signer.Sign(payload)
	if err != nil {
		return "", err
	}
	return obj.CompactSerialize()
}

func (i *Issuer) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	if len(r.Header.Get("Authorization")) <= len("Bearer ") {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}

	profile := map[string]any{"sub": i.Subject}
	for k, v := range i.Profile {
		profile[k] = v
	}
	writeJSON(w, http.StatusOK, profile)
}

func (i *Issuer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       &i.key.PublicKey,
			KeyID:     keyID,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
