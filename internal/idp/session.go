package idp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/log"
	"github.com/dgellow/gatekeep/internal/web"
)

// DefaultSessionMaxAge is the lifetime of an opaque session token
const DefaultSessionMaxAge = 24 * time.Hour

// MinSessionSecretLength is the shortest accepted signing secret
const MinSessionSecretLength = 32

// SessionIdentity identifies a server-side session created by Authenticate
type SessionIdentity struct {
	// SessionID is generated when empty
	SessionID string
	UserID    string
	User      any
}

// SessionUser is the principal a session provider callback hands over
type SessionUser struct {
	SessionIdentity
	Token     string
	ExpiresAt time.Time
}

// SessionClaims are the claims carried by a session token
type SessionClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// SessionConfig configures a provider that issues a single identifier-carrying
// token instead of running a redirect flow. The server-side session itself is
// owned by the application through the hooks.
type SessionConfig struct {
	ID     string
	Secret []byte
	MaxAge time.Duration

	// Authenticate verifies the callback request and creates the session
	Authenticate func(ctx context.Context, req *web.Request) (*SessionIdentity, error)
	// InvalidateSession deletes one session
	InvalidateSession func(ctx context.Context, sessionID string) error
	// InvalidateUserSessions deletes every session of a user
	InvalidateUserSessions func(ctx context.Context, userID string) error
	// Validate reports whether a session still exists. Optional.
	Validate func(ctx context.Context, sessionID string) (bool, error)

	Now func() time.Time
}

// SessionProvider mints HS256 session tokens
type SessionProvider struct {
	cfg SessionConfig
}

var _ Provider = (*SessionProvider)(nil)

// NewSessionProvider validates cfg and returns a provider
func NewSessionProvider(cfg SessionConfig) (*SessionProvider, error) {
	if err := requireID(cfg.ID); err != nil {
		return nil, err
	}
	if len(cfg.Secret) < MinSessionSecretLength {
		return nil, autherr.Configuration("session_provider", "provider %s: secret must be at least %d bytes", cfg.ID, MinSessionSecretLength)
	}
	if cfg.Authenticate == nil {
		return nil, autherr.Configuration("session_provider", "provider %s: Authenticate hook is required", cfg.ID)
	}
	if cfg.InvalidateSession == nil {
		return nil, autherr.Configuration("session_provider", "provider %s: InvalidateSession hook is required", cfg.ID)
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultSessionMaxAge
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SessionProvider{cfg: cfg}, nil
}

func (p *SessionProvider) ID() string { return p.cfg.ID }

func (p *SessionProvider) Kind() Kind { return KindSession }

// Login has nothing to redirect to
func (p *SessionProvider) Login(ctx context.Context, req *web.Request) (*web.Response, error) {
	return &web.Response{}, nil
}

// MaxAge is the lifetime of issued tokens
func (p *SessionProvider) MaxAge() time.Duration {
	return p.cfg.MaxAge
}

type sessionTokenResponse struct {
	Token     string    `json:"token"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Callback authenticates the request and answers with a session token
func (p *SessionProvider) Callback(ctx context.Context, req *web.Request) (*web.Response, error) {
	identity, err := p.cfg.Authenticate(ctx, req)
	if err != nil {
		return &web.Response{}, err
	}
	if identity == nil || identity.UserID == "" {
		return &web.Response{}, autherr.Validation("session_provider", "authentication produced no user")
	}
	if identity.SessionID == "" {
		identity.SessionID = uuid.NewString()
	}

	now := p.cfg.Now()
	expiresAt := now.Add(p.cfg.MaxAge)
	token, err := p.mint(identity, now, expiresAt)
	if err != nil {
		return &web.Response{}, err
	}

	body, err := json.Marshal(sessionTokenResponse{
		Token:     token,
		SessionID: identity.SessionID,
		ExpiresAt: expiresAt.UTC(),
	})
	if err != nil {
		return &web.Response{}, err
	}

	log.LogInfoWithFields("session_provider", "Session token issued", map[string]any{
		"provider":   p.cfg.ID,
		"session_id": identity.SessionID,
		"user":       identity.UserID,
	})

	resp := &web.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   body,
		User: &SessionUser{
			SessionIdentity: *identity,
			Token:           token,
			ExpiresAt:       expiresAt,
		},
	}
	return resp, nil
}

func (p *SessionProvider) mint(identity *SessionIdentity, now, expiresAt time.Time) (string, error) {
	claims := SessionClaims{
		SessionID: identity.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    p.cfg.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.cfg.Secret)
	if err != nil {
		return "", autherr.Configuration("session_provider", "failed to sign token").WithCause(err)
	}
	return signed, nil
}

// ParseToken verifies a token's signature and expiry and returns its claims
func (p *SessionProvider) ParseToken(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, p.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(p.cfg.ID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.cfg.Now),
	)
	if err != nil {
		return nil, autherr.TokenDecode("session_provider", "invalid session token").WithCause(err)
	}
	if !parsed.Valid || claims.SessionID == "" || claims.Subject == "" {
		return nil, autherr.TokenDecode("session_provider", "invalid session token")
	}
	return claims, nil
}

func (p *SessionProvider) keyFunc(token *jwt.Token) (any, error) {
	if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
		return nil, errors.New("unexpected signing method: " + token.Method.Alg())
	}
	return p.cfg.Secret, nil
}

// TokenFromRequest reads the bearer token or the token form field
func TokenFromRequest(req *web.Request) string {
	if h := req.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return req.Form.Get("token")
}

// Verify resolves the request's token to its claims, consulting Validate
// when configured.
func (p *SessionProvider) Verify(ctx context.Context, req *web.Request) (*SessionClaims, error) {
	token := TokenFromRequest(req)
	if token == "" {
		return nil, autherr.TokenDecode("session_provider", "no session token")
	}
	claims, err := p.ParseToken(token)
	if err != nil {
		return nil, err
	}
	if p.cfg.Validate != nil {
		ok, err := p.cfg.Validate(ctx, claims.SessionID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, autherr.TokenDecode("session_provider", "session no longer exists")
		}
	}
	return claims, nil
}

// Logout invalidates the session named by the request's token
func (p *SessionProvider) Logout(ctx context.Context, req *web.Request) (*web.Response, error) {
	claims, err := p.claimsFromRequest(req)
	if err != nil {
		return &web.Response{}, err
	}
	if err := p.cfg.InvalidateSession(ctx, claims.SessionID); err != nil {
		return &web.Response{}, err
	}

	log.LogInfoWithFields("session_provider", "Session invalidated", map[string]any{
		"provider":   p.cfg.ID,
		"session_id": claims.SessionID,
	})
	return &web.Response{Status: http.StatusNoContent}, nil
}

// LogoutEverywhere invalidates every session of the token's user
func (p *SessionProvider) LogoutEverywhere(ctx context.Context, req *web.Request) (*web.Response, error) {
	if p.cfg.InvalidateUserSessions == nil {
		return &web.Response{}, autherr.Configuration("session_provider", "provider %s: InvalidateUserSessions hook is not configured", p.cfg.ID)
	}
	claims, err := p.claimsFromRequest(req)
	if err != nil {
		return &web.Response{}, err
	}
	if err := p.cfg.InvalidateUserSessions(ctx, claims.Subject); err != nil {
		return &web.Response{}, err
	}

	log.LogInfoWithFields("session_provider", "All user sessions invalidated", map[string]any{
		"provider": p.cfg.ID,
		"user":     claims.Subject,
	})
	return &web.Response{Status: http.StatusNoContent}, nil
}

func (p *SessionProvider) claimsFromRequest(req *web.Request) (*SessionClaims, error) {
	token := TokenFromRequest(req)
	if token == "" {
		return nil, autherr.Validation("session_provider", "session token is required")
	}
	return p.ParseToken(token)
}
