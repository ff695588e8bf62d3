// Package session mints, refreshes and clears the access and refresh cookies
// that carry an authenticated session. Payload types belong to the
// application; the manager only encodes and decodes them.
package session

import (
	"context"
	"time"

	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/cookie"
	"github.com/dgellow/gatekeep/internal/crypto"
	"github.com/dgellow/gatekeep/internal/log"
	"github.com/dgellow/gatekeep/internal/web"
)

// Default token lifetimes
const (
	DefaultAccessTokenMaxAge  = time.Hour
	DefaultRefreshTokenMaxAge = 7 * 24 * time.Hour
)

// Refresh outcomes reported to the Observer
const (
	RefreshRotated = "rotated"
	RefreshEmpty   = "empty"
	RefreshInvalid = "invalid"
	RefreshError   = "error"
)

// TokenPair is an application session: an access payload and an optional
// refresh payload. A nil pointer means the token is absent.
type TokenPair[A, R any] struct {
	AccessToken  *A
	RefreshToken *R
}

// Observer is notified of refreshes and logouts
type Observer interface {
	ObserveRefresh(outcome string)
	ObserveLogout(hadSession bool)
}

// Config configures a Manager
type Config[A, R any] struct {
	Codec   crypto.Codec
	Cookies cookie.Policy

	AccessTokenMaxAge  time.Duration
	RefreshTokenMaxAge time.Duration

	// CreateSession turns the user set on a response into a session
	CreateSession func(ctx context.Context, user any) (*TokenPair[A, R], error)
	// Refresh mints a new session from a decoded refresh payload. Optional.
	Refresh func(ctx context.Context, refresh R) (*TokenPair[A, R], error)
	// Invalidate runs on logout when a session was present. Optional.
	Invalidate func(ctx context.Context, access *A, refresh *R) (*web.Response, error)

	Observer Observer
}

// Manager is the session lifecycle over cookie transport. It holds no
// per-request state and is safe for concurrent use.
type Manager[A, R any] struct {
	cfg Config[A, R]
}

// New validates cfg and applies defaults
func New[A, R any](cfg Config[A, R]) (*Manager[A, R], error) {
	if cfg.Codec == nil {
		return nil, autherr.Configuration("session", "codec is required")
	}
	if cfg.CreateSession == nil {
		return nil, autherr.Configuration("session", "CreateSession hook is required")
	}
	if cfg.Cookies.Names.AccessToken == "" || cfg.Cookies.Names.RefreshToken == "" {
		return nil, autherr.Configuration("session", "cookie policy has no session cookie names")
	}
	if cfg.AccessTokenMaxAge <= 0 {
		cfg.AccessTokenMaxAge = DefaultAccessTokenMaxAge
	}
	if cfg.RefreshTokenMaxAge <= 0 {
		cfg.RefreshTokenMaxAge = DefaultRefreshTokenMaxAge
	}
	return &Manager[A, R]{cfg: cfg}, nil
}

// Issue encodes each present token into its cookie. A nil pair yields no cookies.
func (m *Manager[A, R]) Issue(pair *TokenPair[A, R]) ([]cookie.Cookie, error) {
	if pair == nil {
		return nil, nil
	}

	var cookies []cookie.Cookie
	if pair.AccessToken != nil {
		token, err := m.cfg.Codec.Encode(pair.AccessToken, m.cfg.AccessTokenMaxAge)
		if err != nil {
			return nil, err
		}
		cookies = append(cookies, m.cfg.Cookies.Set(m.cfg.Cookies.Names.AccessToken, token, m.cfg.AccessTokenMaxAge))
	}
	if pair.RefreshToken != nil {
		token, err := m.cfg.Codec.Encode(pair.RefreshToken, m.cfg.RefreshTokenMaxAge)
		if err != nil {
			return nil, err
		}
		cookies = append(cookies, m.cfg.Cookies.Set(m.cfg.Cookies.Names.RefreshToken, token, m.cfg.RefreshTokenMaxAge))
	}
	return cookies, nil
}

// HandleRequest refreshes the session when only the refresh cookie is left.
// It returns nil when the request should pass through unchanged.
func (m *Manager[A, R]) HandleRequest(ctx context.Context, req *web.Request) (*web.Response, error) {
	if _, ok := req.Cookie(m.cfg.Cookies.Names.AccessToken); ok {
		return nil, nil
	}
	if m.cfg.Refresh == nil {
		return nil, nil
	}

	refresh, ok := decodeCookie[R](m, req, m.cfg.Cookies.Names.RefreshToken)
	if !ok {
		if _, present := req.Cookie(m.cfg.Cookies.Names.RefreshToken); present {
			m.observeRefresh(RefreshInvalid)
		}
		return nil, nil
	}

	pair, err := m.cfg.Refresh(ctx, *refresh)
	if err != nil {
		m.observeRefresh(RefreshError)
		return nil, err
	}
	if pair == nil || (pair.AccessToken == nil && pair.RefreshToken == nil) {
		m.observeRefresh(RefreshEmpty)
		return nil, nil
	}

	cookies, err := m.Issue(pair)
	if err != nil {
		m.observeRefresh(RefreshError)
		return nil, err
	}
	m.observeRefresh(RefreshRotated)

	log.LogDebugWithFields("session", "Session refreshed", map[string]any{
		"cookies": len(cookies),
	})

	resp := &web.Response{Cookies: cookies}
	if pair.AccessToken != nil {
		resp.User = pair.AccessToken
	}
	return resp, nil
}

// HandleResponse creates a session for the user a provider put on resp and
// appends its cookies.
func (m *Manager[A, R]) HandleResponse(ctx context.Context, resp *web.Response) error {
	if resp == nil || resp.User == nil {
		return nil
	}

	pair, err := m.cfg.CreateSession(ctx, resp.User)
	if err != nil {
		return err
	}
	cookies, err := m.Issue(pair)
	if err != nil {
		return err
	}
	resp.AddCookies(cookies...)

	log.LogDebugWithFields("session", "Session created", map[string]any{
		"cookies": len(cookies),
	})
	return nil
}

// Logout invalidates the session if one decodes and always clears both
// session cookies.
func (m *Manager[A, R]) Logout(ctx context.Context, req *web.Request) *web.Response {
	access, _ := decodeCookie[A](m, req, m.cfg.Cookies.Names.AccessToken)
	refresh, _ := decodeCookie[R](m, req, m.cfg.Cookies.Names.RefreshToken)
	hadSession := access != nil || refresh != nil

	resp := &web.Response{}
	if hadSession && m.cfg.Invalidate != nil {
		base, err := m.cfg.Invalidate(ctx, access, refresh)
		if err != nil {
			log.LogWarnWithFields("session", "Invalidate hook failed", map[string]any{
				"error": err.Error(),
			})
		}
		if base != nil {
			resp = base
		}
	}

	resp.AddCookies(
		m.cfg.Cookies.Clear(m.cfg.Cookies.Names.AccessToken),
		m.cfg.Cookies.Clear(m.cfg.Cookies.Names.RefreshToken),
	)

	if m.cfg.Observer != nil {
		m.cfg.Observer.ObserveLogout(hadSession)
	}
	return resp
}

// GetUser decodes the access cookie. It returns nil when the cookie is
// missing or does not decode.
func (m *Manager[A, R]) GetUser(req *web.Request) *A {
	access, _ := decodeCookie[A](m, req, m.cfg.Cookies.Names.AccessToken)
	return access
}

// decodeCookie decodes the named cookie into a T. Decode failures are logged
// and reported as absence.
func decodeCookie[T, A, R any](m *Manager[A, R], req *web.Request, name string) (*T, bool) {
	token, ok := req.Cookie(name)
	if !ok {
		return nil, false
	}
	var v T
	if err := m.cfg.Codec.Decode(token, &v); err != nil {
		log.LogDebugWithFields("session", "Session cookie rejected", map[string]any{
			"cookie": name,
			"error":  err.Error(),
		})
		return nil, false
	}
	return &v, true
}

func (m *Manager[A, R]) observeRefresh(outcome string) {
	if m.cfg.Observer != nil {
		m.cfg.Observer.ObserveRefresh(outcome)
	}
}
