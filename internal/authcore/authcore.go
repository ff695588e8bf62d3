// Package authcore routes auth pages to providers and ties completed logins
// to the session manager.
package authcore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/cookie"
	"github.com/dgellow/gatekeep/internal/idp"
	"github.com/dgellow/gatekeep/internal/log"
	"github.com/dgellow/gatekeep/internal/metrics"
	"github.com/dgellow/gatekeep/internal/session"
	"github.com/dgellow/gatekeep/internal/web"
)

// DefaultBasePath is where auth pages are mounted when none is configured
const DefaultBasePath = "/auth"

// Page names under the base path
const (
	PageLogin    = "login"
	PageCallback = "callback"
	PageLogout   = "logout"
	PageSession  = "session"
)

var (
	// ErrNotFound is returned for auth pages that do not exist
	ErrNotFound = errors.New("not found")
	// ErrMethodNotAllowed is returned when a page does not accept the method
	ErrMethodNotAllowed = errors.New("method not allowed")
)

// Options configure an Auth
type Options[A, R any] struct {
	BasePath  string
	Providers []idp.Provider
	Sessions  *session.Manager[A, R]
	// Metrics is optional
	Metrics *metrics.Metrics
	// RedirectPage is where a browser lands after logout. Empty answers
	// logout with the bare cookie instructions.
	RedirectPage string
}

// Auth dispatches requests. The provider table is fixed at construction.
type Auth[A, R any] struct {
	basePath     string
	providers    map[string]idp.Provider
	ids          []string
	sessions     *session.Manager[A, R]
	metrics      *metrics.Metrics
	redirectPage string
}

// New builds the provider table. Duplicate provider ids are rejected.
func New[A, R any](opts Options[A, R]) (*Auth[A, R], error) {
	if opts.Sessions == nil {
		return nil, autherr.Configuration("authcore", "session manager is required")
	}
	base := strings.TrimRight(opts.BasePath, "/")
	if opts.BasePath == "" {
		base = DefaultBasePath
	}
	if base != "" && !strings.HasPrefix(base, "/") {
		return nil, autherr.Configuration("authcore", "base path %q must start with /", opts.BasePath)
	}

	providers := make(map[string]idp.Provider, len(opts.Providers))
	ids := make([]string, 0, len(opts.Providers))
	for _, p := range opts.Providers {
		if p == nil {
			return nil, autherr.Configuration("authcore", "nil provider")
		}
		id := p.ID()
		if strings.Contains(id, "/") {
			return nil, autherr.Configuration("authcore", "provider id %q must not contain /", id)
		}
		if _, dup := providers[id]; dup {
			return nil, autherr.Configuration("authcore", "duplicate provider id %q", id)
		}
		providers[id] = p
		ids = append(ids, id)
	}
	slices.Sort(ids)

	return &Auth[A, R]{
		basePath:     base,
		providers:    providers,
		ids:          ids,
		sessions:     opts.Sessions,
		metrics:      opts.Metrics,
		redirectPage: opts.RedirectPage,
	}, nil
}

// BasePath is the normalized mount point of the auth pages
func (a *Auth[A, R]) BasePath() string { return a.basePath }

// Provider looks up a provider by id
func (a *Auth[A, R]) Provider(id string) (idp.Provider, bool) {
	p, ok := a.providers[id]
	return p, ok
}

// ProviderIDs returns the configured provider ids in sorted order
func (a *Auth[A, R]) ProviderIDs() []string {
	return slices.Clone(a.ids)
}

// Sessions is the session manager completed logins feed
func (a *Auth[A, R]) Sessions() *session.Manager[A, R] { return a.sessions }

// Handle serves auth pages and refreshes sessions on every other request. A
// nil response with a nil error means the request passes through untouched.
// On error the response, when non-nil, still carries cookies to send.
func (a *Auth[A, R]) Handle(ctx context.Context, req *web.Request) (*web.Response, error) {
	page, id, ok := a.route(req.Path())
	if !ok {
		return a.sessions.HandleRequest(ctx, req)
	}

	switch page {
	case PageLogin:
		p, err := a.lookup(id, req, http.MethodGet, http.MethodPost)
		if err != nil {
			return nil, err
		}
		return p.Login(ctx, req)

	case PageCallback:
		p, err := a.lookup(id, req, http.MethodGet, http.MethodPost)
		if err != nil {
			return nil, err
		}
		return a.callback(ctx, p, req)

	case PageLogout:
		if !allowed(req, http.MethodGet, http.MethodPost) {
			return nil, ErrMethodNotAllowed
		}
		if id == "" {
			return a.logout(ctx, &web.Response{}, req), nil
		}
		p, err := a.lookup(id, req, http.MethodGet, http.MethodPost)
		if err != nil {
			return nil, err
		}
		return a.providerLogout(ctx, p, req), nil

	case PageSession:
		if id != "" {
			return nil, ErrNotFound
		}
		if !allowed(req, http.MethodGet) {
			return nil, ErrMethodNotAllowed
		}
		return a.currentSession(ctx, req)
	}
	return nil, ErrNotFound
}

// route splits an auth page path into page and provider id
func (a *Auth[A, R]) route(path string) (page, id string, ok bool) {
	rest, ok := strings.CutPrefix(path, a.basePath+"/")
	if !ok {
		return "", "", false
	}
	page, id, _ = strings.Cut(rest, "/")
	id = strings.TrimSuffix(id, "/")
	if strings.Contains(id, "/") {
		return "", "", false
	}
	switch page {
	case PageLogin, PageCallback, PageLogout, PageSession:
		return page, id, true
	}
	return "", "", false
}

func (a *Auth[A, R]) lookup(id string, req *web.Request, methods ...string) (idp.Provider, error) {
	p, ok := a.providers[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !allowed(req, methods...) {
		return nil, ErrMethodNotAllowed
	}
	return p, nil
}

func allowed(req *web.Request, methods ...string) bool {
	return slices.Contains(methods, req.Method)
}

// callback completes the provider flow and turns its user into session cookies
func (a *Auth[A, R]) callback(ctx context.Context, p idp.Provider, req *web.Request) (*web.Response, error) {
	resp, err := p.Callback(ctx, req)
	if err != nil {
		return resp, err
	}
	if resp == nil {
		resp = &web.Response{}
	}
	if err := a.sessions.HandleResponse(ctx, resp); err != nil {
		log.LogErrorWithFields("authcore", "Session creation failed", map[string]any{
			"provider": p.ID(),
			"error":    err.Error(),
		})
		a.metrics.ObserveFlow(p.ID(), idp.FlowFailed, err)
		return &web.Response{Cookies: clears(resp.Cookies)}, err
	}
	return resp, nil
}

// providerLogout runs the provider's sign-out, then the session logout.
// Provider failures are logged and never keep the session cookies alive.
func (a *Auth[A, R]) providerLogout(ctx context.Context, p idp.Provider, req *web.Request) *web.Response {
	base, err := p.Logout(ctx, req)
	if err != nil {
		log.LogWarnWithFields("authcore", "Provider logout failed", map[string]any{
			"provider": p.ID(),
			"error":    err.Error(),
		})
	}
	if base == nil {
		base = &web.Response{}
	}
	return a.logout(ctx, base, req)
}

func (a *Auth[A, R]) logout(ctx context.Context, base *web.Response, req *web.Request) *web.Response {
	resp := base.Merge(a.sessions.Logout(ctx, req))
	if a.redirectPage != "" && resp.Status == 0 && resp.Redirect == "" {
		resp.Status = http.StatusFound
		resp.Redirect = a.redirectPage
	}
	return resp
}

type sessionBody[A any] struct {
	User *A `json:"user"`
}

// currentSession answers with the decoded access payload, refreshing first
// when only the refresh cookie is left.
func (a *Auth[A, R]) currentSession(ctx context.Context, req *web.Request) (*web.Response, error) {
	resp := &web.Response{}
	user := a.sessions.GetUser(req)
	if user == nil {
		refreshed, err := a.sessions.HandleRequest(ctx, req)
		if err != nil {
			log.LogWarnWithFields("authcore", "Session refresh failed", map[string]any{
				"error": err.Error(),
			})
		}
		if refreshed != nil {
			resp.Merge(refreshed)
			if u, ok := refreshed.User.(*A); ok {
				user = u
			}
		}
	}

	body, err := json.Marshal(sessionBody[A]{User: user})
	if err != nil {
		return nil, err
	}
	resp.Status = http.StatusOK
	resp.Header = http.Header{"Content-Type": {"application/json"}}
	resp.Body = body
	resp.User = nil
	return resp, nil
}

func clears(cookies []cookie.Cookie) []cookie.Cookie {
	var out []cookie.Cookie
	for _, c := range cookies {
		if c.IsClear() {
			out = append(out, c)
		}
	}
	return out
}
