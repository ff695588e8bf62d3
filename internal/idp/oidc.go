package idp

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dgellow/gatekeep/internal/authserver"
	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/checks"
	"github.com/dgellow/gatekeep/internal/log"
	"github.com/dgellow/gatekeep/internal/web"
)

// OIDCConfig configures an OpenID Connect provider. Endpoints left empty in
// the embedded OAuth2Config are taken from the issuer's discovery document.
type OIDCConfig struct {
	OAuth2Config

	// Issuer enables discovery. Without it the authorization, token and JWKS
	// endpoints must all be set, and the ID token issuer is not checked.
	Issuer      string
	JWKSURL     string
	SigningAlgs []string
	// UserInfoFromEndpoint merges the userinfo response into the ID token claims
	UserInfoFromEndpoint bool
}

// OIDCProvider is an OAuth2Provider that validates an ID token instead of
// fetching a profile. Discovery runs once, on first use.
type OIDCProvider struct {
	*OAuth2Provider

	issuer               string
	jwksURL              string
	signingAlgs          []string
	userInfoFromEndpoint bool

	resolved atomic.Pointer[oidcEndpoints]
	group    singleflight.Group
}

var _ Provider = (*OIDCProvider)(nil)

// oidcEndpoints are the merged discovered and configured settings
type oidcEndpoints struct {
	endpoints
	issuer  string
	jwksURL string
	enabled checks.Set
}

var defaultOIDCScopes = []string{"openid", "email", "profile"}

// NewOIDCProvider validates cfg and returns a provider. State, PKCE and nonce
// are enabled unless cfg.Checks says otherwise.
func NewOIDCProvider(cfg OIDCConfig, deps Deps) (*OIDCProvider, error) {
	if cfg.Checks == nil {
		cfg.Checks = checks.Set{checks.State, checks.PKCE, checks.Nonce}
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = defaultOIDCScopes
	} else if !slices.Contains(cfg.Scopes, "openid") {
		cfg.Scopes = append([]string{"openid"}, cfg.Scopes...)
	}

	base, err := newOAuth2Provider(cfg.OAuth2Config, KindOIDC, deps)
	if err != nil {
		return nil, err
	}

	p := &OIDCProvider{
		OAuth2Provider:       base,
		issuer:               cfg.Issuer,
		jwksURL:              cfg.JWKSURL,
		signingAlgs:          slices.Clone(cfg.SigningAlgs),
		userInfoFromEndpoint: cfg.UserInfoFromEndpoint,
	}

	if cfg.Issuer == "" {
		if cfg.Authorization.URL == "" || cfg.Token.URL == "" || cfg.JWKSURL == "" {
			return nil, autherr.Configuration("oidc", "provider %s: either issuer or all endpoints (authorization, token, jwks) must be provided", cfg.ID)
		}
		if cfg.UserInfoFromEndpoint && cfg.UserInfo.URL == "" {
			return nil, autherr.Configuration("oidc", "provider %s: userinfo endpoint is required to fetch userinfo", cfg.ID)
		}
		p.resolved.Store(&oidcEndpoints{
			endpoints: base.endpoints(),
			jwksURL:   cfg.JWKSURL,
			enabled:   base.enabled,
		})
	}
	return p, nil
}

// Login redirects to the authorization endpoint, discovering it first if needed
func (p *OIDCProvider) Login(ctx context.Context, req *web.Request) (*web.Response, error) {
	r, err := p.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return p.login(ctx, req, r.endpoints, r.enabled, p.cfg.Scopes)
}

// Callback exchanges the code, validates the ID token and completes the login
func (p *OIDCProvider) Callback(ctx context.Context, req *web.Request) (*web.Response, error) {
	r, err := p.resolve(ctx)
	if err != nil {
		return p.fail(p.deps.clearChecks(p.enabled), err)
	}

	cb, resp, err := p.exchange(ctx, req, r.endpoints, r.enabled)
	if err != nil {
		return resp, err
	}

	if cb.tokens.IDToken == "" {
		return p.fail(cb.cleared, autherr.Protocol("callback", "token response has no id_token"))
	}

	idToken, err := p.deps.Client.ValidateIDToken(ctx, authserver.IDTokenRequest{
		Issuer:      r.issuer,
		JWKSURL:     r.jwksURL,
		ClientID:    p.cfg.ClientID,
		RawIDToken:  cb.tokens.IDToken,
		Nonce:       cb.nonce,
		SigningAlgs: p.signingAlgs,
	})
	if err != nil {
		return p.fail(cb.cleared, err)
	}

	raw := make(map[string]any, len(idToken.Claims))
	for k, v := range idToken.Claims {
		raw[k] = v
	}

	if p.userInfoFromEndpoint && r.userInfo.URL != "" {
		info, err := p.fetchProfile(ctx, r.endpoints, cb.tokens)
		if err != nil {
			return p.fail(cb.cleared, err)
		}
		if sub := stringClaim(info, "sub"); sub != idToken.Subject {
			return p.fail(cb.cleared, autherr.Protocol("userinfo", "userinfo subject does not match id token"))
		}
		for k, v := range info {
			raw[k] = v
		}
	}

	return p.complete(ctx, cb, raw, idToken.Claims)
}

// Checks returns the checks in effect, which may be narrower than configured
// once discovery has run.
func (p *OIDCProvider) Checks() checks.Set {
	if r := p.resolved.Load(); r != nil {
		return slices.Clone(r.enabled)
	}
	return p.OAuth2Provider.Checks()
}

// DiscoveryTimeout bounds one shared discovery, retries included
const DiscoveryTimeout = 30 * time.Second

// resolve returns the memoized endpoints, running discovery on first use.
// Concurrent first callers share one discovery that outlives any single
// caller's context; a caller whose context ends stops waiting for it.
// Failures are not cached.
func (p *OIDCProvider) resolve(ctx context.Context) (*oidcEndpoints, error) {
	if r := p.resolved.Load(); r != nil {
		return r, nil
	}

	ch := p.group.DoChan(p.issuer, func() (any, error) {
		if r := p.resolved.Load(); r != nil {
			return r, nil
		}

		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DiscoveryTimeout)
		defer cancel()
		discovered, err := p.deps.Client.Discover(dctx, p.issuer)
		if err != nil {
			return nil, err
		}

		r, err := p.merge(discovered)
		if err != nil {
			return nil, err
		}
		p.resolved.Store(r)
		return r, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, autherr.Protocol("oidc", "discovery for %s abandoned", p.issuer).WithCause(ctx.Err())
	}
	if res.Err != nil {
		log.LogErrorWithFields("oidc", "Provider initialization failed", map[string]any{
			"provider": p.cfg.ID,
			"issuer":   p.issuer,
			"error":    res.Err.Error(),
		})
		return nil, res.Err
	}
	return res.Val.(*oidcEndpoints), nil
}

// merge overlays configured endpoints on discovered ones and applies the
// PKCE fallback policy.
func (p *OIDCProvider) merge(d *authserver.Endpoints) (*oidcEndpoints, error) {
	ep := p.endpoints()
	if ep.authorization.URL == "" {
		ep.authorization.URL = d.AuthorizationURL
	}
	if ep.token.URL == "" {
		ep.token.URL = d.TokenURL
	}
	if ep.userInfo.URL == "" {
		ep.userInfo.URL = d.UserInfoURL
	}
	jwksURL := p.jwksURL
	if jwksURL == "" {
		jwksURL = d.JWKSURL
	}

	if ep.authorization.URL == "" || ep.token.URL == "" || jwksURL == "" {
		return nil, autherr.Configuration("oidc", "provider %s: discovery document for %s is missing required endpoints", p.cfg.ID, p.issuer)
	}

	issuer := d.Issuer
	if issuer == "" {
		issuer = p.issuer
	}

	enabled := p.enabled
	if enabled.Has(checks.PKCE) && !d.SupportsPKCE() {
		enabled = checks.Set{checks.Nonce}
		log.LogWarnWithFields("oidc", "Issuer does not advertise S256 PKCE; falling back to nonce-only checks", map[string]any{
			"provider":   p.cfg.ID,
			"issuer":     issuer,
			"configured": checkNames(p.enabled),
		})
	}

	log.LogInfoWithFields("oidc", "Provider initialized", map[string]any{
		"provider": p.cfg.ID,
		"issuer":   issuer,
		"checks":   checkNames(enabled),
	})

	return &oidcEndpoints{
		endpoints: ep,
		issuer:    issuer,
		jwksURL:   jwksURL,
		enabled:   enabled,
	}, nil
}
