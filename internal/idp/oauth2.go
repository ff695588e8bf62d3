package idp

import (
	"context"
	"maps"
	"net/url"
	"slices"
	"strings"

	"github.com/dgellow/gatekeep/internal/authserver"
	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/checks"
	"github.com/dgellow/gatekeep/internal/cookie"
	"github.com/dgellow/gatekeep/internal/log"
	"github.com/dgellow/gatekeep/internal/web"
)

// DefaultRedirectPage is where a completed login lands when none is configured
const DefaultRedirectPage = "/"

// OAuth2Config configures an Authorization Code provider
type OAuth2Config struct {
	ID           string
	ClientID     string
	ClientSecret string
	AuthStyle    authserver.AuthStyle

	Authorization Endpoint
	Token         Endpoint
	UserInfo      Endpoint
	Scopes        []string

	// Checks enabled for the flow. Nil selects the provider default; an
	// empty non-nil set disables all checks.
	Checks checks.Set

	// CallbackURL is the absolute URL of this provider's callback page
	CallbackURL string
	// RedirectPage is where the default OnAuth sends the user
	RedirectPage string

	// ConformTokenResponse fixes up non-standard token responses
	ConformTokenResponse func(ctx context.Context, tokens *authserver.TokenResponse) (*authserver.TokenResponse, error)
	// FetchProfile replaces the userinfo request
	FetchProfile func(ctx context.Context, tokens *authserver.TokenResponse) (map[string]any, error)
	// NormalizeProfile maps the raw profile to a UserInfo. Defaults to StandardProfile.
	NormalizeProfile func(raw map[string]any) (*UserInfo, error)
	// OnAuth builds the response for a completed login
	OnAuth func(ctx context.Context, result AuthResult) (*web.Response, error)
	// OnLogout runs on provider logout
	OnLogout func(ctx context.Context, req *web.Request) (*web.Response, error)
}

// OAuth2Provider drives the Authorization Code flow with the checks enabled
// in its config.
type OAuth2Provider struct {
	cfg     OAuth2Config
	kind    Kind
	deps    Deps
	enabled checks.Set
}

var _ Provider = (*OAuth2Provider)(nil)

// endpoints are the resolved server locations a flow runs against
type endpoints struct {
	authorization Endpoint
	token         Endpoint
	userInfo      Endpoint
}

// NewOAuth2Provider validates cfg and returns a provider. State and PKCE are
// enabled unless cfg.Checks says otherwise.
func NewOAuth2Provider(cfg OAuth2Config, deps Deps) (*OAuth2Provider, error) {
	if cfg.Checks == nil {
		cfg.Checks = checks.Set{checks.State, checks.PKCE}
	}
	p, err := newOAuth2Provider(cfg, KindOAuth2, deps)
	if err != nil {
		return nil, err
	}
	if cfg.Authorization.URL == "" || cfg.Token.URL == "" {
		return nil, autherr.Configuration("oauth2", "provider %s: authorization and token endpoints are required", cfg.ID)
	}
	if cfg.FetchProfile == nil && cfg.UserInfo.URL == "" {
		return nil, autherr.Configuration("oauth2", "provider %s: userinfo endpoint or FetchProfile is required", cfg.ID)
	}
	return p, nil
}

func newOAuth2Provider(cfg OAuth2Config, kind Kind, deps Deps) (*OAuth2Provider, error) {
	if err := requireID(cfg.ID); err != nil {
		return nil, err
	}
	if cfg.ClientID == "" {
		return nil, autherr.Configuration(string(kind), "provider %s: client id is required", cfg.ID)
	}
	if cfg.CallbackURL == "" {
		return nil, autherr.Configuration(string(kind), "provider %s: callback URL is required", cfg.ID)
	}
	if u, err := url.Parse(cfg.CallbackURL); err != nil || !u.IsAbs() {
		return nil, autherr.Configuration(string(kind), "provider %s: callback URL must be absolute", cfg.ID)
	}
	if deps.Client == nil {
		return nil, autherr.Configuration(string(kind), "provider %s: authorization server client is required", cfg.ID)
	}
	if err := cfg.Checks.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Checks) > 0 && deps.Checks == nil {
		return nil, autherr.Configuration(string(kind), "provider %s: checks are enabled but no check store is configured", cfg.ID)
	}
	if cfg.RedirectPage == "" {
		cfg.RedirectPage = DefaultRedirectPage
	}
	cfg.Scopes = slices.Clone(cfg.Scopes)
	cfg.Checks = slices.Clone(cfg.Checks)
	return &OAuth2Provider{cfg: cfg, kind: kind, deps: deps, enabled: cfg.Checks}, nil
}

func (p *OAuth2Provider) ID() string { return p.cfg.ID }

func (p *OAuth2Provider) Kind() Kind { return p.kind }

func (p *OAuth2Provider) component() string { return string(p.kind) }

// Checks returns the checks the provider runs
func (p *OAuth2Provider) Checks() checks.Set {
	return slices.Clone(p.enabled)
}

func (p *OAuth2Provider) endpoints() endpoints {
	return endpoints{
		authorization: p.cfg.Authorization,
		token:         p.cfg.Token,
		userInfo:      p.cfg.UserInfo,
	}
}

// Login redirects to the authorization endpoint
func (p *OAuth2Provider) Login(ctx context.Context, req *web.Request) (*web.Response, error) {
	return p.login(ctx, req, p.endpoints(), p.enabled, p.cfg.Scopes)
}

// Callback exchanges the authorization code and completes the login
func (p *OAuth2Provider) Callback(ctx context.Context, req *web.Request) (*web.Response, error) {
	ep := p.endpoints()
	cb, resp, err := p.exchange(ctx, req, ep, p.enabled)
	if err != nil {
		return resp, err
	}

	raw, err := p.fetchProfile(ctx, ep, cb.tokens)
	if err != nil {
		return p.fail(cb.cleared, err)
	}
	return p.complete(ctx, cb, raw, nil)
}

// Logout calls OnLogout when configured
func (p *OAuth2Provider) Logout(ctx context.Context, req *web.Request) (*web.Response, error) {
	if p.cfg.OnLogout != nil {
		return p.cfg.OnLogout(ctx, req)
	}
	return &web.Response{}, nil
}

// redirectURI is the redirect_uri sent on both legs of the flow. A static
// authorization parameter wins over the configured callback URL.
func (p *OAuth2Provider) redirectURI(ep endpoints) string {
	if v, ok := ep.authorization.Params["redirect_uri"]; ok {
		return v
	}
	return p.cfg.CallbackURL
}

func (p *OAuth2Provider) login(ctx context.Context, req *web.Request, ep endpoints, enabled checks.Set, scopes []string) (*web.Response, error) {
	params := make(map[string]string, len(ep.authorization.Params)+3)
	maps.Copy(params, ep.authorization.Params)
	delete(params, "redirect_uri")

	var (
		state   string
		cookies []cookie.Cookie
	)
	for _, k := range enabled {
		switch k {
		case checks.State:
			v, c, err := p.deps.Checks.CreateState()
			if err != nil {
				return nil, err
			}
			state = v
			cookies = append(cookies, c)
		case checks.PKCE:
			pair, c, err := p.deps.Checks.CreatePKCE()
			if err != nil {
				return nil, err
			}
			params["code_challenge"] = pair.Challenge
			params["code_challenge_method"] = pair.Method
			cookies = append(cookies, c)
		case checks.Nonce:
			v, c, err := p.deps.Checks.CreateNonce()
			if err != nil {
				return nil, err
			}
			params["nonce"] = v
			cookies = append(cookies, c)
		}
	}

	location, err := p.deps.Client.AuthorizationURL(authserver.AuthorizationRequest{
		Endpoint:    ep.authorization.URL,
		ClientID:    p.cfg.ClientID,
		RedirectURI: p.redirectURI(ep),
		Scopes:      scopes,
		State:       state,
		Params:      params,
	})
	if err != nil {
		return nil, err
	}

	p.transition(FlowAuthorizationRequested, map[string]any{
		"checks": checkNames(enabled),
	})
	return web.Redirect(location).AddCookies(cookies...), nil
}

// callback is the outcome of the shared callback steps
type callback struct {
	tokens  *authserver.TokenResponse
	nonce   string
	cleared []cookie.Cookie
}

// exchange runs the callback steps common to OAuth2 and OIDC: error
// parameter, checks, code exchange and token conformance.
func (p *OAuth2Provider) exchange(ctx context.Context, req *web.Request, ep endpoints, enabled checks.Set) (*callback, *web.Response, error) {
	cleared := p.deps.clearChecks(enabled)
	failed := func(err error) (*callback, *web.Response, error) {
		resp, err := p.fail(cleared, err)
		return nil, resp, err
	}

	if code := req.Param("error"); code != "" {
		msg := code
		if desc := req.Param("error_description"); desc != "" {
			msg += ": " + desc
		}
		return failed(autherr.Protocol("callback", "authorization server returned %s", msg))
	}

	if enabled.Has(checks.State) {
		if _, err := p.deps.Checks.VerifyState(req); err != nil {
			return failed(err)
		}
	}

	code := req.Param("code")
	if code == "" {
		return failed(autherr.Validation("callback", "code parameter missing"))
	}

	var verifier, nonce string
	if enabled.Has(checks.PKCE) {
		v, _, err := p.deps.Checks.UsePKCE(req)
		if err != nil {
			return failed(err)
		}
		verifier = v
	}
	if enabled.Has(checks.Nonce) {
		v, _, err := p.deps.Checks.UseNonce(req)
		if err != nil {
			return failed(err)
		}
		nonce = v
	}
	p.transition(FlowCallbackValidated, nil)

	tokens, err := p.deps.Client.ExchangeCode(ctx, authserver.ExchangeRequest{
		TokenURL:     ep.token.URL,
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		AuthStyle:    p.cfg.AuthStyle,
		RedirectURI:  p.redirectURI(ep),
		Code:         code,
		CodeVerifier: verifier,
		Params:       ep.token.Params,
	})
	if err != nil {
		return failed(err)
	}

	if p.cfg.ConformTokenResponse != nil {
		tokens, err = p.cfg.ConformTokenResponse(ctx, tokens)
		if err != nil {
			return failed(err)
		}
	}
	if tokens == nil || tokens.AccessToken == "" {
		return failed(autherr.Protocol("callback", "token response has no access token"))
	}
	p.transition(FlowTokenExchanged, map[string]any{
		"has_refresh_token": tokens.RefreshToken != "",
		"has_id_token":      tokens.IDToken != "",
	})

	return &callback{tokens: tokens, nonce: nonce, cleared: cleared}, nil, nil
}

func (p *OAuth2Provider) fetchProfile(ctx context.Context, ep endpoints, tokens *authserver.TokenResponse) (map[string]any, error) {
	if p.cfg.FetchProfile != nil {
		return p.cfg.FetchProfile(ctx, tokens)
	}
	endpoint := ep.userInfo.URL
	if len(ep.userInfo.Params) > 0 {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, autherr.Configuration("userinfo", "invalid userinfo endpoint").WithCause(err)
		}
		q := u.Query()
		for k, v := range ep.userInfo.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}
	return p.deps.Client.UserInfo(ctx, endpoint, tokens.AccessToken)
}

// complete normalizes the profile, calls OnAuth and appends the check clears
func (p *OAuth2Provider) complete(ctx context.Context, cb *callback, raw map[string]any, claims map[string]any) (*web.Response, error) {
	normalize := p.cfg.NormalizeProfile
	if normalize == nil {
		normalize = func(raw map[string]any) (*UserInfo, error) {
			return StandardProfile(p.cfg.ID, raw)
		}
	}
	profile, err := normalize(raw)
	if err != nil {
		return p.fail(cb.cleared, err)
	}
	if profile.Provider == "" {
		profile.Provider = p.cfg.ID
	}
	if profile.Raw == nil {
		profile.Raw = raw
	}
	p.transition(FlowProfileFetched, map[string]any{"subject": profile.Subject})

	result := AuthResult{
		ProviderID: p.cfg.ID,
		Tokens:     cb.tokens,
		Profile:    profile,
		Claims:     claims,
	}

	var resp *web.Response
	if p.cfg.OnAuth != nil {
		resp, err = p.cfg.OnAuth(ctx, result)
		if err != nil {
			return p.fail(cb.cleared, err)
		}
	}
	if resp == nil {
		resp = web.Redirect(p.cfg.RedirectPage)
		resp.User = result
	}
	resp.AddCookies(cb.cleared...)

	p.transition(FlowSessionReady, nil)
	return resp, nil
}

// fail records the failure and returns a response carrying only cleared
func (p *OAuth2Provider) fail(cleared []cookie.Cookie, err error) (*web.Response, error) {
	log.LogWarnWithFields(p.component(), "Login failed", map[string]any{
		"provider": p.cfg.ID,
		"kind":     string(autherr.KindOf(err)),
		"error":    err.Error(),
	})
	p.deps.observe(p.cfg.ID, FlowFailed, err)
	return &web.Response{Cookies: append([]cookie.Cookie(nil), cleared...)}, err
}

func (p *OAuth2Provider) transition(state FlowState, fields map[string]any) {
	f := map[string]any{
		"provider": p.cfg.ID,
		"state":    string(state),
	}
	maps.Copy(f, fields)
	log.LogDebugWithFields(p.component(), "Flow transition", f)
	p.deps.observe(p.cfg.ID, state, nil)
}

func checkNames(s checks.Set) string {
	names := make([]string, len(s))
	for i, k := range s {
		names[i] = string(k)
	}
	return strings.Join(names, ",")
}
