package idp

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/gatekeep/internal/authserver"
	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/checks"
	"github.com/dgellow/gatekeep/internal/testutil"
	"github.com/dgellow/gatekeep/internal/web"
)

func oauth2TestConfig(iss *testutil.Issuer) OAuth2Config {
	return OAuth2Config{
		ID:            "acme",
		ClientID:      testutil.TestClientID,
		ClientSecret:  testutil.TestClientSecret,
		Authorization: Endpoint{URL: iss.AuthorizeURL()},
		Token:         Endpoint{URL: iss.TokenURL()},
		UserInfo:      Endpoint{URL: iss.UserInfoURL()},
		Scopes:        []string{"profile"},
		CallbackURL:   testCallback + "acme",
	}
}

func newOAuth2Test(t *testing.T, mutate func(*OAuth2Config)) (*OAuth2Provider, *testutil.Issuer, *flowRecorder) {
	t.Helper()
	iss := testutil.NewIssuer(t)
	iss.IssueIDTokens = false
	deps, rec := newTestDeps(t, authserver.NewHTTPClient())
	cfg := oauth2TestConfig(iss)
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewOAuth2Provider(cfg, deps)
	require.NoError(t, err)
	return p, iss, rec
}

func TestOAuth2Flow(t *testing.T) {
	ctx := context.Background()
	p, iss, rec := newOAuth2Test(t, nil)
	names := p.deps.Checks.Policy().Names

	login, err := p.Login(ctx, getRequest(t, testBaseURL+"/auth/login/acme", nil))
	require.NoError(t, err)

	q := loginQuery(t, login)
	assert.NotEmpty(t, q.Get("state"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.False(t, q.Has("nonce"))
	assert.Equal(t, "profile", q.Get("scope"))
	assert.Equal(t, testCallback+"acme", q.Get("redirect_uri"))
	assert.Equal(t, []string{names.State, names.PKCEVerifier}, cookieNames(login.Cookies))

	callbackURL := iss.Authorize(t, login.Redirect)
	resp, err := p.Callback(ctx, getRequest(t, callbackURL, jar(login)))
	require.NoError(t, err)

	assert.Equal(t, "/", resp.Redirect)
	result, ok := resp.User.(AuthResult)
	require.True(t, ok)
	assert.Equal(t, "acme", result.ProviderID)
	assert.NotEmpty(t, result.Tokens.AccessToken)
	assert.Nil(t, result.Claims)
	assert.Equal(t, "user-123", result.Profile.Subject)
	assert.Equal(t, "alice@example.com", result.Profile.Email)
	assert.Equal(t, "example.com", result.Profile.Domain)
	assert.Equal(t, "acme", result.Profile.Provider)

	assert.Equal(t, []string{names.State, names.PKCEVerifier}, cookieNames(resp.Cookies))
	allCleared(t, resp.Cookies)
	assert.NotEmpty(t, iss.LastTokenRequest().Get("code_verifier"))

	assert.Equal(t, []FlowState{
		FlowAuthorizationRequested,
		FlowCallbackValidated,
		FlowTokenExchanged,
		FlowProfileFetched,
		FlowSessionReady,
	}, rec.snapshot())
}

func TestOAuth2CallbackFailures(t *testing.T) {
	ctx := context.Background()

	withParam := func(t *testing.T, rawURL, key, value string) string {
		u, err := url.Parse(rawURL)
		require.NoError(t, err)
		q := u.Query()
		if value == "" {
			q.Del(key)
		} else {
			q.Set(key, value)
		}
		u.RawQuery = q.Encode()
		return u.String()
	}

	tests := []struct {
		name     string
		setup    func(*testutil.Issuer)
		callback func(t *testing.T, cbURL string, cookies map[string]string) *web.Request
		kind     autherr.Kind
		contains string
	}{
		{
			name: "state mismatch",
			callback: func(t *testing.T, cbURL string, cookies map[string]string) *web.Request {
				return getRequest(t, withParam(t, cbURL, "state", "forged"), cookies)
			},
			kind:     autherr.KindValidation,
			contains: "state mismatch",
		},
		{
			name: "state cookie missing",
			callback: func(t *testing.T, cbURL string, cookies map[string]string) *web.Request {
				return getRequest(t, cbURL, nil)
			},
			kind:     autherr.KindValidation,
			contains: "state cookie missing",
		},
		{
			name: "authorization server error",
			callback: func(t *testing.T, cbURL string, cookies map[string]string) *web.Request {
				return getRequest(t, testCallback+"acme?error=access_denied&error_description=user+cancelled", cookies)
			},
			kind:     autherr.KindProtocol,
			contains: "access_denied: user cancelled",
		},
		{
			name: "code missing",
			callback: func(t *testing.T, cbURL string, cookies map[string]string) *web.Request {
				return getRequest(t, withParam(t, cbURL, "code", ""), cookies)
			},
			kind:     autherr.KindValidation,
			contains: "code parameter missing",
		},
		{
			name:  "token endpoint rejects",
			setup: func(iss *testutil.Issuer) { iss.TokenError = "invalid_grant" },
			callback: func(t *testing.T, cbURL string, cookies map[string]string) *web.Request {
				return getRequest(t, cbURL, cookies)
			},
			kind:     autherr.KindProtocol,
			contains: "invalid_grant",
		},
		{
			name: "pkce verifier tampered",
			callback: func(t *testing.T, cbURL string, cookies map[string]string) *web.Request {
				cookies["gatekeep.pkce.code_verifier"] = "tampered"
				return getRequest(t, cbURL, cookies)
			},
			kind:     autherr.KindValidation,
			contains: "pkce cookie invalid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, iss, rec := newOAuth2Test(t, nil)
			if tt.setup != nil {
				tt.setup(iss)
			}

			login, err := p.Login(ctx, getRequest(t, testBaseURL+"/auth/login/acme", nil))
			require.NoError(t, err)
			cbURL := iss.Authorize(t, login.Redirect)

			resp, err := p.Callback(ctx, tt.callback(t, cbURL, jar(login)))
			require.Error(t, err)
			assert.Equal(t, tt.kind, autherr.KindOf(err))
			assert.Contains(t, err.Error(), tt.contains)

			require.NotNil(t, resp)
			assert.Nil(t, resp.User)
			assert.Empty(t, resp.Redirect)
			assert.ElementsMatch(t, []string{"gatekeep.state", "gatekeep.pkce.code_verifier"}, cookieNames(resp.Cookies))
			allCleared(t, resp.Cookies)

			states := rec.snapshot()
			assert.Equal(t, FlowFailed, states[len(states)-1])
		})
	}
}

func TestOAuth2CodeCannotBeReplayed(t *testing.T) {
	ctx := context.Background()
	p, iss, _ := newOAuth2Test(t, nil)

	login, err := p.Login(ctx, getRequest(t, testBaseURL+"/auth/login/acme", nil))
	require.NoError(t, err)
	req := getRequest(t, iss.Authorize(t, login.Redirect), jar(login))

	_, err = p.Callback(ctx, req)
	require.NoError(t, err)

	_, err = p.Callback(ctx, req)
	assert.Equal(t, autherr.KindProtocol, autherr.KindOf(err))
	assert.Equal(t, 2, iss.TokenCalls())
}

func TestOAuth2ChecksDisabled(t *testing.T) {
	ctx := context.Background()
	p, iss, _ := newOAuth2Test(t, func(c *OAuth2Config) { c.Checks = checks.Set{} })

	login, err := p.Login(ctx, getRequest(t, testBaseURL+"/auth/login/acme", nil))
	require.NoError(t, err)
	q := loginQuery(t, login)
	assert.False(t, q.Has("state"))
	assert.False(t, q.Has("code_challenge"))
	assert.Empty(t, login.Cookies)

	resp, err := p.Callback(ctx, getRequest(t, iss.Authorize(t, login.Redirect), nil))
	require.NoError(t, err)
	assert.Empty(t, resp.Cookies)
	assert.NotNil(t, resp.User)
}

func TestOAuth2RedirectURIParamOverridesCallback(t *testing.T) {
	ctx := context.Background()
	const override = "https://other.example.com/return"
	p, iss, _ := newOAuth2Test(t, func(c *OAuth2Config) {
		c.Authorization.Params = map[string]string{"redirect_uri": override, "audience": "api"}
	})

	login, err := p.Login(ctx, getRequest(t, testBaseURL+"/auth/login/acme", nil))
	require.NoError(t, err)
	q := loginQuery(t, login)
	assert.Equal(t, override, q.Get("redirect_uri"))
	assert.Equal(t, "api", q.Get("audience"))

	_, err = p.Callback(ctx, getRequest(t, iss.Authorize(t, login.Redirect), jar(login)))
	require.NoError(t, err)
	assert.Equal(t, override, iss.LastTokenRequest().Get("redirect_uri"))
}

func TestOAuth2Hooks(t *testing.T) {
	ctx := context.Background()

	t.Run("OnAuth response", func(t *testing.T) {
		var got AuthResult
		p, iss, _ := newOAuth2Test(t, func(c *OAuth2Config) {
			c.OnAuth = func(ctx context.Context, result AuthResult) (*web.Response, error) {
				got = result
				return web.Redirect("/welcome"), nil
			}
		})
		login, err := p.Login(ctx, getRequest(t, testBaseURL+"/auth/login/acme", nil))
		require.NoError(t, err)

		resp, err := p.Callback(ctx, getRequest(t, iss.Authorize(t, login.Redirect), jar(login)))
		require.NoError(t, err)
		assert.Equal(t, "/welcome", resp.Redirect)
		assert.Nil(t, resp.User)
		assert.Len(t, resp.Cookies, 2)
		assert.Equal(t, "user-123", got.Profile.Subject)
	})

	t.Run("OnAuth error", func(t *testing.T) {
		p, iss, _ := newOAuth2Test(t, func(c *OAuth2Config) {
			c.OnAuth = func(ctx context.Context, result AuthResult) (*web.Response, error) {
				return nil, autherr.Validation("app", "account suspended")
			}
		})
		login, err := p.Login(ctx, getRequest(t, testBaseURL+"/auth/login/acme", nil))
		require.NoError(t, err)

		resp, err := p.Callback(ctx, getRequest(t, iss.Authorize(t, login.Redirect), jar(login)))
		assert.ErrorContains(t, err, "account suspended")
		assert.Len(t, resp.Cookies, 2)
		allCleared(t, resp.Cookies)
	})

	t.Run("ConformTokenResponse and FetchProfile", func(t *testing.T) {
		p, iss, _ := newOAuth2Test(t, func(c *OAuth2Config) {
			c.UserInfo = Endpoint{}
			c.ConformTokenResponse = func(ctx context.Context, tokens *authserver.TokenResponse) (*authserver.TokenResponse, error) {
				tokens.Scope = "conformed"
				return tokens, nil
			}
			c.FetchProfile = func(ctx context.Context, tokens *authserver.TokenResponse) (map[string]any, error) {
				return map[string]any{"sub": "42", "email": "bob@example.org", "scope": tokens.Scope}, nil
			}
		})
		login, err := p.Login(ctx, getRequest(t, testBaseURL+"/auth/login/acme", nil))
		require.NoError(t, err)

		resp, err := p.Callback(ctx, getRequest(t, iss.Authorize(t, login.Redirect), jar(login)))
		require.NoError(t, err)
		result := resp.User.(AuthResult)
		assert.Equal(t, "42", result.Profile.Subject)
		assert.Equal(t, "conformed", result.Profile.Raw["scope"])
	})

	t.Run("profile without subject", func(t *testing.T) {
		p, iss, _ := newOAuth2Test(t, func(c *OAuth2Config) {
			c.FetchProfile = func(context.Context, *authserver.TokenResponse) (map[string]any, error) {
				return map[string]any{"email": "nobody@example.com"}, nil
			}
		})
		login, err := p.Login(ctx, getRequest(t, testBaseURL+"/auth/login/acme", nil))
		require.NoError(t, err)

		_, err = p.Callback(ctx, getRequest(t, iss.Authorize(t, login.Redirect), jar(login)))
		assert.Equal(t, autherr.KindProtocol, autherr.KindOf(err))
	})

	t.Run("OnLogout", func(t *testing.T) {
		p, _, _ := newOAuth2Test(t, func(c *OAuth2Config) {
			c.OnLogout = func(context.Context, *web.Request) (*web.Response, error) {
				return web.Redirect("https://idp.example.com/logout"), nil
			}
		})
		resp, err := p.Logout(ctx, getRequest(t, testBaseURL+"/auth/logout/acme", nil))
		require.NoError(t, err)
		assert.Equal(t, "https://idp.example.com/logout", resp.Redirect)

		plain, _, _ := newOAuth2Test(t, nil)
		resp, err = plain.Logout(ctx, getRequest(t, testBaseURL+"/auth/logout/acme", nil))
		require.NoError(t, err)
		assert.Equal(t, &web.Response{}, resp)
	})
}

func TestOAuth2FetchProfileError(t *testing.T) {
	client := &testutil.MockAuthServer{}
	deps, _ := newTestDeps(t, client)
	p, err := NewOAuth2Provider(OAuth2Config{
		ID:            "acme",
		ClientID:      "cid",
		Authorization: Endpoint{URL: "https://idp.example.com/authorize"},
		Token:         Endpoint{URL: "https://idp.example.com/token"},
		UserInfo:      Endpoint{URL: "https://idp.example.com/userinfo", Params: map[string]string{"fields": "id,email"}},
		CallbackURL:   testCallback + "acme",
		Checks:        checks.Set{},
	}, deps)
	require.NoError(t, err)

	client.On("ExchangeCode", mockAny, mockAny).Return(&authserver.TokenResponse{AccessToken: "at"}, nil)
	client.On("UserInfo", mockAny, "https://idp.example.com/userinfo?fields=id%2Cemail", "at").
		Return(nil, autherr.Protocol("userinfo", "endpoint returned status 500"))

	resp, err := p.Callback(context.Background(), getRequest(t, testCallback+"acme?code=c", nil))
	assert.Equal(t, autherr.KindProtocol, autherr.KindOf(err))
	assert.NotNil(t, resp)
	client.AssertExpectations(t)
}

func TestOAuth2EmptyAccessToken(t *testing.T) {
	client := &testutil.MockAuthServer{}
	deps, _ := newTestDeps(t, client)
	p, err := NewOAuth2Provider(OAuth2Config{
		ID:            "acme",
		ClientID:      "cid",
		Authorization: Endpoint{URL: "https://idp.example.com/authorize"},
		Token:         Endpoint{URL: "https://idp.example.com/token"},
		UserInfo:      Endpoint{URL: "https://idp.example.com/userinfo"},
		CallbackURL:   testCallback + "acme",
		Checks:        checks.Set{},
	}, deps)
	require.NoError(t, err)

	client.On("ExchangeCode", mockAny, mockAny).Return(&authserver.TokenResponse{TokenType: "Bearer"}, nil)

	_, err = p.Callback(context.Background(), getRequest(t, testCallback+"acme?code=c", nil))
	assert.Equal(t, autherr.KindProtocol, autherr.KindOf(err))
	assert.Contains(t, err.Error(), "no access token")
}

func TestNewOAuth2ProviderValidation(t *testing.T) {
	client := authserver.NewHTTPClient()
	deps, _ := newTestDeps(t, client)
	valid := OAuth2Config{
		ID:            "acme",
		ClientID:      "cid",
		Authorization: Endpoint{URL: "https://idp.example.com/authorize"},
		Token:         Endpoint{URL: "https://idp.example.com/token"},
		UserInfo:      Endpoint{URL: "https://idp.example.com/userinfo"},
		CallbackURL:   testCallback + "acme",
	}

	tests := []struct {
		name   string
		mutate func(*OAuth2Config, *Deps)
		errMsg string
	}{
		{"missing id", func(c *OAuth2Config, _ *Deps) { c.ID = "" }, "provider id is required"},
		{"missing client id", func(c *OAuth2Config, _ *Deps) { c.ClientID = "" }, "client id is required"},
		{"missing callback", func(c *OAuth2Config, _ *Deps) { c.CallbackURL = "" }, "callback URL is required"},
		{"relative callback", func(c *OAuth2Config, _ *Deps) { c.CallbackURL = "/auth/callback/acme" }, "must be absolute"},
		{"missing token endpoint", func(c *OAuth2Config, _ *Deps) { c.Token.URL = "" }, "endpoints are required"},
		{"missing userinfo", func(c *OAuth2Config, _ *Deps) { c.UserInfo.URL = "" }, "userinfo endpoint or FetchProfile"},
		{"unknown check", func(c *OAuth2Config, _ *Deps) { c.Checks = checks.Set{"magic"} }, "unknown check"},
		{"duplicate check", func(c *OAuth2Config, _ *Deps) { c.Checks = checks.Set{checks.State, checks.State} }, "listed twice"},
		{"checks without store", func(_ *OAuth2Config, d *Deps) { d.Checks = nil }, "no check store"},
		{"no client", func(_ *OAuth2Config, d *Deps) { d.Client = nil }, "authorization server client is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, d := valid, deps
			tt.mutate(&cfg, &d)
			_, err := NewOAuth2Provider(cfg, d)
			require.Error(t, err)
			assert.Equal(t, autherr.KindConfiguration, autherr.KindOf(err))
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	p, err := NewOAuth2Provider(valid, deps)
	require.NoError(t, err)
	assert.Equal(t, checks.Set{checks.State, checks.PKCE}, p.Checks())
	assert.Equal(t, KindOAuth2, p.Kind())
	assert.Equal(t, "acme", p.ID())

	noChecks := valid
	noChecks.Checks = checks.Set{}
	d := deps
	d.Checks = nil
	_, err = NewOAuth2Provider(noChecks, d)
	assert.NoError(t, err, "a provider without checks needs no check store")
}

func TestFailObservesError(t *testing.T) {
	p, _, rec := newOAuth2Test(t, nil)
	boom := errors.New("boom")
	resp, err := p.fail(nil, boom)
	assert.Same(t, boom, err)
	assert.Empty(t, resp.Cookies)
	assert.Equal(t, []error{boom}, rec.errs)
}
