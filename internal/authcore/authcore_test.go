package authcore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/gatekeep/internal/authserver"
	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/checks"
	"github.com/dgellow/gatekeep/internal/cookie"
	"github.com/dgellow/gatekeep/internal/crypto"
	"github.com/dgellow/gatekeep/internal/idp"
	"github.com/dgellow/gatekeep/internal/session"
	"github.com/dgellow/gatekeep/internal/testutil"
	"github.com/dgellow/gatekeep/internal/web"
)

const baseURL = "https://app.example.com"

type appUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type appRefresh struct {
	UserID string `json:"uid"`
	Gen    int    `json:"gen"`
}

type harness struct {
	auth   *Auth[appUser, appRefresh]
	iss    *testutil.Issuer
	names  cookie.Names
	issuer *session.Manager[appUser, appRefresh]

	created     int
	refreshed   []appRefresh
	invalidated struct {
		access  *appUser
		refresh *appRefresh
	}
	invalidateErr error
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	codec, err := crypto.NewSealedCodec([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	policy := cookie.NewPolicy("gatekeep", false)

	h := &harness{iss: testutil.NewIssuer(t), names: policy.Names}
	h.iss.IssueIDTokens = false

	deps := idp.Deps{
		Client: authserver.NewHTTPClient(),
		Checks: checks.New(codec, policy, 0),
	}
	github, err := idp.NewOAuth2Provider(idp.OAuth2Config{
		ID:            "github",
		ClientID:      testutil.TestClientID,
		ClientSecret:  testutil.TestClientSecret,
		Authorization: idp.Endpoint{URL: h.iss.AuthorizeURL()},
		Token:         idp.Endpoint{URL: h.iss.TokenURL()},
		UserInfo:      idp.Endpoint{URL: h.iss.UserInfoURL()},
		Scopes:        []string{"read:user", "user:email"},
		CallbackURL:   idp.CallbackURL(baseURL, "/auth", "github"),
	}, deps)
	require.NoError(t, err)

	local, err := idp.NewCredentialsProvider(idp.CredentialsConfig{
		ID: "local",
		OnLogout: func(ctx context.Context, req *web.Request) (*web.Response, error) {
			return nil, errors.New("upstream unavailable")
		},
	})
	require.NoError(t, err)

	manager, err := session.New(session.Config[appUser, appRefresh]{
		Codec:   codec,
		Cookies: policy,
		CreateSession: func(ctx context.Context, user any) (*session.TokenPair[appUser, appRefresh], error) {
			result, ok := user.(idp.AuthResult)
			if !ok {
				return nil, errors.New("unexpected user type")
			}
			h.created++
			return &session.TokenPair[appUser, appRefresh]{
				AccessToken:  &appUser{ID: result.Profile.Subject, Email: result.Profile.Email},
				RefreshToken: &appRefresh{UserID: result.Profile.Subject, Gen: 1},
			}, nil
		},
		Refresh: func(ctx context.Context, refresh appRefresh) (*session.TokenPair[appUser, appRefresh], error) {
			h.refreshed = append(h.refreshed, refresh)
			return &session.TokenPair[appUser, appRefresh]{
				AccessToken:  &appUser{ID: refresh.UserID},
				RefreshToken: &appRefresh{UserID: refresh.UserID, Gen: refresh.Gen + 1},
			}, nil
		},
		Invalidate: func(ctx context.Context, access *appUser, refresh *appRefresh) (*web.Response, error) {
			h.invalidated.access = access
			h.invalidated.refresh = refresh
			return &web.Response{Header: http.Header{"X-Logged-Out": {"1"}}}, h.invalidateErr
		},
	})
	require.NoError(t, err)
	h.issuer = manager

	h.auth, err = New(Options[appUser, appRefresh]{
		BasePath:     "/auth/",
		Providers:    []idp.Provider{github, local},
		Sessions:     manager,
		RedirectPage: "/",
	})
	require.NoError(t, err)
	return h
}

func request(t *testing.T, method, path string, cookies map[string]string) *web.Request {
	t.Helper()
	req, err := web.NewRequest(method, baseURL+path, cookies)
	require.NoError(t, err)
	return req
}

func requestURL(t *testing.T, rawURL string, cookies map[string]string) *web.Request {
	t.Helper()
	req, err := web.NewRequest(http.MethodGet, rawURL, cookies)
	require.NoError(t, err)
	return req
}

// jar applies resp's cookie instructions on top of prev
func jar(prev map[string]string, resp *web.Response) map[string]string {
	m := map[string]string{}
	for k, v := range prev {
		m[k] = v
	}
	for _, c := range resp.Cookies {
		if c.IsClear() {
			delete(m, c.Name)
			continue
		}
		m[c.Name] = c.Value
	}
	return m
}

func (h *harness) sessionCookies(t *testing.T, access *appUser, refresh *appRefresh) map[string]string {
	t.Helper()
	cookies, err := h.issuer.Issue(&session.TokenPair[appUser, appRefresh]{AccessToken: access, RefreshToken: refresh})
	require.NoError(t, err)
	return jar(nil, &web.Response{Cookies: cookies})
}

func TestNewValidation(t *testing.T) {
	h := newHarness(t)
	github, _ := h.auth.Provider("github")

	tests := []struct {
		name string
		opts Options[appUser, appRefresh]
	}{
		{"missing sessions", Options[appUser, appRefresh]{}},
		{"duplicate ids", Options[appUser, appRefresh]{Sessions: h.issuer, Providers: []idp.Provider{github, github}}},
		{"relative base path", Options[appUser, appRefresh]{Sessions: h.issuer, BasePath: "auth"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			require.Error(t, err)
			assert.Equal(t, autherr.KindConfiguration, autherr.KindOf(err))
		})
	}
}

func TestProviderTable(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "/auth", h.auth.BasePath())
	assert.Equal(t, []string{"github", "local"}, h.auth.ProviderIDs())

	_, ok := h.auth.Provider("github")
	assert.True(t, ok)
	_, ok = h.auth.Provider("gitlab")
	assert.False(t, ok)
}

func TestLoginRedirectsWithState(t *testing.T) {
	h := newHarness(t)

	resp, err := h.auth.Handle(context.Background(), request(t, http.MethodGet, "/auth/login/github", nil))
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, http.StatusFound, resp.Status)
	assert.True(t, strings.HasPrefix(resp.Redirect, h.iss.AuthorizeURL()+"?"))
	u, err := url.Parse(resp.Redirect)
	require.NoError(t, err)
	assert.NotEmpty(t, u.Query().Get("state"))
	assert.Equal(t, testutil.TestClientID, u.Query().Get("client_id"))

	state, ok := resp.Cookie(h.names.State)
	require.True(t, ok)
	assert.False(t, state.IsClear())
}

func TestCallbackCreatesSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	login, err := h.auth.Handle(ctx, request(t, http.MethodGet, "/auth/login/github", nil))
	require.NoError(t, err)
	cookies := jar(nil, login)

	resp, err := h.auth.Handle(ctx, requestURL(t, h.iss.Authorize(t, login.Redirect), cookies))
	require.NoError(t, err)

	assert.Equal(t, http.StatusFound, resp.Status)
	assert.Equal(t, "/", resp.Redirect)
	assert.Equal(t, 1, h.created)
	assert.Equal(t, 1, h.iss.TokenCalls())

	state, ok := resp.Cookie(h.names.State)
	require.True(t, ok)
	assert.True(t, state.IsClear())
	for _, name := range []string{h.names.AccessToken, h.names.RefreshToken} {
		c, ok := resp.Cookie(name)
		require.True(t, ok, name)
		assert.False(t, c.IsClear(), name)
	}

	user := h.issuer.GetUser(request(t, http.MethodGet, "/", jar(cookies, resp)))
	require.NotNil(t, user)
	assert.Equal(t, appUser{ID: "user-123", Email: "alice@example.com"}, *user)
}

func TestCallbackWithoutStateCookie(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	login, err := h.auth.Handle(ctx, request(t, http.MethodGet, "/auth/login/github", nil))
	require.NoError(t, err)
	cookies := jar(nil, login)
	delete(cookies, h.names.State)

	resp, err := h.auth.Handle(ctx, requestURL(t, h.iss.Authorize(t, login.Redirect), cookies))
	require.Error(t, err)
	assert.Equal(t, autherr.KindValidation, autherr.KindOf(err))
	assert.Equal(t, 0, h.iss.TokenCalls())
	assert.Equal(t, 0, h.created)

	require.NotNil(t, resp)
	_, ok := resp.Cookie(h.names.AccessToken)
	assert.False(t, ok)
	for _, c := range resp.Cookies {
		assert.True(t, c.IsClear(), c.Name)
	}
}

func TestRefreshOnPassThrough(t *testing.T) {
	h := newHarness(t)
	cookies := h.sessionCookies(t, nil, &appRefresh{UserID: "user-123", Gen: 1})

	resp, err := h.auth.Handle(context.Background(), request(t, http.MethodGet, "/dashboard", cookies))
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, []appRefresh{{UserID: "user-123", Gen: 1}}, h.refreshed)
	assert.Equal(t, 0, h.created)

	next := jar(cookies, resp)
	assert.NotEqual(t, cookies[h.names.RefreshToken], next[h.names.RefreshToken])
	user := h.issuer.GetUser(request(t, http.MethodGet, "/", next))
	require.NotNil(t, user)
	assert.Equal(t, "user-123", user.ID)

	again, err := h.auth.Handle(context.Background(), request(t, http.MethodGet, "/dashboard", next))
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Len(t, h.refreshed, 1)
}

func TestPassThroughWithoutSession(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"/", "/auth", "/auth/unknown/github", "/auth/login/github/extra"} {
		resp, err := h.auth.Handle(context.Background(), request(t, http.MethodGet, path, nil))
		require.NoError(t, err, path)
		assert.Nil(t, resp, path)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	tests := []struct {
		name          string
		invalidateErr error
	}{
		{"hook succeeds", nil},
		{"hook fails", errors.New("store down")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.invalidateErr = tt.invalidateErr
			cookies := h.sessionCookies(t, &appUser{ID: "u1"}, &appRefresh{UserID: "u1", Gen: 3})

			resp, err := h.auth.Handle(context.Background(), request(t, http.MethodPost, "/auth/logout", cookies))
			require.NoError(t, err)

			require.NotNil(t, h.invalidated.access)
			require.NotNil(t, h.invalidated.refresh)
			assert.Equal(t, "u1", h.invalidated.access.ID)
			assert.Equal(t, 3, h.invalidated.refresh.Gen)

			for _, name := range []string{h.names.AccessToken, h.names.RefreshToken} {
				c, ok := resp.Cookie(name)
				require.True(t, ok, name)
				assert.True(t, c.IsClear(), name)
			}
			assert.Equal(t, "1", resp.Header.Get("X-Logged-Out"))
			assert.Equal(t, http.StatusFound, resp.Status)
			assert.Equal(t, "/", resp.Redirect)
		})
	}
}

func TestProviderLogoutFailureStillClears(t *testing.T) {
	h := newHarness(t)
	cookies := h.sessionCookies(t, &appUser{ID: "u1"}, nil)

	resp, err := h.auth.Handle(context.Background(), request(t, http.MethodGet, "/auth/logout/local", cookies))
	require.NoError(t, err)
	assert.Len(t, resp.Cookies, 2)
	for _, c := range resp.Cookies {
		assert.True(t, c.IsClear(), c.Name)
	}
}

func TestSessionPage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t.Run("signed in", func(t *testing.T) {
		cookies := h.sessionCookies(t, &appUser{ID: "u1", Email: "u1@example.com"}, nil)
		resp, err := h.auth.Handle(ctx, request(t, http.MethodGet, "/auth/session", cookies))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		assert.JSONEq(t, `{"user":{"id":"u1","email":"u1@example.com"}}`, string(resp.Body))
		assert.Empty(t, resp.Cookies)
	})

	t.Run("anonymous", func(t *testing.T) {
		resp, err := h.auth.Handle(ctx, request(t, http.MethodGet, "/auth/session", nil))
		require.NoError(t, err)
		assert.JSONEq(t, `{"user":null}`, string(resp.Body))
	})

	t.Run("refreshes first", func(t *testing.T) {
		cookies := h.sessionCookies(t, nil, &appRefresh{UserID: "u2", Gen: 1})
		resp, err := h.auth.Handle(ctx, request(t, http.MethodGet, "/auth/session", cookies))
		require.NoError(t, err)

		var body sessionBody[appUser]
		require.NoError(t, json.Unmarshal(resp.Body, &body))
		require.NotNil(t, body.User)
		assert.Equal(t, "u2", body.User.ID)
		_, ok := resp.Cookie(h.names.AccessToken)
		assert.True(t, ok)
		assert.Nil(t, resp.User)
	})
}

func TestRoutingErrors(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name   string
		method string
		path   string
		want   error
	}{
		{"unknown provider login", http.MethodGet, "/auth/login/gitlab", ErrNotFound},
		{"unknown provider callback", http.MethodGet, "/auth/callback/gitlab", ErrNotFound},
		{"missing provider", http.MethodGet, "/auth/login/", ErrNotFound},
		{"login with DELETE", http.MethodDelete, "/auth/login/github", ErrMethodNotAllowed},
		{"session with POST", http.MethodPost, "/auth/session", ErrMethodNotAllowed},
		{"logout with PUT", http.MethodPut, "/auth/logout", ErrMethodNotAllowed},
		{"session with id", http.MethodGet, "/auth/session/github", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.auth.Handle(context.Background(), request(t, tt.method, tt.path, nil))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
