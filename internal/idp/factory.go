package idp

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dgellow/gatekeep/internal/authserver"
	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/checks"
	"github.com/dgellow/gatekeep/internal/config"
	"github.com/dgellow/gatekeep/internal/emailutil"
	"github.com/dgellow/gatekeep/internal/storage"
	"github.com/dgellow/gatekeep/internal/urlutil"
	"github.com/dgellow/gatekeep/internal/web"
)

// FactoryOptions carry what NewProvider needs beyond the provider's own config
type FactoryOptions struct {
	// BaseURL and BasePath locate the callback pages
	BaseURL  string
	BasePath string
	// RedirectPage is where completed logins land
	RedirectPage string
	Deps         Deps
	// Sessions backs session providers
	Sessions storage.Store
	// LoginPage renders the login form of credentials providers. Optional.
	LoginPage func(providerID string) Handler
	Now       func() time.Time
}

// CallbackURL is the absolute callback page URL of provider id
func CallbackURL(baseURL, basePath, id string) string {
	return urlutil.Callback(baseURL, basePath, id)
}

// NewProvider creates a Provider from its configuration
func NewProvider(pc config.ProviderConfig, opts FactoryOptions) (Provider, error) {
	switch pc.Kind {
	case config.ProviderKindOAuth2:
		return NewOAuth2Provider(oauth2Config(pc, opts), opts.Deps)

	case config.ProviderKindOIDC:
		return NewOIDCProvider(oidcConfig(pc, opts), opts.Deps)

	case config.ProviderKindGitHub:
		return GitHub(oauth2Config(pc, opts), GitHubOptions{
			APIBaseURL:  pc.APIBaseURL,
			AllowedOrgs: pc.AllowedOrgs,
		}, opts.Deps)

	case config.ProviderKindGoogle:
		return Google(oidcConfig(pc, opts), GoogleOptions{
			HostedDomain:   pc.HostedDomain,
			AllowedDomains: pc.AllowedDomains,
			Offline:        pc.Offline,
		}, opts.Deps)

	case config.ProviderKindAzure:
		return Azure(oidcConfig(pc, opts), AzureOptions{
			TenantID:       pc.TenantID,
			AllowedDomains: pc.AllowedDomains,
		}, opts.Deps)

	case config.ProviderKindCredentials:
		cfg := CredentialsConfig{
			ID:         pc.ID,
			OnCallback: PasswordCallback(pc.ID, accountLookup(pc.Users), opts.RedirectPage),
		}
		if opts.LoginPage != nil {
			cfg.OnLogin = opts.LoginPage(pc.ID)
			cfg.OnCallback = backToLogin(cfg.OnCallback, urlutil.Route(opts.BasePath, "login", pc.ID))
		}
		return NewCredentialsProvider(cfg)

	case config.ProviderKindSession:
		return newStoreSessionProvider(pc, opts)

	default:
		return nil, autherr.Configuration("idp", "unknown provider kind: %s", pc.Kind)
	}
}

func oauth2Config(pc config.ProviderConfig, opts FactoryOptions) OAuth2Config {
	cfg := OAuth2Config{
		ID:           pc.ID,
		ClientID:     pc.ClientID,
		ClientSecret: string(pc.ClientSecret),
		AuthStyle:    authStyle(pc.TokenAuthStyle),
		Authorization: Endpoint{
			URL:    pc.AuthorizationURL,
			Params: pc.AuthorizationParams,
		},
		Token:        Endpoint{URL: pc.TokenURL},
		UserInfo:     Endpoint{URL: pc.UserInfoURL},
		Scopes:       pc.Scopes,
		CallbackURL:  CallbackURL(opts.BaseURL, opts.BasePath, pc.ID),
		RedirectPage: opts.RedirectPage,
	}
	if pc.Checks != nil {
		cfg.Checks = make(checks.Set, len(pc.Checks))
		for i, c := range pc.Checks {
			cfg.Checks[i] = checks.Kind(c)
		}
	}
	return cfg
}

func oidcConfig(pc config.ProviderConfig, opts FactoryOptions) OIDCConfig {
	return OIDCConfig{
		OAuth2Config:         oauth2Config(pc, opts),
		Issuer:               pc.Issuer,
		JWKSURL:              pc.JWKSURL,
		UserInfoFromEndpoint: pc.UserInfoFromEndpoint,
	}
}

func authStyle(s string) authserver.AuthStyle {
	switch s {
	case "basic":
		return authserver.AuthStyleInHeader
	case "post":
		return authserver.AuthStyleInParams
	default:
		return authserver.AuthStyleAutoDetect
	}
}

// backToLogin sends rejected form logins back to the login page with the
// reason in the query.
func backToLogin(next Handler, loginPage string) Handler {
	return func(ctx context.Context, req *web.Request) (*web.Response, error) {
		resp, err := next(ctx, req)
		if autherr.KindOf(err) != autherr.KindValidation {
			return resp, err
		}
		var ae *autherr.Error
		errors.As(err, &ae)
		q := url.Values{"error": {ae.Message}}
		if u := strings.TrimSpace(req.Form.Get("username")); u != "" {
			q.Set("username", u)
		}
		return web.Redirect(loginPage + "?" + q.Encode()), nil
	}
}

// accountLookup serves accounts from configured users
func accountLookup(users []config.UserConfig) AccountLookup {
	accounts := make(map[string]*Account, len(users))
	for _, u := range users {
		accounts[u.Username] = &Account{
			Username:     u.Username,
			PasswordHash: string(u.PasswordHash),
			Email:        u.Email,
			Name:         u.Name,
		}
	}
	return func(ctx context.Context, username string) (*Account, error) {
		return accounts[username], nil
	}
}

// newStoreSessionProvider backs a session provider with configured accounts
// and a session store
func newStoreSessionProvider(pc config.ProviderConfig, opts FactoryOptions) (*SessionProvider, error) {
	store := opts.Sessions
	if store == nil {
		return nil, autherr.Configuration("idp", "provider %s: session providers need a session store", pc.ID)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxAge := pc.TokenMaxAge
	if maxAge <= 0 {
		maxAge = DefaultSessionMaxAge
	}
	lookup := accountLookup(pc.Users)

	return NewSessionProvider(SessionConfig{
		ID:     pc.ID,
		Secret: []byte(pc.TokenSecret),
		MaxAge: maxAge,
		Now:    now,
		Authenticate: func(ctx context.Context, req *web.Request) (*SessionIdentity, error) {
			account, err := Authenticate(ctx, lookup, req)
			if err != nil {
				return nil, err
			}
			created := now()
			sess := &storage.Session{
				ID:        uuid.NewString(),
				UserID:    account.Username,
				Provider:  pc.ID,
				CreatedAt: created,
				ExpiresAt: created.Add(maxAge),
			}
			if err := store.CreateSession(ctx, sess); err != nil {
				return nil, err
			}
			email := emailutil.Normalize(account.Email)
			return &SessionIdentity{
				SessionID: sess.ID,
				UserID:    account.Username,
				User: &UserInfo{
					Provider: pc.ID,
					Subject:  account.Username,
					Email:    email,
					Name:     account.Name,
					Domain:   emailutil.ExtractDomain(email),
				},
			}, nil
		},
		InvalidateSession: store.DeleteSession,
		InvalidateUserSessions: func(ctx context.Context, userID string) error {
			_, err := store.DeleteUserSessions(ctx, userID)
			return err
		},
		Validate: func(ctx context.Context, sessionID string) (bool, error) {
			_, err := store.GetSession(ctx, sessionID)
			if errors.Is(err, storage.ErrSessionNotFound) {
				return false, nil
			}
			return err == nil, err
		},
	})
}
