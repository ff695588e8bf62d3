package idp

import (
	"context"
	"net/http"
	"strings"

	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/crypto"
	"github.com/dgellow/gatekeep/internal/emailutil"
	"github.com/dgellow/gatekeep/internal/log"
	"github.com/dgellow/gatekeep/internal/web"
)

// Handler is an application hook answering one provider page
type Handler func(ctx context.Context, req *web.Request) (*web.Response, error)

// CredentialsConfig configures a provider whose pages are entirely
// application-defined.
type CredentialsConfig struct {
	ID         string
	OnLogin    Handler
	OnCallback Handler
	OnLogout   Handler
}

// CredentialsProvider delegates every page to its hooks and answers with an
// empty response when a hook is unset.
type CredentialsProvider struct {
	cfg CredentialsConfig
}

var _ Provider = (*CredentialsProvider)(nil)

// NewCredentialsProvider returns a hook-driven provider
func NewCredentialsProvider(cfg CredentialsConfig) (*CredentialsProvider, error) {
	if err := requireID(cfg.ID); err != nil {
		return nil, err
	}
	return &CredentialsProvider{cfg: cfg}, nil
}

func (p *CredentialsProvider) ID() string { return p.cfg.ID }

func (p *CredentialsProvider) Kind() Kind { return KindCredentials }

func (p *CredentialsProvider) Login(ctx context.Context, req *web.Request) (*web.Response, error) {
	return call(ctx, p.cfg.OnLogin, req)
}

func (p *CredentialsProvider) Callback(ctx context.Context, req *web.Request) (*web.Response, error) {
	return call(ctx, p.cfg.OnCallback, req)
}

func (p *CredentialsProvider) Logout(ctx context.Context, req *web.Request) (*web.Response, error) {
	return call(ctx, p.cfg.OnLogout, req)
}

func call(ctx context.Context, h Handler, req *web.Request) (*web.Response, error) {
	if h == nil {
		return &web.Response{}, nil
	}
	resp, err := h(ctx, req)
	if resp == nil {
		resp = &web.Response{}
	}
	return resp, err
}

// Account is a local user checked by PasswordCallback
type Account struct {
	Username     string
	PasswordHash string
	Email        string
	Name         string
}

// AccountLookup finds an account by username, returning nil when unknown
type AccountLookup func(ctx context.Context, username string) (*Account, error)

// dummyHash keeps unknown-user logins as slow as wrong-password ones
const dummyHash = "$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z3AvcBDGmzUjMcD1Ghv1cyZ."

// PasswordCallback returns an OnCallback hook that checks the username and
// password form fields against bcrypt hashes. On success it redirects to
// redirectPage with the user set to an AuthResult.
func PasswordCallback(providerID string, lookup AccountLookup, redirectPage string) Handler {
	if redirectPage == "" {
		redirectPage = DefaultRedirectPage
	}
	return func(ctx context.Context, req *web.Request) (*web.Response, error) {
		account, err := Authenticate(ctx, lookup, req)
		if err != nil {
			return nil, err
		}

		email := emailutil.Normalize(account.Email)
		resp := web.Redirect(redirectPage)
		resp.User = AuthResult{
			ProviderID: providerID,
			Profile: &UserInfo{
				Provider:      providerID,
				Subject:       account.Username,
				Email:         email,
				EmailVerified: false,
				Name:          account.Name,
				Domain:        emailutil.ExtractDomain(email),
			},
		}
		return resp, nil
	}
}

// Authenticate checks the username and password form fields
func Authenticate(ctx context.Context, lookup AccountLookup, req *web.Request) (*Account, error) {
	if req.Method != http.MethodPost {
		return nil, autherr.Validation("credentials", "credentials must be posted")
	}
	username := strings.TrimSpace(req.Form.Get("username"))
	password := req.Form.Get("password")
	if username == "" || password == "" {
		return nil, autherr.Validation("credentials", "username and password are required")
	}

	account, err := lookup(ctx, username)
	if err != nil {
		return nil, err
	}
	if account == nil {
		crypto.ComparePassword([]byte(dummyHash), password)
		log.LogDebugWithFields("credentials", "Unknown user", map[string]any{"username": username})
		return nil, autherr.Validation("credentials", "invalid username or password")
	}
	if !crypto.ComparePassword([]byte(account.PasswordHash), password) {
		log.LogDebugWithFields("credentials", "Wrong password", map[string]any{"username": username})
		return nil, autherr.Validation("credentials", "invalid username or password")
	}
	return account, nil
}
