// Package idp implements the login providers: the OAuth2 and OIDC flow
// engines, presets for GitHub, Google and Azure AD, the credentials provider
// and the opaque session provider.
package idp

import (
	"context"
	"fmt"
	"slices"

	"github.com/dgellow/gatekeep/internal/authserver"
	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/checks"
	"github.com/dgellow/gatekeep/internal/cookie"
	"github.com/dgellow/gatekeep/internal/web"
)

// Kind discriminates provider variants
type Kind string

const (
	KindOAuth2      Kind = "oauth2"
	KindOIDC        Kind = "oidc"
	KindCredentials Kind = "credentials"
	KindSession     Kind = "session"
)

// Provider is a login method mounted under its own pages. Implementations are
// immutable after construction and safe for concurrent use.
type Provider interface {
	ID() string
	Kind() Kind

	// Login starts the flow, typically with a redirect to the authorization server.
	Login(ctx context.Context, req *web.Request) (*web.Response, error)

	// Callback completes the flow. On failure the returned response is still
	// non-nil and carries the cookies that must be sent back.
	Callback(ctx context.Context, req *web.Request) (*web.Response, error)

	// Logout runs provider-specific sign-out.
	Logout(ctx context.Context, req *web.Request) (*web.Response, error)
}

// UserInfo represents user information from any identity provider.
type UserInfo struct {
	Provider      string   `json:"provider"`
	Subject       string   `json:"sub"`
	Email         string   `json:"email"`
	EmailVerified bool     `json:"email_verified"`
	Name          string   `json:"name"`
	Picture       string   `json:"picture"`
	Domain        string   `json:"domain"`
	Organizations []string `json:"organizations,omitempty"`
	// Raw is the profile as returned before normalization
	Raw map[string]any `json:"-"`
}

// AuthResult is what a completed OAuth2 or OIDC flow hands to OnAuth
type AuthResult struct {
	ProviderID string
	Tokens     *authserver.TokenResponse
	Profile    *UserInfo
	// Claims are the verified ID token claims, nil for plain OAuth2
	Claims map[string]any
}

// Endpoint is a server URL plus static parameters sent with every request to it
type Endpoint struct {
	URL    string
	Params map[string]string
}

// FlowState is a step of a login flow
type FlowState string

const (
	FlowNotStarted             FlowState = "not_started"
	FlowAuthorizationRequested FlowState = "authorization_requested"
	FlowCallbackValidated      FlowState = "callback_validated"
	FlowTokenExchanged         FlowState = "token_exchanged"
	FlowProfileFetched         FlowState = "profile_fetched"
	FlowSessionReady           FlowState = "session_ready"
	FlowFailed                 FlowState = "failed"
)

// Observer is told about every flow transition. err is set only with FlowFailed.
type Observer func(providerID string, state FlowState, err error)

// Deps are the collaborators shared by every provider
type Deps struct {
	Client  authserver.Client
	Checks  *checks.Checks
	Observe Observer
}

func (d Deps) observe(providerID string, state FlowState, err error) {
	if d.Observe != nil {
		d.Observe(providerID, state, err)
	}
}

// clearChecks returns clearing cookies for every kind in enabled
func (d Deps) clearChecks(enabled checks.Set) []cookie.Cookie {
	if d.Checks == nil || len(enabled) == 0 {
		return nil
	}
	return d.Checks.Clear(enabled...)
}

// ValidateDomain checks if the domain is in the allowed list.
// Returns nil if allowedDomains is empty (no restriction) or domain is allowed.
func ValidateDomain(domain string, allowedDomains []string) error {
	if len(allowedDomains) == 0 {
		return nil
	}
	if !slices.Contains(allowedDomains, domain) {
		return autherr.Validation("profile", "domain '%s' is not allowed. Contact your administrator", domain)
	}
	return nil
}

// ValidateOrganizations requires at least one of orgs to be allowed when
// allowedOrgs is non-empty.
func ValidateOrganizations(orgs, allowedOrgs []string) error {
	if len(allowedOrgs) == 0 {
		return nil
	}
	for _, org := range orgs {
		if slices.Contains(allowedOrgs, org) {
			return nil
		}
	}
	return autherr.Validation("profile", "user is not a member of any allowed organization")
}

func requireID(id string) error {
	if id == "" {
		return autherr.Configuration("provider", "provider id is required")
	}
	return nil
}

func stringClaim(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case int:
		return fmt.Sprintf("%d", v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func boolClaim(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

func stringsClaim(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
