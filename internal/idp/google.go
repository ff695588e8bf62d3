package idp

import (
	"maps"

	"golang.org/x/oauth2/google"

	"github.com/dgellow/gatekeep/internal/emailutil"
)

// GoogleIssuer is Google's OIDC issuer
const GoogleIssuer = "https://accounts.google.com"

// GoogleOptions tune the Google preset
type GoogleOptions struct {
	// HostedDomain is sent as the hd parameter to preselect a Workspace domain
	HostedDomain string
	// AllowedDomains restricts login by the hd claim, or the email domain
	AllowedDomains []string
	// Offline requests a refresh token from Google
	Offline bool
}

// Google returns an OIDC provider for Google accounts. Google uses `hd` for
// the hosted domain, which takes precedence over the email domain.
func Google(cfg OIDCConfig, opts GoogleOptions, deps Deps) (*OIDCProvider, error) {
	if cfg.Issuer == "" {
		cfg.Issuer = GoogleIssuer
	}
	if cfg.Issuer == GoogleIssuer {
		if cfg.Authorization.URL == "" {
			cfg.Authorization.URL = google.Endpoint.AuthURL
		}
		if cfg.Token.URL == "" {
			cfg.Token.URL = google.Endpoint.TokenURL
		}
	}

	params := maps.Clone(cfg.Authorization.Params)
	if params == nil {
		params = map[string]string{}
	}
	if opts.Offline {
		params["access_type"] = "offline"
		params["prompt"] = "consent"
	}
	if opts.HostedDomain != "" {
		params["hd"] = opts.HostedDomain
	}
	cfg.Authorization.Params = params

	if cfg.NormalizeProfile == nil {
		id := cfg.ID
		cfg.NormalizeProfile = func(raw map[string]any) (*UserInfo, error) {
			info, err := StandardProfile(id, raw)
			if err != nil {
				return nil, err
			}
			if hd := stringClaim(raw, "hd"); hd != "" {
				info.Domain = hd
			} else {
				info.Domain = emailutil.ExtractDomain(info.Email)
			}
			if err := ValidateDomain(info.Domain, opts.AllowedDomains); err != nil {
				return nil, err
			}
			return info, nil
		}
	}
	return NewOIDCProvider(cfg, deps)
}
