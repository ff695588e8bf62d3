package idp

import (
	"fmt"

	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/emailutil"
)

// AzureOptions tune the Azure AD preset
type AzureOptions struct {
	TenantID       string
	AllowedDomains []string
}

// AzureIssuer returns the v2.0 issuer for tenantID
func AzureIssuer(tenantID string) string {
	return fmt.Sprintf("https://login.microsoftonline.com/%s/v2.0", tenantID)
}

// Azure returns an OIDC provider for an Azure AD tenant, discovered from the
// tenant-specific issuer. Work accounts often lack an email claim, so
// preferred_username stands in for it.
func Azure(cfg OIDCConfig, opts AzureOptions, deps Deps) (*OIDCProvider, error) {
	if opts.TenantID == "" {
		return nil, autherr.Configuration("azure", "provider %s: tenantId is required for Azure AD", cfg.ID)
	}
	if cfg.Issuer == "" {
		cfg.Issuer = AzureIssuer(opts.TenantID)
	}

	if cfg.NormalizeProfile == nil {
		id := cfg.ID
		cfg.NormalizeProfile = func(raw map[string]any) (*UserInfo, error) {
			info, err := StandardProfile(id, raw)
			if err != nil {
				return nil, err
			}
			if info.Email == "" {
				info.Email = stringClaim(raw, "preferred_username")
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
