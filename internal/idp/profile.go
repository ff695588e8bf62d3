package idp

import (
	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/emailutil"
)

// StandardProfile maps OIDC standard claims onto a UserInfo. A profile
// without a subject is rejected.
func StandardProfile(providerID string, raw map[string]any) (*UserInfo, error) {
	sub := stringClaim(raw, "sub")
	if sub == "" {
		return nil, autherr.Protocol("profile", "profile has no subject")
	}

	email := stringClaim(raw, "email")
	return &UserInfo{
		Provider:      providerID,
		Subject:       sub,
		Email:         email,
		EmailVerified: boolClaim(raw, "email_verified"),
		Name:          stringClaim(raw, "name"),
		Picture:       stringClaim(raw, "picture"),
		Domain:        emailutil.ExtractDomain(email),
		Organizations: stringsClaim(raw, "organizations"),
		Raw:           raw,
	}, nil
}
