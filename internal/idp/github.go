package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/dgellow/gatekeep/internal/authserver"
	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/ioutil"
	"github.com/dgellow/gatekeep/internal/log"
)

// DefaultGitHubAPI is the GitHub REST API base URL
const DefaultGitHubAPI = "https://api.github.com"

// GitHubOptions tune the GitHub preset
type GitHubOptions struct {
	// APIBaseURL defaults to DefaultGitHubAPI; set it for GitHub Enterprise
	APIBaseURL string
	// AllowedOrgs restricts login to members of these organizations
	AllowedOrgs []string
}

// githubUserResponse represents GitHub's user API response.
type githubUserResponse struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// githubEmailResponse represents an email from GitHub's emails API.
type githubEmailResponse struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// githubOrgResponse represents an org from GitHub's orgs API.
type githubOrgResponse struct {
	Login string `json:"login"`
}

// GitHub returns an OAuth2 provider for GitHub. GitHub is not an OIDC issuer,
// so the profile comes from its REST API, including the primary verified
// email and organization memberships.
func GitHub(cfg OAuth2Config, opts GitHubOptions, deps Deps) (*OAuth2Provider, error) {
	if cfg.Authorization.URL == "" {
		cfg.Authorization.URL = github.Endpoint.AuthURL
	}
	if cfg.Token.URL == "" {
		cfg.Token.URL = github.Endpoint.TokenURL
	}
	if cfg.AuthStyle == authserver.AuthStyleAutoDetect {
		cfg.AuthStyle = authserver.AuthStyleInParams
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"read:user", "user:email", "read:org"}
	}

	api := &githubAPI{baseURL: opts.APIBaseURL, http: authserver.HTTPClientOf(deps.Client)}
	if api.baseURL == "" {
		api.baseURL = DefaultGitHubAPI
	}
	if cfg.FetchProfile == nil {
		cfg.FetchProfile = api.fetchProfile
	}
	if cfg.NormalizeProfile == nil {
		id := cfg.ID
		cfg.NormalizeProfile = func(raw map[string]any) (*UserInfo, error) {
			info, err := StandardProfile(id, raw)
			if err != nil {
				return nil, err
			}
			if err := ValidateOrganizations(info.Organizations, opts.AllowedOrgs); err != nil {
				return nil, err
			}
			return info, nil
		}
	}
	return NewOAuth2Provider(cfg, deps)
}

type githubAPI struct {
	baseURL string
	// http carries the authorization-server client's timeout and transport
	http *http.Client
}

// fetchProfile always fetches organizations so AllowedOrgs can be enforced
func (g *githubAPI) fetchProfile(ctx context.Context, tokens *authserver.TokenResponse) (map[string]any, error) {
	client := &http.Client{
		Transport: &oauth2.Transport{
			Base: g.http.Transport,
			Source: oauth2.StaticTokenSource(&oauth2.Token{
				AccessToken: tokens.AccessToken,
				TokenType:   "Bearer",
			}),
		},
		Timeout: g.http.Timeout,
	}

	var user githubUserResponse
	if err := g.get(ctx, client, "/user", &user); err != nil {
		return nil, err
	}

	// GitHub only shows verified emails in the user profile, so if email is present it's verified
	email := user.Email
	emailVerified := email != ""
	if email == "" {
		var emails []githubEmailResponse
		if err := g.get(ctx, client, "/user/emails", &emails); err != nil {
			return nil, err
		}
		email, emailVerified = primaryEmail(emails)
	}

	var orgs []githubOrgResponse
	if err := g.get(ctx, client, "/user/orgs", &orgs); err != nil {
		return nil, err
	}
	orgNames := make([]string, len(orgs))
	for i, org := range orgs {
		orgNames[i] = org.Login
	}

	name := user.Name
	if name == "" {
		name = user.Login
	}

	return map[string]any{
		"sub":            fmt.Sprintf("%d", user.ID),
		"login":          user.Login,
		"email":          email,
		"email_verified": emailVerified,
		"name":           name,
		"picture":        user.AvatarURL,
		"organizations":  orgNames,
	}, nil
}

// primaryEmail picks the primary verified address, then any verified one
func primaryEmail(emails []githubEmailResponse) (string, bool) {
	for _, email := range emails {
		if email.Primary && email.Verified {
			return email.Email, true
		}
	}
	for _, email := range emails {
		if email.Verified {
			return email.Email, true
		}
	}
	return "", false
}

func (g *githubAPI) get(ctx context.Context, client *http.Client, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return autherr.Configuration("github", "invalid API base URL").WithCause(err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return autherr.Protocol("github", "GET %s failed", path).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.LogWarnWithFields("github", "GitHub API request failed", map[string]any{
			"path":   path,
			"status": resp.StatusCode,
			"body":   ioutil.ErrorBody(resp.Body),
		})
		return autherr.Protocol("github", "GET %s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return autherr.Protocol("github", "failed to decode %s", path).WithCause(err)
	}
	return nil
}
