package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/envutil"
	"github.com/dgellow/gatekeep/internal/log"
)

// Defaults applied to unset fields
const (
	DefaultBasePath           = "/auth"
	DefaultCookiePrefix       = "gatekeep"
	DefaultRedirectPage       = "/"
	DefaultAccessTokenMaxAge  = time.Hour
	DefaultRefreshTokenMaxAge = 7 * 24 * time.Hour
	DefaultCheckMaxAge        = 15 * time.Minute
	DefaultCleanupInterval    = 5 * time.Minute
	DefaultSessionTokenMaxAge = 24 * time.Hour
)

// MinSecretLength is the shortest accepted session or token secret
const MinSecretLength = 32

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse processes config bytes the same way Load does
func Parse(data []byte) (Config, error) {
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, autherr.Configuration("config", "config version is required")
	}
	if version != Version {
		return Config{}, autherr.Configuration("config", "unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	// Parse directly into typed Config struct
	// The custom UnmarshalJSON methods will resolve env vars immediately
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	ApplyDefaults(&config)

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// secretFields lists, per section, the keys that must be env references
var secretFields = map[string][]string{
	"session":  {"secret"},
	"storage":  {"redisPassword"},
	"provider": {"clientSecret", "tokenSecret"},
}

func requireEnvRef(section map[string]any, name, path string) error {
	value, exists := section[name]
	if !exists {
		return nil
	}
	// Check if it's a string (bad) or a map (good - env ref)
	if _, isString := value.(string); isString {
		return autherr.Configuration("config", "%s must use environment variable reference for security", path)
	}
	if refMap, isMap := value.(map[string]any); isMap {
		if _, hasEnv := refMap["$env"]; !hasEnv {
			return autherr.Configuration("config", "%s must use {\"$env\": \"VAR_NAME\"} format", path)
		}
	}
	return nil
}

// validateRawConfig validates the config structure before environment resolution
func validateRawConfig(rawConfig map[string]any) error {
	for _, section := range []string{"session", "storage"} {
		m, ok := rawConfig[section].(map[string]any)
		if !ok {
			continue
		}
		for _, name := range secretFields[section] {
			if err := requireEnvRef(m, name, section+"."+name); err != nil {
				return err
			}
		}
	}

	providers, _ := rawConfig["providers"].([]any)
	for i, p := range providers {
		m, ok := p.(map[string]any)
		if !ok {
			continue
		}
		for _, name := range secretFields["provider"] {
			if err := requireEnvRef(m, name, fmt.Sprintf("providers[%d].%s", i, name)); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyDefaults fills unset fields with their defaults
func ApplyDefaults(config *Config) {
	if config.Server.BasePath == "" {
		config.Server.BasePath = DefaultBasePath
	}
	config.Server.BasePath = "/" + strings.Trim(config.Server.BasePath, "/")
	if config.Server.SecureCookies == nil {
		secure := !envutil.IsDev()
		config.Server.SecureCookies = &secure
	}

	s := &config.Session
	if s.Codec == "" {
		s.Codec = CodecSealed
	}
	if s.CookiePrefix == "" {
		s.CookiePrefix = DefaultCookiePrefix
	}
	if s.AccessTokenMaxAge == 0 {
		s.AccessTokenMaxAge = DefaultAccessTokenMaxAge
	}
	if s.RefreshTokenMaxAge == 0 {
		s.RefreshTokenMaxAge = DefaultRefreshTokenMaxAge
	}
	if s.CheckMaxAge == 0 {
		s.CheckMaxAge = DefaultCheckMaxAge
	}
	if s.RedirectPage == "" {
		s.RedirectPage = DefaultRedirectPage
	}

	if config.Storage.Kind == "" {
		config.Storage.Kind = StorageMemory
	}
	if config.Storage.CleanupInterval == 0 {
		config.Storage.CleanupInterval = DefaultCleanupInterval
	}

	for i := range config.Providers {
		p := &config.Providers[i]
		if p.Kind == ProviderKindSession && p.TokenMaxAge == 0 {
			p.TokenMaxAge = DefaultSessionTokenMaxAge
		}
	}
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Server.Addr == "" {
		return autherr.Configuration("config", "server.addr is required")
	}
	if config.Server.BaseURL == "" {
		return autherr.Configuration("config", "server.baseURL is required")
	}
	if u, err := url.Parse(config.Server.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return autherr.Configuration("config", "server.baseURL must be an absolute URL")
	}

	if err := validateSession(&config.Session); err != nil {
		return err
	}
	if err := validateStorage(&config.Storage); err != nil {
		return err
	}

	if len(config.Providers) == 0 {
		return autherr.Configuration("config", "at least one provider is required")
	}
	seen := make(map[string]bool, len(config.Providers))
	for i := range config.Providers {
		p := &config.Providers[i]
		if p.ID == "" {
			return autherr.Configuration("config", "providers[%d].id is required", i)
		}
		if seen[p.ID] {
			return autherr.Configuration("config", "duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		if err := validateProvider(p); err != nil {
			return err
		}
	}

	if *config.Server.SecureCookies && strings.HasPrefix(config.Server.BaseURL, "http://") {
		log.LogWarnWithFields("config", "Secure cookies over plain http will not be sent back by browsers", map[string]any{
			"baseURL": config.Server.BaseURL,
		})
	}
	return nil
}

func validateSession(s *SessionConfig) error {
	if len(s.Secret) < MinSecretLength {
		return autherr.Configuration("config", "session.secret must be at least %d characters (got %d). Generate with: openssl rand -base64 32", MinSecretLength, len(s.Secret))
	}
	switch s.Codec {
	case CodecSealed, CodecSigned:
	default:
		return autherr.Configuration("config", "session.codec must be %q or %q", CodecSealed, CodecSigned)
	}
	if s.AccessTokenMaxAge < 0 || s.RefreshTokenMaxAge < 0 || s.CheckMaxAge < 0 {
		return autherr.Configuration("config", "session max ages cannot be negative")
	}
	if s.RefreshTokenMaxAge < s.AccessTokenMaxAge {
		log.LogWarn("session.refreshTokenMaxAge is shorter than accessTokenMaxAge; sessions will not refresh")
	}
	if !strings.HasPrefix(s.RedirectPage, "/") {
		return autherr.Configuration("config", "session.redirectPage must be a local path")
	}
	return nil
}

func validateStorage(s *StorageConfig) error {
	switch s.Kind {
	case StorageMemory:
	case StorageRedis:
		if s.RedisAddr == "" {
			return autherr.Configuration("config", "storage.redisAddr is required when using redis storage")
		}
	case StorageFirestore:
		if s.GCPProject == "" {
			return autherr.Configuration("config", "storage.gcpProject is required when using firestore storage")
		}
	default:
		return autherr.Configuration("config", "unknown storage kind %q", s.Kind)
	}
	if s.CleanupInterval < 0 {
		return autherr.Configuration("config", "storage.cleanupInterval cannot be negative")
	}
	return nil
}

func validateProvider(p *ProviderConfig) error {
	switch p.Kind {
	case ProviderKindOAuth2:
		if p.AuthorizationURL == "" || p.TokenURL == "" {
			return autherr.Configuration("config", "provider %s: authorizationUrl and tokenUrl are required", p.ID)
		}
		if p.UserInfoURL == "" {
			return autherr.Configuration("config", "provider %s: userInfoUrl is required", p.ID)
		}
	case ProviderKindOIDC:
		if p.Issuer == "" && (p.AuthorizationURL == "" || p.TokenURL == "" || p.JWKSURL == "") {
			return autherr.Configuration("config", "provider %s: either issuer or all endpoints (authorizationUrl, tokenUrl, jwksUrl) must be provided", p.ID)
		}
	case ProviderKindGitHub, ProviderKindGoogle:
	case ProviderKindAzure:
		if p.TenantID == "" {
			return autherr.Configuration("config", "provider %s: tenantId is required for Azure AD", p.ID)
		}
	case ProviderKindCredentials:
		if len(p.Users) == 0 {
			return autherr.Configuration("config", "provider %s: at least one user is required", p.ID)
		}
	case ProviderKindSession:
		if len(p.Users) == 0 {
			return autherr.Configuration("config", "provider %s: at least one user is required", p.ID)
		}
		if len(p.TokenSecret) < MinSecretLength {
			return autherr.Configuration("config", "provider %s: tokenSecret must be at least %d characters", p.ID, MinSecretLength)
		}
	default:
		return autherr.Configuration("config", "provider %s: unknown kind %q", p.ID, p.Kind)
	}

	switch p.Kind {
	case ProviderKindOAuth2, ProviderKindOIDC, ProviderKindGitHub, ProviderKindGoogle, ProviderKindAzure:
		if p.ClientID == "" {
			return autherr.Configuration("config", "provider %s: clientId is required", p.ID)
		}
		if p.ClientSecret == "" {
			return autherr.Configuration("config", "provider %s: clientSecret is required", p.ID)
		}
	}

	switch p.TokenAuthStyle {
	case "", "basic", "post":
	default:
		return autherr.Configuration("config", "provider %s: tokenAuthStyle must be \"basic\" or \"post\"", p.ID)
	}

	for _, c := range p.Checks {
		switch c {
		case "state", "pkce", "nonce":
		default:
			return autherr.Configuration("config", "provider %s: unknown check %q", p.ID, c)
		}
	}

	for i, u := range p.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return autherr.Configuration("config", "provider %s: users[%d] needs username and passwordHash", p.ID, i)
		}
	}
	return nil
}
