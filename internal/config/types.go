package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Version is the only config version this build understands
const Version = "v1"

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// ProviderKind selects the provider implementation and preset
type ProviderKind string

const (
	ProviderKindOAuth2      ProviderKind = "oauth2"
	ProviderKindOIDC        ProviderKind = "oidc"
	ProviderKindGitHub      ProviderKind = "github"
	ProviderKindGoogle      ProviderKind = "google"
	ProviderKindAzure       ProviderKind = "azure"
	ProviderKindCredentials ProviderKind = "credentials"
	ProviderKindSession     ProviderKind = "session"
)

// CodecKind selects the session cookie codec
type CodecKind string

const (
	CodecSealed CodecKind = "sealed"
	CodecSigned CodecKind = "signed"
)

// StorageKind selects the opaque-session store backend
type StorageKind string

const (
	StorageMemory    StorageKind = "memory"
	StorageRedis     StorageKind = "redis"
	StorageFirestore StorageKind = "firestore"
)

// ServerConfig configures the HTTP listener and public URLs
type ServerConfig struct {
	Addr           string   `json:"addr"`
	BaseURL        string   `json:"baseURL"`
	BasePath       string   `json:"basePath"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
	// SecureCookies defaults to true outside development mode
	SecureCookies *bool `json:"secureCookies,omitempty"`
}

// SessionConfig configures session cookies and login checks
type SessionConfig struct {
	Secret             Secret        `json:"secret"`
	Codec              CodecKind     `json:"codec"`
	CookiePrefix       string        `json:"cookiePrefix"`
	AccessTokenMaxAge  time.Duration `json:"accessTokenMaxAge"`
	RefreshTokenMaxAge time.Duration `json:"refreshTokenMaxAge"`
	CheckMaxAge        time.Duration `json:"checkMaxAge"`
	RedirectPage       string        `json:"redirectPage"`
}

// StorageConfig configures where opaque sessions live
type StorageConfig struct {
	Kind                StorageKind   `json:"kind"`
	RedisAddr           string        `json:"redisAddr,omitempty"`
	RedisPassword       Secret        `json:"redisPassword,omitempty"`
	RedisDB             int           `json:"redisDB,omitempty"`
	RedisKeyPrefix      string        `json:"redisKeyPrefix,omitempty"`
	GCPProject          string        `json:"gcpProject,omitempty"`
	FirestoreDatabase   string        `json:"firestoreDatabase,omitempty"`
	FirestoreCollection string        `json:"firestoreCollection,omitempty"`
	CleanupInterval     time.Duration `json:"cleanupInterval,omitempty"`
}

// UserConfig is a local account for credentials and session providers
type UserConfig struct {
	Username     string `json:"username"`
	PasswordHash Secret `json:"passwordHash"`
	Email        string `json:"email,omitempty"`
	Name         string `json:"name,omitempty"`
}

// ProviderConfig configures one login provider with resolved values
type ProviderConfig struct {
	ID   string       `json:"id"`
	Kind ProviderKind `json:"kind"`
	Name string       `json:"name,omitempty"`

	ClientID     string `json:"clientId,omitempty"`
	ClientSecret Secret `json:"clientSecret,omitempty"`

	Issuer   string `json:"issuer,omitempty"`
	TenantID string `json:"tenantId,omitempty"`

	AuthorizationURL    string            `json:"authorizationUrl,omitempty"`
	AuthorizationParams map[string]string `json:"authorizationParams,omitempty"`
	TokenURL            string            `json:"tokenUrl,omitempty"`
	UserInfoURL         string            `json:"userInfoUrl,omitempty"`
	JWKSURL             string            `json:"jwksUrl,omitempty"`
	// TokenAuthStyle is "basic", "post" or empty for auto-detection
	TokenAuthStyle       string   `json:"tokenAuthStyle,omitempty"`
	Scopes               []string `json:"scopes,omitempty"`
	Checks               []string `json:"checks,omitempty"`
	UserInfoFromEndpoint bool     `json:"userInfoFromEndpoint,omitempty"`

	// Preset options
	APIBaseURL     string   `json:"apiBaseUrl,omitempty"`
	AllowedOrgs    []string `json:"allowedOrgs,omitempty"`
	AllowedDomains []string `json:"allowedDomains,omitempty"`
	HostedDomain   string   `json:"hostedDomain,omitempty"`
	Offline        bool     `json:"offline,omitempty"`

	Users       []UserConfig  `json:"users,omitempty"`
	TokenSecret Secret        `json:"tokenSecret,omitempty"`
	TokenMaxAge time.Duration `json:"tokenMaxAge,omitempty"`
}

// Config represents the config structure with resolved values
type Config struct {
	Server    ServerConfig     `json:"server"`
	Session   SessionConfig    `json:"session"`
	Storage   StorageConfig    `json:"storage"`
	Providers []ProviderConfig `json:"providers"`
}

// RawConfigValue represents a value that could be a string or an env reference.
// This is only used during parsing, not in the final config
type RawConfigValue struct {
	value string
}

// ParseConfigValue parses a JSON value that could be a string or reference object.
//
// Environment variable references use the {"$env": "VAR_NAME"} syntax rather
// than shell-style $VAR so that scripts and CI pipelines never expand them
// before the config is parsed.
func ParseConfigValue(raw json.RawMessage) (*RawConfigValue, error) {
	// Try plain string first
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return &RawConfigValue{value: str}, nil
	}

	// Try reference object
	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return nil, fmt.Errorf("unknown reference type in config value")
	}

	value := os.Getenv(envVar)
	if value == "" {
		return nil, fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return &RawConfigValue{value: value}, nil
}

// parseOptional resolves raw when present and returns "" otherwise
func parseOptional(raw json.RawMessage, field string) (string, error) {
	if raw == nil {
		return "", nil
	}
	parsed, err := ParseConfigValue(raw)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", field, err)
	}
	return parsed.value, nil
}

// parseDuration parses s when non-empty
func parseDuration(s, field string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", field, err)
	}
	return d, nil
}
