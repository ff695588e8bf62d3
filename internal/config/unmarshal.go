package config

import (
	"encoding/json"
	"fmt"
)

// UnmarshalJSON implements custom unmarshaling for SessionConfig
func (s *SessionConfig) UnmarshalJSON(data []byte) error {
	type rawSession struct {
		Secret             json.RawMessage `json:"secret"`
		Codec              CodecKind       `json:"codec"`
		CookiePrefix       string          `json:"cookiePrefix"`
		AccessTokenMaxAge  string          `json:"accessTokenMaxAge"`
		RefreshTokenMaxAge string          `json:"refreshTokenMaxAge"`
		CheckMaxAge        string          `json:"checkMaxAge"`
		RedirectPage       string          `json:"redirectPage"`
	}

	var raw rawSession
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Codec = raw.Codec
	s.CookiePrefix = raw.CookiePrefix
	s.RedirectPage = raw.RedirectPage

	secret, err := parseOptional(raw.Secret, "secret")
	if err != nil {
		return err
	}
	s.Secret = Secret(secret)

	if s.AccessTokenMaxAge, err = parseDuration(raw.AccessTokenMaxAge, "accessTokenMaxAge"); err != nil {
		return err
	}
	if s.RefreshTokenMaxAge, err = parseDuration(raw.RefreshTokenMaxAge, "refreshTokenMaxAge"); err != nil {
		return err
	}
	if s.CheckMaxAge, err = parseDuration(raw.CheckMaxAge, "checkMaxAge"); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for StorageConfig
func (s *StorageConfig) UnmarshalJSON(data []byte) error {
	type rawStorage struct {
		Kind                StorageKind     `json:"kind"`
		RedisAddr           json.RawMessage `json:"redisAddr,omitempty"`
		RedisPassword       json.RawMessage `json:"redisPassword,omitempty"`
		RedisDB             int             `json:"redisDB,omitempty"`
		RedisKeyPrefix      string          `json:"redisKeyPrefix,omitempty"`
		GCPProject          json.RawMessage `json:"gcpProject,omitempty"`
		FirestoreDatabase   string          `json:"firestoreDatabase,omitempty"`
		FirestoreCollection string          `json:"firestoreCollection,omitempty"`
		CleanupInterval     string          `json:"cleanupInterval,omitempty"`
	}

	var raw rawStorage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Kind = raw.Kind
	s.RedisDB = raw.RedisDB
	s.RedisKeyPrefix = raw.RedisKeyPrefix
	s.FirestoreDatabase = raw.FirestoreDatabase
	s.FirestoreCollection = raw.FirestoreCollection

	var err error
	if s.RedisAddr, err = parseOptional(raw.RedisAddr, "redisAddr"); err != nil {
		return err
	}
	password, err := parseOptional(raw.RedisPassword, "redisPassword")
	if err != nil {
		return err
	}
	s.RedisPassword = Secret(password)
	if s.GCPProject, err = parseOptional(raw.GCPProject, "gcpProject"); err != nil {
		return err
	}
	if s.CleanupInterval, err = parseDuration(raw.CleanupInterval, "cleanupInterval"); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for UserConfig
func (u *UserConfig) UnmarshalJSON(data []byte) error {
	type rawUser struct {
		Username     string          `json:"username"`
		PasswordHash json.RawMessage `json:"passwordHash"`
		Email        string          `json:"email,omitempty"`
		Name         string          `json:"name,omitempty"`
	}

	var raw rawUser
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	u.Username = raw.Username
	u.Email = raw.Email
	u.Name = raw.Name

	hash, err := parseOptional(raw.PasswordHash, "passwordHash")
	if err != nil {
		return fmt.Errorf("user %s: %w", raw.Username, err)
	}
	u.PasswordHash = Secret(hash)
	return nil
}

// UnmarshalJSON implements custom unmarshaling for ProviderConfig
func (p *ProviderConfig) UnmarshalJSON(data []byte) error {
	type rawProvider struct {
		ID                   string            `json:"id"`
		Kind                 ProviderKind      `json:"kind"`
		Name                 string            `json:"name,omitempty"`
		ClientID             json.RawMessage   `json:"clientId,omitempty"`
		ClientSecret         json.RawMessage   `json:"clientSecret,omitempty"`
		Issuer               json.RawMessage   `json:"issuer,omitempty"`
		TenantID             json.RawMessage   `json:"tenantId,omitempty"`
		AuthorizationURL     string            `json:"authorizationUrl,omitempty"`
		AuthorizationParams  map[string]string `json:"authorizationParams,omitempty"`
		TokenURL             string            `json:"tokenUrl,omitempty"`
		UserInfoURL          string            `json:"userInfoUrl,omitempty"`
		JWKSURL              string            `json:"jwksUrl,omitempty"`
		TokenAuthStyle       string            `json:"tokenAuthStyle,omitempty"`
		Scopes               []string          `json:"scopes,omitempty"`
		Checks               []string          `json:"checks,omitempty"`
		UserInfoFromEndpoint bool              `json:"userInfoFromEndpoint,omitempty"`
		APIBaseURL           string            `json:"apiBaseUrl,omitempty"`
		AllowedOrgs          []string          `json:"allowedOrgs,omitempty"`
		AllowedDomains       []string          `json:"allowedDomains,omitempty"`
		HostedDomain         string            `json:"hostedDomain,omitempty"`
		Offline              bool              `json:"offline,omitempty"`
		Users                []UserConfig      `json:"users,omitempty"`
		TokenSecret          json.RawMessage   `json:"tokenSecret,omitempty"`
		TokenMaxAge          string            `json:"tokenMaxAge,omitempty"`
	}

	var raw rawProvider
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.ID = raw.ID
	p.Kind = raw.Kind
	p.Name = raw.Name
	p.AuthorizationURL = raw.AuthorizationURL
	p.AuthorizationParams = raw.AuthorizationParams
	p.TokenURL = raw.TokenURL
	p.UserInfoURL = raw.UserInfoURL
	p.JWKSURL = raw.JWKSURL
	p.TokenAuthStyle = raw.TokenAuthStyle
	p.Scopes = raw.Scopes
	p.Checks = raw.Checks
	p.UserInfoFromEndpoint = raw.UserInfoFromEndpoint
	p.APIBaseURL = raw.APIBaseURL
	p.AllowedOrgs = raw.AllowedOrgs
	p.AllowedDomains = raw.AllowedDomains
	p.HostedDomain = raw.HostedDomain
	p.Offline = raw.Offline
	p.Users = raw.Users

	var err error
	if p.ClientID, err = parseOptional(raw.ClientID, "clientId"); err != nil {
		return fmt.Errorf("provider %s: %w", raw.ID, err)
	}
	secret, err := parseOptional(raw.ClientSecret, "clientSecret")
	if err != nil {
		return fmt.Errorf("provider %s: %w", raw.ID, err)
	}
	p.ClientSecret = Secret(secret)
	if p.Issuer, err = parseOptional(raw.Issuer, "issuer"); err != nil {
		return fmt.Errorf("provider %s: %w", raw.ID, err)
	}
	if p.TenantID, err = parseOptional(raw.TenantID, "tenantId"); err != nil {
		return fmt.Errorf("provider %s: %w", raw.ID, err)
	}
	tokenSecret, err := parseOptional(raw.TokenSecret, "tokenSecret")
	if err != nil {
		return fmt.Errorf("provider %s: %w", raw.ID, err)
	}
	p.TokenSecret = Secret(tokenSecret)
	if p.TokenMaxAge, err = parseDuration(raw.TokenMaxAge, "tokenMaxAge"); err != nil {
		return fmt.Errorf("provider %s: %w", raw.ID, err)
	}
	return nil
}
