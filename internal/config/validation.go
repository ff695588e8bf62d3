package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) addError(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) addWarning(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ValidateBytes(data), nil
}

// ValidateBytes is ValidateFile on in-memory config
func ValidateBytes(data []byte) *ValidationResult {
	result := &ValidationResult{}

	// Check JSON syntax
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.addError("", "invalid JSON: %v", err)
		return result
	}

	// Check for bash-style syntax
	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.addError("version", "version field is required. Hint: Add \"version\": %q", Version)
	} else if version != Version {
		result.addError("version", "unsupported version '%s' - use '%s'", version, Version)
	}

	validateServerStructure(rawConfig, result)
	validateSessionStructure(rawConfig, result)
	validateStorageStructure(rawConfig, result)
	validateProvidersStructure(rawConfig, result)

	return result
}

func validateServerStructure(rawConfig map[string]any, result *ValidationResult) {
	server, ok := rawConfig["server"].(map[string]any)
	if !ok {
		result.addError("server", "server field is required and must be an object")
		return
	}
	if _, ok := server["addr"]; !ok {
		result.addError("server.addr", "addr is required. Example: \":8080\" or \"0.0.0.0:8080\"")
	}
	if _, ok := server["baseURL"]; !ok {
		result.addError("server.baseURL", "baseURL is required. Example: \"https://app.example.com\"")
	}
	if bp, ok := server["basePath"].(string); ok && !strings.HasPrefix(bp, "/") {
		result.addWarning("server.basePath", "basePath should start with '/'; it will be normalized to '/%s'", strings.Trim(bp, "/"))
	}
}

func validateSessionStructure(rawConfig map[string]any, result *ValidationResult) {
	session, ok := rawConfig["session"].(map[string]any)
	if !ok {
		result.addError("session", "session field is required and must be an object")
		return
	}

	if secret, ok := session["secret"]; !ok {
		result.addError("session.secret", "secret is required. Hint: Must be at least %d bytes; generate with: openssl rand -base64 32", MinSecretLength)
	} else {
		validateSecretReference(secret, "session.secret", result)
	}

	if codec, ok := session["codec"].(string); ok && codec != string(CodecSealed) && codec != string(CodecSigned) {
		result.addError("session.codec", "codec must be %q or %q", CodecSealed, CodecSigned)
	}
	if codec, _ := session["codec"].(string); codec == string(CodecSigned) {
		result.addWarning("session.codec", "signed session cookies are readable by the client; use %q to keep payloads confidential", CodecSealed)
	}

	for _, field := range []string{"accessTokenMaxAge", "refreshTokenMaxAge", "checkMaxAge"} {
		validateDurationField(session, field, "session."+field, result)
	}
}

func validateStorageStructure(rawConfig map[string]any, result *ValidationResult) {
	storage, ok := rawConfig["storage"].(map[string]any)
	if !ok {
		return
	}

	kind, _ := storage["kind"].(string)
	switch StorageKind(kind) {
	case "", StorageMemory:
	case StorageRedis:
		if _, ok := storage["redisAddr"]; !ok {
			result.addError("storage.redisAddr", "redisAddr is required when using redis storage")
		}
		if pw, ok := storage["redisPassword"]; ok {
			validateSecretReference(pw, "storage.redisPassword", result)
		}
	case StorageFirestore:
		if _, ok := storage["gcpProject"]; !ok {
			result.addError("storage.gcpProject", "gcpProject is required when using firestore storage")
		}
	default:
		result.addError("storage.kind", "unknown storage kind '%s' - use memory, redis or firestore", kind)
	}
	validateDurationField(storage, "cleanupInterval", "storage.cleanupInterval", result)
}

func validateProvidersStructure(rawConfig map[string]any, result *ValidationResult) {
	providers, ok := rawConfig["providers"].([]any)
	if !ok || len(providers) == 0 {
		result.addError("providers", "providers must be a non-empty array")
		return
	}

	seen := map[string]bool{}
	for i, item := range providers {
		path := fmt.Sprintf("providers[%d]", i)
		p, ok := item.(map[string]any)
		if !ok {
			result.addError(path, "provider must be an object")
			continue
		}

		id, _ := p["id"].(string)
		if id == "" {
			result.addError(path+".id", "id is required")
		} else if seen[id] {
			result.addError(path+".id", "duplicate provider id '%s'", id)
		}
		seen[id] = true

		kind, _ := p["kind"].(string)
		switch ProviderKind(kind) {
		case ProviderKindOAuth2:
			requireFields(p, path, result, "clientId", "clientSecret", "authorizationUrl", "tokenUrl", "userInfoUrl")
		case ProviderKindOIDC:
			requireFields(p, path, result, "clientId", "clientSecret")
			if _, hasIssuer := p["issuer"]; !hasIssuer {
				requireFields(p, path, result, "authorizationUrl", "tokenUrl", "jwksUrl")
			}
		case ProviderKindGitHub, ProviderKindGoogle:
			requireFields(p, path, result, "clientId", "clientSecret")
		case ProviderKindAzure:
			requireFields(p, path, result, "clientId", "clientSecret", "tenantId")
		case ProviderKindCredentials:
			requireFields(p, path, result, "users")
		case ProviderKindSession:
			requireFields(p, path, result, "users", "tokenSecret")
		default:
			result.addError(path+".kind", "unknown provider kind '%s' - use oauth2, oidc, github, google, azure, credentials or session", kind)
		}

		for _, name := range secretFields["provider"] {
			if v, ok := p[name]; ok {
				validateSecretReference(v, path+"."+name, result)
			}
		}

		if checks, ok := p["checks"].([]any); ok {
			for j, c := range checks {
				s, _ := c.(string)
				if s != "state" && s != "pkce" && s != "nonce" {
					result.addError(fmt.Sprintf("%s.checks[%d]", path, j), "unknown check '%v' - use state, pkce or nonce", c)
				}
			}
			if len(checks) == 0 {
				result.addWarning(path+".checks", "no checks enabled; the callback is unprotected against CSRF and code injection")
			}
		}

		validateDurationField(p, "tokenMaxAge", path+".tokenMaxAge", result)
	}
}

func requireFields(m map[string]any, path string, result *ValidationResult, fields ...string) {
	for _, f := range fields {
		if _, ok := m[f]; !ok {
			result.addError(path+"."+f, "%s is required", f)
		}
	}
}

func validateDurationField(m map[string]any, field, path string, result *ValidationResult) {
	v, ok := m[field]
	if !ok {
		return
	}
	s, ok := v.(string)
	if !ok {
		result.addError(path, "%s must be a duration string like \"15m\"", field)
		return
	}
	if _, err := time.ParseDuration(s); err != nil {
		result.addError(path, "invalid duration '%s': %v", s, err)
	}
}

// validateSecretReference requires secrets to come from the environment
func validateSecretReference(secret any, path string, result *ValidationResult) {
	switch v := secret.(type) {
	case string:
		result.addError(path, "secrets must use environment variable reference. Hint: {\"$env\": \"VAR_NAME\"}")
	case map[string]any:
		if _, ok := v["$env"]; !ok {
			result.addError(path, "secret reference must use {\"$env\": \"VAR_NAME\"} format")
		}
	default:
		result.addError(path, "secret must be an environment variable reference")
	}
}

var bashStyleRegex = regexp.MustCompile(`\$\{?[A-Z_][A-Z0-9_]*\}?`)

func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.addWarning(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead. Hint: JSON syntax prevents accidental shell expansion in scripts/CI and ensures unambiguous parsing", match, varName)
		}
	case map[string]any:
		// Skip if this is already an env ref
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			// bcrypt hashes contain '$' runs that look like variables
			if key == "passwordHash" {
				continue
			}
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
