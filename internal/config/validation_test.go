package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func paths(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Path
	}
	return out
}

func TestValidateBytes(t *testing.T) {
	t.Run("valid config without env", func(t *testing.T) {
		result := ValidateBytes([]byte(validConfig))
		assert.True(t, result.IsValid(), "errors: %+v", result.Errors)
		assert.Empty(t, result.Warnings)
	})

	t.Run("invalid json", func(t *testing.T) {
		result := ValidateBytes([]byte(`{`))
		assert.False(t, result.IsValid())
		assert.Contains(t, result.Errors[0].Message, "invalid JSON")
	})

	t.Run("missing sections", func(t *testing.T) {
		result := ValidateBytes([]byte(`{"version":"v1"}`))
		assert.ElementsMatch(t, []string{"server", "session", "providers"}, paths(result.Errors))
	})

	t.Run("provider problems", func(t *testing.T) {
		result := ValidateBytes([]byte(`{
			"version": "v1",
			"server": {"addr": ":8080", "baseURL": "https://a.example.com"},
			"session": {"secret": {"$env": "S"}, "checkMaxAge": "forever"},
			"providers": [
				{"id": "a", "kind": "azure", "clientId": "x", "clientSecret": "inline"},
				{"id": "a", "kind": "oidc", "clientId": "x", "clientSecret": {"$env": "Y"}, "checks": ["state", "magic"]},
				{"id": "b", "kind": "saml"}
			]
		}`))
		assert.ElementsMatch(t, []string{
			"session.checkMaxAge",
			"providers[0].tenantId",
			"providers[0].clientSecret",
			"providers[1].id",
			"providers[1].authorizationUrl",
			"providers[1].tokenUrl",
			"providers[1].jwksUrl",
			"providers[1].checks[1]",
			"providers[2].kind",
		}, paths(result.Errors))
	})

	t.Run("bash style warning", func(t *testing.T) {
		result := ValidateBytes([]byte(`{
			"version": "v1",
			"server": {"addr": ":8080", "baseURL": "${BASE_URL}"},
			"session": {"secret": {"$env": "S"}},
			"providers": [{"id": "g", "kind": "google", "clientId": "$CLIENT_ID", "clientSecret": {"$env": "Y"}}]
		}`))
		assert.True(t, result.IsValid())
		assert.ElementsMatch(t, []string{"server.baseURL", "providers[0].clientId"}, paths(result.Warnings))
	})

	t.Run("empty checks warning", func(t *testing.T) {
		result := ValidateBytes([]byte(`{
			"version": "v1",
			"server": {"addr": ":8080", "baseURL": "https://a.example.com"},
			"session": {"secret": {"$env": "S"}},
			"providers": [{"id": "g", "kind": "google", "clientId": "c", "clientSecret": {"$env": "Y"}, "checks": []}]
		}`))
		assert.True(t, result.IsValid())
		assert.Equal(t, []string{"providers[0].checks"}, paths(result.Warnings))
	})
}
