package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestGenerateSecureToken(t *testing.T) {
	token, err := GenerateSecureToken()
	assert.NoError(t, err)
	assert.NotEmpty(t, token)

	// Each call generates a unique token
	token2, err := GenerateSecureToken()
	assert.NoError(t, err)
	assert.NotEqual(t, token, token2)

	assert.Len(t, token, 43)
	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestHashPassword(t *testing.T) {
	password := "correct horse battery staple"

	hashed, err := HashPassword(password)
	require.NoError(t, err)
	assert.NotEqual(t, []byte(password), hashed)

	assert.True(t, ComparePassword(hashed, password))
	assert.False(t, ComparePassword(hashed, "wrong-password"))
	assert.NoError(t, bcrypt.CompareHashAndPassword(hashed, []byte(password)))

	// Same password produces different hashes due to salt
	hashed2, err := HashPassword(password)
	require.NoError(t, err)
	assert.NotEqual(t, hashed, hashed2)
}
