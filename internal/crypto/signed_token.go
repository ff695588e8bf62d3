package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/dgellow/gatekeep/internal/autherr"
)

// SignedCodec provides HMAC-signed JSON tokens with optional expiry.
// Payloads are readable by the client; use SealedCodec for anything secret.
type SignedCodec struct {
	signingKey []byte
	opts       options
}

var _ Codec = (*SignedCodec)(nil)

// NewSignedCodec creates a new signed codec
func NewSignedCodec(signingKey []byte, opts ...Option) (*SignedCodec, error) {
	if len(signingKey) < MinSecretLength {
		return nil, autherr.Configuration("codec", "signing key must be at least %d bytes, got %d", MinSecretLength, len(signingKey))
	}
	return &SignedCodec{signingKey: signingKey, opts: buildOptions(opts)}, nil
}

// Encode marshals payload to JSON, signs it with HMAC, and returns
// base64url(json).signature
func (c *SignedCodec) Encode(payload any, maxAge time.Duration) (string, error) {
	jsonData, err := wrap(payload, maxAge, c.opts.now())
	if err != nil {
		return "", err
	}

	signature := SignData(string(jsonData), c.signingKey)
	return fmt.Sprintf("%s.%s", tokenEncoding.EncodeToString(jsonData), signature), nil
}

// Decode validates the signature, checks expiry, and unmarshals the data
func (c *SignedCodec) Decode(token string, v any) error {
	data, signature, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(signature, ".") {
		return invalid("invalid token format")
	}

	jsonData, err := tokenEncoding.DecodeString(data)
	if err != nil {
		return invalid("malformed encoding")
	}

	if !ValidateSignedData(string(jsonData), signature, c.signingKey) {
		return invalid("invalid signature")
	}

	return unwrap(jsonData, c.opts.now(), v)
}

// SignData returns the base64url HMAC-SHA256 of data under key
func SignData(data string, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// ValidateSignedData compares signature against data in constant time
func ValidateSignedData(data, signature string, key []byte) bool {
	expected := SignData(data, key)
	return hmac.Equal([]byte(expected), []byte(signature))
}
