package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/dgellow/gatekeep/internal/autherr"
)

// MinSecretLength is the shortest secret accepted for key derivation
const MinSecretLength = 32

const keyInfo = "gatekeep session encryption key"

// SealedCodec encrypts payloads with XChaCha20-Poly1305 under a key derived
// from the configured secret with HKDF-SHA256. Output is
// base64url(nonce || ciphertext).
type SealedCodec struct {
	aead cipher.AEAD
	opts options
}

var _ Codec = (*SealedCodec)(nil)

// NewSealedCodec creates a codec keyed from secret
func NewSealedCodec(secret []byte, opts ...Option) (*SealedCodec, error) {
	if len(secret) < MinSecretLength {
		return nil, autherr.Configuration("codec", "secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return &SealedCodec{aead: aead, opts: buildOptions(opts)}, nil
}

// Encode seals payload. A positive maxAge bounds how long Decode accepts it.
func (c *SealedCodec) Encode(payload any, maxAge time.Duration) (string, error) {
	plaintext, err := wrap(payload, maxAge, c.opts.now())
	if err != nil {
		return "", err
	}

	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return tokenEncoding.EncodeToString(sealed), nil
}

// Decode opens token into v
func (c *SealedCodec) Decode(token string, v any) error {
	raw, err := tokenEncoding.DecodeString(token)
	if err != nil {
		return invalid("malformed encoding")
	}

	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return invalid("token too short")
	}

	plaintext, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return invalid("authentication failed")
	}

	return unwrap(plaintext, c.opts.now(), v)
}
