package crypto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgellow/gatekeep/internal/autherr"
)

// ErrInvalidToken is the cause of every decode failure: malformed input,
// a failed integrity check or an expired payload.
var ErrInvalidToken = errors.New("invalid token")

// tokenEncoding rejects non-zero trailing bits so every token has exactly one
// accepted spelling
var tokenEncoding = base64.RawURLEncoding.Strict()

// Codec turns payloads into opaque cookie-safe strings and back.
// Decode never panics on hostile input; it returns an error whose kind is
// autherr.KindTokenDecode and whose cause is ErrInvalidToken.
type Codec interface {
	Encode(payload any, maxAge time.Duration) (string, error)
	Decode(token string, v any) error
}

// envelope wraps the payload with its validity window
type envelope struct {
	Data      json.RawMessage `json:"d"`
	IssuedAt  int64           `json:"iat"`
	ExpiresAt int64           `json:"exp,omitempty"`
}

type options struct {
	now func() time.Time
}

// Option configures a codec
type Option func(*options)

// WithClock overrides the time source used for issue and expiry times
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func wrap(payload any, maxAge time.Duration, now time.Time) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, autherr.Configuration("codec.encode", "payload is not serializable").WithCause(err)
	}
	env := envelope{Data: data, IssuedAt: now.Unix()}
	if maxAge > 0 {
		env.ExpiresAt = now.Add(maxAge).Unix()
	}
	return json.Marshal(env)
}

func unwrap(plaintext []byte, now time.Time, v any) error {
	var env envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return invalid("malformed envelope")
	}
	if env.ExpiresAt != 0 && now.Unix() >= env.ExpiresAt {
		return invalid("token expired")
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return invalid("payload does not match target type")
	}
	return nil
}

func invalid(msg string) error {
	return autherr.TokenDecode("codec.decode", "%s", msg).WithCause(ErrInvalidToken)
}
