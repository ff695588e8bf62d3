// Package checks implements the single-use CSRF and replay protections of a
// login flow: state, PKCE and nonce. Each value is minted at login, stored in
// an encrypted cookie and consumed exactly once at callback.
package checks

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/cookie"
	"github.com/dgellow/gatekeep/internal/crypto"
	"github.com/dgellow/gatekeep/internal/log"
	"github.com/dgellow/gatekeep/internal/web"
)

// Kind names one protection
type Kind string

const (
	State Kind = "state"
	PKCE  Kind = "pkce"
	Nonce Kind = "nonce"
)

// DefaultMaxAge bounds how long a login may take between redirect and callback
const DefaultMaxAge = 15 * time.Minute

// Set is an enabled-checks configuration
type Set []Kind

// Has reports whether k is enabled
func (s Set) Has(k Kind) bool {
	for _, v := range s {
		if v == k {
			return true
		}
	}
	return false
}

// Validate rejects unknown kinds and duplicates
func (s Set) Validate() error {
	seen := make(map[Kind]bool, len(s))
	for _, k := range s {
		switch k {
		case State, PKCE, Nonce:
		default:
			return autherr.Configuration("checks", "unknown check %q", k)
		}
		if seen[k] {
			return autherr.Configuration("checks", "check %q listed twice", k)
		}
		seen[k] = true
	}
	return nil
}

// Checks creates and consumes check cookies
type Checks struct {
	codec  crypto.Codec
	policy cookie.Policy
	maxAge time.Duration
}

// New returns a Checks that encodes values with codec and names cookies with
// policy. A zero maxAge selects DefaultMaxAge.
func New(codec crypto.Codec, policy cookie.Policy, maxAge time.Duration) *Checks {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Checks{codec: codec, policy: policy, maxAge: maxAge}
}

type checkValue struct {
	Kind  Kind   `json:"k"`
	Value string `json:"v"`
}

func (c *Checks) cookieName(k Kind) string {
	switch k {
	case State:
		return c.policy.Names.State
	case PKCE:
		return c.policy.Names.PKCEVerifier
	case Nonce:
		return c.policy.Names.Nonce
	}
	return ""
}

// Create mints a random value for k and the cookie that carries it
func (c *Checks) Create(k Kind) (string, cookie.Cookie, error) {
	name := c.cookieName(k)
	if name == "" {
		return "", cookie.Cookie{}, autherr.Configuration("checks.create", "unknown check %q", k)
	}

	value, err := crypto.GenerateSecureToken()
	if err != nil {
		return "", cookie.Cookie{}, fmt.Errorf("failed to generate %s: %w", k, err)
	}

	token, err := c.codec.Encode(checkValue{Kind: k, Value: value}, c.maxAge)
	if err != nil {
		return "", cookie.Cookie{}, fmt.Errorf("failed to encode %s: %w", k, err)
	}

	log.LogTraceWithFields("checks", "Check created", map[string]any{
		"check":  string(k),
		"maxAge": c.maxAge.String(),
	})

	return value, c.policy.Set(name, token, c.maxAge), nil
}

// Use consumes the k cookie from req. The returned clearing cookie is always
// valid and must be sent back, whether or not err is nil.
func (c *Checks) Use(req *web.Request, k Kind) (string, cookie.Cookie, error) {
	name := c.cookieName(k)
	if name == "" {
		return "", cookie.Cookie{}, autherr.Configuration("checks.use", "unknown check %q", k)
	}
	cleared := c.policy.Clear(name)

	token, ok := req.Cookie(name)
	if !ok {
		return "", cleared, autherr.Validation("checks.use", "%s cookie missing", k)
	}

	var v checkValue
	if err := c.codec.Decode(token, &v); err != nil {
		log.LogDebugWithFields("checks", "Check cookie rejected", map[string]any{
			"check": string(k),
			"error": err.Error(),
		})
		return "", cleared, autherr.Validation("checks.use", "%s cookie invalid or expired", k).WithCause(err)
	}
	if v.Kind != k || v.Value == "" {
		return "", cleared, autherr.Validation("checks.use", "%s cookie holds a different check", k)
	}

	return v.Value, cleared, nil
}

// CreateState mints a state value
func (c *Checks) CreateState() (string, cookie.Cookie, error) {
	return c.Create(State)
}

// UseState consumes the state cookie
func (c *Checks) UseState(req *web.Request) (string, cookie.Cookie, error) {
	return c.Use(req, State)
}

// VerifyState consumes the state cookie and compares it with the state
// parameter the authorization server sent back.
func (c *Checks) VerifyState(req *web.Request) (cookie.Cookie, error) {
	expected, cleared, err := c.UseState(req)
	if err != nil {
		return cleared, err
	}

	got := req.Param("state")
	if got == "" {
		return cleared, autherr.Validation("checks.state", "state parameter missing")
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		return cleared, autherr.Validation("checks.state", "state mismatch")
	}
	return cleared, nil
}

// CreateNonce mints a nonce value
func (c *Checks) CreateNonce() (string, cookie.Cookie, error) {
	return c.Create(Nonce)
}

// UseNonce consumes the nonce cookie
func (c *Checks) UseNonce(req *web.Request) (string, cookie.Cookie, error) {
	return c.Use(req, Nonce)
}

// Clear returns clearing cookies for kinds, in order
func (c *Checks) Clear(kinds ...Kind) []cookie.Cookie {
	out := make([]cookie.Cookie, 0, len(kinds))
	for _, k := range kinds {
		if name := c.cookieName(k); name != "" {
			out = append(out, c.policy.Clear(name))
		}
	}
	return out
}

// Policy is the cookie policy check cookies are written with
func (c *Checks) Policy() cookie.Policy {
	return c.policy
}
