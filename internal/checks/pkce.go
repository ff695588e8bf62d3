package checks

import (
	"crypto/subtle"

	"golang.org/x/oauth2"

	"github.com/dgellow/gatekeep/internal/cookie"
	"github.com/dgellow/gatekeep/internal/web"
)

// MethodS256 is the only challenge method emitted
const MethodS256 = "S256"

// PKCEPair is a verifier and its derived challenge
type PKCEPair struct {
	Verifier  string
	Challenge string
	Method    string
}

// S256Challenge derives the code challenge for verifier
func S256Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCE reports whether verifier matches challenge under S256
func VerifyPKCE(verifier, challenge string) bool {
	computed := S256Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// CreatePKCE mints a verifier, stores it in a cookie and returns the challenge
// to send on the authorization request.
func (c *Checks) CreatePKCE() (PKCEPair, cookie.Cookie, error) {
	verifier, ck, err := c.Create(PKCE)
	if err != nil {
		return PKCEPair{}, ck, err
	}
	return PKCEPair{
		Verifier:  verifier,
		Challenge: S256Challenge(verifier),
		Method:    MethodS256,
	}, ck, nil
}

// UsePKCE consumes the verifier cookie
func (c *Checks) UsePKCE(req *web.Request) (string, cookie.Cookie, error) {
	return c.Use(req, PKCE)
}
