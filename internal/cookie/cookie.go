// Package cookie describes the cookies the authentication core emits.
//
// Cookies are plain values with attributes. Nothing here writes headers except
// Write, which the net/http adapter uses to turn a Cookie into Set-Cookie.
package cookie

import (
	"net/http"
	"time"

	"github.com/dgellow/gatekeep/internal/log"
)

// DefaultPrefix is the cookie name prefix used when none is configured
const DefaultPrefix = "gatekeep"

// securePrefix is prepended to every name when cookies require a secure transport
const securePrefix = "__Secure-"

type SameSite string

const (
	SameSiteLax    SameSite = "lax"
	SameSiteStrict SameSite = "strict"
	SameSiteNone   SameSite = "none"
)

// Options are the attributes of a cookie. MaxAge is in seconds; zero means the
// cookie must be removed by the client.
type Options struct {
	Path     string
	Domain   string
	MaxAge   int
	Secure   bool
	HTTPOnly bool
	SameSite SameSite
}

// Cookie is a set-or-clear instruction for the client
type Cookie struct {
	Name    string
	Value   string
	Options Options
}

// IsClear reports whether the cookie instructs the client to remove it
func (c Cookie) IsClear() bool {
	return c.Options.MaxAge == 0
}

// Names holds the cookie name for every value the core stores on the client
type Names struct {
	State        string
	PKCEVerifier string
	Nonce        string
	AccessToken  string
	RefreshToken string
}

// DefaultNames derives the cookie names from prefix
func DefaultNames(prefix string, secure bool) Names {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if secure {
		prefix = securePrefix + prefix
	}
	return Names{
		State:        prefix + ".state",
		PKCEVerifier: prefix + ".pkce.code_verifier",
		Nonce:        prefix + ".nonce",
		AccessToken:  prefix + ".access-token",
		RefreshToken: prefix + ".refresh-token",
	}
}

// Policy is the shared naming and attribute scheme for every cookie the core
// sets. It is a value type and safe to share.
type Policy struct {
	Names   Names
	Options Options
}

// NewPolicy builds the default policy: httpOnly, SameSite=Lax, path "/", with
// the secure flag and name prefix following secure.
func NewPolicy(prefix string, secure bool) Policy {
	return Policy{
		Names: DefaultNames(prefix, secure),
		Options: Options{
			Path:     "/",
			Secure:   secure,
			HTTPOnly: true,
			SameSite: SameSiteLax,
		},
	}
}

// Set returns a cookie holding value for maxAge. Durations under a second are
// rounded up so a live cookie is never mistaken for a clear instruction.
func (p Policy) Set(name, value string, maxAge time.Duration) Cookie {
	opts := p.Options
	opts.MaxAge = int(maxAge / time.Second)
	if opts.MaxAge <= 0 {
		opts.MaxAge = 1
	}
	return Cookie{Name: name, Value: value, Options: opts}
}

// Clear returns a cookie that removes name on the client
func (p Policy) Clear(name string) Cookie {
	opts := p.Options
	opts.MaxAge = 0
	return Cookie{Name: name, Value: "", Options: opts}
}

// HTTP converts c to a net/http cookie. A clear instruction becomes MaxAge -1,
// which net/http renders as "Max-Age=0".
func HTTP(c Cookie) *http.Cookie {
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Options.Path,
		Domain:   c.Options.Domain,
		Secure:   c.Options.Secure,
		HttpOnly: c.Options.HTTPOnly,
		MaxAge:   c.Options.MaxAge,
	}
	if c.IsClear() {
		hc.MaxAge = -1
	} else {
		hc.Expires = time.Now().Add(time.Duration(c.Options.MaxAge) * time.Second)
	}
	switch c.Options.SameSite {
	case SameSiteLax:
		hc.SameSite = http.SameSiteLaxMode
	case SameSiteStrict:
		hc.SameSite = http.SameSiteStrictMode
	case SameSiteNone:
		hc.SameSite = http.SameSiteNoneMode
	}
	return hc
}

// Write emits c as a Set-Cookie header on w
func Write(w http.ResponseWriter, c Cookie) {
	http.SetCookie(w, HTTP(c))

	log.LogTraceWithFields("cookie", "Cookie written", map[string]any{
		"name":   c.Name,
		"maxAge": c.Options.MaxAge,
		"clear":  c.IsClear(),
		"secure": c.Options.Secure,
	})
}
