// Package web holds the transport-neutral request and response values that
// flow through the authentication core.
package web

import (
	"net/http"
	"net/url"

	"github.com/dgellow/gatekeep/internal/cookie"
)

// Request is an inbound request as seen by the core. It is never mutated.
type Request struct {
	Method  string
	URL     *url.URL
	Header  http.Header
	Cookies map[string]string
	Body    []byte
	// Form holds the parsed url-encoded body, if any
	Form url.Values
}

// NewRequest builds a GET request for rawURL with the given cookies
func NewRequest(method, rawURL string, cookies map[string]string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if cookies == nil {
		cookies = map[string]string{}
	}
	return &Request{
		Method:  method,
		URL:     u,
		Header:  http.Header{},
		Cookies: cookies,
		Form:    url.Values{},
	}, nil
}

// Cookie returns the named cookie value and whether it was present
func (r *Request) Cookie(name string) (string, bool) {
	v, ok := r.Cookies[name]
	return v, ok && v != ""
}

// Param returns a callback parameter, preferring the query string over the
// form body.
func (r *Request) Param(name string) string {
	if r.URL != nil {
		if v := r.URL.Query().Get(name); v != "" {
			return v
		}
	}
	return r.Form.Get(name)
}

// Path returns the request path
func (r *Request) Path() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.Path
}

// Response is built incrementally by providers and the session manager.
// Cookie lists only ever grow.
type Response struct {
	// Status of 0 means unset; the adapter picks 302 when Redirect is set
	// and 200 otherwise.
	Status   int
	Header   http.Header
	Body     []byte
	Redirect string
	Cookies  []cookie.Cookie
	// User is the authenticated principal the session manager turns into
	// session cookies.
	User any
}

// Redirect returns a 302 response to location
func Redirect(location string) *Response {
	return &Response{Status: http.StatusFound, Redirect: location}
}

// AddCookies appends cookies in order
func (r *Response) AddCookies(cookies ...cookie.Cookie) *Response {
	r.Cookies = append(r.Cookies, cookies...)
	return r
}

// Merge folds other into r. Cookies and headers are appended; status, body,
// redirect and user are taken from other when set there.
func (r *Response) Merge(other *Response) *Response {
	if other == nil {
		return r
	}
	if other.Status != 0 {
		r.Status = other.Status
	}
	if other.Redirect != "" {
		r.Redirect = other.Redirect
	}
	if other.Body != nil {
		r.Body = other.Body
	}
	if other.User != nil {
		r.User = other.User
	}
	for k, vs := range other.Header {
		if r.Header == nil {
			r.Header = http.Header{}
		}
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	r.Cookies = append(r.Cookies, other.Cookies...)
	return r
}

// Cookie returns the last instruction for name in the response
func (r *Response) Cookie(name string) (cookie.Cookie, bool) {
	for i := len(r.Cookies) - 1; i >= 0; i-- {
		if r.Cookies[i].Name == name {
			return r.Cookies[i], true
		}
	}
	return cookie.Cookie{}, false
}
