package server

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"

	"github.com/dgellow/gatekeep/internal/cookie"
	"github.com/dgellow/gatekeep/internal/web"
)

// maxBodySize caps request bodies read into a web.Request
const maxBodySize = 1 << 20

// FromHTTP converts r into a web.Request. Url-encoded bodies are parsed
// into Form. The body of r is consumed.
func FromHTTP(r *http.Request) (*web.Request, error) {
	req := headersOnly(r)
	if r.Body == nil || r.Body == http.NoBody {
		return req, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	if len(body) > maxBodySize {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxBodySize)
	}
	req.Body = body

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/x-www-form-urlencoded" {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("parsing form body: %w", err)
		}
		req.Form = form
	}
	return req, nil
}

// headersOnly converts r without touching its body
func headersOnly(r *http.Request) *web.Request {
	u := *r.URL
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}

	cookies := make(map[string]string, len(r.Cookies()))
	for _, c := range r.Cookies() {
		if _, seen := cookies[c.Name]; !seen {
			cookies[c.Name] = c.Value
		}
	}

	return &web.Request{
		Method:  r.Method,
		URL:     &u,
		Header:  r.Header.Clone(),
		Cookies: cookies,
		Form:    url.Values{},
	}
}

// WriteCookies writes only the cookie instructions of resp
func WriteCookies(w http.ResponseWriter, resp *web.Response) {
	for _, c := range resp.Cookies {
		cookie.Write(w, c)
	}
}

// WriteResponse applies resp to w: cookies in order, headers, then the
// redirect or status and body.
func WriteResponse(w http.ResponseWriter, r *http.Request, resp *web.Response) {
	WriteCookies(w, resp)
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}

	if resp.Redirect != "" {
		status := resp.Status
		if status < 300 || status > 399 {
			status = http.StatusFound
		}
		http.Redirect(w, r, resp.Redirect, status)
		return
	}

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}
