// Package urlutil builds the URLs of the provider routes mounted under a base
// path: login pages, callbacks and their absolute redirect URIs.
package urlutil

import (
	"fmt"
	"net/url"
)

// JoinPath appends segments to the path of base. Dot segments are cleaned and
// a trailing slash on the last segment survives. A relative base stays
// relative.
func JoinPath(base string, segments ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid route base %q: %w", base, err)
	}
	return u.JoinPath(segments...).String(), nil
}

// MustJoinPath is JoinPath for bases fixed at startup
func MustJoinPath(base string, segments ...string) string {
	joined, err := JoinPath(base, segments...)
	if err != nil {
		panic(err)
	}
	return joined
}

// Route is the path of a provider action under basePath, such as
// /auth/callback/github.
func Route(basePath, action, providerID string) string {
	return MustJoinPath(basePath, action, providerID)
}

// Callback is the absolute redirect URI registered with a provider
func Callback(baseURL, basePath, providerID string) string {
	return MustJoinPath(baseURL, basePath, "callback", providerID)
}
