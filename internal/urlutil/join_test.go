package urlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinPath(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		segments []string
		want     string
		wantErr  bool
	}{
		{
			name:     "absolute base",
			base:     "https://app.example.com",
			segments: []string{"auth", "callback", "github"},
			want:     "https://app.example.com/auth/callback/github",
		},
		{
			name:     "base path kept",
			base:     "https://app.example.com/tenant",
			segments: []string{"auth", "login", "google"},
			want:     "https://app.example.com/tenant/auth/login/google",
		},
		{
			name:     "base path with trailing slash",
			base:     "https://app.example.com/",
			segments: []string{"auth"},
			want:     "https://app.example.com/auth",
		},
		{
			name:     "trailing slash on last segment",
			base:     "https://app.example.com",
			segments: []string{"auth", "signin/"},
			want:     "https://app.example.com/auth/signin/",
		},
		{
			name:     "slashes inside segments",
			base:     "https://app.example.com",
			segments: []string{"/auth/", "/callback"},
			want:     "https://app.example.com/auth/callback",
		},
		{
			name:     "relative base",
			base:     "/auth",
			segments: []string{"callback", "corp"},
			want:     "/auth/callback/corp",
		},
		{
			name: "no segments",
			base: "https://app.example.com",
			want: "https://app.example.com",
		},
		{
			name:     "invalid base",
			base:     "://missing-scheme",
			segments: []string{"auth"},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := JoinPath(tt.base, tt.segments...)
			if tt.wantErr {
				assert.ErrorContains(t, err, "invalid route base")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRouteAndCallback(t *testing.T) {
	assert.Equal(t, "/auth/login/github", Route("/auth", "login", "github"))
	assert.Equal(t, "https://app.example.com/auth/callback/github",
		Callback("https://app.example.com", "/auth", "github"))
	assert.Panics(t, func() { Callback("://missing-scheme", "/auth", "github") })
}
