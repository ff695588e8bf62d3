package autherr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	err := Protocol("oauth2.callback", "token exchange failed").WithCause(errors.New("connection refused"))
	assert.Equal(t, "oauth2.callback: token exchange failed: connection refused", err.Error())

	plain := Validation("", "missing code")
	assert.Equal(t, "missing code", plain.Error())
}

func TestKindThroughWrapping(t *testing.T) {
	base := Validation("checks.use", "state cookie missing")
	wrapped := fmt.Errorf("callback: %w", base)

	assert.Equal(t, KindValidation, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, ErrValidation))
	assert.False(t, errors.Is(wrapped, ErrProtocol))
	assert.Equal(t, Kind(""), KindOf(errors.New("other")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Configuration("op", "x"), http.StatusInternalServerError},
		{Validation("op", "x"), http.StatusBadRequest},
		{Protocol("op", "x"), http.StatusBadGateway},
		{TokenDecode("op", "x"), http.StatusUnauthorized},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusOf(tt.err))
		})
	}
}

func TestUnwrapCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Protocol("discover", "metadata fetch failed").WithCause(cause)
	assert.ErrorIs(t, err, cause)
}
