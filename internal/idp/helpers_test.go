package idp

import (
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/gatekeep/internal/authserver"
	"github.com/dgellow/gatekeep/internal/checks"
	"github.com/dgellow/gatekeep/internal/cookie"
	"github.com/dgellow/gatekeep/internal/crypto"
	"github.com/dgellow/gatekeep/internal/web"
)

const (
	testBaseURL  = "https://app.example.com"
	testCallback = "https://app.example.com/auth/callback/"
)

var mockAny = mock.Anything

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// flowRecorder captures observer transitions
type flowRecorder struct {
	mu     sync.Mutex
	states []FlowState
	errs   []error
}

func (r *flowRecorder) observe(_ string, state FlowState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	if err != nil {
		r.errs = append(r.errs, err)
	}
}

func (r *flowRecorder) snapshot() []FlowState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FlowState(nil), r.states...)
}

func newTestDeps(t *testing.T, client authserver.Client) (Deps, *flowRecorder) {
	t.Helper()
	codec, err := crypto.NewSealedCodec(testSecret)
	require.NoError(t, err)
	rec := &flowRecorder{}
	return Deps{
		Client:  client,
		Checks:  checks.New(codec, cookie.NewPolicy("gatekeep", false), 0),
		Observe: rec.observe,
	}, rec
}

// jar returns the live cookies of resp as request cookies
func jar(resp *web.Response) map[string]string {
	m := map[string]string{}
	for _, c := range resp.Cookies {
		if c.IsClear() {
			delete(m, c.Name)
			continue
		}
		m[c.Name] = c.Value
	}
	return m
}

func getRequest(t *testing.T, rawURL string, cookies map[string]string) *web.Request {
	t.Helper()
	req, err := web.NewRequest(http.MethodGet, rawURL, cookies)
	require.NoError(t, err)
	return req
}

func postForm(t *testing.T, rawURL string, form url.Values) *web.Request {
	t.Helper()
	req, err := web.NewRequest(http.MethodPost, rawURL, nil)
	require.NoError(t, err)
	req.Form = form
	return req
}

func loginQuery(t *testing.T, resp *web.Response) url.Values {
	t.Helper()
	require.NotEmpty(t, resp.Redirect)
	u, err := url.Parse(resp.Redirect)
	require.NoError(t, err)
	return u.Query()
}

func cookieNames(cookies []cookie.Cookie) []string {
	names := make([]string, len(cookies))
	for i, c := range cookies {
		names[i] = c.Name
	}
	return names
}

func allCleared(t *testing.T, cookies []cookie.Cookie) {
	t.Helper()
	for _, c := range cookies {
		require.True(t, c.IsClear(), "cookie %s should be cleared", c.Name)
	}
}
