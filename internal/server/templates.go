package server

import (
	"bytes"
	"context"
	_ "embed"
	"html/template"
	"net/http"

	"github.com/dgellow/gatekeep/internal/idp"
	"github.com/dgellow/gatekeep/internal/urlutil"
	"github.com/dgellow/gatekeep/internal/web"
)

//go:embed templates/login.html
var loginPageTemplateHTML string

var loginPageTemplate = template.Must(template.New("login").Parse(loginPageTemplateHTML))

// LoginPageData represents the data for the credentials login form
type LoginPageData struct {
	ProviderID string
	Action     string
	Username   string
	Error      string
}

// LoginPage returns the login page hook for credentials providers mounted
// under basePath.
func LoginPage(basePath string) func(providerID string) idp.Handler {
	return func(providerID string) idp.Handler {
		action := urlutil.Route(basePath, "callback", providerID)
		return func(ctx context.Context, req *web.Request) (*web.Response, error) {
			data := LoginPageData{
				ProviderID: providerID,
				Action:     action,
				Username:   req.Param("username"),
				Error:      req.Param("error"),
			}
			var buf bytes.Buffer
			if err := loginPageTemplate.Execute(&buf, data); err != nil {
				return nil, err
			}
			return &web.Response{
				Status: http.StatusOK,
				Header: http.Header{
					"Content-Type":  {"text/html; charset=utf-8"},
					"Cache-Control": {"no-store"},
				},
				Body: buf.Bytes(),
			}, nil
		}
	}
}
