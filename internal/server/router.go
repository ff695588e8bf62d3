package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgellow/gatekeep/internal/authcore"
	jsonwriter "github.com/dgellow/gatekeep/internal/json"
	"github.com/dgellow/gatekeep/internal/log"
	"github.com/dgellow/gatekeep/internal/metrics"
	"github.com/dgellow/gatekeep/internal/web"
)

// Authenticator serves auth pages and refreshes sessions
type Authenticator interface {
	Handle(ctx context.Context, req *web.Request) (*web.Response, error)
}

// RouterOptions configure NewRouter
type RouterOptions struct {
	Auth     Authenticator
	BasePath string
	// CurrentUser decodes the session of a request, nil when anonymous
	CurrentUser    func(*web.Request) any
	Metrics        *metrics.Metrics
	AllowedOrigins []string
	// Providers are the mounted provider ids reported by /healthz
	Providers []string
}

// NewRouter mounts the auth pages, health, metrics and the current-user
// endpoint.
func NewRouter(opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(opts.Metrics.Middleware)
	r.Use(NewLoggerMiddleware("http"))
	r.Use(NewRecoverMiddleware("http"))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		jsonwriter.WriteNotFound(w, "Not found")
	})

	r.Method(http.MethodGet, "/healthz", NewHealthHandler(opts.Providers))
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	r.With(NewCORSMiddleware(opts.AllowedOrigins)).
		HandleFunc(opts.BasePath+"/*", authPages(opts.Auth))

	r.Group(func(r chi.Router) {
		r.Use(NewSessionMiddleware(opts.Auth, opts.CurrentUser))
		r.Get("/me", handleMe)
	})
	return r
}

// authPages adapts the auth pages to net/http
func authPages(auth Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := FromHTTP(r)
		if err != nil {
			log.LogDebugWithFields("http", "Rejected request body", map[string]any{
				"path":  r.URL.Path,
				"error": err.Error(),
			})
			jsonwriter.WriteBadRequest(w, "Malformed request")
			return
		}

		resp, err := auth.Handle(r.Context(), req)
		if err != nil {
			if resp != nil {
				WriteCookies(w, resp)
			}
			writeAuthError(w, err)
			return
		}
		if resp == nil {
			jsonwriter.WriteNotFound(w, "Not found")
			return
		}
		WriteResponse(w, r, resp)
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authcore.ErrNotFound):
		jsonwriter.WriteNotFound(w, "Not found")
	case errors.Is(err, authcore.ErrMethodNotAllowed):
		jsonwriter.WriteMethodNotAllowed(w, "Method not allowed")
	default:
		jsonwriter.WriteAuthError(w, err)
	}
}

func handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		jsonwriter.WriteUnauthorized(w, "Not signed in")
		return
	}
	_ = jsonwriter.Write(w, user)
}
