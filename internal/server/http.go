package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	jsonwriter "github.com/dgellow/gatekeep/internal/json"
	"github.com/dgellow/gatekeep/internal/log"
)

// Gateway serves the auth routes and owns the listener lifecycle
type Gateway struct {
	srv *http.Server
}

// NewGateway wraps handler in a server listening on addr. Slow clients cannot
// hold a connection open by trickling request headers.
func NewGateway(handler http.Handler, addr string) *Gateway {
	return &Gateway{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
	}
}

// Start blocks serving requests. A graceful Stop is not an error.
func (g *Gateway) Start() error {
	log.LogInfoWithFields("http", "Auth gateway listening", map[string]any{
		"addr": g.srv.Addr,
	})
	err := g.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight logins and callbacks until ctx ends
func (g *Gateway) Stop(ctx context.Context) error {
	log.LogInfoWithFields("http", "Auth gateway draining", map[string]any{
		"addr": g.srv.Addr,
	})
	if err := g.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.LogInfo("Auth gateway stopped")
	return nil
}

// HealthReport is the body of /healthz
type HealthReport struct {
	Status    string   `json:"status"`
	Providers []string `json:"providers"`
}

// HealthHandler reports liveness along with the mounted provider ids
type HealthHandler struct {
	report HealthReport
}

// NewHealthHandler reports providers in sorted order
func NewHealthHandler(providers []string) *HealthHandler {
	ids := slices.Clone(providers)
	if ids == nil {
		ids = []string{}
	}
	slices.Sort(ids)
	return &HealthHandler{report: HealthReport{Status: "ok", Providers: ids}}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = jsonwriter.Write(w, h.report)
}
