package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgellow/gatekeep/internal/authcore"
	"github.com/dgellow/gatekeep/internal/authserver"
	"github.com/dgellow/gatekeep/internal/checks"
	"github.com/dgellow/gatekeep/internal/config"
	"github.com/dgellow/gatekeep/internal/cookie"
	"github.com/dgellow/gatekeep/internal/crypto"
	"github.com/dgellow/gatekeep/internal/idp"
	"github.com/dgellow/gatekeep/internal/log"
	"github.com/dgellow/gatekeep/internal/metrics"
	"github.com/dgellow/gatekeep/internal/server"
	"github.com/dgellow/gatekeep/internal/session"
	"github.com/dgellow/gatekeep/internal/storage"
	"github.com/dgellow/gatekeep/internal/web"
)

// AppUser is the access payload of the demo application's session cookie
type AppUser struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	// SessionID links logins through a session provider to their store record
	SessionID string `json:"sid,omitempty"`
}

// AppRefresh is the refresh payload. IssuedAt is the original login time and
// survives rotation.
type AppRefresh struct {
	UserID    string    `json:"uid"`
	Provider  string    `json:"provider"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	SessionID string    `json:"sid,omitempty"`
	IssuedAt  time.Time `json:"iat"`
}

// Gatekeep is the assembled demo application
type Gatekeep struct {
	config     config.Config
	handler    http.Handler
	gateway    *server.Gateway
	store      storage.Store
	sweeper    *storage.Sweeper
	auth       *authcore.Auth[AppUser, AppRefresh]
	metrics    *metrics.Metrics
}

// New builds the application from a loaded configuration
func New(ctx context.Context, cfg config.Config) (*Gatekeep, error) {
	config.ApplyDefaults(&cfg)
	if err := config.ValidateConfig(&cfg); err != nil {
		return nil, err
	}

	log.LogInfoWithFields("gatekeep", "Building application", map[string]any{
		"baseURL":   cfg.Server.BaseURL,
		"basePath":  cfg.Server.BasePath,
		"providers": len(cfg.Providers),
		"storage":   string(cfg.Storage.Kind),
	})

	codec, err := newCodec(cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("failed to create session codec: %w", err)
	}
	policy := cookie.NewPolicy(cfg.Session.CookiePrefix, *cfg.Server.SecureCookies)
	m := metrics.New()

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	deps := idp.Deps{
		Client:  authserver.NewHTTPClient(),
		Checks:  checks.New(codec, policy, cfg.Session.CheckMaxAge),
		Observe: m.ObserveFlow,
	}
	factory := idp.FactoryOptions{
		BaseURL:      cfg.Server.BaseURL,
		BasePath:     cfg.Server.BasePath,
		RedirectPage: cfg.Session.RedirectPage,
		Deps:         deps,
		Sessions:     store,
		LoginPage:    server.LoginPage(cfg.Server.BasePath),
		Now:          time.Now,
	}
	providers := make([]idp.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p, err := idp.NewProvider(pc, factory)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to create provider %s: %w", pc.ID, err)
		}
		providers = append(providers, p)
		log.LogInfoWithFields("gatekeep", "Provider configured", map[string]any{
			"id":   pc.ID,
			"kind": string(pc.Kind),
		})
	}

	app := &appSessions{store: store, now: time.Now}
	manager, err := session.New(session.Config[AppUser, AppRefresh]{
		Codec:              codec,
		Cookies:            policy,
		AccessTokenMaxAge:  cfg.Session.AccessTokenMaxAge,
		RefreshTokenMaxAge: cfg.Session.RefreshTokenMaxAge,
		CreateSession:      app.create,
		Refresh:            app.refresh,
		Invalidate:         app.invalidate,
		Observer:           m,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	auth, err := authcore.New(authcore.Options[AppUser, AppRefresh]{
		BasePath:     cfg.Server.BasePath,
		Providers:    providers,
		Sessions:     manager,
		Metrics:      m,
		RedirectPage: cfg.Session.RedirectPage,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	handler := server.NewRouter(server.RouterOptions{
		Auth:     auth,
		BasePath: auth.BasePath(),
		CurrentUser: func(req *web.Request) any {
			if user := manager.GetUser(req); user != nil {
				return user
			}
			return nil
		},
		Metrics:        m,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Providers:      providerIDs(providers),
	})

	return &Gatekeep{
		config:     cfg,
		handler:    handler,
		gateway:    server.NewGateway(handler, cfg.Server.Addr),
		store:      store,
		sweeper:    storage.NewSweeper(store, cfg.Storage.CleanupInterval),
		auth:       auth,
		metrics:    m,
	}, nil
}

// Handler is the application's root HTTP handler
func (g *Gatekeep) Handler() http.Handler {
	return g.handler
}

// Run serves until SIGINT, SIGTERM or a server error, then shuts down
// gracefully.
func (g *Gatekeep) Run() error {
	log.LogInfoWithFields("gatekeep", "Starting application", map[string]any{
		"addr": g.config.Server.Addr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		if err := g.gateway.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	g.sweeper.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var shutdownReason string
	select {
	case sig := <-sigChan:
		shutdownReason = fmt.Sprintf("signal %v", sig)
		log.LogInfoWithFields("gatekeep", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case err := <-errChan:
		shutdownReason = fmt.Sprintf("error: %v", err)
		log.LogErrorWithFields("gatekeep", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("gatekeep", "Starting graceful shutdown", map[string]any{
		"reason":  shutdownReason,
		"timeout": "30s",
	})
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	serverErr := g.gateway.Stop(shutdownCtx)
	if serverErr != nil {
		log.LogErrorWithFields("gatekeep", "HTTP server shutdown error", map[string]any{
			"error": serverErr.Error(),
		})
	}

	g.sweeper.Stop()
	if err := g.store.Close(); err != nil {
		log.LogWarnWithFields("gatekeep", "Storage close error", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("gatekeep", "Application shutdown complete", map[string]any{
		"reason": shutdownReason,
	})
	return serverErr
}

func newCodec(cfg config.SessionConfig) (crypto.Codec, error) {
	switch cfg.Codec {
	case config.CodecSigned:
		return crypto.NewSignedCodec([]byte(cfg.Secret))
	default:
		return crypto.NewSealedCodec([]byte(cfg.Secret))
	}
}

// appSessions holds the demo application's session hooks
type appSessions struct {
	store storage.Store
	now   func() time.Time
}

func (a *appSessions) create(ctx context.Context, user any) (*session.TokenPair[AppUser, AppRefresh], error) {
	var u AppUser
	switch v := user.(type) {
	case idp.AuthResult:
		if v.Profile == nil {
			return nil, fmt.Errorf("login through %s produced no profile", v.ProviderID)
		}
		u = AppUser{
			ID:       v.Profile.Subject,
			Provider: v.ProviderID,
			Email:    v.Profile.Email,
			Name:     v.Profile.Name,
		}
	case *idp.SessionUser:
		u = AppUser{ID: v.UserID, SessionID: v.SessionID}
		if info, ok := v.User.(*idp.UserInfo); ok {
			u.Provider = info.Provider
			u.Email = info.Email
			u.Name = info.Name
		}
	default:
		return nil, fmt.Errorf("unsupported user type %T", user)
	}
	if u.ID == "" {
		return nil, errors.New("login produced no user id")
	}

	log.LogInfoWithFields("gatekeep", "User signed in", map[string]any{
		"user":     u.ID,
		"provider": u.Provider,
	})
	return a.pair(u, a.now()), nil
}

func (a *appSessions) refresh(ctx context.Context, r AppRefresh) (*session.TokenPair[AppUser, AppRefresh], error) {
	if r.SessionID != "" {
		if _, err := a.store.GetSession(ctx, r.SessionID); err != nil {
			if errors.Is(err, storage.ErrSessionNotFound) {
				return nil, nil
			}
			return nil, err
		}
	}
	u := AppUser{
		ID:        r.UserID,
		Provider:  r.Provider,
		Email:     r.Email,
		Name:      r.Name,
		SessionID: r.SessionID,
	}
	return a.pair(u, r.IssuedAt), nil
}

func (a *appSessions) invalidate(ctx context.Context, access *AppUser, refresh *AppRefresh) (*web.Response, error) {
	sid := ""
	switch {
	case access != nil && access.SessionID != "":
		sid = access.SessionID
	case refresh != nil:
		sid = refresh.SessionID
	}
	if sid == "" {
		return nil, nil
	}
	if err := a.store.DeleteSession(ctx, sid); err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
		return nil, err
	}
	return nil, nil
}

func (a *appSessions) pair(u AppUser, issuedAt time.Time) *session.TokenPair[AppUser, AppRefresh] {
	return &session.TokenPair[AppUser, AppRefresh]{
		AccessToken: &u,
		RefreshToken: &AppRefresh{
			UserID:    u.ID,
			Provider:  u.Provider,
			Email:     u.Email,
			Name:      u.Name,
			SessionID: u.SessionID,
			IssuedAt:  issuedAt,
		},
	}
}

func providerIDs(providers []idp.Provider) []string {
	ids := make([]string, len(providers))
	for i, p := range providers {
		ids[i] = p.ID()
	}
	return ids
}
