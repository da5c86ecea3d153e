package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"myriadweb/gateway/middleware"
)

// Rate limit keys understood by the router.
const (
	LimitPages    = "pages"
	LimitBalances = "balances"
	LimitBackend  = "backend"
)

const (
	BalancesPrefix = "/api/wallet/balances"
	SignOutPath    = "/api/auth/signout"
	BackendPrefix  = "/api/backend"
)

type Config struct {
	Pages        []Page
	Bootstrapper Bootstrapper
	Sessions     middleware.SessionResolver
	Balances     BalanceMachines
	Revoker      Revoker
	CookieNames  []string
	// BackendTarget enables the authenticated backend passthrough when set.
	BackendTarget *url.URL
	// StreamOrigins are the origin patterns accepted by the balance websocket.
	StreamOrigins []string
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Logger        *slog.Logger
}

func New(cfg Config) (http.Handler, error) {
	if cfg.Bootstrapper == nil {
		return nil, fmt.Errorf("bootstrapper required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session resolver required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))
	obs := cfg.Observability
	limit := func(key string) func(http.Handler) http.Handler {
		if cfg.RateLimiter == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return cfg.RateLimiter.Middleware(key)
	}
	observe := func(route string) func(http.Handler) http.Handler {
		if obs == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return obs.Middleware(route)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	pages := &pageRoutes{bootstrapper: cfg.Bootstrapper, logger: logger}
	seen := make(map[string]struct{}, len(cfg.Pages))
	for _, page := range cfg.Pages {
		path := strings.TrimSpace(page.Path)
		if !strings.HasPrefix(path, "/") {
			return nil, fmt.Errorf("page %q: path must start with /", page.Name)
		}
		if _, dup := seen[path]; dup {
			return nil, fmt.Errorf("page path %s registered twice", path)
		}
		seen[path] = struct{}{}
		r.With(limit(LimitPages), observe("page:"+page.Name)).Get(path, pages.handler(page))
	}

	required := middleware.NewAuthenticator(middleware.AuthConfig{}, cfg.Sessions, logger)
	if cfg.Balances != nil {
		wallet := &walletRoutes{machines: cfg.Balances, originPattern: cfg.StreamOrigins, logger: logger}
		r.Route(BalancesPrefix, func(sr chi.Router) {
			sr.Use(required.Middleware())
			sr.Use(limit(LimitBalances))
			sr.Use(observe("balances"))
			wallet.mount(sr)
		})
	}

	auth := &authRoutes{
		sessions:    cfg.Sessions,
		revoker:     cfg.Revoker,
		cookieNames: cfg.CookieNames,
		logger:      logger,
		now:         time.Now,
	}
	r.With(observe("signout")).Post(SignOutPath, auth.signOut)

	if cfg.BackendTarget != nil {
		proxy := NewProxy(cfg.BackendTarget, BackendPrefix, logger)
		optional := middleware.NewAuthenticator(middleware.AuthConfig{AllowAnonymous: true}, cfg.Sessions, logger)
		r.Route(BackendPrefix, func(sr chi.Router) {
			sr.Use(optional.Middleware())
			sr.Use(limit(LimitBackend))
			sr.Use(observe("backend"))
			sr.Handle("/*", proxy)
		})
	}

	return r, nil
}
