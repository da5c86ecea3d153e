package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"myriadweb/gateway/session"
)

// SessionResolver resolves the session carried by a request; nil means the
// caller is signed out.
type SessionResolver interface {
	Resolve(ctx context.Context, req *http.Request) (*session.Session, error)
}

type AuthConfig struct {
	// AllowAnonymous admits sessions without a wallet address.
	AllowAnonymous bool
}

type Authenticator struct {
	cfg      AuthConfig
	resolver SessionResolver
	logger   *slog.Logger
}

func NewAuthenticator(cfg AuthConfig, resolver SessionResolver, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{cfg: cfg, resolver: resolver, logger: logger}
}

// Middleware rejects requests without a session (401) and, unless anonymous
// sessions are allowed, sessions without a wallet address (403). The
// resolved session is stored on the request context.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := a.resolver.Resolve(r.Context(), r)
			if err != nil {
				a.logger.Error("resolve session", slog.String("error", err.Error()))
				writeError(w, http.StatusServiceUnavailable, "session lookup unavailable")
				return
			}
			if sess == nil {
				writeError(w, http.StatusUnauthorized, "sign in required")
				return
			}
			if !a.cfg.AllowAnonymous && (sess.User.Anonymous || sess.User.Address == "") {
				writeError(w, http.StatusForbidden, "wallet address required")
				return
			}
			next.ServeHTTP(w, r.WithContext(session.WithSession(r.Context(), sess)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
