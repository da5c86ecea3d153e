package routes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"myriadweb/gateway/middleware"
	"myriadweb/gateway/session"
)

// Revoker records signed-out session ids until their tokens expire.
type Revoker interface {
	Revoke(ctx context.Context, id string, until time.Time) error
}

// fallbackRevocation bounds revocations of tokens without a usable expiry.
const fallbackRevocation = 30 * 24 * time.Hour

type authRoutes struct {
	sessions    middleware.SessionResolver
	revoker     Revoker
	cookieNames []string
	logger      *slog.Logger
	now         func() time.Time
}

// signOut revokes the caller's session id and expires the session cookies.
// It succeeds for signed-out callers too.
func (ar *authRoutes) signOut(w http.ResponseWriter, r *http.Request) {
	sess, err := ar.sessions.Resolve(r.Context(), r)
	if err != nil {
		ar.logger.Error("resolve session for sign-out", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusServiceUnavailable, errors.New("sign-out unavailable"))
		return
	}
	if sess != nil && sess.ID != "" && ar.revoker != nil {
		until := sess.Expires
		if until.IsZero() || until.Before(ar.now()) {
			until = ar.now().Add(fallbackRevocation)
		}
		if err := ar.revoker.Revoke(r.Context(), sess.ID, until); err != nil {
			ar.logger.Error("revoke session", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusServiceUnavailable, errors.New("sign-out unavailable"))
			return
		}
	}
	session.ClearCookies(w, r, ar.cookieNames)
	w.WriteHeader(http.StatusNoContent)
}
