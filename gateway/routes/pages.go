package routes

import (
	"context"
	"log/slog"
	"net/http"

	"myriadweb/gateway/bootstrap"
)

// Bootstrapper decides how a protected page request is answered.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, req *http.Request) bootstrap.Result
}

// Page is a protected page served by the gateway.
type Page struct {
	Name string
	Path string
}

type pagePayload struct {
	Page  string               `json:"page"`
	Props *bootstrap.PageProps `json:"props"`
	State *bootstrap.State     `json:"state"`
}

type redirectPayload struct {
	Redirect *bootstrap.Redirect `json:"redirect"`
}

type pageRoutes struct {
	bootstrapper Bootstrapper
	logger       *slog.Logger
}

// handler answers a redirect with 307 (308 when permanent) and a Location
// header, and served pages with their props and hydrated state. Hydration
// failures never turn into 5xx responses.
func (p *pageRoutes) handler(page Page) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := p.bootstrapper.Bootstrap(r.Context(), r)
		if result.IsRedirect() {
			p.logger.Debug("page redirected",
				slog.String("page", page.Name),
				slog.String("destination", result.Redirect.Destination),
				slog.String("reason", string(result.Redirect.Reason)))
			status := http.StatusTemporaryRedirect
			if result.Redirect.Permanent {
				status = http.StatusPermanentRedirect
			}
			w.Header().Set("Location", result.Redirect.Destination)
			writeJSON(w, status, redirectPayload{Redirect: result.Redirect})
			return
		}
		writeJSON(w, http.StatusOK, pagePayload{Page: page.Name, Props: result.Props, State: result.State})
	}
}
