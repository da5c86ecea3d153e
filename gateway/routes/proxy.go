package routes

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"myriadweb/gateway/backend"
	"myriadweb/gateway/session"
)

// NewProxy forwards requests under stripPrefix to the backend API. The
// caller's session, when present on the context, is forwarded the same way
// the bootstrap pipeline forwards it.
func NewProxy(target *url.URL, stripPrefix string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	basePath := strings.TrimSuffix(stripPrefix, "/")
	proxy.Director = func(req *http.Request) {
		req.URL.Scheme = target.Scheme
		req.URL.Host = target.Host
		req.Host = target.Host
		path := req.URL.Path
		if basePath != "" && strings.HasPrefix(path, basePath) {
			path = strings.TrimPrefix(path, basePath)
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		req.URL.Path = singleJoiningSlash(target.Path, path)
		req.URL.RawPath = ""
		req.Header.Del("Authorization")
		req.Header.Del("X-Anonymous")
		if sess, ok := session.FromContext(req.Context()); ok {
			backend.Credentials{
				Cookie:    req.Header.Get("Cookie"),
				Token:     sess.Token,
				Anonymous: sess.User.Anonymous || sess.User.Address == "",
			}.Apply(req.Header)
		}
		otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("proxy error",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		writeJSONError(w, http.StatusBadGateway, errUpstream)
	}
	proxy.Transport = otelhttp.NewTransport(http.DefaultTransport)
	return proxy
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
