package backend

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrNotFound matches a 404 from the backend via errors.Is.
var ErrNotFound = errors.New("backend: resource not found")

// StatusError reports a non-2xx backend response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend %s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("backend %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

type Options struct {
	BaseURL            string
	Timeout            time.Duration
	InsecureSkipVerify bool
	// Transport overrides the base round tripper; it is still wrapped for tracing.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// Client talks to the platform REST API.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(opts.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend url %q must be absolute", opts.BaseURL)
	}
	base.Path = strings.TrimRight(base.Path, "/")
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	transport := opts.Transport
	if transport == nil {
		cloned := http.DefaultTransport.(*http.Transport).Clone()
		if opts.InsecureSkipVerify {
			cloned.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // dev backends only
		}
		transport = cloned
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base: base,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(transport),
		},
		logger: logger.With(slog.String("component", "backend")),
	}, nil
}

// Healthcheck reports whether the backend answers GET /health with a 2xx.
// A non-2xx answer is (false, nil); transport failures are returned as errors.
func (c *Client) Healthcheck(ctx context.Context) (bool, error) {
	err := c.get(ctx, Credentials{}, "/health", nil, nil)
	if err == nil {
		return true, nil
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return false, nil
	}
	return false, err
}

// GetServer returns the site metadata, including the banner logo.
func (c *Client) GetServer(ctx context.Context) (*Server, error) {
	var server Server
	if err := c.get(ctx, Credentials{}, "/server", nil, &server); err != nil {
		return nil, err
	}
	return &server, nil
}

func (c *Client) get(ctx context.Context, creds Credentials, path string, query url.Values, out any) error {
	// path arrives escaped; keep RawPath so ids containing '/' survive.
	target := *c.base
	target.RawPath = c.base.EscapedPath() + path
	unescaped, err := url.PathUnescape(target.RawPath)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	target.Path = unescaped
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	creds.Apply(req.Header)

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("backend request",
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(started)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			Method:     http.MethodGet,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
