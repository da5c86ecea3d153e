package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"myriadweb/gateway/backend"
	"myriadweb/gateway/bootstrap"
	"myriadweb/gateway/config"
	"myriadweb/gateway/middleware"
	"myriadweb/gateway/routes"
	"myriadweb/gateway/session"
	"myriadweb/observability/logging"
	telemetry "myriadweb/observability/otel"
)

func main() {
	var cfgPath string
	var allowInsecureFlag bool
	var issueFor string
	var issueTTL time.Duration
	flag.StringVar(&cfgPath, "config", "", "path to gateway configuration (.yaml or .toml)")
	flag.BoolVar(&allowInsecureFlag, "allow-insecure", false, "DEV ONLY: permit plaintext listeners on loopback interfaces")
	flag.StringVar(&issueFor, "issue-token", "", "DEV ONLY: print a session token for the given wallet address and exit")
	flag.DurationVar(&issueTTL, "token-ttl", 24*time.Hour, "lifetime of tokens minted with -issue-token")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MYRIAD_ENV"))
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := logging.SetupWithOptions("gateway", env, logOptions(cfg.Logging))

	if issueFor != "" {
		if err := issueDevToken(env, cfg.Session, issueFor, issueTTL); err != nil {
			logger.Error("issue token", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(env, cfgPath, cfg, allowInsecureFlag, logger); err != nil {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(env, cfgPath string, cfg config.Config, allowInsecureFlag bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetryConfig(env, cfg.Observability))
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	autoUpgrade := cfg.Security.AutoUpgradeHTTP
	if override := strings.TrimSpace(os.Getenv("MYRIAD_GATEWAY_AUTO_HTTPS")); override != "" {
		parsed, err := strconv.ParseBool(override)
		if err != nil {
			return fmt.Errorf("parse MYRIAD_GATEWAY_AUTO_HTTPS: %w", err)
		}
		autoUpgrade = parsed
	}
	backendURL, err := secureURL(env, "backend", cfg.Backend.URL, autoUpgrade, logger)
	if err != nil {
		return err
	}
	api, err := backend.New(backend.Options{
		BaseURL:            backendURL.String(),
		Timeout:            cfg.Backend.Timeout,
		InsecureSkipVerify: cfg.Backend.InsecureSkipVerify,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("configure backend client: %w", err)
	}

	revocations, err := session.OpenRevocationStore(cfg.Session.RevocationPath)
	if err != nil {
		return fmt.Errorf("open revocation store: %w", err)
	}
	defer revocations.Close()
	go revocations.RunPruner(ctx, time.Hour, func(err error) {
		logger.Warn("prune revocations", "error", err)
	})

	resolver, err := session.NewResolver(sessionConfig(cfg.Session), revocations, logger)
	if err != nil {
		return fmt.Errorf("configure sessions: %w", err)
	}

	orchestrator := bootstrap.New(bootstrap.Options{
		Probe:    api,
		Sessions: resolver,
		Server:   api,
		NewScope: bootstrap.ClientScope(api),
		Timeout:  cfg.BootstrapTimeout,
		Logger:   logger,
	})

	var balances routes.BalanceMachines
	if len(cfg.Balances.Tokens) > 0 {
		registry, closeBalances, err := buildBalances(env, cfg.Balances, autoUpgrade, logger)
		if err != nil {
			return err
		}
		defer closeBalances()
		go registry.Run(ctx)
		balances = registry
	} else {
		logger.Info("no balance tokens configured; balance API disabled")
	}

	pages := make([]routes.Page, 0, len(cfg.Pages))
	for _, page := range cfg.Pages {
		pages = append(pages, routes.Page{Name: page.Name, Path: page.Path})
	}
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Metrics || cfg.Observability.Tracing,
	}, logger)

	router, err := routes.New(routes.Config{
		Pages:         pages,
		Bootstrapper:  orchestrator,
		Sessions:      resolver,
		Balances:      balances,
		Revoker:       revocations,
		CookieNames:   resolver.CookieNames(),
		BackendTarget: backendURL,
		StreamOrigins: originPatterns(cfg.Security.AllowedOrigins),
		RateLimiter:   middleware.NewRateLimiter(rateLimits(cfg.RateLimits), logger),
		Observability: obs,
		CORS: middleware.CORSConfig{
			AllowedOrigins:   cfg.Security.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type", "Authorization"},
			AllowCredentials: len(cfg.Security.AllowedOrigins) > 0,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("configure routes: %w", err)
	}

	handler := http.Handler(router)
	if cfg.Observability.Tracing {
		handler = otelhttp.NewHandler(router, "gateway")
	}

	configDir := ""
	if strings.TrimSpace(cfgPath) != "" {
		configDir = filepath.Dir(cfgPath)
	}
	tlsConfig, err := buildTLSConfig(configDir, cfg.Security)
	if err != nil {
		return fmt.Errorf("configure TLS: %w", err)
	}
	allowInsecure := cfg.Security.AllowInsecure || allowInsecureFlag
	if tlsConfig == nil {
		if !allowInsecure {
			return errors.New("gateway TLS certificate and key are required; provide security.tlsCertFile/tlsKeyFile or start with --allow-insecure in dev")
		}
		if !config.IsDevEnv(env) && !isLoopbackAddress(cfg.ListenAddress) {
			return errors.New("plaintext gateway mode is restricted to loopback listeners or dev environment")
		}
	}

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		TLSConfig:    tlsConfig,
	}
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	serveErr := make(chan error, 1)
	go func() {
		scheme := "http"
		if tlsConfig != nil {
			scheme = "https"
			listener = tls.NewListener(listener, tlsConfig)
		}
		logger.Info("gateway listening",
			"address", scheme+"://"+listener.Addr().String(),
			"pages", len(pages),
			"tokens", len(cfg.Balances.Tokens))
		serveErr <- server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	return nil
}

func logOptions(cfg config.LoggingConfig) logging.Options {
	opts := logging.Options{Level: logging.ParseLevel(cfg.Level)}
	if strings.TrimSpace(cfg.File) != "" {
		opts.File = &logging.FileOptions{
			Path:       cfg.File,
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	}
	return opts
}

func telemetryConfig(env string, cfg config.ObservabilityConfig) telemetry.Config {
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	return telemetry.Config{
		ServiceName: cfg.ServiceName,
		Environment: env,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		SampleRatio: cfg.SampleRatio,
		Metrics:     cfg.Metrics,
		Traces:      cfg.Tracing,
	}
}

func sessionConfig(cfg config.SessionConfig) session.Config {
	return session.Config{
		Secret:      cfg.Secret,
		CookieNames: cfg.CookieNames,
		Issuer:      cfg.Issuer,
		Audience:    cfg.Audience,
		ClockSkew:   cfg.ClockSkew,
	}
}

func issueDevToken(env string, cfg config.SessionConfig, address string, ttl time.Duration) error {
	if !config.IsDevEnv(env) {
		return errors.New("-issue-token is only available with MYRIAD_ENV=dev")
	}
	issuer, err := session.NewIssuer(sessionConfig(cfg))
	if err != nil {
		return err
	}
	token, _, err := issuer.Issue(session.User{Address: strings.TrimSpace(address), Name: "dev"}, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func secureURL(env, name, raw string, autoUpgrade bool, logger *slog.Logger) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse %s url: %w", name, err)
	}
	secured, upgraded, err := config.EnforceSecureScheme(env, parsed, autoUpgrade)
	if err != nil {
		return nil, fmt.Errorf("enforce HTTPS for %s: %w", name, err)
	}
	if upgraded {
		logger.Info("auto-upgraded endpoint to HTTPS", "endpoint", name)
	}
	return secured, nil
}

func rateLimits(entries []config.RateLimitConfig) map[string]middleware.RateLimit {
	limits := make(map[string]middleware.RateLimit)
	for _, entry := range entries {
		if entry.ID == "" {
			continue
		}
		limits[entry.ID] = middleware.RateLimit{RatePerSecond: entry.PerSecond(), Burst: entry.Burst}
	}
	if len(limits) == 0 {
		limits[routes.LimitPages] = middleware.RateLimit{RatePerSecond: 5, Burst: 20}
		limits[routes.LimitBalances] = middleware.RateLimit{RatePerSecond: 2, Burst: 10}
		limits[routes.LimitBackend] = middleware.RateLimit{RatePerSecond: 10, Burst: 40}
	}
	return limits
}

// originPatterns turns configured origins into websocket host patterns.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			patterns = append(patterns, parsed.Host)
			continue
		}
		patterns = append(patterns, origin)
	}
	return patterns
}

func buildTLSConfig(baseDir string, sec config.SecurityConfig) (*tls.Config, error) {
	certPath := resolveTLSPath(baseDir, sec.TLSCertFile)
	keyPath := resolveTLSPath(baseDir, sec.TLSKeyFile)
	caPath := resolveTLSPath(baseDir, sec.TLSClientCAFile)
	if certPath == "" && keyPath == "" && caPath == "" {
		return nil, nil
	}
	if certPath == "" || keyPath == "" {
		return nil, fmt.Errorf("security.tlsCertFile and security.tlsKeyFile must both be provided when enabling TLS")
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if caPath != "" {
		data, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("parse client CA file %s", caPath)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}

func resolveTLSPath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	if baseDir == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(baseDir, trimmed)
}

func isLoopbackAddress(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
