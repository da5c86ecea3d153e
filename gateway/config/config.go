package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	EnvBackendURL    = "MYRIAD_GATEWAY_BACKEND_URL"
	EnvSessionSecret = "MYRIAD_GATEWAY_SESSION_SECRET"
	EnvChainURL      = "MYRIAD_GATEWAY_CHAIN_URL"
	EnvCacheDSN      = "MYRIAD_GATEWAY_CACHE_DSN"
)

// Chain querier kinds.
const (
	ChainRPC = "rpc"
	ChainEVM = "evm"
)

// Cache drivers.
const (
	CacheNone     = ""
	CacheSQLite   = "sqlite"
	CachePostgres = "postgres"
)

type BackendConfig struct {
	URL                string        `yaml:"url" toml:"url"`
	Timeout            time.Duration `yaml:"timeout" toml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecureSkipVerify" toml:"insecureSkipVerify"`
}

type SessionConfig struct {
	Secret         string        `yaml:"secret" toml:"secret"`
	CookieNames    []string      `yaml:"cookieNames" toml:"cookieNames"`
	Issuer         string        `yaml:"issuer" toml:"issuer"`
	Audience       string        `yaml:"audience" toml:"audience"`
	ClockSkew      time.Duration `yaml:"clockSkew" toml:"clockSkew"`
	RevocationPath string        `yaml:"revocationPath" toml:"revocationPath"`
}

type PageConfig struct {
	Name string `yaml:"name" toml:"name"`
	Path string `yaml:"path" toml:"path"`
}

type TokenConfig struct {
	Symbol      string `yaml:"symbol" toml:"symbol"`
	ContractRef string `yaml:"contractRef" toml:"contractRef"`
	Decimals    int    `yaml:"decimals" toml:"decimals"`
	Description string `yaml:"description" toml:"description"`
}

type ChainConfig struct {
	Kind         string        `yaml:"kind" toml:"kind"`
	Endpoint     string        `yaml:"endpoint" toml:"endpoint"`
	NativeMethod string        `yaml:"nativeMethod" toml:"nativeMethod"`
	AssetMethod  string        `yaml:"assetMethod" toml:"assetMethod"`
	Timeout      time.Duration `yaml:"timeout" toml:"timeout"`
}

type CacheConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

type BalancesConfig struct {
	Tokens  []TokenConfig `yaml:"tokens" toml:"tokens"`
	Chain   ChainConfig   `yaml:"chain" toml:"chain"`
	Cache   CacheConfig   `yaml:"cache" toml:"cache"`
	IdleTTL time.Duration `yaml:"idleTTL" toml:"idleTTL"`
}

type RateLimitConfig struct {
	ID                string  `yaml:"id" toml:"id"`
	RequestsPerMinute float64 `yaml:"requestsPerMinute" toml:"requestsPerMinute"`
	RatePerSecond     float64 `yaml:"ratePerSecond" toml:"ratePerSecond"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

type ObservabilityConfig struct {
	ServiceName   string  `yaml:"serviceName" toml:"serviceName"`
	Metrics       bool    `yaml:"metrics" toml:"metrics"`
	Tracing       bool    `yaml:"tracing" toml:"tracing"`
	LogRequests   bool    `yaml:"logRequests" toml:"logRequests"`
	MetricsPrefix string  `yaml:"metricsPrefix" toml:"metricsPrefix"`
	SampleRatio   float64 `yaml:"sampleRatio" toml:"sampleRatio"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB" toml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups" toml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays" toml:"maxAgeDays"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

type SecurityConfig struct {
	AutoUpgradeHTTP bool     `yaml:"autoUpgradeHTTP" toml:"autoUpgradeHTTP"`
	AllowInsecure   bool     `yaml:"allowInsecure" toml:"allowInsecure"`
	TLSCertFile     string   `yaml:"tlsCertFile" toml:"tlsCertFile"`
	TLSKeyFile      string   `yaml:"tlsKeyFile" toml:"tlsKeyFile"`
	TLSClientCAFile string   `yaml:"tlsClientCAFile" toml:"tlsClientCAFile"`
	AllowedOrigins  []string `yaml:"allowedOrigins" toml:"allowedOrigins"`
}

type Config struct {
	ListenAddress    string              `yaml:"listen" toml:"listen"`
	ReadTimeout      time.Duration       `yaml:"readTimeout" toml:"readTimeout"`
	WriteTimeout     time.Duration       `yaml:"writeTimeout" toml:"writeTimeout"`
	IdleTimeout      time.Duration       `yaml:"idleTimeout" toml:"idleTimeout"`
	BootstrapTimeout time.Duration       `yaml:"bootstrapTimeout" toml:"bootstrapTimeout"`
	Backend          BackendConfig       `yaml:"backend" toml:"backend"`
	Session          SessionConfig       `yaml:"session" toml:"session"`
	Pages            []PageConfig        `yaml:"pages" toml:"pages"`
	Balances         BalancesConfig      `yaml:"balances" toml:"balances"`
	RateLimits       []RateLimitConfig   `yaml:"rateLimits" toml:"rateLimits"`
	Observability    ObservabilityConfig `yaml:"observability" toml:"observability"`
	Logging          LoggingConfig       `yaml:"logging" toml:"logging"`
	Security         SecurityConfig      `yaml:"security" toml:"security"`
}

var (
	ErrSessionSecretMissing = errors.New("session.secret must be set (or " + EnvSessionSecret + ")")
	ErrBackendURLMissing    = errors.New("backend.url must be set (or " + EnvBackendURL + ")")
)

// Defaults returns the configuration used before any file or environment
// overrides are applied.
func Defaults() Config {
	return Config{
		ListenAddress:    ":8080",
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     30 * time.Second,
		IdleTimeout:      120 * time.Second,
		BootstrapTimeout: 10 * time.Second,
		Backend: BackendConfig{
			Timeout: 5 * time.Second,
		},
		Session: SessionConfig{
			CookieNames:    []string{"__Secure-next-auth.session-token", "next-auth.session-token"},
			ClockSkew:      2 * time.Minute,
			RevocationPath: "data/revocations",
		},
		Pages: []PageConfig{{Name: "wallet", Path: "/wallet"}},
		Balances: BalancesConfig{
			Chain: ChainConfig{
				Kind:         ChainRPC,
				NativeMethod: "balances_free",
				AssetMethod:  "assets_balance",
				Timeout:      10 * time.Second,
			},
			IdleTTL: 15 * time.Minute,
		},
		Observability: ObservabilityConfig{
			ServiceName:   "myriad-gateway",
			Metrics:       true,
			Tracing:       true,
			LogRequests:   true,
			MetricsPrefix: "gateway",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the gateway configuration from path. YAML is assumed unless the
// file has a .toml extension. An empty path yields defaults plus environment
// overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvBackendURL); ok && strings.TrimSpace(v) != "" {
		cfg.Backend.URL = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvSessionSecret); ok && strings.TrimSpace(v) != "" {
		cfg.Session.Secret = v
	}
	if v, ok := lookup(EnvChainURL); ok && strings.TrimSpace(v) != "" {
		cfg.Balances.Chain.Endpoint = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvCacheDSN); ok && strings.TrimSpace(v) != "" {
		cfg.Balances.Cache.DSN = strings.TrimSpace(v)
	}
}

// applyDefaults backfills zero values left by a partial config file.
func (cfg *Config) applyDefaults() {
	defaults := Defaults()
	if cfg.BootstrapTimeout <= 0 {
		cfg.BootstrapTimeout = defaults.BootstrapTimeout
	}
	if cfg.Backend.Timeout <= 0 {
		cfg.Backend.Timeout = defaults.Backend.Timeout
	}
	if len(cfg.Session.CookieNames) == 0 {
		cfg.Session.CookieNames = defaults.Session.CookieNames
	}
	if cfg.Session.ClockSkew <= 0 {
		cfg.Session.ClockSkew = defaults.Session.ClockSkew
	}
	chain := &cfg.Balances.Chain
	chain.Kind = strings.ToLower(strings.TrimSpace(chain.Kind))
	if chain.Kind == "" {
		chain.Kind = ChainRPC
	}
	if chain.NativeMethod == "" {
		chain.NativeMethod = defaults.Balances.Chain.NativeMethod
	}
	if chain.AssetMethod == "" {
		chain.AssetMethod = defaults.Balances.Chain.AssetMethod
	}
	if chain.Timeout <= 0 {
		chain.Timeout = defaults.Balances.Chain.Timeout
	}
	if cfg.Balances.IdleTTL <= 0 {
		cfg.Balances.IdleTTL = defaults.Balances.IdleTTL
	}
	cfg.Balances.Cache.Driver = strings.ToLower(strings.TrimSpace(cfg.Balances.Cache.Driver))
}

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Session.Secret) == "" {
		return ErrSessionSecretMissing
	}
	if strings.TrimSpace(cfg.Backend.URL) == "" {
		return ErrBackendURLMissing
	}
	if _, err := parseAbsolute(cfg.Backend.URL); err != nil {
		return fmt.Errorf("backend.url: %w", err)
	}
	for i, name := range cfg.Session.CookieNames {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("session.cookieNames[%d] cannot be empty", i)
		}
	}
	if len(cfg.Pages) == 0 {
		return fmt.Errorf("at least one page must be configured")
	}
	seenPaths := make(map[string]struct{}, len(cfg.Pages))
	for i := range cfg.Pages {
		page := &cfg.Pages[i]
		page.Path = strings.TrimSpace(page.Path)
		page.Name = strings.TrimSpace(page.Name)
		if !strings.HasPrefix(page.Path, "/") {
			return fmt.Errorf("pages[%d].path must start with '/'", i)
		}
		if page.Path == "/" || page.Path == "/maintenance" {
			return fmt.Errorf("pages[%d].path %s would redirect to itself", i, page.Path)
		}
		if page.Name == "" {
			page.Name = strings.Trim(page.Path, "/")
		}
		if _, dup := seenPaths[page.Path]; dup {
			return fmt.Errorf("pages[%d].path %s is duplicated", i, page.Path)
		}
		seenPaths[page.Path] = struct{}{}
	}
	seenSymbols := make(map[string]struct{}, len(cfg.Balances.Tokens))
	for i := range cfg.Balances.Tokens {
		token := &cfg.Balances.Tokens[i]
		token.Symbol = strings.TrimSpace(token.Symbol)
		if token.Symbol == "" {
			return fmt.Errorf("balances.tokens[%d].symbol cannot be empty", i)
		}
		if token.Decimals < 0 || token.Decimals > 77 {
			return fmt.Errorf("balances.tokens[%d].decimals must be between 0 and 77", i)
		}
		key := strings.ToUpper(token.Symbol)
		if _, dup := seenSymbols[key]; dup {
			return fmt.Errorf("balances.tokens[%d].symbol %s is duplicated", i, token.Symbol)
		}
		seenSymbols[key] = struct{}{}
	}
	switch cfg.Balances.Chain.Kind {
	case ChainRPC, ChainEVM:
	default:
		return fmt.Errorf("balances.chain.kind %q is not supported", cfg.Balances.Chain.Kind)
	}
	if len(cfg.Balances.Tokens) > 0 && strings.TrimSpace(cfg.Balances.Chain.Endpoint) == "" {
		return fmt.Errorf("balances.chain.endpoint must be set when tokens are configured")
	}
	switch cfg.Balances.Cache.Driver {
	case CacheNone:
	case CacheSQLite, CachePostgres:
		if strings.TrimSpace(cfg.Balances.Cache.DSN) == "" {
			return fmt.Errorf("balances.cache.dsn must be set for driver %s", cfg.Balances.Cache.Driver)
		}
	default:
		return fmt.Errorf("balances.cache.driver %q is not supported", cfg.Balances.Cache.Driver)
	}
	if r := cfg.Observability.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("observability.sampleRatio must be within [0,1]")
	}
	return nil
}

// RateLimit returns the entry with the given id.
func (cfg Config) RateLimit(id string) (RateLimitConfig, bool) {
	for _, entry := range cfg.RateLimits {
		if entry.ID == id {
			return entry, true
		}
	}
	return RateLimitConfig{}, false
}

// PerSecond normalises the configured rate, preferring ratePerSecond.
func (r RateLimitConfig) PerSecond() float64 {
	if r.RatePerSecond > 0 {
		return r.RatePerSecond
	}
	if r.RequestsPerMinute > 0 {
		return r.RequestsPerMinute / 60.0
	}
	return 0
}

func parseAbsolute(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%q must be an absolute URL", raw)
	}
	return parsed, nil
}

// EnforceSecureScheme ensures the supplied URL uses HTTPS outside of the dev environment.
// If autoUpgrade is enabled, insecure HTTP URLs are transparently upgraded to HTTPS.
// The returned boolean indicates whether an upgrade occurred.
func EnforceSecureScheme(env string, target *url.URL, autoUpgrade bool) (*url.URL, bool, error) {
	if target == nil {
		return nil, false, fmt.Errorf("target URL is nil")
	}
	switch strings.ToLower(strings.TrimSpace(target.Scheme)) {
	case "https":
		return target, false, nil
	case "http":
		if IsDevEnv(env) {
			return target, false, nil
		}
		if autoUpgrade {
			upgraded := *target
			upgraded.Scheme = "https"
			return &upgraded, true, nil
		}
		if strings.TrimSpace(env) == "" {
			env = "(unset)"
		}
		return nil, false, fmt.Errorf("plaintext HTTP endpoints are not permitted for environment %s", env)
	case "":
		return nil, false, fmt.Errorf("URL scheme is required")
	default:
		return nil, false, fmt.Errorf("unsupported URL scheme %q", target.Scheme)
	}
}

// IsDevEnv reports whether env names the local development environment.
func IsDevEnv(env string) bool {
	return strings.EqualFold(strings.TrimSpace(env), "dev")
}
