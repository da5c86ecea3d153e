package config

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvBackendURL, EnvSessionSecret, EnvChainURL, EnvCacheDSN} {
		t.Setenv(key, "")
	}
}

func TestLoadRequiresSessionSecret(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvBackendURL, "https://api.example.com")
	_, err := Load("")
	if !errors.Is(err, ErrSessionSecretMissing) {
		t.Fatalf("expected ErrSessionSecretMissing, got %v", err)
	}
}

func TestLoadDefaultsWithEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvBackendURL, "https://api.example.com")
	t.Setenv(EnvSessionSecret, "super-secret")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Backend.URL != "https://api.example.com" {
		t.Fatalf("unexpected backend url %q", cfg.Backend.URL)
	}
	if len(cfg.Pages) != 1 || cfg.Pages[0].Path != "/wallet" {
		t.Fatalf("expected default wallet page, got %+v", cfg.Pages)
	}
	if cfg.BootstrapTimeout != 10*time.Second {
		t.Fatalf("unexpected bootstrap timeout %s", cfg.BootstrapTimeout)
	}
	if cfg.Balances.Chain.Kind != ChainRPC || cfg.Balances.Chain.NativeMethod != "balances_free" {
		t.Fatalf("unexpected chain defaults %+v", cfg.Balances.Chain)
	}
	if len(cfg.Session.CookieNames) != 2 {
		t.Fatalf("expected both next-auth cookie names, got %v", cfg.Session.CookieNames)
	}
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "gateway.yaml", `
listen: ":9090"
bootstrapTimeout: 3s
backend:
  url: https://api.myriad.social
session:
  secret: yaml-secret
pages:
  - name: wallet
    path: /wallet
  - path: /settings
balances:
  chain:
    kind: RPC
    endpoint: wss://rpc.myriad.social
  tokens:
    - symbol: MYRIA
      decimals: 18
      description: Native token
    - symbol: AUSD
      contractRef: "1"
      decimals: 12
  idleTTL: 1m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":9090" || cfg.BootstrapTimeout != 3*time.Second {
		t.Fatalf("unexpected server settings %+v", cfg)
	}
	if cfg.Pages[1].Name != "settings" {
		t.Fatalf("expected page name derived from path, got %q", cfg.Pages[1].Name)
	}
	if cfg.Balances.Chain.Kind != ChainRPC {
		t.Fatalf("expected chain kind to be normalised, got %q", cfg.Balances.Chain.Kind)
	}
	if len(cfg.Balances.Tokens) != 2 || cfg.Balances.Tokens[1].ContractRef != "1" {
		t.Fatalf("unexpected tokens %+v", cfg.Balances.Tokens)
	}
	if cfg.Balances.IdleTTL != time.Minute {
		t.Fatalf("unexpected idle ttl %s", cfg.Balances.IdleTTL)
	}
}

func TestLoadTOML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "gateway.toml", `
listen = ":7070"
bootstrapTimeout = "4s"

[backend]
url = "https://api.myriad.social"

[session]
secret = "toml-secret"
cookieNames = ["next-auth.session-token"]

[balances.chain]
kind = "evm"
endpoint = "https://rpc.example.org"

[[balances.tokens]]
symbol = "ETH"
decimals = 18

[balances.cache]
driver = "sqlite"
dsn = "file::memory:"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":7070" || cfg.BootstrapTimeout != 4*time.Second {
		t.Fatalf("unexpected server settings %+v", cfg)
	}
	if cfg.Balances.Chain.Kind != ChainEVM || cfg.Balances.Cache.Driver != CacheSQLite {
		t.Fatalf("unexpected balances config %+v", cfg.Balances)
	}
	if len(cfg.Session.CookieNames) != 1 {
		t.Fatalf("expected cookie names override, got %v", cfg.Session.CookieNames)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvBackendURL, "https://override.example.com")
	path := writeConfig(t, "gateway.yaml", "backend:\n  url: https://file.example.com\nsession:\n  secret: s\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Backend.URL != "https://override.example.com" {
		t.Fatalf("expected env override, got %q", cfg.Backend.URL)
	}
}

func TestValidateRejectsInvalidSettings(t *testing.T) {
	cases := map[string]func(*Config){
		"relative backend": func(c *Config) { c.Backend.URL = "api.example.com" },
		"page without slash": func(c *Config) {
			c.Pages = []PageConfig{{Path: "wallet"}}
		},
		"page shadows redirect": func(c *Config) {
			c.Pages = []PageConfig{{Path: "/maintenance"}}
		},
		"duplicate page": func(c *Config) {
			c.Pages = []PageConfig{{Path: "/wallet"}, {Path: "/wallet"}}
		},
		"duplicate token": func(c *Config) {
			c.Balances.Chain.Endpoint = "http://localhost:9944"
			c.Balances.Tokens = []TokenConfig{{Symbol: "MYRIA"}, {Symbol: "myria"}}
		},
		"tokens without endpoint": func(c *Config) {
			c.Balances.Tokens = []TokenConfig{{Symbol: "MYRIA"}}
		},
		"unknown chain": func(c *Config) { c.Balances.Chain.Kind = "cosmos" },
		"cache without dsn": func(c *Config) {
			c.Balances.Cache.Driver = CachePostgres
		},
		"sample ratio": func(c *Config) { c.Observability.SampleRatio = 2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Backend.URL = "https://api.example.com"
			cfg.Session.Secret = "secret"
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestRateLimitPerSecond(t *testing.T) {
	if got := (RateLimitConfig{RequestsPerMinute: 120}).PerSecond(); got != 2 {
		t.Fatalf("expected 2 rps, got %v", got)
	}
	if got := (RateLimitConfig{RatePerSecond: 5, RequestsPerMinute: 120}).PerSecond(); got != 5 {
		t.Fatalf("expected explicit rate to win, got %v", got)
	}
}

func TestEnforceSecureScheme(t *testing.T) {
	target, _ := url.Parse("http://api.example.com")
	if _, _, err := EnforceSecureScheme("prod", target, false); err == nil || !strings.Contains(err.Error(), "prod") {
		t.Fatalf("expected plaintext rejection, got %v", err)
	}
	upgraded, ok, err := EnforceSecureScheme("prod", target, true)
	if err != nil || !ok || upgraded.Scheme != "https" {
		t.Fatalf("expected upgrade, got %v %v %v", upgraded, ok, err)
	}
	if _, ok, err := EnforceSecureScheme("dev", target, true); err != nil || ok {
		t.Fatalf("expected dev passthrough, got %v %v", ok, err)
	}
}
