package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"myriadweb/gateway/config"
	"myriadweb/gateway/routes"
	"myriadweb/observability/logging"
)

func TestIsLoopbackAddress(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:8080": true,
		"[::1]:8080":     true,
		"localhost:80":   true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"10.0.0.4:8080":  false,
		"not-an-address": false,
	}
	for addr, want := range cases {
		require.Equal(t, want, isLoopbackAddress(addr), addr)
	}
}

func TestResolveTLSPath(t *testing.T) {
	require.Equal(t, "", resolveTLSPath("/etc/gateway", "  "))
	require.Equal(t, "cert.pem", resolveTLSPath("", "cert.pem"))
	require.Equal(t, filepath.Join("/etc/gateway", "tls", "cert.pem"), resolveTLSPath("/etc/gateway", "tls/cert.pem"))
	require.Equal(t, "/abs/cert.pem", resolveTLSPath("/etc/gateway", "/abs/cert.pem"))
}

func TestBuildTLSConfigRequiresPair(t *testing.T) {
	tlsCfg, err := buildTLSConfig("", config.SecurityConfig{})
	require.NoError(t, err)
	require.Nil(t, tlsCfg)

	_, err = buildTLSConfig("", config.SecurityConfig{TLSCertFile: "cert.pem"})
	require.Error(t, err)
}

func TestRateLimitsDefaults(t *testing.T) {
	limits := rateLimits(nil)
	require.Contains(t, limits, routes.LimitPages)
	require.Contains(t, limits, routes.LimitBalances)
	require.Contains(t, limits, routes.LimitBackend)

	limits = rateLimits([]config.RateLimitConfig{{ID: "pages", RatePerSecond: 3, Burst: 6}, {RatePerSecond: 1}})
	require.Len(t, limits, 1)
	require.Equal(t, 6, limits["pages"].Burst)
}

func TestOriginPatterns(t *testing.T) {
	patterns := originPatterns([]string{"https://app.myriad.social", " ", "*.myriad.social"})
	require.Equal(t, []string{"app.myriad.social", "*.myriad.social"}, patterns)
}

func TestBuildQuerierRejectsUnknownKind(t *testing.T) {
	_, _, err := buildQuerier("dev", config.ChainConfig{Kind: "carrier-pigeon", Endpoint: "http://localhost:9933"}, false, nil)
	require.Error(t, err)
}

func TestBuildQuerierRPC(t *testing.T) {
	querier, closeFn, err := buildQuerier("dev", config.ChainConfig{Kind: config.ChainRPC, Endpoint: "http://localhost:9933"}, false, logging.Discard())
	require.NoError(t, err)
	require.NotNil(t, querier)
	closeFn()
}
