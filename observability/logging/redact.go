package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces credentials in log output.
const RedactedValue = "[REDACTED]"

// plainKeys name attributes that never hold a session token or cookie. Any
// other key routed through MaskField is logged redacted.
var plainKeys = map[string]bool{
	"service":   true,
	"env":       true,
	"message":   true,
	"severity":  true,
	"timestamp": true,
	"error":     true,
	"reason":    true,
	"component": true,
	"page":      true,
	"path":      true,
	"slice":     true,
	"symbol":    true,
	"identity":  true,
}

// MaskField logs value under key unless key may carry a credential.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || plainKeys[strings.ToLower(strings.TrimSpace(key))] {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// ShortAddress trims a wallet address to its head and tail for log lines.
func ShortAddress(address string) string {
	trimmed := strings.TrimSpace(address)
	if len(trimmed) <= 12 {
		return trimmed
	}
	return trimmed[:6] + "…" + trimmed[len(trimmed)-4:]
}
