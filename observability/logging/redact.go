package logging

import (
	"log/slog"
	"net/url"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// Keys mintd may log verbatim. Anything else passed through MaskField is
// treated as a secret.
var plainKeys = map[string]struct{}{
	"component":  {},
	"day":        {},
	"driver":     {},
	"env":        {},
	"error":      {},
	"oracle":     {},
	"owner":      {},
	"operator":   {},
	"service":    {},
	"subscriber": {},
	"vault":      {},
}

// IsAllowlisted reports whether key may be logged without masking.
func IsAllowlisted(key string) bool {
	_, ok := plainKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist returns the sorted plain keys.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(plainKeys))
	for key := range plainKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue hides non-empty values.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField logs value under key, masked unless key is allowlisted. Empty
// values are kept so unset settings stay visible as unset.
func MaskField(key, value string) slog.Attr {
	if IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}

// MaskURL keeps the scheme, host and path of raw and drops credentials, the
// query and the fragment. Values that do not parse as absolute URLs are masked
// whole.
func MaskURL(key, raw string) slog.Attr {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return slog.String(key, raw)
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return slog.String(key, RedactedValue)
	}
	clean := url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path}
	if u.User != nil {
		clean.User = url.User("redacted")
	}
	if u.RawQuery != "" {
		clean.RawQuery = "redacted"
	}
	return slog.String(key, clean.String())
}
