package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// Keys that carry no secret material and may be emitted verbatim through
// MaskField. Everything else is masked.
var redactionAllowlist = map[string]struct{}{
	"addr":        {},
	"component":   {},
	"env":         {},
	"error":       {},
	"message":     {},
	"railbaseurl": {},
	"remote":      {},
	"route":       {},
	"service":     {},
	"severity":    {},
	"status":      {},
	"timestamp":   {},
	"transaction": {},
}

// IsAllowlisted reports whether the key is exempt from masking.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// Allowlist returns the sorted set of keys exempt from masking.
func Allowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue redacts non-empty values. Empty strings pass through so absent
// configuration stays visible as absent.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a slog.Attr whose value is redacted unless the key is
// allowlisted. Key casing is preserved.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskTail redacts all but the last four characters, enough to correlate
// an API key against a provider dashboard without logging the secret.
// Short values are fully redacted.
func MaskTail(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	if len(value) <= 8 {
		return slog.String(key, RedactedValue)
	}
	return slog.String(key, RedactedValue+value[len(value)-4:])
}
