package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// secretMarkers match attribute keys that carry credentials. A bare "token"
// key is left alone because the keeper logs mint addresses under it.
var secretMarkers = []string{"_token", "secret", "password", "authorization", "private_key", "webhook_url"}

// IsSecretKey reports whether values logged under key are masked.
func IsSecretKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	for _, marker := range secretMarkers {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}

// MaskField masks value regardless of key. URLs keep their scheme and host so
// the configured endpoint stays recognisable; webhook providers embed tokens
// in the path and query, so everything past the host is dropped.
func MaskField(key, value string) slog.Attr {
	return slog.String(key, maskValue(value))
}

func maskValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return value
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return RedactedValue
	}
	origin := u.Scheme + "://" + u.Host
	if u.User == nil && strings.Trim(u.Path, "/") == "" && u.RawQuery == "" {
		return origin
	}
	return origin + "/" + RedactedValue
}

// redactAttr masks string values logged under secret keys.
func redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() != slog.KindString || !IsSecretKey(attr.Key) {
		return attr
	}
	return slog.String(attr.Key, maskValue(attr.Value.String()))
}
