package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder emitted in place of secret material.
const RedactedValue = "[REDACTED]"

// secretKeys are log keys whose values must never appear in clear text.
// Peer fingerprints are public identities and are logged as-is; the secrets
// they are derived from, and the shared network secret, are not.
var secretKeys = map[string]struct{}{
	"network_secret": {},
	"secret":         {},
	"session_key":    {},
	"token":          {},
}

// IsSecretKey reports whether values under the key must be masked.
func IsSecretKey(key string) bool {
	_, ok := secretKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns a slog.Attr for the key, masking the value when the key
// names secret material. Empty values pass through so absent config reads as
// absent rather than redacted.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSecretKey(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
