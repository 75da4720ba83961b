// Package redact strips credentials from values before they are logged or
// posted to an operator room.
//
// Builder containers receive storage credentials through their environment,
// and create errors or debug logs that echo a ContainerSpec would otherwise
// leak them. Redaction is best-effort and keyed on variable names.
package redact

import (
	"strings"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Env returns a copy of a KEY=VALUE environment list with the values of
// sensitive-looking keys replaced.
func Env(env []string) []string {
	out := make([]string, len(env))
	for i, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if ok && v != "" && isSensitiveKey(k) {
			out[i] = k + "=" + placeholder
			continue
		}
		out[i] = kv
	}
	return out
}

// isSensitiveKey returns true when the key name suggests it holds a secret.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "access_key", "deploykey", "credential", "auth"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
