package config

import (
	"encoding/json"
	"strings"
)

// RedactedValue replaces sensitive values in published configuration.
const RedactedValue = "***"

var sensitiveKeyPatterns = []string{"password", "token", "secret", "apikey", "api_key", "credential", "private_key"}

// IsSensitiveKey reports whether a key names a sensitive value. The check is
// case-insensitive.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, p := range sensitiveKeyPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Redact returns a deep copy of v with the string values of sensitive keys
// replaced. Secret references and non-string values pass through.
func Redact(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			if _, isString := val.(string); isString && IsSensitiveKey(k) {
				out[k] = RedactedValue
				continue
			}
			out[k] = Redact(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = Redact(val)
		}
		return out
	default:
		return v
	}
}

// Redacted returns the config as a generic JSON-shaped map with sensitive
// values redacted. DSNs are reduced to their scheme and host.
func (c *Config) Redacted() (map[string]any, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if dbs, ok := m["databases"].(map[string]any); ok {
		for _, raw := range dbs {
			if db, ok := raw.(map[string]any); ok {
				if dsn, ok := db["dsn"].(string); ok {
					db["dsn"] = redactDSN(dsn)
				}
			}
		}
	}
	return Redact(m).(map[string]any), nil
}

// redactDSN hides the userinfo part of a URL-style DSN.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return dsn
	}
	return scheme + "://" + RedactedValue + "@" + rest[at+1:]
}
