package config

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// SecretRef points at a secret held outside the config file: either an
// environment variable ({"$env": "NAME"}) or a file ({"$file": "/path"}).
type SecretRef struct {
	Env  string
	File string
}

// SecretResolver turns a SecretRef into its value.
type SecretResolver interface {
	Resolve(ctx context.Context, ref SecretRef) (string, error)
}

// LocalResolver reads secrets from the process environment and the local
// filesystem.
type LocalResolver struct{}

// Resolve implements SecretResolver.
func (LocalResolver) Resolve(_ context.Context, ref SecretRef) (string, error) {
	switch {
	case ref.Env != "":
		v, ok := os.LookupEnv(ref.Env)
		if !ok {
			return "", fmt.Errorf("environment variable %s is not set", ref.Env)
		}
		return v, nil
	case ref.File != "":
		data, err := os.ReadFile(ref.File)
		if err != nil {
			return "", fmt.Errorf("failed to read secret file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	default:
		return "", fmt.Errorf("empty secret reference")
	}
}

// IsSecretRef checks whether a value is a single-key {"$env": ...} or
// {"$file": ...} mapping.
func IsSecretRef(v any) (SecretRef, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return SecretRef{}, false
	}
	if s, ok := m["$env"].(string); ok && s != "" {
		return SecretRef{Env: s}, true
	}
	if s, ok := m["$file"].(string); ok && s != "" {
		return SecretRef{File: s}, true
	}
	return SecretRef{}, false
}

// ResolveSecretRefs returns a deep copy of props with every secret reference
// replaced by its value. props is not modified. A nil resolver uses
// LocalResolver.
func ResolveSecretRefs(ctx context.Context, props map[string]any, resolver SecretResolver) (map[string]any, error) {
	if props == nil {
		return nil, nil
	}
	if resolver == nil {
		resolver = LocalResolver{}
	}
	out, err := resolveValue(ctx, props, resolver, "")
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func resolveValue(ctx context.Context, v any, resolver SecretResolver, path string) (any, error) {
	if ref, ok := IsSecretRef(v); ok {
		s, err := resolver.Resolve(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve secret for %q: %w", path, err)
		}
		return s, nil
	}
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			r, err := resolveValue(ctx, val, resolver, joinPath(path, k))
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			r, err := resolveValue(ctx, val, resolver, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
