package cache

import "time"

// Config holds configuration for the caching layer.
type Config struct {
	// Enabled controls whether caching is active. When false the manager is
	// nil and every request passes through.
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// IntrospectionTTL is the TTL for /-/plugins.json and /-/actions.json.
	IntrospectionTTL time.Duration `mapstructure:"introspection_ttl" yaml:"introspection_ttl" json:"introspection_ttl"`

	// PermissionTTL is how long a permission decision is reused.
	PermissionTTL time.Duration `mapstructure:"permission_ttl" yaml:"permission_ttl" json:"permission_ttl"`

	// MaxSize is the maximum number of entries per cache instance.
	MaxSize int `mapstructure:"max_size" yaml:"max_size" json:"max_size"`
}

// DefaultConfig returns the default cache settings.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		IntrospectionTTL: 60 * time.Second,
		PermissionTTL:    30 * time.Second,
		MaxSize:          1000,
	}
}
