// Package config loads the instance configuration file: settings, database
// definitions, allow blocks, canned queries and per-plugin configuration.
package config

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gosette/gosette/pkg/cache"
	"github.com/gosette/gosette/pkg/events"
)

// maxConfigFileSize is the maximum allowed config file size (1 MiB).
const maxConfigFileSize = 1 << 20

var (
	// ErrFileTooLarge is returned when a config file exceeds maxConfigFileSize.
	ErrFileTooLarge = errors.New("config file exceeds maximum allowed size (1 MiB)")
	// ErrPathTraversal is returned when a config file path contains "..".
	ErrPathTraversal = errors.New("config file path contains path traversal")
)

// Config is the parsed configuration file.
type Config struct {
	Settings    Settings                  `yaml:"settings" json:"settings"`
	Databases   map[string]DatabaseConfig `yaml:"databases" json:"databases,omitempty"`
	Plugins     map[string]map[string]any `yaml:"plugins" json:"plugins,omitempty"`
	Permissions PermissionsConfig         `yaml:"permissions" json:"permissions"`
	// Allow restricts view-instance. AllowSQL restricts execute-sql.
	Allow    any           `yaml:"allow" json:"allow,omitempty"`
	AllowSQL any           `yaml:"allow_sql" json:"allow_sql,omitempty"`
	CORS     CORSConfig    `yaml:"cors" json:"cors"`
	Cache    cache.Config  `yaml:"cache" json:"cache"`
	Events   events.Config `yaml:"events" json:"events"`
}

// DatabaseConfig configures one attached database.
type DatabaseConfig struct {
	// DSN is a file path for SQLite or a postgres:// / mysql:// URL.
	DSN       string                    `yaml:"dsn" json:"dsn"`
	Type      string                    `yaml:"type" json:"type,omitempty"`
	Immutable bool                      `yaml:"immutable" json:"immutable,omitempty"`
	Allow     any                       `yaml:"allow" json:"allow,omitempty"`
	AllowSQL  any                       `yaml:"allow_sql" json:"allow_sql,omitempty"`
	Tables    map[string]TableConfig    `yaml:"tables" json:"tables,omitempty"`
	Queries   map[string]QueryConfig    `yaml:"queries" json:"queries,omitempty"`
	Plugins   map[string]map[string]any `yaml:"plugins" json:"plugins,omitempty"`
}

// TableConfig configures one table.
type TableConfig struct {
	Allow   any                       `yaml:"allow" json:"allow,omitempty"`
	Hidden  bool                      `yaml:"hidden" json:"hidden,omitempty"`
	Plugins map[string]map[string]any `yaml:"plugins" json:"plugins,omitempty"`
}

// QueryConfig is a canned query.
type QueryConfig struct {
	SQL               string   `yaml:"sql" json:"sql"`
	Title             string   `yaml:"title" json:"title,omitempty"`
	Description       string   `yaml:"description" json:"description,omitempty"`
	Write             bool     `yaml:"write" json:"write,omitempty"`
	Params            []string `yaml:"params" json:"params,omitempty"`
	Allow             any      `yaml:"allow" json:"allow,omitempty"`
	OnSuccessMessage  string   `yaml:"on_success_message" json:"on_success_message,omitempty"`
	OnSuccessRedirect string   `yaml:"on_success_redirect" json:"on_success_redirect,omitempty"`
	OnErrorMessage    string   `yaml:"on_error_message" json:"on_error_message,omitempty"`
	OnErrorRedirect   string   `yaml:"on_error_redirect" json:"on_error_redirect,omitempty"`
}

// UnmarshalYAML accepts either a bare SQL string or a mapping.
func (q *QueryConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		q.SQL = node.Value
		return nil
	}
	type plain QueryConfig
	return node.Decode((*plain)(q))
}

// PermissionsConfig overrides per-action defaults. Allow maps an action to
// an allow block applied instance-wide.
type PermissionsConfig struct {
	Defaults map[string]bool `yaml:"defaults" json:"defaults,omitempty"`
	Allow    map[string]any  `yaml:"allow" json:"allow,omitempty"`
}

// CORSConfig configures cross-origin access.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins,omitempty"`
	MaxAge         int      `yaml:"max_age" json:"max_age,omitempty"`
}

// Default returns an empty configuration with default settings.
func Default() *Config {
	return &Config{
		Settings:  DefaultSettings(),
		Databases: map[string]DatabaseConfig{},
		Plugins:   map[string]map[string]any{},
		CORS:      CORSConfig{AllowedOrigins: []string{"*"}, MaxAge: 300},
		Cache:     cache.DefaultConfig(),
		Events:    events.DefaultConfig(),
	}
}

// Load reads a YAML config file and returns the parsed config together with
// a version string (SHA-256 hex digest of the raw file bytes).
func Load(path string) (*Config, string, error) {
	if err := validatePath(path); err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if int64(len(data)) > maxConfigFileSize {
		return nil, "", fmt.Errorf("config: %s: %w", path, ErrFileTooLarge)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return cfg, hashBytes(data), nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.Databases == nil {
		cfg.Databases = map[string]DatabaseConfig{}
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]map[string]any{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var problems []string
	for name, db := range c.Databases {
		if name == "" || strings.HasPrefix(name, "_") {
			problems = append(problems, fmt.Sprintf("database name %q is reserved", name))
		}
		if strings.ContainsAny(name, "/.") {
			problems = append(problems, fmt.Sprintf("database name %q may not contain '/' or '.'", name))
		}
		switch db.Type {
		case "", "sqlite", "postgres", "mysql":
		default:
			problems = append(problems, fmt.Sprintf("database %q: unknown type %q", name, db.Type))
		}
		for qname, q := range db.Queries {
			if strings.TrimSpace(q.SQL) == "" {
				problems = append(problems, fmt.Sprintf("database %q query %q: sql is required", name, qname))
			}
		}
	}
	if c.Settings.MaxReturnedRows < 0 || c.Settings.DefaultPageSize <= 0 {
		problems = append(problems, "settings: page sizes must be positive")
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// DatabaseNames returns the configured database names, sorted.
func (c *Config) DatabaseNames() []string {
	out := make([]string, 0, len(c.Databases))
	for name := range c.Databases {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// PluginConfig returns the raw configuration block for a plugin, looking at
// table, then database, then instance level. database and table may be empty.
func (c *Config) PluginConfig(plugin, database, table string) map[string]any {
	if database != "" {
		if db, ok := c.Databases[database]; ok {
			if table != "" {
				if t, ok := db.Tables[table]; ok {
					if pc, ok := t.Plugins[plugin]; ok {
						return pc
					}
				}
			}
			if pc, ok := db.Plugins[plugin]; ok {
				return pc
			}
		}
	}
	return c.Plugins[plugin]
}

func validatePath(path string) error {
	for _, part := range strings.Split(filepath.ToSlash(filepath.Clean(path)), "/") {
		if part == ".." {
			return ErrPathTraversal
		}
	}
	return nil
}

func hashBytes(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}
