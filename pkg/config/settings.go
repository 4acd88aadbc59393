package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Settings are instance-wide tunables, settable from the config file,
// --setting flags and GOSETTE_SETTINGS_* environment variables.
type Settings struct {
	DefaultPageSize  int    `yaml:"default_page_size" json:"default_page_size" mapstructure:"default_page_size"`
	MaxReturnedRows  int    `yaml:"max_returned_rows" json:"max_returned_rows" mapstructure:"max_returned_rows"`
	SQLTimeLimitMs   int    `yaml:"sql_time_limit_ms" json:"sql_time_limit_ms" mapstructure:"sql_time_limit_ms"`
	MaxInsertRows    int    `yaml:"max_insert_rows" json:"max_insert_rows" mapstructure:"max_insert_rows"`
	DefaultAllowSQL  bool   `yaml:"default_allow_sql" json:"default_allow_sql" mapstructure:"default_allow_sql"`
	AllowSignedToken bool   `yaml:"allow_signed_tokens" json:"allow_signed_tokens" mapstructure:"allow_signed_tokens"`
	MaxTokenTTL      int    `yaml:"max_signed_tokens_ttl" json:"max_signed_tokens_ttl" mapstructure:"max_signed_tokens_ttl"`
	DefaultCacheTTL  int    `yaml:"default_cache_ttl" json:"default_cache_ttl" mapstructure:"default_cache_ttl"`
	BaseURL          string `yaml:"base_url" json:"base_url" mapstructure:"base_url"`
	ForceHTTPSURLs   bool   `yaml:"force_https_urls" json:"force_https_urls" mapstructure:"force_https_urls"`
	TruncateCells    int    `yaml:"truncate_cells_html" json:"truncate_cells_html" mapstructure:"truncate_cells_html"`
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		DefaultPageSize:  100,
		MaxReturnedRows:  1000,
		SQLTimeLimitMs:   1000,
		MaxInsertRows:    100,
		DefaultAllowSQL:  true,
		AllowSignedToken: true,
		MaxTokenTTL:      0,
		DefaultCacheTTL:  5,
		BaseURL:          "/",
		TruncateCells:    2048,
	}
}

// SettingNames lists every setting key, sorted.
func SettingNames() []string {
	out := make([]string, 0, len(settingFields))
	for name := range settingFields {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type settingField struct {
	intp  func(*Settings) *int
	boolp func(*Settings) *bool
	strp  func(*Settings) *string
}

var settingFields = map[string]settingField{
	"default_page_size":     {intp: func(s *Settings) *int { return &s.DefaultPageSize }},
	"max_returned_rows":     {intp: func(s *Settings) *int { return &s.MaxReturnedRows }},
	"sql_time_limit_ms":     {intp: func(s *Settings) *int { return &s.SQLTimeLimitMs }},
	"max_insert_rows":       {intp: func(s *Settings) *int { return &s.MaxInsertRows }},
	"max_signed_tokens_ttl": {intp: func(s *Settings) *int { return &s.MaxTokenTTL }},
	"default_cache_ttl":     {intp: func(s *Settings) *int { return &s.DefaultCacheTTL }},
	"truncate_cells_html":   {intp: func(s *Settings) *int { return &s.TruncateCells }},
	"default_allow_sql":     {boolp: func(s *Settings) *bool { return &s.DefaultAllowSQL }},
	"allow_signed_tokens":   {boolp: func(s *Settings) *bool { return &s.AllowSignedToken }},
	"force_https_urls":      {boolp: func(s *Settings) *bool { return &s.ForceHTTPSURLs }},
	"base_url":              {strp: func(s *Settings) *string { return &s.BaseURL }},
}

// Set assigns a setting from its string form.
func (s *Settings) Set(name, value string) error {
	f, ok := settingFields[name]
	if !ok {
		return fmt.Errorf("unknown setting %q", name)
	}
	switch {
	case f.intp != nil:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("setting %s: %q is not an integer", name, value)
		}
		if n < 0 {
			return fmt.Errorf("setting %s: must not be negative", name)
		}
		*f.intp(s) = n
	case f.boolp != nil:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("setting %s: %q is not a boolean", name, value)
		}
		*f.boolp(s) = b
	default:
		*f.strp(s) = value
	}
	return nil
}

// ApplyPairs applies "name=value" or "name value" overrides in order.
func (s *Settings) ApplyPairs(pairs []string) error {
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			name, value, ok = strings.Cut(pair, " ")
		}
		if !ok {
			return fmt.Errorf("setting %q must look like name=value", pair)
		}
		if err := s.Set(strings.TrimSpace(name), strings.TrimSpace(value)); err != nil {
			return err
		}
	}
	return nil
}

// Map returns the settings keyed by name.
func (s Settings) Map() map[string]any {
	out := make(map[string]any, len(settingFields))
	for name, f := range settingFields {
		switch {
		case f.intp != nil:
			out[name] = *f.intp(&s)
		case f.boolp != nil:
			out[name] = *f.boolp(&s)
		default:
			out[name] = *f.strp(&s)
		}
	}
	return out
}
