package config

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable the binary reads.
const EnvPrefix = "GOSETTE"

// NewViper returns a viper instance reading GOSETTE_* variables, with "."
// and "-" in keys mapped to "_".
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyEnv overlays GOSETTE_SETTINGS_<NAME> values from v onto s. A nil v
// reads the process environment.
func ApplyEnv(s *Settings, v *viper.Viper) error {
	if v == nil {
		v = NewViper()
	}
	for _, name := range SettingNames() {
		key := "settings." + name
		if !v.IsSet(key) {
			continue
		}
		if err := s.Set(name, v.GetString(key)); err != nil {
			return err
		}
	}
	return nil
}
