// Package config loads daemon settings from a YAML file and the
// MAILBRIDGE_* environment, with sensible defaults for a local run.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full daemon configuration.
type Config struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	ProvidersFile   string        `mapstructure:"providers_file"`
	CachePath       string        `mapstructure:"cache_path"`

	Vault VaultConfig `mapstructure:"vault"`
	Log   LogConfig   `mapstructure:"log"`
}

// VaultConfig selects and parameterizes the credential store backend.
type VaultConfig struct {
	// Backend is "keyring" (OS credential store) or "memory" (ephemeral,
	// for development).
	Backend      string `mapstructure:"backend"`
	ServiceName  string `mapstructure:"service_name"`
	FileDir      string `mapstructure:"file_dir"`
	FilePassword string `mapstructure:"file_password"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration. path may be empty, in which case the default
// locations are searched and missing files are fine.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", "127.0.0.1:8420")
	v.SetDefault("refresh_interval", "15m")
	v.SetDefault("providers_file", "")
	v.SetDefault("cache_path", defaultCachePath())
	v.SetDefault("vault.backend", "keyring")
	v.SetDefault("vault.service_name", "mailbridge")
	v.SetDefault("vault.file_dir", defaultVaultDir())
	v.SetDefault("vault.file_password", "mailbridge-file-key")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetEnvPrefix("MAILBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %q: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "mailbridge"))
		}
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mailbridge.db"
	}
	return filepath.Join(home, ".local", "share", "mailbridge", "messages.db")
}

func defaultVaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailbridge-credentials"
	}
	return filepath.Join(home, ".config", "mailbridge", "credentials")
}
