package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.hubchat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds endpoint settings.
type ConfigDefault struct {
	BaseURL      string `toml:"base_url"`
	BrokerURL    string `toml:"broker_url"`
	HistoryLimit int    `toml:"history_limit"`
}

// ConfigAuth holds the bearer credential and the identity used when sending.
type ConfigAuth struct {
	Token     string `toml:"token"`
	UserName  string `toml:"user_name"`
	AvatarURL string `toml:"avatar_url"`
}

// envOverrides are applied on top of the file; empty values leave the file alone.
type envOverrides struct {
	BaseURL   string `env:"HUBCHAT_BASE_URL"`
	BrokerURL string `env:"HUBCHAT_BROKER_URL"`
	Token     string `env:"HUBCHAT_TOKEN"`
	UserName  string `env:"HUBCHAT_USER_NAME"`
	AvatarURL string `env:"HUBCHAT_AVATAR_URL"`
	LogLevel  string `env:"HUBCHAT_LOG_LEVEL" envDefault:"warn"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configPath locates config.toml under ~/.hubchat. The directory is created
// owner-only because the file holds the bearer token.
func configPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home: %w", err)
	}
	dir := filepath.Join(home, ".hubchat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig returns the stored settings, or an empty Config before the first
// "hubchat init". Unknown keys are an error.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	dec := toml.NewDecoder(f).DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// loadEffectiveConfig is loadConfig with HUBCHAT_* environment overrides applied.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	applyOverrides(cfg, ov)
	return cfg, nil
}

func applyOverrides(cfg *Config, ov envOverrides) {
	if ov.BaseURL != "" {
		cfg.Default.BaseURL = ov.BaseURL
	}
	if ov.BrokerURL != "" {
		cfg.Default.BrokerURL = ov.BrokerURL
	}
	if ov.Token != "" {
		cfg.Auth.Token = ov.Token
	}
	if ov.UserName != "" {
		cfg.Auth.UserName = ov.UserName
	}
	if ov.AvatarURL != "" {
		cfg.Auth.AvatarURL = ov.AvatarURL
	}
}

// saveConfig replaces the config file through a temp file and rename.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "broker_url":
			cfg.Default.BrokerURL = value
		case "history_limit":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("history_limit must be a non-negative integer")
			}
			cfg.Default.HistoryLimit = n
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_name":
			cfg.Auth.UserName = value
		case "avatar_url":
			cfg.Auth.AvatarURL = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Logging
// ============================================================================

var (
	logLevel string
	logJSON  bool
	logger   = zerolog.Nop()
)

// initLogger configures the CLI logger on stderr so it never mixes with command output.
func initLogger() error {
	level := logLevel
	if level == "" {
		var ov envOverrides
		if err := env.Parse(&ov); err != nil {
			return fmt.Errorf("parse env: %w", err)
		}
		level = ov.LogLevel
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	if logJSON {
		logger = zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}).Level(lvl).With().Timestamp().Logger()
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "hubchat",
	Short: "Productivity Hub chat CLI",
	Long:  "Command-line client for Productivity Hub project chat.\nRead history, follow a project's chat live and see who is typing.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogger()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default $HUBCHAT_LOG_LEVEL or warn)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
