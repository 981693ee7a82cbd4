package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.threadsync/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Auth     ConfigAuth     `toml:"auth"`
	Realtime ConfigRealtime `toml:"realtime"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	Environment string `toml:"environment"`
	BaseURL     string `toml:"base_url"`
	LogLevel    string `toml:"log_level"`
}

// ConfigAuth holds the session.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
}

// ConfigRealtime selects the push transport: websocket (default), sse or nats.
type ConfigRealtime struct {
	Transport  string `toml:"transport"`
	NATSURL    string `toml:"nats_url"`
	NATSPrefix string `toml:"nats_prefix"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.threadsync, creating it if needed.
// THREADSYNC_CONFIG_DIR overrides the location.
func configDir() (string, error) {
	dir := os.Getenv("THREADSYNC_CONFIG_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "cannot determine home directory")
		}
		dir = filepath.Join(home, ".threadsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.Wrap(err, "cannot create config directory")
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, errors.Wrap(err, "cannot read config")
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "cannot parse config")
	}
	return &cfg, nil
}

// loadEffectiveConfig is loadConfig with environment overrides applied.
// A .env file in the working directory is read first if present.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "cannot read .env")
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("THREADSYNC_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("THREADSYNC_BASE_URL"); v != "" {
		cfg.Default.BaseURL = v
	}
	if v := os.Getenv("THREADSYNC_NATS_URL"); v != "" {
		cfg.Realtime.NATSURL = v
	}
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "cannot marshal config")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "cannot write config")
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return errors.New("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "environment":
			cfg.Default.Environment = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return errors.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		default:
			return errors.Errorf("unknown field %q in section [auth]", field)
		}
	case "realtime":
		switch field {
		case "transport":
			switch value {
			case "", "websocket", "sse", "nats":
			default:
				return errors.Errorf("unknown transport %q (valid: websocket, sse, nats)", value)
			}
			cfg.Realtime.Transport = value
		case "nats_url":
			cfg.Realtime.NATSURL = value
		case "nats_prefix":
			cfg.Realtime.NATSPrefix = value
		default:
			return errors.Errorf("unknown field %q in section [realtime]", field)
		}
	default:
		return errors.Errorf("unknown config section %q (valid: default, auth, realtime)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	logLevel   string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "threadsync",
	Short:         "Thread and message sync CLI",
	Long:          "Command-line client for threadsync: browse threads, send messages and follow realtime events.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides default.log_level")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
