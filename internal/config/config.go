// Package config loads broker configuration from a YAML file and the
// environment, with env taking precedence. A fsnotify watcher supports
// hot reload of the log level.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the broker's runtime configuration.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// DataDir roots the persistence layout: tables/, registry/,
	// security/, permissions/, assets/.
	DataDir string `yaml:"dataDir"`

	// DashboardToken grants the dashboard role to the session that
	// presents it. Empty disables the dashboard.
	DashboardToken string `yaml:"dashboardToken"`

	// StrictOrigin disconnects sessions whose Origin header does not
	// reverse to the app namespace instead of just logging it.
	StrictOrigin bool `yaml:"strictOrigin"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Host:      "127.0.0.1",
		Port:      26423,
		DataDir:   defaultDataDir(),
		LogLevel:  "info",
		LogFormat: "auto",
	}
}

// Load reads the optional YAML file at path, then applies environment
// overrides. A missing file is not an error; defaults carry.
func Load(path string) (Config, error) {
	cfg := Default()

	// .env in the working directory, if present
	_ = godotenv.Load()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data directory is required")
	}
	return nil
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HUBBUB_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("HUBBUB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("HUBBUB_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("HUBBUB_DASHBOARD_TOKEN"); v != "" {
		cfg.DashboardToken = v
	}
	if v := os.Getenv("HUBBUB_STRICT_ORIGIN"); v != "" {
		cfg.StrictOrigin = parseBool(v)
	}
	if v := os.Getenv("HUBBUB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HUBBUB_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func defaultDataDir() string {
	if base, err := os.UserConfigDir(); err == nil {
		return filepath.Join(base, "hubbub")
	}
	return "./data"
}
