package logwarden

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the agent's local configuration. It loads from an optional
// YAML file and from LOGWARDEN_-prefixed environment variables, with
// the environment taking precedence. Backend-controlled knobs
// (snapshot interval, flush threshold) are layered on top at runtime.
type Config struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	BackendEndpoint string `mapstructure:"backend_endpoint"`
	Token           string `mapstructure:"token"`

	// StatePath is the SQLite file for accepted records and cursor
	// positions. Empty runs the agent with in-memory cursors only.
	StatePath string `mapstructure:"state_path"`

	FetchTimeout         time.Duration `mapstructure:"fetch_timeout"`
	SnapshotInterval     time.Duration `mapstructure:"snapshot_interval"`
	StateControlInterval time.Duration `mapstructure:"state_control_interval"`
	LogsControlInterval  time.Duration `mapstructure:"logs_control_interval"`

	LogLevel string `mapstructure:"log_level"`
}

// LoadConfig loads configuration from the given file (optional; empty
// means env and defaults only).
func LoadConfig(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":7155")
	v.SetDefault("fetch_timeout", 30*time.Second)
	v.SetDefault("snapshot_interval", time.Minute)
	v.SetDefault("state_control_interval", 30*time.Second)
	v.SetDefault("logs_control_interval", 5*time.Minute)
	v.SetDefault("log_level", "info")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("LOGWARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"listen_addr", "backend_endpoint", "token", "state_path",
		"fetch_timeout", "snapshot_interval", "state_control_interval",
		"logs_control_interval", "log_level",
	} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields the agent cannot run without.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.BackendEndpoint == "" {
		return fmt.Errorf("backend_endpoint is required")
	}
	if !strings.HasSuffix(c.BackendEndpoint, "/") {
		return fmt.Errorf("backend_endpoint must end with a trailing slash")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch_timeout must be positive")
	}
	if c.StateControlInterval <= 0 || c.LogsControlInterval <= 0 {
		return fmt.Errorf("control intervals must be positive")
	}
	return nil
}
