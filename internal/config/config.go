// Package config provides configuration for the harness and the collab service.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/wyn/collab/internal/domain"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "COLLAB_"

// DefaultFile is looked up in the working directory when no file is given.
const DefaultFile = "collab.yaml"

// Config holds the harness and service configuration.
type Config struct {
	// Connection settings
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	Identity   string `koanf:"identity"`
	Credential string `koanf:"credential"`
	WSPath     string `koanf:"ws_path"`

	// Transport settings
	DialTimeout      time.Duration `koanf:"dial_timeout"`
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
	PingInterval     time.Duration `koanf:"ping_interval"`
	WriteTimeout     time.Duration `koanf:"write_timeout"`
	ReadTimeout      time.Duration `koanf:"read_timeout"`
	MaxMessageSize   int64         `koanf:"max_message_size"`
	SendBuffer       int           `koanf:"send_buffer"`

	// Run settings
	NumberRuns         int           `koanf:"number_runs"`
	MaxActiveRuns      int           `koanf:"max_active_runs"` // 0 = unbounded
	MaxNumberRuns      int           `koanf:"max_number_runs"`
	StallTimeout       time.Duration `koanf:"stall_timeout"` // 0 = disabled
	StallCheckInterval time.Duration `koanf:"stall_check_interval"`
	PolicyFile         string        `koanf:"policy_file"` // empty = built-in policy

	// History
	HistoryDB string `koanf:"history_db"` // empty = disabled

	// Service settings (collabd)
	ListenPort       int           `koanf:"listen_port"`
	APIUsers         []User        `koanf:"api_users"` // empty accepts anyone
	ProgressInterval time.Duration `koanf:"progress_interval"`
	ProgressStep     int           `koanf:"progress_step"`
	Samples          int           `koanf:"samples"`

	// Logging
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

// User is an identity the collab service accepts.
type User struct {
	Identity   string `koanf:"identity"`
	Credential string `koanf:"credential"`
}

// Defaults returns the default configuration values keyed like the file.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"host":                 domain.DefaultHost,
		"port":                 domain.DefaultPort,
		"identity":             domain.DefaultIdentity,
		"credential":           "",
		"ws_path":              "/ws",
		"dial_timeout":         10 * time.Second,
		"handshake_timeout":    10 * time.Second,
		"ping_interval":        30 * time.Second,
		"write_timeout":        10 * time.Second,
		"read_timeout":         60 * time.Second,
		"max_message_size":     int64(65536),
		"send_buffer":          256,
		"number_runs":          domain.DefaultNumberRuns,
		"max_active_runs":      0,
		"max_number_runs":      domain.MaxNumberRuns,
		"stall_timeout":        time.Duration(0),
		"stall_check_interval": 5 * time.Second,
		"policy_file":          "",
		"history_db":           "",
		"listen_port":          domain.DefaultPort,
		"progress_interval":    500 * time.Millisecond,
		"progress_step":        10,
		"samples":              2000,
		"log_level":            "info",
		"log_format":           "text",
	}
}

// Load loads configuration from defaults, file, environment and flags.
// Precedence (highest to lowest): flags > env vars > config file > defaults.
// Only flags that were explicitly set override lower layers.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	if cfgFile == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			cfgFile = DefaultFile
		}
	}
	if cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", cfgFile, err)
		}
	}

	// 3. Environment variables: COLLAB_STALL_TIMEOUT -> stall_timeout
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen_port %d", c.ListenPort)
	}
	if c.MaxActiveRuns < 0 {
		return fmt.Errorf("max_active_runs must not be negative")
	}
	if c.StallTimeout < 0 {
		return fmt.Errorf("stall_timeout must not be negative")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send_buffer must be positive")
	}
	if c.ProgressStep <= 0 || c.ProgressStep > 100 {
		return fmt.Errorf("progress_step must be within 1-100")
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("ws_path must start with /")
	}
	return nil
}

// Credentials returns APIUsers as an identity -> credential map.
func (c *Config) Credentials() map[string]string {
	out := make(map[string]string, len(c.APIUsers))
	for _, u := range c.APIUsers {
		out[u.Identity] = u.Credential
	}
	return out
}

// Descriptor returns the connection descriptor described by the config.
func (c *Config) Descriptor() domain.Descriptor {
	return domain.Descriptor{
		Host:       c.Host,
		Port:       c.Port,
		Identity:   c.Identity,
		Credential: c.Credential,
	}
}
