package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Empty-success policies for an exit code of zero with no stdout.
const (
	EmptySuccessSilent   = "silent"
	EmptySuccessComplete = "complete"
)

// Config holds server configuration.
type Config struct {
	Port        int    `mapstructure:"port"`
	StaticDir   string `mapstructure:"static_dir"`
	MaxSessions int    `mapstructure:"max_sessions"`
	HistorySize int    `mapstructure:"history_size"`

	Log     LogConfig     `mapstructure:"log"`
	Copilot CopilotConfig `mapstructure:"copilot"`
	Relay   RelayConfig   `mapstructure:"relay"`
}

// LogConfig selects the zap encoder and level.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CopilotConfig describes how the assistant executable is launched.
type CopilotConfig struct {
	Binary         string        `mapstructure:"binary"`
	WorkDir        string        `mapstructure:"work_dir"`
	FallbackPath   string        `mapstructure:"fallback_path"`
	Term           string        `mapstructure:"term"`
	ForceColor     string        `mapstructure:"force_color"`
	CredentialVar  string        `mapstructure:"credential_var"`
	CredentialEnv  []string      `mapstructure:"credential_env"`
	CredentialFile string        `mapstructure:"credential_file"`
	KillGrace      time.Duration `mapstructure:"kill_grace"`
}

// RelayConfig tunes event forwarding.
type RelayConfig struct {
	EmptySuccess string `mapstructure:"empty_success"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Port:        3000,
		StaticDir:   "./public",
		MaxSessions: 0,
		HistorySize: 200,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Copilot: CopilotConfig{
			Binary:        "/usr/local/bin/copilot",
			FallbackPath:  "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
			Term:          "xterm-256color",
			ForceColor:    "1",
			CredentialVar: "COPILOT_GITHUB_TOKEN",
			CredentialEnv: []string{"COPILOT_GITHUB_TOKEN", "GH_TOKEN", "GITHUB_TOKEN"},
			KillGrace:     5 * time.Second,
		},
		Relay: RelayConfig{
			EmptySuccess: EmptySuccessSilent,
		},
	}
}

// Load reads configuration from defaults, an optional config file and
// the environment. An explicit path must exist; the search path may not.
func Load(path string) (*Config, error) {
	v := viper.New()
	cfg := Default()
	setDefaults(v, cfg)

	v.SetEnvPrefix("COPILOT_RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Unprefixed names kept for compatibility with container setups.
	v.BindEnv("port", "PORT", "COPILOT_RELAY_PORT")
	v.BindEnv("static_dir", "STATIC_DIR", "COPILOT_RELAY_STATIC_DIR")

	if path == "" {
		path = os.Getenv("COPILOT_RELAY_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("copilot-relay")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/copilot-relay/")
		if configDir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(configDir, "copilot-relay"))
		}
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("port", cfg.Port)
	v.SetDefault("static_dir", cfg.StaticDir)
	v.SetDefault("max_sessions", cfg.MaxSessions)
	v.SetDefault("history_size", cfg.HistorySize)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("copilot.binary", cfg.Copilot.Binary)
	v.SetDefault("copilot.work_dir", cfg.Copilot.WorkDir)
	v.SetDefault("copilot.fallback_path", cfg.Copilot.FallbackPath)
	v.SetDefault("copilot.term", cfg.Copilot.Term)
	v.SetDefault("copilot.force_color", cfg.Copilot.ForceColor)
	v.SetDefault("copilot.credential_var", cfg.Copilot.CredentialVar)
	v.SetDefault("copilot.credential_env", cfg.Copilot.CredentialEnv)
	v.SetDefault("copilot.credential_file", cfg.Copilot.CredentialFile)
	v.SetDefault("copilot.kill_grace", cfg.Copilot.KillGrace)
	v.SetDefault("relay.empty_success", cfg.Relay.EmptySuccess)
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("max_sessions must not be negative")
	}
	if c.HistorySize <= 0 {
		return fmt.Errorf("history_size must be positive")
	}
	if c.Copilot.Binary == "" {
		return fmt.Errorf("copilot.binary is required")
	}
	if c.Copilot.CredentialVar == "" {
		return fmt.Errorf("copilot.credential_var is required")
	}
	if c.Copilot.KillGrace < 0 {
		return fmt.Errorf("copilot.kill_grace must not be negative")
	}
	switch c.Relay.EmptySuccess {
	case EmptySuccessSilent, EmptySuccessComplete:
	default:
		return fmt.Errorf("unknown relay.empty_success policy %q", c.Relay.EmptySuccess)
	}
	return nil
}
