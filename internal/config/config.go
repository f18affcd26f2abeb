// Package config loads and validates the bridge configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yee94/takopi/internal/observability"
	"github.com/yee94/takopi/internal/ratelimit"
)

// Config is the main configuration structure for takopi.
type Config struct {
	Telegram      TelegramConfig          `yaml:"telegram"`
	Engines       map[string]EngineConfig `yaml:"engines"`
	DefaultEngine string                  `yaml:"default_engine"`

	// Projects maps a directive alias to the working directory engines
	// run in, e.g. "backend: /home/user/src/backend".
	Projects map[string]string `yaml:"projects"`

	// StatePath is the sqlite file remembering the last session per
	// chat location.
	StatePath string `yaml:"state_path"`

	Exec      ExecConfig              `yaml:"exec"`
	RateLimit ratelimit.Config        `yaml:"rate_limit"`
	Logging   observability.LogConfig `yaml:"logging"`
	Metrics   MetricsConfig           `yaml:"metrics"`
}

// TelegramConfig configures the Telegram transport.
type TelegramConfig struct {
	// BotToken may reference an environment variable in the file
	// (${TAKOPI_BOT_TOKEN}); TAKOPI_BOT_TOKEN also overrides it directly.
	BotToken string `yaml:"bot_token"`

	// AllowedUsers restricts who can talk to the bot; empty allows
	// everyone.
	AllowedUsers []string `yaml:"allowed_users"`
}

// EngineConfig configures one coding-agent CLI.
type EngineConfig struct {
	// Enabled defaults to true for the built-in engines.
	Enabled *bool `yaml:"enabled"`

	// Binary overrides the executable name looked up on PATH.
	Binary string `yaml:"binary"`

	// ExtraArgs are appended to every invocation.
	ExtraArgs []string `yaml:"extra_args"`

	// ScrubEnv removes the named variables from the child's
	// environment, e.g. an API key that would bill the wrong account.
	ScrubEnv []string `yaml:"scrub_env"`
}

// IsEnabled reports the effective enabled state.
func (e EngineConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// ExecConfig tunes run orchestration.
type ExecConfig struct {
	// FinalNotify sends the final answer as a new notifying reply and
	// deletes the progress message; false edits the progress message in
	// place.
	FinalNotify bool `yaml:"final_notify"`

	// EditEvery is the minimum interval between progress edits.
	EditEvery time.Duration `yaml:"edit_every"`

	// AnswerPolicy controls how a failed run with a partial answer is
	// labelled: "error_status" or "append_error".
	AnswerPolicy string `yaml:"answer_policy"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// BuiltinEngines are configured by default; a config file can disable
// or extend them.
var BuiltinEngines = []string{"codex", "claude", "opencode"}

// Load reads, parses and validates the configuration file. Environment
// variables referenced as ${VAR} in the file are expanded before
// parsing.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile parses the file and applies defaults without validating.
// Commands that only inspect the config (engine listing) use this.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if token := os.Getenv("TAKOPI_BOT_TOKEN"); token != "" {
		cfg.Telegram.BotToken = token
	}
	if cfg.Engines == nil {
		cfg.Engines = make(map[string]EngineConfig)
	}
	for _, name := range BuiltinEngines {
		if _, ok := cfg.Engines[name]; !ok {
			cfg.Engines[name] = EngineConfig{}
		}
	}
	if cfg.DefaultEngine == "" {
		cfg.DefaultEngine = "codex"
	}
	if cfg.StatePath == "" {
		cfg.StatePath = "takopi.db"
	}
	if cfg.Exec.EditEvery <= 0 {
		cfg.Exec.EditEvery = 2 * time.Second
	}
	if cfg.Exec.AnswerPolicy == "" {
		cfg.Exec.AnswerPolicy = "error_status"
	}
	if cfg.RateLimit == (ratelimit.Config{}) {
		cfg.RateLimit = ratelimit.DefaultConfig()
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
}

// Validate checks invariants the rest of the program relies on.
func (c *Config) Validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required (or set TAKOPI_BOT_TOKEN)")
	}

	name := strings.ToLower(c.DefaultEngine)
	engine, ok := c.Engines[name]
	if !ok {
		return fmt.Errorf("default_engine %q is not configured", c.DefaultEngine)
	}
	if !engine.IsEnabled() {
		return fmt.Errorf("default_engine %q is disabled", c.DefaultEngine)
	}

	switch c.Exec.AnswerPolicy {
	case "error_status", "append_error":
	default:
		return fmt.Errorf("exec.answer_policy must be error_status or append_error, got %q", c.Exec.AnswerPolicy)
	}

	for alias, dir := range c.Projects {
		if strings.TrimSpace(dir) == "" {
			return fmt.Errorf("project %q has an empty directory", alias)
		}
	}
	return nil
}
