// Package config aggregates every subsystem's settings into one YAML
// document with RELAY_-prefixed environment overrides, and owns the
// process-wide relay feature flag.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relayio/relay/pkg/backpressure"
	"github.com/relayio/relay/pkg/breaker"
	"github.com/relayio/relay/pkg/logging"
	"github.com/relayio/relay/pkg/ratelimit"
)

// EnvPrefix is the environment override namespace: RELAY_HTTP_ADDR,
// RELAY_ENABLED, RELAY_RATELIMIT_MAXPERWINDOW and so on.
const EnvPrefix = "RELAY"

// HTTPConfig holds the HTTP listener settings.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// PulseConfig holds the scheduler settings.
type PulseConfig struct {
	MaxConcurrentRuns int           `yaml:"maxConcurrentRuns"`
	RetainRuns        int           `yaml:"retainRuns"`
	DrainTimeout      time.Duration `yaml:"drainTimeout"`
}

// TelegramConfig holds the Telegram adapter settings.
type TelegramConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Token         string `yaml:"token"`
	SubjectPrefix string `yaml:"subjectPrefix"`
	PollTimeout   int    `yaml:"pollTimeout"`
}

// WebhookConfig holds one outbound webhook adapter.
type WebhookConfig struct {
	ID            string `yaml:"id"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
	Secret        string `yaml:"secret"`
	TimeoutMs     int    `yaml:"timeoutMs"`
}

// AgentConfig holds the agent runtime subprocess command.
type AgentConfig struct {
	Command []string `yaml:"command"`
}

// Config is the full relayd configuration.
type Config struct {
	// DataDir roots the maildir tree, databases and JSON state files.
	DataDir string `yaml:"dataDir"`
	// Enabled gates the relay path for console and scheduler.
	Enabled bool `yaml:"enabled"`

	Agent        AgentConfig         `yaml:"agent"`
	Log          logging.Config      `yaml:"log"`
	HTTP         HTTPConfig          `yaml:"http"`
	RateLimit    ratelimit.Config    `yaml:"rateLimit"`
	Breaker      breaker.Config      `yaml:"breaker"`
	Backpressure backpressure.Config `yaml:"backpressure"`
	Pulse        PulseConfig         `yaml:"pulse"`
	Telegram     TelegramConfig      `yaml:"telegram"`
	Webhooks     []WebhookConfig     `yaml:"webhooks"`
}

// Default returns the configuration relayd starts with when no file is
// given.
func Default() Config {
	return Config{
		DataDir: "./relay-data",
		Enabled: true,
		Agent:   AgentConfig{Command: []string{"agent"}},
		Log:     logging.Config{Level: "info"},
		HTTP:    HTTPConfig{Addr: ":8420"},
		RateLimit: ratelimit.Config{
			Enabled:      true,
			WindowSecs:   60,
			MaxPerWindow: 60,
		},
		Breaker:      breaker.DefaultConfig(),
		Backpressure: backpressure.DefaultConfig(),
		Pulse: PulseConfig{
			MaxConcurrentRuns: 3,
			RetainRuns:        50,
			DrainTimeout:      30 * time.Second,
		},
	}
}

// Load reads the YAML file when path is non-empty, then applies
// environment overrides and validates. Defaults fill everything the file
// leaves out.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(EnvPrefix, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations relayd cannot start with.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("dataDir is required")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if len(c.Agent.Command) == 0 {
		return fmt.Errorf("agent.command is required")
	}
	if c.RateLimit.Enabled && c.RateLimit.WindowSecs <= 0 {
		return fmt.Errorf("rateLimit.windowSecs must be positive")
	}
	if c.RateLimit.Enabled && c.RateLimit.MaxPerWindow <= 0 {
		return fmt.Errorf("rateLimit.maxPerWindow must be positive")
	}
	if c.Breaker.Enabled && c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failureThreshold must be positive")
	}
	if c.Backpressure.Enabled && c.Backpressure.MaxMailboxSize <= 0 {
		return fmt.Errorf("backpressure.maxMailboxSize must be positive")
	}
	if c.Pulse.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("pulse.maxConcurrentRuns must be positive")
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required when the adapter is enabled")
	}
	for _, wh := range c.Webhooks {
		if wh.ID == "" || wh.URL == "" {
			return fmt.Errorf("every webhook needs an id and a url")
		}
	}
	return nil
}
