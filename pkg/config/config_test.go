package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "./relay-data" {
		t.Fatalf("dataDir = %q", cfg.DataDir)
	}
	if !cfg.Enabled {
		t.Fatal("relay should default to enabled")
	}
	if cfg.Pulse.MaxConcurrentRuns != 3 || cfg.Pulse.DrainTimeout != 30*time.Second {
		t.Fatalf("pulse defaults = %+v", cfg.Pulse)
	}
	if !cfg.Breaker.Enabled || cfg.Breaker.FailureThreshold != 5 {
		t.Fatalf("breaker defaults = %+v", cfg.Breaker)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	doc := `
dataDir: /var/lib/relay
http:
  addr: ":9000"
rateLimit:
  enabled: true
  windowSecs: 30
  maxPerWindow: 10
telegram:
  enabled: true
  token: from-file
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("RELAY_ENABLED", "false")
	t.Setenv("RELAY_HTTP_ADDR", ":9001")
	t.Setenv("RELAY_TELEGRAM_TOKEN", "from-env")
	t.Setenv("RELAY_RATELIMIT_MAXPERWINDOW", "25")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/relay" {
		t.Fatalf("dataDir = %q", cfg.DataDir)
	}
	if cfg.Enabled {
		t.Fatal("RELAY_ENABLED=false not applied")
	}
	if cfg.HTTP.Addr != ":9001" {
		t.Fatalf("http.addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("telegram.token = %q", cfg.Telegram.Token)
	}
	if cfg.RateLimit.MaxPerWindow != 25 || cfg.RateLimit.WindowSecs != 30 {
		t.Fatalf("rateLimit = %+v", cfg.RateLimit)
	}
}

func TestValidateRejectsBrokenConfig(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.DataDir = "" },
		func(c *Config) { c.HTTP.Addr = "" },
		func(c *Config) { c.RateLimit.Enabled = true; c.RateLimit.WindowSecs = 0 },
		func(c *Config) { c.Breaker.Enabled = true; c.Breaker.FailureThreshold = 0 },
		func(c *Config) { c.Pulse.MaxConcurrentRuns = 0 },
		func(c *Config) { c.Telegram.Enabled = true; c.Telegram.Token = "" },
		func(c *Config) { c.Webhooks = []WebhookConfig{{ID: "gh"}} },
	}
	for i, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("case %d: Validate accepted a broken config", i)
		}
	}
}

func TestRelayEnabledFlag(t *testing.T) {
	if !RelayEnabled() {
		t.Fatal("flag should default to enabled")
	}
	SetRelayEnabled(false)
	t.Cleanup(func() { SetRelayEnabled(true) })
	if RelayEnabled() {
		t.Fatal("flag not flipped")
	}
}
