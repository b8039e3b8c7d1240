package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
proxy:
  secret_file: /etc/transcriptd/proxy.json
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("server.port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Breaker.FailureThreshold != 3 {
		t.Errorf("breaker.failure_threshold = %d, want 3", cfg.Breaker.FailureThreshold)
	}
	if cfg.Preflight.TTLSeconds != 300 || cfg.Preflight.ProbesPerMin != 10 {
		t.Errorf("preflight defaults = %+v", cfg.Preflight)
	}
	if cfg.Proxy.BlacklistMax != 1000 || cfg.Proxy.SessionTTLMin != 60 {
		t.Errorf("proxy defaults = %+v", cfg.Proxy)
	}
	if cfg.Stages.Audio.ToolPath != "yt-dlp" || !cfg.Stages.Audio.ProxyRequired {
		t.Errorf("audio defaults = %+v", cfg.Stages.Audio)
	}
	if cfg.Store.Kind != "memory" || cfg.Storage.Kind != "noop" || cfg.Events.Kind != "noop" {
		t.Errorf("provider defaults = %s/%s/%s", cfg.Store.Kind, cfg.Storage.Kind, cfg.Events.Kind)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, `
server:
  port: 9090
proxy:
  secret_file: /etc/transcriptd/proxy.json
  country: de
breaker:
  failure_threshold: 5
stages:
  capture:
    transcript_selectors:
      - 'button[aria-label="Show transcript"]'
store:
  kind: postgres
  dsn: postgres://localhost/transcriptd
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("server.port = %d", cfg.Server.Port)
	}
	if cfg.Proxy.Country != "de" {
		t.Errorf("proxy.country = %q", cfg.Proxy.Country)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("breaker.failure_threshold = %d", cfg.Breaker.FailureThreshold)
	}
	if len(cfg.Stages.Capture.TranscriptSelectors) != 1 {
		t.Errorf("transcript selectors = %v", cfg.Stages.Capture.TranscriptSelectors)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg, err := Load(writeConfigFile(t, minimalConfig))
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"zero port", func(c *Config) { c.Server.Port = 0 }, true},
		{"missing secret file", func(c *Config) { c.Proxy.SecretFile = "" }, true},
		{"zero threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }, true},
		{"jitter out of range", func(c *Config) { c.Preflight.JitterPct = 1.5 }, true},
		{"postgres without dsn", func(c *Config) { c.Store.Kind = "postgres"; c.Store.DSN = "" }, true},
		{"unknown store kind", func(c *Config) { c.Store.Kind = "cassandra" }, true},
		{"gcs without bucket", func(c *Config) { c.Storage.Kind = "gcs" }, true},
		{"pubsub without project", func(c *Config) { c.Events.Kind = "pubsub" }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() = nil error for missing file")
	}
}
