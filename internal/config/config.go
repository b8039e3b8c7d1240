// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Preflight PreflightConfig `mapstructure:"preflight"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Stages    StagesConfig    `mapstructure:"stages"`
	Store     StoreConfig     `mapstructure:"store"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Events    EventsConfig    `mapstructure:"events"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int `mapstructure:"port"`
	RequestTimeoutSec int `mapstructure:"request_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ProxyConfig points at the proxy secret and session behavior.
type ProxyConfig struct {
	// SecretFile is a JSON file holding the proxy credential document.
	SecretFile string `mapstructure:"secret_file"`
	// Country applies geo targeting to generated session usernames.
	Country            string `mapstructure:"country"`
	SessionTTLMin      int    `mapstructure:"session_ttl_minutes"`
	BlacklistMax       int    `mapstructure:"blacklist_max"`
	RefreshIntervalMin int    `mapstructure:"refresh_interval_minutes"`
}

// PreflightConfig tunes the cached proxy health probe.
type PreflightConfig struct {
	TargetURL       string  `mapstructure:"target_url"`
	TTLSeconds      int     `mapstructure:"ttl_seconds"`
	JitterPct       float64 `mapstructure:"jitter_pct"`
	ProbeTimeoutSec int     `mapstructure:"probe_timeout_seconds"`
	ProbesPerMin    int     `mapstructure:"probes_per_minute"`
}

// BreakerConfig tunes the capture-stage circuit breaker.
type BreakerConfig struct {
	FailureThreshold  int `mapstructure:"failure_threshold"`
	CountingWindowMin int `mapstructure:"counting_window_minutes"`
	RecoveryWindowMin int `mapstructure:"recovery_window_minutes"`
}

// PipelineConfig governs orchestrator behavior.
type PipelineConfig struct {
	CaptureTimeoutSec int `mapstructure:"capture_timeout_seconds"`
	HTTPTimeoutSec    int `mapstructure:"http_timeout_seconds"`
	// CookiesFile is the fallback Netscape cookie file used when no
	// per-user session state exists.
	CookiesFile string `mapstructure:"cookies_file"`
	UserAgent   string `mapstructure:"user_agent"`
	Language    string `mapstructure:"language"`
}

// StagesConfig carries per-stage knobs.
type StagesConfig struct {
	Captions CaptionsConfig `mapstructure:"captions"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	Audio    AudioConfig    `mapstructure:"audio"`
}

// CaptionsConfig tunes the player API stage.
type CaptionsConfig struct {
	PlayerURL     string `mapstructure:"player_url"`
	ClientVersion string `mapstructure:"client_version"`
	TimedTextURL  string `mapstructure:"timedtext_url"`
}

// CaptureConfig tunes the headless browser stage.
type CaptureConfig struct {
	MaxParallel         int      `mapstructure:"max_parallel"`
	NavTimeoutSec       int      `mapstructure:"nav_timeout_seconds"`
	CaptureTimeoutSec   int      `mapstructure:"capture_timeout_seconds"`
	EndpointFragment    string   `mapstructure:"endpoint_fragment"`
	RequireAuth         bool     `mapstructure:"require_auth"`
	ConsentSelectors    []string `mapstructure:"consent_selectors"`
	ExpandSelectors     []string `mapstructure:"expand_selectors"`
	TranscriptSelectors []string `mapstructure:"transcript_selectors"`
}

// AudioConfig tunes the audio download and transcription stage.
type AudioConfig struct {
	ToolPath        string   `mapstructure:"tool_path"`
	Format          string   `mapstructure:"format"`
	FallbackFormat  string   `mapstructure:"fallback_format"`
	ProxyRequired   bool     `mapstructure:"proxy_required"`
	MinBytes        int64    `mapstructure:"min_bytes"`
	WorkDir         string   `mapstructure:"work_dir"`
	BlockedPatterns []string `mapstructure:"blocked_patterns"`
	TimeoutSec      int      `mapstructure:"timeout_seconds"`
	ASREndpoint     string   `mapstructure:"asr_endpoint"`
	ASRModel        string   `mapstructure:"asr_model"`
	ASRAPIKey       string   `mapstructure:"asr_api_key"`
}

// StoreConfig controls attempt-history persistence.
type StoreConfig struct {
	// Kind selects the provider: postgres or memory.
	Kind string `mapstructure:"kind"`
	DSN  string `mapstructure:"dsn"`
}

// StorageConfig sets transcript artifact persistence.
type StorageConfig struct {
	// Kind selects the provider: gcs, memory, or noop.
	Kind      string `mapstructure:"kind"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// EventsConfig holds metadata for publish-subscribe notifications.
type EventsConfig struct {
	// Kind selects the provider: pubsub, memory, or noop.
	Kind      string `mapstructure:"kind"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRANSCRIPTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 300)
	v.SetDefault("logging.development", true)
	v.SetDefault("proxy.session_ttl_minutes", 60)
	v.SetDefault("proxy.blacklist_max", 1000)
	v.SetDefault("proxy.refresh_interval_minutes", 10)
	v.SetDefault("preflight.target_url", "https://www.google.com/generate_204")
	v.SetDefault("preflight.ttl_seconds", 300)
	v.SetDefault("preflight.jitter_pct", 0.15)
	v.SetDefault("preflight.probe_timeout_seconds", 5)
	v.SetDefault("preflight.probes_per_minute", 10)
	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.counting_window_minutes", 10)
	v.SetDefault("breaker.recovery_window_minutes", 10)
	v.SetDefault("pipeline.capture_timeout_seconds", 120)
	v.SetDefault("pipeline.http_timeout_seconds", 6)
	v.SetDefault("pipeline.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36")
	v.SetDefault("pipeline.language", "en")
	v.SetDefault("stages.capture.max_parallel", 2)
	v.SetDefault("stages.capture.nav_timeout_seconds", 60)
	v.SetDefault("stages.capture.capture_timeout_seconds", 25)
	v.SetDefault("stages.capture.endpoint_fragment", "/youtubei/v1/get_transcript")
	v.SetDefault("stages.audio.tool_path", "yt-dlp")
	v.SetDefault("stages.audio.proxy_required", true)
	v.SetDefault("stages.audio.min_bytes", 10240)
	v.SetDefault("stages.audio.timeout_seconds", 300)
	v.SetDefault("store.kind", "memory")
	v.SetDefault("storage.kind", "noop")
	v.SetDefault("storage.prefix", "transcripts")
	v.SetDefault("events.kind", "noop")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Proxy.SecretFile == "" {
		return fmt.Errorf("proxy.secret_file must be set")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0")
	}
	if c.Preflight.JitterPct < 0 || c.Preflight.JitterPct >= 1 {
		return fmt.Errorf("preflight.jitter_pct must be in [0, 1)")
	}
	switch c.Store.Kind {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set when store.kind is postgres")
		}
	default:
		return fmt.Errorf("store.kind must be postgres or memory")
	}
	switch c.Storage.Kind {
	case "noop", "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.kind is gcs")
		}
	default:
		return fmt.Errorf("storage.kind must be gcs, memory, or noop")
	}
	switch c.Events.Kind {
	case "noop", "memory":
	case "pubsub":
		if c.Events.ProjectID == "" || c.Events.TopicName == "" {
			return fmt.Errorf("events.project_id and events.topic_name must be set when events.kind is pubsub")
		}
	default:
		return fmt.Errorf("events.kind must be pubsub, memory, or noop")
	}
	return nil
}

// CaptureBudget is the orchestrator's per-attempt browser stage budget.
func (c Config) CaptureBudget() time.Duration {
	return time.Duration(c.Pipeline.CaptureTimeoutSec) * time.Second
}

// RequestTimeout bounds one API request end to end.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSec) * time.Second
}
