package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the hub process configuration, loaded from YAML with flag
// overrides applied afterwards.
type Config struct {
	// Listen is the hub control-plane bind address.
	Listen string `yaml:"listen"`

	// DataDir holds push keys/subscriptions and other persisted state.
	DataDir string `yaml:"data_dir"`

	// UpstreamBaseURL fronts the model APIs (/api/anthropic/..., etc.) and
	// injects provider credentials; the hub never holds raw API keys itself.
	UpstreamBaseURL string `yaml:"upstream_base_url"`

	// VAPIDSubject is the mailto:/https: subject claim for push JWTs.
	VAPIDSubject string `yaml:"vapid_subject"`

	// HookRulesFile, when set, is loaded into the decision pipeline and
	// watched for edits.
	HookRulesFile string `yaml:"hook_rules_file"`

	Viewport ViewportConfig `yaml:"viewport"`

	Scheduler SchedulerConfig `yaml:"scheduler"`

	Log LogSettings `yaml:"log"`

	Tracing TracingConfig `yaml:"tracing"`

	Artifacts ArtifactsConfig `yaml:"artifacts"`

	// DatabaseDSN, when set, enables Postgres persistence of hub sessions
	// and scheduled entries.
	DatabaseDSN string `yaml:"database_dsn"`
}

// LogSettings configures the process logger.
type LogSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures OTLP span export; an empty endpoint disables it.
type TracingConfig struct {
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
	Insecure   bool    `yaml:"insecure"`
}

// ArtifactsConfig configures S3 offload of oversized tool outputs; an empty
// bucket disables it.
type ArtifactsConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`

	// InlineLimit is the largest tool output kept inline, in bytes.
	InlineLimit int `yaml:"inline_limit"`
}

// ViewportConfig configures the frame/ack streaming socket.
type ViewportConfig struct {
	// Port is the dedicated WebSocket port; 0 lets the OS assign one.
	Port int `yaml:"port"`

	// MaxConnections caps concurrent stream clients; 0 means unlimited.
	MaxConnections int `yaml:"max_connections"`

	// TokenTTL bounds how long an issued stream token stays redeemable.
	TokenTTL time.Duration `yaml:"token_ttl"`

	// CaptureURL, when set, starts a headless capture of that page and
	// broadcasts its frames to stream clients of CaptureAgentID.
	CaptureURL     string `yaml:"capture_url"`
	CaptureAgentID string `yaml:"capture_agent_id"`

	// CaptureQuality is the JPEG quality for captured frames (1-100).
	CaptureQuality int `yaml:"capture_quality"`
}

// SchedulerConfig configures the per-hub scheduler.
type SchedulerConfig struct {
	// TickInterval is the cron granularity; the default (and spec'd)
	// granularity is one minute.
	TickInterval time.Duration `yaml:"tick_interval"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:          ":8787",
		DataDir:         "data",
		UpstreamBaseURL: "http://127.0.0.1:8788",
		VAPIDSubject:    "https://flo.monster",
		Viewport: ViewportConfig{
			MaxConnections: 16,
			TokenTTL:       30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			TickInterval: time.Minute,
		},
	}
}

// LoadConfig reads path (if non-empty) over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
