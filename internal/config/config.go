// Package config loads and validates the service configuration from a YAML
// file, a best-effort .env file, and environment variable overrides for
// secret material.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	LLM       LLMConfig       `yaml:"llm"`
	Forge     ForgeConfig     `yaml:"forge"`
	Mail      MailConfig      `yaml:"mail"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP listener (webhook + admin + metrics).
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DatabaseConfig configures the SQLite task store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// PipelineConfig configures the dispatcher and retry behavior.
type PipelineConfig struct {
	TickIntervalMS       int     `yaml:"tick_interval_ms"`
	MaxConcurrentPerKind int     `yaml:"max_concurrent_per_kind"`
	RetryBaseSeconds     int     `yaml:"retry_base_seconds"`
	RetryMaxSeconds      int     `yaml:"retry_max_seconds"`
	RetryJitterFactor    float64 `yaml:"retry_jitter_factor"`
	LeaseTimeoutSeconds  int     `yaml:"lease_timeout_seconds"`
	DefaultMaxAttempts   int     `yaml:"default_max_attempts"`
}

// TickInterval returns the dispatcher tick cadence.
func (p PipelineConfig) TickInterval() time.Duration {
	return time.Duration(p.TickIntervalMS) * time.Millisecond
}

// LeaseTimeout returns the in-progress lease expiry window.
func (p PipelineConfig) LeaseTimeout() time.Duration {
	return time.Duration(p.LeaseTimeoutSeconds) * time.Second
}

// RetryBase returns the backoff base delay.
func (p PipelineConfig) RetryBase() time.Duration {
	return time.Duration(p.RetryBaseSeconds) * time.Second
}

// RetryMax returns the backoff cap.
func (p PipelineConfig) RetryMax() time.Duration {
	return time.Duration(p.RetryMaxSeconds) * time.Second
}

// WebhookConfig configures ingress validation.
type WebhookConfig struct {
	SignatureRequired       bool   `yaml:"signature_required"`
	SignatureSecret         string `yaml:"signature_secret"`
	SignatureMaxSkewSeconds int    `yaml:"signature_max_skew_seconds"`
	MaxLogBytes             int64  `yaml:"max_log_bytes"`
}

// MaxSkew returns the accepted webhook timestamp skew.
func (w WebhookConfig) MaxSkew() time.Duration {
	return time.Duration(w.SignatureMaxSkewSeconds) * time.Second
}

// WorkspaceConfig configures the per-build working directory root.
type WorkspaceConfig struct {
	WorkRoot      string `yaml:"work_root"`
	RetentionDays int    `yaml:"retention_days"`
}

// Retention returns the workspace retention window.
func (w WorkspaceConfig) Retention() time.Duration {
	return time.Duration(w.RetentionDays) * 24 * time.Hour
}

// LLMConfig configures the patch-generation service client.
type LLMConfig struct {
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxTokens      int    `yaml:"max_tokens"`
}

// Timeout returns the per-request LLM timeout.
func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// ForgeConfig configures the code-hosting client used for pull requests.
type ForgeConfig struct {
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-request forge timeout.
func (f ForgeConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// MailConfig configures SMTP notification delivery.
type MailConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Host       string   `yaml:"host"`
	Port       int      `yaml:"port"`
	From       string   `yaml:"from"`
	Recipients []string `yaml:"recipients"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	UseTLS     bool     `yaml:"use_tls"`
}

// EventsConfig configures the optional NATS lifecycle-event publisher.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// Load reads configuration from path, layering defaults, the YAML file, and
// environment overrides (in that order). A missing file yields defaults.
func Load(path string) (*Config, error) {
	// Best-effort .env loading; existing process env wins.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults only.
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides layers secret material from the environment so secrets
// never need to live in the YAML file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CIFIXER_SIGNATURE_SECRET"); v != "" {
		c.Webhook.SignatureSecret = v
	}
	if v := os.Getenv("CIFIXER_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("CIFIXER_FORGE_TOKEN"); v != "" {
		c.Forge.Token = v
	}
	if v := os.Getenv("CIFIXER_SMTP_PASSWORD"); v != "" {
		c.Mail.Password = v
	}
	if v := os.Getenv("CIFIXER_DB_PATH"); v != "" {
		c.Database.Path = v
	}
}

// Validate checks cross-field invariants that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Webhook.SignatureRequired && c.Webhook.SignatureSecret == "" {
		return fmt.Errorf("webhook signature required but no secret configured")
	}
	if c.Pipeline.MaxConcurrentPerKind <= 0 {
		return fmt.Errorf("max_concurrent_per_kind must be >0")
	}
	if c.Pipeline.TickIntervalMS <= 0 {
		return fmt.Errorf("tick_interval_ms must be >0")
	}
	if c.Workspace.WorkRoot == "" {
		return fmt.Errorf("work_root cannot be empty")
	}
	if c.Mail.Enabled && c.Mail.Host == "" {
		return fmt.Errorf("mail enabled but no SMTP host configured")
	}
	if c.Events.Enabled && c.Events.NATSURL == "" {
		return fmt.Errorf("events enabled but no NATS URL configured")
	}
	return nil
}

// Secrets returns all configured secret values for redaction registration.
func (c *Config) Secrets() []string {
	return []string{c.Webhook.SignatureSecret, c.LLM.APIKey, c.Forge.Token, c.Mail.Password}
}
