// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Export destination ────────────────────────────────────────────────────
	ReportBucket string `env:"REPORT_BUCKET,required"`
	ReportPrefix string `env:"REPORT_PREFIX" envDefault:"inspector-reports"`
	// KMSKeyARN encrypts the exported report at rest. When empty, a default
	// alias ARN is derived from the caller's account and region at startup.
	KMSKeyARN string `env:"KMS_KEY_ARN"`

	// ── Export polling ────────────────────────────────────────────────────────
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"60s"`
	MaxWait      time.Duration `env:"MAX_WAIT"      envDefault:"300s"`

	// ── Delivery configuration source ─────────────────────────────────────────
	// SSM parameter path prefix under which API_KEY, FROM_EMAIL, FROM_NAME,
	// TO_EMAIL and CC_EMAIL live.
	ParameterPrefix string        `env:"PARAMETER_PREFIX"  envDefault:"/inspector-report/delivery"`
	ConfigCacheTTL  time.Duration `env:"CONFIG_CACHE_TTL"  envDefault:"5m"`

	// ── Email delivery ────────────────────────────────────────────────────────
	// SendProvider: "sendgrid" (production) or "smtp" (local development).
	SendProvider string `env:"SEND_PROVIDER" envDefault:"sendgrid"`
	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"1025"`

	// AttachmentCeilingBytes is the provider's payload ceiling for a single
	// base64-encoded attachment, expressed as encoded bytes. Reports whose
	// encoded size would exceed this are delivered as a reference link instead.
	AttachmentCeilingBytes int64         `env:"ATTACHMENT_CEILING_BYTES" envDefault:"10485760"`
	LinkTTL                time.Duration `env:"LINK_TTL"                 envDefault:"72h"`

	// ── Retry policy ──────────────────────────────────────────────────────────
	MaxDeliveryAttempts int `env:"MAX_DELIVERY_ATTEMPTS" envDefault:"5"`
	BackoffBaseSeconds  int `env:"BACKOFF_BASE_SECONDS"  envDefault:"2"`

	// ── Idempotency ───────────────────────────────────────────────────────────
	// DynamoDB table holding delivered-report markers keyed by content hash.
	// Empty selects the in-memory store (single-process deployments only).
	MarkerTable string `env:"MARKER_TABLE"`

	// ── Serve mode ────────────────────────────────────────────────────────────
	ListenAddr             string        `env:"LISTEN_ADDR"              envDefault:":8080"`
	ExportInterval         time.Duration `env:"EXPORT_INTERVAL"          envDefault:"720h"`
	WatchInterval          time.Duration `env:"WATCH_INTERVAL"           envDefault:"60s"`
	ShutdownTimeoutSeconds int           `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Logging ───────────────────────────────────────────────────────────────
	AppEnv    string `env:"APP_ENV"    envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and validates Config from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that env tags cannot express.
func (c *Config) Validate() error {
	switch c.SendProvider {
	case "sendgrid":
	case "smtp":
		if c.SMTPHost == "" {
			return fmt.Errorf("config: SMTP_HOST is required when SEND_PROVIDER=smtp")
		}
	default:
		return fmt.Errorf("config: unknown SEND_PROVIDER %q", c.SendProvider)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.MaxWait < c.PollInterval {
		return fmt.Errorf("config: MAX_WAIT (%s) must be at least POLL_INTERVAL (%s)", c.MaxWait, c.PollInterval)
	}
	if c.AttachmentCeilingBytes <= 0 {
		return fmt.Errorf("config: ATTACHMENT_CEILING_BYTES must be positive, got %d", c.AttachmentCeilingBytes)
	}
	if c.MaxDeliveryAttempts < 1 {
		return fmt.Errorf("config: MAX_DELIVERY_ATTEMPTS must be at least 1, got %d", c.MaxDeliveryAttempts)
	}
	return nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
