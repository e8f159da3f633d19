// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrRunPodAPIKeyRequired is returned when the runpod backend has no RUNPOD_API_KEY.
	ErrRunPodAPIKeyRequired = errors.New("config: RUNPOD_API_KEY is required for the runpod backend")
	// ErrRunPodEndpointIDRequired is returned when the runpod backend has no RUNPOD_ENDPOINT_ID.
	ErrRunPodEndpointIDRequired = errors.New("config: RUNPOD_ENDPOINT_ID is required for the runpod backend")
	// ErrModalEndpointRequired is returned when the modal backend has no MODAL_ENDPOINT_URL.
	ErrModalEndpointRequired = errors.New("config: MODAL_ENDPOINT_URL is required for the modal backend")
	// ErrInvalidValue wraps struct validation failures.
	ErrInvalidValue = errors.New("config: invalid value")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port   int    `env:"PORT, default=8080" json:"port" validate:"min=1,max=65535"`
	AppURL string `env:"APP_URL, default=http://localhost:8080" json:"app_url" validate:"url"`

	// Storage settings
	DataDir        string `env:"DATA_DIR, default=./data" json:"data_dir" validate:"required"`
	DatabaseDriver string `env:"DATABASE_DRIVER, default=sqlite3" json:"database_driver" validate:"oneof=sqlite3 postgres"`
	DatabaseDSN    string `env:"DATABASE_DSN" json:"-"` // Masked in JSON; may hold credentials
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES, default=10485760" json:"max_upload_bytes" validate:"min=1"`

	// Inference settings
	InferenceBackend string        `env:"INFERENCE_BACKEND, default=local" json:"inference_backend" validate:"oneof=local modal runpod"`
	InferenceTimeout time.Duration `env:"INFERENCE_TIMEOUT, default=5m" json:"inference_timeout" validate:"gt=0"`
	PresetsDir       string        `env:"PRESETS_DIR, default=./presets" json:"presets_dir"`

	LivePortraitRoot          string        `env:"LIVEPORTRAIT_ROOT, default=./LivePortrait" json:"liveportrait_root"`
	LivePortraitPython        string        `env:"LIVEPORTRAIT_PYTHON, default=python3" json:"liveportrait_python"`
	LocalTimeoutBase          time.Duration `env:"LOCAL_TIMEOUT_BASE, default=2m" json:"local_timeout_base"`
	LocalTimeoutPerClipSecond time.Duration `env:"LOCAL_TIMEOUT_PER_CLIP_SECOND, default=20s" json:"local_timeout_per_clip_second"`

	ModalEndpointURL string `env:"MODAL_ENDPOINT_URL" json:"modal_endpoint_url,omitempty"`
	ModalTokenID     string `env:"MODAL_TOKEN_ID" json:"-"`     // Masked in JSON
	ModalTokenSecret string `env:"MODAL_TOKEN_SECRET" json:"-"` // Masked in JSON

	RunPodAPIKey     string `env:"RUNPOD_API_KEY" json:"-"` // Masked in JSON
	RunPodEndpointID string `env:"RUNPOD_ENDPOINT_ID" json:"runpod_endpoint_id,omitempty"`

	// Queue settings
	Workers   int `env:"WORKERS, default=2" json:"workers" validate:"min=1"`
	QueueSize int `env:"QUEUE_SIZE, default=64" json:"queue_size" validate:"min=1"`

	// Media settings
	FFmpegPath        string `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	FFprobePath       string `env:"FFPROBE_PATH, default=ffprobe" json:"ffprobe_path"`
	WatermarkText     string `env:"WATERMARK_TEXT, default=SmileLoop Preview" json:"watermark_text"`
	WatermarkFallback string `env:"WATERMARK_FALLBACK, default=copy" json:"watermark_fallback" validate:"oneof=copy fail"`

	// Retention settings
	RetentionTTL      time.Duration `env:"RETENTION_TTL, default=24h" json:"retention_ttl" validate:"gt=0"`
	RetentionInterval time.Duration `env:"RETENTION_INTERVAL, default=1h" json:"retention_interval" validate:"gt=0"`

	// Payment settings
	StripeSecretKey      string `env:"STRIPE_SECRET_KEY" json:"-"` // Masked in JSON
	StripePublishableKey string `env:"STRIPE_PUBLISHABLE_KEY" json:"stripe_publishable_key,omitempty"`
	StripeWebhookSecret  string `env:"STRIPE_WEBHOOK_SECRET" json:"-"` // Masked in JSON
	StripePriceCents     int64  `env:"STRIPE_PRICE_CENTS, default=499" json:"stripe_price_cents" validate:"min=1"`
	StripeCurrency       string `env:"STRIPE_CURRENCY, default=usd" json:"stripe_currency" validate:"len=3"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Email settings
	EmailFromAddress string `env:"EMAIL_FROM_ADDRESS" json:"email_from_address,omitempty" validate:"omitempty,email"`
	EmailFromName    string `env:"EMAIL_FROM_NAME, default=SmileLoop" json:"email_from_name"`
	SESRegion        string `env:"SES_REGION, default=us-east-1" json:"ses_region"`

	// Abuse protection
	TurnstileSiteKey    string `env:"TURNSTILE_SITE_KEY" json:"turnstile_site_key,omitempty"`
	TurnstileSecretKey  string `env:"TURNSTILE_SECRET_KEY" json:"-"` // Masked in JSON
	RateLimitIPHourly   int    `env:"RATE_LIMIT_IP_HOURLY, default=10" json:"rate_limit_ip_hourly" validate:"min=0"`
	RateLimitEmailDaily int    `env:"RATE_LIMIT_EMAIL_DAILY, default=20" json:"rate_limit_email_daily" validate:"min=0"`
	// TrustedProxies lists the peers, as IPs or CIDRs, whose X-Forwarded-For
	// header is believed. Empty means the connection address is always used.
	TrustedProxies []string `env:"TRUSTED_PROXIES" json:"trusted_proxies,omitempty" validate:"dive,cidr|ip"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format" validate:"oneof=json text console"`
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"` // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// StripeEnabled returns true if a Stripe secret key is configured.
func (c *Config) StripeEnabled() bool {
	return c.StripeSecretKey != ""
}

// EmailEnabled returns true if preview emails should be sent.
func (c *Config) EmailEnabled() bool {
	return c.EmailFromAddress != ""
}

// TrustedProxyPrefixes returns TrustedProxies as prefixes. Bare addresses
// become single-host prefixes.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: TRUSTED_PROXIES: %v", ErrInvalidValue, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: TRUSTED_PROXIES: %v", ErrInvalidValue, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// Load reads an optional .env file and then the environment.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: read .env: %w", err)
	}
	return LoadFrom(context.Background(), envconfig.OsLookuper())
}

// LoadFrom reads configuration from l and validates it.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: cfg, Lookuper: l}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	cfg.InferenceBackend = strings.ToLower(cfg.InferenceBackend)
	cfg.StripeCurrency = strings.ToLower(cfg.StripeCurrency)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and backend-specific requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	switch c.InferenceBackend {
	case "runpod":
		if c.RunPodAPIKey == "" {
			return ErrRunPodAPIKeyRequired
		}
		if c.RunPodEndpointID == "" {
			return ErrRunPodEndpointIDRequired
		}
	case "modal":
		if c.ModalEndpointURL == "" {
			return ErrModalEndpointRequired
		}
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// "json" suits production, "console" prints coloured lines for local runs,
// anything else gives plain text.
func (c *Config) NewLogger() *slog.Logger {
	return c.newLogger(os.Stdout)
}

func (c *Config) newLogger(w io.Writer) *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	switch strings.ToLower(c.LogFormat) {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case "console":
		handler = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	default:
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, AppURL: %s, DataDir: %s, DatabaseDriver: %s, InferenceBackend: %s, PresetsDir: %s, Workers: %d, QueueSize: %d, WatermarkFallback: %s, RetentionTTL: %s, Stripe: %t, S3Bucket: %s, S3Region: %s, Email: %t, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.AppURL,
		c.DataDir,
		c.DatabaseDriver,
		c.InferenceBackend,
		c.PresetsDir,
		c.Workers,
		c.QueueSize,
		c.WatermarkFallback,
		c.RetentionTTL,
		c.StripeEnabled(),
		c.S3Bucket,
		c.S3Region,
		c.EmailEnabled(),
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
