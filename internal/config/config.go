// Package config loads CarePipe configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every runtime knob, populated from environment variables.
type Config struct {
	// Storage.
	StoreDSN     string `env:"CAREPIPE_STORE_DSN" envDefault:"/var/lib/carepipe/carepipe.db"`
	WhatsmeowDSN string `env:"CAREPIPE_WHATSMEOW_DSN"`

	// Channel selection: "whatsmeow" or "twilio".
	Channel     string `env:"CAREPIPE_CHANNEL" envDefault:"whatsmeow"`
	QRPath      string `env:"CAREPIPE_QR_PATH"`
	NumericCode bool   `env:"CAREPIPE_NUMERIC_CODE"`
	WebhookAddr string `env:"CAREPIPE_WEBHOOK_ADDR" envDefault:":8080"`

	// Twilio credentials (used when Channel is "twilio").
	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `env:"TWILIO_FROM_NUMBER"`

	// Session and token policy.
	IdleTimeout      time.Duration `env:"CAREPIPE_IDLE_TIMEOUT" envDefault:"30m"`
	TokenExpiry      time.Duration `env:"CAREPIPE_TOKEN_EXPIRY" envDefault:"1h"`
	RefreshThreshold time.Duration `env:"CAREPIPE_REFRESH_THRESHOLD" envDefault:"10m"`

	// Retry policy.
	RetryMaxAttempts  int           `env:"CAREPIPE_RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryInitialDelay time.Duration `env:"CAREPIPE_RETRY_INITIAL_DELAY" envDefault:"500ms"`
	RetryMultiplier   float64       `env:"CAREPIPE_RETRY_MULTIPLIER" envDefault:"2.0"`

	// One-time codes.
	CodeLength int           `env:"CAREPIPE_CODE_LENGTH" envDefault:"4"`
	CodeTTL    time.Duration `env:"CAREPIPE_CODE_TTL" envDefault:"10m"`

	// Pagination.
	PageSize int `env:"CAREPIPE_PAGE_SIZE" envDefault:"5"`

	// Secrets. EncryptionKey must be exactly 32 bytes (AES-256).
	EncryptionKey string `env:"CAREPIPE_ENCRYPTION_KEY"`
	SigningKey    string `env:"CAREPIPE_SIGNING_KEY"`

	// Upstream services.
	APIBaseURL string `env:"CAREPIPE_API_BASE_URL"`
	OpenAIKey  string `env:"OPENAI_API_KEY"`

	Debug bool `env:"CAREPIPE_DEBUG"`
}

// Load reads .env if present, then parses the environment into a Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements that env tags cannot express.
func (c *Config) Validate() error {
	if c.Channel != "whatsmeow" && c.Channel != "twilio" {
		return fmt.Errorf("unsupported channel %q", c.Channel)
	}
	if c.EncryptionKey != "" && len(c.EncryptionKey) != 32 {
		return fmt.Errorf("encryption key must be exactly 32 bytes, got %d", len(c.EncryptionKey))
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.CodeLength < 4 || c.CodeLength > 10 {
		return fmt.Errorf("code length must be between 4 and 10, got %d", c.CodeLength)
	}
	if c.PageSize < 1 {
		return fmt.Errorf("page size must be positive, got %d", c.PageSize)
	}
	return nil
}
