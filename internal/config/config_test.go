package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channel != "whatsmeow" {
		t.Errorf("default channel = %q", cfg.Channel)
	}
	if cfg.IdleTimeout != 30*time.Minute {
		t.Errorf("default idle timeout = %v", cfg.IdleTimeout)
	}
	if cfg.RetryMaxAttempts != 3 || cfg.RetryMultiplier != 2.0 {
		t.Errorf("default retry policy = %d, %v", cfg.RetryMaxAttempts, cfg.RetryMultiplier)
	}
	if cfg.CodeLength != 4 || cfg.PageSize != 5 {
		t.Errorf("defaults = code %d, page %d", cfg.CodeLength, cfg.PageSize)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CAREPIPE_CHANNEL", "twilio")
	t.Setenv("CAREPIPE_IDLE_TIMEOUT", "45m")
	t.Setenv("CAREPIPE_CODE_LENGTH", "6")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channel != "twilio" || cfg.IdleTimeout != 45*time.Minute || cfg.CodeLength != 6 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{Channel: "whatsmeow", RetryMaxAttempts: 3, CodeLength: 4, PageSize: 5}
	}

	if err := base().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	c := base()
	c.Channel = "carrier-pigeon"
	if err := c.Validate(); err == nil {
		t.Error("unsupported channel accepted")
	}

	c = base()
	c.EncryptionKey = "too-short"
	if err := c.Validate(); err == nil {
		t.Error("short encryption key accepted")
	}

	c = base()
	c.CodeLength = 2
	if err := c.Validate(); err == nil {
		t.Error("code length 2 accepted")
	}

	c = base()
	c.RetryMaxAttempts = 0
	if err := c.Validate(); err == nil {
		t.Error("zero retry attempts accepted")
	}
}
