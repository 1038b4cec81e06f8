package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`
	BaseURL     string `env:"BASE_URL" validate:"omitempty,url"`
	Port        string `env:"PORT" envDefault:"8080"`

	// Card/UPI aggregator.
	CardpayBaseURL       string `env:"CARDPAY_BASE_URL" envDefault:"https://api.cardpay.example" validate:"required,url"`
	CardpayKeyID         string `env:"CARDPAY_KEY_ID,required" validate:"required"`
	CardpayKeySecret     string `env:"CARDPAY_KEY_SECRET,required" validate:"required"`
	CardpayWebhookSecret string `env:"CARDPAY_WEBHOOK_SECRET,required" validate:"required"`

	// Wallet aggregator.
	WalletpayBaseURL     string `env:"WALLETPAY_BASE_URL" envDefault:"https://api.walletpay.example" validate:"required,url"`
	WalletpayMerchantID  string `env:"WALLETPAY_MERCHANT_ID,required" validate:"required"`
	WalletpaySaltKey     string `env:"WALLETPAY_SALT_KEY,required" validate:"required"`
	WalletpaySaltIndex   string `env:"WALLETPAY_SALT_INDEX" envDefault:"1"`
	WalletpayPresumePaid bool   `env:"WALLETPAY_PRESUME_SUCCESS_ON_RETURN" envDefault:"true"`

	IntentTimeout      time.Duration `env:"GATEWAY_INTENT_TIMEOUT" envDefault:"15s"`
	StatusCheckTimeout time.Duration `env:"GATEWAY_STATUS_TIMEOUT" envDefault:"30s"`

	BundleSigningSecret string `env:"BUNDLE_SIGNING_SECRET,required" validate:"required,min=32"`
	AuthSigningSecret   string `env:"AUTH_SIGNING_SECRET,required" validate:"required,min=32"`
	EncryptionKey       string `env:"ENCRYPTION_KEY,required" validate:"required,len=32"`

	CacheProvider         string `env:"CACHE_PROVIDER" envDefault:"memory" validate:"omitempty,oneof=memory redis"`
	RedisConnectionString string `env:"REDIS_CONNECTION_STRING" envDefault:"redis://localhost:6379/0" validate:"required_if=CacheProvider redis"`

	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	PendingTimeout time.Duration `env:"PENDING_ORDER_TIMEOUT" envDefault:"30m"`

	CouponsFile string `env:"COUPONS_FILE"`

	EmailProvider string `env:"EMAIL_PROVIDER" envDefault:"noop" validate:"omitempty,oneof=noop resend"`
	ResendAPIKey  string `env:"RESEND_API_KEY" validate:"required_if=EmailProvider resend"`
	EmailFrom     string `env:"EMAIL_FROM" validate:"required_if=EmailProvider resend,omitempty,email"`

	NotificationURL string `env:"NOTIFICATION_URL" validate:"omitempty,url"`

	LogLevel  slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat string     `env:"LOG_FORMAT" envDefault:"text" validate:"omitempty,oneof=text json"`
}

var configValidator = validator.New()

func Load() (*Config, error) {
	var cfg Config

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if err := configValidator.Struct(c); err != nil {
		return err
	}

	if c.IntentTimeout <= 0 || c.StatusCheckTimeout <= 0 {
		return fmt.Errorf("gateway timeouts must be positive")
	}
	if c.SweepInterval <= 0 || c.PendingTimeout <= 0 {
		return fmt.Errorf("sweeper interval and pending timeout must be positive")
	}

	baseURL := strings.TrimSpace(c.BaseURL)
	if baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil || parsed.Hostname() == "" {
			return fmt.Errorf("BASE_URL must be a valid absolute URL")
		}
		if !isLocalHost(parsed.Hostname()) && !strings.EqualFold(parsed.Scheme, "https") {
			return fmt.Errorf("BASE_URL must use https outside local development")
		}
	}

	return nil
}

func isLocalHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
