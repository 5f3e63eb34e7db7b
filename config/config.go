package config

import (
	"os"

	"github.com/go-playground/validator/v10"
	extErrors "github.com/pkg/errors"
)

var validate *validator.Validate = validator.New()

// Config carries the environment inputs of the api binary. Secrets come
// from the dotenv file loaded in main.
type Config struct {
	StripeSecretKey      string `validate:"required"`
	StripePublishableKey string `validate:"required"`
	StripeWebhookSecret  string
	StaticDir            string `validate:"required"`
	ListenAddr           string `validate:"required"`
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	cfg := &Config{
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripePublishableKey: os.Getenv("STRIPE_PUBLISHABLE_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StaticDir:            os.Getenv("STATIC_DIR"),
		ListenAddr:           os.Getenv("LISTEN_ADDR"),
	}
	if cfg.StaticDir == "" {
		cfg.StaticDir = "client"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":4242"
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, extErrors.Wrap(err, "Invalid configuration in environment")
	}
	return cfg, nil
}
