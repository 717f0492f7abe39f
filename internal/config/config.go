package config

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port               string `envconfig:"PORT" default:"8080"`
	Environment        string `envconfig:"ENV" default:"development"`
	DBConnectionString string `envconfig:"DB_CONNECTION_STRING" required:"true"`
	JWTSecret          string `envconfig:"JWT_SECRET" required:"true"`

	// Stripe keys. Left empty, they are resolved from Secret Manager at
	// startup (requires GCP_PROJECT_ID).
	StripeSecretKey     string `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`

	// Billing event settings
	GCPProjectID       string `envconfig:"GCP_PROJECT_ID"`
	PubSubBillingTopic string `envconfig:"PUBSUB_BILLING_TOPIC" default:"billing-events"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
