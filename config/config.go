// Package config loads runtime configuration from the environment.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds runtime configuration for the advance engine.
type Config struct {
	Addr         string        `envconfig:"ADDR" default:":8080"`
	DBPath       string        `envconfig:"DB_PATH" default:"advance.db"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"http://localhost:5173,http://localhost:8080"`

	// Disbursement provider. When MPESA_ENABLED is false, approvals
	// succeed without initiating payment and advances stay approved.
	MpesaEnabled            bool          `envconfig:"MPESA_ENABLED" default:"false"`
	MpesaBaseURL            string        `envconfig:"MPESA_BASE_URL" default:"https://sandbox.safaricom.co.ke"`
	MpesaConsumerKey        string        `envconfig:"MPESA_CONSUMER_KEY"`
	MpesaConsumerSecret     string        `envconfig:"MPESA_CONSUMER_SECRET"`
	MpesaShortcode          string        `envconfig:"MPESA_SHORTCODE"`
	MpesaInitiatorName      string        `envconfig:"MPESA_INITIATOR_NAME"`
	MpesaSecurityCredential string        `envconfig:"MPESA_SECURITY_CREDENTIAL"`
	MpesaCallbackURL        string        `envconfig:"MPESA_CALLBACK_URL" default:"http://localhost:8080/api/mpesa"`
	MpesaCountryCode        string        `envconfig:"MPESA_COUNTRY_CODE" default:"254"`
	MpesaTimeout            time.Duration `envconfig:"MPESA_TIMEOUT" default:"30s"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
