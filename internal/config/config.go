// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Auth
	JWTSecret string
	JWTIssuer string
	JWTTTL    time.Duration

	// Payment gateway
	StripeSecretKey      string // empty → in-memory gateway (development only)
	StripeWebhookSecret  string
	GatewayWebhookSecret string // signature secret for the in-memory gateway

	// Escrow settings
	Currency           string
	CommissionBPS      int   // platform commission in basis points (500 = 5%)
	MinimumChargeMinor int64 // lowest capturable amount in minor units

	// Notifications
	NotifyURL    string // HTTP endpoint that receives user notifications (optional)
	NotifySecret string

	// Operations
	RateLimitRPM      int
	OTLPEndpoint      string
	ReconcileInterval time.Duration
	CORSOrigins       []string
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultJWTIssuer          = "carebid"
	DefaultJWTTTL             = 24 * time.Hour
	DefaultCurrency           = "usd"
	DefaultCommissionBPS      = 500
	DefaultMinimumChargeMinor = 50
	DefaultRateLimitRPM       = 120
	DefaultReconcileInterval  = 5 * time.Minute
	DevGatewayWebhookSecret   = "whsec_dev_inmemory"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		JWTSecret:            os.Getenv("AUTH_JWT_SECRET"), // Required, no default
		JWTIssuer:            getEnv("AUTH_JWT_ISSUER", DefaultJWTIssuer),
		JWTTTL:               getEnvDuration("AUTH_JWT_TTL", DefaultJWTTTL),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		GatewayWebhookSecret: getEnv("GATEWAY_WEBHOOK_SECRET", DevGatewayWebhookSecret),
		Currency:             strings.ToLower(getEnv("PAYMENT_CURRENCY", DefaultCurrency)),
		CommissionBPS:        int(getEnvInt64("COMMISSION_BPS", DefaultCommissionBPS)),
		MinimumChargeMinor:   getEnvInt64("MINIMUM_CHARGE_MINOR", DefaultMinimumChargeMinor),
		NotifyURL:            os.Getenv("NOTIFY_URL"),
		NotifySecret:         os.Getenv("NOTIFY_SECRET"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		CORSOrigins:          splitList(os.Getenv("CORS_ORIGINS")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("AUTH_JWT_SECRET must be at least 32 characters in production")
	}
	if c.StripeSecretKey == "" && c.IsProduction() {
		return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
	}
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	if c.CommissionBPS < 0 || c.CommissionBPS > 10000 {
		return fmt.Errorf("COMMISSION_BPS must be between 0 and 10000")
	}
	if c.MinimumChargeMinor < 0 {
		return fmt.Errorf("MINIMUM_CHARGE_MINOR must not be negative")
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("PAYMENT_CURRENCY must be a 3-letter ISO code")
	}
	return nil
}

// UsesStripe reports whether the real payment gateway is configured.
func (c *Config) UsesStripe() bool {
	return c.StripeSecretKey != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
