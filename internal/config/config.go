// Package config loads entitlement service configuration from the
// environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the entitlement service.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int
	LogLevel    string
	LogFormat   string

	AuthSecret      string // HMAC secret for client bearer JWTs
	AdminKey        string // ops endpoints
	TrialLedgerSalt string

	AppleSharedSecret string
	AppleBundleID     string
	AppleRootCAFile   string

	GoogleCredentialsFile string
	GooglePackageName     string

	StripeAPIKey        string
	StripeWebhookSecret string
	StripePriceMonthly  string
	StripePriceAnnual   string

	ProductsMonthly  []string
	ProductsAnnual   []string
	ProductsLifetime []string
}

// Load reads configuration from environment variables. A .env file is loaded
// if present but not required.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("ENT_PORT", 8090)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:     envOrDefault("ENT_DATA_DIR", "/data"),
		BindAddress: envOrDefault("ENT_BIND_ADDRESS", "0.0.0.0"),
		Port:        port,
		LogLevel:    envOrDefault("ENT_LOG_LEVEL", "info"),
		LogFormat:   envOrDefault("ENT_LOG_FORMAT", "auto"),

		AuthSecret:      strings.TrimSpace(os.Getenv("ENT_AUTH_SECRET")),
		AdminKey:        strings.TrimSpace(os.Getenv("ENT_ADMIN_KEY")),
		TrialLedgerSalt: strings.TrimSpace(os.Getenv("ENT_TRIAL_LEDGER_SALT")),

		AppleSharedSecret: strings.TrimSpace(os.Getenv("APPLE_SHARED_SECRET")),
		AppleBundleID:     strings.TrimSpace(os.Getenv("APPLE_BUNDLE_ID")),
		AppleRootCAFile:   strings.TrimSpace(os.Getenv("APPLE_ROOT_CA_FILE")),

		GoogleCredentialsFile: strings.TrimSpace(os.Getenv("GOOGLE_CREDENTIALS_FILE")),
		GooglePackageName:     strings.TrimSpace(os.Getenv("GOOGLE_PACKAGE_NAME")),

		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripePriceMonthly:  strings.TrimSpace(os.Getenv("STRIPE_PRICE_MONTHLY")),
		StripePriceAnnual:   strings.TrimSpace(os.Getenv("STRIPE_PRICE_ANNUAL")),

		ProductsMonthly:  envList("ENT_PRODUCTS_MONTHLY", "premium_monthly"),
		ProductsAnnual:   envList("ENT_PRODUCTS_ANNUAL", "premium_annual"),
		ProductsLifetime: envList("ENT_PRODUCTS_LIFETIME", "premium_lifetime"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate entitlement config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.AuthSecret == "" {
		missing = append(missing, "ENT_AUTH_SECRET")
	}
	if c.TrialLedgerSalt == "" {
		missing = append(missing, "ENT_TRIAL_LEDGER_SALT")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("ENT_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.AppleSharedSecret != "" && c.AppleBundleID == "" {
		return fmt.Errorf("APPLE_BUNDLE_ID is required when APPLE_SHARED_SECRET is set")
	}
	if c.GoogleCredentialsFile != "" && c.GooglePackageName == "" {
		return fmt.Errorf("GOOGLE_PACKAGE_NAME is required when GOOGLE_CREDENTIALS_FILE is set")
	}
	return nil
}

// AppleEnabled reports whether App Store verification is configured.
func (c *Config) AppleEnabled() bool {
	return c.AppleSharedSecret != ""
}

// GoogleEnabled reports whether Google Play verification is configured.
func (c *Config) GoogleEnabled() bool {
	return c.GoogleCredentialsFile != ""
}

// GoogleCredentials reads and sanity-checks the service-account JSON.
func (c *Config) GoogleCredentials() ([]byte, error) {
	data, err := os.ReadFile(c.GoogleCredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read google credentials: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("google credentials file is not valid JSON")
	}
	return data, nil
}

// StripePriceClasses maps configured Stripe price IDs to product classes.
func (c *Config) StripePriceClasses() map[string]string {
	out := make(map[string]string)
	if c.StripePriceMonthly != "" {
		out[c.StripePriceMonthly] = "monthly"
	}
	if c.StripePriceAnnual != "" {
		out[c.StripePriceAnnual] = "annual"
	}
	return out
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envList(key string, fallback ...string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
