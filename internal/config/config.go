// Package config provides configuration loading and validation for the API
// server and the sweeper. It uses koanf to merge environment variables with
// optional file overrides.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the service.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database
	DatabaseURL    string `koanf:"database_url"`
	MigrationsPath string `koanf:"migrations_path"`

	// JWT Authentication. The previous secret is kept during rotation so
	// tokens signed before the rollover keep validating until they expire.
	JWTSecret         string `koanf:"jwt_secret"`
	JWTPreviousSecret string `koanf:"jwt_previous_secret"`

	// Stripe
	StripeAPIKey        string `koanf:"stripe_api_key"`
	StripeWebhookSecret string `koanf:"stripe_webhook_secret"`

	// CreditPrices maps provider price identifiers to the number of
	// credits a settled payment at that price grants.
	CreditPrices map[string]int64 `koanf:"credit_prices"`

	// Reconciliation sweeper
	SweepInterval   time.Duration `koanf:"sweep_interval"`
	SweepGrace      time.Duration `koanf:"sweep_grace"`
	SweepBatchSize  int           `koanf:"sweep_batch_size"`
	ProviderTimeout time.Duration `koanf:"provider_timeout"`

	// EventRetention is how long processed-event records are kept before
	// cleanup. It must exceed the provider's redelivery window.
	EventRetention time.Duration `koanf:"event_retention"`

	// Redis (optional, distributed rate limiting)
	RedisURL string `koanf:"redis_url"`

	// OpenTelemetry (optional)
	OTLPEndpoint string `koanf:"otlp_endpoint"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL         = errors.New("DATABASE_URL is required")
	ErrMissingJWTSecret           = errors.New("JWT_SECRET is required")
	ErrMissingStripeAPIKey        = errors.New("STRIPE_API_KEY is required")
	ErrMissingStripeWebhookSecret = errors.New("STRIPE_WEBHOOK_SECRET is required")
	ErrInvalidPort                = errors.New("PORT must be a valid integer")
	ErrInvalidCreditPrice         = errors.New("credit price must be a positive integer")
	ErrInvalidSweepBatchSize      = errors.New("SWEEP_BATCH_SIZE must be > 0")
)

// Default values for non-secret configuration.
const (
	DefaultPort            = 8080
	DefaultEnv             = "development"
	DefaultMigrationsPath  = "migrations"
	DefaultSweepInterval   = 5 * time.Minute
	DefaultSweepGrace      = 15 * time.Minute
	DefaultSweepBatchSize  = 100
	DefaultProviderTimeout = 10 * time.Second
	DefaultEventRetention  = 30 * 24 * time.Hour
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	// Parse port from env, collecting error if invalid
	// Try LEDGER_PORT first, then PORT for backward compatibility
	port, portErr := getEnvIntOrDefaultMulti([]string{"LEDGER_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	sweepInterval, err := getEnvDurationOrDefault("SWEEP_INTERVAL", k.Duration("sweep_interval"), DefaultSweepInterval)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	sweepGrace, err := getEnvDurationOrDefault("SWEEP_GRACE", k.Duration("sweep_grace"), DefaultSweepGrace)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	providerTimeout, err := getEnvDurationOrDefault("PROVIDER_TIMEOUT", k.Duration("provider_timeout"), DefaultProviderTimeout)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	eventRetention, err := getEnvDurationOrDefault("EVENT_RETENTION", k.Duration("event_retention"), DefaultEventRetention)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}

	sweepBatchSize, err := getEnvIntOrDefault("SWEEP_BATCH_SIZE", k.Int("sweep_batch_size"), DefaultSweepBatchSize)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}

	creditPrices, err := loadCreditPrices(k)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}

	// Build config struct, with env vars taking precedence over file values
	cfg := &Config{
		Port:                port,
		Env:                 getEnvOrDefaultMulti([]string{"LEDGER_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:         getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		MigrationsPath:      getEnvOrDefault("MIGRATIONS_PATH", k.String("migrations_path"), DefaultMigrationsPath),
		JWTSecret:           getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTPreviousSecret:   getEnvOrKoanf("JWT_PREVIOUS_SECRET", k, "jwt_previous_secret"),
		StripeAPIKey:        getEnvOrKoanf("STRIPE_API_KEY", k, "stripe_api_key"),
		StripeWebhookSecret: getEnvOrKoanf("STRIPE_WEBHOOK_SECRET", k, "stripe_webhook_secret"),
		CreditPrices:        creditPrices,
		SweepInterval:       sweepInterval,
		SweepGrace:          sweepGrace,
		SweepBatchSize:      sweepBatchSize,
		ProviderTimeout:     providerTimeout,
		EventRetention:      eventRetention,
		RedisURL:            getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		OTLPEndpoint:        getEnvOrKoanf("OTLP_ENDPOINT", k, "otlp_endpoint"),
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// loadCreditPrices merges the price table from the config file with the
// CREDIT_PRICES environment variable. The env format is a comma-separated
// list of price_id=credits pairs; env entries override file entries.
func loadCreditPrices(k *koanf.Koanf) (map[string]int64, error) {
	prices := make(map[string]int64)

	if raw := k.Get("credit_prices"); raw != nil {
		entries, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("credit_prices: expected a map, got %T: %w", raw, ErrInvalidCreditPrice)
		}
		for priceID, value := range entries {
			credits, err := creditsValue(value)
			if err != nil || credits <= 0 {
				return nil, fmt.Errorf("credit_prices[%s]=%v: %w", priceID, value, ErrInvalidCreditPrice)
			}
			prices[priceID] = credits
		}
	}

	if val := os.Getenv("CREDIT_PRICES"); val != "" {
		for _, pair := range strings.Split(val, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			priceID, raw, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, fmt.Errorf("CREDIT_PRICES entry %q: %w", pair, ErrInvalidCreditPrice)
			}
			credits, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || credits <= 0 {
				return nil, fmt.Errorf("CREDIT_PRICES entry %q: %w", pair, ErrInvalidCreditPrice)
			}
			prices[strings.TrimSpace(priceID)] = credits
		}
	}

	return prices, nil
}

// creditsValue converts one credit_prices entry. YAML decodes bare integers
// as int and quoted values as string; both forms are accepted.
func creditsValue(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("credits must be a whole number, got %v", v)
		}
		return int64(v), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	default:
		return 0, fmt.Errorf("unsupported credits type %T", value)
	}
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
// Note: a zero value in a YAML file falls back to the default.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, err)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvDurationOrDefault returns the environment variable as a duration if
// set, otherwise the koanf value, or default. Returns an error if the
// environment variable is set but cannot be parsed (e.g. "5m", "1h30m").
func getEnvDurationOrDefault(envKey string, koanfVal time.Duration, defaultVal time.Duration) (time.Duration, error) {
	if val := os.Getenv(envKey); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", envKey, err)
		}
		return d, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.StripeAPIKey == "" {
		errs = append(errs, ErrMissingStripeAPIKey)
	}
	if c.StripeWebhookSecret == "" {
		errs = append(errs, ErrMissingStripeWebhookSecret)
	}
	if c.SweepBatchSize < 0 {
		errs = append(errs, ErrInvalidSweepBatchSize)
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                  fmt.Sprintf("%d", c.Port),
		"env":                   c.Env,
		"database_url":          maskDatabaseURL(c.DatabaseURL),
		"migrations_path":       c.MigrationsPath,
		"jwt_secret":            maskSecret(c.JWTSecret),
		"jwt_previous_secret":   maskSecret(c.JWTPreviousSecret),
		"stripe_api_key":        maskStripeKey(c.StripeAPIKey),
		"stripe_webhook_secret": maskSecret(c.StripeWebhookSecret),
		"credit_prices":         fmt.Sprintf("%d entries", len(c.CreditPrices)),
		"sweep_interval":        c.SweepInterval.String(),
		"sweep_grace":           c.SweepGrace.String(),
		"sweep_batch_size":      fmt.Sprintf("%d", c.SweepBatchSize),
		"provider_timeout":      c.ProviderTimeout.String(),
		"event_retention":       c.EventRetention.String(),
		"redis_url":             maskDatabaseURL(c.RedisURL),
		"otlp_endpoint":         c.OTLPEndpoint,
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskStripeKey masks a Stripe API key, preserving the prefix (sk_live_, sk_test_, etc.)
func maskStripeKey(s string) string {
	if s == "" {
		return "<not set>"
	}

	// Stripe keys have format like sk_live_..., sk_test_..., pk_live_..., etc.
	parts := strings.SplitN(s, "_", 3)
	if len(parts) == 3 {
		return parts[0] + "_" + parts[1] + "_****"
	}

	// Fallback to generic masking
	return maskSecret(s)
}

// maskDatabaseURL masks the password in a database URL.
// Supports both postgres:// and postgresql:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	// Look for password pattern: user:password@host
	// Simple approach: find :// and then mask between : and @
	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	// Reconstruct URL with masked password
	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
