package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Port string
	Mode string

	// Bridge authentication; empty disables the check
	BridgeAPIKey string

	// Database configuration
	DatabaseURL string

	// Redis configuration; empty keeps token vault and event relay in memory
	RedisURL string

	// Purchase platform configuration
	Platform       string // ios or android
	NativeBackend  string // sandbox is the only in-process backend
	BillingProgram string // none, user-choice, external-offer, external-payments
	// NativeIngress opens /api/native for replaying framework callbacks into
	// the sandbox; there is no host backend behind it
	NativeIngress bool

	// App backend webhook for alternative billing reporting tokens
	WebhookCallbackURL string
	WebhookSecret      string

	// Retention windows
	ReportingTokenTTLHours int
	FinishLedgerTTLHours   int
}

var AppConfig *Config

// InitConfig loads configuration into AppConfig
func InitConfig() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	AppConfig = cfg
	return nil
}

// Load reads configuration from the environment and an optional .env file
func Load() (*Config, error) {
	// Ignore error if .env file doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", "8080"),
		Mode:                   getEnv("GIN_MODE", "debug"),
		BridgeAPIKey:           getEnv("BRIDGE_API_KEY", ""),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		RedisURL:               getEnv("REDIS_URL", ""),
		Platform:               strings.ToLower(getEnv("IAP_PLATFORM", "android")),
		NativeBackend:          strings.ToLower(getEnv("IAP_NATIVE_BACKEND", "sandbox")),
		BillingProgram:         strings.ToLower(getEnv("IAP_BILLING_PROGRAM", "none")),
		NativeIngress:          getEnvBool("IAP_NATIVE_INGRESS", false),
		WebhookCallbackURL:     getEnv("WEBHOOK_CALLBACK_URL", ""),
		WebhookSecret:          getEnv("WEBHOOK_SECRET", ""),
		ReportingTokenTTLHours: getEnvInt("REPORTING_TOKEN_TTL_HOURS", 24),
		FinishLedgerTTLHours:   getEnvInt("FINISH_LEDGER_TTL_HOURS", 24*7),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Platform {
	case "ios", "android":
	default:
		return fmt.Errorf("IAP_PLATFORM must be ios or android, got %q", c.Platform)
	}

	if c.NativeBackend != "sandbox" {
		return fmt.Errorf("unsupported IAP_NATIVE_BACKEND %q", c.NativeBackend)
	}

	switch c.BillingProgram {
	case "none", "user-choice", "external-offer", "external-payments":
	default:
		return fmt.Errorf("unsupported IAP_BILLING_PROGRAM %q", c.BillingProgram)
	}
	if c.Platform == "ios" && c.BillingProgram != "none" {
		return fmt.Errorf("billing program %q is only available on android", c.BillingProgram)
	}

	if c.ReportingTokenTTLHours <= 0 {
		return fmt.Errorf("REPORTING_TOKEN_TTL_HOURS must be positive")
	}
	if c.FinishLedgerTTLHours <= 0 {
		return fmt.Errorf("FINISH_LEDGER_TTL_HOURS must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
