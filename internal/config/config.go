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
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Wallet RPC endpoint pool
	WalletRPCURLs []string // monero-wallet-rpc JSON-RPC endpoints, comma-separated in env
	Network       string   // "mainnet", "stagenet" or "testnet"

	// Wallet RPC call behaviour
	RPCRetryAttempts int           // bounded retries per RPC call
	RPCRetryDelay    time.Duration // fixed delay between attempts
	BreakerThreshold int           // consecutive failures before an endpoint's circuit trips
	BreakerCooldown  time.Duration // how long a tripped circuit sheds traffic before probing
	SettleDelay      time.Duration // pause between protocol calls on one endpoint

	// Polling loops
	FundingInterval time.Duration
	TimeoutInterval time.Duration
	MinConfirms     uint64 // confirmations before Releasing/Refunding complete

	// Timeout policy (per-state deadlines)
	CreatedDeadline   time.Duration
	FundedDeadline    time.Duration
	ReleasingDeadline time.Duration
	DisputedDeadline  time.Duration
	WarningThreshold  time.Duration // emit escrow.expiring this long before expiry
	BackupArbiterID   string        // standby arbiter for lapsed disputes (optional)

	// Notifications
	WebhookURLs   []string // external subscribers for escrow events
	WebhookSecret string   // HMAC key for webhook payload signatures

	// Security
	AdminSecret string // bearer secret for admin endpoints

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint, tracing disabled if empty
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultNetwork          = "stagenet"
	DefaultRPCRetryAttempts = 3
	DefaultRPCRetryDelay    = 2 * time.Second
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 30 * time.Second
	DefaultSettleDelay      = 3 * time.Second
	DefaultFundingInterval  = 45 * time.Second
	DefaultTimeoutInterval  = 60 * time.Second
	DefaultMinConfirms      = 10
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		WalletRPCURLs:     splitList(os.Getenv("WALLET_RPC_URLS")),
		Network:           getEnv("MONERO_NETWORK", DefaultNetwork),
		RPCRetryAttempts:  getEnvInt("RPC_RETRY_ATTEMPTS", DefaultRPCRetryAttempts),
		RPCRetryDelay:     getEnvDuration("RPC_RETRY_DELAY", DefaultRPCRetryDelay),
		BreakerThreshold:  getEnvInt("WALLET_BREAKER_THRESHOLD", DefaultBreakerThreshold),
		BreakerCooldown:   getEnvDuration("WALLET_BREAKER_COOLDOWN", DefaultBreakerCooldown),
		SettleDelay:       getEnvDuration("RPC_SETTLE_DELAY", DefaultSettleDelay),
		FundingInterval:   getEnvDuration("FUNDING_POLL_INTERVAL", DefaultFundingInterval),
		TimeoutInterval:   getEnvDuration("TIMEOUT_POLL_INTERVAL", DefaultTimeoutInterval),
		MinConfirms:       uint64(getEnvInt("MIN_CONFIRMATIONS", DefaultMinConfirms)),
		CreatedDeadline:   getEnvDuration("CREATED_DEADLINE", time.Hour),
		FundedDeadline:    getEnvDuration("FUNDED_DEADLINE", 24*time.Hour),
		ReleasingDeadline: getEnvDuration("RELEASING_DEADLINE", 6*time.Hour),
		DisputedDeadline:  getEnvDuration("DISPUTED_DEADLINE", 7*24*time.Hour),
		WarningThreshold:  getEnvDuration("EXPIRY_WARNING_THRESHOLD", 15*time.Minute),
		BackupArbiterID:   os.Getenv("BACKUP_ARBITER_ID"),
		WebhookURLs:       splitList(os.Getenv("WEBHOOK_URLS")),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.WalletRPCURLs) == 0 {
		return fmt.Errorf("WALLET_RPC_URLS is required (comma-separated wallet-rpc endpoints)")
	}
	for _, u := range c.WalletRPCURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("invalid wallet RPC URL %q: must start with http:// or https://", u)
		}
	}

	switch c.Network {
	case "mainnet", "stagenet", "testnet":
	default:
		return fmt.Errorf("MONERO_NETWORK must be one of mainnet, stagenet, testnet (got %q)", c.Network)
	}

	if c.RPCRetryAttempts < 1 {
		return fmt.Errorf("RPC_RETRY_ATTEMPTS must be at least 1")
	}

	return nil
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
