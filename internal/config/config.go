// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/chainbill/internal/chains"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Optional; enables the cross-instance tx hash guard

	// Chains
	Network         string // "mainnet" or "testnet"
	TreasuryAddress string // Receives every invoice payment; checked at issuance
	RPCURLs         map[string]string
	Confirmations   map[string]uint64
	RPCTimeout      time.Duration
	RPCMaxAttempts  int

	// Invoice lifecycle
	InvoiceTTL         time.Duration
	SweepInterval      time.Duration
	VerifyPollInterval time.Duration // 0 disables the verification watcher

	// Security
	AdminSecret  string
	RateLimitRPM int
	CORSOrigins  string // comma separated; empty allows any origin

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultNetwork            = "mainnet"
	DefaultRPCTimeout         = 15 * time.Second
	DefaultRPCMaxAttempts     = 3
	DefaultInvoiceTTL         = time.Hour
	DefaultSweepInterval      = time.Minute
	DefaultVerifyPollInterval = 30 * time.Second
	DefaultRateLimit          = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", DefaultLogLevel)),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", DefaultLogFormat)),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		Network:            strings.ToLower(getEnv("NETWORK", DefaultNetwork)),
		TreasuryAddress:    strings.TrimSpace(os.Getenv("TREASURY_ADDRESS")),
		RPCURLs:            make(map[string]string),
		Confirmations:      make(map[string]uint64),
		RPCTimeout:         p.duration("RPC_TIMEOUT", DefaultRPCTimeout),
		RPCMaxAttempts:     p.int("RPC_MAX_ATTEMPTS", DefaultRPCMaxAttempts),
		InvoiceTTL:         p.duration("INVOICE_TTL", DefaultInvoiceTTL),
		SweepInterval:      p.duration("SWEEP_INTERVAL", DefaultSweepInterval),
		VerifyPollInterval: p.duration("VERIFY_POLL_INTERVAL", DefaultVerifyPollInterval),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:       p.int("RATE_LIMIT_RPM", DefaultRateLimit),
		CORSOrigins:        os.Getenv("CORS_ORIGINS"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	for _, c := range cfg.Chains() {
		if u := os.Getenv(c.RPCEnvKey()); u != "" {
			cfg.RPCURLs[c.Key] = u
		}
		key := "CONFIRMATIONS_" + c.EnvSuffix()
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				p.errs = append(p.errs, fmt.Errorf("%s: %q is not a non-negative integer", key, v))
				continue
			}
			cfg.Confirmations[c.Key] = n
		}
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configured values are usable
func (c *Config) Validate() error {
	var errs []error

	switch c.Network {
	case "mainnet", "testnet":
	default:
		errs = append(errs, fmt.Errorf("NETWORK must be mainnet or testnet, got %q", c.Network))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	if c.RPCTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RPC_TIMEOUT must be positive"))
	}
	if c.RPCMaxAttempts < 1 || c.RPCMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("RPC_MAX_ATTEMPTS must be between 1 and 10, got %d", c.RPCMaxAttempts))
	}
	if c.InvoiceTTL < time.Minute {
		errs = append(errs, fmt.Errorf("INVOICE_TTL must be at least 1m, got %s", c.InvoiceTTL))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be positive"))
	}
	if c.VerifyPollInterval < 0 {
		errs = append(errs, fmt.Errorf("VERIFY_POLL_INTERVAL must not be negative"))
	}
	if c.RateLimitRPM < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPM must not be negative"))
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required in production"))
	}

	return errors.Join(errs...)
}

// Chains returns the chain table for the configured network.
func (c *Config) Chains() []chains.Chain {
	return chains.ForNetwork(c.Network)
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

// parser reads typed values and remembers every malformed one.
type parser struct {
	errs []error
}

func (p *parser) int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, value))
		return defaultValue
	}
	return i
}

func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a duration (e.g. 30s, 5m)", key, value))
		return defaultValue
	}
	return d
}
