package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the referral service.
type Config struct {
	Port            string
	Environment     string
	DatabaseURL     string
	LedgerRPCURL    string
	LedgerAPIKey    string
	TransferTimeout time.Duration
	IdentityBaseURL string
	IdentityAPIKey  string
	IdentityTimeout time.Duration
	SweepInterval   time.Duration
	PendingTTL      time.Duration
	ReconRunHour    int
	ReconRunMinute  int
	RateLimit       int
	Auth            AuthConfig
	Otel            OtelConfig
}

// AuthConfig captures JWT verification settings for the HTTP layer.
type AuthConfig struct {
	Secret         string
	Issuer         string
	Audience       string
	MaxSkewSeconds int
}

// OtelConfig captures OpenTelemetry exporter settings.
type OtelConfig struct {
	Endpoint string
	Insecure bool
	Headers  string
	Traces   bool
	Metrics  bool
}

// FromEnv loads configuration from environment variables required by the
// service.
func FromEnv() (*Config, error) {
	port := getEnvDefault("REFERRALD_PORT", "8080")
	dbURL := os.Getenv("REFERRALD_DB_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("REFERRALD_DB_URL is required")
	}

	ledgerURL := strings.TrimSpace(os.Getenv("REFERRALD_LEDGER_RPC_URL"))
	if ledgerURL == "" {
		return nil, fmt.Errorf("REFERRALD_LEDGER_RPC_URL is required")
	}
	transferTimeout := parseIntEnv("REFERRALD_TRANSFER_TIMEOUT_SECONDS", 15)
	if transferTimeout <= 0 {
		return nil, fmt.Errorf("invalid REFERRALD_TRANSFER_TIMEOUT_SECONDS %d", transferTimeout)
	}

	identityBase := strings.TrimSpace(os.Getenv("REFERRALD_IDENTITY_BASE_URL"))
	identityTimeout := parseIntEnv("REFERRALD_IDENTITY_TIMEOUT_SECONDS", 10)
	if identityTimeout <= 0 {
		return nil, fmt.Errorf("invalid REFERRALD_IDENTITY_TIMEOUT_SECONDS %d", identityTimeout)
	}

	secret := strings.TrimSpace(os.Getenv("REFERRALD_AUTH_JWT_SECRET"))
	if secret == "" {
		return nil, fmt.Errorf("REFERRALD_AUTH_JWT_SECRET is required")
	}
	issuer := strings.TrimSpace(os.Getenv("REFERRALD_AUTH_JWT_ISSUER"))
	if issuer == "" {
		return nil, fmt.Errorf("REFERRALD_AUTH_JWT_ISSUER is required")
	}

	sweepSeconds := parseIntEnv("REFERRALD_SWEEP_INTERVAL_SECONDS", 60)
	if sweepSeconds <= 0 {
		return nil, fmt.Errorf("invalid REFERRALD_SWEEP_INTERVAL_SECONDS %d", sweepSeconds)
	}
	pendingTTLHours := parseIntEnv("REFERRALD_PENDING_TTL_HOURS", 0)
	if pendingTTLHours < 0 {
		pendingTTLHours = 0
	}

	rateLimit := parseIntEnv("REFERRALD_RATE_LIMIT_PER_MINUTE", 120)
	if rateLimit < 0 {
		rateLimit = 0
	}

	return &Config{
		Port:            normalizePort(port),
		Environment:     strings.TrimSpace(os.Getenv("REFERRALD_ENV")),
		DatabaseURL:     dbURL,
		LedgerRPCURL:    ledgerURL,
		LedgerAPIKey:    strings.TrimSpace(os.Getenv("REFERRALD_LEDGER_API_KEY")),
		TransferTimeout: time.Duration(transferTimeout) * time.Second,
		IdentityBaseURL: identityBase,
		IdentityAPIKey:  strings.TrimSpace(os.Getenv("REFERRALD_IDENTITY_API_KEY")),
		IdentityTimeout: time.Duration(identityTimeout) * time.Second,
		SweepInterval:   time.Duration(sweepSeconds) * time.Second,
		PendingTTL:      time.Duration(pendingTTLHours) * time.Hour,
		ReconRunHour:    parseIntEnv("REFERRALD_RECON_RUN_HOUR", 1),
		ReconRunMinute:  parseIntEnv("REFERRALD_RECON_RUN_MINUTE", 5),
		RateLimit:       rateLimit,
		Auth: AuthConfig{
			Secret:         secret,
			Issuer:         issuer,
			Audience:       strings.TrimSpace(os.Getenv("REFERRALD_AUTH_JWT_AUDIENCE")),
			MaxSkewSeconds: parseIntEnv("REFERRALD_AUTH_JWT_MAX_SKEW_SECONDS", 60),
		},
		Otel: OtelConfig{
			Endpoint: strings.TrimSpace(os.Getenv("REFERRALD_OTEL_ENDPOINT")),
			Insecure: parseBoolEnv("REFERRALD_OTEL_INSECURE", true),
			Headers:  strings.TrimSpace(os.Getenv("REFERRALD_OTEL_HEADERS")),
			Traces:   parseBoolEnv("REFERRALD_OTEL_TRACES", false),
			Metrics:  parseBoolEnv("REFERRALD_OTEL_METRICS", false),
		},
	}, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizePort(port string) string {
	if port == "" {
		return "8080"
	}
	if _, err := strconv.Atoi(port); err == nil {
		return port
	}
	// Allow values like ":8080".
	if len(port) > 0 && port[0] == ':' {
		return port[1:]
	}
	return port
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}
