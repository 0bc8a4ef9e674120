package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"os"
)

// Config holds all configuration for the decision ledger service.
type Config struct {
	// Server Configuration
	ListenAddr  string
	MetricsAddr string
	HealthAddr  string

	// Database Configuration (legacy URL form)
	DatabaseURL         string
	DatabaseMaxConns    int
	DatabaseMinConns    int
	DatabaseMaxIdleTime int // seconds
	DatabaseMaxLifetime int // seconds
	DatabaseRequired    bool

	// Database Configuration (individual fields, used by pkg/store/sqlstore)
	DBHost            string
	DBPort            int
	DBUser            string
	DBPassword        string
	DBName            string
	DBSSLMode         string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Ledger Identity
	LedgerID string // identifies this ledger instance in anchor/federation records
	DataDir  string // base directory for local state (snapshots, keys)

	// Anchor Signing Configuration
	AnchorSigningMode   string // "none", "hmac", "ed25519"
	AnchorHMACKeyPath   string // path to HMAC key file, when AnchorSigningMode == "hmac"
	AnchorEd25519KeyPath string // path to Ed25519 private key file

	// Retention / Snapshot Configuration
	RetentionPolicyPath string        // path to YAML retention policy file
	SnapshotInterval    int           // snapshot every N events, 0 disables periodic snapshotting
	SnapshotMinAge      time.Duration // minimum age before an event can be pruned

	// Federation Configuration
	FederationEnabled  bool
	TenantID           string
	FederationPeers    []string // URLs of peer ledgers participating in co-signing
	FederationQuorum   int      // number of co-signatures required to execute a federated decision

	// Service Configuration
	LogLevel string

	// Security Configuration
	JWTSecret   string
	CORSOrigins []string
	TLSEnabled  bool

	// Rate Limiting
	RateLimitRequests int
	RateLimitWindow   int
}

// Load reads configuration from environment variables.
//
// Call Validate() after Load() to ensure all required configuration is present
// before starting the service; use ValidateForDevelopment() for local runs.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8080"),
		MetricsAddr: getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("METRICS_PORT", "9090"),
		HealthAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("HEALTH_CHECK_PORT", "8081"),

		DatabaseURL:         getEnv("DATABASE_URL", ""),
		DatabaseMaxConns:    getEnvInt("DATABASE_MAX_CONNS", 25),
		DatabaseMinConns:    getEnvInt("DATABASE_MIN_CONNS", 5),
		DatabaseMaxIdleTime: getEnvInt("DATABASE_MAX_IDLE_TIME", 300),
		DatabaseMaxLifetime: getEnvInt("DATABASE_MAX_LIFETIME", 3600),
		DatabaseRequired:    getEnvBool("DATABASE_REQUIRED", false),

		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            getEnvInt("DB_PORT", 5432),
		DBUser:            getEnv("DB_USER", "ledger"),
		DBPassword:        getEnv("DB_PASSWORD", ""),
		DBName:            getEnv("DB_NAME", "decision_ledger"),
		DBSSLMode:         getEnv("DB_SSL_MODE", "require"),
		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", time.Hour),

		LedgerID: getEnv("LEDGER_ID", "ledger-default"),
		DataDir:  getEnv("DATA_DIR", "./data"),

		AnchorSigningMode:    getEnv("ANCHOR_SIGNING_MODE", "none"),
		AnchorHMACKeyPath:    getEnv("ANCHOR_HMAC_KEY_PATH", ""),
		AnchorEd25519KeyPath: getEnv("ANCHOR_ED25519_KEY_PATH", ""),

		RetentionPolicyPath: getEnv("RETENTION_POLICY_PATH", ""),
		SnapshotInterval:    getEnvInt("SNAPSHOT_INTERVAL", 500),
		SnapshotMinAge:      getEnvDuration("SNAPSHOT_MIN_AGE", 24*time.Hour),

		FederationEnabled: getEnvBool("FEDERATION_ENABLED", false),
		TenantID:          getEnv("TENANT_ID", ""),
		FederationPeers:   parseList(getEnv("FEDERATION_PEERS", "")),
		FederationQuorum:  getEnvInt("FEDERATION_QUORUM", 2),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		JWTSecret:   getEnv("JWT_SECRET", ""),
		CORSOrigins: strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000"), ","),
		TLSEnabled:  getEnvBool("TLS_ENABLED", true),

		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   getEnvInt("RATE_LIMIT_WINDOW", 60),
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and secure.
// This must be called after Load() before starting the service.
func (c *Config) Validate() error {
	var errors []string

	if c.LedgerID == "" || c.LedgerID == "ledger-default" {
		errors = append(errors, "LEDGER_ID must be set to a unique identifier for production")
	}

	if c.DatabaseURL == "" {
		errors = append(errors, "DATABASE_URL is required but not set")
	} else if strings.Contains(c.DatabaseURL, "sslmode=disable") {
		errors = append(errors, "DATABASE_URL must use sslmode=require for production security")
	}

	if c.AnchorSigningMode == "hmac" && c.AnchorHMACKeyPath == "" {
		errors = append(errors, "ANCHOR_HMAC_KEY_PATH is required when ANCHOR_SIGNING_MODE=hmac")
	}
	if c.AnchorSigningMode == "ed25519" && c.AnchorEd25519KeyPath == "" {
		errors = append(errors, "ANCHOR_ED25519_KEY_PATH is required when ANCHOR_SIGNING_MODE=ed25519")
	}
	if c.AnchorSigningMode != "none" && c.AnchorSigningMode != "hmac" && c.AnchorSigningMode != "ed25519" {
		errors = append(errors, fmt.Sprintf("ANCHOR_SIGNING_MODE %q is not one of none|hmac|ed25519", c.AnchorSigningMode))
	}

	if c.FederationEnabled {
		if c.TenantID == "" {
			errors = append(errors, "TENANT_ID is required when FEDERATION_ENABLED=true")
		}
		if c.FederationQuorum < 1 {
			errors = append(errors, "FEDERATION_QUORUM must be at least 1")
		}
	}

	if c.JWTSecret == "" {
		errors = append(errors, "JWT_SECRET is required but not set")
	} else {
		weakSecrets := []string{"development", "secret", "password", "change-me", "changeme", "default", "test"}
		lowerSecret := strings.ToLower(c.JWTSecret)
		for _, weak := range weakSecrets {
			if strings.Contains(lowerSecret, weak) {
				errors = append(errors, "JWT_SECRET contains weak/default value - generate a secure random secret")
				break
			}
		}
		if len(c.JWTSecret) < 32 {
			errors = append(errors, "JWT_SECRET must be at least 32 characters for security")
		}
	}

	if !c.TLSEnabled {
		fmt.Println("WARNING: TLS_ENABLED is false - enable TLS for production security")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// ValidateForDevelopment performs relaxed validation suitable for local development.
// WARNING: Do not use this in production - use Validate() instead.
func (c *Config) ValidateForDevelopment() error {
	var errors []string

	if c.LedgerID == "" {
		errors = append(errors, "LEDGER_ID is required")
	}

	if len(errors) > 0 {
		return fmt.Errorf("development configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// parseList parses a comma-separated list, trimming whitespace and dropping empties.
func parseList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
