// Package config provides configuration management functionality.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for the database and backups (always absolute)
	Port     int
	LogLevel string
	Pretty   bool
	DevMode  bool
	DryRun   bool // Adapters log instead of hitting venue APIs

	// VaultKey is the process-scoped credential encryption key (32 bytes).
	// Never persisted; decoded from MERIDIAN_VAULT_KEY (64 hex chars).
	VaultKey []byte

	// Aggregator
	FetchTimeout time.Duration // Per-venue request timeout
	SummaryTTL   time.Duration // Portfolio summary cache TTL

	// Arbitrage
	ArbPollInterval    time.Duration
	OpportunityTTL     time.Duration
	PriceCacheTTL      time.Duration
	MinSpread          float64 // Fraction, e.g. 0.02
	MinMatchConfidence float64

	// Credential cooldown
	CooldownThreshold int
	CooldownBase      time.Duration

	// Backups
	BackupInterval  time.Duration
	BackupRetention int
	Backup          BackupUploadConfig

	// Venue endpoints, overridable via venues.yaml and MERIDIAN_<VENUE>_URL
	Venues VenueEndpoints
}

// BackupUploadConfig holds optional S3/R2 settings for off-site backup copies.
// Upload is skipped entirely when Bucket is empty.
type BackupUploadConfig struct {
	Bucket    string
	Endpoint  string // Custom endpoint for R2/MinIO; empty for plain S3
	Region    string
	AccessKey string
	SecretKey string
}

// Enabled reports whether off-site backup copies are configured.
func (b BackupUploadConfig) Enabled() bool {
	return b.Bucket != "" && b.AccessKey != "" && b.SecretKey != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Determine data directory with fallback logic
	// 1. Check MERIDIAN_DATA_DIR environment variable
	// 2. If not set, default to ./data
	// 3. Always resolve to absolute path
	// 4. Ensure directory exists
	dataDir := getEnv("MERIDIAN_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("MERIDIAN_PORT", 8090),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Pretty:   getEnvAsBool("LOG_PRETTY", false),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		DryRun:   getEnvAsBool("MERIDIAN_DRY_RUN", false),

		FetchTimeout: getEnvAsDuration("FETCH_TIMEOUT_MS", 10_000),
		SummaryTTL:   getEnvAsDuration("SUMMARY_TTL_MS", 30_000),

		ArbPollInterval:    getEnvAsDuration("ARB_POLL_INTERVAL_MS", 10_000),
		OpportunityTTL:     getEnvAsDuration("ARB_OPPORTUNITY_TTL_MS", 60_000),
		PriceCacheTTL:      getEnvAsDuration("ARB_PRICE_CACHE_TTL_MS", 5_000),
		MinSpread:          getEnvAsFloat("ARB_MIN_SPREAD", 0.02),
		MinMatchConfidence: getEnvAsFloat("ARB_MIN_MATCH_CONFIDENCE", 0.8),

		CooldownThreshold: getEnvAsInt("CREDENTIAL_FAILURE_THRESHOLD", 3),
		CooldownBase:      getEnvAsDuration("CREDENTIAL_COOLDOWN_BASE_MS", 60_000),

		BackupInterval:  time.Duration(getEnvAsInt("BACKUP_INTERVAL_MINUTES", 360)) * time.Minute,
		BackupRetention: getEnvAsInt("BACKUP_RETENTION_COUNT", 10),
		Backup: BackupUploadConfig{
			Bucket:    getEnv("BACKUP_S3_BUCKET", ""),
			Endpoint:  getEnv("BACKUP_S3_ENDPOINT", ""),
			Region:    getEnv("BACKUP_S3_REGION", "auto"),
			AccessKey: getEnv("BACKUP_S3_ACCESS_KEY", ""),
			SecretKey: getEnv("BACKUP_S3_SECRET_KEY", ""),
		},
	}

	if key := getEnv("MERIDIAN_VAULT_KEY", ""); key != "" {
		decoded, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("MERIDIAN_VAULT_KEY is not valid hex: %w", err)
		}
		cfg.VaultKey = decoded
	}

	venues, err := LoadVenueEndpoints(getEnv("MERIDIAN_VENUES_FILE", ""))
	if err != nil {
		return nil, err
	}
	cfg.Venues = venues

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if len(c.VaultKey) > 0 && len(c.VaultKey) != 32 {
		return fmt.Errorf("MERIDIAN_VAULT_KEY must decode to 32 bytes, got %d", len(c.VaultKey))
	}
	if c.MinSpread < 0 {
		return fmt.Errorf("ARB_MIN_SPREAD must be >= 0")
	}
	if c.MinMatchConfidence < 0 || c.MinMatchConfidence > 1 {
		return fmt.Errorf("ARB_MIN_MATCH_CONFIDENCE must be within [0,1]")
	}
	if c.BackupRetention < 1 {
		return fmt.Errorf("BACKUP_RETENTION_COUNT must be >= 1")
	}
	return nil
}

// DatabasePath returns the path of the single SQLite database file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "meridian.db")
}

// BackupDir returns the directory timestamped backup copies are written to.
func (c *Config) BackupDir() string {
	return filepath.Join(c.DataDir, "backups")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvAsDuration reads a millisecond value from the environment.
func getEnvAsDuration(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultMs)) * time.Millisecond
}
