package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "default_super_secret_key"

type Config struct {
	Port        string
	AppEnv      string
	GinMode     string
	DatabaseURL string
	JWTSecret   string
	CORSOrigins []string

	// SecureCookies marks the access token cookie Secure and SameSite=None.
	SecureCookies bool
	// AdminEmail and AdminPassword seed the first admin account on an empty database.
	AdminEmail    string
	AdminPassword string

	Chain ChainConfig

	SyncSchedule          string
	SyncBatchSize         int
	ReconcileSchedule     string
	ReconcileToleranceBPS int64
	ExecutionLease        time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
}

// ChainConfig describes the RPC endpoint, deployed contracts and custodial signer.
type ChainConfig struct {
	RPCURL              string
	ChainID             int64
	TokenContract       string
	NFTContract         string
	CustodianPrivateKey string
	GasLimit            uint64
	WaitForReceipt      bool
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
}

// Enabled reports whether an RPC endpoint is configured.
func (c ChainConfig) Enabled() bool {
	return c.RPCURL != ""
}

// Load reads configs/.env when present and builds the configuration from the environment.
func Load() (*Config, error) {
	if err := godotenv.Load("configs/.env"); err != nil {
		log.Println("No configs/.env file found or error loading it")
	}
	return FromEnv()
}

// FromEnv builds the configuration from the current environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		AppEnv:      getEnv("APP_ENV", "production"),
		GinMode:     getEnv("GIN_MODE", ""),
		DatabaseURL: databaseURL(),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"http://localhost:5173", "http://127.0.0.1:5173"}),

		SecureCookies: getEnvBool("COOKIE_SECURE", false),
		AdminEmail:    getEnv("ADMIN_EMAIL", ""),
		AdminPassword: getEnv("ADMIN_PASSWORD", ""),

		Chain: ChainConfig{
			RPCURL:              getEnv("RPC_URL", ""),
			ChainID:             getEnvInt64("CHAIN_ID", 11155111),
			TokenContract:       getEnv("TOKEN_CONTRACT_ADDRESS", ""),
			NFTContract:         getEnv("NFT_CONTRACT_ADDRESS", ""),
			CustodianPrivateKey: getEnv("CUSTODIAN_PRIVATE_KEY", ""),
			GasLimit:            getEnvUint64("GAS_LIMIT", 300000),
			WaitForReceipt:      getEnvBool("WAIT_FOR_RECEIPT", true),
			ReceiptTimeout:      getEnvDuration("RECEIPT_TIMEOUT", 2*time.Minute),
			ReceiptPollInterval: getEnvDuration("RECEIPT_POLL_INTERVAL", 2*time.Second),
		},
		SyncSchedule:          getEnv("SYNC_SCHEDULE", "@every 1m"),
		SyncBatchSize:         getEnvInt("SYNC_BATCH_SIZE", 50),
		ReconcileSchedule:     getEnv("RECONCILE_SCHEDULE", "@every 5m"),
		ReconcileToleranceBPS: getEnvInt64("RECONCILE_TOLERANCE_BPS", 100),
		ExecutionLease:        getEnvDuration("EXECUTION_LEASE", 10*time.Minute),
		KafkaBrokers:          getEnvList("KAFKA_BROKERS", nil),
		KafkaTopic:            getEnv("KAFKA_TOPIC", "agrifinance.approvals"),
		RetryMaxAttempts:      getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:        getEnvDuration("RETRY_BASE_DELAY", 200*time.Millisecond),
	}

	if cfg.JWTSecret == "" {
		if cfg.GinMode == "release" {
			return nil, errors.New("JWT_SECRET environment variable is required in release mode")
		}
		cfg.JWTSecret = defaultJWTSecret
	}

	if cfg.Chain.Enabled() {
		if cfg.Chain.CustodianPrivateKey == "" {
			return nil, errors.New("CUSTODIAN_PRIVATE_KEY is required when RPC_URL is set")
		}
		if cfg.Chain.TokenContract == "" || cfg.Chain.NFTContract == "" {
			return nil, errors.New("TOKEN_CONTRACT_ADDRESS and NFT_CONTRACT_ADDRESS are required when RPC_URL is set")
		}
	}
	if cfg.SyncBatchSize <= 0 {
		return nil, fmt.Errorf("SYNC_BATCH_SIZE must be positive, got %d", cfg.SyncBatchSize)
	}

	return cfg, nil
}

// Development reports whether the service runs with developer conveniences.
func (c *Config) Development() bool {
	return c.AppEnv == "development"
}

func databaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("DB_USER", "postgres"),
		getEnv("DB_PASSWORD", "postgres"),
		getEnv("DB_HOST", "localhost"),
		getEnv("DB_PORT", "5432"),
		getEnv("DB_NAME", "postgres"),
		getEnv("DB_SSLMODE", "disable"),
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
