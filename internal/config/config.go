package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds configuration for the routing service.
type Config struct {
	HTTPPort    string
	Log         LogConfig
	Auth        AuthConfig
	Database    DatabaseConfig
	Cache       CacheConfig
	Redis       RedisConfig
	Vault       VaultConfig
	Budget      BudgetConfig
	Dispatch    DispatchConfig
	Ledger      LedgerConfig
	RateLimit   RateLimitConfig
	UsageExport UsageExportConfig
	Metrics     MetricsConfig
}

// LogConfig holds logger settings
type LogConfig struct {
	Level      string
	Local      bool
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// AuthConfig holds tenant token settings
type AuthConfig struct {
	JWTSecret []byte
	Issuer    string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string // postgres or sqlite
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	AutoMigrate     bool
}

// CacheConfig holds cache settings
type CacheConfig struct {
	ProviderCacheSize int
	ProviderCacheTTL  time.Duration
}

// RedisConfig holds Redis connection settings. An empty Address disables Redis.
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// VaultConfig holds credential sealing settings
type VaultConfig struct {
	MasterKey        []byte        // 32 bytes, decoded from VAULT_MASTER_KEY (base64)
	LivenessTimeout  time.Duration // bound for the synchronous check on addKey
	WarningThreshold float64       // spend ratio at which budget_status becomes warning
}

// BudgetConfig selects where live budget counters are kept
type BudgetConfig struct {
	Backend       string // database or redis
	SyncBatchSize int
	SyncTimeout   time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
}

// DispatchConfig holds upstream call bounds
type DispatchConfig struct {
	Tier1Timeout   time.Duration
	Tier2Timeout   time.Duration
	DefaultTimeout time.Duration
}

// LedgerConfig holds usage ledger settings
type LedgerConfig struct {
	Async            bool // write records through a queue worker
	BatchSize        int
	BatchTimeout     time.Duration
	RecentErrorLimit int
}

// RateLimitConfig toggles per-provider request limits
type RateLimitConfig struct {
	Enabled bool
}

// UsageExportConfig holds configuration for the S3 usage export sink
type UsageExportConfig struct {
	Enabled       bool
	BufferSize    int
	FlushSize     int
	FlushInterval time.Duration
	S3Bucket      string
	S3Region      string
	S3Prefix      string
	PodName       string
}

// MetricsConfig toggles Prometheus metrics
type MetricsConfig struct {
	Enabled bool
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvFloat(key string, defaultValue float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}
	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

// Load reads configuration from environment variables, after merging an
// optional .env file (ENV_FILE, default ".env") into the environment.
func Load() (*Config, error) {
	envFile := getEnvString("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	driver := strings.ToLower(getEnvString("DATABASE_DRIVER", "postgres"))
	if driver != "postgres" && driver != "sqlite" {
		return nil, fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite, got %q", driver)
	}
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	masterKey, err := decodeMasterKey(os.Getenv("VAULT_MASTER_KEY"))
	if err != nil {
		return nil, err
	}

	backend := strings.ToLower(getEnvString("BUDGET_BACKEND", "database"))
	if backend != "database" && backend != "redis" {
		return nil, fmt.Errorf("BUDGET_BACKEND must be database or redis, got %q", backend)
	}

	cfg := &Config{
		HTTPPort: getEnvString("HTTP_PORT", "8080"),
		Log: LogConfig{
			Level:      getEnvString("LOG_LEVEL", "info"),
			Local:      getEnvBool("LOCAL", false),
			FilePath:   getEnvString("LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("LOG_FILE_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_FILE_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvInt("LOG_FILE_MAX_AGE_DAYS", 14),
		},
		Auth: AuthConfig{
			JWTSecret: []byte(getEnvString("JWT_SECRET", "supersecretkey")),
			Issuer:    getEnvString("JWT_ISSUER", ""),
		},
		Database: DatabaseConfig{
			Driver:          driver,
			URL:             dbURL,
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
			AutoMigrate:     getEnvBool("DB_AUTO_MIGRATE", true),
		},
		Cache: CacheConfig{
			ProviderCacheSize: getEnvInt("CACHE_PROVIDER_SIZE", 256),
			ProviderCacheTTL:  getEnvDuration("CACHE_PROVIDER_TTL", 5*time.Minute),
		},
		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDRESS", ""),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Vault: VaultConfig{
			MasterKey:        masterKey,
			LivenessTimeout:  getEnvDuration("VAULT_LIVENESS_TIMEOUT", 10*time.Second),
			WarningThreshold: getEnvFloat("BUDGET_WARNING_THRESHOLD", 0.8),
		},
		Budget: BudgetConfig{
			Backend:       backend,
			SyncBatchSize: getEnvInt("BUDGET_SYNC_BATCH_SIZE", 100),
			SyncTimeout:   getEnvDuration("BUDGET_SYNC_BATCH_TIMEOUT", 5*time.Second),
			MaxRetries:    getEnvInt("BUDGET_SYNC_MAX_RETRIES", 3),
			RetryBackoff:  getEnvDuration("BUDGET_SYNC_RETRY_BACKOFF", 1*time.Second),
		},
		Dispatch: DispatchConfig{
			Tier1Timeout:   getEnvDuration("DISPATCH_TIER1_TIMEOUT", 30*time.Second),
			Tier2Timeout:   getEnvDuration("DISPATCH_TIER2_TIMEOUT", 20*time.Second),
			DefaultTimeout: getEnvDuration("DISPATCH_DEFAULT_TIMEOUT", 30*time.Second),
		},
		Ledger: LedgerConfig{
			Async:            getEnvBool("LEDGER_ASYNC", false),
			BatchSize:        getEnvInt("LEDGER_BATCH_SIZE", 100),
			BatchTimeout:     getEnvDuration("LEDGER_BATCH_TIMEOUT", 5*time.Second),
			RecentErrorLimit: getEnvInt("LEDGER_RECENT_ERRORS", 10),
		},
		RateLimit: RateLimitConfig{
			Enabled: getEnvBool("RATE_LIMIT_ENABLED", false),
		},
		UsageExport: UsageExportConfig{
			Enabled:       getEnvBool("USAGE_EXPORT_ENABLED", false),
			BufferSize:    getEnvInt("USAGE_EXPORT_BUFFER_SIZE", 10000),
			FlushSize:     getEnvInt("USAGE_EXPORT_FLUSH_SIZE", 1000),
			FlushInterval: getEnvDuration("USAGE_EXPORT_FLUSH_INTERVAL", 5*time.Minute),
			S3Bucket:      getEnvString("USAGE_EXPORT_S3_BUCKET", ""),
			S3Region:      getEnvString("USAGE_EXPORT_S3_REGION", "us-east-1"),
			S3Prefix:      getEnvString("USAGE_EXPORT_S3_PREFIX", "usage/"),
			PodName:       getEnvString("POD_NAME", "router-0"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
		},
	}

	if cfg.Budget.Backend == "redis" && cfg.Redis.Address == "" {
		return nil, fmt.Errorf("BUDGET_BACKEND=redis requires REDIS_ADDRESS")
	}
	if cfg.UsageExport.Enabled && cfg.UsageExport.S3Bucket == "" {
		return nil, fmt.Errorf("USAGE_EXPORT_ENABLED requires USAGE_EXPORT_S3_BUCKET")
	}

	return cfg, nil
}

// TimeoutForTier returns the upstream call bound for a catalog tier.
func (c DispatchConfig) TimeoutForTier(tier int) time.Duration {
	switch tier {
	case 1:
		return c.Tier1Timeout
	case 2:
		return c.Tier2Timeout
	default:
		return c.DefaultTimeout
	}
}

func decodeMasterKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, fmt.Errorf("VAULT_MASTER_KEY is required (base64, 32 bytes)")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("VAULT_MASTER_KEY must be base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("VAULT_MASTER_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
