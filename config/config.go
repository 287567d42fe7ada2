package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	AuditDatabase *DatabaseConfig // Optional: separate DB for the audit ledger. When nil, the ledger uses the main DB.
	Auth          AuthConfig
	Ledger        LedgerConfig
	Workflow      WorkflowConfig
	Policy        PolicyConfig
	Monitor       MonitorConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// AuthConfig holds JWT bearer authentication configuration
type AuthConfig struct {
	// JWTSecret signs and verifies HS256 bearer tokens. Required in
	// production; an empty secret rejects every token.
	JWTSecret string

	// Issuer, when set, must match the token's iss claim.
	Issuer string
}

// LedgerConfig holds audit ledger configuration
type LedgerConfig struct {
	// SigningKey is the HMAC key for per-entry signatures. Empty disables
	// signing (the nop signer).
	SigningKey string

	// MirrorEnabled forwards appended entries to Redis.
	MirrorEnabled bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	MirrorChannel string
}

// WorkflowConfig holds workflow engine tuning
type WorkflowConfig struct {
	// StepAttempts is the per-step attempt budget, including the first try.
	StepAttempts int

	// StepTimeout bounds each tool invocation.
	StepTimeout time.Duration

	// CommitTimeout bounds the inventory commit of a completed run.
	CommitTimeout time.Duration

	// CompensationTimeout bounds each compensating call.
	CompensationTimeout time.Duration

	// QueueSize bounds each dispatcher worker's task queue.
	QueueSize int
}

// PolicyConfig holds policy store configuration
type PolicyConfig struct {
	// BootstrapFile is a YAML policy set activated when storage is empty.
	// Empty falls back to the built-in baseline set.
	BootstrapFile string

	CacheTTL      time.Duration
	CacheMaxSize  int
	CacheCleanup  time.Duration
}

// MonitorConfig holds expiry monitor configuration
type MonitorConfig struct {
	Enabled    bool
	Interval   time.Duration
	WarnWindow time.Duration
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or console
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database:      loadDatabaseConfig(),
		AuditDatabase: loadAuditDatabaseConfig(),
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			Issuer:    getEnv("JWT_ISSUER", ""),
		},
		Ledger: LedgerConfig{
			SigningKey:    getEnv("LEDGER_SIGNING_KEY", ""),
			MirrorEnabled: getEnvAsBool("LEDGER_MIRROR_ENABLED", false),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvAsInt("REDIS_DB", 0),
			MirrorChannel: getEnv("LEDGER_MIRROR_CHANNEL", "audit-ledger"),
		},
		Workflow: WorkflowConfig{
			StepAttempts:        getEnvAsInt("WORKFLOW_STEP_ATTEMPTS", 3),
			StepTimeout:         getEnvAsDuration("WORKFLOW_STEP_TIMEOUT", 30*time.Second),
			CommitTimeout:       getEnvAsDuration("WORKFLOW_COMMIT_TIMEOUT", 30*time.Second),
			CompensationTimeout: getEnvAsDuration("WORKFLOW_COMPENSATION_TIMEOUT", 60*time.Second),
			QueueSize:           getEnvAsInt("WORKFLOW_QUEUE_SIZE", 16),
		},
		Policy: PolicyConfig{
			BootstrapFile: getEnv("POLICY_BOOTSTRAP_FILE", ""),
			CacheTTL:      getEnvAsDuration("POLICY_CACHE_TTL", 5*time.Minute),
			CacheMaxSize:  getEnvAsInt("POLICY_CACHE_MAX_SIZE", 100),
			CacheCleanup:  getEnvAsDuration("POLICY_CACHE_CLEANUP_INTERVAL", time.Minute),
		},
		Monitor: MonitorConfig{
			Enabled:    getEnvAsBool("EXPIRY_MONITOR_ENABLED", true),
			Interval:   getEnvAsDuration("EXPIRY_MONITOR_INTERVAL", time.Hour),
			WarnWindow: getEnvAsDuration("EXPIRY_WARN_WINDOW", 30*24*time.Hour),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	// Database validation (DATABASE_URL or DB_* vars)
	if c.Database.ConnectionString == "" && c.Database.Host == "" {
		return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
	}
	if c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	// Auth validation (required in production)
	if c.IsProduction() && c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required in production")
	}

	// Ledger validation
	if c.Ledger.MirrorEnabled && c.Ledger.RedisAddr == "" {
		return fmt.Errorf("redis address is required when the ledger mirror is enabled")
	}

	// Workflow validation
	if c.Workflow.StepAttempts < 1 {
		return fmt.Errorf("workflow step attempts must be at least 1")
	}
	if c.Workflow.StepTimeout <= 0 {
		return fmt.Errorf("workflow step timeout must be positive")
	}
	if c.Workflow.QueueSize < 1 {
		return fmt.Errorf("workflow queue size must be at least 1")
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "dev"),
		Password:        getEnv("DB_PASSWORD", "crypto_password"),
		Database:        getEnv("DB_NAME", "crypto_control_plane"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// loadAuditDatabaseConfig loads audit DB config from DATABASE_URL_AUDIT.
// Returns nil when not set (the ledger uses the main DB).
func loadAuditDatabaseConfig() *DatabaseConfig {
	dbURL := getEnv("DATABASE_URL_AUDIT", "")
	if dbURL == "" {
		return nil
	}
	return &DatabaseConfig{
		ConnectionString: dbURL,
		MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
