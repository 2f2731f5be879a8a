package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig
	Workbook  WorkbookConfig
	Audit     AuditConfig
	Scheduler SchedulerConfig
	Service   ServiceConfig
	Logging   LoggingConfig
}

// DatabaseConfig contains audit store configuration. The store is SQLite:
// one process, one writer, which is exactly the discipline the commit path
// relies on
type DatabaseConfig struct {
	Path        string
	BusyTimeout time.Duration
}

// WorkbookConfig contains review workbook configuration
type WorkbookConfig struct {
	// Dir is the directory holding one CSV sheet per entity kind plus the
	// action log sheet
	Dir string
	// IgnoreLock skips the editor lock preflight check
	IgnoreLock bool
}

// AuditConfig contains audit cycle configuration
type AuditConfig struct {
	// TargetsFile points at the YAML inventory of audited servers
	TargetsFile string
	// MigrateAnnotations copies an orphaned annotation onto the fresh
	// identity when an entity reappears under the same legacy key. The copy
	// always comes back as needs-review
	MigrateAnnotations bool
}

// SchedulerConfig contains collection scheduler configuration
type SchedulerConfig struct {
	// MaxConcurrent bounds how many collections run at once
	MaxConcurrent int
	// Stagger is the minimum spacing between collection starts
	Stagger time.Duration
	// CollectTimeout bounds one collection against one target
	CollectTimeout time.Duration
}

// ServiceConfig contains scheduled service mode configuration
type ServiceConfig struct {
	// Schedule is a cron expression for recurring audit cycles
	Schedule string
	// MetricsAddr is the listen address for /metrics and /healthz
	MetricsAddr string
	// MetricsEnabled toggles the metrics listener
	MetricsEnabled bool
	// ShutdownTimeout bounds the drain on SIGTERM
	ShutdownTimeout time.Duration
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string
	Format string // json or console
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore errors as it's optional)
	_ = godotenv.Load()

	cfg := &Config{
		Database: DatabaseConfig{
			Path:        getEnv("DB_PATH", "./servaudit.db"),
			BusyTimeout: getEnvAsDuration("DB_BUSY_TIMEOUT", 5*time.Second),
		},
		Workbook: WorkbookConfig{
			Dir:        getEnv("WORKBOOK_DIR", "./workbook"),
			IgnoreLock: getEnvAsBool("WORKBOOK_IGNORE_LOCK", false),
		},
		Audit: AuditConfig{
			TargetsFile:        getEnv("TARGETS_FILE", "./targets.yaml"),
			MigrateAnnotations: getEnvAsBool("ANNOTATIONS_MIGRATE", false),
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent:  getEnvAsInt("SCHEDULER_MAX_CONCURRENT", 5),
			Stagger:        getEnvAsDuration("SCHEDULER_STAGGER", 200*time.Millisecond),
			CollectTimeout: getEnvAsDuration("SCHEDULER_COLLECT_TIMEOUT", time.Minute),
		},
		Service: ServiceConfig{
			Schedule:        getEnv("SERVICE_SCHEDULE", "0 7 * * 1"),
			MetricsAddr:     getEnv("METRICS_ADDR", ":9090"),
			MetricsEnabled:  getEnvAsBool("METRICS_ENABLED", true),
			ShutdownTimeout: getEnvAsDuration("SERVICE_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("DB_PATH must not be empty")
	}

	if c.Workbook.Dir == "" {
		return fmt.Errorf("WORKBOOK_DIR must not be empty")
	}

	if c.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("SCHEDULER_MAX_CONCURRENT must be at least 1, got %d", c.Scheduler.MaxConcurrent)
	}

	if c.Scheduler.CollectTimeout <= 0 {
		return fmt.Errorf("SCHEDULER_COLLECT_TIMEOUT must be positive")
	}

	return nil
}

// Helper functions

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
