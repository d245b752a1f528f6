package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"quantlab_backend/logger"
)

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Dataset storage and presets
	DataDir     string
	PresetsFile string

	// Market data upstream
	MarketDataURL    string
	MarketDataAPIKey string
	MarketDataRPS    float64
	FetchMaxAttempts int

	AnalyticsURL string

	// Job orchestration
	DefaultJobTimeout time.Duration
	MaxJobTimeout     time.Duration
	MaxConcurrentJobs int
	JobRetention      time.Duration
	SweepInterval     time.Duration
	AutoResumeAt      string

	JWTSecret           string
	SubmitRatePerMinute int
	CORSOrigins         []string

	// Run archive (optional)
	DBHost        string
	DBPort        string
	DBUser        string
	DBPassword    string
	DBName        string
	DBSSLMode     string
	MongoURI      string
	MongoDatabase string

	// Warnings collects values that failed to parse and fell back to defaults.
	Warnings []string
}

// LoadConfig loads environment variables, reading .env first when present.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf(".env not loaded: %v", err))
	}

	cfg.Port = getEnv("PORT", "8080")
	cfg.Environment = getEnv("ENVIRONMENT", "development")
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.DataDir = getEnv("DATA_DIR", "./data")
	cfg.PresetsFile = getEnv("PRESETS_FILE", "")
	cfg.MarketDataURL = strings.TrimRight(getEnv("MARKET_DATA_URL", ""), "/")
	cfg.MarketDataAPIKey = getEnv("MARKET_DATA_API_KEY", "")
	cfg.MarketDataRPS = cfg.getFloat("MARKET_DATA_RPS", 5)
	cfg.FetchMaxAttempts = cfg.getInt("FETCH_MAX_ATTEMPTS", 3)
	cfg.AnalyticsURL = strings.TrimRight(getEnv("ANALYTICS_URL", ""), "/")

	cfg.DefaultJobTimeout = time.Duration(cfg.getInt("JOB_DEFAULT_TIMEOUT_MINUTES", 60)) * time.Minute
	cfg.MaxJobTimeout = time.Duration(cfg.getInt("JOB_MAX_TIMEOUT_MINUTES", 360)) * time.Minute
	cfg.MaxConcurrentJobs = cfg.getInt("JOB_MAX_CONCURRENT", 4)
	cfg.JobRetention = time.Duration(cfg.getInt("JOB_RETENTION_MINUTES", 120)) * time.Minute
	cfg.SweepInterval = time.Duration(cfg.getInt("JOB_SWEEP_SECONDS", 30)) * time.Second
	cfg.AutoResumeAt = getEnv("AUTO_RESUME_AT", "")

	cfg.JWTSecret = getEnv("JWT_SECRET", "")
	cfg.SubmitRatePerMinute = cfg.getInt("SUBMIT_RATE_PER_MINUTE", 30)
	for _, origin := range strings.Split(getEnv("CORS_ORIGINS", "*"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
		}
	}

	cfg.DBHost = getEnv("DB_HOST", "")
	cfg.DBPort = getEnv("DB_PORT", "5432")
	cfg.DBUser = getEnv("DB_USER", "postgres")
	cfg.DBPassword = getEnv("DB_PASSWORD", "")
	cfg.DBName = getEnv("DB_NAME", "quantlab")
	cfg.DBSSLMode = getEnv("DB_SSLMODE", "require")
	cfg.MongoURI = getEnv("MONGODB_URI", "")
	cfg.MongoDatabase = getEnv("MONGODB_DATABASE", "quantlab")

	if cfg.DefaultJobTimeout > cfg.MaxJobTimeout {
		cfg.Warnings = append(cfg.Warnings, "JOB_DEFAULT_TIMEOUT_MINUTES exceeds JOB_MAX_TIMEOUT_MINUTES, clamping")
		cfg.DefaultJobTimeout = cfg.MaxJobTimeout
	}
	if cfg.MaxConcurrentJobs < 1 {
		cfg.MaxConcurrentJobs = 1
	}
	if cfg.AutoResumeAt != "" {
		if _, err := time.Parse("15:04", cfg.AutoResumeAt); err != nil {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("AUTO_RESUME_AT=%q is not HH:MM, nightly resume disabled", cfg.AutoResumeAt))
			cfg.AutoResumeAt = ""
		}
	}

	return cfg, nil
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ArchiveDBEnabled reports whether a Postgres archive is configured.
func (c *Config) ArchiveDBEnabled() bool {
	return c.DBHost != ""
}

// InitArchiveDB opens the Postgres run archive.
func InitArchiveDB(cfg *Config, log logger.Logger) (*gorm.DB, error) {
	log.Info("Connecting to archive database",
		logger.String("host", maskHost(cfg.DBHost)),
		logger.String("port", cfg.DBPort),
		logger.String("user", cfg.DBUser),
		logger.String("dbname", cfg.DBName),
	)

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		cfg.DBHost,
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBName,
		cfg.DBPort,
		cfg.DBSSLMode,
	)

	logLevel := gormlogger.Info
	if cfg.IsProduction() {
		logLevel = gormlogger.Error
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Info("Archive database connection verified")
	return db, nil
}

// maskHost masks host for logging, preserving domain structure
func maskHost(host string) string {
	if len(host) <= 3 {
		return "***"
	}
	if len(host) <= 15 {
		return host[:3] + "***"
	}
	return host[:8] + "***" + host[len(host)-10:]
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func (c *Config) getInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		c.Warnings = append(c.Warnings, fmt.Sprintf("%s=%q is not a valid number, using %d", key, raw, defaultValue))
		return defaultValue
	}
	return v
}

func (c *Config) getFloat(key string, defaultValue float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		c.Warnings = append(c.Warnings, fmt.Sprintf("%s=%q is not a valid number, using %g", key, raw, defaultValue))
		return defaultValue
	}
	return v
}
