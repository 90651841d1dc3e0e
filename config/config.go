package config

import (
	"fmt"
	"strings"
	"time"

	"maildrip/models"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"os"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type IMAPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
}

type Config struct {
	Environment string `json:"environment"`
	ServerPort  string `json:"server_port"`

	// Public base URL used to build tracking and unsubscribe links
	BaseURL string `json:"base_url"`

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	// Delivery gateway
	MailProvider string `json:"mail_provider"` // smtp, http
	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"`
	MailAPIURL   string `json:"mail_api_url"`
	MailAPIKey   string `json:"-"`

	// Scheduler
	TickInterval    time.Duration `json:"tick_interval"`
	BatchSize       int           `json:"batch_size"`
	MaxSendFailures int           `json:"max_send_failures"`

	// Fallback list for the legacy capture flow (no explicit list slug)
	DefaultListSlug string `json:"default_list_slug"`

	// Operator auth for the manual trigger / diagnostics API
	JWTSecret            string `json:"-"`
	OperatorUsername     string `json:"operator_username"`
	OperatorPasswordHash string `json:"-"`

	RateLimitTracking int         `json:"rate_limit_tracking"`
	Redis             RedisConfig `json:"redis"`

	// Bounce mailbox (DSN polling); disabled when host is empty
	BounceIMAP         IMAPConfig    `json:"bounce_imap"`
	BouncePollInterval time.Duration `json:"bounce_poll_interval"`

	SentryDSN string `json:"-"`
}

func init() {
	// .env is optional; real deployments inject env vars directly
	_ = godotenv.Load()
}

func LoadConfig() error {
	AppConfig = Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),
		BaseURL:     strings.TrimRight(getEnv("BASE_URL", "http://localhost:5000"), "/"),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "maildrip"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		MailProvider: getEnv("MAIL_PROVIDER", "smtp"),
		SMTPHost:     getEnv("SMTP_HOST", "localhost"),
		SMTPPort:     getEnvAsInt("SMTP_PORT", 587),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		MailAPIURL:   getEnv("MAIL_API_URL", ""),
		MailAPIKey:   getEnv("MAIL_API_KEY", ""),

		TickInterval:    time.Duration(getEnvAsInt("TICK_INTERVAL_SECONDS", 60)) * time.Second,
		BatchSize:       getEnvAsInt("SCHEDULER_BATCH_SIZE", 50),
		MaxSendFailures: getEnvAsInt("MAX_SEND_FAILURES", 10),

		DefaultListSlug: getEnv("DEFAULT_LIST_SLUG", ""),

		JWTSecret:            getEnv("JWT_SECRET", ""),
		OperatorUsername:     getEnv("OPERATOR_USERNAME", "admin"),
		OperatorPasswordHash: getEnv("OPERATOR_PASSWORD_HASH", ""),

		RateLimitTracking: getEnvAsInt("RATE_LIMIT_TRACKING", 120),
		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ADDRESS", "") != "",
			Address:  getEnv("REDIS_ADDRESS", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		BounceIMAP: IMAPConfig{
			Host:     getEnv("BOUNCE_IMAP_HOST", ""),
			Port:     getEnvAsInt("BOUNCE_IMAP_PORT", 993),
			Username: getEnv("BOUNCE_IMAP_USERNAME", ""),
			Password: getEnv("BOUNCE_IMAP_PASSWORD", ""),
		},
		BouncePollInterval: time.Duration(getEnvAsInt("BOUNCE_POLL_SECONDS", 300)) * time.Second,

		SentryDSN: getEnv("SENTRY_DSN", ""),
	}

	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if AppConfig.MailProvider != "smtp" && AppConfig.MailProvider != "http" {
		return fmt.Errorf("MAIL_PROVIDER must be smtp or http, got %q", AppConfig.MailProvider)
	}
	if AppConfig.MailProvider == "http" && AppConfig.MailAPIURL == "" {
		return fmt.Errorf("MAIL_API_URL is required when MAIL_PROVIDER=http")
	}
	if AppConfig.Environment == "production" && AppConfig.OperatorPasswordHash == "" {
		return fmt.Errorf("OPERATOR_PASSWORD_HASH is required in production")
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	logrus.Info("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	logrus.WithField("dsn", maskPassword(dsn)).Debug("Using connection string")

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	logrus.Info("Connected to the database, running migrations...")
	if err := MigrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	logrus.Info("Database migration completed")
	return nil
}

// MigrateDB creates or updates all engine tables
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.List{},
		&models.Subscription{},
		&models.Unsubscribe{},
		&models.Sequence{},
		&models.SequenceStep{},
		&models.SequenceEnrollment{},
		&models.SendRecord{},
		&models.ClickEvent{},
		&models.Layout{},
	)
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	logrus.WithFields(logrus.Fields{
		"environment":   AppConfig.Environment,
		"server_port":   AppConfig.ServerPort,
		"base_url":      AppConfig.BaseURL,
		"database":      fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"mail_provider": AppConfig.MailProvider,
		"tick_interval": AppConfig.TickInterval.String(),
		"batch_size":    AppConfig.BatchSize,
	}).Info("Loaded configuration")
}
