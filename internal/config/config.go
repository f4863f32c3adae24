package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Environment
	RunMode string // Set via flag, not env

	// MongoDB
	MongoURI    string
	MongoDbName string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// JWT
	JwtSecret string
	JwtTTL    time.Duration

	// Server
	ApiPort        string
	ServiceApiPort string
	CorsOrigins    string

	// Billing
	Currency                string
	CurrencyExponent        int // minor units per major unit, as a power of ten
	InvoiceLeadDays         int // invoices are generated this many days before they fall due
	ChargeExpiryHours       int
	WebhookDedupeTTL        time.Duration
	GenerateInvoicesCron    string
	CheckOverdueCron        string
	ApplyInterestCron       string
	WorkerConcurrency       int
	DefaultTaskTimeout      time.Duration
	CompletedTaskRetention  time.Duration
	BillingTimezone         string
	MaxListPageSize         int64
	DefaultListPageSize     int64
	OverdueNoticeTemplateID string
	InvoiceNoticeTemplateID string
	DefaultEmailLocale      string

	// Midtrans
	MidtransServerKey  string
	MidtransClientKey  string
	MidtransProduction bool

	// Email
	SmtpHost        string
	SmtpPort        int
	SmtpUsername    string
	SmtpPassword    string
	SmtpFromAddress string
	EmailLogFile    string

	// AWS S3
	AwsAccessKeyID     string
	AwsSecretAccessKey string
	AwsRegion          string
	AwsS3Bucket        string
	AwsS3Endpoint      string
	DocumentUploadTTL  time.Duration
	DocumentMaxSizeMB  int

	// App Defaults
	AppName      string
	MockServices bool

	// Rate Limiting Defaults
	RateLimitSoftBucketSize int
	RateLimitSoftRefillRate int // tokens per second
	RateLimitHardBucketSize int
	RateLimitHardRefillRate int // tokens per second
}

// Location returns the time zone used to decide what "today" is for billing sweeps.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.BillingTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load configuration from environment variables.
// RunMode needs to be passed in as it comes from command-line flags.
func Load(runMode string) (*Config, error) {
	// Load .env file, ignoring errors if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		RunMode: runMode,
	}

	var err error

	getEnv := func(key, defaultValue string) string {
		if value, exists := os.LookupEnv(key); exists {
			return value
		}
		return defaultValue
	}

	getRequiredEnv := func(key string) (string, error) {
		value, exists := os.LookupEnv(key)
		if !exists {
			return "", fmt.Errorf("missing required environment variable: %s", key)
		}
		return value, nil
	}

	getInt := func(key, defaultValue string) (int, error) {
		v, err := strconv.Atoi(getEnv(key, defaultValue))
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return v, nil
	}

	getSeconds := func(key, defaultValue string) (time.Duration, error) {
		v, err := strconv.ParseInt(getEnv(key, defaultValue), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return time.Duration(v) * time.Second, nil
	}

	// Load basic string values
	cfg.MongoURI, err = getRequiredEnv("MONGO_URI")
	if err != nil {
		return nil, err
	}
	cfg.MongoDbName = getEnv("MONGO_DB_NAME", "tuition")
	cfg.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.JwtSecret, err = getRequiredEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}
	cfg.ApiPort = getEnv("API_PORT", "8080")
	cfg.ServiceApiPort = getEnv("SERVICE_API_PORT", "12345")
	cfg.CorsOrigins = getEnv("CORS_ORIGINS", "*")
	cfg.Currency = getEnv("BILLING_CURRENCY", "IDR")
	cfg.GenerateInvoicesCron = getEnv("GENERATE_INVOICES_CRON", "0 2 * * *")
	cfg.CheckOverdueCron = getEnv("CHECK_OVERDUE_CRON", "0 3 * * *")
	cfg.ApplyInterestCron = getEnv("APPLY_INTEREST_CRON", "30 3 * * *")
	cfg.BillingTimezone = getEnv("BILLING_TIMEZONE", "UTC")
	cfg.OverdueNoticeTemplateID = getEnv("OVERDUE_NOTICE_TEMPLATE_ID", "invoice_overdue")
	cfg.InvoiceNoticeTemplateID = getEnv("INVOICE_NOTICE_TEMPLATE_ID", "invoice_issued")
	cfg.DefaultEmailLocale = getEnv("DEFAULT_EMAIL_LOCALE", "en-US")
	cfg.MidtransServerKey = getEnv("MIDTRANS_SERVER_KEY", "")
	cfg.MidtransClientKey = getEnv("MIDTRANS_CLIENT_KEY", "")
	cfg.SmtpHost = getEnv("SMTP_HOST", "")
	cfg.SmtpUsername = getEnv("SMTP_USERNAME", "")
	cfg.SmtpPassword = getEnv("SMTP_PASSWORD", "")
	cfg.SmtpFromAddress = getEnv("SMTP_FROM_ADDRESS", "billing@tuition.example.com")
	cfg.EmailLogFile = getEnv("EMAIL_LOG_FILE", "")
	cfg.AwsAccessKeyID = getEnv("AWS_ACCESS_KEY_ID", "")
	cfg.AwsSecretAccessKey = getEnv("AWS_SECRET_ACCESS_KEY", "")
	cfg.AwsRegion = getEnv("AWS_REGION", "")
	cfg.AwsS3Bucket = getEnv("AWS_S3_BUCKET", "")
	cfg.AwsS3Endpoint = getEnv("AWS_S3_ENDPOINT", "")
	cfg.AppName = getEnv("APP_NAME", "Tuition")

	cfg.MidtransProduction, err = strconv.ParseBool(getEnv("MIDTRANS_PRODUCTION", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid MIDTRANS_PRODUCTION: %w", err)
	}
	cfg.MockServices, err = strconv.ParseBool(getEnv("MOCK_SERVICES", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid MOCK_SERVICES: %w", err)
	}

	// Load numeric and time duration values with defaults and parsing
	if cfg.RedisDB, err = getInt("REDIS_DB", "0"); err != nil {
		return nil, err
	}
	if cfg.JwtTTL, err = getSeconds("JWT_TTL_SECONDS", "3600"); err != nil {
		return nil, err
	}
	if cfg.SmtpPort, err = getInt("SMTP_PORT", "587"); err != nil {
		return nil, err
	}
	if cfg.CurrencyExponent, err = getInt("CURRENCY_EXPONENT", "2"); err != nil {
		return nil, err
	}
	if cfg.InvoiceLeadDays, err = getInt("INVOICE_LEAD_DAYS", "10"); err != nil {
		return nil, err
	}
	if cfg.ChargeExpiryHours, err = getInt("CHARGE_EXPIRY_HOURS", "72"); err != nil {
		return nil, err
	}
	if cfg.WebhookDedupeTTL, err = getSeconds("WEBHOOK_DEDUPE_TTL_SECONDS", "86400"); err != nil {
		return nil, err
	}
	if cfg.WorkerConcurrency, err = getInt("WORKER_CONCURRENCY", "10"); err != nil {
		return nil, err
	}
	if cfg.DefaultTaskTimeout, err = getSeconds("DEFAULT_TASK_TIMEOUT_SECONDS", "300"); err != nil {
		return nil, err
	}
	if cfg.CompletedTaskRetention, err = getSeconds("COMPLETED_TASK_RETENTION_SECONDS", "86400"); err != nil {
		return nil, err
	}
	if cfg.DocumentUploadTTL, err = getSeconds("DOCUMENT_UPLOAD_TTL_SECONDS", "900"); err != nil {
		return nil, err
	}
	if cfg.DocumentMaxSizeMB, err = getInt("DOCUMENT_MAX_SIZE_MB", "20"); err != nil {
		return nil, err
	}

	maxPage, err := getInt("MAX_LIST_PAGE_SIZE", "200")
	if err != nil {
		return nil, err
	}
	cfg.MaxListPageSize = int64(maxPage)
	defPage, err := getInt("DEFAULT_LIST_PAGE_SIZE", "50")
	if err != nil {
		return nil, err
	}
	cfg.DefaultListPageSize = int64(defPage)

	// Rate Limiting
	if cfg.RateLimitSoftBucketSize, err = getInt("RATE_LIMIT_SOFT_BUCKET_SIZE", "20"); err != nil {
		return nil, err
	}
	if cfg.RateLimitSoftRefillRate, err = getInt("RATE_LIMIT_SOFT_REFILL_RATE", "10"); err != nil {
		return nil, err
	}
	if cfg.RateLimitHardBucketSize, err = getInt("RATE_LIMIT_HARD_BUCKET_SIZE", "60"); err != nil {
		return nil, err
	}
	if cfg.RateLimitHardRefillRate, err = getInt("RATE_LIMIT_HARD_REFILL_RATE", "30"); err != nil {
		return nil, err
	}

	if cfg.InvoiceLeadDays < 0 {
		return nil, fmt.Errorf("invalid INVOICE_LEAD_DAYS: must not be negative")
	}

	return cfg, nil
}
