package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all configuration for the application
type Config struct {
	Port        string
	DatabaseURL string // Thread store (PostgreSQL)
	RedisURL    string // Run-lock Redis instance
	Version     string
	LogLevel    string

	// Extraction oracle
	OpenAIKey                string
	AzureOpenAIKey           string
	AzureOpenAIEndpoint      string
	AzureOpenAIGPTDeployment string
	OracleTimeout            int // Oracle call timeout in seconds
	OracleHistoryLimit       int // Messages of thread history sent per request

	// Microsoft Graph mailbox
	GraphTenantID     string
	GraphClientID     string
	GraphClientSecret string
	GraphMailbox      string // Mailbox address the runner scans and sends from

	// Record store (Google Sheets)
	SheetsCredentialsFile string
	SpreadsheetID         string
	SheetName             string

	// Runner behavior
	PollIntervalMinutes int           // Minutes between inbox scans per owner
	ScanWindowHours     int           // Only messages received within this window are listed
	RunTimeBudget       time.Duration // Hard budget for one run; remaining threads wait for the next run
	FollowUpConfigPath  string        // YAML file describing follow-up tiers

	// Operator digest
	SendGridAPIKey string
	DigestEmail    string // Recipient of the action-needed digest
	FromEmail      string // From address for digest emails
}

// Load initializes and returns application configuration
func Load() *Config {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),
		Version:     getEnv("VERSION", "1.0.0"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		OpenAIKey:                os.Getenv("OPENAI_API_KEY"),
		AzureOpenAIKey:           os.Getenv("AZURE_OPENAI_KEY"),
		AzureOpenAIEndpoint:      os.Getenv("AZURE_OPENAI_ENDPOINT"),
		AzureOpenAIGPTDeployment: getEnv("AZURE_OPENAI_GPT_DEPLOYMENT", "gpt-4o"),
		OracleTimeout:            getEnvInt("ORACLE_TIMEOUT", 60),
		OracleHistoryLimit:       getEnvInt("ORACLE_HISTORY_LIMIT", 10),

		GraphTenantID:     getEnv("GRAPH_TENANT_ID", "common"),
		GraphClientID:     os.Getenv("GRAPH_CLIENT_ID"),
		GraphClientSecret: os.Getenv("GRAPH_CLIENT_SECRET"),
		GraphMailbox:      os.Getenv("GRAPH_MAILBOX"),

		SheetsCredentialsFile: os.Getenv("SHEETS_CREDENTIALS_FILE"),
		SpreadsheetID:         os.Getenv("SPREADSHEET_ID"),
		SheetName:             getEnv("SHEET_NAME", "Sheet1"),

		PollIntervalMinutes: getEnvInt("POLL_INTERVAL_MINUTES", 30),
		ScanWindowHours:     getEnvInt("SCAN_WINDOW_HOURS", 5),
		RunTimeBudget:       getEnvDuration("RUN_TIME_BUDGET", 10*time.Minute),
		FollowUpConfigPath:  getEnv("FOLLOWUP_CONFIG_PATH", "followups.yaml"),

		SendGridAPIKey: os.Getenv("SENDGRID_API_KEY"),
		DigestEmail:    os.Getenv("DIGEST_EMAIL"),
		FromEmail:      getEnv("FROM_EMAIL", "noreply@outreach.local"),
	}

	return config
}

// UseAzureOpenAI returns true when the Azure OpenAI endpoint is configured
func (c *Config) UseAzureOpenAI() bool {
	return c.AzureOpenAIEndpoint != "" && c.AzureOpenAIKey != ""
}

// HasOpenAIFallback returns true when a platform OpenAI key is configured
func (c *Config) HasOpenAIFallback() bool {
	return c.OpenAIKey != ""
}

// getEnv gets an environment variable with a default fallback
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as integer with a default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration gets an environment variable as a duration with a default fallback
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// SetupLogger configures zerolog with JSON output and single-line format
func (c *Config) SetupLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "outreach").
		Str("version", c.Version).
		Logger()

	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger = logger.Level(level)

	return logger
}
