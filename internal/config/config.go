// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	DataDir    string // Base directory for the database, models and reports (always absolute)
	ModelsDir  string
	ReportsDir string
	LogLevel   string
	LogFile    string
	Port       int
	DevMode    bool

	// Prediction serving
	PredictTimeout time.Duration
	CacheTTL       time.Duration
	RedisAddr      string // Empty = in-process cache
	RedisPassword  string

	// Collaborators
	SentimentServiceURL string // Empty = lexicon scoring only
	SentimentTimeout    time.Duration
	SentimentRPS        float64
	AlertWebhookURL     string
	KafkaBrokers        []string
	KafkaAlertTopic     string

	// Artifact mirror (empty bucket = disabled)
	S3Bucket    string
	S3Prefix    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string // Empty = default AWS credential chain
	S3SecretKey string

	PolicyFile string
	Policy     *Policy
}

// Load reads configuration from environment variables and the optional policy file.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("AUGUR_DATA_DIR", "")
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
		DataDir:             absDataDir,
		ModelsDir:           getEnv("MODELS_DIR", filepath.Join(absDataDir, "models")),
		ReportsDir:          getEnv("REPORTS_DIR", filepath.Join(absDataDir, "reports")),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFile:             getEnv("LOG_FILE", ""),
		Port:                getEnvAsInt("GO_PORT", 8001),
		DevMode:             getEnvAsBool("DEV_MODE", false),
		PredictTimeout:      getEnvAsDuration("PREDICT_TIMEOUT", 5*time.Second),
		CacheTTL:            getEnvAsDuration("PREDICTION_CACHE_TTL", 5*time.Minute),
		RedisAddr:           getEnv("REDIS_ADDR", ""),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		SentimentServiceURL: getEnv("SENTIMENT_SERVICE_URL", ""),
		SentimentTimeout:    getEnvAsDuration("SENTIMENT_TIMEOUT", 10*time.Second),
		SentimentRPS:        getEnvAsFloat("SENTIMENT_RPS", 10),
		AlertWebhookURL:     getEnv("ALERT_WEBHOOK_URL", ""),
		KafkaBrokers:        getEnvAsList("KAFKA_BROKERS"),
		KafkaAlertTopic:     getEnv("KAFKA_ALERT_TOPIC", "model-alerts"),
		S3Bucket:            getEnv("S3_BUCKET", ""),
		S3Prefix:            getEnv("S3_PREFIX", "augur/models"),
		S3Region:            getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:          getEnv("S3_ENDPOINT", ""),
		S3AccessKey:         getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretKey:         getEnv("S3_SECRET_ACCESS_KEY", ""),
		PolicyFile:          getEnv("POLICY_FILE", ""),
	}

	policy, err := LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	cfg.Policy = policy

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.PredictTimeout <= 0 {
		return fmt.Errorf("PREDICT_TIMEOUT must be positive")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("PREDICTION_CACHE_TTL must be positive")
	}
	if c.SentimentRPS <= 0 {
		return fmt.Errorf("SENTIMENT_RPS must be positive")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaAlertTopic == "" {
		return fmt.Errorf("KAFKA_ALERT_TOPIC is required when KAFKA_BROKERS is set")
	}
	if c.Policy == nil {
		return fmt.Errorf("policy not loaded")
	}
	return nil
}

// DatabasePath returns the SQLite file holding market data, runs and reports.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "augur.db")
}

// Helper functions.
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
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping empty entries.
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
