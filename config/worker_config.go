package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Database
	DatabaseURL   string
	DBMaxConns    int
	MongoDBURL    string
	MongoDBName   string
	MongoMaxPool  int
	RedisURL      string
	RedisPoolSize int

	// Neo4j
	Neo4jURL      string
	Neo4jUsername string
	Neo4jPassword string
	Neo4jDatabase string

	// OpenAI
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	LLMModel       string
	LLMMaxTokens   int
	LLMTemperature float64
	LLMTimeoutSec  int
	LLMMaxRetries  int

	// EncryptionKey unseals per-user AI API keys stored by the web app.
	EncryptionKey string

	// Rules
	EmailMaxLength int
	MessageTTL     time.Duration
	CacheTTL       time.Duration

	// Worker
	WorkerID         string
	WorkerCount      int
	WorkerRate       int
	WorkerJobTimeout time.Duration

	// AccountRunsPerMin caps rule runs per email account; 0 disables.
	AccountRunsPerMin int

	// Consumer (Redis Stream)
	ConsumerGroup           string
	ConsumerBatchSize       int
	ConsumerBlockMS         int
	ConsumerMaxRetries      int
	ConsumerPendingCheckSec int
	ConsumerPendingIdleSec  int
	StreamMaxLen            int64
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Database
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		DBMaxConns:    getEnvInt("DB_MAX_CONNS", 25),
		MongoDBURL:    getEnv("MONGODB_URL", ""),
		MongoDBName:   getEnv("MONGODB_DATABASE", "inbox"),
		MongoMaxPool:  getEnvInt("MONGODB_MAX_POOL", 50),
		RedisURL:      getEnv("REDIS_URL", ""),
		RedisPoolSize: getEnvInt("REDIS_POOL_SIZE", 50),

		// Neo4j
		Neo4jURL:      getEnv("NEO4J_URL", ""),
		Neo4jUsername: getEnv("NEO4J_USERNAME", "neo4j"),
		Neo4jPassword: getEnv("NEO4J_PASSWORD", ""),
		Neo4jDatabase: getEnv("NEO4J_DATABASE", "neo4j"),

		// OpenAI
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:  getEnv("OPENAI_BASE_URL", ""),
		LLMModel:       getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMMaxTokens:   getEnvInt("LLM_MAX_TOKENS", 2048),
		LLMTemperature: getEnvFloat("LLM_TEMPERATURE", 0),
		LLMTimeoutSec:  getEnvInt("LLM_TIMEOUT_SEC", 60),
		LLMMaxRetries:  getEnvInt("LLM_MAX_RETRIES", 3),
		EncryptionKey:  getEnv("ENCRYPTION_KEY", ""),

		// Rules
		EmailMaxLength: getEnvInt("EMAIL_MAX_LENGTH", 2000),
		MessageTTL:     time.Duration(getEnvInt("MESSAGE_TTL_DAYS", 30)) * 24 * time.Hour,
		CacheTTL:       time.Duration(getEnvInt("CACHE_TTL_MIN", 30)) * time.Minute,

		// Worker
		WorkerID:          getEnv("WORKER_ID", generateWorkerID()),
		WorkerCount:       getEnvInt("WORKER_COUNT", 8),
		WorkerRate:        getEnvInt("WORKER_RATE_PER_SEC", 100),
		WorkerJobTimeout:  time.Duration(getEnvInt("WORKER_JOB_TIMEOUT_SEC", 120)) * time.Second,
		AccountRunsPerMin: getEnvInt("ACCOUNT_RUNS_PER_MIN", 60),

		// Consumer
		ConsumerGroup:           getEnv("CONSUMER_GROUP", "rule-workers"),
		ConsumerBatchSize:       getEnvInt("CONSUMER_BATCH_SIZE", 10),
		ConsumerBlockMS:         getEnvInt("CONSUMER_BLOCK_MS", 5000),
		ConsumerMaxRetries:      getEnvInt("CONSUMER_MAX_RETRIES", 3),
		ConsumerPendingCheckSec: getEnvInt("CONSUMER_PENDING_CHECK_SEC", 30),
		ConsumerPendingIdleSec:  getEnvInt("CONSUMER_PENDING_IDLE_SEC", 120),
		StreamMaxLen:            int64(getEnvInt("STREAM_MAX_LEN", 100000)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component can run with. Missing connection
// URLs are allowed; the components that need them are then disabled.
func (c *Config) Validate() error {
	var problems []string
	if c.EmailMaxLength <= 0 {
		problems = append(problems, "EMAIL_MAX_LENGTH must be positive")
	}
	if c.WorkerCount <= 0 {
		problems = append(problems, "WORKER_COUNT must be positive")
	}
	if c.LLMTemperature < 0 || c.LLMTemperature > 2 {
		problems = append(problems, "LLM_TEMPERATURE must be between 0 and 2")
	}
	if c.AccountRunsPerMin < 0 {
		problems = append(problems, "ACCOUNT_RUNS_PER_MIN must not be negative")
	}
	if c.LLMMaxRetries < 0 {
		problems = append(problems, "LLM_MAX_RETRIES must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// LLMTimeout returns the per-call timeout of the reasoning backend.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSec) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
