// Package config provides configuration for the chatbot service.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultRegion       = "us-east-1"
	DefaultModelID      = "us.amazon.nova-pro-v1:0"
	DefaultTableName    = "ChatbotConversations"
	DefaultSystemPrompt = "You are a helpful AI assistant powered by AWS. Be concise and friendly."

	SessionStoreMemory = "memory"
	SessionStoreRedis  = "redis"

	// Parameter names read below PARAM_PREFIX.
	ParamDefaultModelID = "default_model_id"
	ParamSystemPrompt   = "system_prompt"
)

// Config holds the service configuration.
type Config struct {
	// AWS
	Region    string
	ModelID   string
	TableName string

	// Server
	HTTPAddr       string
	RequestTimeout time.Duration
	RateLimitRPS   float64
	RateLimitBurst int

	// Chat behaviour
	SystemPrompt         string
	MaxMessageLength     int
	MaxContextTurns      int
	MaxTokens            int
	Temperature          float64
	StrictPersistence    bool
	UnknownSessionPolicy string
	ModelsCacheTTL       time.Duration
	HistoryTTL           time.Duration

	// Session registry
	SessionStore   string
	SessionIdleTTL time.Duration
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisPrefix    string

	// Optional SSM overlay
	ParamPrefix string
	// SystemPromptParam names one parameter whose value replaces SystemPrompt.
	SystemPromptParam string

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Region:               getEnv("AWS_REGION", DefaultRegion),
		ModelID:              getEnv("BEDROCK_MODEL_ID", DefaultModelID),
		TableName:            getEnv("DYNAMODB_TABLE_NAME", DefaultTableName),
		HTTPAddr:             getEnv("HTTP_ADDR", ":8000"),
		RequestTimeout:       getEnvDuration("REQUEST_TIMEOUT", 60*time.Second),
		RateLimitRPS:         getEnvFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:       getEnvInt("RATE_LIMIT_BURST", 20),
		SystemPrompt:         getEnv("SYSTEM_PROMPT", DefaultSystemPrompt),
		MaxMessageLength:     getEnvInt("MAX_MESSAGE_LENGTH", 5000),
		MaxContextTurns:      getEnvInt("MAX_CONTEXT_TURNS", 0),
		MaxTokens:            getEnvInt("MAX_TOKENS", 2048),
		Temperature:          getEnvFloat("TEMPERATURE", 0.7),
		StrictPersistence:    getEnvBool("STRICT_PERSISTENCE", false),
		UnknownSessionPolicy: strings.ToLower(getEnv("UNKNOWN_SESSION_POLICY", "resume")),
		ModelsCacheTTL:       getEnvDuration("MODELS_CACHE_TTL", 5*time.Minute),
		HistoryTTL:           getEnvDuration("HISTORY_TTL", 0),
		SessionStore:         strings.ToLower(getEnv("SESSION_STORE", SessionStoreMemory)),
		SessionIdleTTL:       getEnvDuration("SESSION_IDLE_TTL", 0),
		RedisAddr:            getEnv("REDIS_ADDR", ""),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		RedisDB:              getEnvInt("REDIS_DB", 0),
		RedisPrefix:          getEnv("REDIS_PREFIX", "chatbot:"),
		ParamPrefix:          strings.TrimRight(getEnv("PARAM_PREFIX", ""), "/"),
		SystemPromptParam:    strings.TrimSpace(getEnv("SYSTEM_PROMPT_PARAM", "")),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerated and dependent settings.
func (c *Config) Validate() error {
	switch c.SessionStore {
	case SessionStoreMemory:
	case SessionStoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("config: REDIS_ADDR is required when SESSION_STORE=%s", SessionStoreRedis)
		}
	default:
		return fmt.Errorf("config: unsupported SESSION_STORE %q", c.SessionStore)
	}
	switch c.UnknownSessionPolicy {
	case "resume", "reject":
	default:
		return fmt.Errorf("config: unsupported UNKNOWN_SESSION_POLICY %q", c.UnknownSessionPolicy)
	}
	if strings.TrimSpace(c.ModelID) == "" {
		return fmt.Errorf("config: BEDROCK_MODEL_ID must not be empty")
	}
	return nil
}

// ApplyParameters overlays values fetched from the parameter store. Unknown
// keys are ignored.
func (c *Config) ApplyParameters(params map[string]string) {
	if v := strings.TrimSpace(params[ParamDefaultModelID]); v != "" {
		c.ModelID = v
	}
	if v := strings.TrimSpace(params[ParamSystemPrompt]); v != "" {
		c.SystemPrompt = v
	}
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
