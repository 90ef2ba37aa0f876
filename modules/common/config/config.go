package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config - all environment-driven settings in one place
type Config struct {
	// Redis (quota key-value store)
	RedisHost     string
	RedisPort     string
	RedisUsername string
	RedisPassword string
	RedisUseTLS   bool

	// Gemini API
	GeminiAPIKeys    []string
	GeminiTextModel  string
	GeminiImageModel string

	// Server
	Port string

	// Quota
	DailyFreeLimit    int
	LowQuotaThreshold int

	// History
	HistoryLimit  int
	HistoryDBPath string
}

var globalConfig *Config

// LoadConfig - load settings from .env / environment
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  .env file not found, using environment variables")
	}

	useTLS := false
	if tlsStr := os.Getenv("REDIS_USE_TLS"); tlsStr != "" {
		if parsed, err := strconv.ParseBool(tlsStr); err == nil {
			useTLS = parsed
		}
	}

	// API keys: GEMINI_API_KEYS (comma separated) wins, GEMINI_API_KEY is the single-key form
	var apiKeys []string
	if keysStr := os.Getenv("GEMINI_API_KEYS"); keysStr != "" {
		for _, k := range strings.Split(keysStr, ",") {
			if k = strings.TrimSpace(k); k != "" {
				apiKeys = append(apiKeys, k)
			}
		}
	}
	if len(apiKeys) == 0 {
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			apiKeys = []string{key}
		}
	}

	globalConfig = &Config{
		// Redis
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisUsername: getEnv("REDIS_USERNAME", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisUseTLS:   useTLS,

		// Gemini API
		GeminiAPIKeys:    apiKeys,
		GeminiTextModel:  getEnv("GEMINI_TEXT_MODEL", "gemini-2.5-flash"),
		GeminiImageModel: getEnv("GEMINI_IMAGE_MODEL", "gemini-2.5-flash-image"),

		// Server
		Port: getEnv("PORT", "8080"),

		// Quota
		DailyFreeLimit:    getEnvInt("DAILY_FREE_LIMIT", 20),
		LowQuotaThreshold: getEnvInt("LOW_QUOTA_THRESHOLD", 8),

		// History
		HistoryLimit:  getEnvInt("HISTORY_LIMIT", 20),
		HistoryDBPath: getEnv("HISTORY_DB_PATH", "data/history.db"),
	}

	if err := globalConfig.validate(); err != nil {
		return nil, err
	}

	log.Println("✅ Configuration loaded successfully")
	log.Printf("   Redis: %s:%s (TLS: %v)", globalConfig.RedisHost, globalConfig.RedisPort, globalConfig.RedisUseTLS)
	log.Printf("   Gemini: text=%s image=%s (%d key(s))", globalConfig.GeminiTextModel, globalConfig.GeminiImageModel, len(globalConfig.GeminiAPIKeys))
	log.Printf("   Quota: %d free per day (advisory below %d)", globalConfig.DailyFreeLimit, globalConfig.LowQuotaThreshold)
	log.Printf("   History: %d records at %s", globalConfig.HistoryLimit, globalConfig.HistoryDBPath)

	return globalConfig, nil
}

// GetConfig - access the loaded config
func GetConfig() *Config {
	if globalConfig == nil {
		log.Fatal("❌ Config not loaded. Call LoadConfig() first.")
	}
	return globalConfig
}

// validate - required environment variables
func (c *Config) validate() error {
	if c.RedisHost == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	if len(c.GeminiAPIKeys) == 0 {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if c.DailyFreeLimit <= 0 {
		return fmt.Errorf("DAILY_FREE_LIMIT must be positive")
	}
	return nil
}

// getEnv - environment variable with default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt - integer environment variable with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetRedisAddr - Redis connection string
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}
