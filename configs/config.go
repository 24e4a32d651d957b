package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Scheduler struct {
	PollInterval       time.Duration
	TokenSweepInterval time.Duration
	WorkerConcurrency  int
	PublishMaxAttempts int
	PublishBaseDelay   time.Duration
	VerifyDelay        time.Duration
}

type Config struct {
	PostgresURI   string
	RedisURI      string
	FrontendURL   string
	SecretKey     string
	CookieName    string
	OpsAPIKey     string
	ListenAddr    string
	ConnectorURL  string
	ContentAPIURL string
	Platforms     []string
	Scheduler     Scheduler
}

func LoadConfig() *Config {
	return &Config{
		PostgresURI:   getEnv("POSTGRES_URI", ""),
		RedisURI:      getEnv("REDIS_URI", ""),
		FrontendURL:   getEnv("FRONTEND_URL", "http://localhost:5173"),
		SecretKey:     getEnv("SECRET_KEY", ""),
		CookieName:    getEnv("COOKIE_NAME", ""),
		OpsAPIKey:     getEnv("OPS_API_KEY", ""),
		ListenAddr:    getEnv("LISTEN_ADDR", ":3000"),
		ConnectorURL:  getEnv("CONNECTOR_URL", "http://localhost:8080"),
		ContentAPIURL: getEnv("CONTENT_API_URL", "http://localhost:8081"),
		Platforms:     getList("PLATFORMS", []string{"linkedin", "twitter", "facebook"}),
		Scheduler: Scheduler{
			PollInterval:       getDuration("SCHEDULER_POLL_INTERVAL", time.Minute),
			TokenSweepInterval: getDuration("TOKEN_SWEEP_INTERVAL", 6*time.Hour),
			WorkerConcurrency:  getInt("PUBLISH_CONCURRENCY", 10),
			PublishMaxAttempts: getInt("PUBLISH_MAX_ATTEMPTS", 3),
			PublishBaseDelay:   getDuration("PUBLISH_BASE_DELAY", 2*time.Second),
			VerifyDelay:        getDuration("PUBLISH_VERIFY_DELAY", 5*time.Second),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
