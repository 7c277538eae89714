package config

import (
	"fmt"
	"log"
	"os"
	"time"
)

// App holds the runtime configuration loaded from environment variables.
type App struct {
	Env             string
	AgentPort       string
	APIBaseURL      string
	APITimeout      time.Duration
	SyncInterval    time.Duration
	RedisAddr       string
	SessionBackend  string
	SessionToken    string
	ReceiptBackend  string
	ReceiptQueueKey string
	DatabaseURL     string
	RateLimitPerMin int
}

// Load returns application config populated from environment variables with sensible defaults.
func Load() App {
	return App{
		Env:             getEnv("APP_ENV", "dev"),
		AgentPort:       getEnv("AGENT_PORT", "8082"),
		APIBaseURL:      getEnv("API_BASE_URL", "http://localhost:5000/api"),
		APITimeout:      durationEnv("API_TIMEOUT", 15*time.Second),
		SyncInterval:    durationEnv("SYNC_INTERVAL", 5*time.Second),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		SessionBackend:  getEnv("SESSION_BACKEND", "redis"),
		SessionToken:    getEnv("SESSION_TOKEN", ""),
		ReceiptBackend:  getEnv("RECEIPT_BACKEND", "redis"),
		ReceiptQueueKey: getEnv("RECEIPT_QUEUE_KEY", "schoolsync:receipts"),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		RateLimitPerMin: intEnv("RATE_LIMIT_PER_MIN", 120),
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			log.Printf("invalid duration for %s: %v, using fallback %s", key, err, fallback)
			return fallback
		}
		return d
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
		log.Printf("invalid int for %s, using fallback %d", key, fallback)
	}
	return fallback
}
