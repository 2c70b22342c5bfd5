package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries settings for both the collaboration server and the agent.
// Everything comes from the environment, with a .env file as convenience.
type Config struct {
	// Server
	ServerHost string
	ServerPort string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// RedisURL enables multi-node room fan-out when set.
	RedisURL string

	// AuthToken is the shared bearer token for the WebSocket handshake.
	AuthToken string

	// UpdateRetention caps how many updates the log keeps per document.
	UpdateRetention int

	// Agent / client
	ServerURL   string // ws:// or wss:// base of the collaboration backend
	DocumentID  string
	DisplayName string
	UserID      string

	// Reconnection policy
	MaxReconnects     int
	ReconnectCooldown time.Duration
	KeepaliveInterval time.Duration
	SuspendGrace      time.Duration

	// Session controller
	OpenRetries    int
	OpenRetryDelay time.Duration
	SettleDelay    time.Duration

	// Observability
	JaegerEndpoint string
}

// Load reads configuration from the environment (and .env if present).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServerHost: getEnv("SERVER_HOST", "localhost"),
		ServerPort: getEnv("SERVER_PORT", "8080"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "nosdesk_collab"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		RedisURL: getEnv("REDIS_URL", ""),

		AuthToken: getEnv("COLLAB_AUTH_TOKEN", ""),

		UpdateRetention: getEnvInt("UPDATE_RETENTION", 5000),

		ServerURL:   getEnv("COLLAB_SERVER_URL", "ws://localhost:8080"),
		DocumentID:  getEnv("COLLAB_DOCUMENT_ID", ""),
		DisplayName: getEnv("COLLAB_DISPLAY_NAME", ""),
		UserID:      getEnv("COLLAB_USER_ID", ""),

		MaxReconnects:     getEnvInt("COLLAB_MAX_RECONNECTS", 5),
		ReconnectCooldown: getEnvDuration("COLLAB_RECONNECT_COOLDOWN", 2*time.Second),
		KeepaliveInterval: getEnvDuration("COLLAB_KEEPALIVE_INTERVAL", 30*time.Second),
		SuspendGrace:      getEnvDuration("COLLAB_SUSPEND_GRACE", 30*time.Second),

		OpenRetries:    getEnvInt("COLLAB_OPEN_RETRIES", 5),
		OpenRetryDelay: getEnvDuration("COLLAB_OPEN_RETRY_DELAY", time.Second),
		SettleDelay:    getEnvDuration("COLLAB_SETTLE_DELAY", 200*time.Millisecond),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
	}

	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("COLLAB_AUTH_TOKEN is required")
	}

	return cfg, nil
}

// DatabaseURL assembles the postgres DSN.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
