package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is read once at startup and treated as immutable.
type Config struct {
	// Telegram
	TelegramToken string
	AdminChatID   int64

	// Store
	StoreBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DynamoTable   string
	DynamoRegion  string
	// DynamoEndpoint points the client at a local DynamoDB when set.
	DynamoEndpoint string

	// Archive
	DatabaseDSN string

	// HTTP
	HTTPAddr   string
	JWTSecret  string
	CORSOrigin string

	// Chat
	FreeSearchLimit int
	SearchTimeout   time.Duration
	ChatTimeout     time.Duration
	RelayRate       float64
	RelayBurst      int

	LogLevel string
}

// LoadDotEnv reads .env into the environment. A missing file is not an error.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Warn(".env file not found, using system environment variables")
	}
}

// Load reads the configuration from the environment.
// requireBot demands the Telegram token, which only the server needs.
func Load(requireBot bool) (*Config, error) {
	cfg := &Config{}
	var missing []string

	cfg.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if requireBot && cfg.TelegramToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	cfg.AdminChatID = getEnvInt64("ADMIN_CHAT_ID", 0)

	cfg.StoreBackend = getEnvString("STORE_BACKEND", StoreMemory)
	switch cfg.StoreBackend {
	case StoreMemory, StoreRedis, StoreDynamoDB:
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q (want %s, %s or %s)", cfg.StoreBackend, StoreMemory, StoreRedis, StoreDynamoDB)
	}
	cfg.RedisAddr = getEnvString("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)
	cfg.DynamoTable = getEnvString("DYNAMO_TABLE", "chatpair")
	cfg.DynamoRegion = getEnvString("AWS_REGION", "us-east-1")
	cfg.DynamoEndpoint = os.Getenv("DYNAMO_ENDPOINT")

	cfg.DatabaseDSN = os.Getenv("DATABASE_DSN")

	cfg.HTTPAddr = getEnvString("HTTP_ADDR", ":8080")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	cfg.CORSOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "*")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.FreeSearchLimit = getEnvInt("FREE_SEARCH_LIMIT", DefaultFreeSearchLimit)
	if cfg.FreeSearchLimit < 0 {
		cfg.FreeSearchLimit = 0
	}
	cfg.SearchTimeout = getEnvDuration("SEARCH_TIMEOUT", DefaultSearchTimeout)
	cfg.ChatTimeout = getEnvDuration("CHAT_TIMEOUT", DefaultChatTimeout)
	cfg.RelayRate = getEnvFloat("RELAY_RATE", DefaultRelayRate)
	cfg.RelayBurst = getEnvInt("RELAY_BURST", DefaultRelayBurst)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
