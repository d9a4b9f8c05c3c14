package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port                       string
	AllowedOrigin              string
	DatabaseURL                string
	RedisAddr                  string
	RedisPassword              string
	RedisDB                    int
	StockCacheTTLSeconds       int
	AuthSecret                 string
	AccessTokenTTLMinutes      int
	ManagerPIN                 string
	LogLevel                   string
	CatalogFile                string
	PubSubProjectID            string
	PubSubTopic                string
	PubSubCredentialsJSON      string
	LockRetryLimit             int
	AuditDeviationAlertPercent decimal.Decimal
	SnowflakeNode              int64
}

// Load reads the environment, after merging a .env file when one exists.
// Variables already set in the environment win over the file.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	cacheTTL, err := strconv.Atoi(getEnv("STOCK_CACHE_TTL_SECONDS", "30"))
	if err != nil || cacheTTL < 1 {
		cacheTTL = 30
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	retries, err := strconv.Atoi(getEnv("LOCK_RETRY_LIMIT", "3"))
	if err != nil || retries < 0 {
		retries = 3
	}
	threshold, err := decimal.NewFromString(getEnv("AUDIT_DEVIATION_ALERT_PERCENT", "5"))
	if err != nil || threshold.IsNegative() {
		threshold = decimal.NewFromInt(5)
	}
	node, err := strconv.ParseInt(getEnv("SNOWFLAKE_NODE", "1"), 10, 64)
	if err != nil || node < 0 || node > 1023 {
		node = 1
	}

	cfg := Config{
		Port:                       getEnv("PORT", "8080"),
		AllowedOrigin:              getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		RedisAddr:                  os.Getenv("REDIS_ADDR"),
		RedisPassword:              os.Getenv("REDIS_PASSWORD"),
		RedisDB:                    redisDB,
		StockCacheTTLSeconds:       cacheTTL,
		AuthSecret:                 strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:      tokenTTL,
		ManagerPIN:                 strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		LogLevel:                   getEnv("LOG_LEVEL", "info"),
		CatalogFile:                os.Getenv("CATALOG_FILE"),
		PubSubProjectID:            os.Getenv("PUBSUB_PROJECT_ID"),
		PubSubTopic:                os.Getenv("PUBSUB_TOPIC"),
		PubSubCredentialsJSON:      os.Getenv("PUBSUB_CREDENTIALS_JSON"),
		LockRetryLimit:             retries,
		AuditDeviationAlertPercent: threshold,
		SnowflakeNode:              node,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
