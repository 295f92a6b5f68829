package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/rohansharp/billie-crm-sub000/core/db"
)

type Config struct {
	OTel     OTelConfig
	Stream   StreamConfig
	Notify   NotifyConfig
	ArangoDB ArangoDBConfig
	Ops      OpsConfig
	AuditDB  db.Config
	Env      string
}

type OTelConfig struct {
	Endpoint       string
	Headers        string
	ServiceName    string
	ServiceVersion string
}

type StreamConfig struct {
	RedisURL     string
	Stream       string
	Group        string
	Consumer     string
	SourceAgent  string
	BatchSize    int64
	Block        time.Duration
	Backoff      time.Duration
	ReclaimIdle  time.Duration
	ReclaimEvery time.Duration
	ReclaimBatch int64
}

type NotifyConfig struct {
	Channel string
}

type ArangoDBConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

type OpsConfig struct {
	Port string
}

// Load loads configuration from environment variables.
// In development it also reads a local .env file when present.
func Load() (Config, error) {
	if getEnv("CRM_ENV", "development") == "development" {
		_ = godotenv.Load(".env")
	}

	cfg := Config{
		Env: getEnv("CRM_ENV", "development"),
		OTel: OTelConfig{
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "billie-crm-projector"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
		},
		Stream: StreamConfig{
			RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Stream:       getEnv("EVENT_STREAM", "billie:events"),
			Group:        getEnv("CONSUMER_GROUP", "crm-projectors"),
			Consumer:     getEnv("CONSUMER_NAME", defaultConsumerName()),
			SourceAgent:  getEnv("SOURCE_AGENT", "billie"),
			BatchSize:    int64(getEnvInt("READ_BATCH_SIZE", 10)),
			Block:        getEnvDuration("READ_BLOCK_MS", time.Second),
			Backoff:      getEnvDuration("READ_BACKOFF_MS", 5*time.Second),
			ReclaimIdle:  getEnvDuration("RECLAIM_MIN_IDLE_MS", 5*time.Minute),
			ReclaimEvery: getEnvDuration("RECLAIM_INTERVAL_MS", time.Minute),
			ReclaimBatch: int64(getEnvInt("RECLAIM_BATCH_SIZE", 10)),
		},
		Notify: NotifyConfig{
			Channel: getEnv("NOTIFY_CHANNEL", "crm:changes"),
		},
		ArangoDB: ArangoDBConfig{
			URL:      getEnv("ARANGO_URL", ""),
			Username: getEnv("ARANGO_USERNAME", ""),
			Password: getEnv("ARANGO_PASSWORD", ""),
			Database: getEnv("ARANGO_DATABASE", "billie_crm"),
		},
		Ops: OpsConfig{
			Port: getEnv("OPS_PORT", "8090"),
		},
		AuditDB: db.Config{
			DSN:      getEnv("DATABASE_URL", ""),
			MaxConns: getEnvInt32("DB_MAX_CONNS", 4),
			MinConns: getEnvInt32("DB_MIN_CONNS", 1),
		},
	}

	if cfg.ArangoDB.URL == "" {
		return Config{}, fmt.Errorf("ARANGO_URL is required")
	}

	return cfg, nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c Config) AuditEnabled() bool {
	return c.AuditDB.DSN != ""
}

func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

func (c ArangoDBConfig) Enabled() bool {
	return c.URL != "" && c.Database != ""
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "crm-projector"
	}
	return "crm-projector-" + host
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvInt32(key string, fallback int32) int32 {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(i)
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
