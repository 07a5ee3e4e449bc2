// Package config 配置
package config

import (
	"os"
	"strconv"
	"time"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int

	// PostgreSQL
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisAddr     string
	RedisPassword string

	// Streams
	EventStream   string
	CommandStream string
	ConsumerGroup string
	ConsumerName  string

	WorkerID int64

	// Recovery worker
	RecoveryInterval  time.Duration
	RecoveryBatchSize int

	// Manager
	ConflictRetries int

	// Tracing
	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: getEnv("SERVICE_NAME", "exchange-saga"),
		HTTPPort:    getEnvInt("HTTP_PORT", 8086),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5436), // 默认使用5436避免与其他项目冲突
		DBUser:     getEnv("DB_USER", "exchange"),
		DBPassword: getEnv("DB_PASSWORD", "exchange123"),
		DBName:     getEnv("DB_NAME", "exchange"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6380"), // 默认使用6380避免与本地Redis冲突
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		EventStream:   getEnv("EVENT_STREAM", "exchange:events"),
		CommandStream: getEnv("COMMAND_STREAM", "exchange:commands"),
		ConsumerGroup: getEnv("CONSUMER_GROUP", "saga-group"),
		ConsumerName:  getEnv("CONSUMER_NAME", "saga-1"),

		WorkerID: int64(getEnvInt("WORKER_ID", 6)),

		RecoveryInterval:  getEnvDuration("RECOVERY_INTERVAL", 5*time.Second),
		RecoveryBatchSize: getEnvInt("RECOVERY_BATCH_SIZE", 100),

		ConflictRetries: getEnvInt("CONFLICT_RETRIES", 3),

		TracingEnabled:    getEnvBool("TRACING_ENABLED", false),
		TracingEndpoint:   getEnv("TRACING_ENDPOINT", "http://localhost:14268/api/traces"),
		TracingSampleRate: getEnvFloat64("TRACING_SAMPLE_RATE", 0.1),
	}
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
