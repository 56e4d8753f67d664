package bootstrap

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerAddr string
	StreamPath string
	Version    string

	AuthSecret    []byte
	TrustedMode   bool
	AllowedOrigin string
	TokenIssueKey string
	TokenTTL      time.Duration

	SweepInterval   time.Duration
	IdleTimeout     time.Duration
	ChunksPerSecond float64
	ChunkBurst      int

	EngineURL   string
	EngineToken string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func LoadConfig() *Config {
	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":8080"),
		StreamPath: getEnv("STREAM_PATH", "/voice/stream"),
		Version:    getEnv("VERSION", "dev"),

		AuthSecret:    []byte(getEnv("AUTH_SECRET", "change-me-in-production")),
		TrustedMode:   getEnv("TRUSTED_MODE", "false") == "true",
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", ""),
		TokenIssueKey: getEnv("TOKEN_ISSUE_KEY", ""),
		TokenTTL:      time.Duration(getEnvInt("TOKEN_TTL_MINUTES", 60)) * time.Minute,

		SweepInterval:   time.Duration(getEnvInt("HEARTBEAT_SWEEP_SECONDS", 30)) * time.Second,
		IdleTimeout:     time.Duration(getEnvInt("HEARTBEAT_TIMEOUT_SECONDS", 60)) * time.Second,
		ChunksPerSecond: float64(getEnvInt("CHUNKS_PER_SECOND", 0)),
		ChunkBurst:      getEnvInt("CHUNK_BURST", 50),

		EngineURL:   getEnv("ENGINE_URL", "ws://localhost:9090/stream"),
		EngineToken: getEnv("ENGINE_TOKEN", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
	}
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
