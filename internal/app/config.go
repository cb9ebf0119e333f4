package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	HTTPAddr string

	MaxPlayers   int
	RoomTTL      time.Duration // how long an empty room is kept
	ReapInterval time.Duration
	OutboxSize   int // per-connection send buffer, in messages

	WriteTimeout time.Duration
	PingInterval time.Duration

	OriginPatterns []string // websocket origins accepted besides same-host
	CORSAllow      []string

	DatabaseURL string // optional; enables session history
}

// LoadConfig reads a local .env if present, then the environment.
func LoadConfig() Config {
	_ = godotenv.Load()

	return Config{
		Env:            getEnv("APP_ENV", "dev"),
		HTTPAddr:       getEnv("HTTP_ADDR", ":1235"),
		MaxPlayers:     getEnvInt("MAX_PLAYERS", 8),
		RoomTTL:        getEnvDuration("ROOM_TTL", 2*time.Hour),
		ReapInterval:   getEnvDuration("REAP_INTERVAL", time.Minute),
		OutboxSize:     getEnvInt("OUTBOX_SIZE", 256),
		WriteTimeout:   getEnvDuration("WRITE_TIMEOUT", 5*time.Second),
		PingInterval:   getEnvDuration("PING_INTERVAL", 20*time.Second),
		OriginPatterns: splitCSV(getEnv("ORIGIN_PATTERNS", "")),
		CORSAllow:      splitCSV(getEnv("CORS_ALLOW", "*")),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
	}
}

// getEnv returns the env var or a default
func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getEnvInt parses a positive int env var with a fallback
func getEnvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return def
}

func getEnvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// splitCSV trims and filters a comma-separated list
func splitCSV(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
