package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all environment-sourced settings. Course and admin
// definitions live in the course document (see Store), not here — dev ids
// stay in the environment for access-control isolation.
type Config struct {
	BotToken       string
	DevUserIDs     []int64
	Timezone       *time.Location
	ConfigFile     string
	DataFile       string
	LogLevel       string
	LogFormat      string
	GinMode        string
	OpsPort        string // empty disables the ops HTTP API
	AllowedOrigins []string
}

// Load reads configuration from environment variables with sensible defaults.
// It loads .env file if present but does not fail if missing.
func Load() (*Config, error) {
	_ = godotenv.Load() // Ignore error — .env is optional

	loc, err := time.LoadLocation(getEnv("TIMEZONE", "Europe/Moscow"))
	if err != nil {
		return nil, err
	}

	return &Config{
		BotToken:       getEnv("BOT_TOKEN", ""),
		DevUserIDs:     parseIDList(getEnv("DEV_USER_IDS", "")),
		Timezone:       loc,
		ConfigFile:     getEnv("CONFIG_FILE", "config.yaml"),
		DataFile:       getEnv("DATA_FILE", "queue_data.json"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "pretty"),
		GinMode:        getEnv("GIN_MODE", "release"),
		OpsPort:        getEnv("OPS_PORT", "8080"),
		AllowedOrigins: parseList(getEnv("ALLOWED_ORIGINS", "")),
	}, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parseIDList splits a comma-separated list of user ids, skipping entries
// that do not parse as integers.
func parseIDList(raw string) []int64 {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// parseList splits a comma-separated string into a trimmed slice.
// Returns nil if the input is empty.
func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
