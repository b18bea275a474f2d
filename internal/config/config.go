package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tapgoose/internal/history"
	"tapgoose/internal/server"
	"tapgoose/internal/store"
)

// AppConfig holds runtime configuration for the HTTP server and supporting services.
type AppConfig struct {
	Address         string
	ShutdownTimeout time.Duration
	// ServerID identifies this instance as owner of the matches it creates.
	ServerID       string
	LogLevel       string
	LogDevelopment bool

	Redis       store.Config
	DatabaseURL string
	Archive     history.ArchiveConfig

	TapInterval   time.Duration
	SweepInterval time.Duration
	HeartbeatTTL  time.Duration

	Server server.Config

	// Warnings collects problems found while loading; they are logged once
	// the logger exists.
	Warnings []string
}

// Load reads an optional .env file and the environment, and constructs an
// AppConfig with sane defaults.
func Load() AppConfig {
	l := &loader{}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.warn("could not read .env file: %v", err)
	}

	cfg := AppConfig{
		Address:         firstNonEmpty(os.Getenv("TAPGOOSE_ADDR"), ":8080"),
		ShutdownTimeout: l.duration("TAPGOOSE_SHUTDOWN_TIMEOUT", 10*time.Second, true),
		ServerID:        firstNonEmpty(os.Getenv("TAPGOOSE_SERVER_ID"), hostname()),
		LogLevel:        firstNonEmpty(os.Getenv("TAPGOOSE_LOG_LEVEL"), "info"),
		LogDevelopment:  l.boolean("TAPGOOSE_LOG_DEV", false),
		Redis: store.Config{
			Addr:             firstNonEmpty(os.Getenv("TAPGOOSE_REDIS_ADDR"), "localhost:6379"),
			Username:         os.Getenv("TAPGOOSE_REDIS_USERNAME"),
			Password:         os.Getenv("TAPGOOSE_REDIS_PASSWORD"),
			DB:               l.integer("TAPGOOSE_REDIS_DB", 0),
			Prefix:           firstNonEmpty(os.Getenv("TAPGOOSE_REDIS_PREFIX"), "goose"),
			OperationTimeout: l.duration("TAPGOOSE_REDIS_TIMEOUT", 2*time.Second, false),
		},
		DatabaseURL: firstNonEmpty(os.Getenv("TAPGOOSE_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		Archive: history.ArchiveConfig{
			Bucket:          os.Getenv("TAPGOOSE_ARCHIVE_BUCKET"),
			Endpoint:        os.Getenv("TAPGOOSE_ARCHIVE_ENDPOINT"),
			Region:          firstNonEmpty(os.Getenv("TAPGOOSE_ARCHIVE_REGION"), "auto"),
			AccessKeyID:     os.Getenv("TAPGOOSE_ARCHIVE_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("TAPGOOSE_ARCHIVE_SECRET_ACCESS_KEY"),
		},
		TapInterval:   l.duration("TAPGOOSE_TAP_INTERVAL", store.DefaultTapInterval, false),
		SweepInterval: l.duration("TAPGOOSE_SWEEP_INTERVAL", 30*time.Second, false),
		HeartbeatTTL:  l.duration("TAPGOOSE_HEARTBEAT_TTL", 90*time.Second, false),
		Server: server.Config{
			AllowedOrigins: parseCSV(os.Getenv("TAPGOOSE_ALLOWED_ORIGINS")),
			HandshakeTimeout: l.duration(
				"TAPGOOSE_HANDSHAKE_TIMEOUT", 5*time.Second, true,
			),
			MaxConnectionsPerIP: l.integer("TAPGOOSE_MAX_CONNECTIONS_PER_IP", 32),
			JWTSecret:           os.Getenv("TAPGOOSE_JWT_SECRET"),
		},
	}
	cfg.Warnings = l.warnings
	return cfg
}

// Validate reports settings the process cannot start without.
func (c AppConfig) Validate() error {
	var errs []error
	if c.Server.JWTSecret == "" {
		errs = append(errs, errors.New("TAPGOOSE_JWT_SECRET is required"))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("TAPGOOSE_DATABASE_URL (or DATABASE_URL) is required"))
	}
	if c.HeartbeatTTL <= c.SweepInterval {
		errs = append(errs, fmt.Errorf("TAPGOOSE_HEARTBEAT_TTL (%s) must exceed TAPGOOSE_SWEEP_INTERVAL (%s)", c.HeartbeatTTL, c.SweepInterval))
	}
	return errors.Join(errs...)
}

type loader struct {
	warnings []string
}

func (l *loader) warn(format string, args ...any) {
	l.warnings = append(l.warnings, fmt.Sprintf(format, args...))
}

func (l *loader) duration(key string, fallback time.Duration, allowZero bool) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		l.warn("invalid %s value %q: %v", key, raw, err)
		return fallback
	}
	if dur <= 0 && !allowZero {
		l.warn("non-positive %s value %q, using default", key, raw)
		return fallback
	}
	return dur
}

func (l *loader) integer(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		l.warn("invalid %s value %q: %v", key, raw, err)
		return fallback
	}
	return v
}

func (l *loader) boolean(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		l.warn("invalid %s value %q: %v", key, raw, err)
		return fallback
	}
	return v
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}
