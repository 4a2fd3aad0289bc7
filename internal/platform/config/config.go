package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8080"`
	AppURL      string `env:"APP_URL"`
	DatabaseURL string `env:"DATABASE_URL"`
	DBMaxConns  int    `env:"DB_MAX_CONNS" default:"10"`
	DBMinConns  int    `env:"DB_MIN_CONNS" default:"2"`
	RedisURL    string `env:"REDIS_URL"`
	TokenKey    string `env:"TOKEN_KEY"`
	InstanceID  string `env:"INSTANCE_ID"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`

	PingInterval         time.Duration `env:"PING_INTERVAL" default:"30s"`
	ExpirySweepInterval  time.Duration `env:"EXPIRY_SWEEP_INTERVAL" default:"1h"`
	ArchiveSweepInterval time.Duration `env:"ARCHIVE_SWEEP_INTERVAL" default:"6h"`
	SessionRetention     time.Duration `env:"SESSION_RETENTION" default:"24h"`
	PurgeInterval        time.Duration `env:"PURGE_INTERVAL" default:"1h"`
	ArchiveRetention     time.Duration `env:"ARCHIVE_RETENTION" default:"720h"` // 30 days

	DefaultSessionTTL      time.Duration `env:"DEFAULT_SESSION_TTL" default:"24h"`
	DefaultMaxParticipants int           `env:"DEFAULT_MAX_PARTICIPANTS" default:"50"`
	ActivityLogCap         int           `env:"ACTIVITY_LOG_CAP" default:"500"`
	AlertDebounce          time.Duration `env:"ALERT_DEBOUNCE" default:"0s"`
	ActivityDebounce       time.Duration `env:"ACTIVITY_DEBOUNCE" default:"30s"`
	PersistQueueSize       int           `env:"PERSIST_QUEUE_SIZE" default:"4096"`

	SendBufferSize          int     `env:"SEND_BUFFER_SIZE" default:"32"`
	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"20"`
	ConnectionRate          float64 `env:"CONNECTION_RATE" default:"10"`
	ConnectionBurst         int     `env:"CONNECTION_BURST" default:"20"`
	MessageRate             float64 `env:"MESSAGE_RATE" default:"20"`
	MessageBurst            int     `env:"MESSAGE_BURST" default:"40"`
	APIRate                 float64 `env:"API_RATE" default:"20"`
	APIBurst                int     `env:"API_BURST" default:"40"`
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if cfg.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "pulsehub"
		}
		cfg.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	required := []struct{ name, value string }{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"REDIS_URL", cfg.RedisURL},
		{"TOKEN_KEY", cfg.TokenKey},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	keyBytes, err := hex.DecodeString(cfg.TokenKey)
	if err != nil {
		return fmt.Errorf("TOKEN_KEY must be valid hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return fmt.Errorf("TOKEN_KEY must be exactly 64 hex characters (32 bytes), got %d bytes", len(keyBytes))
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}

	positiveDurations := []struct {
		name  string
		value time.Duration
	}{
		{"PING_INTERVAL", cfg.PingInterval},
		{"EXPIRY_SWEEP_INTERVAL", cfg.ExpirySweepInterval},
		{"ARCHIVE_SWEEP_INTERVAL", cfg.ArchiveSweepInterval},
		{"SESSION_RETENTION", cfg.SessionRetention},
		{"PURGE_INTERVAL", cfg.PurgeInterval},
		{"ARCHIVE_RETENTION", cfg.ArchiveRetention},
		{"DEFAULT_SESSION_TTL", cfg.DefaultSessionTTL},
	}
	for _, d := range positiveDurations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	if cfg.AlertDebounce < 0 || cfg.ActivityDebounce < 0 {
		return errors.New("ALERT_DEBOUNCE and ACTIVITY_DEBOUNCE must not be negative")
	}

	positiveInts := []struct {
		name  string
		value int
	}{
		{"DEFAULT_MAX_PARTICIPANTS", cfg.DefaultMaxParticipants},
		{"ACTIVITY_LOG_CAP", cfg.ActivityLogCap},
		{"PERSIST_QUEUE_SIZE", cfg.PersistQueueSize},
		{"SEND_BUFFER_SIZE", cfg.SendBufferSize},
		{"MAX_WEBSOCKET_CONNECTIONS", cfg.MaxWebSocketConnections},
		{"MAX_CONNECTIONS_PER_IP", cfg.MaxConnectionsPerIP},
		{"CONNECTION_BURST", cfg.ConnectionBurst},
		{"MESSAGE_BURST", cfg.MessageBurst},
		{"API_BURST", cfg.APIBurst},
		{"DB_MAX_CONNS", cfg.DBMaxConns},
	}
	for _, i := range positiveInts {
		if i.value < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", i.name, i.value)
		}
	}
	if cfg.ConnectionRate <= 0 || cfg.MessageRate <= 0 || cfg.APIRate <= 0 {
		return errors.New("CONNECTION_RATE, MESSAGE_RATE and API_RATE must be positive")
	}

	if cfg.AppEnv == "production" {
		if cfg.AppURL == "" {
			return errors.New("APP_URL is required in production")
		}
		if mode := sslMode(cfg.DatabaseURL); mode == "disable" || mode == "allow" {
			return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
		}
	}
	return nil
}

func sslMode(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Query().Get("sslmode"))
}
