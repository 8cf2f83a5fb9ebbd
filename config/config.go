// Package config loads the coordinator configuration from the environment.
// A .env file is honoured when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every configuration value; each section owns one concern.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	JWT      JWTConfig
	Upload   UploadConfig
	Presence PresenceConfig
	Call     CallConfig
	Chat     ChatConfig
	Redis    RedisConfig
	Email    EmailConfig
	CORS     CORSConfig
	Log      LogConfig
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string
	Port int
}

// DatabaseConfig holds the SQLite settings.
type DatabaseConfig struct {
	Path string // e.g. ./data/medicall.db
}

// JWTConfig holds token signing settings.
type JWTConfig struct {
	Secret             string
	AccessTokenExpiry  int // minutes
	RefreshTokenExpiry int // days
}

// UploadConfig holds attachment upload settings.
type UploadConfig struct {
	Dir     string
	MaxSize int64 // bytes
}

// PresenceConfig controls heartbeat liveness.
type PresenceConfig struct {
	HeartbeatInterval time.Duration // advertised to clients
	Timeout           time.Duration // no heartbeat for this long means offline
	SweepSpec         string        // cron spec for the stale sweep
}

// CallConfig controls call signaling.
type CallConfig struct {
	RingTimeout time.Duration
}

// ChatConfig controls chat send limits.
type ChatConfig struct {
	RateLimitCount    int
	RateLimitWindow   time.Duration
	RateLimitCooldown time.Duration
}

// RedisConfig selects the shared presence store. An empty Addr keeps
// presence in process memory.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// EmailConfig holds Resend settings. An empty APIKey disables email.
type EmailConfig struct {
	ResendAPIKey string
	From         string
	AppURL       string
}

// CORSConfig lists allowed browser origins.
type CORSConfig struct {
	Origins []string
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string
	Pretty bool
}

// Load builds a Config from environment variables.
func Load() (*Config, error) {
	// Missing .env is fine; production uses real environment variables.
	_ = godotenv.Load()

	port, err := strconv.Atoi(getEnv("SERVER_PORT", "9090"))
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	accessExpiry, err := strconv.Atoi(getEnv("JWT_ACCESS_EXPIRY_MINUTES", "15"))
	if err != nil {
		return nil, fmt.Errorf("invalid JWT_ACCESS_EXPIRY_MINUTES: %w", err)
	}

	refreshExpiry, err := strconv.Atoi(getEnv("JWT_REFRESH_EXPIRY_DAYS", "7"))
	if err != nil {
		return nil, fmt.Errorf("invalid JWT_REFRESH_EXPIRY_DAYS: %w", err)
	}

	maxSize, err := strconv.ParseInt(getEnv("UPLOAD_MAX_SIZE", "26214400"), 10, 64) // 25MB
	if err != nil {
		return nil, fmt.Errorf("invalid UPLOAD_MAX_SIZE: %w", err)
	}

	heartbeat, err := getDuration("PRESENCE_HEARTBEAT_INTERVAL", "30s")
	if err != nil {
		return nil, err
	}
	presenceTimeout, err := getDuration("PRESENCE_TIMEOUT", "90s")
	if err != nil {
		return nil, err
	}
	if presenceTimeout <= heartbeat {
		return nil, fmt.Errorf("PRESENCE_TIMEOUT (%s) must exceed PRESENCE_HEARTBEAT_INTERVAL (%s)", presenceTimeout, heartbeat)
	}

	ringTimeout, err := getDuration("CALL_RING_TIMEOUT", "45s")
	if err != nil {
		return nil, err
	}

	rateCount, err := strconv.Atoi(getEnv("CHAT_RATE_LIMIT_COUNT", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid CHAT_RATE_LIMIT_COUNT: %w", err)
	}
	rateWindow, err := getDuration("CHAT_RATE_LIMIT_WINDOW", "5s")
	if err != nil {
		return nil, err
	}
	rateCooldown, err := getDuration("CHAT_RATE_LIMIT_COOLDOWN", "15s")
	if err != nil {
		return nil, err
	}

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	pretty, err := strconv.ParseBool(getEnv("LOG_PRETTY", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_PRETTY: %w", err)
	}

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: port,
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "./data/medicall.db"),
		},
		JWT: JWTConfig{
			Secret:             jwtSecret,
			AccessTokenExpiry:  accessExpiry,
			RefreshTokenExpiry: refreshExpiry,
		},
		Upload: UploadConfig{
			Dir:     getEnv("UPLOAD_DIR", "./data/uploads"),
			MaxSize: maxSize,
		},
		Presence: PresenceConfig{
			HeartbeatInterval: heartbeat,
			Timeout:           presenceTimeout,
			SweepSpec:         getEnv("PRESENCE_SWEEP_SPEC", "@every 15s"),
		},
		Call: CallConfig{
			RingTimeout: ringTimeout,
		},
		Chat: ChatConfig{
			RateLimitCount:    rateCount,
			RateLimitWindow:   rateWindow,
			RateLimitCooldown: rateCooldown,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Email: EmailConfig{
			ResendAPIKey: getEnv("RESEND_API_KEY", ""),
			From:         getEnv("EMAIL_FROM", "noreply@medicall.local"),
			AppURL:       getEnv("APP_URL", "http://localhost:3000"),
		},
		CORS: CORSConfig{
			Origins: splitList(getEnv("CORS_ORIGINS", "http://localhost:3000")),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Pretty: pretty,
		},
	}

	return cfg, nil
}

// Addr returns the listen address, e.g. "0.0.0.0:9090".
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// getEnv returns the variable or fallback when it is unset.
func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
