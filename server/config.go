package server

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/xxuejie/go-delta-docs/errs"
	"github.com/xxuejie/go-delta-docs/notify"
)

// Config holds everything the server needs. Flags win over the
// environment, which wins over the defaults.
type Config struct {
	Addr      string
	JWTSecret string
	TokenTTL  time.Duration

	// PostgresDSN selects the PostgreSQL stores. Empty keeps everything in
	// memory.
	PostgresDSN string
	// RedisAddr enables the cross-node room bus. Empty runs a single node.
	RedisAddr string
	NodeID    string

	// SMTP.Host empty logs invitations instead of mailing them.
	SMTP   notify.SMTPConfig
	AppURL string

	LogLevel string
	LogPath  string
	// LogLimit is how many changes each room keeps for resync.
	LogLimit int

	ShutdownTimeout time.Duration
	// Announce is the mDNS instance name. Empty keeps the server off the
	// local network browser.
	Announce string
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// LoadConfig parses args (without the program name) on top of the
// DELTADOCS_* environment.
func LoadConfig(args []string) (*Config, error) {
	config := new(Config)
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&config.Addr, "addr", getEnv("DELTADOCS_ADDR", "localhost:8080"), "the address to listen on")
	fs.StringVar(&config.JWTSecret, "jwt-secret", getEnv("DELTADOCS_JWT_SECRET", ""), "secret used to sign session tokens")
	fs.DurationVar(&config.TokenTTL, "token-ttl", getEnvDuration("DELTADOCS_TOKEN_TTL", 30*24*time.Hour), "session token lifetime")
	fs.StringVar(&config.PostgresDSN, "postgres", getEnv("DATABASE_URL", ""), "PostgreSQL DSN, empty for in-memory stores")
	fs.StringVar(&config.RedisAddr, "redis", getEnv("REDIS_ADDR", ""), "Redis address for the cross-node bus, empty for a single node")
	fs.StringVar(&config.NodeID, "node-id", getEnv("DELTADOCS_NODE_ID", ""), "identifies this node on the bus, random when empty")
	fs.StringVar(&config.SMTP.Host, "smtp-host", getEnv("SMTP_HOST", ""), "SMTP host, empty to log invitations")
	fs.StringVar(&config.SMTP.Port, "smtp-port", getEnv("SMTP_PORT", "587"), "SMTP port")
	fs.StringVar(&config.SMTP.Username, "smtp-user", getEnv("SMTP_USER", ""), "SMTP username")
	fs.StringVar(&config.SMTP.Password, "smtp-password", getEnv("SMTP_PASSWORD", ""), "SMTP password")
	fs.StringVar(&config.SMTP.From, "smtp-from", getEnv("SMTP_FROM", "no-reply@deltadocs.local"), "sender of invitation mail")
	fs.StringVar(&config.AppURL, "app-url", getEnv("DELTADOCS_APP_URL", "http://localhost:3000"), "base URL used in invitation links")
	fs.StringVar(&config.LogLevel, "log-level", getEnv("DELTADOCS_LOG_LEVEL", "info"), "log level")
	fs.StringVar(&config.LogPath, "log-path", getEnv("DELTADOCS_LOG_PATH", ""), "log file, stdout when empty")
	fs.IntVar(&config.LogLimit, "log-limit", getEnvInt("DELTADOCS_LOG_LIMIT", 512), "changes kept per room for resync")
	fs.DurationVar(&config.ShutdownTimeout, "shutdown-timeout", getEnvDuration("DELTADOCS_SHUTDOWN_TIMEOUT", 10*time.Second), "grace period for open requests on shutdown")
	fs.StringVar(&config.Announce, "announce", getEnv("DELTADOCS_ANNOUNCE", ""), "mDNS instance name, empty to skip announcing")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("%w: a JWT secret is required", errs.ErrValidation)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("%w: token ttl must be positive", errs.ErrValidation)
	}
	if c.Addr == "" {
		return fmt.Errorf("%w: listen address is empty", errs.ErrValidation)
	}
	return nil
}
