// Package serverconfig loads control-plane server configuration from the
// environment, the way the teacher's internal/dashboard/config.go does for
// the dashboard process.
package serverconfig

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration (spec §6 Environment / configuration).
type Config struct {
	// Network
	ListenAddr string
	ServerIP   string

	// Agent-facing
	AgentToken string

	// Database
	DatabasePath string

	// Push Bus backend (spec §4.2, §6: REDIS_URL or equivalent)
	RedisURL string // empty => in-process bus

	// Registry / session tuning (spec §5)
	WriterQueueCapacity int
	SendTimeout         time.Duration
	PingInterval        time.Duration
	PongTimeout         time.Duration

	// Staleness detection (original_source: alerts.py), modeled after the
	// teacher's StaleCommandTimeout calculation.
	StaleMultiplier      int
	StaleMinimum         time.Duration
	StaleCheckInterval   time.Duration

	// Circuit breaker (spec §9 open question) tuning for the Agent Session.
	CircuitBreakerMaxErrors  uint32
	CircuitBreakerWindow     time.Duration
	CircuitBreakerCooldown   time.Duration

	AllowedOrigins []string
}

// LoadConfig loads configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ListenAddr:   getEnv("BACKEND_PORT_ADDR", ":8080"),
		ServerIP:     os.Getenv("SERVER_IP"),
		AgentToken:   os.Getenv("AGENT_TOKEN"),
		DatabasePath: getEnv("DATABASE_URL", "fleetguard.db"),
		RedisURL:     os.Getenv("REDIS_URL"),

		WriterQueueCapacity: parseInt("FLEETGUARD_WRITER_QUEUE", 256),
		SendTimeout:         parseDuration("FLEETGUARD_SEND_TIMEOUT", 2*time.Second),
		PingInterval:        parseDuration("FLEETGUARD_PING_INTERVAL", 30*time.Second),
		PongTimeout:         parseDuration("FLEETGUARD_PONG_TIMEOUT", 10*time.Second),

		StaleMultiplier:    parseInt("FLEETGUARD_STALE_MULTIPLIER", 3),
		StaleMinimum:       parseDuration("FLEETGUARD_STALE_MINIMUM", 5*time.Minute),
		StaleCheckInterval: parseDuration("FLEETGUARD_STALE_CHECK_INTERVAL", 1*time.Minute),

		CircuitBreakerMaxErrors: uint32(parseInt("FLEETGUARD_BREAKER_MAX_ERRORS", 5)),
		CircuitBreakerWindow:    parseDuration("FLEETGUARD_BREAKER_WINDOW", 1*time.Minute),
		CircuitBreakerCooldown:  parseDuration("FLEETGUARD_BREAKER_COOLDOWN", 30*time.Second),

		AllowedOrigins: parseOrigins("FLEETGUARD_ALLOWED_ORIGINS"),
	}

	if port := os.Getenv("BACKEND_PORT"); port != "" {
		cfg.ListenAddr = ":" + port
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields are present.
func (c *Config) Validate() error {
	var errs []string
	if c.AgentToken == "" {
		errs = append(errs, "AGENT_TOKEN is required")
	}
	if c.DatabasePath == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// UsesRedisBus reports whether the Push Bus should use the Redis-backed
// implementation (spec §4.2's horizontal-scale-out rationale).
func (c *Config) UsesRedisBus() bool {
	return c.RedisURL != ""
}

// StaleThreshold returns the absolute duration after which a device with no
// heartbeat is considered stale, given its policy's heartbeat interval.
// Mirrors the teacher's multiplier-with-floor calculation.
func (c *Config) StaleThreshold(policyHeartbeat time.Duration) time.Duration {
	calculated := policyHeartbeat * time.Duration(c.StaleMultiplier)
	if calculated < c.StaleMinimum {
		return c.StaleMinimum
	}
	return calculated
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func parseOrigins(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
