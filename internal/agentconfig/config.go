// Package agentconfig handles agent configuration: environment overrides
// layered on top of defaults baked in at build time, the way the teacher's
// internal/config/config.go layers environment variables over DefaultConfig.
package agentconfig

import (
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// Config holds all agent configuration.
type Config struct {
	// Connection (spec §4.6, §6)
	PrimaryAddr  string // LAN endpoint, host:port
	FallbackAddr string // VPN endpoint, host:port
	AgentToken   string

	// Identity
	DeviceID string // 128-bit id, persisted locally once generated
	Hostname string
	Platform string // windows, linux, android

	// Behavior
	LogLevel string

	// Local state paths (spec §6 Agent-local persistence)
	StateFile      string // state.json
	TaskCacheFile  string // scheduled_tasks.json
	LogFile        string

	// Default policy, used until the server's update_policy arrives.
	DefaultPolicy Policy
}

// Policy mirrors protocol.PolicyPayload; duplicated here (rather than
// imported) because the agent needs a zero-dependency default before any
// connection exists.
type Policy struct {
	PluggedSeconds      int
	Battery10080Seconds int
	Battery7950Seconds  int
	Battery4920Seconds  int
	Battery1910Seconds  int
	Battery90Seconds    int
	LowBatteryAlertPct  int
	DiskScanSeconds     int
	HardwareScanSeconds int
}

// DefaultConfig returns a config seeded from build-time defaults and a
// stable hostname detection, mirroring DefaultConfig in the teacher.
func DefaultConfig() *Config {
	defaults := LoadBuiltinDefaults()
	return &Config{
		PrimaryAddr:   defaults.PrimaryAddr,
		FallbackAddr:  defaults.FallbackAddr,
		LogLevel:      "info",
		Hostname:      getStableHostname(),
		Platform:      detectPlatform(),
		StateFile:     "state.json",
		TaskCacheFile: "scheduled_tasks.json",
		LogFile:       "agent.log",
		DefaultPolicy: defaults.Policy,
	}
}

// LoadFromEnv loads configuration from environment variables on top of the
// build-time defaults.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	cfg.AgentToken = os.Getenv("FLEETGUARD_TOKEN")
	if cfg.AgentToken == "" {
		return nil, errors.New("FLEETGUARD_TOKEN is required")
	}

	if v := os.Getenv("FLEETGUARD_PRIMARY_ADDR"); v != "" {
		cfg.PrimaryAddr = v
	}
	if v := os.Getenv("FLEETGUARD_FALLBACK_ADDR"); v != "" {
		cfg.FallbackAddr = v
	}
	if cfg.PrimaryAddr == "" {
		return nil, errors.New("no primary server address configured (FLEETGUARD_PRIMARY_ADDR or build-time default)")
	}

	if v := os.Getenv("FLEETGUARD_DEVICE_ID"); v != "" {
		cfg.DeviceID = v
	}
	if v := os.Getenv("FLEETGUARD_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("FLEETGUARD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLEETGUARD_STATE_FILE"); v != "" {
		cfg.StateFile = v
	}
	if v := os.Getenv("FLEETGUARD_TASK_CACHE_FILE"); v != "" {
		cfg.TaskCacheFile = v
	}

	return cfg, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.AgentToken == "" {
		return errors.New("token is required")
	}
	if c.PrimaryAddr == "" && c.FallbackAddr == "" {
		return errors.New("at least one server address is required")
	}
	return nil
}

// getStableHostname returns a hostname that doesn't change with the active
// network interface, mirroring the teacher's macOS LocalHostName lookup.
func getStableHostname() string {
	if runtime.GOOS == "darwin" {
		if out, err := exec.Command("scutil", "--get", "LocalHostName").Output(); err == nil {
			if h := strings.TrimSpace(string(out)); h != "" {
				return h
			}
		}
	}
	hostname, _ := os.Hostname()
	if idx := strings.Index(hostname, "."); idx != -1 {
		hostname = hostname[:idx]
	}
	return hostname
}

func detectPlatform() string {
	switch runtime.GOOS {
	case "windows":
		return "windows"
	case "android":
		return "android"
	default:
		return "linux"
	}
}

