package agentconfig

import "testing"

func clearAgentEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"FLEETGUARD_TOKEN", "FLEETGUARD_PRIMARY_ADDR", "FLEETGUARD_FALLBACK_ADDR",
		"FLEETGUARD_DEVICE_ID", "FLEETGUARD_HOSTNAME", "FLEETGUARD_LOG_LEVEL",
		"FLEETGUARD_STATE_FILE", "FLEETGUARD_TASK_CACHE_FILE",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnvRequiresToken(t *testing.T) {
	clearAgentEnv(t)
	t.Setenv("FLEETGUARD_PRIMARY_ADDR", "server.lan:8443")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected an error when FLEETGUARD_TOKEN is unset")
	}
}

func TestLoadFromEnvRequiresPrimaryAddr(t *testing.T) {
	clearAgentEnv(t)
	t.Setenv("FLEETGUARD_TOKEN", "secret")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected an error when no primary address is configured and the build-time default is empty")
	}
}

func TestLoadFromEnvAppliesOverrides(t *testing.T) {
	clearAgentEnv(t)
	t.Setenv("FLEETGUARD_TOKEN", "secret")
	t.Setenv("FLEETGUARD_PRIMARY_ADDR", "server.lan:8443")
	t.Setenv("FLEETGUARD_HOSTNAME", "test-host")
	t.Setenv("FLEETGUARD_LOG_LEVEL", "debug")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.AgentToken != "secret" {
		t.Fatalf("expected token override applied, got %q", cfg.AgentToken)
	}
	if cfg.PrimaryAddr != "server.lan:8443" {
		t.Fatalf("expected primary addr override applied, got %q", cfg.PrimaryAddr)
	}
	if cfg.Hostname != "test-host" {
		t.Fatalf("expected hostname override applied, got %q", cfg.Hostname)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level override applied, got %q", cfg.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{AgentToken: "secret", PrimaryAddr: "a:1"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config to pass, got %v", err)
	}

	cfg = &Config{PrimaryAddr: "a:1"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing token to fail validation")
	}

	cfg = &Config{AgentToken: "secret"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing addresses to fail validation")
	}
}
