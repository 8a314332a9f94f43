package agentconfig

import (
	_ "embed"

	"gopkg.in/yaml.v3"
)

// builtinDefaultsYAML is baked into the binary at build time (spec §6: "two
// candidate server endpoints and a default policy, baked in at build time").
// Packaging teams override this file before building per-fleet binaries.
//
//go:embed defaults.yaml
var builtinDefaultsYAML []byte

// BuiltinDefaults is the build-time-baked-in seed: the two candidate server
// endpoints and the policy an agent uses before it ever hears from the
// server.
type BuiltinDefaults struct {
	PrimaryAddr  string `yaml:"primary_addr"`
	FallbackAddr string `yaml:"fallback_addr"`
	Policy       Policy `yaml:"policy"`
}

type yamlPolicy struct {
	PluggedSeconds      int `yaml:"plugged_seconds"`
	Battery10080Seconds int `yaml:"battery_100_80_seconds"`
	Battery7950Seconds  int `yaml:"battery_79_50_seconds"`
	Battery4920Seconds  int `yaml:"battery_49_20_seconds"`
	Battery1910Seconds  int `yaml:"battery_19_10_seconds"`
	Battery90Seconds    int `yaml:"battery_9_0_seconds"`
	LowBatteryAlertPct  int `yaml:"low_battery_alert_threshold"`
	DiskScanSeconds     int `yaml:"disk_scan_interval_seconds"`
	HardwareScanSeconds int `yaml:"hardware_scan_interval_seconds"`
}

type yamlDefaults struct {
	PrimaryAddr  string     `yaml:"primary_addr"`
	FallbackAddr string     `yaml:"fallback_addr"`
	Policy       yamlPolicy `yaml:"policy"`
}

// hardcodedFallback is used only if defaults.yaml fails to parse, which
// should never happen with the file this package embeds.
var hardcodedFallback = BuiltinDefaults{
	PrimaryAddr:  "",
	FallbackAddr: "",
	Policy: Policy{
		PluggedSeconds:      60,
		Battery10080Seconds: 120,
		Battery7950Seconds:  300,
		Battery4920Seconds:  600,
		Battery1910Seconds:  900,
		Battery90Seconds:    1800,
		LowBatteryAlertPct:  15,
		DiskScanSeconds:     86400,
		HardwareScanSeconds: 604800,
	},
}

// LoadBuiltinDefaults parses the embedded defaults.yaml. It never returns an
// error; a parse failure falls back to hardcodedFallback so agent startup
// never fails on a packaging mistake.
func LoadBuiltinDefaults() BuiltinDefaults {
	var y yamlDefaults
	if err := yaml.Unmarshal(builtinDefaultsYAML, &y); err != nil {
		return hardcodedFallback
	}
	return BuiltinDefaults{
		PrimaryAddr:  y.PrimaryAddr,
		FallbackAddr: y.FallbackAddr,
		Policy: Policy{
			PluggedSeconds:      y.Policy.PluggedSeconds,
			Battery10080Seconds: y.Policy.Battery10080Seconds,
			Battery7950Seconds:  y.Policy.Battery7950Seconds,
			Battery4920Seconds:  y.Policy.Battery4920Seconds,
			Battery1910Seconds:  y.Policy.Battery1910Seconds,
			Battery90Seconds:    y.Policy.Battery90Seconds,
			LowBatteryAlertPct:  y.Policy.LowBatteryAlertPct,
			DiskScanSeconds:     y.Policy.DiskScanSeconds,
			HardwareScanSeconds: y.Policy.HardwareScanSeconds,
		},
	}
}
