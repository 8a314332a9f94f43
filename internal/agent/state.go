// Package agent implements the device-side control-plane client: the
// Reachability Selector (C6), Local Task Cache (C7), Trigger Evaluator
// (C8), Task Executor (C9), Adaptive Heartbeat (C10), and Pre-run Confirmer
// (C11), wired together by the top-level Agent.
package agent

import (
	"bytes"
	"encoding/json"
	"os"
	"time"

	"github.com/natefinch/atomic"
)

// State is the agent's small persistent record: its generated device id
// and the Reachability Selector's cached endpoint choice (spec §6's
// state.json).
type State struct {
	DeviceID      string    `json:"device_id"`
	ActiveAddr    string    `json:"active_addr"`
	LastProbeAt   time.Time `json:"last_probe_at"`
	LastNetworkFP string    `json:"last_network"`
}

// loadState reads state.json. A missing or corrupt file yields a zero
// State rather than an error — first run and a damaged file both recover
// the same way, by re-probing and re-generating whatever is missing.
func loadState(path string) State {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}
	}
	return s
}

// saveState writes state.json via temp-file + rename so a crash mid-write
// never leaves a truncated file (spec §4.7/§9: atomic replace, same
// filesystem, never in-place truncate).
func saveState(path string, s State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(data))
}
