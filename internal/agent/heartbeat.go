package agent

import (
	"time"

	"github.com/fleetguard/control-plane/internal/protocol"
)

// Heartbeat is the Adaptive Heartbeat (C10): it picks the next heartbeat
// interval from the six-band policy table based on current power state,
// and gathers the telemetry snapshot sent with each beat. Grounded on the
// teacher's heartbeatLoop ticker shape (internal/agent/heartbeat.go); the
// band table and telemetry fields are new, since the teacher's heartbeat
// interval is fixed and its metrics come from an external StaSysMo tool
// this repo's domain has no equivalent for.
type Heartbeat struct {
	policy protocol.PolicyPayload
}

// NewHeartbeat builds a Heartbeat using policy's band table.
func NewHeartbeat(policy protocol.PolicyPayload) *Heartbeat {
	return &Heartbeat{policy: policy}
}

// SetPolicy replaces the band table, applied on the next NextInterval call
// (spec §4.10: a server-pushed policy update takes effect immediately).
func (h *Heartbeat) SetPolicy(policy protocol.PolicyPayload) {
	h.policy = policy
}

// NextInterval returns how long to wait before the next heartbeat, given
// whether the device is plugged in and its battery percentage (ignored
// while plugged in). Bands are inclusive of their lower bound and
// exclusive of their upper bound, so 80, 50, 20 and 10 fall into the
// higher band at each boundary (spec §4.10).
func (h *Heartbeat) NextInterval(plugged bool, batteryPercent int) time.Duration {
	if plugged {
		return h.seconds(h.policy.PluggedSeconds)
	}
	switch {
	case batteryPercent >= 80:
		return h.seconds(h.policy.Battery10080Seconds)
	case batteryPercent >= 50:
		return h.seconds(h.policy.Battery7950Seconds)
	case batteryPercent >= 20:
		return h.seconds(h.policy.Battery4920Seconds)
	case batteryPercent >= 10:
		return h.seconds(h.policy.Battery1910Seconds)
	default:
		return h.seconds(h.policy.Battery90Seconds)
	}
}

// seconds guards against a zero or unset band falling back to a sane
// default, so a partially populated policy never produces a zero-duration
// ticker that would busy-loop.
func (h *Heartbeat) seconds(n int) time.Duration {
	if n <= 0 {
		return 60 * time.Second
	}
	return time.Duration(n) * time.Second
}

// LowBatteryAlert reports whether batteryPercent has crossed the policy's
// low-battery threshold while unplugged (original_source: alerts.py's
// low-battery condition, spec §4.10).
func (h *Heartbeat) LowBatteryAlert(plugged bool, batteryPercent int) bool {
	if plugged || h.policy.LowBatteryAlertPct <= 0 {
		return false
	}
	return batteryPercent <= h.policy.LowBatteryAlertPct
}

// Snapshot gathers the current telemetry reading for a heartbeat payload.
func Snapshot() protocol.Telemetry {
	return gatherTelemetry()
}
